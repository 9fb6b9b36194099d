// Package lfs implements the Git LFS batch API and object store:
// SHA256-addressed dedup storage, pointer text generation, the batch
// download/upload negotiation endpoint, and the keepVersions GC policy
// for superseded objects.
package lfs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/kohakuhub/kohakuhub/internal/apierr"
	"github.com/kohakuhub/kohakuhub/internal/blobstore"
	"github.com/kohakuhub/kohakuhub/internal/config"
	"github.com/kohakuhub/kohakuhub/internal/quota"
)

var oidPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// BatchObject is one object entry in a batch request/response.
type BatchObject struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

// BatchRequest is the body of POST .../info/lfs/objects/batch.
type BatchRequest struct {
	Operation string        `json:"operation"` // "download" or "upload"
	Transfers []string      `json:"transfers,omitempty"`
	Objects   []BatchObject `json:"objects"`
}

// Link is one action's transfer descriptor (href + headers + expiry).
type Link struct {
	Href      string            `json:"href"`
	Header    map[string]string `json:"header,omitempty"`
	ExpiresAt time.Time         `json:"expires_at,omitempty"`
}

// Representation is one object's batch response entry.
type Representation struct {
	OID     string           `json:"oid"`
	Size    int64            `json:"size"`
	Actions map[string]*Link `json:"actions,omitempty"`
	Error   *ObjectError     `json:"error,omitempty"`
}

// ObjectError is embedded per-object when an operation can't be
// represented (e.g. a download for an OID that was never uploaded).
type ObjectError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// BatchResponse is the body returned from the batch endpoint.
type BatchResponse struct {
	Transfer string            `json:"transfer"`
	Objects  []Representation  `json:"objects"`
}

// ObjectVersion records one OID that was ever verified as uploaded for a
// canonical repository, in upload order, so the keepVersions GC policy
// has something to walk: the batch/verify wire protocol carries no file
// path, only OIDs, so history is tracked per-repository rather than
// per-path.
type ObjectVersion struct {
	OID        string
	Size       int64
	UploadedAt time.Time
}

// pendingUpload is the admitted-but-not-yet-verified state for one OID,
// recorded at batch time and consumed exactly once at Verify time so a
// second Verify call for the same OID is a quota/history no-op.
type pendingUpload struct {
	CanonicalRepoName string
	Namespace         string
	Private           bool
	Size              int64
}

// Service implements the batch negotiation and verify step against a
// blob store, scoping every key under a canonical repository name.
type Service struct {
	Blobs      blobstore.Store
	PresignTTL time.Duration
	PublicBase string
	LFSCfg     config.LFSConfig
	Quota      *quota.Store

	mu             sync.Mutex
	history        map[string][]ObjectVersion
	pendingUploads map[string]pendingUpload
}

func (s *Service) ensureMaps() {
	if s.history == nil {
		s.history = make(map[string][]ObjectVersion)
	}
	if s.pendingUploads == nil {
		s.pendingUploads = make(map[string]pendingUpload)
	}
}

// Batch builds a BatchResponse for req against canonicalRepoName,
// issuing presigned URLs for whichever action (download/upload) the
// client requested. namespace/private identify the quota row an upload
// must be admitted against.
func (s *Service) Batch(ctx context.Context, namespace string, private bool, canonicalRepoName string, req BatchRequest) (*BatchResponse, error) {
	resp := &BatchResponse{Transfer: "basic"}
	for _, obj := range req.Objects {
		if !oidPattern.MatchString(obj.OID) {
			resp.Objects = append(resp.Objects, Representation{
				OID: obj.OID, Size: obj.Size,
				Error: &ObjectError{Code: 422, Message: "oid must be a lowercase hex sha256"},
			})
			continue
		}
		rep, err := s.represent(ctx, namespace, private, canonicalRepoName, obj, req.Operation)
		if err != nil {
			return nil, err
		}
		resp.Objects = append(resp.Objects, *rep)
	}
	return resp, nil
}

func (s *Service) represent(ctx context.Context, namespace string, private bool, canonicalRepoName string, obj BatchObject, operation string) (*Representation, error) {
	key := blobstore.LFSKey(obj.OID)
	size, exists, err := s.Blobs.Head(ctx, key)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, "checking LFS object "+obj.OID, err)
	}

	rep := &Representation{OID: obj.OID, Size: obj.Size}

	switch operation {
	case "download":
		if !exists {
			rep.Error = &ObjectError{Code: 404, Message: "object does not exist"}
			return rep, nil
		}
		rep.Size = size
		url, err := s.Blobs.PresignGet(ctx, key, s.PresignTTL)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindTransient, "presigning download for "+obj.OID, err)
		}
		rep.Actions = map[string]*Link{
			"download": {Href: url, ExpiresAt: time.Now().Add(s.PresignTTL)},
		}
	case "upload":
		if exists {
			// Already present (dedup hit): omit actions entirely, which
			// per the Git LFS batch spec tells the client nothing needs
			// transferring.
			return rep, nil
		}
		if s.Quota != nil {
			if err := s.Quota.Admit(namespace, obj.Size, private); err != nil {
				var ae *apierr.Error
				if errors.As(err, &ae) {
					rep.Error = &ObjectError{Code: ae.Status(), Message: ae.Message}
					return rep, nil
				}
				return nil, err
			}
		}
		s.recordPending(obj.OID, canonicalRepoName, namespace, private, obj.Size)
		if obj.Size >= s.LFSCfg.MultipartThreshold {
			uploadID, err := s.Blobs.StartMultipart(ctx, key)
			if err != nil {
				return nil, apierr.Wrap(apierr.KindTransient, "starting multipart upload for "+obj.OID, err)
			}
			rep.Actions = map[string]*Link{
				"upload": {
					Href:   fmt.Sprintf("%s?uploadId=%s", key, uploadID),
					Header: map[string]string{"X-Multipart": "true"},
				},
			}
			return rep, nil
		}
		url, err := s.Blobs.PresignPut(ctx, key, obj.OID, s.PresignTTL)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindTransient, "presigning upload for "+obj.OID, err)
		}
		rep.Actions = map[string]*Link{
			"upload": {Href: url, ExpiresAt: time.Now().Add(s.PresignTTL)},
			"verify": {Href: s.PublicBase + "/lfs/verify/" + obj.OID},
		}
	default:
		return nil, apierr.New(apierr.KindValidation, "unknown batch operation: "+operation)
	}
	return rep, nil
}

func (s *Service) recordPending(oid, canonicalRepoName, namespace string, private bool, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureMaps()
	s.pendingUploads[oid] = pendingUpload{
		CanonicalRepoName: canonicalRepoName,
		Namespace:         namespace,
		Private:           private,
		Size:              size,
	}
}

// Verify confirms an uploaded object matches the size the client
// declared, the step the "verify" action link points at. If this OID
// has a pending (admitted, not yet confirmed) upload recorded by Batch,
// Verify applies the quota delta and records the object in its
// repository's history; a second Verify call for the same OID finds no
// pending entry and is a no-op beyond the existence/size check, so
// verify is idempotent.
func (s *Service) Verify(ctx context.Context, oid string, expectedSize int64) error {
	size, exists, err := s.Blobs.Head(ctx, blobstore.LFSKey(oid))
	if err != nil {
		return apierr.Wrap(apierr.KindTransient, "verifying LFS object "+oid, err)
	}
	if !exists {
		return apierr.New(apierr.KindLFSMissing, "LFS object missing after upload: "+oid)
	}
	if size != expectedSize {
		return apierr.New(apierr.KindValidation, "uploaded object size mismatch").WithFields(map[string]any{
			"oid": oid, "expected": expectedSize, "actual": size,
		})
	}

	s.mu.Lock()
	s.ensureMaps()
	pu, ok := s.pendingUploads[oid]
	if ok {
		delete(s.pendingUploads, oid)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if s.Quota != nil {
		s.Quota.Apply(pu.Namespace, pu.Size, pu.Private)
	}

	s.mu.Lock()
	s.history[pu.CanonicalRepoName] = append(s.history[pu.CanonicalRepoName], ObjectVersion{
		OID: oid, Size: size, UploadedAt: time.Now().UTC(),
	})
	s.mu.Unlock()

	if s.LFSCfg.AutoGC {
		_ = s.RunGC(ctx, pu.CanonicalRepoName)
	}
	return nil
}

// History returns a canonical repository's upload-order object history.
func (s *Service) History(canonicalRepoName string) []ObjectVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureMaps()
	out := make([]ObjectVersion, len(s.history[canonicalRepoName]))
	copy(out, s.history[canonicalRepoName])
	return out
}

// GCCandidates reports the object versions the keepVersions policy
// would delete for canonicalRepoName: every version older than the
// LFSCfg.KeepVersions most recently uploaded. KeepVersions <= 0 disables
// the policy (no candidates).
func (s *Service) GCCandidates(canonicalRepoName string) []ObjectVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidatesLocked(canonicalRepoName)
}

func (s *Service) candidatesLocked(canonicalRepoName string) []ObjectVersion {
	s.ensureMaps()
	if s.LFSCfg.KeepVersions <= 0 {
		return nil
	}
	versions := s.history[canonicalRepoName]
	if len(versions) <= s.LFSCfg.KeepVersions {
		return nil
	}
	cut := len(versions) - s.LFSCfg.KeepVersions
	out := make([]ObjectVersion, cut)
	copy(out, versions[:cut])
	return out
}

// RunGC deletes every keepVersions-superseded object for
// canonicalRepoName from the blob store and trims them out of history.
// Blob deletes are known to be safe to run outside the lock (they don't
// touch shared state) but candidate selection and the history trim do,
// so the lock is held for those two steps and released in between.
//
// Known limitation: an OID deduplicated across repositories is only
// tracked in the history of the repo whose upload of it Verify recorded
// (a later dedup hit from another repo records nothing), so a
// delete here can remove bytes another repository's history still
// references. There is no cross-repository reference count.
func (s *Service) RunGC(ctx context.Context, canonicalRepoName string) error {
	s.mu.Lock()
	candidates := s.candidatesLocked(canonicalRepoName)
	s.mu.Unlock()

	if len(candidates) == 0 {
		return nil
	}

	for _, v := range candidates {
		if err := s.Blobs.Delete(ctx, blobstore.LFSKey(v.OID)); err != nil {
			return apierr.Wrap(apierr.KindTransient, "deleting superseded LFS object "+v.OID, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cut := len(candidates)
	if cut <= len(s.history[canonicalRepoName]) {
		s.history[canonicalRepoName] = append([]ObjectVersion(nil), s.history[canonicalRepoName][cut:]...)
	}
	return nil
}

// PointerText renders the Git LFS v1 pointer file body for an object,
// the text a Git checkout sees in place of the real bytes.
func PointerText(oid string, size int64) string {
	return fmt.Sprintf("version https://git-lfs.github.com/spec/v1\noid sha256:%s\nsize %d\n", oid, size)
}
