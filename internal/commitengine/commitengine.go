// Package commitengine implements the HuggingFace-compatible NDJSON
// commit protocol: parsing a commit request body into typed operations
// (header/file/lfsFile/deletedFile/deletedFolder keyed by a "key"
// discriminator field), checking quota admission before touching the
// branch backend, staging each operation, and committing atomically.
// NDJSON lines are parsed with a bufio.Scanner sized well above its
// default 64KiB token limit, since a single line (a base64 file
// payload) can be much larger.
package commitengine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/kohakuhub/kohakuhub/internal/apierr"
	"github.com/kohakuhub/kohakuhub/internal/blobstore"
	"github.com/kohakuhub/kohakuhub/internal/branch"
	"github.com/kohakuhub/kohakuhub/internal/quota"
	"github.com/kohakuhub/kohakuhub/internal/repo"
)

// maxLineBytes bounds one NDJSON line (an inline file's base64 body);
// Sized well above the largest inline (non-LFS) payload the LFS
// threshold allows.
const maxLineBytes = 64 << 20

// OperationHeader is the first NDJSON line of a commit request.
type OperationHeader struct {
	Summary      string `json:"summary"`
	Description  string `json:"description,omitempty"`
	ParentCommit string `json:"parentCommit,omitempty"`
}

// FileOperation stages an inline (non-LFS) file write.
type FileOperation struct {
	Path     string `json:"path"`
	Content  string `json:"content"` // base64
	Encoding string `json:"encoding"`
}

// LFSFileOperation stages a write whose bytes already live in the LFS
// store (the client uploaded them via the batch API beforehand).
type LFSFileOperation struct {
	Path string `json:"path"`
	Algo string `json:"algo"`
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

// DeletedFileOperation stages a file deletion.
type DeletedFileOperation struct {
	Path string `json:"path"`
}

// DeletedFolderOperation stages a whole-folder deletion (every object
// under the prefix is removed).
type DeletedFolderOperation struct {
	Path string `json:"path"`
}

// operationEnvelope is the wire shape of every NDJSON line after the
// header: {"key": "file"|"lfsFile"|"deletedFile"|"deletedFolder",
// "value": <payload>}.
type operationEnvelope struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// ParsedCommit is a fully decoded, not-yet-admitted commit request.
type ParsedCommit struct {
	Header         OperationHeader
	Files          []FileOperation
	LFSFiles       []LFSFileOperation
	DeletedFiles   []DeletedFileOperation
	DeletedFolders []DeletedFolderOperation
}

// ParseNDJSON decodes a commit request body into a ParsedCommit. The
// first line must be the header, either enveloped as
// {"key":"header","value":{...}} or given bare; later lines are
// dispatched by their "key" discriminator.
func ParseNDJSON(body []byte) (*ParsedCommit, error) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	pc := &ParsedCommit{}
	lineNum := 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		lineNum++
		if len(line) == 0 {
			continue
		}
		if lineNum == 1 {
			var env operationEnvelope
			if err := json.Unmarshal(line, &env); err == nil && env.Key == "header" {
				line = env.Value
			}
			if err := json.Unmarshal(line, &pc.Header); err != nil {
				return nil, apierr.Wrap(apierr.KindValidation, "invalid commit header", err)
			}
			continue
		}
		var env operationEnvelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, apierr.Wrap(apierr.KindValidation, fmt.Sprintf("invalid commit operation on line %d", lineNum), err)
		}
		switch env.Key {
		case "file":
			var f FileOperation
			if err := json.Unmarshal(env.Value, &f); err != nil {
				return nil, apierr.Wrap(apierr.KindValidation, "invalid file operation", err)
			}
			pc.Files = append(pc.Files, f)
		case "lfsFile":
			var f LFSFileOperation
			if err := json.Unmarshal(env.Value, &f); err != nil {
				return nil, apierr.Wrap(apierr.KindValidation, "invalid lfsFile operation", err)
			}
			pc.LFSFiles = append(pc.LFSFiles, f)
		case "deletedFile":
			var f DeletedFileOperation
			if err := json.Unmarshal(env.Value, &f); err != nil {
				return nil, apierr.Wrap(apierr.KindValidation, "invalid deletedFile operation", err)
			}
			pc.DeletedFiles = append(pc.DeletedFiles, f)
		case "deletedFolder":
			var f DeletedFolderOperation
			if err := json.Unmarshal(env.Value, &f); err != nil {
				return nil, apierr.Wrap(apierr.KindValidation, "invalid deletedFolder operation", err)
			}
			pc.DeletedFolders = append(pc.DeletedFolders, f)
		default:
			return nil, apierr.New(apierr.KindValidation, "unknown commit operation key: "+env.Key)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, "failed reading commit request body", err)
	}
	if lineNum == 0 {
		return nil, apierr.New(apierr.KindValidation, "empty commit request body")
	}
	return pc, nil
}

// Engine wires the blob store, branch backend, repository store, and
// quota ledger together to execute a parsed commit's staging then
// atomic-commit pipeline.
type Engine struct {
	Blobs  blobstore.Store
	Branch branch.Backend
	Repos  *repo.Store
	Quota  *quota.Store

	// LFSThreshold rejects an inline "file" operation whose decoded size
	// is at or above it: oversized content must go through the LFS batch
	// API instead of the NDJSON commit body. Zero disables the check.
	LFSThreshold int64
}

// Result summarizes a successfully executed commit.
type Result struct {
	CommitID   string
	BytesAdded int64
}

// Execute runs the full commit pipeline for repository r on branch
// branchName: admits the net byte delta against quota, stages every
// operation against the branch backend, commits, and only then applies
// the byte delta to the quota ledger (application follows
// confirmed success, never precedes it).
func (e *Engine) Execute(ctx context.Context, r *repo.Repository, branchName string, pc *ParsedCommit, author, email string) (*Result, error) {
	canonical := r.CanonicalName()

	var netBytes int64
	decoded := make([][]byte, len(pc.Files))
	for i, f := range pc.Files {
		raw, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindValidation, "invalid base64 content for "+f.Path, err)
		}
		if e.LFSThreshold > 0 && int64(len(raw)) >= e.LFSThreshold {
			return nil, apierr.New(apierr.KindValidation, "file exceeds inline size threshold, upload it via the LFS batch API instead: "+f.Path).
				WithFields(map[string]any{"path": f.Path, "size": len(raw), "threshold": e.LFSThreshold})
		}
		decoded[i] = raw
		netBytes += int64(len(raw)) - e.priorSize(ctx, canonical, branchName, f.Path)
	}
	for _, f := range pc.LFSFiles {
		netBytes += f.Size - e.priorSize(ctx, canonical, branchName, f.Path)
	}
	for _, f := range pc.DeletedFiles {
		netBytes -= e.priorSize(ctx, canonical, branchName, f.Path)
	}

	if err := e.Quota.Admit(r.Namespace, netBytes, r.Private); err != nil {
		return nil, err
	}

	for i, f := range pc.Files {
		raw := decoded[i]
		key := blobstore.RepoObjectKey(canonical, f.Path)
		if err := e.Blobs.Put(ctx, key, bytes.NewReader(raw), int64(len(raw))); err != nil {
			return nil, apierr.Wrap(apierr.KindTransient, "writing file "+f.Path, err)
		}
		if err := e.Branch.StageObject(ctx, canonical, branchName, branch.StagedObject{
			Path: f.Path, BlobKey: key, SizeBytes: int64(len(raw)),
		}); err != nil {
			return nil, apierr.Wrap(apierr.KindTransient, "staging file "+f.Path, err)
		}
	}
	for _, f := range pc.LFSFiles {
		exists, err := e.lfsObjectExists(ctx, f.OID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, apierr.New(apierr.KindLFSMissing, "LFS object not uploaded: "+f.OID).
				WithFields(map[string]any{"oid": f.OID, "path": f.Path})
		}
		if err := e.Branch.StageObject(ctx, canonical, branchName, branch.StagedObject{
			Path: f.Path, BlobKey: blobstore.LFSKey(f.OID), SizeBytes: f.Size, Checksum: f.OID,
		}); err != nil {
			return nil, apierr.Wrap(apierr.KindTransient, "staging LFS file "+f.Path, err)
		}
	}
	for _, f := range pc.DeletedFiles {
		if err := e.Branch.StageObject(ctx, canonical, branchName, branch.StagedObject{Path: f.Path, Deleted: true}); err != nil {
			return nil, apierr.Wrap(apierr.KindTransient, "staging delete of "+f.Path, err)
		}
	}
	for _, f := range pc.DeletedFolders {
		objs, err := e.Branch.ListObjects(ctx, canonical, branchName, f.Path)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindTransient, "listing folder "+f.Path, err)
		}
		for _, obj := range objs {
			if err := e.Branch.StageObject(ctx, canonical, branchName, branch.StagedObject{Path: obj.Path, Deleted: true}); err != nil {
				return nil, apierr.Wrap(apierr.KindTransient, "staging delete of "+obj.Path, err)
			}
			netBytes -= obj.SizeBytes
		}
	}

	commit, err := e.Branch.Commit(ctx, canonical, branchName, pc.Header.Summary, author, email, map[string]string{
		"description": pc.Header.Description,
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindTransient, "committing", err)
	}

	e.Quota.Apply(r.Namespace, netBytes, r.Private)

	return &Result{CommitID: commit.ID, BytesAdded: netBytes}, nil
}

// priorSize returns how many bytes path currently contributes to
// branchName, or 0 if it doesn't exist yet, so overwriting or deleting a
// path nets out against what it already cost instead of double-counting.
func (e *Engine) priorSize(ctx context.Context, canonical, branchName, path string) int64 {
	stat, err := e.Branch.StatObject(ctx, canonical, branchName, path)
	if err != nil {
		return 0
	}
	return stat.SizeBytes
}

func (e *Engine) lfsObjectExists(ctx context.Context, oid string) (bool, error) {
	_, exists, err := e.Blobs.Head(ctx, blobstore.LFSKey(oid))
	if err != nil {
		return false, apierr.Wrap(apierr.KindTransient, "checking LFS object "+oid, err)
	}
	return exists, nil
}
