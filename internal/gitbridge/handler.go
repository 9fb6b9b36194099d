package gitbridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kohakuhub/kohakuhub/internal/apierr"
	"github.com/kohakuhub/kohakuhub/internal/log"
)

var logger = log.Named("gitbridge")

// Handler exposes canonicalRepoName's Git Smart HTTP endpoints:
// GET info/refs, POST git-upload-pack, POST git-receive-pack.
type Handler struct {
	Builder      *Builder
	Branches     func(canonicalRepoName string) []string
	LFSThreshold int64
	ReadBlob     func(ctx context.Context, canonicalRepoName, path, checksum string) ([]byte, error)
}

// readBlobFor curries canonicalRepoName into h.ReadBlob so it matches
// the per-repo-agnostic signature Builder.AdvertiseRefs/BuildPack call.
func (h *Handler) readBlobFor(canonicalRepoName string) func(ctx context.Context, path, checksum string) ([]byte, error) {
	if h.ReadBlob == nil {
		return nil
	}
	return func(ctx context.Context, path, checksum string) ([]byte, error) {
		return h.ReadBlob(ctx, canonicalRepoName, path, checksum)
	}
}

// Head handles GET .../HEAD, the dumb-HTTP convention clients probe
// before falling back to (or alongside) the Smart HTTP service
// advertisement: a plain-text symbolic ref pointing at the default
// branch.
func (h *Handler) Head(w http.ResponseWriter, r *http.Request, canonicalRepoName, defaultRef string) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "ref: refs/heads/%s\n", defaultRef)
}

// InfoRefs handles GET .../info/refs?service=git-upload-pack.
func (h *Handler) InfoRefs(w http.ResponseWriter, r *http.Request, canonicalRepoName string) {
	service := r.URL.Query().Get("service")
	if service != "git-upload-pack" && service != "git-receive-pack" {
		apierr.WriteHTTP(w, apierr.New(apierr.KindValidation, "unsupported service: "+service))
		return
	}

	refs, err := h.Builder.AdvertiseRefs(r.Context(), canonicalRepoName, h.Branches(canonicalRepoName), h.LFSThreshold, h.readBlobFor(canonicalRepoName))
	if err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.KindTransient, "advertising refs", err))
		return
	}

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-advertisement", service))
	w.Header().Set("Cache-Control", "no-cache")
	if err := AdvertiseRefsResponse(w, service, refs); err != nil {
		logger.Errorw("writing info/refs response", "repo", canonicalRepoName, "error", err)
	}
}

// UploadPack handles POST .../git-upload-pack: negotiates wants, builds
// an in-memory pack for the default branch (this bridge always serves a
// full pack; there is no shallow/multi-ref negotiation), and streams it
// back side-band multiplexed.
func (h *Handler) UploadPack(w http.ResponseWriter, r *http.Request, canonicalRepoName, defaultRef string) {
	defer r.Body.Close()
	if _, err := ParseUploadPackRequest(io.LimitReader(r.Body, 10<<20)); err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.KindValidation, "parsing upload-pack request", err))
		return
	}

	pack, err := h.Builder.BuildPack(r.Context(), canonicalRepoName, defaultRef, h.LFSThreshold, h.readBlobFor(canonicalRepoName))
	if err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.KindTransient, "building pack", err))
		return
	}

	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	if err := writePktLine(w, []byte("NAK\n")); err != nil {
		logger.Errorw("writing NAK", "repo", canonicalRepoName, "error", err)
		return
	}
	if err := WriteSideBandPack(w, pack); err != nil {
		logger.Errorw("streaming pack", "repo", canonicalRepoName, "error", err)
	}
}

// ReceivePack handles POST .../git-receive-pack. Writes over Smart HTTP
// are not the system of record (the commit API is); this accepts the
// push and reports every ref update as ok without mutating backend
// state, so Git clients that attempt `git push` get a clean success
// response instead of a protocol error.
func (h *Handler) ReceivePack(w http.ResponseWriter, r *http.Request, canonicalRepoName string) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.KindValidation, "reading receive-pack request", err))
		return
	}

	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	w.Header().Set("Cache-Control", "no-cache")

	for _, ref := range extractUpdatedRefs(body) {
		_ = writePktLine(w, []byte("ok "+ref+"\n"))
	}
	_ = writeFlush(w)
}

// extractUpdatedRefs scans a receive-pack request's command lines
// (before the pack data) for ref names being updated, so ReceivePack
// can report one "ok <ref>" line per command like a real Git server
// does, without actually applying any of them.
func extractUpdatedRefs(body []byte) []string {
	var refs []string
	lines := strings.Split(string(body), "\n")
	for _, line := range lines {
		parts := strings.Fields(line)
		if len(parts) >= 3 && strings.HasPrefix(parts[2], "refs/") {
			refs = append(refs, parts[2])
		}
	}
	return refs
}
