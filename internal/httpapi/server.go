// Package httpapi wires every content-plane capability into the
// HuggingFace-compatible HTTP surface: gorilla/mux path templates,
// NDJSON commit bodies, LFS batch payloads, and the net/http handler
// idiom (explicit method/path checks, io.LimitReader on request bodies,
// structured logging per request) used for the handlers that don't map
// onto a dedicated sub-package.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kohakuhub/kohakuhub/internal/branch"
	"github.com/kohakuhub/kohakuhub/internal/commitengine"
	"github.com/kohakuhub/kohakuhub/internal/config"
	"github.com/kohakuhub/kohakuhub/internal/gitbridge"
	"github.com/kohakuhub/kohakuhub/internal/invite"
	"github.com/kohakuhub/kohakuhub/internal/lfs"
	"github.com/kohakuhub/kohakuhub/internal/log"
	"github.com/kohakuhub/kohakuhub/internal/quota"
	"github.com/kohakuhub/kohakuhub/internal/repo"
	"github.com/kohakuhub/kohakuhub/internal/resolve"
	"github.com/kohakuhub/kohakuhub/internal/sshkeys"
)

var logger = log.Named("httpapi")

// Server holds every dependency the route handlers need. Constructed
// once in cmd/kohakuhub/main.go and wired into a *mux.Router by
// NewRouter.
type Server struct {
	Cfg       config.Config
	Repos     *repo.Store
	Quota     *quota.Store
	Branch    branch.Backend
	Commit    *commitengine.Engine
	LFS       *lfs.Service
	GitBridge *gitbridge.Handler
	Resolve   *resolve.Router
	SSHKeys   *sshkeys.Store
	Invites   *invite.Store
	Auth      Authenticator
}

// Authenticator resolves the caller's Principal from a request. Token
// format, session store, etc. are a deployment concern; this interface
// is all httpapi needs.
type Authenticator interface {
	Authenticate(r *http.Request) (*repo.Principal, error)
}

// NewRouter builds the full HuggingFace-compatible route table.
func NewRouter(s *Server) *mux.Router {
	r := mux.NewRouter()
	r.Use(loggingMiddleware)

	// Repository CRUD.
	r.HandleFunc("/api/{type}s", s.handleCreateRepo).Methods(http.MethodPost)
	r.HandleFunc("/api/{type}s/{namespace}/{name}", s.handleGetRepo).Methods(http.MethodGet)
	r.HandleFunc("/api/{type}s/{namespace}/{name}", s.handleDeleteRepo).Methods(http.MethodDelete)
	r.HandleFunc("/api/{type}s/{namespace}/{name}/settings", s.handleUpdateSettings).Methods(http.MethodPut)
	r.HandleFunc("/api/{type}s/{namespace}/{name}/move", s.handleMoveRepo).Methods(http.MethodPost)

	// Commit protocol.
	r.HandleFunc("/api/{type}s/{namespace}/{name}/commit/{revision}", s.handleCommit).Methods(http.MethodPost)

	// Endpoints real huggingface_hub clients call during upload.
	r.HandleFunc("/api/validate-yaml", s.handleValidateYAML).Methods(http.MethodPost)
	r.HandleFunc("/api/{type}s/{namespace}/{name}/preupload/{revision}", s.handlePreupload).Methods(http.MethodPost)
	r.HandleFunc("/api/whoami-v2", s.handleWhoAmI).Methods(http.MethodGet)

	// Resolve/download.
	r.HandleFunc("/{namespace}/{name}/resolve/{revision}/{path:.*}", s.handleResolve).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/{type:datasets|spaces}/{namespace}/{name}/resolve/{revision}/{path:.*}", s.handleResolveTyped).Methods(http.MethodGet, http.MethodHead)

	// Git LFS batch API.
	r.HandleFunc("/{namespace}/{name}.git/info/lfs/objects/batch", s.handleLFSBatch).Methods(http.MethodPost)
	r.HandleFunc("/lfs/verify/{oid}", s.handleLFSVerify).Methods(http.MethodPost)

	// Git Smart HTTP.
	r.HandleFunc("/{namespace}/{name}.git/HEAD", s.handleGitHead).Methods(http.MethodGet)
	r.HandleFunc("/{namespace}/{name}.git/info/refs", s.handleGitInfoRefs).Methods(http.MethodGet)
	r.HandleFunc("/{namespace}/{name}.git/git-upload-pack", s.handleGitUploadPack).Methods(http.MethodPost)
	r.HandleFunc("/{namespace}/{name}.git/git-receive-pack", s.handleGitReceivePack).Methods(http.MethodPost)

	// Branch/history operations.
	r.HandleFunc("/api/{type}s/{namespace}/{name}/branch/{branch}", s.handleCreateBranch).Methods(http.MethodPost)
	r.HandleFunc("/api/{type}s/{namespace}/{name}/branch/{branch}", s.handleDeleteBranch).Methods(http.MethodDelete)
	r.HandleFunc("/api/{type}s/{namespace}/{name}/commits/{revision}", s.handleListCommits).Methods(http.MethodGet)
	r.HandleFunc("/api/{type}s/{namespace}/{name}/revert/{branch}/{commit}", s.handleRevert).Methods(http.MethodPost)

	// Quota administration.
	r.HandleFunc("/api/quota/{namespace}", s.handleGetQuota).Methods(http.MethodGet)
	r.HandleFunc("/api/quota/{namespace}", s.handleSetQuota).Methods(http.MethodPut)
	r.HandleFunc("/api/quota/{namespace}/recompute", s.handleRecomputeQuota).Methods(http.MethodPost)

	// Invitations.
	r.HandleFunc("/api/invitations", s.handleCreateInvite).Methods(http.MethodPost)
	r.HandleFunc("/api/invitations/{id}/accept", s.handleAcceptInvite).Methods(http.MethodPost)

	// SSH keys.
	r.HandleFunc("/api/user/ssh-keys", s.handleListSSHKeys).Methods(http.MethodGet)
	r.HandleFunc("/api/user/ssh-keys", s.handleRegisterSSHKey).Methods(http.MethodPost)
	r.HandleFunc("/api/user/ssh-keys/{fingerprint}", s.handleDeleteSSHKey).Methods(http.MethodDelete)

	return r
}

// loggingMiddleware logs one line per request with structured fields.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debugw("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
