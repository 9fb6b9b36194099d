package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kohakuhub/kohakuhub/internal/apierr"
	"github.com/kohakuhub/kohakuhub/internal/lfs"
	"github.com/kohakuhub/kohakuhub/internal/metrics"
	"github.com/kohakuhub/kohakuhub/internal/repo"
	"github.com/kohakuhub/kohakuhub/internal/resolve"
)

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.resolveCommon(w, r, repo.TypeModel)
}

func (s *Server) handleResolveTyped(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t := repo.TypeDataset
	if vars["type"] == "spaces" {
		t = repo.TypeSpace
	}
	s.resolveCommon(w, r, t)
}

func (s *Server) resolveCommon(w http.ResponseWriter, r *http.Request, t repo.RepoType) {
	principal, _ := s.Auth.Authenticate(r)
	vars := mux.Vars(r)
	result, err := s.Resolve.Resolve(r.Context(), principal, t, vars["namespace"], vars["name"], vars["revision"], vars["path"])
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	resolve.ServeRedirect(w, result)
}

func (s *Server) handleLFSBatch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rep, err := s.Repos.GetRepository(repo.TypeModel, vars["namespace"], vars["name"])
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	var req lfs.BatchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 8<<20)).Decode(&req); err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.KindValidation, "invalid batch request", err))
		return
	}
	resp, err := s.LFS.Batch(r.Context(), rep.Namespace, rep.Private, rep.CanonicalName(), req)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	if metrics.LFSTransfersTotal != nil {
		metrics.LFSTransfersTotal.Add(r.Context(), int64(len(resp.Objects)))
	}
	w.Header().Set("Content-Type", "application/vnd.git-lfs+json")
	writeJSON(w, http.StatusOK, resp)
}

type lfsVerifyRequest struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

func (s *Server) handleLFSVerify(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req lfsVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		req.OID = vars["oid"]
	}
	if req.OID == "" {
		req.OID = vars["oid"]
	}
	if err := s.LFS.Verify(r.Context(), req.OID, req.Size); err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGitHead(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rep, err := s.Repos.GetRepository(repo.TypeModel, vars["namespace"], vars["name"])
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	s.GitBridge.Head(w, r, rep.CanonicalName(), s.Cfg.Branch.DefaultRef)
}

func (s *Server) handleGitInfoRefs(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rep, err := s.Repos.GetRepository(repo.TypeModel, vars["namespace"], vars["name"])
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	s.GitBridge.InfoRefs(w, r, rep.CanonicalName())
}

func (s *Server) handleGitUploadPack(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rep, err := s.Repos.GetRepository(repo.TypeModel, vars["namespace"], vars["name"])
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	s.GitBridge.UploadPack(w, r, rep.CanonicalName(), s.Cfg.Branch.DefaultRef)
}

func (s *Server) handleGitReceivePack(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rep, err := s.Repos.GetRepository(repo.TypeModel, vars["namespace"], vars["name"])
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	s.GitBridge.ReceivePack(w, r, rep.CanonicalName())
}
