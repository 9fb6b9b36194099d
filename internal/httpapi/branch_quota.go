package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kohakuhub/kohakuhub/internal/apierr"
)

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	principal, err := s.Auth.Authenticate(r)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	vars := mux.Vars(r)
	rep, err := s.Repos.GetRepository(repoType(r), vars["namespace"], vars["name"])
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	if !s.Repos.CanWrite(principal, rep) {
		apierr.WriteHTTP(w, apierr.New(apierr.KindPermission, "no write access"))
		return
	}
	if err := s.Branch.CreateBranch(r.Context(), rep.CanonicalName(), vars["branch"], s.Cfg.Branch.DefaultRef); err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDeleteBranch(w http.ResponseWriter, r *http.Request) {
	principal, err := s.Auth.Authenticate(r)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	vars := mux.Vars(r)
	rep, err := s.Repos.GetRepository(repoType(r), vars["namespace"], vars["name"])
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	if !s.Repos.CanWrite(principal, rep) {
		apierr.WriteHTTP(w, apierr.New(apierr.KindPermission, "no write access"))
		return
	}
	if err := s.Branch.DeleteBranch(r.Context(), rep.CanonicalName(), vars["branch"]); err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCommits(w http.ResponseWriter, r *http.Request) {
	principal, _ := s.Auth.Authenticate(r)
	vars := mux.Vars(r)
	rep, err := s.Repos.GetRepository(repoType(r), vars["namespace"], vars["name"])
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	if !s.Repos.CanRead(principal, rep) {
		apierr.WriteHTTP(w, apierr.New(apierr.KindPermission, "no read access"))
		return
	}
	commits, err := s.Branch.ListCommits(r.Context(), rep.CanonicalName(), vars["revision"])
	if err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.KindTransient, "listing commits", err))
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	principal, err := s.Auth.Authenticate(r)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	vars := mux.Vars(r)
	rep, err := s.Repos.GetRepository(repoType(r), vars["namespace"], vars["name"])
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	if !s.Repos.CanWrite(principal, rep) {
		apierr.WriteHTTP(w, apierr.New(apierr.KindPermission, "no write access"))
		return
	}
	commit, err := s.Branch.Revert(r.Context(), rep.CanonicalName(), vars["branch"], vars["commit"])
	if err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.KindTransient, "reverting", err))
		return
	}
	writeJSON(w, http.StatusOK, commit)
}

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	writeJSON(w, http.StatusOK, s.Quota.Get(vars["namespace"]))
}

type setQuotaRequest struct {
	PrivateLimit int64 `json:"privateLimit"`
	PublicLimit  int64 `json:"publicLimit"`
}

func (s *Server) handleSetQuota(w http.ResponseWriter, r *http.Request) {
	principal, err := s.Auth.Authenticate(r)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	if !principal.IsAdmin {
		apierr.WriteHTTP(w, apierr.New(apierr.KindPermission, "quota administration requires platform admin"))
		return
	}
	vars := mux.Vars(r)
	var req setQuotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.KindValidation, "invalid request body", err))
		return
	}
	s.Quota.SetLimits(vars["namespace"], req.PrivateLimit, req.PublicLimit)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRecomputeQuota(w http.ResponseWriter, r *http.Request) {
	principal, err := s.Auth.Authenticate(r)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	if !principal.IsAdmin {
		apierr.WriteHTTP(w, apierr.New(apierr.KindPermission, "quota administration requires platform admin"))
		return
	}
	vars := mux.Vars(r)
	namespace := vars["namespace"]

	var privateBytes, publicBytes int64
	for _, rep := range s.Repos.ListRepositories(namespace) {
		stats, err := s.Branch.ListObjects(r.Context(), rep.CanonicalName(), s.Cfg.Branch.DefaultRef, "")
		if err != nil {
			apierr.WriteHTTP(w, apierr.Wrap(apierr.KindTransient, "walking repository "+rep.FullName(), err))
			return
		}
		var total int64
		for _, stat := range stats {
			total += stat.SizeBytes
		}
		if rep.Private {
			privateBytes += total
		} else {
			publicBytes += total
		}
	}
	s.Quota.Recompute(namespace, privateBytes, publicBytes)
	writeJSON(w, http.StatusOK, s.Quota.Get(namespace))
}
