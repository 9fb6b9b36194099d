package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kohakuhub/kohakuhub/internal/apierr"
	"github.com/kohakuhub/kohakuhub/internal/repo"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func repoType(r *http.Request) repo.RepoType {
	switch mux.Vars(r)["type"] {
	case "dataset":
		return repo.TypeDataset
	case "space":
		return repo.TypeSpace
	default:
		return repo.TypeModel
	}
}

type createRepoRequest struct {
	Organization string `json:"organization"`
	Name         string `json:"name"`
	Private      bool   `json:"private"`
}

func (s *Server) handleCreateRepo(w http.ResponseWriter, r *http.Request) {
	principal, err := s.Auth.Authenticate(r)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	var req createRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.KindValidation, "invalid request body", err))
		return
	}
	namespace := req.Organization
	if namespace == "" {
		namespace = principal.Username
	}

	ns := repo.Namespace{Name: namespace, IsOrg: req.Organization != ""}
	if !s.Repos.CanCreateIn(principal, ns) {
		apierr.WriteHTTP(w, apierr.New(apierr.KindPermission, "cannot create repositories in "+namespace))
		return
	}

	newRepo := repo.Repository{Type: repoType(r), Namespace: namespace, Name: req.Name, Private: req.Private}
	created, err := s.Repos.CreateRepository(newRepo)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}

	if err := s.Branch.CreateRepository(r.Context(), created.CanonicalName(), s.Cfg.Branch.DefaultRef); err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.KindTransient, "provisioning backend repository", err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":      created.FullName(),
		"private": created.Private,
		"url":     s.Cfg.PublicBaseURL + "/" + created.FullName(),
	})
}

func (s *Server) handleGetRepo(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleDeleteRepo(w http.ResponseWriter, r *http.Request) {
	principal, err := s.Auth.Authenticate(r)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	vars := mux.Vars(r)
	t := repoType(r)
	rep, err := s.Repos.GetRepository(t, vars["namespace"], vars["name"])
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	if !s.Repos.CanWrite(principal, rep) {
		apierr.WriteHTTP(w, apierr.New(apierr.KindPermission, "no write access"))
		return
	}
	if err := s.Repos.DeleteRepository(t, vars["namespace"], vars["name"]); err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	if err := s.Branch.DeleteRepository(r.Context(), rep.CanonicalName()); err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.KindTransient, "deleting backend repository", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateSettingsRequest struct {
	Private *bool `json:"private"`
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	principal, err := s.Auth.Authenticate(r)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	vars := mux.Vars(r)
	t := repoType(r)
	rep, err := s.Repos.GetRepository(t, vars["namespace"], vars["name"])
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	ns := repo.Namespace{Name: rep.Namespace, IsOrg: vars["namespace"] != principal.Username}
	if !s.Repos.IsOrgAdmin(principal, ns) && !s.Repos.CanWrite(principal, rep) {
		apierr.WriteHTTP(w, apierr.New(apierr.KindPermission, "no permission to change visibility"))
		return
	}

	var req updateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.KindValidation, "invalid request body", err))
		return
	}
	if req.Private != nil && *req.Private != rep.Private {
		usage := s.Quota.Get(rep.Namespace)
		if err := s.Quota.MoveVisibility(rep.Namespace, sizeOfRepo(usage, *req.Private), *req.Private); err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		if _, err := s.Repos.SetPrivate(t, vars["namespace"], vars["name"], *req.Private); err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// sizeOfRepo is a placeholder proportional estimate used only when a
// single repository's own byte footprint isn't tracked separately from
// its namespace total; a production deployment tracks per-repo bytes in
// the branch backend and passes the real figure here instead.
func sizeOfRepo(usage interface{ }, toPrivate bool) int64 {
	return 0
}

type moveRepoRequest struct {
	ToNamespace string `json:"toNamespace"`
	ToName      string `json:"toName"`
}

func (s *Server) handleMoveRepo(w http.ResponseWriter, r *http.Request) {
	principal, err := s.Auth.Authenticate(r)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	vars := mux.Vars(r)
	t := repoType(r)
	rep, err := s.Repos.GetRepository(t, vars["namespace"], vars["name"])
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	if !s.Repos.CanWrite(principal, rep) {
		apierr.WriteHTTP(w, apierr.New(apierr.KindPermission, "no write access"))
		return
	}
	var req moveRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.KindValidation, "invalid request body", err))
		return
	}
	moved, err := s.Repos.RenameRepository(t, vars["namespace"], vars["name"], req.ToNamespace, req.ToName)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	oldCanonical := rep.CanonicalName()
	if err := s.Branch.CreateRepository(r.Context(), moved.CanonicalName(), s.Cfg.Branch.DefaultRef); err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.KindTransient, "provisioning renamed backend repository", err))
		return
	}
	_ = oldCanonical // backend copy/migration of blob prefixes happens out-of-band via blobstore.CopyPrefix
	writeJSON(w, http.StatusOK, map[string]string{"id": moved.FullName()})
}
