package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kohakuhub/kohakuhub/internal/apierr"
	"github.com/kohakuhub/kohakuhub/internal/invite"
	"github.com/kohakuhub/kohakuhub/internal/repo"
)

// repoNamespace treats an invitation's target as an organization name;
// joinOrg invitations only ever target orgs.
func repoNamespace(target string) repo.Namespace {
	return repo.Namespace{Name: target, IsOrg: true}
}

type createInviteRequest struct {
	Action   string `json:"action"`
	Target   string `json:"target"`
	Role     string `json:"role"`
	MaxUsage int    `json:"maxUsage"`
	TTLHours int    `json:"ttlHours"`
}

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	principal, err := s.Auth.Authenticate(r)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	var req createInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.KindValidation, "invalid request body", err))
		return
	}
	action := invite.Action(req.Action)
	if action == invite.ActionJoinOrg {
		if !s.Repos.IsOrgAdmin(principal, repoNamespace(req.Target)) {
			apierr.WriteHTTP(w, apierr.New(apierr.KindPermission, "not an admin of "+req.Target))
			return
		}
	} else if action != invite.ActionRegisterAccount {
		apierr.WriteHTTP(w, apierr.New(apierr.KindValidation, "unknown invitation action: "+req.Action))
		return
	}
	if req.TTLHours <= 0 {
		req.TTLHours = 24
	}
	if req.MaxUsage == 0 {
		req.MaxUsage = 1
	}
	if action == invite.ActionJoinOrg && req.Role == "" {
		req.Role = "member"
	}
	tok := s.Invites.Create(action, req.Target, req.MaxUsage, time.Duration(req.TTLHours)*time.Hour, req.Role)
	writeJSON(w, http.StatusCreated, tok)
}

func (s *Server) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tok, err := s.Invites.Get(vars["id"])
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	accepted, err := s.Invites.Accept(vars["id"], tok.Action)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	if accepted.Action == invite.ActionJoinOrg {
		principal, err := s.Auth.Authenticate(r)
		if err != nil {
			apierr.WriteHTTP(w, err)
			return
		}
		role := accepted.Role
		if role == "" {
			role = "member"
		}
		s.Repos.SetMembership(repoNamespace(accepted.Target), principal.Username, repo.Role(role))
	}
	writeJSON(w, http.StatusOK, accepted)
}

func (s *Server) handleListSSHKeys(w http.ResponseWriter, r *http.Request) {
	principal, err := s.Auth.Authenticate(r)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.SSHKeys.List(principal.Username))
}

type registerSSHKeyRequest struct {
	Title string `json:"title"`
	Key   string `json:"key"`
}

func (s *Server) handleRegisterSSHKey(w http.ResponseWriter, r *http.Request) {
	principal, err := s.Auth.Authenticate(r)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	var req registerSSHKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteHTTP(w, apierr.Wrap(apierr.KindValidation, "invalid request body", err))
		return
	}
	key, err := s.SSHKeys.Register(principal.Username, req.Title, req.Key)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}

func (s *Server) handleDeleteSSHKey(w http.ResponseWriter, r *http.Request) {
	principal, err := s.Auth.Authenticate(r)
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	vars := mux.Vars(r)
	if err := s.SSHKeys.Delete(principal.Username, vars["fingerprint"]); err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
