package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kohakuhub/kohakuhub/internal/invite"
	"github.com/kohakuhub/kohakuhub/internal/repo"
	"github.com/kohakuhub/kohakuhub/internal/sshkeys"
)

const testED25519Key = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAINArFEmlzwWiMSmEB1Epp4wp7k6O13SL6Wk7d1Z3v/2O test@example.com"

func withInviteAndKeys(s *Server) *Server {
	s.Invites = invite.NewStore()
	s.SSHKeys = sshkeys.NewStore()
	return s
}

func TestHandleCreateInviteRequiresOrgAdmin(t *testing.T) {
	s, a := newTestServer(t)
	withInviteAndKeys(s)
	a.IssueToken("bob-token", &repo.Principal{Username: "bob"})
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPost, "/api/invitations", "bob-token", createInviteRequest{Action: "joinOrg", Target: "acme"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleCreateAndAcceptJoinOrgInvite(t *testing.T) {
	s, a := newTestServer(t)
	withInviteAndKeys(s)
	s.Repos.SetMembership(repo.Namespace{Name: "acme", IsOrg: true}, "alice", repo.RoleAdmin)
	a.IssueToken("bob-token", &repo.Principal{Username: "bob"})
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPost, "/api/invitations", "alice-token", createInviteRequest{Action: "joinOrg", Target: "acme", MaxUsage: 1, TTLHours: 1})
	require.Equal(t, http.StatusCreated, rec.Code)

	var tok map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	id, _ := tok["ID"].(string)
	if id == "" {
		id, _ = tok["id"].(string)
	}
	require.NotEmpty(t, id)

	rec = doJSON(t, router, http.MethodPost, "/api/invitations/"+id+"/accept", "bob-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, repo.RoleMember, s.Repos.RoleOf(repo.Namespace{Name: "acme", IsOrg: true}, "bob"))
}

func TestHandleAcceptJoinOrgInviteGrantsRequestedRole(t *testing.T) {
	s, a := newTestServer(t)
	withInviteAndKeys(s)
	s.Repos.SetMembership(repo.Namespace{Name: "acme", IsOrg: true}, "alice", repo.RoleAdmin)
	a.IssueToken("carol-token", &repo.Principal{Username: "carol"})
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPost, "/api/invitations", "alice-token", createInviteRequest{Action: "joinOrg", Target: "acme", Role: "admin", MaxUsage: 1, TTLHours: 1})
	require.Equal(t, http.StatusCreated, rec.Code)

	var tok map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	id, _ := tok["ID"].(string)
	if id == "" {
		id, _ = tok["id"].(string)
	}
	require.NotEmpty(t, id)

	rec = doJSON(t, router, http.MethodPost, "/api/invitations/"+id+"/accept", "carol-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, repo.RoleAdmin, s.Repos.RoleOf(repo.Namespace{Name: "acme", IsOrg: true}, "carol"))
}

func TestHandleRegisterListAndDeleteSSHKey(t *testing.T) {
	s, _ := newTestServer(t)
	withInviteAndKeys(s)
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPost, "/api/user/ssh-keys", "alice-token", registerSSHKeyRequest{Title: "laptop", Key: testED25519Key})
	require.Equal(t, http.StatusCreated, rec.Code)

	var key map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &key))
	fingerprint, _ := key["Fingerprint"].(string)
	if fingerprint == "" {
		fingerprint, _ = key["fingerprint"].(string)
	}
	require.NotEmpty(t, fingerprint)

	rec = doJSON(t, router, http.MethodGet, "/api/user/ssh-keys", "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/user/ssh-keys/"+fingerprint, "alice-token", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
