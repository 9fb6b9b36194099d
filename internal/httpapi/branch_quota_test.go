package httpapi

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kohakuhub/kohakuhub/internal/quota"
	"github.com/kohakuhub/kohakuhub/internal/repo"
)

func TestHandleCreateAndDeleteBranch(t *testing.T) {
	s, _ := newTestServer(t)
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPost, "/api/models", "alice-token", createRepoRequest{Name: "widget"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/models/alice/widget/branch/dev", "alice-token", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/models/alice/widget/branch/dev", "alice-token", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleCreateBranchRequiresWriteAccess(t *testing.T) {
	s, _ := newTestServer(t)
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPost, "/api/models", "alice-token", createRepoRequest{Name: "widget"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/models/alice/widget/branch/dev", "mallory-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleListCommitsReturnsHistory(t *testing.T) {
	s, _ := newTestServer(t)
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPost, "/api/models", "alice-token", createRepoRequest{Name: "widget"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/models/alice/widget/commits/main", "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var commits []any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &commits))
}

func TestHandleGetAndSetQuota(t *testing.T) {
	s, a := newTestServer(t)
	a.IssueToken("admin-token", &repo.Principal{Username: "root", IsAdmin: true})
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPut, "/api/quota/alice", "admin-token", setQuotaRequest{PrivateLimit: 1000, PublicLimit: 2000})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/quota/alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var usage quota.Usage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, int64(1000), usage.PrivateLimit)
	assert.Equal(t, int64(2000), usage.PublicLimit)
}

func TestHandleSetQuotaRequiresPlatformAdmin(t *testing.T) {
	s, _ := newTestServer(t)
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPut, "/api/quota/alice", "alice-token", setQuotaRequest{PrivateLimit: 1000})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleRecomputeQuotaSumsRepositories(t *testing.T) {
	s, a := newTestServer(t)
	a.IssueToken("admin-token", &repo.Principal{Username: "root", IsAdmin: true})
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPost, "/api/models", "alice-token", createRepoRequest{Name: "widget"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/quota/alice/recompute", "admin-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var usage quota.Usage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Equal(t, "alice", usage.Namespace)
}
