package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kohakuhub/kohakuhub/internal/auth"
	"github.com/kohakuhub/kohakuhub/internal/branch"
	"github.com/kohakuhub/kohakuhub/internal/config"
	"github.com/kohakuhub/kohakuhub/internal/quota"
	"github.com/kohakuhub/kohakuhub/internal/repo"
)

func newTestServer(t *testing.T) (*Server, *auth.TokenAuthenticator) {
	t.Helper()
	a := auth.NewTokenAuthenticator()
	a.IssueToken("alice-token", &repo.Principal{Username: "alice"})
	a.IssueToken("mallory-token", &repo.Principal{Username: "mallory"})

	cfg := config.Load()
	s := &Server{
		Cfg:    cfg,
		Repos:  repo.NewStore(),
		Quota:  quota.NewStore(),
		Branch: branch.NewMemoryBackend(),
		Auth:   a,
	}
	return s, a
}

func doJSON(t *testing.T, router http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleCreateRepoThenGet(t *testing.T) {
	s, _ := newTestServer(t)
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPost, "/api/models", "alice-token", createRepoRequest{Name: "widget"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "alice/widget", created["id"])

	rec = doJSON(t, router, http.MethodGet, "/api/models/alice/widget", "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleCreateRepoRejectsForeignNamespace(t *testing.T) {
	s, _ := newTestServer(t)
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPost, "/api/models", "mallory-token", createRepoRequest{Organization: "alice", Name: "widget"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleCreateRepoRequiresAuth(t *testing.T) {
	s, _ := newTestServer(t)
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPost, "/api/models", "", createRepoRequest{Name: "widget"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleGetRepoPrivateDeniedToStranger(t *testing.T) {
	s, _ := newTestServer(t)
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPost, "/api/models", "alice-token", createRepoRequest{Name: "secret", Private: true})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/models/alice/secret", "mallory-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleDeleteRepoRemovesIt(t *testing.T) {
	s, _ := newTestServer(t)
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPost, "/api/models", "alice-token", createRepoRequest{Name: "widget"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/models/alice/widget", "alice-token", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/models/alice/widget", "alice-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDeleteRepoRequiresWriteAccess(t *testing.T) {
	s, _ := newTestServer(t)
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPost, "/api/models", "alice-token", createRepoRequest{Name: "widget"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/models/alice/widget", "mallory-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleUpdateSettingsFlipsPrivate(t *testing.T) {
	s, _ := newTestServer(t)
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPost, "/api/models", "alice-token", createRepoRequest{Name: "widget"})
	require.Equal(t, http.StatusCreated, rec.Code)

	toPrivate := true
	rec = doJSON(t, router, http.MethodPut, "/api/models/alice/widget/settings", "alice-token", updateSettingsRequest{Private: &toPrivate})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/models/alice/widget", "mallory-token", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleMoveRepoRenames(t *testing.T) {
	s, _ := newTestServer(t)
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPost, "/api/models", "alice-token", createRepoRequest{Name: "widget"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/models/alice/widget/move", "alice-token", moveRepoRequest{ToNamespace: "alice", ToName: "gadget"})
	require.Equal(t, http.StatusOK, rec.Code)

	var moved map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &moved))
	assert.Equal(t, "alice/gadget", moved["id"])

	rec = doJSON(t, router, http.MethodGet, "/api/models/alice/gadget", "alice-token", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleWhoAmI(t *testing.T) {
	s, _ := newTestServer(t)
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodGet, "/api/whoami-v2", "alice-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alice", body["name"])
}

func TestHandleValidateYAML(t *testing.T) {
	s, _ := newTestServer(t)
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPost, "/api/validate-yaml", "", validateYAMLRequest{Content: "key: value"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["valid"])
}

func TestHandlePreuploadClassifiesBySize(t *testing.T) {
	s, _ := newTestServer(t)
	s.Cfg.LFS.ThresholdBytes = 100
	router := NewRouter(s)

	rec := doJSON(t, router, http.MethodPost, "/api/models/alice/widget/preupload/main", "", preuploadRequest{
		Files: []preuploadFile{{Path: "small.txt", Size: 10}, {Path: "big.bin", Size: 1000}},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Files []preuploadFileResult `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Files, 2)
	assert.Equal(t, "regular", body.Files[0].UploadMode)
	assert.Equal(t, "lfs", body.Files[1].UploadMode)
}
