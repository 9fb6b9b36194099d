package commitengine

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kohakuhub/kohakuhub/internal/apierr"
	"github.com/kohakuhub/kohakuhub/internal/blobstore"
	"github.com/kohakuhub/kohakuhub/internal/branch"
	"github.com/kohakuhub/kohakuhub/internal/quota"
	"github.com/kohakuhub/kohakuhub/internal/repo"
)

// fakeBlobStore is an in-memory blobstore.Store double, letting
// commitengine be tested without a real S3 endpoint.
type fakeBlobStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{data: make(map[string][]byte)}
}

func (f *fakeBlobStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://example.test/" + key, nil
}
func (f *fakeBlobStore) PresignPut(ctx context.Context, key, sha256Hex string, ttl time.Duration) (string, error) {
	return "https://example.test/" + key, nil
}
func (f *fakeBlobStore) Head(ctx context.Context, key string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[key]
	if !ok {
		return 0, false, nil
	}
	return int64(len(b)), true, nil
}
func (f *fakeBlobStore) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = raw
	return nil
}
func (f *fakeBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[key]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "object not found: "+key)
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}
func (f *fakeBlobStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}
func (f *fakeBlobStore) DeletePrefix(ctx context.Context, prefix string) error { return nil }
func (f *fakeBlobStore) CopyPrefix(ctx context.Context, srcPrefix, dstPrefix string) error {
	return nil
}
func (f *fakeBlobStore) StartMultipart(ctx context.Context, key string) (string, error) {
	return "upload-1", nil
}
func (f *fakeBlobStore) PresignUploadPart(ctx context.Context, key, uploadID string, partNumber int32, ttl time.Duration) (string, error) {
	return "https://example.test/" + key, nil
}
func (f *fakeBlobStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []blobstore.CompletedPart) error {
	return nil
}
func (f *fakeBlobStore) AbortMultipart(ctx context.Context, key, uploadID string) error { return nil }

func newTestEngine(t *testing.T) (*Engine, *repo.Repository, context.Context) {
	t.Helper()
	blobs := newFakeBlobStore()
	branchBackend := branch.NewMemoryBackend()
	repos := repo.NewStore()

	r, err := repos.CreateRepository(repo.Repository{Type: repo.TypeModel, Namespace: "alice", Name: "widget", Private: true})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, branchBackend.CreateRepository(ctx, r.CanonicalName(), "main"))

	return &Engine{Blobs: blobs, Branch: branchBackend, Repos: repos, Quota: quota.NewStore()}, r, ctx
}

func ndjson(lines ...string) []byte {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

func TestParseNDJSONHeaderAndFile(t *testing.T) {
	body := ndjson(
		`{"summary":"initial commit"}`,
		`{"key":"file","value":{"path":"README.md","content":"aGVsbG8=","encoding":"base64"}}`,
	)
	pc, err := ParseNDJSON(body)
	require.NoError(t, err)
	assert.Equal(t, "initial commit", pc.Header.Summary)
	require.Len(t, pc.Files, 1)
	assert.Equal(t, "README.md", pc.Files[0].Path)
}

func TestParseNDJSONUnknownKeyRejected(t *testing.T) {
	body := ndjson(`{"summary":"x"}`, `{"key":"bogus","value":{}}`)
	_, err := ParseNDJSON(body)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindValidation))
}

func TestParseNDJSONEmptyBodyRejected(t *testing.T) {
	_, err := ParseNDJSON([]byte(""))
	require.Error(t, err)
}

func TestExecuteStagesAndCommitsFile(t *testing.T) {
	engine, r, ctx := newTestEngine(t)
	pc, err := ParseNDJSON(ndjson(
		`{"summary":"add readme"}`,
		`{"key":"file","value":{"path":"README.md","content":"aGVsbG8=","encoding":"base64"}}`,
	))
	require.NoError(t, err)

	result, err := engine.Execute(ctx, r, "main", pc, "alice", "alice@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, result.CommitID)
	assert.EqualValues(t, 5, result.BytesAdded) // len("hello")

	usage := engine.Quota.Get("alice")
	assert.EqualValues(t, 5, usage.PrivateBytes)
}

func TestExecuteRejectsMissingLFSObject(t *testing.T) {
	engine, r, ctx := newTestEngine(t)
	pc, err := ParseNDJSON(ndjson(
		`{"summary":"add big file"}`,
		`{"key":"lfsFile","value":{"path":"model.bin","algo":"sha256","oid":"deadbeef","size":1024}}`,
	))
	require.NoError(t, err)

	_, err = engine.Execute(ctx, r, "main", pc, "alice", "alice@example.com")
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindLFSMissing))
}

func TestExecuteRejectsOverQuota(t *testing.T) {
	engine, r, ctx := newTestEngine(t)
	engine.Quota.SetLimits("alice", 2, 0)

	pc, err := ParseNDJSON(ndjson(
		`{"summary":"add readme"}`,
		`{"key":"file","value":{"path":"README.md","content":"aGVsbG8=","encoding":"base64"}}`,
	))
	require.NoError(t, err)

	_, err = engine.Execute(ctx, r, "main", pc, "alice", "alice@example.com")
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindQuota))
}

func TestExecuteRejectsOversizedInlineFile(t *testing.T) {
	engine, r, ctx := newTestEngine(t)
	engine.LFSThreshold = 4

	pc, err := ParseNDJSON(ndjson(
		`{"summary":"add readme"}`,
		`{"key":"file","value":{"path":"README.md","content":"aGVsbG8=","encoding":"base64"}}`,
	))
	require.NoError(t, err)

	_, err = engine.Execute(ctx, r, "main", pc, "alice", "alice@example.com")
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindValidation))
}

func TestExecuteOverwriteOnlyChargesDelta(t *testing.T) {
	engine, r, ctx := newTestEngine(t)

	first, err := ParseNDJSON(ndjson(
		`{"summary":"add readme"}`,
		`{"key":"file","value":{"path":"README.md","content":"aGVsbG8=","encoding":"base64"}}`, // "hello", 5 bytes
	))
	require.NoError(t, err)
	_, err = engine.Execute(ctx, r, "main", first, "alice", "alice@example.com")
	require.NoError(t, err)

	second, err := ParseNDJSON(ndjson(
		`{"summary":"shrink readme"}`,
		`{"key":"file","value":{"path":"README.md","content":"aGk=","encoding":"base64"}}`, // "hi", 2 bytes
	))
	require.NoError(t, err)
	result, err := engine.Execute(ctx, r, "main", second, "alice", "alice@example.com")
	require.NoError(t, err)
	assert.EqualValues(t, -3, result.BytesAdded)

	usage := engine.Quota.Get("alice")
	assert.EqualValues(t, 2, usage.PrivateBytes)
}

func TestExecuteDeletedFileFreesQuota(t *testing.T) {
	engine, r, ctx := newTestEngine(t)

	first, err := ParseNDJSON(ndjson(
		`{"summary":"add readme"}`,
		`{"key":"file","value":{"path":"README.md","content":"aGVsbG8=","encoding":"base64"}}`,
	))
	require.NoError(t, err)
	_, err = engine.Execute(ctx, r, "main", first, "alice", "alice@example.com")
	require.NoError(t, err)

	second, err := ParseNDJSON(ndjson(
		`{"summary":"delete readme"}`,
		`{"key":"deletedFile","value":{"path":"README.md"}}`,
	))
	require.NoError(t, err)
	result, err := engine.Execute(ctx, r, "main", second, "alice", "alice@example.com")
	require.NoError(t, err)
	assert.EqualValues(t, -5, result.BytesAdded)

	usage := engine.Quota.Get("alice")
	assert.EqualValues(t, 0, usage.PrivateBytes)
}
