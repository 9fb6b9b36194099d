package gitbridge

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kohakuhub/kohakuhub/internal/branch"
)

func TestAdvertiseRefsSkipsUnresolvableBranches(t *testing.T) {
	mem := branch.NewMemoryBackend()
	ctx := context.Background()
	require.NoError(t, mem.CreateRepository(ctx, "hf-model-alice-foo", "main"))

	require.NoError(t, mem.StageObject(ctx, "hf-model-alice-foo", "main", branch.StagedObject{Path: "a.txt", SizeBytes: 1}))
	_, err := mem.Commit(ctx, "hf-model-alice-foo", "main", "init", "alice", "a@e.com", nil)
	require.NoError(t, err)

	b := &Builder{Branch: mem}
	refs, err := b.AdvertiseRefs(ctx, "hf-model-alice-foo", []string{"main", "does-not-exist"}, 0, nil)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "refs/heads/main", refs[0].Name)
}

func TestAdvertiseRefsMatchesBuildPackCommitHash(t *testing.T) {
	mem := branch.NewMemoryBackend()
	ctx := context.Background()
	require.NoError(t, mem.CreateRepository(ctx, "hf-model-alice-foo", "main"))
	require.NoError(t, mem.StageObject(ctx, "hf-model-alice-foo", "main", branch.StagedObject{Path: "README.md", SizeBytes: 5, Checksum: "sum-a"}))
	_, err := mem.Commit(ctx, "hf-model-alice-foo", "main", "init", "alice", "a@e.com", nil)
	require.NoError(t, err)

	readBlob := func(ctx context.Context, path, checksum string) ([]byte, error) {
		return []byte("hello"), nil
	}

	b := &Builder{Branch: mem}
	refs, err := b.AdvertiseRefs(ctx, "hf-model-alice-foo", []string{"main"}, 0, readBlob)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	pack, err := b.BuildPack(ctx, "hf-model-alice-foo", "main", 0, readBlob)
	require.NoError(t, err)

	raw, err := io.ReadAll(pack)
	require.NoError(t, err)

	storer := memory.NewStorage()
	scanner := packfile.NewScanner(bytes.NewReader(raw))
	decoder, err := packfile.NewDecoder(scanner, storer)
	require.NoError(t, err)
	_, err = decoder.Decode()
	require.NoError(t, err)

	commit, err := object.GetCommit(storer, refs[0].Hash)
	require.NoError(t, err, "the advertised commit hash must actually be present in the built pack")

	tree, err := commit.Tree()
	require.NoError(t, err)
	file, err := tree.File("README.md")
	require.NoError(t, err)
	contents, err := file.Contents()
	require.NoError(t, err)
	assert.Equal(t, "hello", contents)
}

func TestBuildPackNestsDirectoriesAsTreeObjects(t *testing.T) {
	mem := branch.NewMemoryBackend()
	ctx := context.Background()
	require.NoError(t, mem.CreateRepository(ctx, "hf-model-alice-bar", "main"))
	require.NoError(t, mem.StageObject(ctx, "hf-model-alice-bar", "main", branch.StagedObject{Path: "src/main.py", SizeBytes: 4, Checksum: "sum-b"}))
	_, err := mem.Commit(ctx, "hf-model-alice-bar", "main", "init", "alice", "a@e.com", nil)
	require.NoError(t, err)

	readBlob := func(ctx context.Context, path, checksum string) ([]byte, error) {
		return []byte("code"), nil
	}

	b := &Builder{Branch: mem}
	refs, err := b.AdvertiseRefs(ctx, "hf-model-alice-bar", []string{"main"}, 0, readBlob)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	pack, err := b.BuildPack(ctx, "hf-model-alice-bar", "main", 0, readBlob)
	require.NoError(t, err)
	raw, err := io.ReadAll(pack)
	require.NoError(t, err)

	storer := memory.NewStorage()
	decoder, err := packfile.NewDecoder(packfile.NewScanner(bytes.NewReader(raw)), storer)
	require.NoError(t, err)
	_, err = decoder.Decode()
	require.NoError(t, err)

	commit, err := object.GetCommit(storer, refs[0].Hash)
	require.NoError(t, err)
	tree, err := commit.Tree()
	require.NoError(t, err)

	entry, err := tree.FindEntry("src")
	require.NoError(t, err)
	assert.True(t, entry.Mode.IsFile() == false, "src must be stored as a tree entry, not a regular file")

	file, err := tree.File("src/main.py")
	require.NoError(t, err)
	contents, err := file.Contents()
	require.NoError(t, err)
	assert.Equal(t, "code", contents)
}

func TestNewObjectCacheNotNil(t *testing.T) {
	assert.NotNil(t, NewObjectCache())
}
