package blobstore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLFSKeyShardsByOIDPrefix(t *testing.T) {
	assert.Equal(t, "lfs/e3/b0/e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b85",
		LFSKey("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b85"))
}

func TestLFSKeyShortOIDFallsBackUnsharded(t *testing.T) {
	assert.Equal(t, "lfs/ab", LFSKey("ab"))
}

func TestRepoObjectKey(t *testing.T) {
	got := RepoObjectKey("hf-model-alice-widget", "config.json")
	assert.Equal(t, "hf-model-alice-widget/config.json", got)
}

func TestIsNotFoundDetectsAWSNotFoundErrors(t *testing.T) {
	assert.True(t, isNotFound(errors.New("operation error S3: HeadObject, https response error StatusCode: 404, NotFound")))
	assert.False(t, isNotFound(errors.New("operation error S3: HeadObject, connection refused")))
}
