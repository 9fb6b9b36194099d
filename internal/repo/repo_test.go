package repo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kohakuhub/kohakuhub/internal/apierr"
)

func TestCanonicalName(t *testing.T) {
	r := Repository{Type: TypeModel, Namespace: "my_org", Name: "foo/bar"}
	assert.Equal(t, "hf-model-my-org-foo-bar", r.CanonicalName())
}

func TestCreateRepositoryConflict(t *testing.T) {
	s := NewStore()
	r := Repository{Type: TypeDataset, Namespace: "alice", Name: "ds"}
	_, err := s.CreateRepository(r)
	require.NoError(t, err)

	_, err = s.CreateRepository(r)
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindConflict))
}

func TestGetRepositoryNotFound(t *testing.T) {
	s := NewStore()
	_, err := s.GetRepository(TypeModel, "alice", "missing")
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.KindNotFound))
}

func TestRenameRepositoryPreservesFields(t *testing.T) {
	s := NewStore()
	created, err := s.CreateRepository(Repository{Type: TypeSpace, Namespace: "alice", Name: "old", Private: true})
	require.NoError(t, err)

	moved, err := s.RenameRepository(TypeSpace, "alice", "old", "alice", "new")
	require.NoError(t, err)
	assert.Equal(t, "new", moved.Name)
	assert.True(t, moved.Private)
	assert.Equal(t, created.CreatedAt, moved.CreatedAt)

	_, err = s.GetRepository(TypeSpace, "alice", "old")
	assert.Error(t, err)
}

func TestCanReadPublicVsPrivate(t *testing.T) {
	s := NewStore()
	pub, err := s.CreateRepository(Repository{Type: TypeModel, Namespace: "alice", Name: "pub", Private: false})
	require.NoError(t, err)
	priv, err := s.CreateRepository(Repository{Type: TypeModel, Namespace: "alice", Name: "priv", Private: true})
	require.NoError(t, err)

	assert.True(t, s.CanRead(nil, pub))
	assert.False(t, s.CanRead(nil, priv))

	owner := &Principal{Username: "alice"}
	assert.True(t, s.CanRead(owner, priv))

	stranger := &Principal{Username: "mallory"}
	assert.False(t, s.CanRead(stranger, priv))
}

func TestCanWriteOrgMembership(t *testing.T) {
	s := NewStore()
	s.EnsureNamespace(Namespace{Name: "acme", IsOrg: true})
	repoRec, err := s.CreateRepository(Repository{Type: TypeModel, Namespace: "acme", Name: "widget"})
	require.NoError(t, err)

	visitor := &Principal{Username: "bob"}
	assert.False(t, s.CanWrite(visitor, repoRec))

	s.SetMembership(Namespace{Name: "acme", IsOrg: true}, "bob", RoleMember)
	assert.True(t, s.CanWrite(visitor, repoRec))

	admin := &Principal{Username: "root", IsAdmin: true}
	assert.True(t, s.CanWrite(admin, repoRec))
}

func TestIsOrgAdminRequiresAdminRole(t *testing.T) {
	s := NewStore()
	ns := Namespace{Name: "acme", IsOrg: true}
	s.EnsureNamespace(ns)
	s.SetMembership(ns, "bob", RoleMember)
	s.SetMembership(ns, "carol", RoleAdmin)

	bob := &Principal{Username: "bob"}
	carol := &Principal{Username: "carol"}
	assert.False(t, s.IsOrgAdmin(bob, ns))
	assert.True(t, s.IsOrgAdmin(carol, ns))
}

func TestCanCreateInUserNamespace(t *testing.T) {
	s := NewStore()
	self := &Principal{Username: "alice"}
	other := &Principal{Username: "bob"}
	ns := Namespace{Name: "alice", IsOrg: false}
	assert.True(t, s.CanCreateIn(self, ns))
	assert.False(t, s.CanCreateIn(other, ns))
}
