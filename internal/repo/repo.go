// Package repo implements the repository model and permission pipeline:
// namespaces, memberships, repositories, and the canRead/canWrite checks
// every other component gates on.
//
// A single RWMutex guards plain maps rather than a lock per row; the
// namespace/repository counts at this scale never justify sharding.
package repo

import (
	"strings"
	"sync"
	"time"

	"github.com/kohakuhub/kohakuhub/internal/apierr"
)

// RepoType is one of the three HuggingFace-compatible repository kinds.
type RepoType string

const (
	TypeModel   RepoType = "model"
	TypeDataset RepoType = "dataset"
	TypeSpace   RepoType = "space"
)

// Role is a membership's privilege level within a namespace.
type Role string

const (
	RoleVisitor    Role = "visitor"
	RoleMember     Role = "member"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super-admin"
)

var roleRank = map[Role]int{
	RoleVisitor:    0,
	RoleMember:     1,
	RoleAdmin:      2,
	RoleSuperAdmin: 3,
}

// atLeast reports whether r meets or exceeds min privilege.
func (r Role) atLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// Principal is the authenticated caller, resolved upstream of this
// package by an Authenticator; httpapi owns resolving it.
type Principal struct {
	Username string
	IsAdmin  bool // platform-wide super-admin, e.g. bootstrap operator
}

// Namespace is the key (name, isOrg).
type Namespace struct {
	Name  string
	IsOrg bool
}

func (n Namespace) key() string {
	kind := "user"
	if n.IsOrg {
		kind = "org"
	}
	return kind + ":" + n.Name
}

// Repository is (type, namespace, name, private, createdAt).
type Repository struct {
	Type      RepoType
	Namespace string
	Name      string
	Private   bool
	CreatedAt time.Time
}

// FullName is namespace/name, the external identifier for the repo.
func (r Repository) FullName() string { return r.Namespace + "/" + r.Name }

// CanonicalName derives the backend-safe repo name:
// hf-{type}-{namespace}-{name} with slashes/underscores collapsed to "-".
func (r Repository) CanonicalName() string {
	sanitize := func(s string) string {
		s = strings.ReplaceAll(s, "/", "-")
		s = strings.ReplaceAll(s, "_", "-")
		return s
	}
	return "hf-" + string(r.Type) + "-" + sanitize(r.Namespace) + "-" + sanitize(r.Name)
}

type repoKey struct {
	Type      RepoType
	Namespace string
	Name      string
}

// Store is the in-memory namespace/repository/membership table. A
// production deployment backs this with SQL; the interface shape here is
// what internal/httpapi, internal/resolve and internal/commitengine
// consume, so swapping the
// backing store never touches calling code.
type Store struct {
	mu          sync.RWMutex
	namespaces  map[string]*Namespace
	memberships map[string]map[string]Role // namespace key -> username -> role
	repos       map[repoKey]*Repository
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		namespaces:  make(map[string]*Namespace),
		memberships: make(map[string]map[string]Role),
		repos:       make(map[repoKey]*Repository),
	}
}

// EnsureNamespace creates the namespace if absent, idempotently.
func (s *Store) EnsureNamespace(ns Namespace) *Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.namespaces[ns.key()]; ok {
		return existing
	}
	stored := ns
	s.namespaces[ns.key()] = &stored
	return &stored
}

// SetMembership records a user's role within a namespace. Setting
// RoleVisitor effectively has no membership record (visitor is the
// default for anyone with no entry, public or private notwithstanding).
func (s *Store) SetMembership(ns Namespace, username string, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[ns.key()]
	if !ok {
		m = make(map[string]Role)
		s.memberships[ns.key()] = m
	}
	m[username] = role
}

// RoleOf returns a user's role in a namespace, RoleVisitor if unrecorded.
func (s *Store) RoleOf(ns Namespace, username string) Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.memberships[ns.key()]; ok {
		if role, ok := m[username]; ok {
			return role
		}
	}
	return RoleVisitor
}

// CreateRepository inserts a new repository, failing Conflict if one
// already exists at (type, namespace, name).
func (s *Store) CreateRepository(r Repository) (*Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := repoKey{r.Type, r.Namespace, r.Name}
	if _, exists := s.repos[key]; exists {
		return nil, apierr.New(apierr.KindConflict, "repository already exists: "+r.FullName())
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	stored := r
	s.repos[key] = &stored
	return &stored, nil
}

// GetRepository looks up a repository, NotFound if absent.
func (s *Store) GetRepository(t RepoType, namespace, name string) (*Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.repos[repoKey{t, namespace, name}]; ok {
		copied := *r
		return &copied, nil
	}
	return nil, apierr.New(apierr.KindNotFound, "repository not found: "+namespace+"/"+name)
}

// DeleteRepository removes a repository's record. Cascading deletes of
// its backend repo/branches/blob prefix are the caller's responsibility.
func (s *Store) DeleteRepository(t RepoType, namespace, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := repoKey{t, namespace, name}
	if _, ok := s.repos[key]; !ok {
		return apierr.New(apierr.KindNotFound, "repository not found: "+namespace+"/"+name)
	}
	delete(s.repos, key)
	return nil
}

// RenameRepository moves a repository's record to a new namespace/name,
// preserving private/createdAt (used by the repos/move handler).
func (s *Store) RenameRepository(t RepoType, namespace, name, newNamespace, newName string) (*Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldKey := repoKey{t, namespace, name}
	r, ok := s.repos[oldKey]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "repository not found: "+namespace+"/"+name)
	}
	newKey := repoKey{t, newNamespace, newName}
	if _, exists := s.repos[newKey]; exists {
		return nil, apierr.New(apierr.KindConflict, "repository already exists: "+newNamespace+"/"+newName)
	}
	moved := *r
	moved.Namespace = newNamespace
	moved.Name = newName
	delete(s.repos, oldKey)
	s.repos[newKey] = &moved
	copied := moved
	return &copied, nil
}

// SetPrivate flips a repository's visibility flag in place.
func (s *Store) SetPrivate(t RepoType, namespace, name string, private bool) (*Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := repoKey{t, namespace, name}
	r, ok := s.repos[key]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "repository not found: "+namespace+"/"+name)
	}
	r.Private = private
	copied := *r
	return &copied, nil
}

// ListRepositories returns every repository owned by a namespace, used by
// the quota recompute handler in internal/httpapi to sum truth.
func (s *Store) ListRepositories(namespace string) []Repository {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Repository
	for _, r := range s.repos {
		if r.Namespace == namespace {
			out = append(out, *r)
		}
	}
	return out
}

// CanRead reports read access: public repos are always readable;
// private repos require any role in the owning namespace.
func (s *Store) CanRead(p *Principal, r *Repository) bool {
	if !r.Private {
		return true
	}
	if p == nil {
		return false
	}
	if p.IsAdmin {
		return true
	}
	return s.RoleOf(Namespace{Name: r.Namespace, IsOrg: s.isOrg(r.Namespace)}, p.Username) != RoleVisitor ||
		p.Username == r.Namespace
}

// CanWrite reports write access: the owner user, or member+ of the
// owning org, or a platform admin.
func (s *Store) CanWrite(p *Principal, r *Repository) bool {
	if p == nil {
		return false
	}
	if p.IsAdmin {
		return true
	}
	if !s.isOrg(r.Namespace) {
		return p.Username == r.Namespace
	}
	return s.RoleOf(Namespace{Name: r.Namespace, IsOrg: true}, p.Username).atLeast(RoleMember)
}

// isOrg reports whether namespace was registered as an organization.
// Defaults to false (user namespace) for unregistered names so ad-hoc
// user namespaces created implicitly on first repo still work.
func (s *Store) isOrg(namespace string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ns, ok := s.namespaces["org:"+namespace]; ok {
		return ns.IsOrg
	}
	return false
}

// CanCreateIn reports whether p may create a repository in namespace:
// the user themself, a platform admin, or member+ of an org namespace.
func (s *Store) CanCreateIn(p *Principal, ns Namespace) bool {
	if p == nil {
		return false
	}
	if p.IsAdmin {
		return true
	}
	if !ns.IsOrg {
		return p.Username == ns.Name
	}
	return s.RoleOf(ns, p.Username).atLeast(RoleMember)
}

// IsOrgAdmin reports whether p is admin+ of the org namespace, the
// privilege level required to flip a repository's visibility per §4.3.
func (s *Store) IsOrgAdmin(p *Principal, ns Namespace) bool {
	if p == nil {
		return false
	}
	if p.IsAdmin {
		return true
	}
	return s.RoleOf(ns, p.Username).atLeast(RoleAdmin)
}
