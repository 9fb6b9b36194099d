package branch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kohakuhub/kohakuhub/internal/apierr"
)

// MemoryBackend is an in-process Backend double used by tests; it
// implements the same commit
// graph semantics as HTTPBackend without a network round trip.
type MemoryBackend struct {
	mu       sync.Mutex
	repos    map[string]*memRepo
	nextSeq  int
}

type memRepo struct {
	defaultBranch string
	branches      map[string]string // branch -> head commit id
	commits       map[string]*Commit
	tree          map[string]map[string]ObjectStat // commit id -> path -> stat
	staged        map[string][]StagedObject        // branch -> pending writes
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{repos: make(map[string]*memRepo)}
}

func (m *MemoryBackend) repo(name string) (*memRepo, error) {
	r, ok := m.repos[name]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "repository not found: "+name)
	}
	return r, nil
}

func (m *MemoryBackend) CreateRepository(ctx context.Context, name, defaultBranch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.repos[name]; exists {
		return apierr.New(apierr.KindConflict, "repository already exists: "+name)
	}
	m.repos[name] = &memRepo{
		defaultBranch: defaultBranch,
		branches:      map[string]string{defaultBranch: ""},
		commits:       make(map[string]*Commit),
		tree:          make(map[string]map[string]ObjectStat),
		staged:        make(map[string][]StagedObject),
	}
	return nil
}

func (m *MemoryBackend) DeleteRepository(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.repos[name]; !ok {
		return apierr.New(apierr.KindNotFound, "repository not found: "+name)
	}
	delete(m.repos, name)
	return nil
}

func (m *MemoryBackend) CreateBranch(ctx context.Context, repoName, branch, fromRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo(repoName)
	if err != nil {
		return err
	}
	if _, exists := r.branches[branch]; exists {
		return apierr.New(apierr.KindConflict, "branch already exists: "+branch)
	}
	head, ok := r.branches[fromRef]
	if !ok {
		head = fromRef // fromRef may itself be a commit id
	}
	r.branches[branch] = head
	return nil
}

func (m *MemoryBackend) DeleteBranch(ctx context.Context, repoName, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo(repoName)
	if err != nil {
		return err
	}
	if branch == r.defaultBranch {
		return apierr.New(apierr.KindValidation, "cannot delete the default branch")
	}
	delete(r.branches, branch)
	delete(r.staged, branch)
	return nil
}

func (m *MemoryBackend) ListObjects(ctx context.Context, repoName, ref, prefix string) ([]ObjectStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo(repoName)
	if err != nil {
		return nil, err
	}
	commitID, err := m.resolveLocked(r, ref)
	if err != nil {
		return nil, err
	}
	var out []ObjectStat
	for path, stat := range r.tree[commitID] {
		if prefix == "" || strings.HasPrefix(path, prefix) {
			out = append(out, stat)
		}
	}
	return out, nil
}

func (m *MemoryBackend) StatObject(ctx context.Context, repoName, ref, path string) (*ObjectStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo(repoName)
	if err != nil {
		return nil, err
	}
	commitID, err := m.resolveLocked(r, ref)
	if err != nil {
		return nil, err
	}
	stat, ok := r.tree[commitID][path]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "object not found: "+path)
	}
	copied := stat
	return &copied, nil
}

func (m *MemoryBackend) StageObject(ctx context.Context, repoName, branch string, obj StagedObject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo(repoName)
	if err != nil {
		return err
	}
	if _, ok := r.branches[branch]; !ok {
		return apierr.New(apierr.KindNotFound, "branch not found: "+branch)
	}
	var replaced bool
	for i, existing := range r.staged[branch] {
		if existing.Path == obj.Path {
			r.staged[branch][i] = obj
			replaced = true
			break
		}
	}
	if !replaced {
		r.staged[branch] = append(r.staged[branch], obj)
	}
	return nil
}

func (m *MemoryBackend) Commit(ctx context.Context, repoName, branch, message, author, email string, metadata map[string]string) (*Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo(repoName)
	if err != nil {
		return nil, err
	}
	parent, ok := r.branches[branch]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "branch not found: "+branch)
	}

	baseTree := map[string]ObjectStat{}
	for k, v := range r.tree[parent] {
		baseTree[k] = v
	}
	for _, obj := range r.staged[branch] {
		if obj.Deleted {
			delete(baseTree, obj.Path)
			continue
		}
		baseTree[obj.Path] = ObjectStat{
			Path:      obj.Path,
			SizeBytes: obj.SizeBytes,
			Checksum:  obj.Checksum,
		}
	}

	m.nextSeq++
	id := uuid.New().String()
	c := &Commit{
		ID:        id,
		ParentIDs: parentList(parent),
		Message:   message,
		Author:    author,
		Email:     email,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	r.commits[id] = c
	r.tree[id] = baseTree
	r.branches[branch] = id
	delete(r.staged, branch)
	return c, nil
}

func parentList(parent string) []string {
	if parent == "" {
		return nil
	}
	return []string{parent}
}

func (m *MemoryBackend) ListCommits(ctx context.Context, repoName, ref string) ([]Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo(repoName)
	if err != nil {
		return nil, err
	}
	id, err := m.resolveLocked(r, ref)
	if err != nil {
		return nil, err
	}
	var out []Commit
	for id != "" {
		c, ok := r.commits[id]
		if !ok {
			break
		}
		out = append(out, *c)
		if len(c.ParentIDs) == 0 {
			break
		}
		id = c.ParentIDs[0]
	}
	return out, nil
}

func (m *MemoryBackend) Revert(ctx context.Context, repoName, branch, commitID string) (*Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo(repoName)
	if err != nil {
		return nil, err
	}
	target, ok := r.tree[commitID]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "commit not found: "+commitID)
	}
	head := r.branches[branch]
	id := uuid.New().String()
	c := &Commit{ID: id, ParentIDs: parentList(head), Message: "revert to " + commitID, Timestamp: time.Now().UTC()}
	r.commits[id] = c
	snapshot := map[string]ObjectStat{}
	for k, v := range target {
		snapshot[k] = v
	}
	r.tree[id] = snapshot
	r.branches[branch] = id
	return c, nil
}

func (m *MemoryBackend) Reset(ctx context.Context, repoName, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo(repoName)
	if err != nil {
		return err
	}
	if _, ok := r.branches[branch]; !ok {
		return apierr.New(apierr.KindNotFound, "branch not found: "+branch)
	}
	delete(r.staged, branch)
	return nil
}

func (m *MemoryBackend) CherryPick(ctx context.Context, repoName, branch, commitID string) (*Commit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo(repoName)
	if err != nil {
		return nil, err
	}
	source, ok := r.tree[commitID]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "commit not found: "+commitID)
	}
	head := r.branches[branch]
	merged := map[string]ObjectStat{}
	for k, v := range r.tree[head] {
		merged[k] = v
	}
	for k, v := range source {
		merged[k] = v
	}
	id := uuid.New().String()
	c := &Commit{ID: id, ParentIDs: parentList(head), Message: "cherry-pick " + commitID, Timestamp: time.Now().UTC()}
	r.commits[id] = c
	r.tree[id] = merged
	r.branches[branch] = id
	return c, nil
}

func (m *MemoryBackend) ResolveRef(ctx context.Context, repoName, ref string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.repo(repoName)
	if err != nil {
		return "", err
	}
	return m.resolveLocked(r, ref)
}

func (m *MemoryBackend) resolveLocked(r *memRepo, ref string) (string, error) {
	if id, ok := r.branches[ref]; ok {
		return id, nil
	}
	if _, ok := r.commits[ref]; ok {
		return ref, nil
	}
	return "", apierr.New(apierr.KindNotFound, "ref not found: "+ref)
}
