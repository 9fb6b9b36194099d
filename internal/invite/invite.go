// Package invite implements the invitation token registry: action-bound,
// usage-capped, expiring tokens with an atomic check-act-increment
// accept path.
package invite

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kohakuhub/kohakuhub/internal/apierr"
)

// Action is what accepting a token lets the caller do.
type Action string

const (
	ActionJoinOrg         Action = "joinOrg"
	ActionRegisterAccount Action = "registerAccount"
)

// Token is one invitation. MaxUsage of -1 means unlimited.
type Token struct {
	ID        string
	Action    Action
	Target    string // org name for joinOrg; unused for registerAccount
	Role      string // membership role granted on accept; joinOrg only
	MaxUsage  int
	UsedCount int
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (t *Token) expired() bool { return time.Now().After(t.ExpiresAt) }

func (t *Token) exhausted() bool { return t.MaxUsage >= 0 && t.UsedCount >= t.MaxUsage }

// Store is the in-memory invitation table, one mutex guarding the whole
// map since accept must check-act-increment atomically.
type Store struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{tokens: make(map[string]*Token)}
}

// Create issues a new token. maxUsage of -1 means unlimited use. role is
// the membership role granted on accept for a joinOrg token; ignored
// for registerAccount.
func (s *Store) Create(action Action, target string, maxUsage int, ttl time.Duration, role string) *Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &Token{
		ID:        uuid.New().String(),
		Action:    action,
		Target:    target,
		Role:      role,
		MaxUsage:  maxUsage,
		ExpiresAt: time.Now().Add(ttl),
		CreatedAt: time.Now(),
	}
	s.tokens[t.ID] = t
	return t
}

// Accept validates and consumes one use of a token in a single locked
// step, so two concurrent accepts of a single-use token can't both
// succeed.
func (s *Store) Accept(id string, wantAction Action) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "invitation not found")
	}
	if t.Action != wantAction {
		return nil, apierr.New(apierr.KindValidation, "invitation is not valid for this action")
	}
	if t.expired() {
		return nil, apierr.New(apierr.KindValidation, "invitation has expired")
	}
	if t.exhausted() {
		return nil, apierr.New(apierr.KindValidation, "invitation has already been used")
	}

	t.UsedCount++
	copied := *t
	return &copied, nil
}

// Revoke deletes a token outright, independent of its usage count.
func (s *Store) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[id]; !ok {
		return apierr.New(apierr.KindNotFound, "invitation not found")
	}
	delete(s.tokens, id)
	return nil
}

// Get returns a copy of a token's current state without consuming it.
func (s *Store) Get(id string) (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil, apierr.New(apierr.KindNotFound, "invitation not found")
	}
	copied := *t
	return &copied, nil
}
