// Package quota implements the per-namespace storage accounting engine:
// admission checks before a commit is allowed to proceed, atomic
// application of the bytes it actually wrote, a recompute-from-truth
// repair path, and the visibility-flip transfer between the public and
// private counters.
//
// A single coarse mutex guards a map of per-namespace rows rather than
// a lock per row — at this scale a namespace count is never large
// enough to need sharding.
package quota

import (
	"sync"

	"github.com/kohakuhub/kohakuhub/internal/apierr"
)

// Usage is a namespace's current accounting row.
type Usage struct {
	Namespace    string
	PrivateBytes int64
	PublicBytes  int64
	PrivateLimit int64 // <=0 means unlimited
	PublicLimit  int64 // <=0 means unlimited
}

func (u Usage) total() int64 { return u.PrivateBytes + u.PublicBytes }

// Store is the in-memory quota ledger. One entry per namespace, created
// lazily on first touch with unlimited default limits.
type Store struct {
	mu    sync.Mutex
	usage map[string]*Usage
}

// NewStore creates an empty quota ledger.
func NewStore() *Store {
	return &Store{usage: make(map[string]*Usage)}
}

func (s *Store) row(namespace string) *Usage {
	u, ok := s.usage[namespace]
	if !ok {
		u = &Usage{Namespace: namespace}
		s.usage[namespace] = u
	}
	return u
}

// SetLimits configures a namespace's private/public byte ceilings.
func (s *Store) SetLimits(namespace string, privateLimit, publicLimit int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.row(namespace)
	u.PrivateLimit = privateLimit
	u.PublicLimit = publicLimit
}

// Get returns a copy of a namespace's current usage row.
func (s *Store) Get(namespace string) Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.row(namespace)
}

// Admit checks whether writing addBytes more to namespace, at the given
// visibility, would stay within that namespace's limit, without
// reserving anything: admission happens before the backend commit is
// attempted, application happens only after it succeeds.
// Returns a QuotaExceeded *apierr.Error carrying {namespace, requested,
// available} fields on rejection.
func (s *Store) Admit(namespace string, addBytes int64, private bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.row(namespace)

	limit := u.PublicLimit
	current := u.PublicBytes
	if private {
		limit = u.PrivateLimit
		current = u.PrivateBytes
	}
	if limit <= 0 {
		return nil
	}
	available := limit - current
	if addBytes > available {
		return apierr.New(apierr.KindQuota, "quota exceeded for namespace "+namespace).WithFields(map[string]any{
			"namespace": namespace,
			"requested": addBytes,
			"available": available,
		})
	}
	return nil
}

// Apply records the byte delta a commit actually wrote, after the
// backend confirmed it. deltaBytes may be negative (a commit that nets
// out to fewer stored bytes, e.g. deleting more than it adds).
func (s *Store) Apply(namespace string, deltaBytes int64, private bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.row(namespace)
	if private {
		u.PrivateBytes += deltaBytes
	} else {
		u.PublicBytes += deltaBytes
	}
	if u.PrivateBytes < 0 {
		u.PrivateBytes = 0
	}
	if u.PublicBytes < 0 {
		u.PublicBytes = 0
	}
}

// Recompute replaces a namespace's counters with values derived from an
// authoritative source (a full walk of its backend storage), correcting
// any drift accumulated from partial failures between admission and
// application. Limits are left untouched.
func (s *Store) Recompute(namespace string, privateBytes, publicBytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.row(namespace)
	u.PrivateBytes = privateBytes
	u.PublicBytes = publicBytes
}

// MoveVisibility transfers bytes from one counter to the other within
// the same namespace, used when a repository flips private<->public.
// Moving from private to public fails if it would exceed
// the public limit (and vice versa), leaving the row untouched.
func (s *Store) MoveVisibility(namespace string, bytes int64, toPrivate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.row(namespace)

	if toPrivate {
		if u.PrivateLimit > 0 && u.PrivateBytes+bytes > u.PrivateLimit {
			return apierr.New(apierr.KindQuota, "visibility change would exceed private quota for namespace "+namespace).
				WithFields(map[string]any{"namespace": namespace, "requested": bytes, "available": u.PrivateLimit - u.PrivateBytes})
		}
		u.PublicBytes -= bytes
		u.PrivateBytes += bytes
	} else {
		if u.PublicLimit > 0 && u.PublicBytes+bytes > u.PublicLimit {
			return apierr.New(apierr.KindQuota, "visibility change would exceed public quota for namespace "+namespace).
				WithFields(map[string]any{"namespace": namespace, "requested": bytes, "available": u.PublicLimit - u.PublicBytes})
		}
		u.PrivateBytes -= bytes
		u.PublicBytes += bytes
	}
	if u.PrivateBytes < 0 {
		u.PrivateBytes = 0
	}
	if u.PublicBytes < 0 {
		u.PublicBytes = 0
	}
	return nil
}
