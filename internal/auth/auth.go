// Package auth provides a minimal bearer-token Authenticator
// implementation, leaving the concrete credential format to the
// deployment. Tokens here are opaque strings mapped to a Principal, the
// simplest scheme that satisfies httpapi.Authenticator without
// inventing a session/JWT stack nothing else here needs.
package auth

import (
	"net/http"
	"strings"
	"sync"

	"github.com/kohakuhub/kohakuhub/internal/apierr"
	"github.com/kohakuhub/kohakuhub/internal/repo"
)

// TokenAuthenticator resolves a Principal from a "Bearer <token>"
// Authorization header against a static token table.
type TokenAuthenticator struct {
	mu     sync.RWMutex
	tokens map[string]*repo.Principal
}

// NewTokenAuthenticator creates an empty TokenAuthenticator.
func NewTokenAuthenticator() *TokenAuthenticator {
	return &TokenAuthenticator{tokens: make(map[string]*repo.Principal)}
}

// IssueToken associates token with a principal, overwriting any
// previous association.
func (a *TokenAuthenticator) IssueToken(token string, p *repo.Principal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[token] = p
}

// RevokeToken removes a token from the table.
func (a *TokenAuthenticator) RevokeToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, token)
}

// Authenticate implements httpapi.Authenticator.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (*repo.Principal, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, apierr.New(apierr.KindAuth, "missing or malformed Authorization header")
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.tokens[token]
	if !ok {
		return nil, apierr.New(apierr.KindAuth, "invalid token")
	}
	return p, nil
}
