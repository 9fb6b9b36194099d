// Package sshkeys implements the SSH public key registry: parsing and
// validating OpenSSH public keys, computing a stable fingerprint, and
// enforcing per-user fingerprint uniqueness.
package sshkeys

import (
	"crypto/sha256"
	"encoding/base64"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/kohakuhub/kohakuhub/internal/apierr"
)

var allowedKeyTypes = map[string]bool{
	ssh.KeyAlgoRSA:      true,
	ssh.KeyAlgoDSA:      true,
	ssh.KeyAlgoECDSA256: true,
	ssh.KeyAlgoECDSA384: true,
	ssh.KeyAlgoECDSA521: true,
	ssh.KeyAlgoED25519:  true,
}

// Key is one registered public key.
type Key struct {
	User        string
	Fingerprint string
	Title       string
	RawAuthorized string // the original "ssh-rsa AAAA... comment" line
}

// Parse validates an OpenSSH authorized_keys-format public key line and
// computes its fingerprint. Rejects any algorithm not in allowedKeyTypes
// (ssh-rsa, ssh-dss, ecdsa-sha2-nistp{256,384,521}, ssh-ed25519).
func Parse(authorizedKeyLine string) (pubKey ssh.PublicKey, fingerprint string, err error) {
	pubKey, _, _, _, parseErr := ssh.ParseAuthorizedKey([]byte(authorizedKeyLine))
	if parseErr != nil {
		return nil, "", apierr.Wrap(apierr.KindValidation, "invalid SSH public key", parseErr)
	}
	if !allowedKeyTypes[pubKey.Type()] {
		return nil, "", apierr.New(apierr.KindValidation, "unsupported SSH key type: "+pubKey.Type())
	}
	return pubKey, Fingerprint(pubKey), nil
}

// Fingerprint computes the SHA256/base64 fingerprint OpenSSH itself
// reports for a key (the "SHA256:..." form), used as the uniqueness key
// for (user, fingerprint).
func Fingerprint(pubKey ssh.PublicKey) string {
	sum := sha256.Sum256(pubKey.Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// Store is the in-memory registry of registered keys, guarded by a
// single mutex — tables this small never need a more elaborate
// concurrent map.
type Store struct {
	mu   sync.RWMutex
	keys map[string]map[string]*Key // user -> fingerprint -> key
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{keys: make(map[string]map[string]*Key)}
}

// Register adds a key for user, failing Conflict if that exact
// fingerprint is already registered for them. Uniqueness is per-user,
// not global: two users may register the same key.
func (s *Store) Register(user, title, authorizedKeyLine string) (*Key, error) {
	_, fingerprint, err := Parse(authorizedKeyLine)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	userKeys, ok := s.keys[user]
	if !ok {
		userKeys = make(map[string]*Key)
		s.keys[user] = userKeys
	}
	if _, exists := userKeys[fingerprint]; exists {
		return nil, apierr.New(apierr.KindConflict, "key already registered: "+fingerprint)
	}
	k := &Key{User: user, Fingerprint: fingerprint, Title: title, RawAuthorized: authorizedKeyLine}
	userKeys[fingerprint] = k
	return k, nil
}

// List returns every key registered for user.
func (s *Store) List(user string) []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Key
	for _, k := range s.keys[user] {
		out = append(out, *k)
	}
	return out
}

// Delete removes a user's key by fingerprint.
func (s *Store) Delete(user, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	userKeys, ok := s.keys[user]
	if !ok {
		return apierr.New(apierr.KindNotFound, "key not found: "+fingerprint)
	}
	if _, exists := userKeys[fingerprint]; !exists {
		return apierr.New(apierr.KindNotFound, "key not found: "+fingerprint)
	}
	delete(userKeys, fingerprint)
	return nil
}

// FindUserByFingerprint resolves a key's owning user, used when
// authenticating a Git-over-SSH connection against this registry.
func (s *Store) FindUserByFingerprint(fingerprint string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for user, keys := range s.keys {
		if _, ok := keys[fingerprint]; ok {
			return user, true
		}
	}
	return "", false
}
