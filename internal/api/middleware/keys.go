package middleware

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost defines the computational cost for bcrypt hashing.
	// Cost 10 = ~60ms per hash.
	bcryptCost  = 10
	bcryptLimit = 72

	keySeparator   = "."
	entrySeparator = ":"
	maskVisible    = 4
)

var (
	// ErrNoKeys is returned when a key store is built from an empty entry list.
	ErrNoKeys = errors.New("no API keys configured")

	// ErrKeyEmpty is returned when hashing an empty API key.
	ErrKeyEmpty = errors.New("API key cannot be empty")

	// ErrMalformedKey is returned when a presented key is not "<client_id>.<secret>".
	ErrMalformedKey = errors.New("API key must have the form <client_id>.<secret>")

	// ErrMalformedKeyEntry is returned when an AQUIFER_API_KEYS entry is not "<client_id>:<bcrypt hash>".
	ErrMalformedKeyEntry = errors.New("API key entry must have the form <client_id>:<bcrypt hash>")

	// ErrDuplicateClient is returned when two key entries name the same client.
	ErrDuplicateClient = errors.New("duplicate client id")

	clientIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

	dummyHash = sync.OnceValue(func() []byte {
		hash, _ := bcrypt.GenerateFromPassword([]byte("aquifer-dummy-secret"), bcryptCost)

		return hash
	})
)

type (
	// APIKeyStore looks up the credential presented by a client.
	APIKeyStore interface {
		// FindByKey returns the client credential when key is valid.
		FindByKey(ctx context.Context, key string) (*APIKey, bool)
	}

	// APIKey is a configured client credential. Only the bcrypt hash of the secret is kept.
	APIKey struct {
		ClientID string
		Hash     string
	}

	// StaticKeyStore holds credentials loaded once from configuration.
	StaticKeyStore struct {
		keys map[string]*APIKey
	}
)

// ParseKeyEntries builds a StaticKeyStore from "<client_id>:<bcrypt hash>" entries.
func ParseKeyEntries(entries []string) (*StaticKeyStore, error) {
	if len(entries) == 0 {
		return nil, ErrNoKeys
	}

	store := &StaticKeyStore{keys: make(map[string]*APIKey, len(entries))}

	for i, entry := range entries {
		clientID, hash, ok := strings.Cut(entry, entrySeparator)
		clientID = strings.TrimSpace(clientID)
		hash = strings.TrimSpace(hash)

		if !ok || !clientIDPattern.MatchString(clientID) || hash == "" {
			return nil, fmt.Errorf("%w: entry %d", ErrMalformedKeyEntry, i+1)
		}

		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", ErrMalformedKeyEntry, i+1, err)
		}

		if _, exists := store.keys[clientID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateClient, clientID)
		}

		store.keys[clientID] = &APIKey{ClientID: clientID, Hash: hash}
	}

	return store, nil
}

// FindByKey splits key into client id and secret and checks the secret against the client's hash.
func (s *StaticKeyStore) FindByKey(_ context.Context, key string) (*APIKey, bool) {
	clientID, secret, err := ParseAPIKey(key)
	if err != nil {
		return nil, false
	}

	found, ok := s.keys[clientID]
	if !ok {
		performDummyBcryptComparison()

		return nil, false
	}

	if !CompareAPIKeyHash(found.Hash, secret) {
		return nil, false
	}

	keyCopy := *found

	return &keyCopy, true
}

// Len returns the number of configured clients.
func (s *StaticKeyStore) Len() int {
	return len(s.keys)
}

// ParseAPIKey splits a presented key into its client id and secret.
func ParseAPIKey(key string) (string, string, error) {
	clientID, secret, ok := strings.Cut(key, keySeparator)
	if !ok || !clientIDPattern.MatchString(clientID) || secret == "" {
		return "", "", ErrMalformedKey
	}

	return clientID, secret, nil
}

// HashAPIKey generates a bcrypt hash of a key secret for AQUIFER_API_KEYS.
//
// Bcrypt has a 72-byte input limit. Longer secrets are pre-hashed with SHA-256.
func HashAPIKey(secret string) (string, error) {
	if secret == "" {
		return "", ErrKeyEmpty
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(secret), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	return string(hash), nil
}

// CompareAPIKeyHash performs constant-time comparison of a secret against a bcrypt hash.
// Any error condition (empty input, invalid hash) reports false.
func CompareAPIKeyHash(hash, secret string) bool {
	if hash == "" || secret == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(secret)) == nil
}

// MaskKey returns the client id part of a key with the secret masked, safe for logs.
func MaskKey(key string) string {
	clientID, secret, ok := strings.Cut(key, keySeparator)
	if !ok {
		return "****"
	}

	if len(secret) <= maskVisible {
		return clientID + keySeparator + "****"
	}

	return clientID + keySeparator + "****" + secret[len(secret)-maskVisible:]
}

func bcryptInput(secret string) []byte {
	if len(secret) > bcryptLimit {
		sum := sha256.Sum256([]byte(secret))

		return sum[:]
	}

	return []byte(secret)
}

// performDummyBcryptComparison keeps unknown-client lookups as slow as known ones.
func performDummyBcryptComparison() {
	_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte("dummy"))
}
