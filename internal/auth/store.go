// Package auth protects the MCP surface with per-user API keys. Only
// bcrypt hashes of the keys are configured; verified keys are cached in
// memory by digest so bcrypt runs once per key per process.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyPrefix distinguishes chat-sync keys from other bearer tokens.
	APIKeyPrefix = "cs_"

	// APIKeyMinLen is the prefix plus apiKeyBytes random bytes in hex.
	APIKeyMinLen = len(APIKeyPrefix) + 2*apiKeyBytes

	apiKeyBytes = 32
)

// APIKey binds a user identity to the bcrypt hash of its key.
type APIKey struct {
	UserID string
	Hash   []byte
}

// Store validates bearer API keys against configured hashes.
type Store struct {
	keys []APIKey

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]string // key digest -> user ID
}

// NewStore creates a Store for keys.
func NewStore(keys []APIKey) *Store {
	return &Store{
		keys:     keys,
		verified: make(map[[sha256.Size]byte]string),
	}
}

// ValidateAPIKey returns the user the key belongs to, or "" if it matches
// no configured hash.
func (s *Store) ValidateAPIKey(key string) string {
	if !strings.HasPrefix(key, APIKeyPrefix) || len(key) < APIKeyMinLen {
		return ""
	}

	digest := sha256.Sum256([]byte(key))

	s.mu.RLock()
	user, ok := s.verified[digest]
	s.mu.RUnlock()

	if ok {
		return user
	}

	for _, k := range s.keys {
		if bcrypt.CompareHashAndPassword(k.Hash, []byte(key)) == nil {
			s.mu.Lock()
			s.verified[digest] = k.UserID
			s.mu.Unlock()

			return k.UserID
		}
	}

	return ""
}

// GenerateAPIKey returns a new random key and its bcrypt hash.
func GenerateAPIKey() (key string, hash []byte, err error) {
	key = APIKeyPrefix + RandomHex(apiKeyBytes)

	hash, err = bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing api key: %w", err)
	}

	return key, hash, nil
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
