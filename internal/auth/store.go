package auth

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

const (
	keyAccessToken  = "ACCESS_TOKEN"
	keyRefreshToken = "REFRESH_TOKEN"
	keyTokenScopes  = "TOKEN_SCOPES"
	keyTokenExpiry  = "TOKEN_EXPIRES_AT"
)

// Store persists the current token across process restarts.
type Store interface {
	// Load returns the stored token, or (nil, nil) when none is stored.
	Load() (*Token, error)
	Save(token *Token) error
}

// EnvFileStore keeps the token in a dotenv file alongside the client
// credentials, writing it back after every refresh or re-issuance.
type EnvFileStore struct {
	path string
}

func NewEnvFileStore(path string) *EnvFileStore {
	return &EnvFileStore{path: path}
}

func (s *EnvFileStore) Load() (*Token, error) {
	values, err := godotenv.Read(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read env file %s: %w", s.path, err)
	}

	access := values[keyAccessToken]
	if access == "" {
		return nil, nil
	}

	token := &Token{
		AccessToken:  access,
		RefreshToken: values[keyRefreshToken],
		Scopes:       SplitScopes(values[keyTokenScopes]),
	}
	if raw := values[keyTokenExpiry]; raw != "" {
		expiry, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s in %s: %w", keyTokenExpiry, s.path, err)
		}
		token.ExpiresAt = expiry
	}

	return token, nil
}

func (s *EnvFileStore) Save(token *Token) error {
	// Preserve unrelated keys (CLIENT_ID, CLIENT_SECRET, ...) already in the file.
	values, err := godotenv.Read(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read env file %s: %w", s.path, err)
		}
		values = make(map[string]string)
	}

	values[keyAccessToken] = token.AccessToken
	values[keyRefreshToken] = token.RefreshToken
	values[keyTokenScopes] = JoinScopes(token.Scopes)
	if token.ExpiresAt.IsZero() {
		delete(values, keyTokenExpiry)
	} else {
		values[keyTokenExpiry] = token.ExpiresAt.UTC().Format(time.RFC3339)
	}

	if err := godotenv.Write(values, s.path); err != nil {
		return fmt.Errorf("failed to write env file %s: %w", s.path, err)
	}
	return nil
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu    sync.Mutex
	token *Token
}

func NewMemoryStore(token *Token) *MemoryStore {
	return &MemoryStore{token: token}
}

func (s *MemoryStore) Load() (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, nil
}

func (s *MemoryStore) Save(token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}
