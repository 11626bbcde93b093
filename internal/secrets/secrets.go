// Package secrets resolves per-owner provider credentials. Keys never
// appear in config files or logs; they come from the environment or an
// operator-managed key file.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotFound means no credential exists for the owner/provider pair.
var ErrNotFound = errors.New("secret not found")

// Store looks up the API key one owner uses for one provider.
type Store interface {
	Get(ctx context.Context, ownerID, provider string) (string, error)
}

// EnvStore reads keys from the process environment.
//
// It checks RELAY_SECRET_<OWNER>_<PROVIDER> first, then falls back to the
// conventional <PROVIDER>_API_KEY shared by all owners.
type EnvStore struct{}

// NewEnvStore returns the environment-backed store.
func NewEnvStore() *EnvStore {
	return &EnvStore{}
}

func (s *EnvStore) Get(_ context.Context, ownerID, provider string) (string, error) {
	if key := os.Getenv(ownerVar(ownerID, provider)); key != "" {
		return key, nil
	}
	if key := os.Getenv(providerVar(provider)); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("%w: owner=%s provider=%s", ErrNotFound, ownerID, provider)
}

func ownerVar(ownerID, provider string) string {
	return "RELAY_SECRET_" + envToken(ownerID) + "_" + envToken(provider)
}

func providerVar(provider string) string {
	return envToken(provider) + "_API_KEY"
}

// envToken upper-snakes an identifier for use in a variable name.
func envToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - ('a' - 'A'))
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Chain tries each store in order, returning the first hit.
type Chain []Store

func (c Chain) Get(ctx context.Context, ownerID, provider string) (string, error) {
	for _, s := range c {
		key, err := s.Get(ctx, ownerID, provider)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: owner=%s provider=%s", ErrNotFound, ownerID, provider)
}
