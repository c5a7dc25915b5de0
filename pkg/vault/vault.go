// Package vault resolves secret references carried by data addresses, such as
// the oauth2:clientSecretKey of an OAuth2-protected source.
package vault

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrSecretNotFound is returned when a key has no secret.
var ErrSecretNotFound = errors.New("secret not found")

// Vault stores and resolves secrets by key.
type Vault interface {
	ResolveSecret(ctx context.Context, key string) (string, error)
	StoreSecret(ctx context.Context, key, value string) error
	DeleteSecret(ctx context.Context, key string) error
}

// MemoryVault keeps secrets in memory and falls back to environment variables.
// A key "provision-oauth-secret" with prefix "CONNECTOR_SECRET_" resolves from
// CONNECTOR_SECRET_PROVISION_OAUTH_SECRET.
type MemoryVault struct {
	mu        sync.RWMutex
	secrets   map[string]string
	envPrefix string
	lookupEnv func(string) (string, bool)
}

// NewMemoryVault creates a vault seeded with secrets. An empty envPrefix
// disables the environment fallback.
func NewMemoryVault(secrets map[string]string, envPrefix string) *MemoryVault {
	v := &MemoryVault{
		secrets:   make(map[string]string, len(secrets)),
		envPrefix: envPrefix,
		lookupEnv: os.LookupEnv,
	}
	for k, s := range secrets {
		v.secrets[k] = s
	}
	return v
}

// ResolveSecret returns the secret stored under key.
func (v *MemoryVault) ResolveSecret(_ context.Context, key string) (string, error) {
	v.mu.RLock()
	s, ok := v.secrets[key]
	v.mu.RUnlock()
	if ok {
		return s, nil
	}
	if v.envPrefix != "" {
		if s, ok := v.lookupEnv(EnvName(v.envPrefix, key)); ok {
			return s, nil
		}
	}
	return "", ErrSecretNotFound
}

// StoreSecret stores value under key.
func (v *MemoryVault) StoreSecret(_ context.Context, key, value string) error {
	if key == "" {
		return errors.New("secret key is empty")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.secrets[key] = value
	return nil
}

// DeleteSecret removes key. Deleting a missing key is not an error.
func (v *MemoryVault) DeleteSecret(_ context.Context, key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.secrets, key)
	return nil
}

// EnvName maps a secret key to its environment variable name.
func EnvName(prefix, key string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
	return prefix + name
}
