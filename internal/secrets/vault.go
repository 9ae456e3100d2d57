// Package secrets keeps effect credentials (webhook tokens, API keys)
// encrypted at rest and hands them to the interpolator on demand.
package secrets

import (
	"context"
	"regexp"

	"github.com/rendis/intake/pkg/schema"
)

// Vault resolves ${{secrets.KEY}} references in effect destinations and headers.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore persists opaque secret blobs. Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// ValidKey reports whether key can be referenced from a ${{secrets.KEY}} template.
func ValidKey(key string) error {
	if !keyPattern.MatchString(key) {
		return schema.NewErrorf(schema.ErrCodeVault, "invalid secret key %q", key)
	}
	return nil
}
