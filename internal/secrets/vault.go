package secrets

import (
	"context"
	"os"
	"strings"

	"github.com/rendis/actrun/pkg/schema"
)

// Vault resolves secret references (${{secrets.KEY}}) and action tokens at
// runtime.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the persistence slice the AES vault needs.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// EnvVault reads secrets from environment variables named Prefix+KEY.
// It is read-only.
type EnvVault struct {
	Prefix string
	lookup func(string) (string, bool)
}

// NewEnvVault creates an EnvVault over the process environment.
func NewEnvVault(prefix string) *EnvVault {
	return &EnvVault{Prefix: prefix, lookup: os.LookupEnv}
}

func (v *EnvVault) Resolve(_ context.Context, key string) ([]byte, error) {
	val, ok := v.lookup(v.Prefix + strings.ToUpper(key))
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return []byte(val), nil
}

func (v *EnvVault) Store(context.Context, string, []byte) error {
	return schema.NewError(schema.ErrCodeVault, "environment vault is read-only")
}

func (v *EnvVault) Delete(context.Context, string) error {
	return schema.NewError(schema.ErrCodeVault, "environment vault is read-only")
}

func (v *EnvVault) List(context.Context) ([]string, error) {
	var keys []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if v.Prefix != "" && strings.HasPrefix(name, v.Prefix) {
			keys = append(keys, strings.TrimPrefix(name, v.Prefix))
		}
	}
	return keys, nil
}

// Chain resolves from each vault in turn, returning the first hit. Writes go
// to the first vault.
type Chain []Vault

func (c Chain) Resolve(ctx context.Context, key string) ([]byte, error) {
	var lastErr error = schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	for _, v := range c {
		val, err := v.Resolve(ctx, key)
		if err == nil {
			return val, nil
		}
		if !schema.IsNotFound(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c Chain) Store(ctx context.Context, key string, value []byte) error {
	if len(c) == 0 {
		return schema.NewError(schema.ErrCodeVault, "no vault configured")
	}
	return c[0].Store(ctx, key, value)
}

func (c Chain) Delete(ctx context.Context, key string) error {
	if len(c) == 0 {
		return schema.NewError(schema.ErrCodeVault, "no vault configured")
	}
	return c[0].Delete(ctx, key)
}

func (c Chain) List(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, v := range c {
		keys, err := v.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out, nil
}

var (
	_ Vault = (*AESVault)(nil)
	_ Vault = (*EnvVault)(nil)
	_ Vault = Chain(nil)
)
