package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/rendis/actrun/pkg/schema"
)

const (
	keySize = 32

	// Argon2id defaults for passphrase-derived keys.
	defaultArgonTime      = 1
	defaultArgonMemoryKiB = 64 * 1024
	argonThreads          = 4

	// envelopeV1 is the first byte of every stored value:
	// version || nonce || ciphertext+tag.
	envelopeV1 byte = 1
)

// VaultConfig selects the vault key. MasterKey (32 raw bytes) wins over
// Passphrase, which needs a Salt and is stretched with Argon2id.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	// Argon2id cost; zero values use the defaults.
	Time      uint32
	MemoryKiB uint32
}

// ParseMasterKey decodes a base64 (standard or URL, padded or not) 32-byte key.
func ParseMasterKey(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		key, err := enc.DecodeString(s)
		if err != nil {
			continue
		}
		if len(key) != keySize {
			return nil, schema.NewErrorf(schema.ErrCodeVault, "master key must be %d bytes, got %d", keySize, len(key))
		}
		return key, nil
	}
	return nil, schema.NewError(schema.ErrCodeVault, "master key is not valid base64")
}

// AESVault keeps secrets in a SecretStore sealed with AES-256-GCM. The secret
// name is the additional data, so a value copied under another name does not
// open.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := cfg.key()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

func (c VaultConfig) key() ([]byte, error) {
	switch {
	case len(c.MasterKey) > 0:
		if len(c.MasterKey) != keySize {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be %d bytes, got %d", keySize, len(c.MasterKey))
		}
		return c.MasterKey, nil
	case c.Passphrase == "":
		return nil, schema.NewError(schema.ErrCodeVault, "either master key or passphrase is required")
	case len(c.Salt) == 0:
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	t, mem := c.Time, c.MemoryKiB
	if t == 0 {
		t = defaultArgonTime
	}
	if mem == 0 {
		mem = defaultArgonMemoryKiB
	}
	return argon2.IDKey([]byte(c.Passphrase), c.Salt, t, mem, argonThreads, keySize), nil
}

func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "secret key is required")
	}
	env := make([]byte, 1+v.aead.NonceSize(), 1+v.aead.NonceSize()+len(value)+v.aead.Overhead())
	env[0] = envelopeV1
	if _, err := rand.Read(env[1:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	env = v.aead.Seal(env, env[1:], value, []byte(key))
	return v.store.StoreSecret(ctx, key, env)
}

func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	env, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	n := v.aead.NonceSize()
	if len(env) < 1+n+v.aead.Overhead() {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q: sealed value too short", key)
	}
	if env[0] != envelopeV1 {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %q: unknown envelope version %d", key, env[0])
	}
	plain, err := v.aead.Open(nil, env[1:1+n], env[1+n:], []byte(key))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "decrypt %q failed: %s", key, err.Error())
	}
	return plain, nil
}

func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}
