// Package secrets resolves the application signing secret and keeps it in
// encrypted memory.
package secrets

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"

	"github.com/caesar-terminal/tickerdesk/internal/config"
)

// Source says where the secret came from.
type Source string

const (
	SourceKMS     Source = "kms"
	SourceEnv     Source = "env"
	SourceDefault Source = "default"
)

var (
	// ErrNoUnsealer is returned when a ciphertext is configured but no KMS
	// client is available.
	ErrNoUnsealer = errors.New("secrets: SECRET_KEY_CIPHERTEXT set without a KMS client")
	// ErrEmptySecret is returned when the resolved secret is empty.
	ErrEmptySecret = errors.New("secrets: empty secret")
)

// Unsealer decrypts a ciphertext blob into an Enclave. *KMS is one.
type Unsealer interface {
	Unseal(ctx context.Context, ciphertext []byte) (*memguard.Enclave, error)
}

// Secret is the signing secret sealed in a memguard Enclave.
type Secret struct {
	enclave *memguard.Enclave
	source  Source
}

// Resolve picks the secret from, in order, the KMS ciphertext, SECRET_KEY,
// and the development default. The default is refused in production.
// u may be nil when no ciphertext is configured.
func Resolve(ctx context.Context, cfg *config.Config, u Unsealer) (*Secret, error) {
	if ct := strings.TrimSpace(cfg.SecretKeyCiphertext); ct != "" {
		if u == nil {
			return nil, ErrNoUnsealer
		}
		blob, err := base64.StdEncoding.DecodeString(ct)
		if err != nil {
			return nil, fmt.Errorf("secrets: decode ciphertext: %w", err)
		}
		enclave, err := u.Unseal(ctx, blob)
		if err != nil {
			return nil, err
		}
		if enclave == nil {
			return nil, ErrEmptySecret
		}
		return &Secret{enclave: enclave, source: SourceKMS}, nil
	}

	if cfg.UsesDefaultSecret() {
		if cfg.IsProduction() {
			return nil, config.ErrDefaultSecretInProduction
		}
		return seal([]byte(config.DefaultSecretKey), SourceDefault)
	}
	return seal([]byte(cfg.SecretKey), SourceEnv)
}

// seal moves b into an Enclave; b is wiped.
func seal(b []byte, src Source) (*Secret, error) {
	if len(b) == 0 {
		return nil, ErrEmptySecret
	}
	return &Secret{enclave: memguard.NewEnclave(b), source: src}, nil
}

// Source reports where the secret came from.
func (s *Secret) Source() Source { return s.source }

// IsDefault reports whether the insecure development default is in use.
func (s *Secret) IsDefault() bool { return s.source == SourceDefault }

// CookieKeys derives the securecookie hash (64 bytes) and block (32 bytes)
// keys from the secret with HKDF-SHA256.
func (s *Secret) CookieKeys() (hashKey, blockKey []byte, err error) {
	buf, err := s.enclave.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("secrets: open enclave: %w", err)
	}
	defer buf.Destroy()

	hashKey = make([]byte, 64)
	if _, err := io.ReadFull(hkdf.New(sha256.New, buf.Bytes(), nil, []byte("tickerdesk cookie hash")), hashKey); err != nil {
		return nil, nil, fmt.Errorf("secrets: derive hash key: %w", err)
	}
	blockKey = make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, buf.Bytes(), nil, []byte("tickerdesk cookie block")), blockKey); err != nil {
		return nil, nil, fmt.Errorf("secrets: derive block key: %w", err)
	}
	return hashKey, blockKey, nil
}
