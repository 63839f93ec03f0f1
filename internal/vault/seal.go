package vault

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// MasterKeyEnv names the environment variable holding the base64-encoded
// 32-byte key that seals token material at rest. When unset, bundles are
// stored in the clear (matching the legacy .env behavior, but behind 0600).
const MasterKeyEnv = "CREDVAULT_MASTER_KEY"

const sealedPrefix = "sealed:"

// sealer encrypts and decrypts individual secret fields with NaCl secretbox.
type sealer struct {
	key [32]byte
}

// newSealerFromEnv returns nil when no master key is configured.
func newSealerFromEnv() (*sealer, error) {
	raw := strings.TrimSpace(os.Getenv(MasterKeyEnv))
	if raw == "" {
		return nil, nil
	}
	kb, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", MasterKeyEnv, err)
	}
	if len(kb) != 32 {
		return nil, fmt.Errorf("%s must decode to 32 bytes, got %d (generate with: openssl rand -base64 32)", MasterKeyEnv, len(kb))
	}
	s := &sealer{}
	copy(s.key[:], kb)
	return s, nil
}

// Seal encrypts plaintext and returns "sealed:" + base64(nonce|box).
func (s *sealer) Seal(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("nonce random: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return sealedPrefix + base64.StdEncoding.EncodeToString(box), nil
}

// Open decrypts a value produced by Seal. Values without the sealed prefix
// are returned unchanged, so a vault written before sealing was enabled
// still reads back.
func (s *sealer) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	box, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	if len(box) < 24 {
		return "", fmt.Errorf("sealed value too short")
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])
	pt, ok := secretbox.Open(nil, box[24:], &nonce, &s.key)
	if !ok {
		return "", fmt.Errorf("sealed value failed authentication (wrong %s?)", MasterKeyEnv)
	}
	return string(pt), nil
}
