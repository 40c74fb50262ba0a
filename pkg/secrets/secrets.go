// Package secrets encrypts character secrets at rest in memory.
//
// Ciphertext form is hex(iv) + ":" + hex(sealed), where sealed is the
// AES-256-GCM output (ciphertext plus tag) and iv is a random 12-byte nonce.
// The key is derived from the salt with HKDF-SHA256.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/cexll/eliza-go/pkg/character"
)

const (
	// DefaultSalt is used when neither config nor SECRET_SALT provide one.
	DefaultSalt = "secretsalt"
	// EnvSalt names the salt environment variable.
	EnvSalt = "SECRET_SALT"

	separator = ":"
	ivSize    = 12
	keySize   = 32
	hkdfInfo  = "eliza-character-secrets"
)

var (
	// ErrMalformed reports a value that looks encrypted but cannot be opened.
	ErrMalformed = errors.New("secrets: malformed ciphertext")

	randReader io.Reader = rand.Reader
)

// Salt resolves the salt: explicit value, then SECRET_SALT, then the default.
func Salt(configured string) string {
	if s := strings.TrimSpace(configured); s != "" {
		return s
	}
	if s := strings.TrimSpace(os.Getenv(EnvSalt)); s != "" {
		return s
	}
	return DefaultSalt
}

func deriveKey(salt string) ([]byte, error) {
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, []byte(salt), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}
	return key, nil
}

func newGCM(salt string) (cipher.AEAD, error) {
	key, err := deriveKey(salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// IsEncrypted reports whether value has the ciphertext shape. It does not
// authenticate the value.
func IsEncrypted(value string) bool {
	ivHex, ctHex, ok := strings.Cut(value, separator)
	if !ok || len(ivHex) != ivSize*2 || len(ctHex) == 0 || len(ctHex)%2 != 0 {
		return false
	}
	if _, err := hex.DecodeString(ivHex); err != nil {
		return false
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return false
	}
	// GCM output always carries the 16-byte tag.
	return len(ct) >= 16
}

// Encrypt seals value. Empty values and values already in ciphertext form are
// returned unchanged so repeated encryption is a no-op.
func Encrypt(value, salt string) (string, error) {
	if value == "" || IsEncrypted(value) {
		return value, nil
	}
	aead, err := newGCM(salt)
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(randReader, iv); err != nil {
		return "", fmt.Errorf("secrets: iv: %w", err)
	}
	sealed := aead.Seal(nil, iv, []byte(value), nil)
	return hex.EncodeToString(iv) + separator + hex.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. Values not in ciphertext form
// are returned unchanged.
func Decrypt(value, salt string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	ivHex, ctHex, _ := strings.Cut(value, separator)
	iv, _ := hex.DecodeString(ivHex)
	ct, _ := hex.DecodeString(ctHex)
	aead, err := newGCM(salt)
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, iv, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return string(plain), nil
}

// EncryptStringMap encrypts every value of m in place.
func EncryptStringMap(m map[string]string, salt string) error {
	for k, v := range m {
		enc, err := Encrypt(v, salt)
		if err != nil {
			return fmt.Errorf("secrets: encrypt %s: %w", k, err)
		}
		m[k] = enc
	}
	return nil
}

func encryptAnyMap(m map[string]any, salt string) error {
	for k, v := range m {
		s, ok := v.(string)
		if !ok {
			continue
		}
		enc, err := Encrypt(s, salt)
		if err != nil {
			return fmt.Errorf("secrets: encrypt %s: %w", k, err)
		}
		m[k] = enc
	}
	return nil
}

// EncryptCharacter encrypts c.Secrets and c.Settings["secrets"] in place.
func EncryptCharacter(c *character.Character, salt string) error {
	if c == nil {
		return nil
	}
	if err := EncryptStringMap(c.Secrets, salt); err != nil {
		return err
	}
	nested, ok := character.SettingsSecrets(c.Settings)
	if !ok {
		return nil
	}
	if err := encryptAnyMap(nested, salt); err != nil {
		return err
	}
	c.Settings[character.SettingsSecretsKey] = nested
	return nil
}

// DecryptCharacter returns a copy of c with every secret decrypted.
func DecryptCharacter(c *character.Character, salt string) (*character.Character, error) {
	dup := c.Clone()
	if dup == nil {
		return nil, nil
	}
	for k, v := range dup.Secrets {
		plain, err := Decrypt(v, salt)
		if err != nil {
			return nil, fmt.Errorf("secrets: decrypt %s: %w", k, err)
		}
		dup.Secrets[k] = plain
	}
	if nested, ok := character.SettingsSecrets(dup.Settings); ok {
		for k, v := range nested {
			s, ok := v.(string)
			if !ok {
				continue
			}
			plain, err := Decrypt(s, salt)
			if err != nil {
				return nil, fmt.Errorf("secrets: decrypt %s: %w", k, err)
			}
			nested[k] = plain
		}
		dup.Settings[character.SettingsSecretsKey] = nested
	}
	return dup, nil
}
