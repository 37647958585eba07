// Package meshcrypto implements the symmetric envelope codec used on the
// mesh radio channel and the at-rest vault key for the durable store.
//
// Two key classes exist. The group key is a deployment-wide secret shared by
// every mesh participant; it is derived with a lower PBKDF2 iteration count
// because envelope latency matters on the radio path. The vault key protects
// local records and uses the full iteration count.
package meshcrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// wrapperPrefix marks an encrypted envelope on the wire. Anything
	// without it is treated as plaintext by the receive path.
	wrapperPrefix = "BEACON1:"

	groupKeyIterations = 10_000
	vaultKeyIterations = 100_000

	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSizeX
)

// Deployment-wide fixed salts. These are domain separators, not secrets:
// confidentiality rests on the passphrase.
var (
	groupKeySalt = []byte("beacon:mesh:group:v1")
	vaultKeySalt = []byte("beacon:store:vault:v1")
)

var (
	ErrNotEncrypted = errors.New("meshcrypto: not an encrypted wrapper")
	ErrMalformed    = errors.New("meshcrypto: malformed ciphertext")
)

// DeriveKey derives a 32-byte key from a passphrase with PBKDF2-SHA256.
func DeriveKey(passphrase string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, iterations, KeySize, sha256.New)
}

// Codec encrypts and decrypts mesh envelopes under a group key derived once
// per process lifetime and cached until Invalidate.
type Codec struct {
	mu         sync.Mutex
	passphrase string
	key        []byte
}

// NewCodec creates a Codec for the given group passphrase. Derivation is
// deferred to first use.
func NewCodec(passphrase string) *Codec {
	return &Codec{passphrase: passphrase}
}

func (c *Codec) groupKey() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != nil {
		return c.key, nil
	}
	if c.passphrase == "" {
		return nil, errors.New("meshcrypto: empty group passphrase")
	}
	c.key = DeriveKey(c.passphrase, groupKeySalt, groupKeyIterations)
	return c.key, nil
}

// Invalidate clears the cached group key, forcing re-derivation on next use.
func (c *Codec) Invalidate() {
	c.mu.Lock()
	c.key = nil
	c.mu.Unlock()
}

// Encrypt seals plaintext with XChaCha20-Poly1305 under the group key.
// Output is the wrapper prefix plus base64(nonce || ciphertext).
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	key, err := c.groupKey()
	if err != nil {
		return "", err
	}
	return Seal(key, plaintext)
}

// Decrypt is the exact inverse of Encrypt. It fails if the input is not a
// recognized wrapper or if the nonce, ciphertext, or tag is malformed.
func (c *Codec) Decrypt(wrapped string) ([]byte, error) {
	key, err := c.groupKey()
	if err != nil {
		return nil, err
	}
	return Open(key, wrapped)
}

// IsEncrypted reports whether s carries the encrypted wrapper prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, wrapperPrefix)
}

// Seal encrypts plaintext under key with a fresh random nonce, prepending
// the nonce to the AEAD output and base64-wrapping the result.
func Seal(key, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("meshcrypto: init aead: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("meshcrypto: nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(nonce)+len(ct))
	out = append(out, nonce...)
	out = append(out, ct...)
	return wrapperPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a wrapped string produced by Seal under key.
func Open(key []byte, wrapped string) ([]byte, error) {
	if !IsEncrypted(wrapped) {
		return nil, ErrNotEncrypted
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(wrapped, wrapperPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) <= NonceSize {
		return nil, ErrMalformed
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("meshcrypto: init aead: %w", err)
	}
	pt, err := aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrMalformed, err)
	}
	return pt, nil
}

// DeriveVaultKey derives the at-rest store key from a per-device session
// secret. Distinct salt and iteration count from the mesh group key.
func DeriveVaultKey(sessionSecret string) []byte {
	return DeriveKey(sessionSecret, vaultKeySalt, vaultKeyIterations)
}
