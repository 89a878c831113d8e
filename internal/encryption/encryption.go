// Package encryption provides the encryption service the segment store
// uses to protect record bytes at rest.
//
// The store passes each encoded record as plaintext together with a key
// context ("segment/<id>") and persists only the returned ciphertext. The
// AEAD implementation derives an independent subkey per context from a
// single master key and binds the context as associated data, so a frame
// moved between segments fails to decrypt.
package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of a master key in bytes.
const KeySize = chacha20poly1305.KeySize

const (
	frameVersion uint8 = 1
	hkdfInfo           = "chainlog.encryption.v1|"
)

// Service encrypts and decrypts opaque byte payloads under a key context.
type Service interface {
	Encrypt(plaintext []byte, keyContext string) ([]byte, error)
	Decrypt(ciphertext []byte, keyContext string) ([]byte, error)
}

// DecryptionError reports ciphertext that could not be authenticated:
// tampered bytes, a wrong key or a frame presented under the wrong context.
type DecryptionError struct {
	KeyContext string
	Err        error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypting %s: %v", e.KeyContext, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

var errShortFrame = errors.New("ciphertext too short")

// AEAD is an XChaCha20-Poly1305 Service with HKDF-SHA256 derived subkeys.
// It is safe for concurrent use.
type AEAD struct {
	master []byte
	mu     sync.RWMutex
	keys   map[string]cipher.AEAD
}

// NewAEAD returns an AEAD service for a KeySize master key.
func NewAEAD(masterKey []byte) (*AEAD, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	return &AEAD{
		master: append([]byte(nil), masterKey...),
		keys:   make(map[string]cipher.AEAD),
	}, nil
}

func (a *AEAD) aead(keyContext string) (cipher.AEAD, error) {
	a.mu.RLock()
	c, ok := a.keys[keyContext]
	a.mu.RUnlock()
	if ok {
		return c, nil
	}

	sub := make([]byte, KeySize)
	r := hkdf.New(sha256.New, a.master, nil, []byte(hkdfInfo+keyContext))
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, fmt.Errorf("deriving key for %s: %w", keyContext, err)
	}
	c, err := chacha20poly1305.NewX(sub)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher for %s: %w", keyContext, err)
	}

	a.mu.Lock()
	a.keys[keyContext] = c
	a.mu.Unlock()
	return c, nil
}

// Encrypt seals plaintext. The frame layout is
// version(1) | nonce(24) | ciphertext+tag.
func (a *AEAD) Encrypt(plaintext []byte, keyContext string) ([]byte, error) {
	c, err := a.aead(keyContext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+c.NonceSize(), 1+c.NonceSize()+len(plaintext)+c.Overhead())
	out[0] = frameVersion
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return c.Seal(out, out[1:], plaintext, []byte(keyContext)), nil
}

// Decrypt opens a frame produced by Encrypt under the same key context.
func (a *AEAD) Decrypt(ciphertext []byte, keyContext string) ([]byte, error) {
	c, err := a.aead(keyContext)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < 1+c.NonceSize()+c.Overhead() {
		return nil, &DecryptionError{KeyContext: keyContext, Err: errShortFrame}
	}
	if ciphertext[0] != frameVersion {
		return nil, &DecryptionError{KeyContext: keyContext, Err: fmt.Errorf("unknown frame version %d", ciphertext[0])}
	}
	nonce := ciphertext[1 : 1+c.NonceSize()]
	pt, err := c.Open(nil, nonce, ciphertext[1+c.NonceSize():], []byte(keyContext))
	if err != nil {
		return nil, &DecryptionError{KeyContext: keyContext, Err: err}
	}
	return pt, nil
}

// Plaintext is a pass-through Service for development and tests. Stored
// bytes are the encoded records themselves.
type Plaintext struct{}

func (Plaintext) Encrypt(plaintext []byte, _ string) ([]byte, error) {
	return append([]byte(nil), plaintext...), nil
}

func (Plaintext) Decrypt(ciphertext []byte, _ string) ([]byte, error) {
	return append([]byte(nil), ciphertext...), nil
}

// GenerateKey returns a fresh random master key.
func GenerateKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return k, nil
}

// WriteKeyFile stores key hex-encoded with owner-only permissions. It
// refuses to overwrite an existing file.
func WriteKeyFile(path string, key []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating key file %s: %w", path, err)
	}
	if _, err := f.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("writing key file %s: %w", path, err)
	}
	return f.Close()
}

// LoadKeyFile reads a hex-encoded key written by WriteKeyFile.
func LoadKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file %s: %w", path, err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding key file %s: %w", path, err)
	}
	return key, nil
}
