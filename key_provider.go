package dlpfs

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// hkdfInfoIntegrityKey separates the integrity key from the content key
var hkdfInfoIntegrityKey = []byte("dlpfs.container.integrity.v1")

// CipherMaterial holds the content key, the initial counter block and the
// integrity key. The three buffers are set together and zeroed together.
type CipherMaterial struct {
	mu      sync.RWMutex
	key     []byte
	iv      []byte
	hmacKey []byte
	mode    CipherMode
}

// NewCipherMaterial validates and copies the given parameters.
// Nothing is retained when any parameter is invalid.
func NewCipherMaterial(key []byte, spec UsageSpec, hmacKey []byte) (*CipherMaterial, error) {
	if err := validateKeySize(len(key)); err != nil {
		return nil, err
	}
	if spec.Mode != ModeCTR {
		return nil, newCipherParamsError("mode", spec.Mode, "only AES-CTR is supported")
	}
	if len(spec.IV) != IVSize {
		return nil, newCipherParamsError("iv", len(spec.IV), fmt.Sprintf("IV must be %d bytes", IVSize))
	}
	if len(hmacKey) == 0 {
		return nil, newCipherParamsError("hmac_key", 0, "integrity key cannot be empty")
	}
	if isZero(key) {
		return nil, newCipherParamsError("key", nil, "key is all zeros")
	}
	if isZero(spec.IV) {
		return nil, newCipherParamsError("iv", nil, "IV is all zeros")
	}

	m := &CipherMaterial{
		key:     make([]byte, len(key)),
		iv:      make([]byte, len(spec.IV)),
		hmacKey: make([]byte, len(hmacKey)),
		mode:    spec.Mode,
	}
	copy(m.key, key)
	copy(m.iv, spec.IV)
	copy(m.hmacKey, hmacKey)
	return m, nil
}

// GenerateCipherMaterial draws a random key and IV and derives the
// integrity key from the content key with HKDF-SHA256
func GenerateCipherMaterial(keySize int) (*CipherMaterial, error) {
	if err := validateKeySize(keySize); err != nil {
		return nil, err
	}

	key := make([]byte, keySize)
	iv := make([]byte, IVSize)
	defer clear(key)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	hmacKey, err := deriveIntegrityKey(key, iv)
	if err != nil {
		return nil, err
	}
	defer clear(hmacKey)

	return NewCipherMaterial(key, UsageSpec{Mode: ModeCTR, IV: iv}, hmacKey)
}

// deriveIntegrityKey expands a 32-byte integrity key from the content key,
// salted with the IV so each container gets its own key
func deriveIntegrityKey(key, iv []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, key, iv, hkdfInfoIntegrityKey)
	derived := make([]byte, 32)
	if _, err := io.ReadFull(reader, derived); err != nil {
		return nil, fmt.Errorf("failed to derive integrity key: %w", err)
	}
	return derived, nil
}

// Spec returns a private copy of the usage spec
func (m *CipherMaterial) Spec() (*UsageSpec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.iv == nil {
		return nil, newCipherParamsError("iv", nil, "cipher material has been zeroed")
	}
	return (&UsageSpec{Mode: m.mode, IV: m.iv}).Duplicate()
}

// Valid reports whether the material still holds a key
func (m *CipherMaterial) Valid() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.key != nil
}

// Equal reports whether two materials hold the same secrets
func (m *CipherMaterial) Equal(other *CipherMaterial) bool {
	if m == nil || other == nil {
		return m == other
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()
	return subtle.ConstantTimeCompare(m.key, other.key) == 1 &&
		subtle.ConstantTimeCompare(m.iv, other.iv) == 1 &&
		subtle.ConstantTimeCompare(m.hmacKey, other.hmacKey) == 1
}

// clone returns an independent copy owned by a container
func (m *CipherMaterial) clone() (*CipherMaterial, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.key == nil {
		return nil, newCipherParamsError("key", nil, "cipher material has been zeroed")
	}
	return NewCipherMaterial(m.key, UsageSpec{Mode: m.mode, IV: m.iv}, m.hmacKey)
}

// withKeys runs fn with the raw key and integrity key under the read lock
func (m *CipherMaterial) withKeys(fn func(key, hmacKey []byte) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.key == nil {
		return newCipherParamsError("key", nil, "cipher material has been zeroed")
	}
	return fn(m.key, m.hmacKey)
}

// Zero overwrites all three buffers and drops them
func (m *CipherMaterial) Zero() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.key)
	clear(m.iv)
	clear(m.hmacKey)
	m.key, m.iv, m.hmacKey = nil, nil, nil
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
