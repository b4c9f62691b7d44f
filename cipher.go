package dlpfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
)

// IVSize is the counter block size for AES-CTR
const IVSize = aes.BlockSize

var errContextFinished = errors.New("cipher context already finished")

// UsageSpec carries the cipher mode and initial counter block
type UsageSpec struct {
	Mode CipherMode
	IV   []byte
}

// Duplicate returns a deep copy so callers can advance the counter privately
func (s *UsageSpec) Duplicate() (*UsageSpec, error) {
	if s == nil || len(s.IV) == 0 {
		return nil, NewValidationError("spec", nil, "no cipher spec bound")
	}
	iv := make([]byte, len(s.IV))
	copy(iv, s.IV)
	return &UsageSpec{Mode: s.Mode, IV: iv}, nil
}

// CipherEngine creates per-operation cipher contexts
type CipherEngine interface {
	// Init prepares a context for one encryption or decryption pass
	Init(key []byte, spec *UsageSpec, encrypt bool) (CipherContext, error)
}

// CipherContext transforms one contiguous range of data
type CipherContext interface {
	// Update transforms in and returns the output for it
	Update(in []byte) ([]byte, error)

	// Final transforms any trailing input and ends the pass
	Final(in []byte) ([]byte, error)

	// Free releases the context. It is safe to call more than once.
	Free()
}

// HashEngine creates keyed-hash contexts for integrity tags
type HashEngine interface {
	Init(key []byte) (HashContext, error)

	// Size returns the tag length in bytes
	Size() int
}

// HashContext accumulates data for one tag
type HashContext interface {
	Update(in []byte) error
	Final() ([]byte, error)
	Free()
}

// AESCTREngine implements CipherEngine with AES-128/192/256 in CTR mode
type AESCTREngine struct{}

// NewAESCTREngine creates a new AES-CTR cipher engine
func NewAESCTREngine() *AESCTREngine {
	return &AESCTREngine{}
}

// Init validates the key and counter block and returns a stream context
func (e *AESCTREngine) Init(key []byte, spec *UsageSpec, encrypt bool) (CipherContext, error) {
	if err := validateKeySize(len(key)); err != nil {
		return nil, err
	}
	if spec == nil || spec.Mode != ModeCTR {
		return nil, newCipherParamsError("mode", spec, "only AES-CTR is supported")
	}
	if len(spec.IV) != IVSize {
		return nil, newCipherParamsError("iv", len(spec.IV),
			fmt.Sprintf("IV must be %d bytes", IVSize))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	// CTR is symmetric, so encrypt does not change the context.
	return &ctrContext{stream: cipher.NewCTR(block, spec.IV)}, nil
}

type ctrContext struct {
	stream   cipher.Stream
	finished bool
}

func (c *ctrContext) Update(in []byte) ([]byte, error) {
	if c.stream == nil || c.finished {
		return nil, errContextFinished
	}
	out := make([]byte, len(in))
	c.stream.XORKeyStream(out, in)
	return out, nil
}

func (c *ctrContext) Final(in []byte) ([]byte, error) {
	out, err := c.Update(in)
	if err != nil {
		return nil, err
	}
	c.finished = true
	return out, nil
}

func (c *ctrContext) Free() {
	c.stream = nil
	c.finished = true
}

func validateKeySize(n int) error {
	switch n {
	case 16, 24, 32:
		return nil
	default:
		return newCipherParamsError("key", n,
			fmt.Sprintf("AES key must be 16, 24 or 32 bytes, got %d bytes", n))
	}
}

// HMACSHA256Engine implements HashEngine with HMAC-SHA256
type HMACSHA256Engine struct{}

func (HMACSHA256Engine) Init(key []byte) (HashContext, error) {
	if len(key) == 0 {
		return nil, newCipherParamsError("hmac_key", 0, "HMAC key cannot be empty")
	}
	return &hashContext{h: hmac.New(sha256.New, key)}, nil
}

func (HMACSHA256Engine) Size() int {
	return sha256.Size
}

// BLAKE3Engine implements HashEngine with keyed BLAKE3
type BLAKE3Engine struct{}

func (BLAKE3Engine) Init(key []byte) (HashContext, error) {
	if len(key) != 32 {
		return nil, newCipherParamsError("hmac_key", len(key), "BLAKE3 keyed mode requires a 32-byte key")
	}
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return nil, newCipherParamsError("hmac_key", len(key), err.Error())
	}
	return &hashContext{h: h}, nil
}

func (BLAKE3Engine) Size() int {
	return 32
}

type hashContext struct {
	h hash.Hash
}

func (c *hashContext) Update(in []byte) error {
	if c.h == nil {
		return errContextFinished
	}
	c.h.Write(in)
	return nil
}

func (c *hashContext) Final() ([]byte, error) {
	if c.h == nil {
		return nil, errContextFinished
	}
	return c.h.Sum(nil), nil
}

func (c *hashContext) Free() {
	if c.h != nil {
		c.h.Reset()
	}
	c.h = nil
}

// hashEngineFor returns the engine for the configured integrity algorithm
func hashEngineFor(alg IntegrityAlgorithm) (HashEngine, error) {
	switch alg {
	case IntegrityHMACSHA256, "":
		return HMACSHA256Engine{}, nil
	case IntegrityBLAKE3:
		return BLAKE3Engine{}, nil
	default:
		return nil, NewValidationError("integrity", alg, "unsupported integrity algorithm")
	}
}
