package dlpfs

import (
	"bytes"
	"errors"
	"sync"
	"testing"
)

func testKeyIV() ([]byte, *UsageSpec) {
	key := make([]byte, 32)
	iv := make([]byte, IVSize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	for i := range iv {
		iv[i] = byte(0xA0 + i)
	}
	return key, &UsageSpec{Mode: ModeCTR, IV: iv}
}

func TestAdvanceCounter(t *testing.T) {
	tests := []struct {
		name   string
		iv     []byte
		blocks uint64
		want   []byte
	}{
		{
			name:   "zero",
			iv:     []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 5},
			blocks: 0,
			want:   []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 5},
		},
		{
			name:   "offset 32",
			iv:     make([]byte, 16),
			blocks: 2,
			want:   []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2},
		},
		{
			name:   "byte carry",
			iv:     []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xFF},
			blocks: 1,
			want:   []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0},
		},
		{
			name:   "carry past 64 bits",
			iv:     []byte{0, 0, 0, 0, 0, 0, 0, 0, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
			blocks: 1,
			want:   []byte{0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0},
		},
		{
			name:   "wraps at 128 bits",
			iv:     bytes.Repeat([]byte{0xFF}, 16),
			blocks: 3,
			want:   []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2},
		},
		{
			name:   "multi-byte addend",
			iv:     []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01, 0xF0},
			blocks: 0x1234,
			want:   []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x14, 0x24},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			iv := append([]byte(nil), tt.iv...)
			advanceCounter(iv, tt.blocks)
			if !bytes.Equal(iv, tt.want) {
				t.Errorf("advanceCounter = % x, want % x", iv, tt.want)
			}
		})
	}
}

func TestCryptRange_MatchesSinglePass(t *testing.T) {
	key, spec := testKeyIV()
	engine := NewAESCTREngine()

	plaintext := make([]byte, 1000)
	for i := range plaintext {
		plaintext[i] = byte(i * 7)
	}

	whole, err := CryptRange(engine, key, spec, 0, plaintext, true)
	if err != nil {
		t.Fatalf("CryptRange failed: %v", err)
	}
	if bytes.Equal(whole, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	for _, offset := range []uint64{16, 32, 160, 496, 992} {
		part, err := CryptRange(engine, key, spec, offset, plaintext[offset:], true)
		if err != nil {
			t.Fatalf("CryptRange at %d failed: %v", offset, err)
		}
		if !bytes.Equal(part, whole[offset:]) {
			t.Errorf("range at %d differs from single pass", offset)
		}
	}

	decrypted, err := CryptRange(engine, key, spec, 0, whole, false)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("decrypt did not restore plaintext")
	}
}

func TestCryptRange_LeavesSpecUntouched(t *testing.T) {
	key, spec := testKeyIV()
	before := append([]byte(nil), spec.IV...)

	if _, err := CryptRange(NewAESCTREngine(), key, spec, 4096, make([]byte, 64), true); err != nil {
		t.Fatalf("CryptRange failed: %v", err)
	}
	if !bytes.Equal(spec.IV, before) {
		t.Error("CryptRange modified the caller's IV")
	}
}

func TestCryptRange_Rejects(t *testing.T) {
	key, spec := testKeyIV()
	engine := NewAESCTREngine()

	tests := []struct {
		name    string
		engine  CipherEngine
		key     []byte
		spec    *UsageSpec
		offset  uint64
		data    []byte
		wantErr error
	}{
		{"nil engine", nil, key, spec, 0, []byte("x"), ErrValueInvalid},
		{"empty data", engine, key, spec, 0, nil, ErrValueInvalid},
		{"unaligned offset", engine, key, spec, 5, []byte("x"), ErrValueInvalid},
		{"nil spec", engine, key, nil, 0, []byte("x"), ErrValueInvalid},
		{"short key", engine, key[:10], spec, 0, []byte("x"), ErrCipherParamsInvalid},
		{"bad mode", engine, key, &UsageSpec{Mode: 7, IV: spec.IV}, 0, []byte("x"), ErrCipherParamsInvalid},
		{"short iv", engine, key, &UsageSpec{Mode: ModeCTR, IV: spec.IV[:8]}, 0, []byte("x"), ErrCipherParamsInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CryptRange(tt.engine, tt.key, tt.spec, tt.offset, tt.data, true)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("CryptRange error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// countingEngine records counter blocks and how often contexts are freed
type countingEngine struct {
	mu        sync.Mutex
	ivs       [][]byte
	frees     int
	failStage string
}

func (e *countingEngine) Init(key []byte, spec *UsageSpec, encrypt bool) (CipherContext, error) {
	if e.failStage == "init" {
		return nil, errors.New("init failed")
	}
	e.mu.Lock()
	e.ivs = append(e.ivs, append([]byte(nil), spec.IV...))
	e.mu.Unlock()
	return &countingContext{engine: e}, nil
}

type countingContext struct {
	engine *countingEngine
}

func (c *countingContext) Update(in []byte) ([]byte, error) {
	if c.engine.failStage == "update" {
		return nil, errors.New("update failed")
	}
	return append([]byte(nil), in...), nil
}

func (c *countingContext) Final(in []byte) ([]byte, error) {
	if c.engine.failStage == "final" {
		return nil, errors.New("final failed")
	}
	return append([]byte(nil), in...), nil
}

func (c *countingContext) Free() {
	c.engine.mu.Lock()
	c.engine.frees++
	c.engine.mu.Unlock()
}

func TestCryptRange_CounterAndFree(t *testing.T) {
	engine := &countingEngine{}
	spec := &UsageSpec{Mode: ModeCTR, IV: make([]byte, IVSize)}

	if _, err := CryptRange(engine, nil, spec, 32, make([]byte, 16), true); err != nil {
		t.Fatalf("CryptRange failed: %v", err)
	}
	want := make([]byte, IVSize)
	want[IVSize-1] = 2
	if len(engine.ivs) != 1 || !bytes.Equal(engine.ivs[0], want) {
		t.Errorf("counter block = % x, want % x", engine.ivs, want)
	}
	if engine.frees != 1 {
		t.Errorf("Free called %d times, want 1", engine.frees)
	}
}

func TestCryptRange_FreeOnFailure(t *testing.T) {
	for _, stage := range []string{"update", "final"} {
		t.Run(stage, func(t *testing.T) {
			engine := &countingEngine{failStage: stage}
			spec := &UsageSpec{Mode: ModeCTR, IV: make([]byte, IVSize)}

			_, err := CryptRange(engine, nil, spec, 0, make([]byte, 16), false)
			if !errors.Is(err, ErrCryptFailed) {
				t.Fatalf("error = %v, want ErrCryptFailed", err)
			}
			if !IsEncryptionError(err) {
				t.Errorf("expected EncryptionError, got %T", err)
			}
			if engine.frees != 1 {
				t.Errorf("Free called %d times, want 1", engine.frees)
			}
		})
	}

	engine := &countingEngine{failStage: "init"}
	_, err := CryptRange(engine, nil, &UsageSpec{Mode: ModeCTR, IV: make([]byte, IVSize)}, 0, []byte("x"), true)
	if !errors.Is(err, ErrCryptFailed) {
		t.Errorf("init failure: error = %v, want ErrCryptFailed", err)
	}
	if engine.frees != 0 {
		t.Errorf("Free called %d times without a context", engine.frees)
	}
}

func TestBlockCrypter_ParallelMatchesSequential(t *testing.T) {
	key, spec := testKeyIV()
	material, err := NewCipherMaterial(key, *spec, []byte("integrity-key"))
	if err != nil {
		t.Fatalf("NewCipherMaterial failed: %v", err)
	}

	data := make([]byte, 64*1024+5)
	for i := range data {
		data[i] = byte(i % 251)
	}

	sequential := &blockCrypter{engine: NewAESCTREngine(), material: material, segmentSize: 4096, workers: 1}
	parallel := &blockCrypter{engine: NewAESCTREngine(), material: material, segmentSize: 4096, workers: 8}

	want, err := sequential.cryptSegments(0, data, true)
	if err != nil {
		t.Fatalf("sequential crypt failed: %v", err)
	}
	got, err := parallel.cryptSegments(0, data, true)
	if err != nil {
		t.Fatalf("parallel crypt failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("parallel segments differ from sequential pass")
	}

	// A range starting mid-stream must line up with the same keystream.
	got, err = parallel.cryptSegments(8192, data[8192:], true)
	if err != nil {
		t.Fatalf("offset crypt failed: %v", err)
	}
	if !bytes.Equal(got, want[8192:]) {
		t.Error("offset segments differ from sequential pass")
	}
}

func TestBlockCrypter_ParallelFailure(t *testing.T) {
	key, spec := testKeyIV()
	material, err := NewCipherMaterial(key, *spec, []byte("k"))
	if err != nil {
		t.Fatalf("NewCipherMaterial failed: %v", err)
	}
	b := &blockCrypter{engine: &countingEngine{failStage: "update"}, material: material, segmentSize: 16, workers: 4}

	out, err := b.cryptSegments(0, make([]byte, 256), true)
	if !errors.Is(err, ErrCryptFailed) {
		t.Fatalf("error = %v, want ErrCryptFailed", err)
	}
	if out != nil {
		t.Error("failed crypt returned output")
	}
}
