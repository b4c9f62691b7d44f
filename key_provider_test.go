package dlpfs

import (
	"bytes"
	"errors"
	"testing"
)

func TestNewCipherMaterial_Validation(t *testing.T) {
	key, spec := testKeyIV()
	hmacKey := []byte("integrity")

	tests := []struct {
		name    string
		key     []byte
		spec    UsageSpec
		hmacKey []byte
		wantErr bool
	}{
		{"aes-128", key[:16], *spec, hmacKey, false},
		{"aes-192", key[:24], *spec, hmacKey, false},
		{"aes-256", key, *spec, hmacKey, false},
		{"short key", key[:15], *spec, hmacKey, true},
		{"long key", append(key, 1), *spec, hmacKey, true},
		{"zero key", make([]byte, 32), *spec, hmacKey, true},
		{"zero iv", key, UsageSpec{Mode: ModeCTR, IV: make([]byte, IVSize)}, hmacKey, true},
		{"short iv", key, UsageSpec{Mode: ModeCTR, IV: spec.IV[:12]}, hmacKey, true},
		{"unknown mode", key, UsageSpec{Mode: 2, IV: spec.IV}, hmacKey, true},
		{"missing hmac key", key, *spec, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewCipherMaterial(tt.key, tt.spec, tt.hmacKey)
			if tt.wantErr {
				if !errors.Is(err, ErrCipherParamsInvalid) {
					t.Fatalf("error = %v, want ErrCipherParamsInvalid", err)
				}
				if m != nil {
					t.Error("invalid parameters returned material")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewCipherMaterial failed: %v", err)
			}
			if !m.Valid() {
				t.Error("new material is not valid")
			}
		})
	}
}

func TestCipherMaterial_CopiesInputs(t *testing.T) {
	key, spec := testKeyIV()
	m, err := NewCipherMaterial(key, *spec, []byte("integrity"))
	if err != nil {
		t.Fatalf("NewCipherMaterial failed: %v", err)
	}

	original := append([]byte(nil), spec.IV...)
	spec.IV[0] ^= 0xFF
	key[0] ^= 0xFF

	got, err := m.Spec()
	if err != nil {
		t.Fatalf("Spec failed: %v", err)
	}
	if !bytes.Equal(got.IV, original) {
		t.Error("material shares the caller's IV buffer")
	}

	// The returned spec is a private copy.
	got.IV[0] ^= 0xFF
	again, _ := m.Spec()
	if !bytes.Equal(again.IV, original) {
		t.Error("Spec returned the internal IV buffer")
	}
}

func TestCipherMaterial_Zero(t *testing.T) {
	m, err := GenerateCipherMaterial(32)
	if err != nil {
		t.Fatalf("GenerateCipherMaterial failed: %v", err)
	}
	clone, err := m.clone()
	if err != nil {
		t.Fatalf("clone failed: %v", err)
	}
	if !m.Equal(clone) {
		t.Fatal("clone differs from original")
	}

	m.Zero()
	if m.Valid() {
		t.Error("zeroed material still valid")
	}
	if _, err := m.Spec(); !errors.Is(err, ErrCipherParamsInvalid) {
		t.Errorf("Spec after Zero: error = %v, want ErrCipherParamsInvalid", err)
	}
	if err := m.withKeys(func(_, _ []byte) error { return nil }); !errors.Is(err, ErrCipherParamsInvalid) {
		t.Errorf("withKeys after Zero: error = %v, want ErrCipherParamsInvalid", err)
	}
	if !clone.Valid() {
		t.Error("zeroing the original invalidated the clone")
	}

	// Zero is idempotent and nil-safe.
	m.Zero()
	var nilMaterial *CipherMaterial
	nilMaterial.Zero()
}

func TestGenerateCipherMaterial(t *testing.T) {
	if _, err := GenerateCipherMaterial(20); !errors.Is(err, ErrCipherParamsInvalid) {
		t.Errorf("GenerateCipherMaterial(20) error = %v, want ErrCipherParamsInvalid", err)
	}

	a, err := GenerateCipherMaterial(16)
	if err != nil {
		t.Fatalf("GenerateCipherMaterial failed: %v", err)
	}
	b, err := GenerateCipherMaterial(16)
	if err != nil {
		t.Fatalf("GenerateCipherMaterial failed: %v", err)
	}
	if a.Equal(b) {
		t.Error("two generated materials are equal")
	}
}

func TestDeriveIntegrityKey(t *testing.T) {
	key, spec := testKeyIV()

	k1, err := deriveIntegrityKey(key, spec.IV)
	if err != nil {
		t.Fatalf("deriveIntegrityKey failed: %v", err)
	}
	k2, _ := deriveIntegrityKey(key, spec.IV)
	if !bytes.Equal(k1, k2) {
		t.Error("derivation is not deterministic")
	}
	if len(k1) != 32 {
		t.Errorf("derived key length = %d, want 32", len(k1))
	}

	otherIV := append([]byte(nil), spec.IV...)
	otherIV[0]++
	k3, _ := deriveIntegrityKey(key, otherIV)
	if bytes.Equal(k1, k3) {
		t.Error("different IVs derived the same integrity key")
	}
	if bytes.Equal(k1, key) {
		t.Error("integrity key equals content key")
	}
}

func TestHashEngines(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)

	for _, alg := range []IntegrityAlgorithm{IntegrityHMACSHA256, IntegrityBLAKE3} {
		t.Run(string(alg), func(t *testing.T) {
			engine, err := hashEngineFor(alg)
			if err != nil {
				t.Fatalf("hashEngineFor failed: %v", err)
			}

			tag := func(parts ...[]byte) []byte {
				ctx, err := engine.Init(key)
				if err != nil {
					t.Fatalf("Init failed: %v", err)
				}
				defer ctx.Free()
				for _, p := range parts {
					if err := ctx.Update(p); err != nil {
						t.Fatalf("Update failed: %v", err)
					}
				}
				out, err := ctx.Final()
				if err != nil {
					t.Fatalf("Final failed: %v", err)
				}
				return out
			}

			whole := tag([]byte("hello world"))
			split := tag([]byte("hello "), []byte("world"))
			if !bytes.Equal(whole, split) {
				t.Error("incremental tag differs from one-shot tag")
			}
			if len(whole) != engine.Size() {
				t.Errorf("tag length = %d, want %d", len(whole), engine.Size())
			}

			ctx, _ := engine.Init(key)
			ctx.Free()
			ctx.Free()
			if err := ctx.Update([]byte("x")); err == nil {
				t.Error("Update after Free succeeded")
			}
		})
	}

	if _, err := hashEngineFor("md5"); !errors.Is(err, ErrValueInvalid) {
		t.Errorf("unknown algorithm: error = %v, want ErrValueInvalid", err)
	}
	if _, err := (BLAKE3Engine{}).Init(key[:16]); !errors.Is(err, ErrCipherParamsInvalid) {
		t.Errorf("short BLAKE3 key: error = %v, want ErrCipherParamsInvalid", err)
	}
}
