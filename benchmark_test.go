package dlpfs

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

var benchSizes = []int{
	1024,             // 1 KB
	64 * 1024,        // 64 KB
	1024 * 1024,      // 1 MB
	10 * 1024 * 1024, // 10 MB
}

// Benchmark AES-CTR throughput for a single range
func BenchmarkCryptRange(b *testing.B) {
	for _, size := range benchSizes {
		b.Run(formatSize(size), func(b *testing.B) {
			key, spec := testKeyIV()
			data := make([]byte, size)
			rand.Read(data)
			engine := NewAESCTREngine()

			b.SetBytes(int64(size))
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				if _, err := CryptRange(engine, key, spec, 0, data, true); err != nil {
					b.Fatalf("CryptRange failed: %v", err)
				}
			}
		})
	}
}

// Benchmark integrity tags over 1MB of ciphertext
func BenchmarkIntegrityTag(b *testing.B) {
	for _, alg := range []IntegrityAlgorithm{IntegrityHMACSHA256, IntegrityBLAKE3} {
		b.Run(string(alg), func(b *testing.B) {
			engine, err := hashEngineFor(alg)
			if err != nil {
				b.Fatalf("hashEngineFor failed: %v", err)
			}
			key := make([]byte, 32)
			rand.Read(key)
			data := make([]byte, 1024*1024)
			rand.Read(data)

			b.SetBytes(int64(len(data)))
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				ctx, err := engine.Init(key)
				if err != nil {
					b.Fatalf("Init failed: %v", err)
				}
				ctx.Update(data)
				if _, err := ctx.Final(); err != nil {
					b.Fatalf("Final failed: %v", err)
				}
				ctx.Free()
			}
		})
	}
}

func BenchmarkParallelWorkers(b *testing.B) {
	size := 10 * 1024 * 1024

	for _, workers := range []int{1, 2, 4, 8, 16} {
		b.Run(fmt.Sprintf("%dworkers", workers), func(b *testing.B) {
			m, err := GenerateCipherMaterial(32)
			if err != nil {
				b.Fatalf("GenerateCipherMaterial failed: %v", err)
			}
			defer m.Zero()

			cfg := DefaultConfig()
			cfg.ParallelWorkers = workers
			crypter := newBlockCrypter(NewAESCTREngine(), m, cfg)

			data := make([]byte, size)
			rand.Read(data)

			b.SetBytes(int64(size))
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				if _, err := crypter.cryptSegments(0, data, true); err != nil {
					b.Fatalf("cryptSegments failed: %v", err)
				}
			}
		})
	}
}

// Benchmark Protect of a whole document into a flat container
func BenchmarkFlatContainer_Protect(b *testing.B) {
	for _, size := range benchSizes {
		b.Run(formatSize(size), func(b *testing.B) {
			dir := b.TempDir()
			m, err := GenerateCipherMaterial(32)
			if err != nil {
				b.Fatalf("GenerateCipherMaterial failed: %v", err)
			}
			defer m.Zero()

			data := make([]byte, size)
			rand.Read(data)

			b.SetBytes(int64(size))
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				c := benchFlat(b, filepath.Join(dir, "bench.dlp"), m, data)
				c.Close()
			}
		})
	}
}

// Benchmark random 4KB reads through the block-aligned read path
func BenchmarkFlatContainer_Read(b *testing.B) {
	size := 10 * 1024 * 1024
	m, err := GenerateCipherMaterial(32)
	if err != nil {
		b.Fatalf("GenerateCipherMaterial failed: %v", err)
	}
	defer m.Zero()

	data := make([]byte, size)
	rand.Read(data)
	c := benchFlat(b, filepath.Join(b.TempDir(), "bench.dlp"), m, data)
	defer c.Close()

	b.SetBytes(4096)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		offset := uint64((i * 7919 * 13) % (size - 4096))
		if _, err := c.Read(offset, 4096, 0); err != nil {
			b.Fatalf("Read failed: %v", err)
		}
	}
}

// Benchmark unaligned 4KB overwrites
func BenchmarkFlatContainer_Write(b *testing.B) {
	size := 10 * 1024 * 1024
	m, err := GenerateCipherMaterial(32)
	if err != nil {
		b.Fatalf("GenerateCipherMaterial failed: %v", err)
	}
	defer m.Zero()

	c := benchFlat(b, filepath.Join(b.TempDir(), "bench.dlp"), m, make([]byte, size))
	defer c.Close()

	chunk := bytes.Repeat([]byte{0x5A}, 4096)
	b.SetBytes(int64(len(chunk)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		offset := uint64((i*7919*13)%(size-4096)) | 3
		if _, err := c.Write(offset, chunk); err != nil {
			b.Fatalf("Write failed: %v", err)
		}
	}
}

func benchFlat(b *testing.B, path string, m *CipherMaterial, data []byte) *FlatContainer {
	b.Helper()

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		b.Fatalf("failed to create file: %v", err)
	}
	c, err := NewFlatContainer(f, nil)
	if err != nil {
		b.Fatalf("NewFlatContainer failed: %v", err)
	}
	c.SetCipher(m)
	c.SetEncryptCert(testCert)
	c.SetContactAccount(testContact)
	c.SetPolicy(fullControl)
	if err := c.Protect(bytes.NewReader(data)); err != nil {
		b.Fatalf("Protect failed: %v", err)
	}
	return c
}

func formatSize(size int) string {
	if size < 1024 {
		return fmt.Sprintf("%dB", size)
	}
	if size < 1024*1024 {
		return fmt.Sprintf("%dKB", size/1024)
	}
	return fmt.Sprintf("%dMB", size/(1024*1024))
}
