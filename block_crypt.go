package dlpfs

// Content is encrypted as one AES-CTR keystream that starts at the
// container IV. The counter block for byte offset N is IV + N/BlockSize
// (128-bit big-endian addition), so any block-aligned range can be
// processed on its own and produce the same bytes as a single pass.

// CryptRange encrypts or decrypts data located at a block-aligned content
// offset. The caller's spec is never modified.
func CryptRange(engine CipherEngine, key []byte, spec *UsageSpec, offset uint64, data []byte, encrypt bool) ([]byte, error) {
	if engine == nil {
		return nil, NewValidationError("engine", nil, "cipher engine cannot be nil")
	}
	if len(data) == 0 {
		return nil, NewValidationError("data", 0, "range cannot be empty")
	}
	if offset%BlockSize != 0 {
		return nil, NewValidationError("offset", offset, "offset must be block aligned")
	}

	counter, err := spec.Duplicate()
	if err != nil {
		return nil, err
	}
	advanceCounter(counter.IV, offset/BlockSize)
	defer clear(counter.IV)

	op := "decrypt"
	if encrypt {
		op = "encrypt"
	}

	ctx, err := engine.Init(key, counter, encrypt)
	if err != nil {
		return nil, NewEncryptionError(op, offset, err)
	}
	defer ctx.Free()

	out, err := ctx.Update(data)
	if err != nil {
		return nil, NewEncryptionError(op, offset, err)
	}
	tail, err := ctx.Final(nil)
	if err != nil {
		return nil, NewEncryptionError(op, offset, err)
	}
	out = append(out, tail...)

	if len(out) != len(data) {
		return nil, &EncryptionError{
			Operation: op,
			Offset:    offset,
			Message:   "engine output length does not match input",
		}
	}
	return out, nil
}

// advanceCounter adds blocks to the big-endian counter block in place
func advanceCounter(iv []byte, blocks uint64) {
	carry := blocks
	for i := len(iv) - 1; i >= 0 && carry != 0; i-- {
		sum := uint64(iv[i]) + carry&0xff
		iv[i] = byte(sum)
		carry = carry>>8 + sum>>8
	}
}

func alignDown(offset uint64) uint64 {
	return offset - offset%BlockSize
}

func alignUp(offset uint64) uint64 {
	if r := offset % BlockSize; r != 0 {
		return offset + BlockSize - r
	}
	return offset
}

// blockCrypter binds a cipher engine to a container's cipher material
type blockCrypter struct {
	engine      CipherEngine
	material    *CipherMaterial
	segmentSize int
	workers     int
}

func newBlockCrypter(engine CipherEngine, material *CipherMaterial, cfg *Config) *blockCrypter {
	return &blockCrypter{
		engine:      engine,
		material:    material,
		segmentSize: cfg.SegmentSize,
		workers:     cfg.ParallelWorkers,
	}
}

// crypt runs CryptRange with the bound key and a private copy of the spec
func (b *blockCrypter) crypt(offset uint64, data []byte, encrypt bool) ([]byte, error) {
	spec, err := b.material.Spec()
	if err != nil {
		return nil, err
	}
	defer clear(spec.IV)

	var out []byte
	err = b.material.withKeys(func(key, _ []byte) error {
		var cryptErr error
		out, cryptErr = CryptRange(b.engine, key, spec, offset, data, encrypt)
		return cryptErr
	})
	return out, err
}
