package dlpfs

import (
	"fmt"
	"io"
	"sync"

	"github.com/absfs/absfs"
)

// physicalFile serializes positioned transfers on a shared handle.
// Each transfer is a Seek followed by Read or Write under one lock.
type physicalFile struct {
	mu sync.Mutex
	f  absfs.File
}

func newPhysicalFile(f absfs.File) *physicalFile {
	return &physicalFile{f: f}
}

func (p *physicalFile) name() string {
	return p.f.Name()
}

// readFull fills buf from off or fails
func (p *physicalFile) readFull(buf []byte, off int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.f.Seek(off, io.SeekStart); err != nil {
		return NewIOError("seek", p.f.Name(), off, err)
	}
	if _, err := io.ReadFull(p.f, buf); err != nil {
		return NewIOError("read", p.f.Name(), off, err)
	}
	return nil
}

// ReadAt implements io.ReaderAt for archive readers
func (p *physicalFile) ReadAt(buf []byte, off int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := io.ReadFull(p.f, buf)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return n, err
}

func (p *physicalFile) writeAt(buf []byte, off int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.f.Seek(off, io.SeekStart); err != nil {
		return NewIOError("seek", p.f.Name(), off, err)
	}
	n, err := p.f.Write(buf)
	if err != nil {
		return NewIOError("write", p.f.Name(), off, err)
	}
	if n != len(buf) {
		return NewIOError("write", p.f.Name(), off, io.ErrShortWrite)
	}
	return nil
}

func (p *physicalFile) size() (int64, error) {
	info, err := p.f.Stat()
	if err != nil {
		return 0, NewIOError("stat", p.f.Name(), -1, err)
	}
	return info.Size(), nil
}

func (p *physicalFile) truncate(size int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.f.Truncate(size); err != nil {
		return NewIOError("truncate", p.f.Name(), size, err)
	}
	return nil
}

func (p *physicalFile) sync() error {
	if err := p.f.Sync(); err != nil {
		return NewIOError("sync", p.f.Name(), -1, err)
	}
	return nil
}

func (p *physicalFile) close() error {
	if err := p.f.Close(); err != nil {
		return NewIOError("close", p.f.Name(), -1, err)
	}
	return nil
}

// offsetWriter turns positioned writes into a sequential io.Writer
type offsetWriter struct {
	p   *physicalFile
	off int64
}

func (w *offsetWriter) Write(b []byte) (int, error) {
	if err := w.p.writeAt(b, w.off); err != nil {
		return 0, err
	}
	w.off += int64(len(b))
	return len(b), nil
}

// streamChunk is the plaintext size processed per step when streaming
// whole ranges (hole fill, protect, remove protection, tagging)
func (c *containerBase) streamChunk() int {
	n := c.cfg.SegmentSize * max(c.cfg.ParallelWorkers, 1)
	return min(max(n, DefaultSegmentSize), 4*DefaultMaxTransferSize)
}

// readPlain decrypts [offset, offset+length) clamped to size. Reads that
// start inside a block decrypt from the block boundary.
func (c *containerBase) readPlain(offset uint64, length uint64, size uint64) ([]byte, error) {
	if offset >= size {
		return []byte{}, nil
	}
	end := min(offset+length, size)
	start := alignDown(offset)

	ciphertext := make([]byte, end-start)
	if err := c.data.readFull(ciphertext, int64(c.dataBase+start)); err != nil {
		return nil, err
	}
	plaintext, err := c.crypter.cryptSegments(start, ciphertext, false)
	if err != nil {
		return nil, err
	}
	return plaintext[offset-start:], nil
}

// writePlain stores data at offset. The covering blocks are decrypted,
// merged with data and re-encrypted so neighbouring bytes keep their
// value. offset must not exceed size.
func (c *containerBase) writePlain(offset uint64, data []byte, size uint64) error {
	start := alignDown(offset)
	end := offset + uint64(len(data))
	coverEnd := max(end, min(alignUp(end), size))

	buf := make([]byte, coverEnd-start)
	defer clear(buf)

	if existing := min(coverEnd, size); existing > start {
		ciphertext := make([]byte, existing-start)
		if err := c.data.readFull(ciphertext, int64(c.dataBase+start)); err != nil {
			return err
		}
		plaintext, err := c.crypter.cryptSegments(start, ciphertext, false)
		if err != nil {
			return err
		}
		copy(buf, plaintext)
		clear(plaintext)
	}
	copy(buf[offset-start:], data)

	ciphertext, err := c.crypter.cryptSegments(start, buf, true)
	if err != nil {
		return err
	}
	return c.data.writeAt(ciphertext, int64(c.dataBase+start))
}

// fillHole writes encrypted zeros over [from, to). Content before from
// in the same block is preserved.
func (c *containerBase) fillHole(from, to uint64) error {
	if to <= from {
		return nil
	}
	chunk := uint64(c.streamChunk())
	zeros := make([]byte, chunk)

	for off := from; off < to; off += chunk {
		n := min(chunk, to-off)
		if err := c.writePlain(off, zeros[:n], off); err != nil {
			return fmt.Errorf("failed to fill hole at %d: %w", off, err)
		}
	}
	return nil
}

// encryptFrom encrypts src into the content area starting at offset 0
// and returns the number of plaintext bytes written
func (c *containerBase) encryptFrom(src io.Reader) (uint64, error) {
	buf := make([]byte, c.streamChunk())
	defer clear(buf)

	var written uint64
	for {
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if written+uint64(n) >= MaxContentSize {
				return written, NewValidationError("content", written+uint64(n), "content too large")
			}
			ciphertext, cryptErr := c.crypter.cryptSegments(written, buf[:n], true)
			if cryptErr != nil {
				return written, cryptErr
			}
			if wErr := c.data.writeAt(ciphertext, int64(c.dataBase+written)); wErr != nil {
				return written, wErr
			}
			written += uint64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return written, nil
		}
		if err != nil {
			return written, NewIOError("read", "source", int64(written), err)
		}
	}
}

// decryptTo streams the first size bytes of plaintext into w
func (c *containerBase) decryptTo(w io.Writer, size uint64) error {
	chunk := uint64(c.streamChunk())
	for off := uint64(0); off < size; off += chunk {
		n := min(chunk, size-off)
		plaintext, err := c.readPlain(off, n, size)
		if err != nil {
			return err
		}
		_, err = w.Write(plaintext)
		clear(plaintext)
		if err != nil {
			return NewIOError("write", "output", int64(off), err)
		}
	}
	return nil
}

// computeTag hashes the first size bytes of ciphertext with the integrity key
func (c *containerBase) computeTag(size uint64) ([]byte, error) {
	var tag []byte
	err := c.material.withKeys(func(_, hmacKey []byte) error {
		ctx, err := c.hasher.Init(hmacKey)
		if err != nil {
			return err
		}
		defer ctx.Free()

		chunk := uint64(c.streamChunk())
		buf := make([]byte, chunk)
		for off := uint64(0); off < size; off += chunk {
			n := min(chunk, size-off)
			if err := c.data.readFull(buf[:n], int64(c.dataBase+off)); err != nil {
				return err
			}
			if err := ctx.Update(buf[:n]); err != nil {
				return fmt.Errorf("failed to hash content: %w", err)
			}
		}
		tag, err = ctx.Final()
		return err
	})
	return tag, err
}
