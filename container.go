package dlpfs

import (
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/absfs/absfs"
)

// Container is the logical contract shared by the flat and archive encodings
type Container interface {
	// Open parses and validates an existing container
	Open() error

	// Protect writes a new container holding the plaintext read from src
	Protect(src io.Reader) error

	SetPolicy(policy Policy) error
	SetCipher(material *CipherMaterial) error
	SetEncryptCert(cert []byte) error
	SetContactAccount(account string) error
	SetOfflineCert(cert []byte) error

	// Read returns up to length bytes of plaintext at offset on behalf of uid
	Read(offset uint64, length uint32, uid uint32) ([]byte, error)
	Write(offset uint64, data []byte) (int, error)
	Truncate(size uint64) error

	// RemoveProtection writes the full plaintext to w
	RemoveProtection(w io.Writer) error
	VerifyIntegrity() error

	// ContentSize returns the plaintext size, or false when unknown
	ContentSize() (uint64, bool)
	Access() FileAccess
	State() State

	// MarkLinked records whether a LinkFile currently exposes the container
	MarkLinked(linked bool)
	// Unlink makes every later content operation fail with ErrLinkingStopped
	Unlink()

	Sync() error
	Close() error
}

// layoutStore is implemented by each encoding to persist layout changes.
// Hooks are called with the container lock held.
type layoutStore interface {
	contentSize() (uint64, bool)
	commitSize(size uint64) error
	storeTag(tag []byte) error
	flush() error
	release() error
}

// containerBase holds the state and content operations common to both encodings
type containerBase struct {
	mu     sync.RWMutex
	cfg    *Config
	logger *slog.Logger
	store  layoutStore

	state  State
	linked bool
	policy Policy

	engine   CipherEngine
	hasher   HashEngine
	material *CipherMaterial
	crypter  *blockCrypter

	// data holds ciphertext starting at dataBase
	data     *physicalFile
	dataBase uint64

	cert        []byte
	contact     []byte
	offlineCert []byte
	tag         []byte

	// dirty means content changed and the tag must be recomputed;
	// metaDirty means only metadata changed and the layout must be rewritten
	dirty     bool
	metaDirty bool
}

func newContainerBase(cfg *Config) (containerBase, error) {
	resolved, err := resolveConfig(cfg)
	if err != nil {
		return containerBase{}, err
	}
	hasher, err := hashEngineFor(resolved.Integrity)
	if err != nil {
		return containerBase{}, err
	}
	return containerBase{
		cfg:    resolved,
		logger: resolved.Logger,
		engine: NewAESCTREngine(),
		hasher: hasher,
	}, nil
}

// SetPolicy applies the access grant issued upstream
func (c *containerBase) SetPolicy(policy Policy) error {
	if policy.Access < AccessReadOnly || policy.Access > AccessFullControl {
		return NewValidationError("access", policy.Access, "unknown access grant")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = policy
	return nil
}

// SetCipher installs a private copy of material, zeroing any previous one
func (c *containerBase) SetCipher(material *CipherMaterial) error {
	if material == nil {
		return newCipherParamsError("material", nil, "cipher material cannot be nil")
	}
	owned, err := material.clone()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state >= StateUnlinked {
		owned.Zero()
		return fmt.Errorf("cannot bind cipher in state %s: %w", c.state, ErrNotReady)
	}
	if c.material != nil {
		c.material.Zero()
	}
	c.material = owned
	c.crypter = newBlockCrypter(c.engine, owned, c.cfg)
	c.promote()
	return nil
}

// promote moves a parsed container with bound cipher material to Ready
func (c *containerBase) promote() {
	if c.state == StateParsed && c.material != nil {
		c.state = StateReady
	}
}

// Access returns the grant bound by SetPolicy
func (c *containerBase) Access() FileAccess {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy.Access
}

// State returns the lifecycle state
func (c *containerBase) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// MarkLinked records whether a LinkFile exposes the container. A linked
// container cannot be opened again.
func (c *containerBase) MarkLinked(linked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.linked = linked
}

// Unlink stops content operations; a closed container stays closed
func (c *containerBase) Unlink() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosed {
		c.state = StateUnlinked
	}
}

// ContentSize returns the plaintext size once the container is parsed
func (c *containerBase) ContentSize() (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == StateUnbound || c.state == StateClosed {
		return 0, false
	}
	return c.store.contentSize()
}

// checkIO verifies the container can serve a content operation
func (c *containerBase) checkIO(write bool) error {
	switch c.state {
	case StateUnlinked:
		return ErrLinkingStopped
	case StateReady:
	default:
		return fmt.Errorf("container is %s: %w", c.state, ErrNotReady)
	}
	if write && !c.policy.Access.Writable() {
		return ErrReadOnlyDenied
	}
	return nil
}

// checkMetadataGrant rejects header and metadata edits on an opened
// container bound to a read-only grant
func (c *containerBase) checkMetadataGrant() error {
	if c.policy.Access != AccessNone && !c.policy.Access.Writable() {
		return ErrReadOnlyDenied
	}
	return nil
}

// checkTransfer applies the per-call bounds shared by Read and Write
func (c *containerBase) checkTransfer(offset, length uint64) error {
	if length == 0 {
		return NewValidationError("length", 0, "length cannot be zero")
	}
	if length > uint64(c.cfg.MaxTransferSize) {
		return NewValidationError("length", length,
			fmt.Sprintf("exceeds transfer limit %d", c.cfg.MaxTransferSize))
	}
	if offset > MaxContentSize || length > MaxContentSize-offset {
		return NewValidationError("offset", offset, "range exceeds maximum content size")
	}
	return nil
}

func validateSectionBuffer(field string, b []byte, optional bool) error {
	if len(b) == 0 && !optional {
		return NewValidationError(field, 0, "cannot be empty")
	}
	if len(b) > MaxCertSize {
		return NewValidationError(field, len(b), fmt.Sprintf("exceeds %d bytes", MaxCertSize))
	}
	return nil
}

// replaceBuffer zeroes old and returns an owned copy of b
func replaceBuffer(old, b []byte) []byte {
	clear(old)
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// checkProtect verifies everything a new container needs is bound
func (c *containerBase) checkProtect() error {
	if c.state != StateUnbound {
		return fmt.Errorf("container already %s: %w", c.state, ErrValueInvalid)
	}
	if c.material == nil {
		return newCipherParamsError("material", nil, "no cipher material bound")
	}
	if len(c.cert) == 0 {
		return NewValidationError("cert", 0, "no encryption certificate set")
	}
	if len(c.contact) == 0 {
		return NewValidationError("contact_account", 0, "no contact account set")
	}
	return nil
}

// Read decrypts and returns content bytes
func (c *containerBase) Read(offset uint64, length uint32, uid uint32) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.checkIO(false); err != nil {
		return nil, err
	}
	if err := c.checkTransfer(offset, uint64(length)); err != nil {
		return nil, err
	}
	size, ok := c.store.contentSize()
	if !ok {
		return nil, newFormatError(ErrFormatInvalid, "content", "content size unknown")
	}

	c.logger.Debug("container read", "offset", offset, "length", length, "uid", uid)
	return c.readPlain(offset, uint64(length), size)
}

// Write encrypts data at offset, filling any gap past the end with zeros
func (c *containerBase) Write(offset uint64, data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkIO(true); err != nil {
		return 0, err
	}
	if err := c.checkTransfer(offset, uint64(len(data))); err != nil {
		return 0, err
	}
	end := offset + uint64(len(data))
	if end >= MaxContentSize {
		return 0, NewValidationError("offset", offset, "range exceeds maximum content size")
	}
	size, ok := c.store.contentSize()
	if !ok {
		return 0, newFormatError(ErrFormatInvalid, "content", "content size unknown")
	}

	// From here on the trailer or tag may no longer match the content.
	c.dirty = true

	if offset > size {
		if err := c.fillHole(size, offset); err != nil {
			return 0, err
		}
	}
	if err := c.writePlain(offset, data, max(size, offset)); err != nil {
		return 0, err
	}
	if end > size {
		if err := c.store.commitSize(end); err != nil {
			return 0, err
		}
	}
	return len(data), nil
}

// Truncate changes the content size. Growth reads back as zeros.
func (c *containerBase) Truncate(size uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkIO(true); err != nil {
		return err
	}
	if size >= MaxContentSize {
		return NewValidationError("size", size, "exceeds maximum content size")
	}
	current, ok := c.store.contentSize()
	if !ok {
		return newFormatError(ErrFormatInvalid, "content", "content size unknown")
	}
	if size == current {
		return nil
	}

	c.dirty = true
	if size > current {
		if err := c.fillHole(current, size); err != nil {
			return err
		}
	}
	return c.store.commitSize(size)
}

// RemoveProtection verifies the integrity tag and streams the plaintext to w
func (c *containerBase) RemoveProtection(w io.Writer) error {
	if w == nil {
		return NewValidationError("writer", nil, "output cannot be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkIO(false); err != nil {
		return err
	}
	if c.policy.Access != AccessFullControl {
		return fmt.Errorf("remove protection requires %s: %w", AccessFullControl, ErrPermissionDenied)
	}
	if c.dirty {
		if err := c.syncLocked(); err != nil {
			return err
		}
	}
	if err := c.verifyLocked(); err != nil {
		return err
	}

	size, ok := c.store.contentSize()
	if !ok {
		return newFormatError(ErrFormatInvalid, "content", "content size unknown")
	}
	return c.decryptTo(w, size)
}

// VerifyIntegrity recomputes the tag over the stored ciphertext and
// compares it with the recorded one. Containers without a tag pass.
func (c *containerBase) VerifyIntegrity() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.checkIO(false); err != nil {
		return err
	}
	if c.dirty {
		return nil
	}
	return c.verifyLocked()
}

func (c *containerBase) verifyLocked() error {
	if len(c.tag) == 0 {
		return nil
	}
	size, ok := c.store.contentSize()
	if !ok {
		return newFormatError(ErrFormatInvalid, "content", "content size unknown")
	}
	tag, err := c.computeTag(size)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(tag, c.tag) != 1 {
		return NewCorruptionError(c.data.name(), "content does not match integrity tag")
	}
	return nil
}

// Sync recomputes a stale integrity tag and flushes the container
func (c *containerBase) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady {
		return fmt.Errorf("container is %s: %w", c.state, ErrNotReady)
	}
	return c.syncLocked()
}

func (c *containerBase) syncLocked() error {
	if c.dirty {
		size, ok := c.store.contentSize()
		if !ok {
			return newFormatError(ErrFormatInvalid, "content", "content size unknown")
		}
		tag, err := c.computeTag(size)
		if err != nil {
			return err
		}
		if err := c.store.storeTag(tag); err != nil {
			return err
		}
	}
	if err := c.store.flush(); err != nil {
		return err
	}
	c.dirty = false
	c.metaDirty = false
	return nil
}

// Close flushes pending changes, zeroes cipher material and releases handles
func (c *containerBase) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return nil
	}

	var firstErr error
	opened := c.state == StateParsed || c.state == StateReady || c.state == StateUnlinked
	var err error
	switch {
	case c.dirty && c.material != nil && opened:
		err = c.syncLocked()
	case c.metaDirty && opened:
		// The stored tag still covers the unchanged content.
		if err = c.store.flush(); err == nil {
			c.metaDirty = false
		}
	}
	if err != nil {
		c.logger.Error("failed to flush container on close", "error", err)
		firstErr = err
	}
	if err := c.store.release(); err != nil && firstErr == nil {
		firstErr = err
	}

	if c.material != nil {
		c.material.Zero()
	}
	c.cert = replaceBuffer(c.cert, nil)
	c.contact = replaceBuffer(c.contact, nil)
	c.offlineCert = replaceBuffer(c.offlineCert, nil)
	c.tag = nil
	c.state = StateClosed
	return firstErr
}

// OpenContainer detects the format of f, builds the matching encoding and opens it
func OpenContainer(f absfs.File, work WorkFS, cfg *Config) (Container, error) {
	var c Container
	var err error
	if IsArchive(f) {
		c, err = NewArchiveContainer(f, work, cfg)
	} else {
		c, err = NewFlatContainer(f, cfg)
	}
	if err != nil {
		return nil, err
	}
	if err := c.Open(); err != nil {
		return nil, err
	}
	return c, nil
}
