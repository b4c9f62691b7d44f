package dlpfs

import (
	"fmt"
	"io"

	"github.com/absfs/absfs"
)

// FlatContainer stores a document in a single file
//
// File Layout:
// ┌─────────────────────────────────────┐
// │ Header (60 bytes)                   │ <- magic, version, section table
// ├─────────────────────────────────────┤
// │ Certificate                         │ <- encrypted policy blob
// ├─────────────────────────────────────┤
// │ Contact Account                     │
// ├─────────────────────────────────────┤
// │ Ciphertext                          │ <- AES-CTR, counter = IV + block index
// ├─────────────────────────────────────┤
// │ Integrity Tag (optional)            │ <- keyed hash over ciphertext
// ├─────────────────────────────────────┤
// │ Offline Certificate (optional)      │
// └─────────────────────────────────────┘
//
// The tag and offline certificate trail the content, so they move whenever
// the content size changes. The header is always written last.
type FlatContainer struct {
	containerBase
	file   *physicalFile
	header *Header
}

var _ Container = (*FlatContainer)(nil)

// NewFlatContainer binds a flat container to an open read/write handle
func NewFlatContainer(f absfs.File, cfg *Config) (*FlatContainer, error) {
	if f == nil {
		return nil, NewIOError("open", "", -1, ErrFdError)
	}
	base, err := newContainerBase(cfg)
	if err != nil {
		return nil, err
	}

	c := &FlatContainer{containerBase: base, file: newPhysicalFile(f)}
	c.store = c
	c.data = c.file
	return c, nil
}

// Open parses the header and reads every non-content section
func (c *FlatContainer) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.linked {
		return ErrFileLinking
	}
	if c.state != StateUnbound {
		return fmt.Errorf("container already %s: %w", c.state, ErrValueInvalid)
	}

	size, err := c.file.size()
	if err != nil {
		return err
	}
	if size < HeaderSize {
		return newFormatError(ErrFormatTooShort, "header",
			fmt.Sprintf("container is %d bytes, need %d", size, HeaderSize))
	}

	raw := make([]byte, HeaderSize)
	if err := c.file.readFull(raw, 0); err != nil {
		return err
	}
	header, err := ParseHeader(raw, size)
	if err != nil {
		return err
	}

	cert, err := c.readSection(header.Cert)
	if err != nil {
		return err
	}
	contact, err := c.readSection(header.ContactAccount)
	if err != nil {
		return err
	}
	tag, err := c.readSection(header.HMAC)
	if err != nil {
		return err
	}
	offline, err := c.readSection(header.OfflineCert)
	if err != nil {
		return err
	}

	c.header = header
	c.dataBase = uint64(header.Content.Offset())
	c.cert = replaceBuffer(c.cert, cert)
	c.contact = replaceBuffer(c.contact, contact)
	c.tag = tag
	c.offlineCert = replaceBuffer(c.offlineCert, offline)
	c.policy.AllowOffline = header.OfflineAccess != 0
	c.state = StateParsed
	c.promote()

	c.logger.Debug("flat container opened",
		"name", c.file.name(),
		"content_size", header.Content.Size(),
		"version", header.Version,
	)
	return nil
}

func (c *FlatContainer) readSection(s Section) ([]byte, error) {
	if s.Empty() {
		return nil, nil
	}
	buf := make([]byte, s.Size())
	if err := c.file.readFull(buf, int64(s.Offset())); err != nil {
		return nil, err
	}
	return buf, nil
}

// Protect writes a complete container from plaintext
func (c *FlatContainer) Protect(src io.Reader) error {
	if src == nil {
		return NewValidationError("source", nil, "source cannot be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkProtect(); err != nil {
		return err
	}

	header := newLayoutHeader(uint32(len(c.cert)), uint32(len(c.contact)), 0, 0, uint32(len(c.offlineCert)))
	if c.policy.AllowOffline {
		header.OfflineAccess = 1
	}
	// A zeroed header keeps the file from parsing until commit succeeds.
	if err := c.file.writeAt(make([]byte, HeaderSize), 0); err != nil {
		return err
	}
	if err := c.file.writeAt(c.cert, int64(header.Cert.Offset())); err != nil {
		return err
	}
	if err := c.file.writeAt(c.contact, int64(header.ContactAccount.Offset())); err != nil {
		return err
	}

	c.dataBase = uint64(header.Content.Offset())
	written, err := c.encryptFrom(src)
	if err != nil {
		return err
	}
	header.Content = NewSection(header.Content.Offset(), uint32(written))

	tag, err := c.computeTag(written)
	if err != nil {
		return err
	}
	header.HMAC = NewSection(0, uint32(len(tag)))

	old := c.tag
	c.tag = tag
	if err := c.commit(header); err != nil {
		c.tag = old
		return err
	}

	if size, err := c.file.size(); err == nil && uint64(size) > header.End() {
		if err := c.file.truncate(int64(header.End())); err != nil {
			return err
		}
	}

	c.dirty = false
	c.state = StateParsed
	c.promote()
	c.logger.Info("container protected", "name", c.file.name(), "content_size", written)
	return nil
}

// commit lays out next, writes the trailer behind the content and then
// the header. c.header changes only when both writes succeed.
func (c *FlatContainer) commit(next *Header) error {
	next.layout()

	trailer := make([]byte, 0, len(c.tag)+len(c.offlineCert))
	trailer = append(trailer, c.tag...)
	trailer = append(trailer, c.offlineCert...)
	if len(trailer) > 0 {
		if err := c.file.writeAt(trailer, int64(next.trailerStart())); err != nil {
			return err
		}
	}

	raw, err := next.MarshalBinary()
	if err != nil {
		return err
	}
	if err := c.file.writeAt(raw, 0); err != nil {
		return err
	}
	c.header = next
	return nil
}

func (c *FlatContainer) contentSize() (uint64, bool) {
	return c.header.ContentSize()
}

func (c *FlatContainer) commitSize(size uint64) error {
	next := *c.header
	next.Content = NewSection(next.Content.Offset(), uint32(size))
	return c.commit(&next)
}

func (c *FlatContainer) storeTag(tag []byte) error {
	old := c.tag
	c.tag = tag
	next := *c.header
	next.HMAC = NewSection(0, uint32(len(tag)))
	if err := c.commit(&next); err != nil {
		c.tag = old
		return err
	}
	return nil
}

func (c *FlatContainer) flush() error {
	return c.file.sync()
}

func (c *FlatContainer) release() error {
	return c.file.close()
}

// Header returns a copy of the parsed header
func (c *FlatContainer) Header() (Header, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.header == nil {
		return Header{}, false
	}
	return *c.header, true
}

// SetEncryptCert replaces the certificate. On an opened container the
// content is moved to its new offset and the header is rewritten.
func (c *FlatContainer) SetEncryptCert(cert []byte) error {
	if err := validateSectionBuffer("cert", cert, false); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replaceLeading(cert, c.contact)
}

// SetContactAccount replaces the contact account, relocating content on
// an opened container
func (c *FlatContainer) SetContactAccount(account string) error {
	if err := validateSectionBuffer("contact_account", []byte(account), false); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replaceLeading(c.cert, []byte(account))
}

// SetOfflineCert sets or, with an empty cert, removes the offline certificate
func (c *FlatContainer) SetOfflineCert(cert []byte) error {
	if err := validateSectionBuffer("offline_cert", cert, true); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateUnbound {
		c.offlineCert = replaceBuffer(c.offlineCert, cert)
		return nil
	}
	if err := c.checkMutable(); err != nil {
		return err
	}

	old := c.offlineCert
	c.offlineCert = replaceBuffer(nil, cert)
	next := *c.header
	next.OfflineCert = NewSection(0, uint32(len(cert)))
	if err := c.commit(&next); err != nil {
		clear(c.offlineCert)
		c.offlineCert = old
		return err
	}
	clear(old)
	return nil
}

func (c *FlatContainer) checkMutable() error {
	switch c.state {
	case StateParsed, StateReady:
		return c.checkMetadataGrant()
	case StateUnlinked:
		return ErrLinkingStopped
	default:
		return fmt.Errorf("container is %s: %w", c.state, ErrNotReady)
	}
}

// replaceLeading installs new certificate and contact sections. When the
// container is open the content is moved so it directly follows them.
func (c *FlatContainer) replaceLeading(cert, contact []byte) error {
	if c.state == StateUnbound {
		newCert := replaceBuffer(nil, cert)
		newContact := replaceBuffer(nil, contact)
		clear(c.cert)
		clear(c.contact)
		c.cert, c.contact = newCert, newContact
		return nil
	}
	if err := c.checkMutable(); err != nil {
		return err
	}

	next := *c.header
	next.Cert = NewSection(0, uint32(len(cert)))
	next.ContactAccount = NewSection(0, uint32(len(contact)))
	next.layout()

	src := uint64(c.header.Content.Offset())
	dst := uint64(next.Content.Offset())
	if err := c.moveRange(src, dst, uint64(c.header.Content.Size())); err != nil {
		return err
	}
	if err := c.file.writeAt(cert, int64(next.Cert.Offset())); err != nil {
		return err
	}
	if err := c.file.writeAt(contact, int64(next.ContactAccount.Offset())); err != nil {
		return err
	}
	if err := c.commit(&next); err != nil {
		return err
	}

	c.dataBase = dst
	newCert := replaceBuffer(nil, cert)
	newContact := replaceBuffer(nil, contact)
	clear(c.cert)
	clear(c.contact)
	c.cert, c.contact = newCert, newContact

	if size, err := c.file.size(); err == nil && uint64(size) > next.End() {
		return c.file.truncate(int64(next.End()))
	}
	return nil
}

// moveRange copies n bytes from src to dst within the file. The copy
// direction is chosen so overlapping ranges are not clobbered.
func (c *FlatContainer) moveRange(src, dst, n uint64) error {
	if src == dst || n == 0 {
		return nil
	}
	chunk := uint64(c.streamChunk())
	buf := make([]byte, chunk)

	if dst < src {
		for done := uint64(0); done < n; done += chunk {
			step := min(chunk, n-done)
			if err := c.file.readFull(buf[:step], int64(src+done)); err != nil {
				return err
			}
			if err := c.file.writeAt(buf[:step], int64(dst+done)); err != nil {
				return err
			}
		}
		return nil
	}

	for remaining := n; remaining > 0; {
		step := min(chunk, remaining)
		remaining -= step
		if err := c.file.readFull(buf[:step], int64(src+remaining)); err != nil {
			return err
		}
		if err := c.file.writeAt(buf[:step], int64(dst+remaining)); err != nil {
			return err
		}
	}
	return nil
}
