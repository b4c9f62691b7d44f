package dlpfs

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Section is a checked byte range inside a flat container
type Section struct {
	offset uint32
	size   uint32
}

// NewSection creates a section at offset with the given size
func NewSection(offset, size uint32) Section {
	return Section{offset: offset, size: size}
}

// Offset returns the first byte of the section
func (s Section) Offset() uint32 { return s.offset }

// Size returns the section length in bytes
func (s Section) Size() uint32 { return s.size }

// End returns the first byte after the section without overflowing
func (s Section) End() uint64 {
	return uint64(s.offset) + uint64(s.size)
}

// Empty reports whether an optional section is absent
func (s Section) Empty() bool {
	return s.size == 0
}

// Header is the fixed metadata block at the start of a flat container
type Header struct {
	Magic         uint32
	Version       uint32
	FileType      uint32
	OfflineAccess uint32
	AlgType       uint32

	Content        Section
	HMAC           Section
	Cert           Section
	ContactAccount Section
	OfflineCert    Section
}

// newLayoutHeader builds a header whose sections are laid out contiguously
// after the header in physical order
func newLayoutHeader(certSize, contactSize, contentSize, tagSize, offlineSize uint32) *Header {
	h := &Header{
		Magic:          HeaderMagic,
		Version:        CurrentVersion,
		AlgType:        AlgAESCTR,
		Cert:           Section{size: certSize},
		ContactAccount: Section{size: contactSize},
		Content:        Section{size: contentSize},
		HMAC:           Section{size: tagSize},
		OfflineCert:    Section{size: offlineSize},
	}
	h.layout()
	return h
}

// layout recomputes every offset from the current section sizes
func (h *Header) layout() {
	h.Cert.offset = HeaderSize
	h.ContactAccount.offset = uint32(h.Cert.End())
	h.Content.offset = uint32(h.ContactAccount.End())
	h.HMAC.offset = uint32(h.Content.End())
	h.OfflineCert.offset = uint32(h.HMAC.End())
}

// trailerStart is the physical offset of the first section after content
func (h *Header) trailerStart() uint64 {
	return h.Content.End()
}

// End returns the physical end of the last section
func (h *Header) End() uint64 {
	return h.OfflineCert.End()
}

// fields returns the header fields in encoding order
func (h *Header) fields() []*uint32 {
	return []*uint32{
		&h.Magic, &h.Version, &h.FileType, &h.OfflineAccess, &h.AlgType,
		&h.Content.offset, &h.Content.size,
		&h.HMAC.offset, &h.HMAC.size,
		&h.Cert.offset, &h.Cert.size,
		&h.ContactAccount.offset, &h.ContactAccount.size,
		&h.OfflineCert.offset, &h.OfflineCert.size,
	}
}

// MarshalBinary encodes the header as HeaderSize little-endian bytes
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	for i, field := range h.fields() {
		binary.LittleEndian.PutUint32(buf[i*4:], *field)
	}
	return buf, nil
}

// WriteTo writes the encoded header to the given writer
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	buf, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	if err != nil {
		return int64(n), fmt.Errorf("failed to write header: %w", err)
	}
	return int64(n), nil
}

// ParseHeader decodes and validates a header against the physical
// container size. No section is trusted until every range has been checked.
func ParseHeader(data []byte, physicalSize int64) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, newFormatError(ErrFormatTooShort, "header",
			fmt.Sprintf("got %d bytes, need %d", len(data), HeaderSize))
	}

	h := &Header{}
	for i, field := range h.fields() {
		*field = binary.LittleEndian.Uint32(data[i*4:])
	}

	if err := h.Validate(physicalSize); err != nil {
		return nil, err
	}
	return h, nil
}

// Validate checks magic, version and every section range
func (h *Header) Validate(physicalSize int64) error {
	if h.Magic != HeaderMagic {
		return newFormatError(ErrNotAContainer, "magic", fmt.Sprintf("unexpected magic %#x", h.Magic))
	}
	if h.Version > CurrentVersion {
		return newFormatError(ErrFormatInvalid, "version", fmt.Sprintf("unsupported version %d", h.Version))
	}
	if h.AlgType != AlgAESCTR {
		return newFormatError(ErrFormatInvalid, "alg_type", fmt.Sprintf("unsupported algorithm %d", h.AlgType))
	}

	if err := checkMandatory("cert", h.Cert, HeaderSize); err != nil {
		return err
	}
	if err := checkMandatory("contact_account", h.ContactAccount, h.Cert.End()); err != nil {
		return err
	}

	if uint64(h.Content.offset) != h.ContactAccount.End() {
		return newFormatError(ErrFormatInvalid, "content",
			fmt.Sprintf("offset %d does not follow contact account end %d", h.Content.offset, h.ContactAccount.End()))
	}
	if uint64(h.Content.size) >= MaxContentSize {
		return newFormatError(ErrFormatInvalid, "content", fmt.Sprintf("size %d too large", h.Content.size))
	}

	end := h.Content.End()
	var err error
	if end, err = checkOptional("hmac", h.HMAC, end); err != nil {
		return err
	}
	if end, err = checkOptional("offline_cert", h.OfflineCert, end); err != nil {
		return err
	}

	if physicalSize < 0 || end > uint64(physicalSize) {
		return newFormatError(ErrFormatInvalid, "layout",
			fmt.Sprintf("sections end at %d beyond container length %d", end, physicalSize))
	}
	return nil
}

func checkMandatory(name string, s Section, expectedOffset uint64) error {
	if s.size == 0 || s.size > MaxCertSize {
		return newFormatError(ErrFormatInvalid, name, fmt.Sprintf("size %d out of range", s.size))
	}
	if uint64(s.offset) != expectedOffset {
		return newFormatError(ErrFormatInvalid, name,
			fmt.Sprintf("offset %d, expected %d", s.offset, expectedOffset))
	}
	return nil
}

// checkOptional validates a section that may be absent and returns the
// running end of the layout
func checkOptional(name string, s Section, expectedOffset uint64) (uint64, error) {
	if s.Empty() {
		return expectedOffset, nil
	}
	if s.size > MaxCertSize {
		return 0, newFormatError(ErrFormatInvalid, name, fmt.Sprintf("size %d out of range", s.size))
	}
	if uint64(s.offset) != expectedOffset {
		return 0, newFormatError(ErrFormatInvalid, name,
			fmt.Sprintf("offset %d, expected %d", s.offset, expectedOffset))
	}
	return s.End(), nil
}

// ContentSize reports the content size, or false when the header's
// offsets are not self-consistent
func (h *Header) ContentSize() (uint64, bool) {
	if h == nil || h.Cert.offset != HeaderSize {
		return 0, false
	}
	if h.Cert.End() != uint64(h.ContactAccount.offset) || h.ContactAccount.End() != uint64(h.Content.offset) {
		return 0, false
	}
	if uint64(h.Content.size) >= MaxContentSize {
		return 0, false
	}
	return uint64(h.Content.size), true
}
