package dlpfs

import (
	"fmt"
	"os"
)

const (
	// HeaderMagic identifies flat containers
	HeaderMagic = uint32(0x087F4922)

	// CurrentVersion is the newest container format version understood here
	CurrentVersion = uint32(3)

	// HeaderSize is the encoded size of the flat header: 15 uint32 fields
	HeaderSize = 15 * 4

	// MaxCertSize bounds every certificate, contact account and tag section
	MaxCertSize = 1024 * 1024

	// MaxContentSize is the exclusive upper bound on content size
	MaxContentSize = uint64(0xFFFFFFFF)

	// BlockSize is the cipher block granularity used for counter derivation
	BlockSize = 16

	// AlgAESCTR is the only content algorithm recorded in headers
	AlgAESCTR = uint32(1)
)

// FileAccess is the access grant issued for an opened container
type FileAccess uint8

const (
	// AccessNone means no policy has been applied yet
	AccessNone FileAccess = iota
	// AccessReadOnly permits reads only
	AccessReadOnly
	// AccessContentEdit permits reads, writes and truncation
	AccessContentEdit
	// AccessFullControl additionally permits removing protection
	AccessFullControl
)

// String returns the string representation of the access grant
func (a FileAccess) String() string {
	switch a {
	case AccessNone:
		return "none"
	case AccessReadOnly:
		return "read-only"
	case AccessContentEdit:
		return "content-edit"
	case AccessFullControl:
		return "full-control"
	default:
		return fmt.Sprintf("access(%d)", uint8(a))
	}
}

// Writable reports whether the grant permits content modification
func (a FileAccess) Writable() bool {
	return a == AccessContentEdit || a == AccessFullControl
}

// FileMode returns the permission bits a link exposes for this grant
func (a FileAccess) FileMode() os.FileMode {
	if a.Writable() {
		return 0o640
	}
	return 0o440
}

// Policy carries the parts of an upstream access policy the engine enforces
type Policy struct {
	Access       FileAccess
	AllowOffline bool
}

// State is a container's lifecycle state
type State uint8

const (
	StateUnbound State = iota
	StateParsed
	StateReady
	StateUnlinked
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateParsed:
		return "parsed"
	case StateReady:
		return "ready"
	case StateUnlinked:
		return "unlinked"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// IntegrityAlgorithm selects the keyed hash used for the integrity tag
type IntegrityAlgorithm string

const (
	// IntegrityHMACSHA256 tags content with HMAC-SHA256
	IntegrityHMACSHA256 IntegrityAlgorithm = "hmac-sha256"
	// IntegrityBLAKE3 tags content with keyed BLAKE3
	IntegrityBLAKE3 IntegrityAlgorithm = "blake3"
)

// CipherMode identifies the block cipher mode carried in a UsageSpec
type CipherMode uint32

const (
	// ModeCTR is AES in counter mode
	ModeCTR CipherMode = CipherMode(AlgAESCTR)
)

func (m CipherMode) String() string {
	if m == ModeCTR {
		return "aes-ctr"
	}
	return "unknown"
}
