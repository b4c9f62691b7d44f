package dlpfs

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by this package matches one of these
// with errors.Is.
var (
	ErrValueInvalid   = errors.New("invalid value")
	ErrFdError        = errors.New("bad file descriptor")
	ErrFormatTooShort = errors.New("container too short")
	ErrNotAContainer  = errors.New("not a dlp container")
	ErrFormatInvalid  = errors.New("invalid container format")

	// ErrMemoryFail completes the kind set for callers that map kinds to
	// codes. Allocation failure in Go is fatal rather than an error, so no
	// function in this package returns it.
	ErrMemoryFail = errors.New("memory allocation failed")

	ErrCryptFailed         = errors.New("crypt operation failed")
	ErrFileOperateFailed   = errors.New("file operation failed")
	ErrCipherParamsInvalid = errors.New("invalid cipher parameters")
	ErrReadOnlyDenied      = errors.New("container is read-only")
	ErrLinkingStopped      = errors.New("link has been stopped")
	ErrFileLinking         = errors.New("container is linked")
	ErrNotReady            = errors.New("container not ready")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrIntegrityMismatch   = errors.New("integrity tag mismatch")
)

// ValidationError represents an invalid argument or parameter
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Error kind, ErrValueInvalid when nil
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	if e.Err == nil {
		return ErrValueInvalid
	}
	return e.Err
}

// FormatError represents a malformed or hostile container
type FormatError struct {
	Section string // Header section or archive entry, if applicable
	Message string // Human-readable error message
	Err     error  // One of ErrFormatTooShort, ErrNotAContainer, ErrFormatInvalid
}

func (e *FormatError) Error() string {
	if e.Section != "" {
		return fmt.Sprintf("format error: %s: %s", e.Section, e.Message)
	}
	return fmt.Sprintf("format error: %s", e.Message)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// EncryptionError represents an encryption or decryption failure
type EncryptionError struct {
	Operation string // "encrypt" or "decrypt"
	Offset    uint64 // Content offset of the range
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("%s error at content offset %d: %s", e.Operation, e.Offset, e.Message)
}

func (e *EncryptionError) Unwrap() []error {
	return []error{ErrCryptFailed, e.Err}
}

// IOError represents a physical I/O error on the container or a working file
type IOError struct {
	Operation string // "read", "write", "truncate", "open", etc.
	Path      string // File path
	Offset    int64  // Physical offset, if applicable
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" && e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %s", e.Operation, e.Path, e.Offset, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, e.Message)
}

func (e *IOError) Unwrap() []error {
	if errors.Is(e.Err, ErrFdError) {
		return []error{e.Err}
	}
	return []error{ErrFileOperateFailed, e.Err}
}

// CorruptionError represents an integrity check failure
type CorruptionError struct {
	Path    string // File path
	Message string // Human-readable error message
}

func (e *CorruptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("corruption error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return ErrIntegrityMismatch
}

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// newCipherParamsError creates a validation error of kind ErrCipherParamsInvalid
func newCipherParamsError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
		Err:     ErrCipherParamsInvalid,
	}
}

// newFormatError creates a new format error of the given kind
func newFormatError(kind error, section, message string) error {
	return &FormatError{
		Section: section,
		Message: message,
		Err:     kind,
	}
}

// NewEncryptionError creates a new encryption error
func NewEncryptionError(operation string, offset uint64, err error) error {
	return &EncryptionError{
		Operation: operation,
		Offset:    offset,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, path string, offset int64, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    offset,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewCorruptionError creates a new corruption error
func NewCorruptionError(path string, message string) error {
	return &CorruptionError{
		Path:    path,
		Message: message,
	}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsFormatError checks if an error is a format error
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// IsEncryptionError checks if an error is an encryption error
func IsEncryptionError(err error) bool {
	var ee *EncryptionError
	return errors.As(err, &ee)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}
