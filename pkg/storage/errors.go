package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dd0wney/cluso-segkv/pkg/segment"
)

// Common sentinel errors
var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrInvalidValue  = errors.New("invalid value")
	ErrIO            = errors.New("i/o error")
	ErrEncoding      = errors.New("stored value is not valid UTF-8")
	ErrClosed        = errors.New("store is closed")
	ErrCorruptRecord = segment.ErrCorruptRecord
)

// StorageError provides structured error information for store operations.
type StorageError struct {
	Op     string // Operation that failed (e.g., "get", "set", "open")
	Key    uint64
	HasKey bool
	Path   string // Segment file involved, if any
	Kind   error  // One of the sentinel errors above
	Cause  error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message())
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	if e.Kind != nil && e.Cause != nil && e.Cause != e.Kind {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Message is the error without its cause or file path, suitable for
// sending to a client.
func (e *StorageError) Message() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.HasKey {
		fmt.Fprintf(&b, " key %d", e.Key)
	}
	kind := e.Kind
	if kind == nil {
		kind = e.Cause
	}
	if kind != nil {
		b.WriteString(": ")
		b.WriteString(kind.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's kind or its cause.
func (e *StorageError) Is(target error) bool {
	if target == nil {
		return false
	}
	if e.Kind != nil && e.Kind == target {
		return true
	}
	return errors.Is(e.Cause, target)
}

// ErrorBuilder provides a fluent interface for building StorageErrors.
type ErrorBuilder struct {
	err StorageError
}

// NewError creates a new error builder with the given operation.
func NewError(op string) *ErrorBuilder {
	return &ErrorBuilder{err: StorageError{Op: op}}
}

// Key records the key the operation was about.
func (b *ErrorBuilder) Key(key uint64) *ErrorBuilder {
	b.err.Key = key
	b.err.HasKey = true
	return b
}

// Path records the segment file involved.
func (b *ErrorBuilder) Path(path string) *ErrorBuilder {
	b.err.Path = path
	return b
}

// Kind sets the error category.
func (b *ErrorBuilder) Kind(kind error) *ErrorBuilder {
	b.err.Kind = kind
	return b
}

// Cause sets the underlying error cause.
func (b *ErrorBuilder) Cause(err error) *ErrorBuilder {
	b.err.Cause = err
	return b
}

// Build returns the constructed StorageError.
func (b *ErrorBuilder) Build() *StorageError {
	return &b.err
}

// Err returns the error as an error interface.
func (b *ErrorBuilder) Err() error {
	return &b.err
}

// KeyNotFoundError creates a lookup miss error.
func KeyNotFoundError(key uint64) error {
	return NewError("get").Key(key).Kind(ErrKeyNotFound).Err()
}

// IOError wraps a disk failure.
func IOError(op string, key uint64, path string, cause error) error {
	return NewError(op).Key(key).Path(path).Kind(ErrIO).Cause(cause).Err()
}

// InvalidValueError describes a value that cannot be stored.
func InvalidValueError(key uint64, reason string) error {
	return NewError("set").Key(key).Kind(ErrInvalidValue).Cause(errors.New(reason)).Err()
}

// ClosedError is returned by operations on a closed store.
func ClosedError(op string) error {
	return NewError(op).Kind(ErrClosed).Err()
}

// ClientMessage returns the text a protocol client should see for err.
// Store errors drop file paths and low-level causes, except for invalid
// values where the reason is the useful part.
func ClientMessage(err error) string {
	var se *StorageError
	if errors.As(err, &se) {
		if se.Kind == ErrInvalidValue && se.Cause != nil {
			return se.Message() + ": " + se.Cause.Error()
		}
		return se.Message()
	}
	return err.Error()
}

// IsNotFound returns true if the error is a lookup miss.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}

// IsClosed returns true if the error indicates the store is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsCorrupt returns true if a segment failed to replay.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptRecord)
}
