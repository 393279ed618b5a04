// Package validation provides reusable input validation for the
// console. All validators follow a consistent pattern: they return nil
// on success and a descriptive error on failure. Errors are safe to
// return to clients (no internal details).
package validation

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Common validation errors. These are sentinel errors that can be
// checked with errors.Is().
var (
	// ErrRequired indicates a required field is missing or empty.
	ErrRequired = errors.New("field is required")

	// ErrTooLong indicates a string exceeds the maximum length.
	ErrTooLong = errors.New("value exceeds maximum length")

	// ErrInvalidFormat indicates a value doesn't match the expected format.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrOutOfRange indicates a numeric value is outside the allowed range.
	ErrOutOfRange = errors.New("value out of range")
)

// Constraints for common field types.
const (
	// MaxNodeNameLength is the maximum length for node names.
	MaxNodeNameLength = 64

	// MaxAETitleLength is the DICOM limit for application entity titles.
	MaxAETitleLength = 16

	// MaxUIDLength is the DICOM limit for unique identifiers.
	MaxUIDLength = 64
)

// uidPattern matches DICOM UIDs: dot-separated numeric components.
var uidPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)

// aeTitlePattern matches printable ASCII without backslash, per the
// DICOM default character repertoire for AE titles.
var aeTitlePattern = regexp.MustCompile(`^[\x20-\x5B\x5D-\x7E]+$`)

// Result represents a validation result with field context.
type Result struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (r *Result) Error() string {
	if r.Field != "" {
		return fmt.Sprintf("%s: %s", r.Field, r.Message)
	}
	return r.Message
}

// Unwrap returns the underlying error for errors.Is() support.
func (r *Result) Unwrap() error {
	return r.Err
}

// NewResult creates a validation result.
func NewResult(field, message string, err error) *Result {
	return &Result{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// Required validates that a string is non-empty.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewResult(field, "is required", ErrRequired)
	}
	return nil
}

// MaxLength validates that a string doesn't exceed the maximum length.
func MaxLength(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return NewResult(field, fmt.Sprintf("exceeds maximum length of %d characters", max), ErrTooLong)
	}
	return nil
}

// IntRange validates that an integer is within the given range (inclusive).
func IntRange(field string, value, min, max int) error {
	if value < min || value > max {
		return NewResult(field, fmt.Sprintf("must be between %d and %d", min, max), ErrOutOfRange)
	}
	return nil
}

// Positive validates that an integer is positive (> 0).
func Positive(field string, value int) error {
	if value <= 0 {
		return NewResult(field, "must be positive", ErrOutOfRange)
	}
	return nil
}

// NonNegative validates that an integer is non-negative (>= 0).
func NonNegative(field string, value int) error {
	if value < 0 {
		return NewResult(field, "must be non-negative", ErrOutOfRange)
	}
	return nil
}

// NodeName validates a remote node name.
func NodeName(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	return MaxLength(field, value, MaxNodeNameLength)
}

// AETitle validates a DICOM application entity title: at most 16
// printable characters, no backslash, not all spaces.
func AETitle(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if err := MaxLength(field, value, MaxAETitleLength); err != nil {
		return err
	}
	if !aeTitlePattern.MatchString(value) {
		return NewResult(field, "must be printable characters without backslash", ErrInvalidFormat)
	}
	return nil
}

// StudyUID validates a DICOM unique identifier: dot-separated numeric
// components, at most 64 characters.
func StudyUID(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if err := MaxLength(field, value, MaxUIDLength); err != nil {
		return err
	}
	if !uidPattern.MatchString(value) {
		return NewResult(field, "must be dot-separated numeric components", ErrInvalidFormat)
	}
	return nil
}

// HostPort validates a host:port address.
func HostPort(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(value); err != nil {
		return NewResult(field, "must be in host:port format", ErrInvalidFormat)
	}
	return nil
}

// Port validates a network port number.
func Port(field string, value int) error {
	if value < 1 || value > 65535 {
		return NewResult(field, "must be between 1 and 65535", ErrOutOfRange)
	}
	return nil
}

// All runs multiple validation functions and returns the first error.
func All(validators ...func() error) error {
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// Errors collects multiple validation errors.
type Errors []error

// Add appends an error to the collection (nil errors are ignored).
func (e *Errors) Add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

// HasErrors returns true if any errors were collected.
func (e Errors) HasErrors() bool {
	return len(e) > 0
}

// Error returns all errors as a single error message.
func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("multiple validation errors: ")
	for i, err := range e {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(err.Error())
	}
	return b.String()
}

// First returns the first error, or nil if none.
func (e Errors) First() error {
	if len(e) == 0 {
		return nil
	}
	return e[0]
}
