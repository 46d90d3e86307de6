package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorType string

const (
	TypeDependency ErrorType = "Dependency" // Missing native tool (e.g. pg_dump)
	TypeConnection ErrorType = "Connection" // Network issue
	TypeAuth       ErrorType = "Auth"       // Credentials, GPG keys
	TypeIntegrity  ErrorType = "Integrity"  // Corrupt artifact, undecodable stream
	TypeSecurity   ErrorType = "Security"   // Encryption/decryption failure, missing key
	TypeConfig     ErrorType = "Config"     // Invalid flags, missing required params
	TypeResource   ErrorType = "Resource"   // Permission denied, out of space, file not found
	TypeInternal   ErrorType = "Internal"   // Unexpected internal failure
)

// AppError is a rich error type that provides categorize and hints for users.
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Hint    string
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError
func New(t ErrorType, msg string, hint string) *AppError {
	return &AppError{
		Type:    t,
		Message: msg,
		Hint:    hint,
	}
}

// Wrap wraps an existing error into an AppError
func Wrap(err error, t ErrorType, msg string, hint string) *AppError {
	return &AppError{
		Type:    t,
		Message: msg,
		Err:     err,
		Hint:    hint,
	}
}

// IsType reports whether any AppError in err's chain has type t.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// HintOf returns the hint of the first AppError in err's chain.
func HintOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Hint
	}
	return ""
}

var (
	// ErrConnector matches every failure raised while talking to a database engine.
	ErrConnector = errors.New("connector error")
	// ErrCrypto matches encryption and decryption stage failures.
	ErrCrypto = errors.New("crypto error")
)

// DumpError is returned when the dump utility exits non-zero.
type DumpError struct {
	Database string
	Stderr   string
	Err      error
}

func (e *DumpError) Error() string {
	return formatCommandFailure("dump of "+e.Database+" failed", e.Stderr, e.Err)
}

func (e *DumpError) Unwrap() []error { return unwrapWith(ErrConnector, e.Err) }

// RestoreError is returned when the restore utility exits non-zero.
type RestoreError struct {
	Database string
	Stderr   string
	Err      error
}

func (e *RestoreError) Error() string {
	return formatCommandFailure("restore of "+e.Database+" failed", e.Stderr, e.Err)
}

func (e *RestoreError) Unwrap() []error { return unwrapWith(ErrConnector, e.Err) }

// CommandError is a generic external command failure, typically a process
// that could not be started at all.
type CommandError struct {
	Command string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	return formatCommandFailure("command "+e.Command+" failed", e.Stderr, e.Err)
}

func (e *CommandError) Unwrap() []error { return unwrapWith(ErrConnector, e.Err) }

// EncryptionError carries the status reported by the encryption backend.
type EncryptionError struct {
	Status string
	Err    error
}

func (e *EncryptionError) Error() string {
	return formatCommandFailure("encryption failed", e.Status, e.Err)
}

func (e *EncryptionError) Unwrap() []error { return unwrapWith(ErrCrypto, e.Err) }

// DecryptionError carries the status reported by the decryption backend.
type DecryptionError struct {
	Status string
	Err    error
}

func (e *DecryptionError) Error() string {
	return formatCommandFailure("decryption failed", e.Status, e.Err)
}

func (e *DecryptionError) Unwrap() []error { return unwrapWith(ErrCrypto, e.Err) }

func formatCommandFailure(msg, detail string, err error) string {
	detail = strings.TrimSpace(detail)
	if err != nil && detail == err.Error() {
		detail = ""
	}
	switch {
	case detail != "" && err != nil:
		return fmt.Sprintf("%s: %s (%v)", msg, detail, err)
	case detail != "":
		return fmt.Sprintf("%s: %s", msg, detail)
	case err != nil:
		return fmt.Sprintf("%s: %v", msg, err)
	}
	return msg
}

func unwrapWith(sentinel, err error) []error {
	if err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, err}
}

var (
	ErrIntegrityMismatch = New(TypeIntegrity, "Integrity failure", "The backup file may be corrupt or tampered with. Verify the source integrity.")
)
