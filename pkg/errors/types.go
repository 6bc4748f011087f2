package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
)

var (
	// ErrEncryptionStalled is wrapped by the EncryptionError raised when the
	// agent stops reporting progress for longer than the progress window.
	ErrEncryptionStalled = stderrors.New("encryption progress stalled")

	// ErrAgentUnavailable is wrapped by the EncryptionError raised when the
	// agent cannot be queried for too many consecutive attempts.
	ErrAgentUnavailable = stderrors.New("encryption service unavailable")
)

// ValidationError reports bad caller input. It is raised before any cloud
// resource is created.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Validationf returns a ValidationError with a formatted message.
func Validationf(format string, args ...any) error {
	return pkgerrors.WithStack(&ValidationError{Message: fmt.Sprintf(format, args...)})
}

// InstanceError reports an instance that entered an error state, was
// unexpectedly terminated, or did not reach the requested state in time.
type InstanceError struct {
	InstanceID string
	Message    string
	cause      error
}

func (e *InstanceError) Error() string { return e.Message }

func (e *InstanceError) Unwrap() error { return e.cause }

// Instancef returns an InstanceError for the given instance.
func Instancef(instanceID, format string, args ...any) error {
	return pkgerrors.WithStack(&InstanceError{
		InstanceID: instanceID,
		Message:    fmt.Sprintf(format, args...),
	})
}

// InstanceWrapf returns an InstanceError caused by err, typically a
// TimeoutError.
func InstanceWrapf(err error, instanceID, format string, args ...any) error {
	return pkgerrors.WithStack(&InstanceError{
		InstanceID: instanceID,
		Message:    fmt.Sprintf(format, args...) + ": " + err.Error(),
		cause:      err,
	})
}

// SnapshotError reports snapshots that reached an error status.
type SnapshotError struct {
	SnapshotIDs []string
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshots in error state: %s", strings.Join(e.SnapshotIDs, ", "))
}

// NewSnapshotError returns a SnapshotError naming the failed snapshots.
func NewSnapshotError(ids ...string) error {
	return pkgerrors.WithStack(&SnapshotError{SnapshotIDs: ids})
}

// EncryptionError reports a failure reported by, or while talking to, the
// encryption agent. ConsoleOutputFile is set by the workflow when the
// helper instance console output was saved for diagnostics.
type EncryptionError struct {
	Message           string
	FailureCode       string
	ConsoleOutputFile string
	cause             error
}

func (e *EncryptionError) Error() string {
	if e.ConsoleOutputFile != "" {
		return fmt.Sprintf("%s (console output saved to %s)", e.Message, e.ConsoleOutputFile)
	}
	return e.Message
}

func (e *EncryptionError) Unwrap() error { return e.cause }

// Encryptionf returns an EncryptionError that wraps cause, which may be nil.
func Encryptionf(cause error, format string, args ...any) error {
	return pkgerrors.WithStack(&EncryptionError{
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	})
}

// EncryptionFailed returns the EncryptionError raised when the agent reports
// a failure with the given code.
func EncryptionFailed(code string) error {
	msg := "encryption failed"
	if code != "" {
		msg = fmt.Sprintf("encryption failed: %s", code)
	}
	return pkgerrors.WithStack(&EncryptionError{Message: msg, FailureCode: code})
}

// UnsupportedGuestError signals that the guest operating system is not
// supported by the agent. It unwraps to an *EncryptionError, so matching
// on EncryptionError also matches this error.
type UnsupportedGuestError struct {
	enc *EncryptionError
}

func (e *UnsupportedGuestError) Error() string { return e.enc.Error() }

func (e *UnsupportedGuestError) Unwrap() error { return e.enc }

// UnsupportedGuest returns an UnsupportedGuestError for the failure code.
func UnsupportedGuest(code string) error {
	return pkgerrors.WithStack(&UnsupportedGuestError{enc: &EncryptionError{
		Message:     "the guest image uses an unsupported operating system",
		FailureCode: code,
	}})
}

// TimeoutError reports a bounded wait that ran past its deadline.
type TimeoutError struct {
	What    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s waiting for %s", e.Timeout, e.What)
}

// Timeout returns a TimeoutError.
func Timeout(what string, timeout time.Duration) error {
	return pkgerrors.WithStack(&TimeoutError{What: what, Timeout: timeout})
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return stderrors.As(err, &v)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return stderrors.As(err, &t)
}
