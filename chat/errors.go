package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyText is the reason a text message with a blank body is rejected.
	ErrEmptyText = errors.New("message text is empty")
	// ErrNotMessageOwner is returned when a non-sender tries to delete a message.
	ErrNotMessageOwner = errors.New("only the sender can delete a message")
	// ErrNoConversation is returned when an operation needs an open conversation.
	ErrNoConversation = errors.New("no conversation is open")
	// ErrNotSignedIn is returned when an operation needs a signed-in account.
	ErrNotSignedIn = errors.New("not signed in")
	// ErrMessageNotFound is returned when a referenced message is not in the timeline.
	ErrMessageNotFound = errors.New("message not found")
)

// ValidationError rejects input before any write is attempted.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %v", e.Err)
	}
	return fmt.Sprintf("validation failed: %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// AuthError reports a rejected sign-in or registration.
type AuthError struct {
	Identifier string
	Reason     string
	Err        error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed for %q: %s", e.Identifier, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// SyncError reports a write or read the replicated store rejected. Local
// state is unchanged when it is returned.
type SyncError struct {
	Op   string
	Path string
	Err  error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// PermissionError reports denied access to a capture device.
type PermissionError struct {
	Device string
	Err    error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied for %s: %v", e.Device, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// MalformedDataError describes a record skipped during reconciliation.
type MalformedDataError struct {
	Path   string
	Reason string
	Err    error
}

func (e *MalformedDataError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("malformed data at %q: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("malformed data at %q: %s: %v", e.Path, e.Reason, e.Err)
}

func (e *MalformedDataError) Unwrap() error { return e.Err }

func syncError(op, path string, err error) error {
	return &SyncError{Op: op, Path: path, Err: err}
}
