package errors

import (
	stderrors "errors"
	"fmt"
)

// DeckardError is the structured error type used across the daemon.
// It carries a stable kind for clients plus a human-readable reason.
type DeckardError struct {
	// Kind is the stable error classification.
	Kind Kind

	// Message is the human-readable reason.
	Message string

	// Workspace is the workspace id the error is scoped to, if any.
	Workspace string

	// Cause is the underlying error.
	Cause error

	// Suggestion is an actionable hint for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *DeckardError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *DeckardError) Unwrap() error {
	return e.Cause
}

// Is matches errors by kind so errors.Is works with sentinel DeckardErrors.
func (e *DeckardError) Is(target error) bool {
	if t, ok := target.(*DeckardError); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithWorkspace scopes the error to a workspace id.
func (e *DeckardError) WithWorkspace(id string) *DeckardError {
	e.Workspace = id
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *DeckardError) WithSuggestion(s string) *DeckardError {
	e.Suggestion = s
	return e
}

// New creates a DeckardError with the given kind and message.
func New(kind Kind, message string) *DeckardError {
	return &DeckardError{Kind: kind, Message: message}
}

// Newf creates a DeckardError with a formatted message.
func Newf(kind Kind, format string, args ...any) *DeckardError {
	return &DeckardError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a DeckardError from an existing error.
func Wrap(kind Kind, message string, cause error) *DeckardError {
	return &DeckardError{Kind: kind, Message: message, Cause: cause}
}

// TransientBusy reports a write-gate timeout.
func TransientBusy(message string) *DeckardError {
	return New(KindTransientBusy, message).
		WithSuggestion("another writer holds the gate; retry with backoff")
}

// OverlapConflict reports a rejected nested workspace registration.
func OverlapConflict(root, existing string) *DeckardError {
	return Newf(KindOverlapConflict, "workspace root %q nests with registered root %q", root, existing)
}

// Protocol reports a malformed or unknown request.
func Protocol(message string) *DeckardError {
	return New(KindProtocol, message)
}

// Filesystem reports an unreadable file or path.
func Filesystem(path string, cause error) *DeckardError {
	return Wrap(KindFilesystem, fmt.Sprintf("cannot read %s", path), cause)
}

// Corruption reports a store integrity failure.
func Corruption(message string, cause error) *DeckardError {
	return Wrap(KindCorruption, message, cause).
		WithSuggestion("run the doctor tool to repair this workspace")
}

// VersionMismatch reports a stale daemon detected by a newer client.
func VersionMismatch(daemonVersion, clientVersion string) *DeckardError {
	return Newf(KindVersionMismatch, "daemon version %s is older than client %s", daemonVersion, clientVersion).
		WithSuggestion("restart the daemon to pick up the new binary")
}

// IsRetryable reports whether the caller may retry after backoff.
func IsRetryable(err error) bool {
	var de *DeckardError
	if stderrors.As(err, &de) {
		return de.Kind.Retryable()
	}
	return false
}

// KindOf extracts the kind from an error chain.
// Returns KindInternal for errors that are not DeckardErrors.
func KindOf(err error) Kind {
	var de *DeckardError
	if stderrors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
