// Package errors provides structured error handling for Deckard.
//
// Every client-facing failure carries a stable Kind so callers can decide
// whether to retry immediately, back off, or stop.
package errors

// Kind is the stable classification of a Deckard error.
type Kind string

const (
	// KindTransientBusy means a write-gate acquisition timed out.
	// Always retryable with backoff, never fatal.
	KindTransientBusy Kind = "TRANSIENT_BUSY"

	// KindOverlapConflict means a workspace registration was rejected
	// because its root nests with an already-registered root.
	KindOverlapConflict Kind = "OVERLAP_CONFLICT"

	// KindProtocol means a request was malformed or used an unknown method.
	// The session stays open after answering with this kind.
	KindProtocol Kind = "PROTOCOL"

	// KindFilesystem means a file or path could not be read.
	// During indexing the file is skipped and the scan continues.
	KindFilesystem Kind = "FILESYSTEM"

	// KindCorruption means a workspace store failed an integrity check.
	// The workspace is marked degraded and stops serving writes until
	// repaired externally; other workspaces are unaffected.
	KindCorruption Kind = "CORRUPTION"

	// KindVersionMismatch means a newer client detected a stale daemon.
	// The client is expected to trigger a daemon restart.
	KindVersionMismatch Kind = "VERSION_MISMATCH"

	// KindNotFound means a workspace or file was not registered/indexed.
	KindNotFound Kind = "NOT_FOUND"

	// KindInternal is an unexpected internal failure.
	KindInternal Kind = "INTERNAL"
)

// retryable kinds may be retried by the caller after backoff.
var retryable = map[Kind]bool{
	KindTransientBusy: true,
}

// terminal kinds indicate the operation will not succeed on retry.
func (k Kind) Retryable() bool {
	return retryable[k]
}
