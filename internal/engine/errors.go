package engine

import "errors"

// Sentinel errors surfaced by the engine. Callers match with errors.Is.
var (
	// ErrAuthRejected means the server refused the auth frame. Fatal for
	// the session: reconnecting with the same credential will not help.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrReadyTimeout means the handshake did not complete within the
	// configured bound. The caller may retry the operation.
	ErrReadyTimeout = errors.New("timed out waiting for session readiness")

	// ErrAckTimeout means a send was transmitted but its acknowledgment
	// never arrived in time. The optimistic entry has been removed.
	ErrAckTimeout = errors.New("timed out waiting for send acknowledgment")

	// ErrConnectionClosed rejects pending work when the connection drops
	// or the session is torn down.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrGapUnrecoverable means backfill exhausted its retries. The
	// session halts rather than present an incomplete conversation.
	ErrGapUnrecoverable = errors.New("sequence gap could not be recovered")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrDuplicateSend means an idempotency key already has a pending
	// entry. Keys are fresh UUIDs, so this indicates a caller bug.
	ErrDuplicateSend = errors.New("send already pending for idempotency key")
)

// TransientError wraps an error that is likely temporary and safe to
// retry after a backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// isPermanentError returns true for errors that won't resolve by
// reconnecting, so the session run loop gives up instead of retrying.
func isPermanentError(err error) bool {
	return errors.Is(err, ErrAuthRejected) ||
		errors.Is(err, ErrGapUnrecoverable) ||
		errors.Is(err, ErrSessionClosed)
}
