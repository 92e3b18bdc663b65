// Package merrors holds the closed set of sentinel errors shared across the
// coordination layer. Callers wrap these with fmt.Errorf("...: %w", err) at
// the point of failure and test for a kind with errors.Is.
package merrors

import "errors"

var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrReplayOrReorder   = errors.New("replay or reorder")
	ErrValidation        = errors.New("validation error")
	ErrCommitMismatch    = errors.New("commitment mismatch")
	ErrPartialInvalid    = errors.New("partial signature invalid")
	ErrAggregateInvalid  = errors.New("aggregate signature invalid")
	ErrNonceReuse        = errors.New("nonce reuse")
	ErrTimeout           = errors.New("timeout")
	ErrPeerBlocked       = errors.New("peer blocked")
	ErrInternal          = errors.New("internal error")
)

// Kind returns the stable taxonomy code for an error produced by this
// package, or "" if err does not wrap one of the sentinels above.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrProtocolViolation):
		return "ProtocolViolation"
	case errors.Is(err, ErrReplayOrReorder):
		return "ReplayOrReorder"
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrCommitMismatch):
		return "CommitMismatch"
	case errors.Is(err, ErrPartialInvalid):
		return "PartialInvalid"
	case errors.Is(err, ErrAggregateInvalid):
		return "AggregateInvalid"
	case errors.Is(err, ErrNonceReuse):
		return "NonceReuse"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrPeerBlocked):
		return "PeerBlocked"
	case errors.Is(err, ErrInternal):
		return "Internal"
	default:
		return ""
	}
}

// Recoverable reports whether err should drop the offending message and
// update reputation without aborting the session.
func Recoverable(err error) bool {
	return errors.Is(err, ErrReplayOrReorder) || errors.Is(err, ErrValidation) || errors.Is(err, ErrPeerBlocked)
}
