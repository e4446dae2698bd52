package schemas

import (
	"context"
	"errors"
)

// FailureReason is the taxonomy of terminal failures.
type FailureReason string

const (
	ReasonAnchorNotFound            FailureReason = "AnchorNotFound"
	ReasonContentContextUnreachable FailureReason = "ContentContextUnreachable"
	ReasonTimeout                   FailureReason = "Timeout"
	ReasonIdentifierMismatch        FailureReason = "IdentifierMismatch"
	ReasonParseError                FailureReason = "ParseError"
	ReasonTabClosedPrematurely      FailureReason = "TabClosedPrematurely"
	ReasonCancelled                 FailureReason = "Cancelled"
)

// Sentinel errors, one per failure reason. Components wrap these with %w so
// callers can classify with errors.Is.
var (
	ErrAnchorNotFound            = errors.New("anchor not found")
	ErrContentContextUnreachable = errors.New("content context unreachable")
	ErrTimeout                   = errors.New("verification timed out")
	ErrIdentifierMismatch        = errors.New("identifier mismatch")
	ErrParse                     = errors.New("payload parse error")
	ErrTabClosedPrematurely      = errors.New("tab closed before completion")
	ErrCancelled                 = errors.New("verification cancelled")

	// ErrAlreadyTracking is returned when a second tracking record is requested for
	// an action id that already has a live one.
	ErrAlreadyTracking = errors.New("action is already being tracked")

	// ErrInvalidRequest marks requests rejected before any tab was opened.
	ErrInvalidRequest = errors.New("invalid request")
)

// ReasonOf maps an error onto the failure taxonomy. Unknown errors are reported
// as ContentContextUnreachable, context deadlines as Timeout.
func ReasonOf(err error) FailureReason {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAnchorNotFound):
		return ReasonAnchorNotFound
	case errors.Is(err, ErrIdentifierMismatch):
		return ReasonIdentifierMismatch
	case errors.Is(err, ErrParse):
		return ReasonParseError
	case errors.Is(err, ErrTabClosedPrematurely):
		return ReasonTabClosedPrematurely
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	}
	return ReasonContentContextUnreachable
}
