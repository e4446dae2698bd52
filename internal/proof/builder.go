// internal/proof/builder.go
package proof

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/proofwatch/api/schemas"
)

// OptimisticConfidence is reported on proofs emitted without any detector
// firing, after the optimistic grace period.
const OptimisticConfidence = 0.3

// Builder assembles terminal results and enforces the anti-fraud gate.
type Builder struct {
	now func() time.Time
}

// NewBuilder creates a Builder using the wall clock.
func NewBuilder() *Builder {
	return &Builder{now: time.Now}
}

// Verify is the anti-fraud gate: the evidence must name the expected
// identifier, compared case-insensitively and ignoring a leading '@'.
func (b *Builder) Verify(req schemas.ActionRequest, ev schemas.Evidence) error {
	if !ev.IdentifierMatches(req.ExpectedIdentifier) {
		return fmt.Errorf("%w: evidence from %s names %q, expected %q",
			schemas.ErrIdentifierMismatch, ev.Method, ev.MatchedIdentifier, req.ExpectedIdentifier)
	}
	return nil
}

// Build creates the Proof for a verified action. started is when tracking
// began; the duration runs to the moment the winning evidence was observed.
// The gate is applied again so that no caller can skip it.
func (b *Builder) Build(req schemas.ActionRequest, ev schemas.Evidence, started time.Time) (schemas.Proof, error) {
	if err := b.Verify(req, ev); err != nil {
		return schemas.Proof{}, err
	}
	at := ev.ObservedAt
	if at.IsZero() {
		at = b.now()
	}
	elapsed := at.Sub(started)
	if elapsed < 0 {
		elapsed = 0
	}
	return schemas.Proof{
		ActionID:           req.ActionID,
		ActionType:         req.ActionType,
		Platform:           req.Platform,
		TargetURL:          req.TargetURL,
		MatchedIdentifier:  ev.MatchedIdentifier,
		Timestamp:          at.UTC(),
		DurationMs:         elapsed.Milliseconds(),
		VerificationMethod: ev.Method,
		Confidence:         ev.Confidence,
		Success:            true,
	}, nil
}

// Success builds a proof and wraps it as a Result. A gate failure yields an
// IdentifierMismatch failure instead.
func (b *Builder) Success(req schemas.ActionRequest, ev schemas.Evidence, started time.Time, stages []string, attempts int) schemas.Result {
	p, err := b.Build(req, ev, started)
	if err != nil {
		return b.Failure(req, err, stages, attempts, started)
	}
	return schemas.Result{ActionID: req.ActionID, Proof: &p}
}

// Optimistic builds the low-confidence proof used when a tab's content context
// was never reachable on a platform that tolerates it. landed is the
// identifier parsed from the tab's final location.
func (b *Builder) Optimistic(req schemas.ActionRequest, landed string, started time.Time) schemas.Result {
	return b.Success(req, schemas.Evidence{
		Method:            schemas.MethodOptimistic,
		MatchedIdentifier: landed,
		Confidence:        OptimisticConfidence,
		Source:            "location",
		ObservedAt:        b.now(),
	}, started, nil, 0)
}

// Failure classifies err and wraps it as a failure Result.
func (b *Builder) Failure(req schemas.ActionRequest, err error, stages []string, attempts int, started time.Time) schemas.Result {
	reason := schemas.ReasonOf(err)
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return schemas.NewFailureResult(req.ActionID, reason, msg, stages, attempts, b.now().Sub(started))
}
