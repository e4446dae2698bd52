package schemas

import (
	"strings"
	"time"
)

// VerificationMethod names the detector that produced the winning signal.
type VerificationMethod string

const (
	MethodNetwork          VerificationMethod = "network"
	MethodMutation         VerificationMethod = "mutation"
	MethodPolling          VerificationMethod = "polling"
	MethodClick            VerificationMethod = "click"
	MethodNavigationChange VerificationMethod = "navigation-change"
	// MethodOptimistic marks a completion reported after the optimistic grace
	// period on platforms that tolerate it. No detector fired.
	MethodOptimistic VerificationMethod = "optimistic"
)

// Evidence is data extracted from a network response or a DOM state change that
// supports an action having occurred.
type Evidence struct {
	Method            VerificationMethod `json:"method"`
	MatchedIdentifier string             `json:"matched_identifier"`
	Confidence        float64            `json:"confidence"`
	// Source is the signature name for network evidence or the anchor strategy
	// name for DOM evidence.
	Source     string            `json:"source"`
	Detail     map[string]string `json:"detail,omitempty"`
	ObservedAt time.Time         `json:"observed_at"`
}

// IdentifierMatches reports whether the evidence names the expected identifier.
// The comparison is case-insensitive and ignores a leading '@'.
func (e Evidence) IdentifierMatches(expected string) bool {
	return SameIdentifier(e.MatchedIdentifier, expected)
}

// SameIdentifier compares two handles or content ids the way the anti-fraud gate does.
func SameIdentifier(a, b string) bool {
	na := normalizeIdentifier(a)
	nb := normalizeIdentifier(b)
	return na != "" && strings.EqualFold(na, nb)
}

func normalizeIdentifier(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "@")
}

// Proof is the terminal artifact handed to the backend collaborator. It is created
// once per action and never mutated.
type Proof struct {
	ActionID           string             `json:"action_id"`
	ActionType         ActionType         `json:"action_type"`
	Platform           Platform           `json:"platform"`
	TargetURL          string             `json:"target_url"`
	MatchedIdentifier  string             `json:"matched_identifier"`
	Timestamp          time.Time          `json:"timestamp"`
	DurationMs         int64              `json:"duration_ms"`
	VerificationMethod VerificationMethod `json:"verification_method"`
	Confidence         float64            `json:"confidence"`
	Success            bool               `json:"success"`
}

// FailureReport describes why an action could not be proven.
type FailureReport struct {
	ActionID        string        `json:"action_id"`
	Reason          FailureReason `json:"reason"`
	Message         string        `json:"message"`
	StagesCompleted []string      `json:"stages_completed"`
	Attempts        int           `json:"attempts"`
	DurationMs      int64         `json:"duration_ms"`
	Timestamp       time.Time     `json:"timestamp"`
}

// Result is the one terminal outcome emitted per action. Exactly one of Proof and
// Failure is set.
type Result struct {
	ActionID string         `json:"action_id"`
	Proof    *Proof         `json:"proof,omitempty"`
	Failure  *FailureReport `json:"failure,omitempty"`
}

// Payable reports whether the backend may treat this result as payable.
func (r Result) Payable() bool {
	return r.Proof != nil && r.Proof.Success && r.Failure == nil
}

// NewFailureResult is a shorthand for a failure-only Result.
func NewFailureResult(actionID string, reason FailureReason, msg string, stages []string, attempts int, elapsed time.Duration) Result {
	if stages == nil {
		stages = []string{}
	}
	return Result{
		ActionID: actionID,
		Failure: &FailureReport{
			ActionID:        actionID,
			Reason:          reason,
			Message:         msg,
			StagesCompleted: stages,
			Attempts:        attempts,
			DurationMs:      elapsed.Milliseconds(),
			Timestamp:       time.Now().UTC(),
		},
	}
}
