package schemas

import (
	"time"
)

// -- Orchestrator <-> Content Context Messages --

// StartTracking is the directive delivered into a tab's content context.
type StartTracking struct {
	ActionID           string     `json:"action_id"`
	ActionType         ActionType `json:"action_type"`
	Platform           Platform   `json:"platform"`
	TargetURL          string     `json:"target_url"`
	ExpectedIdentifier string     `json:"expected_identifier"`
	ExpectedText       string     `json:"expected_text,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Request converts the directive back into the request it was derived from.
func (s StartTracking) Request() ActionRequest {
	return ActionRequest{
		ActionID:           s.ActionID,
		ActionType:         s.ActionType,
		Platform:           s.Platform,
		TargetURL:          s.TargetURL,
		ExpectedIdentifier: s.ExpectedIdentifier,
		ExpectedText:       s.ExpectedText,
		CreatedAt:          s.CreatedAt,
	}
}

// ContextStatus answers a status check against a content context.
type ContextStatus struct {
	Active    bool     `json:"active"`
	ActionIDs []string `json:"action_ids"`
}

// CompletionDetails carries the diagnostic part of a completion message.
type CompletionDetails struct {
	Evidence           *Evidence `json:"evidence,omitempty"`
	Confidence         float64   `json:"confidence"`
	VerificationStages []string  `json:"verification_stages"`
	Error              string    `json:"error,omitempty"`
}

// Completion is emitted by a content context when a tracker reaches a terminal
// state. Result holds the built Proof or FailureReport.
type Completion struct {
	ActionID  string            `json:"action_id"`
	Success   bool              `json:"success"`
	Details   CompletionDetails `json:"details"`
	Timestamp time.Time         `json:"timestamp"`
	Result    Result            `json:"result"`
}
