package schemas

import (
	"fmt"
	"strings"
	"time"
)

// ActionType identifies the kind of engagement a user is asked to perform and prove.
type ActionType string

const (
	ActionFollow        ActionType = "follow"
	ActionLike          ActionType = "like"
	ActionComment       ActionType = "comment"
	ActionRetweet       ActionType = "retweet"
	ActionVerifyProfile ActionType = "verify_profile"
)

// IsToggle reports whether the action is detected through a discrete control flip
// (a button whose label changes) rather than through new freeform content.
func (a ActionType) IsToggle() bool {
	switch a {
	case ActionFollow, ActionLike, ActionRetweet:
		return true
	}
	return false
}

// Platform identifies the third-party social platform hosting the action.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTwitter   Platform = "twitter"
	PlatformTikTok    Platform = "tiktok"
)

// ParsePlatform normalizes a user supplied platform name. "x" is accepted as an
// alias for twitter.
func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "instagram", "ig":
		return PlatformInstagram, nil
	case "twitter", "x":
		return PlatformTwitter, nil
	case "tiktok":
		return PlatformTikTok, nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// ParseActionType normalizes a user supplied action type.
func ParseActionType(s string) (ActionType, error) {
	switch at := ActionType(strings.ToLower(strings.TrimSpace(s))); at {
	case ActionFollow, ActionLike, ActionComment, ActionRetweet, ActionVerifyProfile:
		return at, nil
	}
	return "", fmt.Errorf("unknown action type %q", s)
}

// ActionRequest is the immutable input describing what to verify.
// ExpectedIdentifier is the account handle (follow, verify_profile) or the target
// content id (like, comment, retweet) that must appear in the evidence.
type ActionRequest struct {
	ActionID           string     `json:"action_id"`
	ActionType         ActionType `json:"action_type"`
	Platform           Platform   `json:"platform"`
	TargetURL          string     `json:"target_url"`
	ExpectedIdentifier string     `json:"expected_identifier"`
	ExpectedText       string     `json:"expected_text,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Validate checks that the request carries everything the engine needs.
func (r ActionRequest) Validate() error {
	if r.ActionID == "" {
		return fmt.Errorf("action_id is required")
	}
	if _, err := ParseActionType(string(r.ActionType)); err != nil {
		return err
	}
	if _, err := ParsePlatform(string(r.Platform)); err != nil {
		return err
	}
	if !strings.HasPrefix(r.TargetURL, "https://") && !strings.HasPrefix(r.TargetURL, "http://") {
		return fmt.Errorf("target_url must be an absolute http(s) URL, got %q", r.TargetURL)
	}
	if strings.TrimSpace(r.ExpectedIdentifier) == "" {
		return fmt.Errorf("expected_identifier is required")
	}
	if r.ActionType == ActionComment && strings.TrimSpace(r.ExpectedText) == "" {
		return fmt.Errorf("expected_text is required for comment actions")
	}
	return nil
}

// StartTracking returns the directive delivered to a tab's content context.
func (r ActionRequest) StartTracking() StartTracking {
	return StartTracking{
		ActionID:           r.ActionID,
		ActionType:         r.ActionType,
		Platform:           r.Platform,
		TargetURL:          r.TargetURL,
		ExpectedIdentifier: r.ExpectedIdentifier,
		ExpectedText:       r.ExpectedText,
		CreatedAt:          r.CreatedAt,
	}
}
