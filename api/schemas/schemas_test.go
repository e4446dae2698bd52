// File: api/schemas/schemas_test.go
package schemas

import (
	"context"
	"fmt"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConstants verifies that the wire values of the enums do not drift.
func TestConstants(t *testing.T) {
	assert.Equal(t, ActionType("verify_profile"), ActionVerifyProfile)
	assert.Equal(t, Platform("twitter"), PlatformTwitter)
	assert.Equal(t, VerificationMethod("navigation-change"), MethodNavigationChange)
	assert.Equal(t, FailureReason("TabClosedPrematurely"), ReasonTabClosedPrematurely)

	assert.True(t, ActionFollow.IsToggle())
	assert.True(t, ActionRetweet.IsToggle())
	assert.False(t, ActionComment.IsToggle())
	assert.False(t, ActionVerifyProfile.IsToggle())
}

func TestParsePlatform(t *testing.T) {
	tests := map[string]Platform{"instagram": PlatformInstagram, " IG ": PlatformInstagram, "X": PlatformTwitter, "twitter": PlatformTwitter, "tiktok": PlatformTikTok}
	for in, want := range tests {
		got, err := ParsePlatform(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePlatform("facebook")
	assert.EqualError(t, err, `unknown platform "facebook"`)

	at, err := ParseActionType("Retweet")
	require.NoError(t, err)
	assert.Equal(t, ActionRetweet, at)
	_, err = ParseActionType("share")
	assert.Error(t, err)
}

func TestActionRequestValidate(t *testing.T) {
	valid := ActionRequest{
		ActionID:           "a-1",
		ActionType:         ActionComment,
		Platform:           PlatformInstagram,
		TargetURL:          "https://www.instagram.com/p/C1a2b3/",
		ExpectedIdentifier: "C1a2b3",
		ExpectedText:       "great post",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(r *ActionRequest)
		errSub string
	}{
		{"missing id", func(r *ActionRequest) { r.ActionID = "" }, "action_id is required"},
		{"bad type", func(r *ActionRequest) { r.ActionType = "share" }, "unknown action type"},
		{"bad platform", func(r *ActionRequest) { r.Platform = "myspace" }, "unknown platform"},
		{"relative url", func(r *ActionRequest) { r.TargetURL = "/p/C1a2b3/" }, "absolute http(s) URL"},
		{"no identifier", func(r *ActionRequest) { r.ExpectedIdentifier = " " }, "expected_identifier is required"},
		{"comment without text", func(r *ActionRequest) { r.ExpectedText = "" }, "expected_text is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			assert.ErrorContains(t, r.Validate(), tt.errSub)
		})
	}
}

func TestStartTrackingRoundTrip(t *testing.T) {
	req := ActionRequest{
		ActionID: "a-1", ActionType: ActionFollow, Platform: PlatformTikTok,
		TargetURL: "https://www.tiktok.com/@creator", ExpectedIdentifier: "creator",
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, req, req.StartTracking().Request())
}

func TestReasonOf(t *testing.T) {
	tests := []struct {
		err  error
		want FailureReason
	}{
		{nil, ""},
		{fmt.Errorf("wrap: %w", ErrAnchorNotFound), ReasonAnchorNotFound},
		{ErrIdentifierMismatch, ReasonIdentifierMismatch},
		{ErrParse, ReasonParseError},
		{ErrTabClosedPrematurely, ReasonTabClosedPrematurely},
		{context.Canceled, ReasonCancelled},
		{context.DeadlineExceeded, ReasonTimeout},
		{ErrTimeout, ReasonTimeout},
		{fmt.Errorf("socket hang up"), ReasonContentContextUnreachable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ReasonOf(tt.err), fmt.Sprint(tt.err))
	}
}

func TestSameIdentifier(t *testing.T) {
	assert.True(t, SameIdentifier("@Jack", "jack"))
	assert.True(t, Evidence{MatchedIdentifier: " jack "}.IdentifierMatches("@JACK"))
	assert.False(t, SameIdentifier("jack", "jill"))
	assert.False(t, SameIdentifier("", ""), "empty identifiers never match")
	assert.False(t, SameIdentifier("@", "@"))
}

func TestResultSerialization(t *testing.T) {
	proven := Result{ActionID: "a-1", Proof: &Proof{ActionID: "a-1", Success: true, Confidence: 0.9}}
	assert.True(t, proven.Payable())

	data, err := json.Marshal(proven)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"failure"`)

	var decoded Result
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, proven, decoded)

	failed := NewFailureResult("a-2", ReasonTimeout, "no signal", nil, 2, 1500*time.Millisecond)
	assert.False(t, failed.Payable())
	assert.Equal(t, []string{}, failed.Failure.StagesCompleted)
	assert.Equal(t, int64(1500), failed.Failure.DurationMs)

	data, err = json.Marshal(failed)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stages_completed":[]`)
	assert.NotContains(t, string(data), `"proof"`)

	// A failed proof is never payable, even without a failure report.
	assert.False(t, Result{Proof: &Proof{Success: false}}.Payable())
}

func TestDomSnapshotHasItem(t *testing.T) {
	s := DomSnapshot{Items: []string{"h1", "h2"}}
	assert.True(t, s.HasItem("h2"))
	assert.False(t, s.HasItem("h3"))
}
