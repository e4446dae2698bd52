package schemas

import (
	"time"
)

// -- Multi-phase Account Collection --

// CollectionPhase names a navigate+collect step of an account collection.
type CollectionPhase string

const (
	PhaseProfile   CollectionPhase = "profile"
	PhaseAnalytics CollectionPhase = "analytics"
	PhaseDone      CollectionPhase = "done"
)

// AccountRequest asks for an onboarding collection of one account.
type AccountRequest struct {
	AccountID    string    `json:"account_id"`
	Platform     Platform  `json:"platform"`
	Handle       string    `json:"handle"`
	ProfileURL   string    `json:"profile_url"`
	AnalyticsURL string    `json:"analytics_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProfileData is what a profile parser extracts.
type ProfileData struct {
	Username         string `json:"username"`
	FullName         string `json:"full_name,omitempty"`
	UserID           string `json:"user_id,omitempty"`
	FollowerCount    int64  `json:"follower_count"`
	FollowingCount   int64  `json:"following_count"`
	PostCount        int64  `json:"post_count"`
	IsPrivate        bool   `json:"is_private"`
	IsVerified       bool   `json:"is_verified"`
	FollowedByViewer bool   `json:"followed_by_viewer"`
}

// AnalyticsData is what an analytics/insights parser extracts.
type AnalyticsData struct {
	Reach       int64              `json:"reach"`
	Impressions int64              `json:"impressions"`
	Countries   map[string]float64 `json:"countries,omitempty"`
	AgeRanges   map[string]float64 `json:"age_ranges,omitempty"`
	Genders     map[string]float64 `json:"genders,omitempty"`
}

// CollectionPhaseState is transient, keyed by AccountID, and exists only while a
// multi-phase collection is in flight.
type CollectionPhaseState struct {
	AccountID         string            `json:"account_id"`
	Handle            string            `json:"handle"`
	Phase             CollectionPhase   `json:"phase"`
	CollectedPartials []CapturedPayload `json:"collected_partials"`
	TabID             string            `json:"tab_id"`
	StartedAt         time.Time         `json:"started_at"`
}

// AccountCollection is the merged result of a multi-phase collection.
type AccountCollection struct {
	AccountID string         `json:"account_id"`
	Handle    string         `json:"handle"`
	Platform  Platform       `json:"platform"`
	Profile   ProfileData    `json:"profile"`
	Analytics *AnalyticsData `json:"analytics,omitempty"`
	// MissingOptional is set when the optional analytics phase timed out or failed.
	MissingOptional bool              `json:"missing_optional"`
	Phases          []CollectionPhase `json:"phases"`
	CompletedAt     time.Time         `json:"completed_at"`
}
