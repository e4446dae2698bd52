package interceptor

import (
	"regexp"

	"github.com/xkilldash9x/proofwatch/api/schemas"
)

var (
	igLikePath    = regexp.MustCompile(`^/api/v1/web/likes/[^/]+/like/?$`)
	igCommentPath = regexp.MustCompile(`^/api/v1/web/comments/[^/]+/add/?$`)
	igMediaPath   = regexp.MustCompile(`^/api/v1/media/[^/]+/info/?$`)
)

// Signature names. Analytics signatures are capture-only and consumed by the
// account collection flow.
const (
	SigInstagramProfile    = "ig_profile_info"
	SigInstagramFriendship = "ig_friendship_create"
	SigInstagramLike       = "ig_like"
	SigInstagramComment    = "ig_comment_add"
	SigInstagramMedia      = "ig_media_info"
	SigInstagramInsights   = "ig_account_insights"
	SigTwitterProfile      = "tw_user_by_screen_name"
	SigTwitterFriendship   = "tw_friendship_create"
	SigTwitterTimeline     = "tw_timeline"
	SigTwitterAnalytics    = "tw_account_analytics"
	SigTikTokProfile       = "tt_user_detail"
)

var (
	accountActions = []schemas.ActionType{schemas.ActionFollow, schemas.ActionVerifyProfile}
	contentActions = []schemas.ActionType{schemas.ActionLike, schemas.ActionComment, schemas.ActionRetweet}
)

// DefaultSignatures returns the shipped signature set in match order.
func DefaultSignatures() []Signature {
	return []Signature{
		// -- Instagram --
		{
			Name:     SigInstagramProfile,
			Platform: schemas.PlatformInstagram,
			Actions:  accountActions,
			Match:    PathContains("/api/v1/users/web_profile_info/"),
			Parse:    ParseInstagramProfile,
			Check:    ProfilePredicate,
		},
		{
			Name:     SigInstagramFriendship,
			Platform: schemas.PlatformInstagram,
			Actions:  []schemas.ActionType{schemas.ActionFollow},
			Match:    PathContains("/api/v1/friendships/create/"),
			Parse:    ParseInstagramFriendship,
			Check:    EchoPredicate,
		},
		{
			Name:     SigInstagramLike,
			Platform: schemas.PlatformInstagram,
			Actions:  []schemas.ActionType{schemas.ActionLike},
			Match:    PathPattern(igLikePath),
			Parse:    ParseInstagramLike,
			Check:    EchoPredicate,
		},
		{
			Name:     SigInstagramComment,
			Platform: schemas.PlatformInstagram,
			Actions:  []schemas.ActionType{schemas.ActionComment},
			Match:    PathPattern(igCommentPath),
			Parse:    ParseInstagramComment,
			Check:    EchoPredicate,
		},
		{
			Name:     SigInstagramMedia,
			Platform: schemas.PlatformInstagram,
			Actions:  []schemas.ActionType{schemas.ActionLike},
			Match:    PathPattern(igMediaPath),
			Parse:    ParseInstagramMedia,
			Check:    ReferencePredicate,
		},
		{
			Name:     SigInstagramInsights,
			Platform: schemas.PlatformInstagram,
			Match:    PathContains("/api/v1/insights/account/"),
			Parse:    ParseAnalytics,
		},
		// -- Twitter / X --
		{
			Name:     SigTwitterProfile,
			Platform: schemas.PlatformTwitter,
			Actions:  accountActions,
			Match:    GraphQLOperation("UserByScreenName"),
			Parse:    ParseTwitterProfile,
			Check:    ProfilePredicate,
		},
		{
			Name:     SigTwitterFriendship,
			Platform: schemas.PlatformTwitter,
			Actions:  []schemas.ActionType{schemas.ActionFollow},
			Match:    PathContains("/i/api/1.1/friendships/create.json"),
			Parse:    ParseTwitterFriendship,
			Check:    EchoPredicate,
		},
		{
			Name:     SigTwitterTimeline,
			Platform: schemas.PlatformTwitter,
			Actions:  contentActions,
			Match: GraphQLOperation("TweetDetail", "UserTweets", "UserTweetsAndReplies",
				"CreateTweet", "CreateRetweet", "FavoriteTweet"),
			Parse: ParseTwitterTimeline,
			Check: ReferencePredicate,
		},
		{
			Name:     SigTwitterAnalytics,
			Platform: schemas.PlatformTwitter,
			Match:    GraphQLOperation("AccountAnalytics"),
			Parse:    ParseAnalytics,
		},
		// -- TikTok --
		{
			Name:     SigTikTokProfile,
			Platform: schemas.PlatformTikTok,
			Actions:  accountActions,
			Match:    PathContains("/api/user/detail/"),
			Parse:    ParseTikTokProfile,
			Check:    ProfilePredicate,
		},
	}
}

// DefaultRegistry returns a registry holding DefaultSignatures.
func DefaultRegistry() *Registry {
	return NewRegistry(DefaultSignatures()...)
}

// IsProfileSignature reports whether name is one of the profile signatures.
func IsProfileSignature(name string) bool {
	switch name {
	case SigInstagramProfile, SigTwitterProfile, SigTikTokProfile:
		return true
	}
	return false
}

// IsAnalyticsSignature reports whether name is one of the analytics signatures.
func IsAnalyticsSignature(name string) bool {
	return name == SigInstagramInsights || name == SigTwitterAnalytics
}
