package interceptor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/proofwatch/api/schemas"
)

const igProfileURL = "https://www.instagram.com/api/v1/users/web_profile_info/?username=ma3ak.health"

func igProfileBody(username string, following bool) []byte {
	f := "false"
	if following {
		f = "true"
	}
	return []byte(`{"data":{"user":{"username":"` + username + `","full_name":"Ma3ak","id":"5521873301",
		"edge_followed_by":{"count":1200},"edge_follow":{"count":80},"edge_owner_to_timeline_media":{"count":31},
		"is_private":false,"is_verified":false,"followed_by_viewer":` + f + `}},"status":"ok"}`)
}

type recorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recorder) notify(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recorder) all() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

func verifyProfileRequest(id string) schemas.ActionRequest {
	return schemas.ActionRequest{
		ActionID:           "act-1",
		ActionType:         schemas.ActionVerifyProfile,
		Platform:           schemas.PlatformInstagram,
		TargetURL:          "https://www.instagram.com/ma3ak.health/",
		ExpectedIdentifier: id,
		CreatedAt:          time.Now(),
	}
}

func TestInterceptor_ProfileMatchAndMismatch(t *testing.T) {
	t.Run("exact case-insensitive match", func(t *testing.T) {
		i := New(nil, zaptest.NewLogger(t), nil)
		rec := &recorder{}
		i.Track(verifyProfileRequest("MA3AK.health"), rec.notify)

		i.Observe(schemas.ResponseEvent{URL: igProfileURL, Body: igProfileBody("ma3ak.health", false)})

		out := rec.all()
		require.Len(t, out, 1)
		assert.Equal(t, Match, out[0].Verdict)
		assert.Equal(t, "ma3ak.health", out[0].Evidence.MatchedIdentifier)
		assert.Equal(t, schemas.MethodNetwork, out[0].Evidence.Method)
		assert.Equal(t, SigInstagramProfile, out[0].Evidence.Source)
	})

	t.Run("different username is a mismatch", func(t *testing.T) {
		i := New(nil, zaptest.NewLogger(t), nil)
		rec := &recorder{}
		i.Track(verifyProfileRequest("ma3ak.health"), rec.notify)

		i.Observe(schemas.ResponseEvent{URL: igProfileURL, Body: igProfileBody("ma3ak_health", false)})

		out := rec.all()
		require.Len(t, out, 1)
		assert.Equal(t, Mismatch, out[0].Verdict)
		assert.Equal(t, "ma3ak_health", out[0].Evidence.MatchedIdentifier)
	})
}

func TestInterceptor_ParseErrorIsSwallowed(t *testing.T) {
	var captured []schemas.CapturedPayload
	i := New(nil, zaptest.NewLogger(t), func(p schemas.CapturedPayload) { captured = append(captured, p) })
	rec := &recorder{}
	i.Track(verifyProfileRequest("ma3ak.health"), rec.notify)

	assert.NotPanics(t, func() {
		i.Observe(schemas.ResponseEvent{URL: igProfileURL, Body: []byte(`{"data":`)})
	})
	// A later good payload is still handled.
	i.Observe(schemas.ResponseEvent{URL: igProfileURL, Body: igProfileBody("ma3ak.health", false)})

	out := rec.all()
	require.Len(t, out, 2)
	assert.ErrorIs(t, out[0].Err, schemas.ErrParse)
	assert.Equal(t, Irrelevant, out[0].Verdict)
	assert.Equal(t, Match, out[1].Verdict)
	require.Len(t, captured, 1)
	assert.Equal(t, SigInstagramProfile, captured[0].SignatureName)
}

func TestInterceptor_FriendshipResolvedThroughProfile(t *testing.T) {
	i := New(nil, zaptest.NewLogger(t), nil)
	rec := &recorder{}
	req := verifyProfileRequest("ma3ak.health")
	req.ActionType = schemas.ActionFollow
	i.Track(req, rec.notify)

	// Profile loads first (not yet followed): irrelevant for follow.
	i.Observe(schemas.ResponseEvent{URL: igProfileURL, Body: igProfileBody("ma3ak.health", false)})
	assert.Empty(t, rec.all())

	i.Observe(schemas.ResponseEvent{
		URL:  "https://www.instagram.com/api/v1/friendships/create/5521873301/",
		Body: []byte(`{"friendship_status":{"following":true,"outgoing_request":false},"status":"ok"}`),
	})

	out := rec.all()
	require.Len(t, out, 1)
	assert.Equal(t, Match, out[0].Verdict)
	assert.Equal(t, "ma3ak.health", out[0].Evidence.MatchedIdentifier)
	assert.Equal(t, SigInstagramFriendship, out[0].Evidence.Source)
}

func TestInterceptor_UnresolvedFriendshipIsIrrelevant(t *testing.T) {
	i := New(nil, zaptest.NewLogger(t), nil)
	rec := &recorder{}
	req := verifyProfileRequest("ma3ak.health")
	req.ActionType = schemas.ActionFollow
	i.Track(req, rec.notify)

	i.Observe(schemas.ResponseEvent{
		URL:  "https://www.instagram.com/api/v1/friendships/create/999/",
		Body: []byte(`{"friendship_status":{"following":true},"status":"ok"}`),
	})
	assert.Empty(t, rec.all())
}

func TestInterceptor_TimelineReferences(t *testing.T) {
	i := New(nil, zaptest.NewLogger(t), nil)
	rec := &recorder{}
	i.Track(schemas.ActionRequest{
		ActionID:           "rt-1",
		ActionType:         schemas.ActionRetweet,
		Platform:           schemas.PlatformTwitter,
		TargetURL:          "https://x.com/jack/status/20",
		ExpectedIdentifier: "20",
	}, rec.notify)

	// A timeline read with an unrelated tweet is irrelevant.
	i.Observe(schemas.ResponseEvent{
		URL:  "https://x.com/i/api/graphql/abc123/TweetDetail?variables=%7B%7D",
		Body: []byte(`{"data":{"tweet":{"rest_id":"21","legacy":{"retweeted":true}}}}`),
	})
	assert.Empty(t, rec.all())

	i.Observe(schemas.ResponseEvent{
		URL:         "https://x.com/i/api/graphql/ojPdsZsimiJrUGLR1sjUtA/CreateRetweet",
		Method:      "POST",
		RequestBody: []byte(`{"variables":{"tweet_id":"20","dark_request":false},"queryId":"ojPdsZsimiJrUGLR1sjUtA"}`),
		Body:        []byte(`{"data":{"create_retweet":{"retweet_results":{"result":{"rest_id":"1799","legacy":{"full_text":"RT @jack: just setting up my twttr"}}}}}}`),
	})

	out := rec.all()
	require.Len(t, out, 1)
	assert.Equal(t, Match, out[0].Verdict)
	assert.Equal(t, "20", out[0].Evidence.MatchedIdentifier)
	assert.Equal(t, SigTwitterTimeline, out[0].Evidence.Source)
}

func TestInterceptor_UntrackStopsNotifications(t *testing.T) {
	i := New(nil, zaptest.NewLogger(t), nil)
	rec := &recorder{}
	stop := i.Track(verifyProfileRequest("ma3ak.health"), rec.notify)
	stop()
	stop()

	i.Observe(schemas.ResponseEvent{URL: igProfileURL, Body: igProfileBody("ma3ak.health", false)})
	assert.Empty(t, rec.all())
}

func TestInterceptor_OtherPlatformIgnored(t *testing.T) {
	i := New(nil, zaptest.NewLogger(t), nil)
	rec := &recorder{}
	req := verifyProfileRequest("ma3ak.health")
	req.Platform = schemas.PlatformTwitter
	i.Track(req, rec.notify)

	i.Observe(schemas.ResponseEvent{URL: igProfileURL, Body: igProfileBody("ma3ak.health", false)})
	assert.Empty(t, rec.all())
}

func TestRegistry_Wants(t *testing.T) {
	r := DefaultRegistry()
	assert.True(t, r.Wants(igProfileURL))
	assert.True(t, r.Wants("https://x.com/i/api/graphql/xyz/UserByScreenName?variables=%7B%7D"))
	assert.True(t, r.Wants("https://www.instagram.com/api/v1/web/likes/3312/like/"))
	assert.False(t, r.Wants("https://www.instagram.com/static/bundles/app.js"))
	assert.False(t, r.Wants("https://x.com/i/api/graphql/xyz/HomeTimeline"))
}

func TestOperationName(t *testing.T) {
	assert.Equal(t, "TweetDetail", OperationName("https://x.com/i/api/graphql/q1/TweetDetail?variables=%7B%7D"))
	assert.Equal(t, "", OperationName("https://x.com/home"))
}

func TestInterceptor_ReplaysEarlierPayloads(t *testing.T) {
	i := New(nil, zaptest.NewLogger(t), nil)
	i.Observe(schemas.ResponseEvent{URL: igProfileURL, Body: igProfileBody("ma3ak_fan", false)})
	i.Observe(schemas.ResponseEvent{URL: igProfileURL, Body: igProfileBody("ma3ak.health", false)})

	rec := &recorder{}
	i.Track(verifyProfileRequest("ma3ak.health"), rec.notify)

	out := rec.all()
	require.Len(t, out, 2)
	assert.Equal(t, Match, out[0].Verdict, "matches replay ahead of mismatches")
	assert.Equal(t, "ma3ak.health", out[0].Evidence.MatchedIdentifier)
	assert.Equal(t, Mismatch, out[1].Verdict)

	// Actions the payloads do not apply to get nothing.
	other := &recorder{}
	req := verifyProfileRequest("ma3ak.health")
	req.ActionID = "act-2"
	req.Platform = schemas.PlatformTwitter
	i.Track(req, other.notify)
	assert.Empty(t, other.all())
}

func TestInterceptor_ReplayBufferIsBounded(t *testing.T) {
	i := New(nil, zaptest.NewLogger(t), nil)
	i.Observe(schemas.ResponseEvent{URL: igProfileURL, Body: igProfileBody("ma3ak.health", false)})
	for n := 0; n < RecentCaptures; n++ {
		i.Observe(schemas.ResponseEvent{URL: igProfileURL, Body: igProfileBody("someone_else", false)})
	}

	rec := &recorder{}
	i.Track(verifyProfileRequest("ma3ak.health"), rec.notify)

	out := rec.all()
	require.Len(t, out, RecentCaptures)
	for _, o := range out {
		assert.Equal(t, Mismatch, o.Verdict)
	}
}
