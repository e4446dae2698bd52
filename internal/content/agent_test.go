package content

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/proofwatch/api/schemas"
	"github.com/xkilldash9x/proofwatch/internal/config"
	"github.com/xkilldash9x/proofwatch/internal/domwatch"
	"github.com/xkilldash9x/proofwatch/internal/interceptor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type staticPage struct {
	mu       sync.Mutex
	html     string
	url      string
	released []string
}

func (p *staticPage) HTML(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html, nil
}

func (p *staticPage) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *staticPage) Observe(ctx context.Context, actionID, anchorXPath, controlXPath string) error {
	return nil
}

func (p *staticPage) Unobserve(ctx context.Context, actionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, actionID)
	return nil
}

func (p *staticPage) set(html string) {
	p.mu.Lock()
	p.html = html
	p.mu.Unlock()
}

const profileFollow = `<html><body><div data-testid="placementTracking"><div role="button" data-testid="44-follow">Follow</div></div></body></html>`
const profileFollowing = `<html><body><div data-testid="placementTracking"><div role="button" data-testid="44-unfollow">Following</div></div></body></html>`

func newTestAgent(t *testing.T, page domwatch.Page) (*Agent, <-chan schemas.Completion) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	opts := Options{
		Tracking: cfg.Tracking(),
		Detection: domwatch.Options{
			AnchorAttempts:      2,
			AnchorInterval:      5 * time.Millisecond,
			PollInterval:        time.Hour,
			ClickSettle:         5 * time.Millisecond,
			ConfidenceThreshold: 0.4,
			RecencyWindow:       time.Minute,
		},
	}
	out := make(chan schemas.Completion, 8)
	logger := zaptest.NewLogger(t)
	a := NewAgent("tab-1", page, interceptor.New(nil, logger, nil), opts, logger, func(c schemas.Completion) { out <- c })
	t.Cleanup(a.Close)
	return a, out
}

func await(t *testing.T, ch <-chan schemas.Completion) schemas.Completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no completion")
		return schemas.Completion{}
	}
}

func twitterFollow(id string) schemas.StartTracking {
	return schemas.StartTracking{
		ActionID:           id,
		ActionType:         schemas.ActionFollow,
		Platform:           schemas.PlatformTwitter,
		TargetURL:          "https://x.com/target_handle",
		ExpectedIdentifier: "target_handle",
		CreatedAt:          time.Now(),
	}
}

func TestAgent_FollowProvenByNetwork(t *testing.T) {
	page := &staticPage{html: profileFollow, url: "https://x.com/target_handle"}
	a, out := newTestAgent(t, page)
	require.NoError(t, a.Start(twitterFollow("f-1")))
	assert.Equal(t, []string{"f-1"}, a.Status().ActionIDs)

	a.Observe(schemas.ResponseEvent{
		URL:  "https://x.com/i/api/1.1/friendships/create.json",
		Body: []byte(`{"id_str":"44","screen_name":"target_handle","following":false}`),
	})

	c := await(t, out)
	require.True(t, c.Success, c.Details.Error)
	assert.Equal(t, schemas.MethodNetwork, c.Result.Proof.VerificationMethod)
	assert.Equal(t, interceptor.SigTwitterFriendship, c.Details.Evidence.Source)
	assert.Eventually(t, func() bool { return len(a.Status().ActionIDs) == 0 }, time.Second, 5*time.Millisecond)
}

func TestAgent_FollowProvenByDOM(t *testing.T) {
	page := &staticPage{html: profileFollow, url: "https://x.com/target_handle"}
	a, out := newTestAgent(t, page)
	require.NoError(t, a.Start(twitterFollow("f-2")))

	// Give the watcher time to capture its baseline.
	time.Sleep(50 * time.Millisecond)
	page.set(profileFollowing)
	a.Signal(schemas.PageSignal{Kind: schemas.SignalMutation})

	c := await(t, out)
	require.True(t, c.Success, c.Details.Error)
	assert.Equal(t, schemas.MethodMutation, c.Result.Proof.VerificationMethod)
	assert.Contains(t, c.Details.VerificationStages, "anchor_found")

	// The tab's observers for this action are released on cleanup.
	page.mu.Lock()
	defer page.mu.Unlock()
	assert.Equal(t, []string{"f-2"}, page.released)
}

func TestAgent_VerifyProfileMismatch(t *testing.T) {
	page := &staticPage{url: "https://www.instagram.com/ma3ak.health/"}
	a, out := newTestAgent(t, page)
	require.NoError(t, a.Start(schemas.StartTracking{
		ActionID:           "v-1",
		ActionType:         schemas.ActionVerifyProfile,
		Platform:           schemas.PlatformInstagram,
		TargetURL:          "https://www.instagram.com/ma3ak.health/",
		ExpectedIdentifier: "ma3ak.health",
	}))

	a.Observe(schemas.ResponseEvent{
		URL:  "https://www.instagram.com/api/v1/users/web_profile_info/?username=ma3ak_health",
		Body: []byte(`{"data":{"user":{"username":"ma3ak_health","id":"1","edge_followed_by":{"count":1},"edge_follow":{"count":1}}}}`),
	})

	c := await(t, out)
	assert.False(t, c.Success)
	assert.Equal(t, schemas.ReasonIdentifierMismatch, c.Result.Failure.Reason)
}

// The page fires its profile query while it boots, before the directive is
// delivered.
func TestAgent_VerifyProfileSeenBeforeStart(t *testing.T) {
	page := &staticPage{url: "https://www.instagram.com/ma3ak.health/"}
	a, out := newTestAgent(t, page)

	a.Observe(schemas.ResponseEvent{
		URL:  "https://www.instagram.com/api/v1/users/web_profile_info/?username=ma3ak_fan",
		Body: []byte(`{"data":{"user":{"username":"ma3ak_fan","id":"2","edge_followed_by":{"count":1},"edge_follow":{"count":1}}}}`),
	})
	a.Observe(schemas.ResponseEvent{
		URL:  "https://www.instagram.com/api/v1/users/web_profile_info/?username=ma3ak.health",
		Body: []byte(`{"data":{"user":{"username":"ma3ak.health","id":"1","edge_followed_by":{"count":1200},"edge_follow":{"count":80}}}}`),
	})

	require.NoError(t, a.Start(schemas.StartTracking{
		ActionID:           "v-2",
		ActionType:         schemas.ActionVerifyProfile,
		Platform:           schemas.PlatformInstagram,
		TargetURL:          "https://www.instagram.com/ma3ak.health/",
		ExpectedIdentifier: "ma3ak.health",
	}))

	c := await(t, out)
	require.True(t, c.Success, c.Details.Error)
	assert.Equal(t, "ma3ak.health", c.Result.Proof.MatchedIdentifier)
	assert.Equal(t, schemas.MethodNetwork, c.Result.Proof.VerificationMethod)
}

func TestAgent_FollowEchoForAnotherAccount(t *testing.T) {
	page := &staticPage{html: profileFollow, url: "https://x.com/target_handle"}
	a, out := newTestAgent(t, page)
	require.NoError(t, a.Start(twitterFollow("f-3")))

	a.Observe(schemas.ResponseEvent{
		URL:  "https://x.com/i/api/1.1/friendships/create.json",
		Body: []byte(`{"id_str":"45","screen_name":"someone_else","following":false}`),
	})

	c := await(t, out)
	assert.False(t, c.Success)
	assert.Equal(t, schemas.ReasonIdentifierMismatch, c.Result.Failure.Reason)
}

func TestAgent_DuplicateCancelAndClose(t *testing.T) {
	page := &staticPage{html: profileFollow, url: "https://x.com/target_handle"}
	a, out := newTestAgent(t, page)

	require.NoError(t, a.Start(twitterFollow("d-1")))
	assert.ErrorIs(t, a.Start(twitterFollow("d-1")), schemas.ErrAlreadyTracking)

	bad := twitterFollow("d-2")
	bad.ExpectedIdentifier = ""
	assert.Error(t, a.Start(bad))

	a.Cancel("d-1")
	c := await(t, out)
	assert.Equal(t, schemas.ReasonCancelled, c.Result.Failure.Reason)

	require.NoError(t, a.Start(twitterFollow("d-3")))
	a.Close()
	c = await(t, out)
	assert.Equal(t, "d-3", c.ActionID)
	assert.Equal(t, schemas.ReasonCancelled, c.Result.Failure.Reason)

	assert.False(t, a.Status().Active)
	assert.ErrorIs(t, a.Start(twitterFollow("d-4")), schemas.ErrContentContextUnreachable)
}
