// internal/engine/engine_test.go
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/proofwatch/api/schemas"
	"github.com/xkilldash9x/proofwatch/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Mock Implementations --

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) Verify(ctx context.Context, req schemas.ActionRequest) (schemas.Result, error) {
	args := m.Called(ctx, req)
	if fn, ok := args.Get(0).(func(context.Context, schemas.ActionRequest) schemas.Result); ok {
		return fn(ctx, req), args.Error(1)
	}
	return args.Get(0).(schemas.Result), args.Error(1)
}

type mockCollector struct {
	mock.Mock
}

func (m *mockCollector) Collect(ctx context.Context, req schemas.AccountRequest) (schemas.AccountCollection, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(schemas.AccountCollection), args.Error(1)
}

func provenResult(id string) schemas.Result {
	return schemas.Result{ActionID: id, Proof: &schemas.Proof{ActionID: id, Success: true, Confidence: 1, VerificationMethod: schemas.MethodNetwork}}
}

func followJob(id string) Job {
	return ActionJob(schemas.ActionRequest{
		ActionID:           id,
		ActionType:         schemas.ActionFollow,
		Platform:           schemas.PlatformTwitter,
		TargetURL:          "https://x.com/jack",
		ExpectedIdentifier: "jack",
	})
}

// -- Test Suite --

func TestNew_Validation(t *testing.T) {
	logger := zaptest.NewLogger(t)
	_, err := New(config.EngineConfig{}, nil, nil, logger)
	assert.Error(t, err)
	_, err = New(config.EngineConfig{}, &mockVerifier{}, nil, nil)
	assert.Error(t, err)

	e, err := New(config.EngineConfig{}, &mockVerifier{}, nil, logger)
	require.NoError(t, err)
	assert.Equal(t, defaultConcurrency, e.cfg.WorkerConcurrency)
}

// TestEngine_StartStop verifies the worker pool consumes the queue and exits
// once it is closed and drained.
func TestEngine_StartStop(t *testing.T) {
	v := &mockVerifier{}
	c := &mockCollector{}
	e, err := New(config.EngineConfig{WorkerConcurrency: 2}, v, c, zaptest.NewLogger(t))
	require.NoError(t, err)

	v.On("Verify", mock.Anything, mock.MatchedBy(func(r schemas.ActionRequest) bool { return r.ActionID != "bad" })).
		Return(func(_ context.Context, r schemas.ActionRequest) schemas.Result { return provenResult(r.ActionID) }, nil)
	v.On("Verify", mock.Anything, mock.MatchedBy(func(r schemas.ActionRequest) bool { return r.ActionID == "bad" })).
		Return(schemas.NewFailureResult("bad", schemas.ReasonTimeout, "timed out", nil, 1, time.Second), nil)
	c.On("Collect", mock.Anything, mock.Anything).
		Return(schemas.AccountCollection{AccountID: "acc-1", Handle: "jack"}, nil)

	jobs := make(chan Job, 10)
	e.Start(context.Background(), jobs)
	// A second Start is ignored.
	e.Start(context.Background(), jobs)

	for i := 0; i < 3; i++ {
		jobs <- followJob(fmt.Sprintf("a-%d", i))
	}
	jobs <- followJob("bad")
	jobs <- AccountJob(schemas.AccountRequest{AccountID: "acc-1", Platform: schemas.PlatformTwitter, Handle: "jack", ProfileURL: "https://x.com/jack"})
	jobs <- Job{}
	close(jobs)

	e.Stop()

	assert.Equal(t, Stats{Processed: 6, Succeeded: 4, Failed: 1, Rejected: 1}, e.Stats())
	v.AssertNumberOfCalls(t, "Verify", 4)
	c.AssertExpectations(t)
}

func TestEngine_WorkersExitOnCancel(t *testing.T) {
	e, err := New(config.EngineConfig{WorkerConcurrency: 3}, &mockVerifier{}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	jobs := make(chan Job)
	e.Start(ctx, jobs)
	cancel()

	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not exit after cancellation")
	}
	assert.Equal(t, Stats{}, e.Stats())
}

func TestEngine_RejectedActions(t *testing.T) {
	v := &mockVerifier{}
	e, err := New(config.EngineConfig{WorkerConcurrency: 1}, v, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	v.On("Verify", mock.Anything, mock.Anything).Return(schemas.Result{}, fmt.Errorf("%w: bad", schemas.ErrInvalidRequest))

	stats, err := e.RunBatch(context.Background(), []Job{
		followJob("a-1"),
		// Account jobs need a collector.
		AccountJob(schemas.AccountRequest{AccountID: "acc"}),
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 2, Rejected: 2}, stats)
}

func TestEngine_RunBatchRespectsTabCap(t *testing.T) {
	v := &mockVerifier{}
	e, err := New(config.EngineConfig{WorkerConcurrency: 2}, v, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	var mu sync.Mutex
	active, peak := 0, 0
	v.On("Verify", mock.Anything, mock.Anything).Return(func(_ context.Context, r schemas.ActionRequest) schemas.Result {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return provenResult(r.ActionID)
	}, nil)

	batch := make([]Job, 6)
	for i := range batch {
		batch[i] = followJob(fmt.Sprintf("a-%d", i))
	}
	stats, err := e.RunBatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, int64(6), stats.Succeeded)
	assert.LessOrEqual(t, peak, 2)
}

func TestEngine_CollectOutcomes(t *testing.T) {
	c := &mockCollector{}
	e, err := New(config.EngineConfig{WorkerConcurrency: 1}, &mockVerifier{}, c, zaptest.NewLogger(t))
	require.NoError(t, err)

	c.On("Collect", mock.Anything, mock.MatchedBy(func(r schemas.AccountRequest) bool { return r.AccountID == "gone" })).
		Return(schemas.AccountCollection{}, schemas.ErrTabClosedPrematurely)
	c.On("Collect", mock.Anything, mock.MatchedBy(func(r schemas.AccountRequest) bool { return r.AccountID == "bad" })).
		Return(schemas.AccountCollection{}, fmt.Errorf("%w: account: handle is required", schemas.ErrInvalidRequest))

	stats, err := e.RunBatch(context.Background(), []Job{
		AccountJob(schemas.AccountRequest{AccountID: "gone"}),
		AccountJob(schemas.AccountRequest{AccountID: "bad"}),
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{Processed: 2, Failed: 1, Rejected: 1}, stats)
}

func TestDecodeJob(t *testing.T) {
	t.Run("action with derived identifier", func(t *testing.T) {
		job, err := DecodeJob([]byte(`{"action_type":"Retweet","platform":"x","target_url":"https://x.com/jack/status/20"}`))
		require.NoError(t, err)
		require.NotNil(t, job.Action)
		assert.Equal(t, schemas.PlatformTwitter, job.Action.Platform)
		assert.Equal(t, schemas.ActionRetweet, job.Action.ActionType)
		assert.Equal(t, "20", job.Action.ExpectedIdentifier)
		assert.NotEmpty(t, job.Action.ActionID)
		assert.False(t, job.Action.CreatedAt.IsZero())
	})

	t.Run("account request", func(t *testing.T) {
		job, err := DecodeJob([]byte(`{"platform":"ig","profile_url":"https://www.instagram.com/ma3ak.health/"}`))
		require.NoError(t, err)
		require.NotNil(t, job.Account)
		assert.Equal(t, "ma3ak.health", job.Account.Handle)
		assert.Equal(t, schemas.PlatformInstagram, job.Account.Platform)
		assert.NotEmpty(t, job.ID())
	})

	t.Run("platform inferred from the target", func(t *testing.T) {
		req, err := NormalizeAction(schemas.ActionRequest{ActionType: schemas.ActionFollow, TargetURL: "https://www.tiktok.com/@creator"})
		require.NoError(t, err)
		assert.Equal(t, schemas.PlatformTikTok, req.Platform)
		assert.Equal(t, "creator", req.ExpectedIdentifier)

		_, err = NormalizeAccount(schemas.AccountRequest{ProfileURL: "https://example.com/someone"})
		assert.ErrorIs(t, err, schemas.ErrInvalidRequest)
	})

	bad := []string{
		`{"hello":"world"}`,
		`{"action_type":"poke","platform":"x","target_url":"https://x.com/jack"}`,
		`{"action_type":"follow","platform":"myspace","target_url":"https://x.com/jack"}`,
		`{"action_type":"comment","platform":"x","target_url":"https://x.com/jack/status/1"}`,
		`{"action_type":"follow","platform":"instagram","target_url":"https://www.instagram.com/p/abc/"}`,
		`{"action_type":`,
	}
	for _, line := range bad {
		_, err := DecodeJob([]byte(line))
		assert.ErrorIs(t, err, schemas.ErrInvalidRequest, line)
	}
}

func TestReadJobs(t *testing.T) {
	input := strings.Join([]string{
		`# queued by the backend`,
		`{"action_id":"a-1","action_type":"follow","platform":"twitter","target_url":"https://x.com/jack"}`,
		``,
		`not json`,
		`{"account_id":"acc-1","platform":"tiktok","profile_url":"https://www.tiktok.com/@creator"}`,
	}, "\n")

	var badLines []int
	jobs, err := ReadJobs(strings.NewReader(input), func(n int, err error) { badLines = append(badLines, n) })
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a-1", jobs[0].ID())
	assert.Equal(t, "creator", jobs[1].Account.Handle)
	assert.Equal(t, []int{4}, badLines)
}
