// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/proofwatch/api/schemas"
	"github.com/xkilldash9x/proofwatch/internal/config"
	"github.com/xkilldash9x/proofwatch/internal/mocks"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Test Helpers --

func testConfig() (config.OrchestratorConfig, config.TrackingConfig) {
	cfg := config.NewDefaultConfig()
	o := cfg.Orchestrator()
	o.DeliveryBackoff = 5 * time.Millisecond
	o.CompletionGrace = 5 * time.Millisecond
	o.LoadTimeout = 100 * time.Millisecond
	o.TabOpenRate = 1000
	o.TabOpenBurst = 10
	o.Platforms = map[string]config.PlatformPolicy{
		"instagram": {Strict: true},
		"twitter":   {Strict: true},
		"tiktok":    {Strict: false, OptimisticGrace: 20 * time.Millisecond},
	}
	return o, cfg.Tracking()
}

type harness struct {
	orch   *Orchestrator
	driver *mocks.MockTabDriver
	sink   *mocks.MockResultSink
	tab    *mocks.MockTab
}

func newHarness(t *testing.T, deliverErr error) *harness {
	t.Helper()
	ocfg, tcfg := testConfig()
	tab := mocks.NewMockTab("tab-1")
	tab.On("WaitLoad", mock.Anything).Return(nil)
	tab.On("Deliver", mock.Anything, mock.Anything).Return(deliverErr)
	tab.On("Close", mock.Anything).Return(nil)
	tab.On("Cancel", mock.Anything).Maybe()

	driver := &mocks.MockTabDriver{}
	driver.On("Open", mock.Anything, mock.Anything).Return(tab, nil)

	sink := &mocks.MockResultSink{Delivered: make(chan schemas.Result, 8)}
	sink.On("Deliver", mock.Anything, mock.Anything).Return(nil)

	orch, err := New(ocfg, tcfg, driver, sink, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &harness{orch: orch, driver: driver, sink: sink, tab: tab}
}

func (h *harness) awaitResult(t *testing.T) schemas.Result {
	t.Helper()
	select {
	case r := <-h.sink.Delivered:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
		return schemas.Result{}
	}
}

func request(id string, p schemas.Platform) schemas.ActionRequest {
	target := "https://x.com/target_handle"
	if p == schemas.PlatformTikTok {
		target = "https://www.tiktok.com/@target_handle"
	}
	return schemas.ActionRequest{
		ActionID:           id,
		ActionType:         schemas.ActionFollow,
		Platform:           p,
		TargetURL:          target,
		ExpectedIdentifier: "target_handle",
		CreatedAt:          time.Now(),
	}
}

// -- Test Cases --

func TestNew_RejectsNilDependencies(t *testing.T) {
	ocfg, tcfg := testConfig()
	_, err := New(ocfg, tcfg, nil, &mocks.MockResultSink{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestOpenAndTrack_RelaysCompletion(t *testing.T) {
	h := newHarness(t, nil)
	req := request("act-1", schemas.PlatformTwitter)

	require.NoError(t, h.orch.OpenAndTrack(context.Background(), req))
	status := h.orch.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "tab-1", status[0].TabID)
	h.tab.AssertCalled(t, "Deliver", mock.Anything, req.StartTracking())

	proof := &schemas.Proof{ActionID: "act-1", Success: true, VerificationMethod: schemas.MethodMutation, MatchedIdentifier: "target_handle"}
	h.tab.EmitCompletion(schemas.Completion{ActionID: "act-1", Success: true, Result: schemas.Result{ActionID: "act-1", Proof: proof}})

	res := h.awaitResult(t)
	assert.True(t, res.Payable())
	assert.Empty(t, h.orch.Status())
	h.tab.AssertCalled(t, "Close", mock.Anything)
}

// A tab closed by the user before any detector fired fails the action, drops
// the mapping and ignores late events.
func TestOnTabClosedExternally(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.OpenAndTrack(context.Background(), request("act-2", schemas.PlatformTwitter)))

	h.tab.SimulateClose()
	res := h.awaitResult(t)
	require.NotNil(t, res.Failure)
	assert.Equal(t, schemas.ReasonTabClosedPrematurely, res.Failure.Reason)
	assert.Empty(t, h.orch.Status())

	// Late signals are no-ops.
	h.tab.EmitCompletion(schemas.Completion{ActionID: "act-2", Success: true})
	h.orch.OnCompletion("act-2", schemas.Result{ActionID: "act-2", Proof: &schemas.Proof{Success: true}})
	h.orch.OnTabClosedExternally("tab-1")
	select {
	case r := <-h.sink.Delivered:
		t.Fatalf("unexpected second result %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Len(t, h.sink.Results(), 1)
}

func TestOpenAndTrack_StrictDeliveryFailure(t *testing.T) {
	h := newHarness(t, fmt.Errorf("%w: bridge not ready", schemas.ErrContentContextUnreachable))

	err := h.orch.OpenAndTrack(context.Background(), request("act-3", schemas.PlatformInstagram))
	require.ErrorIs(t, err, schemas.ErrContentContextUnreachable)

	res := h.awaitResult(t)
	require.NotNil(t, res.Failure)
	assert.Equal(t, schemas.ReasonContentContextUnreachable, res.Failure.Reason)
	assert.Equal(t, 2, res.Failure.Attempts)
	h.tab.AssertNumberOfCalls(t, "Deliver", 2)
}

func TestOpenAndTrack_OptimisticFallback(t *testing.T) {
	tests := []struct {
		name    string
		landed  string
		payable bool
	}{
		{"landed on target", "https://www.tiktok.com/@Target_Handle", true},
		{"landed elsewhere", "https://www.tiktok.com/@someone_else", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, schemas.ErrContentContextUnreachable)
			h.tab.On("URL", mock.Anything).Return(tt.landed, nil)

			require.NoError(t, h.orch.OpenAndTrack(context.Background(), request("act-4", schemas.PlatformTikTok)))
			res := h.awaitResult(t)
			assert.Equal(t, tt.payable, res.Payable())
			if tt.payable {
				assert.Equal(t, schemas.MethodOptimistic, res.Proof.VerificationMethod)
				assert.Less(t, res.Proof.Confidence, 0.5)
			} else {
				assert.Equal(t, schemas.ReasonIdentifierMismatch, res.Failure.Reason)
			}
		})
	}
}

func TestOpenAndTrack_DuplicateRejected(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.OpenAndTrack(context.Background(), request("act-5", schemas.PlatformTwitter)))
	err := h.orch.OpenAndTrack(context.Background(), request("act-5", schemas.PlatformTwitter))
	assert.ErrorIs(t, err, schemas.ErrAlreadyTracking)
	h.driver.AssertNumberOfCalls(t, "Open", 1)
}

func TestOpenAndTrack_OpenFailure(t *testing.T) {
	ocfg, tcfg := testConfig()
	driver := &mocks.MockTabDriver{}
	driver.On("Open", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("no browser"))
	sink := &mocks.MockResultSink{}
	sink.On("Deliver", mock.Anything, mock.Anything).Return(nil)
	orch, err := New(ocfg, tcfg, driver, sink, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = orch.OpenAndTrack(context.Background(), request("act-6", schemas.PlatformTwitter))
	assert.ErrorIs(t, err, schemas.ErrContentContextUnreachable)
	require.Len(t, sink.Results(), 1)
	assert.Equal(t, schemas.ReasonContentContextUnreachable, sink.Results()[0].Failure.Reason)
}

func TestVerify_CancelledByContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := h.orch.Verify(ctx, request("act-7", schemas.PlatformTwitter))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, res.Failure)
	assert.Equal(t, schemas.ReasonCancelled, res.Failure.Reason)
	h.tab.AssertCalled(t, "Cancel", "act-7")
}

func TestVerify_ReturnsResult(t *testing.T) {
	h := newHarness(t, nil)
	go func() {
		// Completion arrives after the directive was delivered.
		for len(h.orch.Status()) == 0 {
			time.Sleep(time.Millisecond)
		}
		h.tab.EmitCompletion(schemas.Completion{
			ActionID: "act-8",
			Result:   schemas.Result{ActionID: "act-8", Proof: &schemas.Proof{ActionID: "act-8", Success: true}},
		})
	}()
	res, err := h.orch.Verify(context.Background(), request("act-8", schemas.PlatformTwitter))
	require.NoError(t, err)
	assert.True(t, res.Payable())
}

func TestShutdown_CancelsInFlight(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.OpenAndTrack(context.Background(), request("act-9", schemas.PlatformTwitter)))

	require.NoError(t, h.orch.Shutdown(context.Background()))
	res := h.awaitResult(t)
	assert.Equal(t, schemas.ReasonCancelled, res.Failure.Reason)
	assert.ErrorIs(t, h.orch.OpenAndTrack(context.Background(), request("act-10", schemas.PlatformTwitter)), ErrShuttingDown)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.OpenAndTrack(context.Background(), request("act-11", schemas.PlatformTwitter)))

	h.orch.Cancel("unknown")
	require.Len(t, h.orch.Status(), 1)

	h.orch.Cancel("act-11")
	res := h.awaitResult(t)
	assert.Equal(t, "act-11", res.ActionID)
	assert.Equal(t, schemas.ReasonCancelled, res.Failure.Reason)
	h.tab.AssertCalled(t, "Cancel", "act-11")
	assert.Eventually(t, func() bool { return len(h.orch.Status()) == 0 }, time.Second, 5*time.Millisecond)

	// A second cancel after cleanup delivers nothing.
	h.orch.Cancel("act-11")
	select {
	case r := <-h.sink.Delivered:
		t.Fatalf("unexpected second result: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func newSlowOpenHarness(t *testing.T, opening chan<- struct{}) *harness {
	t.Helper()
	ocfg, tcfg := testConfig()
	tab := mocks.NewMockTab("tab-slow")
	tab.On("WaitLoad", mock.Anything).Return(nil).Maybe()
	tab.On("Deliver", mock.Anything, mock.Anything).Return(nil).Maybe()
	tab.On("Close", mock.Anything).Return(nil)

	// The driver ignores ctx and returns the tab after a delay.
	driver := &mocks.MockTabDriver{}
	driver.On("Open", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(opening)
		time.Sleep(50 * time.Millisecond)
	}).Return(tab, nil)

	sink := &mocks.MockResultSink{Delivered: make(chan schemas.Result, 8)}
	sink.On("Deliver", mock.Anything, mock.Anything).Return(nil)

	orch, err := New(ocfg, tcfg, driver, sink, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Shutdown(context.Background()) })
	return &harness{orch: orch, driver: driver, sink: sink, tab: tab}
}

func TestCancelWhileTabOpening(t *testing.T) {
	opening := make(chan struct{})
	h := newSlowOpenHarness(t, opening)

	go func() {
		<-opening
		h.orch.Cancel("act-12")
	}()
	err := h.orch.OpenAndTrack(context.Background(), request("act-12", schemas.PlatformTwitter))
	assert.ErrorIs(t, err, schemas.ErrCancelled)

	res := h.awaitResult(t)
	assert.Equal(t, schemas.ReasonCancelled, res.Failure.Reason)
	h.tab.AssertCalled(t, "Close", mock.Anything)
	h.tab.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)
	assert.Empty(t, h.orch.Status())

	select {
	case r := <-h.sink.Delivered:
		t.Fatalf("unexpected second result: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestShutdownWhileTabOpening(t *testing.T) {
	opening := make(chan struct{})
	h := newSlowOpenHarness(t, opening)

	errc := make(chan error, 1)
	go func() {
		errc <- h.orch.OpenAndTrack(context.Background(), request("act-13", schemas.PlatformTwitter))
	}()
	<-opening
	require.NoError(t, h.orch.Shutdown(context.Background()))

	assert.ErrorIs(t, <-errc, schemas.ErrCancelled)
	assert.Equal(t, schemas.ReasonCancelled, h.awaitResult(t).Failure.Reason)
	h.tab.AssertCalled(t, "Close", mock.Anything)
	h.tab.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)
}
