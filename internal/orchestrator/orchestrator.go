// File: internal/orchestrator/orchestrator.go
// Description: Owns the browser tab lifecycle of every tracked action: opening,
// directive delivery with fallback policies, completion relay and cleanup.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/proofwatch/api/schemas"
	"github.com/xkilldash9x/proofwatch/internal/config"
	"github.com/xkilldash9x/proofwatch/internal/observability"
	"github.com/xkilldash9x/proofwatch/internal/platform"
	"github.com/xkilldash9x/proofwatch/internal/proof"
)

const (
	defaultOptimisticGrace = 15 * time.Second
	tabCloseTimeout        = 5 * time.Second
	defaultWatchdog        = 120 * time.Second
)

// ErrShuttingDown is returned for requests made after Shutdown began.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// flight is one action between tab open and result delivery.
type flight struct {
	req      schemas.ActionRequest
	tab      schemas.Tab
	started  time.Time
	attempts atomic.Int32

	once sync.Once
	// finished is set under Orchestrator.mu when cleanup begins.
	finished bool
	done     chan struct{}
	result   schemas.Result
	// stop ends the flight's background goroutines.
	stop context.CancelFunc
}

// FlightStatus describes an in-flight action.
type FlightStatus struct {
	ActionID   string             `json:"action_id"`
	ActionType schemas.ActionType `json:"action_type"`
	Platform   schemas.Platform   `json:"platform"`
	TabID      string             `json:"tab_id"`
	StartedAt  time.Time          `json:"started_at"`
}

// Orchestrator opens one tab per action and relays exactly one result per
// action id to the sink.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	tracking config.TrackingConfig
	driver   schemas.TabDriver
	sink     schemas.ResultSink
	builder  *proof.Builder
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu      sync.Mutex
	flights map[string]*flight
	closing bool
	wg      sync.WaitGroup
}

// New creates an Orchestrator.
func New(
	cfg config.OrchestratorConfig,
	tracking config.TrackingConfig,
	driver schemas.TabDriver,
	sink schemas.ResultSink,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if driver == nil || sink == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:      cfg,
		tracking: tracking,
		driver:   driver,
		sink:     sink,
		builder:  proof.NewBuilder(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.TabOpenRate), cfg.TabOpenBurst),
		logger:   logger.Named("orchestrator"),
		flights:  make(map[string]*flight),
	}, nil
}

// OpenAndTrack opens a tab for req and hands the start-tracking directive to
// its content context. It returns once tracking started or a fallback was
// chosen; the terminal result goes to the sink. A returned error means the
// action already failed (its failure result was delivered) or was rejected.
func (o *Orchestrator) OpenAndTrack(ctx context.Context, req schemas.ActionRequest) error {
	_, err := o.open(ctx, req)
	return err
}

// Verify runs OpenAndTrack and blocks until the action's terminal result.
// When ctx ends first the action is cancelled.
func (o *Orchestrator) Verify(ctx context.Context, req schemas.ActionRequest) (schemas.Result, error) {
	f, err := o.open(ctx, req)
	if f == nil {
		return schemas.Result{}, err
	}
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		o.Cancel(req.ActionID)
		<-f.done
		return f.result, ctx.Err()
	}
}

func (o *Orchestrator) open(ctx context.Context, req schemas.ActionRequest) (*flight, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: action: %v", schemas.ErrInvalidRequest, err)
	}
	logger := o.logger.With(observability.ActionFields(req)...)

	fctx, stop := context.WithCancel(context.Background())
	f := &flight{req: req, started: time.Now(), done: make(chan struct{}), stop: stop}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		stop()
		return nil, ErrShuttingDown
	}
	if _, dup := o.flights[req.ActionID]; dup {
		o.mu.Unlock()
		stop()
		return nil, fmt.Errorf("%w: %s", schemas.ErrAlreadyTracking, req.ActionID)
	}
	o.flights[req.ActionID] = f
	o.mu.Unlock()

	// octx also ends when the flight is finished from outside, e.g. by Cancel.
	octx, cancelOpen := context.WithCancel(ctx)
	defer cancelOpen()
	defer context.AfterFunc(fctx, cancelOpen)()

	if err := o.limiter.Wait(octx); err != nil {
		if o.isFinished(f) {
			return f, errFinishedWhileOpening(req)
		}
		o.finish(f, o.builder.Failure(req, fmt.Errorf("%w: %v", schemas.ErrCancelled, err), nil, 0, f.started), false)
		return f, err
	}

	tab, err := o.driver.Open(octx, req.TargetURL)
	if err != nil {
		if o.isFinished(f) {
			return f, errFinishedWhileOpening(req)
		}
		err = fmt.Errorf("%w: failed to open tab: %v", schemas.ErrContentContextUnreachable, err)
		o.finish(f, o.builder.Failure(req, err, nil, 0, f.started), false)
		return f, err
	}
	o.mu.Lock()
	if f.finished {
		o.mu.Unlock()
		o.closeTab(tab)
		return f, errFinishedWhileOpening(req)
	}
	f.tab = tab
	o.mu.Unlock()
	logger = logger.With(zap.String("tab_id", tab.ID()))
	logger.Info("Tab opened.", zap.String("url", req.TargetURL))

	o.wg.Add(1)
	go o.watch(fctx, f)

	loadCtx, cancelLoad := context.WithTimeout(octx, o.cfg.LoadTimeout)
	if err := tab.WaitLoad(loadCtx); err != nil {
		// Delivery still gets its chance; SPAs often never fire a clean load.
		logger.Warn("Page load did not complete.", zap.Error(err))
	}
	cancelLoad()

	err = o.deliver(octx, f, logger)
	if err == nil {
		return f, nil
	}
	if o.isFinished(f) {
		// finish saw the tab and closes it.
		return f, errFinishedWhileOpening(req)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		o.finish(f, o.builder.Failure(req, fmt.Errorf("%w: %v", schemas.ErrCancelled, err), nil, int(f.attempts.Load()), f.started), false)
		return f, err
	}

	policy := o.cfg.Policy(req.Platform)
	if policy.Strict {
		logger.Error("Content context unreachable, failing strictly.", zap.Int32("attempts", f.attempts.Load()), zap.Error(err))
		o.finish(f, o.builder.Failure(req, err, nil, int(f.attempts.Load()), f.started), true)
		return f, err
	}

	grace := policy.OptimisticGrace
	if grace <= 0 {
		grace = defaultOptimisticGrace
	}
	logger.Warn("Content context unreachable, falling back to optimistic completion.",
		zap.Duration("grace", grace), zap.Error(err))
	o.wg.Add(1)
	go o.optimistic(fctx, f, grace)
	return f, nil
}

func (o *Orchestrator) isFinished(f *flight) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return f.finished
}

func errFinishedWhileOpening(req schemas.ActionRequest) error {
	return fmt.Errorf("%w: action %s ended while its tab was opening", schemas.ErrCancelled, req.ActionID)
}

func (o *Orchestrator) closeTab(tab schemas.Tab) {
	ctx, cancel := context.WithTimeout(context.Background(), tabCloseTimeout)
	defer cancel()
	if err := tab.Close(ctx); err != nil {
		o.logger.Debug("Tab close failed.", zap.String("tab_id", tab.ID()), zap.Error(err))
	}
}

// deliver hands the directive to the tab's content context, retrying with a
// linear backoff.
func (o *Orchestrator) deliver(ctx context.Context, f *flight, logger *zap.Logger) error {
	attempts := o.cfg.DeliveryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		f.attempts.Store(int32(attempt))
		if err = f.tab.Deliver(ctx, f.req.StartTracking()); err == nil {
			logger.Debug("Directive delivered.", zap.Int("attempt", attempt))
			return nil
		}
		logger.Warn("Directive delivery failed.", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(time.Duration(attempt) * o.cfg.DeliveryBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if !errors.Is(err, schemas.ErrContentContextUnreachable) {
		err = fmt.Errorf("%w: %v", schemas.ErrContentContextUnreachable, err)
	}
	return err
}

// optimistic waits out the grace period, then accepts the action only if the
// tab landed on the expected target.
func (o *Orchestrator) optimistic(ctx context.Context, f *flight, grace time.Duration) {
	defer o.wg.Done()
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}

	urlCtx, cancel := context.WithTimeout(ctx, tabCloseTimeout)
	landed, err := f.tab.URL(urlCtx)
	cancel()
	if err != nil {
		o.finish(f, o.builder.Failure(f.req, fmt.Errorf("%w: reading tab location: %v", schemas.ErrContentContextUnreachable, err), nil, int(f.attempts.Load()), f.started), true)
		return
	}
	ident, err := platform.IdentifierFromURL(f.req.Platform, f.req.ActionType, landed)
	if err != nil {
		o.logger.Warn("Landed location did not parse.", zap.String("url", landed), zap.Error(err))
	}
	o.finish(f, o.builder.Optimistic(f.req, ident, f.started), true)
}

// watch relays the tab's terminal signals for one flight. A watchdog bounds
// the flight in case the content context dies without reporting.
func (o *Orchestrator) watch(ctx context.Context, f *flight) {
	defer o.wg.Done()
	limit := o.tracking.TimeoutFor(f.req.ActionType)
	if limit <= 0 {
		limit = defaultWatchdog
	}
	watchdog := time.NewTimer(limit + o.cfg.LoadTimeout + o.cfg.CompletionGrace)
	defer watchdog.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-f.tab.Completions():
			if !ok {
				return
			}
			if c.ActionID != f.req.ActionID {
				continue
			}
			o.OnCompletion(c.ActionID, c.Result)
			return
		case <-f.tab.Closed():
			o.OnTabClosedExternally(f.tab.ID())
			return
		case <-watchdog.C:
			o.logger.Warn("No completion from content context, timing out.", zap.String("action_id", f.req.ActionID))
			o.finish(f, o.builder.Failure(f.req, fmt.Errorf("%w: no completion from content context", schemas.ErrTimeout), nil, int(f.attempts.Load()), f.started), false)
			return
		}
	}
}

// OnCompletion relays a content context's terminal result: after the
// completion grace the tab is closed, the mapping removed and the result
// delivered. Only the first terminal signal per action id has any effect.
func (o *Orchestrator) OnCompletion(actionID string, result schemas.Result) {
	o.mu.Lock()
	f, ok := o.flights[actionID]
	o.mu.Unlock()
	if !ok {
		o.logger.Debug("Completion for unknown action ignored.", zap.String("action_id", actionID))
		return
	}
	o.finish(f, result, true)
}

// OnTabClosedExternally fails every action of a tab that went away before
// reporting, with reason TabClosedPrematurely.
func (o *Orchestrator) OnTabClosedExternally(tabID string) {
	o.mu.Lock()
	var hit []*flight
	for _, f := range o.flights {
		if f.tab != nil && f.tab.ID() == tabID {
			hit = append(hit, f)
		}
	}
	o.mu.Unlock()
	for _, f := range hit {
		err := fmt.Errorf("%w: tab %s", schemas.ErrTabClosedPrematurely, tabID)
		o.finish(f, o.builder.Failure(f.req, err, nil, int(f.attempts.Load()), f.started), false)
	}
}

// Cancel ends an action with reason Cancelled.
func (o *Orchestrator) Cancel(actionID string) {
	o.mu.Lock()
	f, ok := o.flights[actionID]
	var tab schemas.Tab
	if ok {
		tab = f.tab
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	if tab != nil {
		tab.Cancel(actionID)
	}
	o.finish(f, o.builder.Failure(f.req, schemas.ErrCancelled, nil, int(f.attempts.Load()), f.started), false)
}

// Status lists in-flight actions ordered by start time.
func (o *Orchestrator) Status() []FlightStatus {
	o.mu.Lock()
	out := make([]FlightStatus, 0, len(o.flights))
	for _, f := range o.flights {
		st := FlightStatus{
			ActionID:   f.req.ActionID,
			ActionType: f.req.ActionType,
			Platform:   f.req.Platform,
			StartedAt:  f.started,
		}
		if f.tab != nil {
			st.TabID = f.tab.ID()
		}
		out = append(out, st)
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ActionID < out[j].ActionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Shutdown rejects new actions, cancels in-flight ones and waits for their
// cleanup or ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	ids := make([]string, 0, len(o.flights))
	for id := range o.flights {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	o.logger.Info("Shutting down.", zap.Int("in_flight", len(ids)))
	for _, id := range ids {
		o.Cancel(id)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish is the single cleanup path. grace delays the tab close so the user
// sees the page settle.
func (o *Orchestrator) finish(f *flight, result schemas.Result, grace bool) {
	f.once.Do(func() {
		if result.ActionID == "" {
			result.ActionID = f.req.ActionID
		}
		f.stop()

		o.mu.Lock()
		f.finished = true
		tab := f.tab
		o.mu.Unlock()

		if tab != nil {
			if grace && o.cfg.CompletionGrace > 0 {
				t := time.NewTimer(o.cfg.CompletionGrace)
				select {
				case <-t.C:
				case <-tab.Closed():
					t.Stop()
				}
			}
			o.closeTab(tab)
		}

		o.mu.Lock()
		delete(o.flights, f.req.ActionID)
		o.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), tabCloseTimeout)
		if err := o.sink.Deliver(ctx, result); err != nil {
			o.logger.Error("Failed to deliver result.", zap.String("action_id", f.req.ActionID), zap.Error(err))
		}
		cancel()

		fields := append(observability.ActionFields(f.req), zap.Bool("payable", result.Payable()))
		if result.Failure != nil {
			fields = append(fields, zap.String("reason", string(result.Failure.Reason)))
		}
		o.logger.Info("Action finished.", fields...)

		f.result = result
		close(f.done)
	})
}
