// Package content is the per-tab content context: it accepts start-tracking
// directives and wires the network interceptor and the DOM watcher of a tab
// into one tracker per action.
package content

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/proofwatch/api/schemas"
	"github.com/xkilldash9x/proofwatch/internal/config"
	"github.com/xkilldash9x/proofwatch/internal/domwatch"
	"github.com/xkilldash9x/proofwatch/internal/interceptor"
	"github.com/xkilldash9x/proofwatch/internal/proof"
	"github.com/xkilldash9x/proofwatch/internal/tracker"
)

const unobserveTimeout = time.Second

// Options configure an agent.
type Options struct {
	Tracking  config.TrackingConfig
	Detection domwatch.Options
	Builder   *proof.Builder
}

// Agent serves one tab. Its methods are safe for concurrent use.
type Agent struct {
	tabID       string
	page        domwatch.Page
	interceptor *interceptor.Interceptor
	trackers    *tracker.Registry
	opts        Options
	logger      *zap.Logger
	emit        func(schemas.Completion)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	watchers map[string]*domwatch.Watcher
}

// NewAgent creates the content context of a tab. emit receives one completion
// per started action.
func NewAgent(tabID string, page domwatch.Page, icpt *interceptor.Interceptor, opts Options, logger *zap.Logger, emit func(schemas.Completion)) *Agent {
	if opts.Builder == nil {
		opts.Builder = proof.NewBuilder()
	}
	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.Named("content").With(zap.String("tab_id", tabID))
	return &Agent{
		tabID:       tabID,
		page:        page,
		interceptor: icpt,
		trackers:    tracker.NewRegistry(logger),
		opts:        opts,
		logger:      logger,
		emit:        emit,
		ctx:         ctx,
		cancel:      cancel,
		watchers:    make(map[string]*domwatch.Watcher),
	}
}

// Start begins tracking the directive's action. A second directive for an
// action id that is still tracked fails with ErrAlreadyTracking.
func (a *Agent) Start(directive schemas.StartTracking) error {
	req := directive.Request()
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid start-tracking directive: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("%w: tab %s is closing", schemas.ErrContentContextUnreachable, a.tabID)
	}

	tr, err := a.trackers.Create(req, a.tabID, tracker.Options{
		Timeout:    a.opts.Tracking.TimeoutFor(req.ActionType),
		Builder:    a.opts.Builder,
		OnTerminal: a.emit,
	})
	if err != nil {
		return err
	}

	// Profile verification is answered by the network alone.
	if req.ActionType != schemas.ActionVerifyProfile {
		wctx, stop := context.WithCancel(a.ctx)
		w := domwatch.New(a.page, req, a.opts.Detection, a.logger, func(r domwatch.Report) {
			switch r.Kind {
			case domwatch.ReportAnchorFound:
				tr.AnchorFound(r.Snapshot)
			case domwatch.ReportActivity:
				tr.Activity()
			case domwatch.ReportEvidence:
				tr.Evidence(r.Evidence)
			case domwatch.ReportFailure:
				tr.Fail(r.Err)
			}
		})
		a.watchers[req.ActionID] = w
		tr.OnCleanup(func() {
			stop()
			uctx, cancel := context.WithTimeout(context.Background(), unobserveTimeout)
			if err := a.page.Unobserve(uctx, req.ActionID); err != nil {
				a.logger.Debug("Could not release page observers.", zap.String("action_id", req.ActionID), zap.Error(err))
			}
			cancel()
			a.mu.Lock()
			delete(a.watchers, req.ActionID)
			a.mu.Unlock()
		})
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := w.Run(wctx); err != nil && wctx.Err() == nil {
				a.logger.Debug("Watcher stopped.", zap.String("action_id", req.ActionID), zap.Error(err))
			}
		}()
	}

	tr.Start(a.ctx)

	// The tracker must be running: payloads seen before the directive are
	// replayed synchronously.
	untrack := a.interceptor.Track(req, func(o interceptor.Outcome) {
		switch {
		case o.Err != nil:
			tr.ParseError(o.Err)
		case o.Verdict == interceptor.Match:
			tr.Evidence(o.Evidence)
		case o.Verdict == interceptor.Mismatch:
			tr.Mismatch(o.Evidence)
		}
	})
	tr.OnCleanup(untrack)

	a.logger.Info("Tracking started.",
		zap.String("action_id", req.ActionID),
		zap.String("action_type", string(req.ActionType)),
		zap.String("expected_identifier", req.ExpectedIdentifier))
	return nil
}

// Observe feeds a finished network response to the interceptor.
func (a *Agent) Observe(ev schemas.ResponseEvent) {
	a.interceptor.Observe(ev)
}

// Signal routes a page bridge notification to the watchers it concerns: the
// named action's, or all of them when the signal names none.
func (a *Agent) Signal(sig schemas.PageSignal) {
	a.mu.Lock()
	var targets []*domwatch.Watcher
	if sig.ActionID != "" {
		if w, ok := a.watchers[sig.ActionID]; ok {
			targets = append(targets, w)
		}
	} else {
		for _, w := range a.watchers {
			targets = append(targets, w)
		}
	}
	a.mu.Unlock()
	for _, w := range targets {
		w.Signal(sig)
	}
}

// Status answers a status check.
func (a *Agent) Status() schemas.ContextStatus {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	return schemas.ContextStatus{Active: !closed, ActionIDs: a.trackers.Active()}
}

// Cancel stops tracking one action. Its terminal result still flows.
func (a *Agent) Cancel(actionID string) {
	if tr, ok := a.trackers.Get(actionID); ok {
		tr.Cancel()
	}
}

// Close cancels every tracked action and waits for the watchers to stop.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.mu.Unlock()

	a.trackers.CancelAll()
	a.cancel()
	a.wg.Wait()
}
