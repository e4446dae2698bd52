// Package tracker owns the lifecycle of one tracked action: it collects
// signals from the detectors, applies the anti-fraud gate, and produces exactly
// one terminal result.
package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/proofwatch/api/schemas"
	"github.com/xkilldash9x/proofwatch/internal/proof"
)

// State is a tracker's lifecycle state.
type State string

const (
	StateCreated         State = "created"
	StateAnchorFound     State = "anchor_found"
	StateInProgress      State = "in_progress"
	StateEvidenceMatched State = "evidence_matched"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateTimedOut        State = "timed_out"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// Record is the tracking record of one action. Only the tracker goroutine
// writes it; Snapshot hands out copies.
type Record struct {
	ActionID          string
	TabID             string
	State             State
	StageFlags        []string
	InitialSnapshot   *schemas.DomSnapshot
	DetectionAttempts int
	StartTime         time.Time
}

func (r *Record) flag(s State) {
	for _, f := range r.StageFlags {
		if f == string(s) {
			return
		}
	}
	r.StageFlags = append(r.StageFlags, string(s))
}

type signalKind int

const (
	sigAnchorFound signalKind = iota
	sigActivity
	sigEvidence
	sigMismatch
	sigParseError
	sigFailure
	sigCancel
)

type signal struct {
	kind     signalKind
	evidence schemas.Evidence
	snapshot schemas.DomSnapshot
	err      error
}

// DefaultTimeout applies when Options.Timeout is not set.
const DefaultTimeout = 120 * time.Second

// Options configure a tracker.
type Options struct {
	Timeout time.Duration
	Builder *proof.Builder
	// OnTerminal receives the completion exactly once, after cleanup.
	OnTerminal func(schemas.Completion)
}

// Tracker is the single consumer of an action's detector signals.
type Tracker struct {
	req      schemas.ActionRequest
	opts     Options
	logger   *zap.Logger
	registry *Registry

	signals chan signal
	done    chan struct{}
	start   sync.Once
	cleanup sync.Once

	mu        sync.Mutex
	record    Record
	teardowns []func()
	finished  bool
	result    schemas.Completion
}

func newTracker(req schemas.ActionRequest, tabID string, opts Options, logger *zap.Logger, registry *Registry) *Tracker {
	if opts.Builder == nil {
		opts.Builder = proof.NewBuilder()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Tracker{
		req:      req,
		opts:     opts,
		logger:   logger.Named("tracker").With(zap.String("action_id", req.ActionID)),
		registry: registry,
		signals:  make(chan signal),
		done:     make(chan struct{}),
		record: Record{
			ActionID:   req.ActionID,
			TabID:      tabID,
			State:      StateCreated,
			StageFlags: []string{string(StateCreated)},
			StartTime:  time.Now(),
		},
	}
}

// Request returns the tracked request.
func (t *Tracker) Request() schemas.ActionRequest { return t.req }

// Done is closed once the tracker reached a terminal state and left the
// registry.
func (t *Tracker) Done() <-chan struct{} { return t.done }

// Completion returns the terminal completion. Valid after Done is closed.
func (t *Tracker) Completion() schemas.Completion {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Snapshot returns a copy of the tracking record.
func (t *Tracker) Snapshot() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record
	r.StageFlags = append([]string(nil), t.record.StageFlags...)
	return r
}

// OnCleanup registers a teardown func run once on any terminal transition, in
// reverse registration order. Registering after cleanup runs it immediately.
func (t *Tracker) OnCleanup(fn func()) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		fn()
		return
	}
	t.teardowns = append(t.teardowns, fn)
	t.mu.Unlock()
}

// Start launches the tracker goroutine. The hard timeout starts now. Calling
// Start twice has no effect.
func (t *Tracker) Start(ctx context.Context) {
	t.start.Do(func() {
		t.mu.Lock()
		t.record.StartTime = time.Now()
		t.mu.Unlock()
		go t.run(ctx)
	})
}

// -- Producers. Each is a no-op once the tracker is terminal. --

// AnchorFound records the DOM baseline.
func (t *Tracker) AnchorFound(snap schemas.DomSnapshot) {
	t.send(signal{kind: sigAnchorFound, snapshot: snap})
}

// Activity records user interaction with the watched control.
func (t *Tracker) Activity() { t.send(signal{kind: sigActivity}) }

// Evidence submits a detector's positive finding.
func (t *Tracker) Evidence(ev schemas.Evidence) {
	t.send(signal{kind: sigEvidence, evidence: ev})
}

// Mismatch submits evidence that names a different target than expected.
// It ends tracking with IdentifierMismatch.
func (t *Tracker) Mismatch(ev schemas.Evidence) {
	t.send(signal{kind: sigMismatch, evidence: ev})
}

// ParseError notes a payload that matched a signature but did not parse.
func (t *Tracker) ParseError(err error) {
	t.send(signal{kind: sigParseError, err: err})
}

// Fail ends tracking with the failure reason err maps to.
func (t *Tracker) Fail(err error) {
	t.send(signal{kind: sigFailure, err: err})
}

// Cancel ends tracking with reason Cancelled.
func (t *Tracker) Cancel() {
	t.send(signal{kind: sigCancel, err: schemas.ErrCancelled})
}

func (t *Tracker) send(s signal) {
	select {
	case t.signals <- s:
	case <-t.done:
	}
}

func (t *Tracker) run(ctx context.Context) {
	timer := time.NewTimer(t.opts.Timeout)
	defer timer.Stop()

	var parseErr error
	for {
		select {
		case <-ctx.Done():
			t.finish(t.failure(fmt.Errorf("%w: %v", schemas.ErrCancelled, ctx.Err()), StateFailed))
			return
		case <-timer.C:
			err := fmt.Errorf("%w after %s", schemas.ErrTimeout, t.opts.Timeout)
			if parseErr != nil && t.Snapshot().DetectionAttempts == 0 {
				// Nothing but unparseable payloads arrived.
				err = fmt.Errorf("%w before any usable evidence: %v", schemas.ErrParse, parseErr)
			}
			t.finish(t.failure(err, StateTimedOut))
			return
		case s := <-t.signals:
			if c, terminal := t.handle(s, &parseErr); terminal {
				t.finish(c)
				return
			}
		}
	}
}

func (t *Tracker) handle(s signal, parseErr *error) (schemas.Completion, bool) {
	switch s.kind {
	case sigAnchorFound:
		snap := s.snapshot
		t.update(func(r *Record) {
			r.InitialSnapshot = &snap
			r.State = StateAnchorFound
			r.flag(StateAnchorFound)
		})
	case sigActivity:
		t.update(func(r *Record) {
			r.State = StateInProgress
			r.flag(StateInProgress)
		})
	case sigParseError:
		*parseErr = s.err
	case sigMismatch:
		t.update(func(r *Record) { r.DetectionAttempts++ })
		t.logger.Info("Evidence names a different target.",
			zap.String("method", string(s.evidence.Method)),
			zap.String("source", s.evidence.Source),
			zap.String("identifier", s.evidence.MatchedIdentifier))
		err := t.opts.Builder.Verify(t.req, s.evidence)
		if err == nil {
			err = fmt.Errorf("%w: %s reported a different target", schemas.ErrIdentifierMismatch, s.evidence.Source)
		}
		return t.failure(err, StateFailed), true
	case sigEvidence:
		t.update(func(r *Record) { r.DetectionAttempts++ })
		if err := t.opts.Builder.Verify(t.req, s.evidence); err != nil {
			t.logger.Warn("Evidence rejected by identifier gate.", zap.Error(err))
			return t.failure(err, StateFailed), true
		}
		t.update(func(r *Record) {
			r.State = StateEvidenceMatched
			r.flag(StateEvidenceMatched)
		})
		return t.success(s.evidence), true
	case sigFailure, sigCancel:
		return t.failure(s.err, StateFailed), true
	}
	return schemas.Completion{}, false
}

func (t *Tracker) success(ev schemas.Evidence) schemas.Completion {
	rec := t.Snapshot()
	res := t.opts.Builder.Success(t.req, ev, rec.StartTime, rec.StageFlags, rec.DetectionAttempts)
	if res.Proof == nil {
		return t.completion(res, &ev, StateFailed)
	}
	return t.completion(res, &ev, StateCompleted)
}

func (t *Tracker) failure(err error, state State) schemas.Completion {
	rec := t.Snapshot()
	res := t.opts.Builder.Failure(t.req, err, rec.StageFlags, rec.DetectionAttempts, rec.StartTime)
	return t.completion(res, nil, state)
}

func (t *Tracker) completion(res schemas.Result, ev *schemas.Evidence, state State) schemas.Completion {
	t.update(func(r *Record) {
		r.State = state
		if state == StateCompleted {
			r.flag(StateCompleted)
		}
	})
	rec := t.Snapshot()
	c := schemas.Completion{
		ActionID:  t.req.ActionID,
		Success:   res.Proof != nil,
		Timestamp: time.Now().UTC(),
		Result:    res,
		Details: schemas.CompletionDetails{
			Evidence:           ev,
			VerificationStages: rec.StageFlags,
		},
	}
	if res.Proof != nil {
		c.Details.Confidence = res.Proof.Confidence
	}
	if res.Failure != nil {
		c.Details.Error = fmt.Sprintf("%s: %s", res.Failure.Reason, res.Failure.Message)
	}
	return c
}

func (t *Tracker) update(fn func(*Record)) {
	t.mu.Lock()
	fn(&t.record)
	t.mu.Unlock()
}

// finish runs the cleanup routine. It is safe to reach more than once; only
// the first call has any effect. Done closes before the teardowns run so that
// producers blocked in send are released.
func (t *Tracker) finish(c schemas.Completion) {
	t.cleanup.Do(func() {
		t.mu.Lock()
		t.result = c
		t.finished = true
		teardowns := t.teardowns
		t.teardowns = nil
		t.mu.Unlock()

		if t.registry != nil {
			t.registry.Delete(t.req.ActionID)
		}
		close(t.done)

		for i := len(teardowns) - 1; i >= 0; i-- {
			teardowns[i]()
		}

		fields := []zap.Field{zap.Bool("success", c.Success), zap.Strings("stages", c.Details.VerificationStages)}
		if c.Result.Failure != nil {
			fields = append(fields, zap.String("reason", string(c.Result.Failure.Reason)))
		}
		t.logger.Info("Tracking finished.", fields...)

		if t.opts.OnTerminal != nil {
			t.opts.OnTerminal(c)
		}
	})
}
