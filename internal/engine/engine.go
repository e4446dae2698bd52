// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/proofwatch/api/schemas"
	"github.com/xkilldash9x/proofwatch/internal/config"
)

// -- Interfaces for Dependency Inversion --

// Verifier runs one action request to its terminal result.
type Verifier interface {
	Verify(ctx context.Context, req schemas.ActionRequest) (schemas.Result, error)
}

// Collector runs one multi-phase account collection.
type Collector interface {
	Collect(ctx context.Context, req schemas.AccountRequest) (schemas.AccountCollection, error)
}

// Stats counts what the engine did since it was created.
type Stats struct {
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	// Rejected jobs never reached a browser tab, e.g. invalid requests.
	Rejected int64 `json:"rejected"`
}

// Engine distributes jobs to a pool of workers. Every job holds one browser
// tab for its lifetime, so the pool size is also the tab cap.
type Engine struct {
	cfg       config.EngineConfig
	verifier  Verifier
	collector Collector
	logger    *zap.Logger

	// tabs is shared by the worker pool and RunBatch.
	tabs *semaphore.Weighted
	wg   sync.WaitGroup

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	stateLock sync.Mutex
	isRunning bool
}

const defaultConcurrency = 4

// New creates an Engine. collector may be nil when account collection is not
// wired; account jobs are then rejected.
func New(cfg config.EngineConfig, verifier Verifier, collector Collector, logger *zap.Logger) (*Engine, error) {
	if verifier == nil {
		return nil, errors.New("verifier cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.WorkerConcurrency <= 0 {
		cfg.WorkerConcurrency = defaultConcurrency
	}
	return &Engine{
		cfg:       cfg,
		verifier:  verifier,
		collector: collector,
		logger:    logger.With(zap.String("component", "engine")),
		tabs:      semaphore.NewWeighted(int64(cfg.WorkerConcurrency)),
	}, nil
}

// Start launches the worker pool and consumes jobs until the channel is
// closed and drained or ctx ends.
func (e *Engine) Start(ctx context.Context, jobs <-chan Job) {
	e.stateLock.Lock()
	if e.isRunning {
		e.stateLock.Unlock()
		e.logger.Warn("Engine.Start called, but engine is already running.")
		return
	}
	e.isRunning = true
	e.stateLock.Unlock()

	e.logger.Info("Starting engine worker pool", zap.Int("concurrency", e.cfg.WorkerConcurrency))
	for i := 0; i < e.cfg.WorkerConcurrency; i++ {
		e.wg.Add(1)
		go e.runWorker(ctx, i+1, jobs)
	}
}

// Stop waits for all workers to exit.
func (e *Engine) Stop() {
	e.logger.Info("Stopping engine... waiting for workers to finish.")
	e.wg.Wait()

	e.stateLock.Lock()
	e.isRunning = false
	e.stateLock.Unlock()
	e.logger.Info("Engine stopped gracefully.")
}

// RunBatch processes every job and returns the counters of this batch.
func (e *Engine) RunBatch(ctx context.Context, jobs []Job) (Stats, error) {
	before := e.Stats()
	g, gctx := errgroup.WithContext(ctx)
	for i := range jobs {
		job := jobs[i]
		g.Go(func() error {
			e.process(gctx, job, e.logger)
			// A cancelled batch reports the cancellation.
			return gctx.Err()
		})
	}
	err := g.Wait()
	after := e.Stats()
	return Stats{
		Processed: after.Processed - before.Processed,
		Succeeded: after.Succeeded - before.Succeeded,
		Failed:    after.Failed - before.Failed,
		Rejected:  after.Rejected - before.Rejected,
	}, err
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Processed: e.processed.Load(),
		Succeeded: e.succeeded.Load(),
		Failed:    e.failed.Load(),
		Rejected:  e.rejected.Load(),
	}
}

func (e *Engine) runWorker(ctx context.Context, workerID int, jobs <-chan Job) {
	defer e.wg.Done()
	logger := e.logger.With(zap.Int("worker_id", workerID))
	logger.Debug("Worker goroutine started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("Context cancelled, worker shutting down.", zap.Error(ctx.Err()))
			return
		case job, ok := <-jobs:
			if !ok {
				logger.Debug("Job queue closed and drained, worker shutting down.")
				return
			}
			e.process(ctx, job, logger)
		}
	}
}

// process runs a single job while holding one tab slot.
func (e *Engine) process(ctx context.Context, job Job, logger *zap.Logger) {
	if ctx.Err() != nil {
		logger.Warn("Context cancelled before job processing started", zap.String("job_id", job.ID()))
		return
	}
	if err := e.tabs.Acquire(ctx, 1); err != nil {
		return
	}
	defer e.tabs.Release(1)
	e.processed.Add(1)

	switch {
	case job.Action != nil:
		e.verify(ctx, *job.Action, logger)
	case job.Account != nil:
		e.collect(ctx, *job.Account, logger)
	default:
		e.rejected.Add(1)
		logger.Error("Empty job, discarding")
	}
}

func (e *Engine) verify(ctx context.Context, req schemas.ActionRequest, logger *zap.Logger) {
	logger = logger.With(zap.String("action_id", req.ActionID), zap.String("action_type", string(req.ActionType)), zap.String("platform", string(req.Platform)))
	start := time.Now()
	res, err := e.verifier.Verify(ctx, req)
	if err != nil && res.ActionID == "" {
		// No result was produced at all.
		e.rejected.Add(1)
		logger.Error("Action rejected", zap.Error(err))
		return
	}
	if res.Payable() {
		e.succeeded.Add(1)
		logger.Info("Action proven",
			zap.String("method", string(res.Proof.VerificationMethod)),
			zap.Float64("confidence", res.Proof.Confidence),
			zap.Duration("elapsed", time.Since(start)))
		return
	}
	e.failed.Add(1)
	fields := []zap.Field{zap.Duration("elapsed", time.Since(start))}
	if res.Failure != nil {
		fields = append(fields, zap.String("reason", string(res.Failure.Reason)), zap.String("message", res.Failure.Message))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	logger.Warn("Action not proven", fields...)
}

func (e *Engine) collect(ctx context.Context, req schemas.AccountRequest, logger *zap.Logger) {
	logger = logger.With(zap.String("account_id", req.AccountID), zap.String("platform", string(req.Platform)))
	if e.collector == nil {
		e.rejected.Add(1)
		logger.Error("Account collection is not enabled, discarding job")
		return
	}
	col, err := e.collector.Collect(ctx, req)
	switch {
	case errors.Is(err, schemas.ErrInvalidRequest):
		e.rejected.Add(1)
		logger.Error("Account request rejected", zap.Error(err))
	case err != nil:
		e.failed.Add(1)
		logger.Warn("Account collection failed", zap.Error(err))
	default:
		e.succeeded.Add(1)
		logger.Info("Account collected",
			zap.String("handle", col.Handle),
			zap.Int64("followers", col.Profile.FollowerCount),
			zap.Bool("missing_optional", col.MissingOptional))
	}
}
