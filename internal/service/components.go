// File: internal/service/components.go
package service

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/proofwatch/internal/browser"
	"github.com/xkilldash9x/proofwatch/internal/engine"
	"github.com/xkilldash9x/proofwatch/internal/orchestrator"
	"github.com/xkilldash9x/proofwatch/internal/phase"
	"github.com/xkilldash9x/proofwatch/internal/reporting"
	"github.com/xkilldash9x/proofwatch/internal/store"
)

const shutdownTimeout = 30 * time.Second

// Components holds all the initialized services of a run and owns their
// lifecycle.
type Components struct {
	Store          *store.Store
	Reporter       reporting.Reporter
	BrowserManager *browser.Manager
	Orchestrator   *orchestrator.Orchestrator
	Coordinator    *phase.Coordinator
	Engine         *engine.Engine
	DBPool         *pgxpool.Pool

	results    *ResultQueue
	consumerWG *sync.WaitGroup
	logger     *zap.Logger
	once       sync.Once
}

// Shutdown closes all components in dependency order: producers first, then
// the result pipeline, then the browser and the database. Safe to call more
// than once.
func (c *Components) Shutdown(ctx context.Context) {
	c.once.Do(func() { c.shutdown(ctx) })
}

func (c *Components) shutdown(ctx context.Context) {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	// Shutdown runs even after the main context was cancelled.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	// 1. In-flight actions get their terminal result.
	if c.Orchestrator != nil {
		if err := c.Orchestrator.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Orchestrator did not drain in time.", zap.Error(err))
		}
	}
	if c.Engine != nil {
		c.Engine.Stop()
	}

	// 2. Drain queued results into the sinks.
	if c.results != nil {
		c.results.Close()
	}
	if c.consumerWG != nil {
		c.consumerWG.Wait()
		logger.Debug("Result consumer finished processing.")
	}

	// 3. Browser and reporters are independent of each other.
	var g errgroup.Group
	if c.BrowserManager != nil {
		g.Go(func() error { return c.BrowserManager.Shutdown(shutdownCtx) })
	}
	if c.Reporter != nil {
		g.Go(c.Reporter.Close)
	}
	if err := g.Wait(); err != nil {
		logger.Warn("Error while closing components.", zap.Error(err))
	}

	// 4. Database last; the store may have been written to until now.
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}
	logger.Info("All components shut down.")
}
