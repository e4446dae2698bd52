// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/proofwatch/api/schemas"
	"github.com/xkilldash9x/proofwatch/internal/browser"
	"github.com/xkilldash9x/proofwatch/internal/config"
	"github.com/xkilldash9x/proofwatch/internal/content"
	"github.com/xkilldash9x/proofwatch/internal/domwatch"
	"github.com/xkilldash9x/proofwatch/internal/engine"
	"github.com/xkilldash9x/proofwatch/internal/interceptor"
	"github.com/xkilldash9x/proofwatch/internal/orchestrator"
	"github.com/xkilldash9x/proofwatch/internal/phase"
	"github.com/xkilldash9x/proofwatch/internal/proof"
	"github.com/xkilldash9x/proofwatch/internal/reporting"
	"github.com/xkilldash9x/proofwatch/internal/store"
)

// Options select where a run reports to.
type Options struct {
	// ReportFormat is "jsonl" or "text".
	ReportFormat string
	// ReportPath is a file path, or empty / "stdout".
	ReportPath string
}

// ComponentFactory defines the interface for creating the set of components
// needed for a run. Commands depend on it so they can be tested without a
// browser or database.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, opts Options, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	// driver replaces the browser manager when set.
	driver schemas.TabDriver
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create handles the full dependency injection and initialization of run components.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, opts Options, logger *zap.Logger) (*Components, error) {
	components := &Components{
		results:    NewResultQueue(cfg.Engine().QueueSize),
		consumerWG: &sync.WaitGroup{},
		logger:     logger,
	}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown(context.Background())
		}
	}()

	// 1. Database pool and store (optional).
	pool, err := InitializeDBPool(ctx, cfg.Database(), logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	if pool != nil {
		components.DBPool = pool
		dbStore, err := store.New(ctx, pool, logger)
		if err != nil {
			initializationErr = fmt.Errorf("failed to initialize database store: %w", err)
			return nil, initializationErr
		}
		if err := dbStore.Migrate(ctx); err != nil {
			initializationErr = err
			return nil, initializationErr
		}
		components.Store = dbStore
		logger.Debug("Store service initialized.")
	}

	// 2. Reporters. The primary report plus the optional results file.
	primary, err := reporting.New(reportFormat(opts.ReportFormat), opts.ReportPath)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	sinks := []schemas.ResultSink{primary}
	if path := cfg.Engine().ResultsFile; path != "" {
		resultsFile, err := reporting.New("jsonl", path)
		if err != nil {
			_ = primary.Close()
			initializationErr = err
			return nil, initializationErr
		}
		sinks = append(sinks, resultsFile)
	}
	if components.Store != nil {
		sinks = append(sinks, components.Store)
	}
	components.Reporter = reporting.NewMultiSink(sinks...)

	// 3. Result consumer.
	StartResultConsumer(ctx, components.consumerWG, components.results, components.Reporter, logger.Named("results"))

	// 4. Browser manager.
	driver := f.driver
	if driver == nil {
		agentOpts := content.Options{
			Tracking:  cfg.Tracking(),
			Detection: domwatch.OptionsFromConfig(cfg.Detection()),
			Builder:   proof.NewBuilder(),
		}
		components.BrowserManager = browser.NewManager(ctx, cfg.Browser(), agentOpts, interceptor.DefaultRegistry(), logger)
		driver = components.BrowserManager
	}

	// 5. Orchestrator and account collection.
	orch, err := orchestrator.New(cfg.Orchestrator(), cfg.Tracking(), driver, components.results, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create orchestrator: %w", err)
		return nil, initializationErr
	}
	components.Orchestrator = orch
	components.Coordinator = phase.NewCoordinator(driver, components.Reporter, cfg.Phase(), logger)

	// 6. Engine.
	eng, err := engine.New(cfg.Engine(), orch, components.Coordinator, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize engine: %w", err)
		return nil, initializationErr
	}
	components.Engine = eng

	logger.Info("All components initialized successfully.")
	return components, nil
}

func reportFormat(format string) string {
	if format == "" {
		return "text"
	}
	return format
}
