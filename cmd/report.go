// File: cmd/report.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/proofwatch/api/schemas"
	"github.com/xkilldash9x/proofwatch/internal/config"
	"github.com/xkilldash9x/proofwatch/internal/observability"
	"github.com/xkilldash9x/proofwatch/internal/reporting"
	"github.com/xkilldash9x/proofwatch/internal/service"
	"github.com/xkilldash9x/proofwatch/internal/store"
)

// resultReader is the read side of the store the report command needs.
type resultReader interface {
	GetResult(ctx context.Context, actionID string) (schemas.Result, error)
	GetCollection(ctx context.Context, accountID string) (schemas.AccountCollection, error)
	ListResults(ctx context.Context, since time.Time) ([]schemas.Result, error)
}

// storeProvider creates the store the report command reads from. Tests inject
// a fake instead of a live database connection.
type storeProvider interface {
	// Create returns the store and a cleanup function releasing its resources.
	Create(ctx context.Context, cfg config.Interface) (resultReader, func(), error)
}

// defaultStoreProvider connects to the configured PostgreSQL database.
type defaultStoreProvider struct{}

// NewStoreProvider creates the production store provider.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (resultReader, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database().URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (PROOFWATCH_DATABASE_URL)")
	}
	pool, err := service.InitializeDBPool(ctx, cfg.Database(), logger)
	if err != nil {
		return nil, nil, err
	}
	storeService, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store service: %w", err)
	}
	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed (via report cleanup).")
	}
	return storeService, cleanup, nil
}

// reportQuery selects what the report command prints.
type reportQuery struct {
	ActionID  string
	AccountID string
	Since     time.Duration
	Format    string
}

// newReportCmd creates the `report` command.
func newReportCmd(provider storeProvider) *cobra.Command {
	var q reportQuery

	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Print recorded results and collections from the database",
		Long: `Reads what earlier runs stored: one result by action id, one collection by
account id, or every result recorded within the --since window.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			out, err := reporting.NewWriter(q.Format, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer out.Close()
			return runReport(ctx, observability.GetLogger(), cfg, q, out, provider)
		},
	}

	reportCmd.Flags().StringVar(&q.ActionID, "action-id", "", "Print the result of this action.")
	reportCmd.Flags().StringVar(&q.AccountID, "account-id", "", "Print the latest collection of this account.")
	reportCmd.Flags().DurationVar(&q.Since, "since", 24*time.Hour, "List results recorded within this window.")
	reportCmd.Flags().StringVarP(&q.Format, "format", "f", "text", "Output format ('text' or 'jsonl').")
	reportCmd.MarkFlagsMutuallyExclusive("action-id", "account-id")

	return reportCmd
}

// runReport contains the core, testable logic of the report command.
func runReport(ctx context.Context, logger *zap.Logger, cfg config.Interface, q reportQuery, out reporting.Reporter, provider storeProvider) error {
	reader, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}

	switch {
	case q.ActionID != "":
		res, err := reader.GetResult(ctx, q.ActionID)
		if err != nil {
			return notFoundf(err, "action %s", q.ActionID)
		}
		return out.Deliver(ctx, res)

	case q.AccountID != "":
		col, err := reader.GetCollection(ctx, q.AccountID)
		if err != nil {
			return notFoundf(err, "account %s", q.AccountID)
		}
		return out.SaveCollection(ctx, col)
	}

	since := time.Now().Add(-q.Since)
	results, err := reader.ListResults(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to list results: %w", err)
	}
	logger.Info("Listing results", zap.Time("since", since), zap.Int("count", len(results)))
	for _, res := range results {
		if err := out.Deliver(ctx, res); err != nil {
			return err
		}
	}
	return nil
}

func notFoundf(err error, format string, args ...interface{}) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("no record for %s: %w", what, err)
	}
	return fmt.Errorf("failed to read %s: %w", what, err)
}
