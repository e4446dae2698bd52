package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/proofwatch/api/schemas"
	"github.com/xkilldash9x/proofwatch/internal/config"
	"github.com/xkilldash9x/proofwatch/internal/engine"
	"github.com/xkilldash9x/proofwatch/internal/observability"
	"github.com/xkilldash9x/proofwatch/internal/service"
)

var (
	// errNotProven is returned when a single verification ended without proof.
	errNotProven = errors.New("action was not proven")
	// errNotCollected is returned when an account collection failed.
	errNotCollected = errors.New("account was not collected")
)

// addReportFlags registers the flags every browser-driving command shares.
func addReportFlags(cmd *cobra.Command, opts *service.Options) {
	cmd.Flags().StringVarP(&opts.ReportFormat, "format", "f", "text", "Report format ('text', 'jsonl' or 'json').")
	cmd.Flags().StringVarP(&opts.ReportPath, "output", "o", "", "Append the report to this file instead of stdout.")
}

// newVerifyCmd creates the `verify` command.
func newVerifyCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		req        schemas.ActionRequest
		actionType string
		platform   string
		opts       service.Options
	)

	verifyCmd := &cobra.Command{
		Use:   "verify <target-url>",
		Short: "Open a target and wait until the user's action on it is proven",
		Long: `Opens the target URL in a new tab and tracks it until the requested action
is observed, the tab is closed or the tracking timeout expires. The platform and
the expected identifier are derived from the URL unless given.`,
		Example: `  proofwatch verify --type follow https://x.com/jack
  proofwatch verify -t retweet https://x.com/jack/status/20
  proofwatch verify -t comment --text "great post" https://www.instagram.com/p/C1a2b3/`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			req.TargetURL = args[0]
			req.ActionType = schemas.ActionType(actionType)
			req.Platform = schemas.Platform(platform)
			return runVerify(ctx, observability.GetLogger(), cfg, req, opts, factory)
		},
	}

	verifyCmd.Flags().StringVarP(&actionType, "type", "t", "", "Action to verify: follow, like, comment, retweet or verify_profile (required)")
	_ = verifyCmd.MarkFlagRequired("type")
	verifyCmd.Flags().StringVarP(&platform, "platform", "p", "", "Platform of the target. Inferred from the URL when empty.")
	verifyCmd.Flags().StringVar(&req.ExpectedIdentifier, "expected", "", "Handle or content id the action must hit. Derived from the URL when empty.")
	verifyCmd.Flags().StringVar(&req.ExpectedText, "text", "", "Comment text that must appear (comment actions).")
	verifyCmd.Flags().StringVar(&req.ActionID, "id", "", "Action id to record the result under. Generated when empty.")
	addReportFlags(verifyCmd, &opts)

	return verifyCmd
}

// runVerify contains the core, testable logic of the verify command.
func runVerify(ctx context.Context, logger *zap.Logger, cfg config.Interface, req schemas.ActionRequest, opts service.Options, factory service.ComponentFactory) error {
	req, err := engine.NormalizeAction(req)
	if err != nil {
		return err
	}
	logger.Info("Verifying action", observability.ActionFields(req)...)

	stats, err := runJobs(ctx, logger, cfg, []engine.Job{engine.ActionJob(req)}, opts, factory)
	if err != nil {
		return err
	}
	if stats.Succeeded == 0 {
		return fmt.Errorf("%w: %s", errNotProven, req.ActionID)
	}
	return nil
}

// newCollectCmd creates the `collect` command.
func newCollectCmd(factory service.ComponentFactory) *cobra.Command {
	var (
		req      schemas.AccountRequest
		platform string
		opts     service.Options
	)

	collectCmd := &cobra.Command{
		Use:   "collect <profile-url>",
		Short: "Collect profile and analytics data of an account the user is logged into",
		Long: `Runs the multi-phase collection for one account: the public profile first,
then the insights view when the platform exposes one. Missing analytics do not
fail the collection.`,
		Example: `  proofwatch collect https://www.instagram.com/ma3ak.health/
  proofwatch collect --account-id acc-42 https://www.tiktok.com/@creator`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			req.ProfileURL = args[0]
			req.Platform = schemas.Platform(platform)
			return runCollect(ctx, observability.GetLogger(), cfg, req, opts, factory)
		},
	}

	collectCmd.Flags().StringVarP(&platform, "platform", "p", "", "Platform of the account. Inferred from the URL when empty.")
	collectCmd.Flags().StringVar(&req.Handle, "handle", "", "Account handle. Derived from the URL when empty.")
	collectCmd.Flags().StringVar(&req.AccountID, "account-id", "", "Id to record the collection under. Generated when empty.")
	addReportFlags(collectCmd, &opts)

	return collectCmd
}

// runCollect contains the core, testable logic of the collect command.
func runCollect(ctx context.Context, logger *zap.Logger, cfg config.Interface, req schemas.AccountRequest, opts service.Options, factory service.ComponentFactory) error {
	req, err := engine.NormalizeAccount(req)
	if err != nil {
		return err
	}
	logger.Info("Collecting account", zap.String("account_id", req.AccountID), zap.String("handle", req.Handle))

	stats, err := runJobs(ctx, logger, cfg, []engine.Job{engine.AccountJob(req)}, opts, factory)
	if err != nil {
		return err
	}
	if stats.Succeeded == 0 {
		return fmt.Errorf("%w: %s", errNotCollected, req.AccountID)
	}
	return nil
}

// runJobs creates the components, runs one batch and shuts everything down.
func runJobs(ctx context.Context, logger *zap.Logger, cfg config.Interface, jobs []engine.Job, opts service.Options, factory service.ComponentFactory) (engine.Stats, error) {
	components, err := factory.Create(ctx, cfg, opts, logger)
	if err != nil {
		return engine.Stats{}, fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown(ctx)

	stats, err := components.Engine.RunBatch(ctx, jobs)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Run aborted by user signal", zap.Int64("processed", stats.Processed))
		}
		return stats, err
	}
	return stats, nil
}
