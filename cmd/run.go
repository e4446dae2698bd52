package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/proofwatch/internal/config"
	"github.com/xkilldash9x/proofwatch/internal/engine"
	"github.com/xkilldash9x/proofwatch/internal/observability"
	"github.com/xkilldash9x/proofwatch/internal/service"
)

// runOptions collects the flags of the run command.
type runOptions struct {
	service.Options
	Follow    bool
	FromStart bool
	Poll      bool
}

// newRunCmd creates the `run` command.
func newRunCmd(factory service.ComponentFactory) *cobra.Command {
	var opts runOptions

	runCmd := &cobra.Command{
		Use:   "run [jobs-file]",
		Short: "Process a JSON Lines file of action and account requests",
		Long: `Reads one request per line from the jobs file, or stdin when the file is
omitted or "-". Lines with an action_type are verified; lines with only an
account_id or profile_url are collected. With --follow the file is tailed and
new lines are processed as they are appended, until interrupted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			if opts.Follow {
				if path == "-" {
					return fmt.Errorf("--follow needs a jobs file")
				}
				return runFollow(ctx, observability.GetLogger(), cfg, path, opts, factory)
			}

			var in io.Reader = cmd.InOrStdin()
			if path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("failed to open jobs file: %w", err)
				}
				defer f.Close()
				in = f
			}
			stats, err := runBatch(ctx, observability.GetLogger(), cfg, in, opts.Options, factory)
			fmt.Fprintf(cmd.ErrOrStderr(), "Processed %d: %d proven, %d failed, %d rejected\n",
				stats.Processed, stats.Succeeded, stats.Failed, stats.Rejected)
			return err
		},
	}

	addReportFlags(runCmd, &opts.Options)
	runCmd.Flags().BoolVar(&opts.Follow, "follow", false, "Keep tailing the jobs file for new lines.")
	runCmd.Flags().BoolVar(&opts.FromStart, "from-start", false, "With --follow, also process the lines already in the file.")
	runCmd.Flags().BoolVar(&opts.Poll, "poll", false, "With --follow, poll the file instead of using inotify.")

	return runCmd
}

// runBatch decodes every job of in and processes them as one batch.
func runBatch(ctx context.Context, logger *zap.Logger, cfg config.Interface, in io.Reader, opts service.Options, factory service.ComponentFactory) (engine.Stats, error) {
	jobs, err := engine.ReadJobs(in, func(lineNo int, err error) {
		logger.Warn("Skipping invalid job line", zap.Int("line", lineNo), zap.Error(err))
	})
	if err != nil {
		return engine.Stats{}, err
	}
	if len(jobs) == 0 {
		logger.Info("No jobs to process.")
		return engine.Stats{}, nil
	}
	logger.Info("Processing jobs", zap.Int("count", len(jobs)))
	return runJobs(ctx, logger, cfg, jobs, opts, factory)
}

// runFollow feeds the tailed jobs file to the engine's worker pool until ctx
// ends.
func runFollow(ctx context.Context, logger *zap.Logger, cfg config.Interface, path string, opts runOptions, factory service.ComponentFactory) error {
	components, err := factory.Create(ctx, cfg, opts.Options, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown(ctx)

	jobs, err := engine.FollowJobs(ctx, path, engine.FollowConfig{FromStart: opts.FromStart, Poll: opts.Poll},
		func(lineNo int, err error) {
			logger.Warn("Skipping invalid job line", zap.Int("line", lineNo), zap.Error(err))
		}, logger)
	if err != nil {
		return err
	}

	components.Engine.Start(ctx, jobs)
	// Workers return once ctx ends and the follower closes the channel.
	components.Engine.Stop()

	stats := components.Engine.Stats()
	logger.Info("Follow mode finished",
		zap.Int64("processed", stats.Processed),
		zap.Int64("succeeded", stats.Succeeded),
		zap.Int64("failed", stats.Failed),
		zap.Int64("rejected", stats.Rejected))
	return nil
}
