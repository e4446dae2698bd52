package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"
)

// FollowConfig controls how a job file is tailed.
type FollowConfig struct {
	// FromStart replays the lines already in the file before following.
	FromStart bool
	// Poll watches the file by stat polling instead of inotify.
	Poll bool
}

// FollowJobs tails a JSON Lines job file and decodes every appended line. The
// returned channel closes when ctx is done or the tail stops. Lines that do
// not decode go to onError and are skipped.
func FollowJobs(ctx context.Context, path string, cfg FollowConfig, onError func(lineNo int, err error), logger *zap.Logger) (<-chan Job, error) {
	whence := io.SeekEnd
	if cfg.FromStart {
		whence = io.SeekStart
	}
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: true,
		Poll:      cfg.Poll,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to tail job file: %w", err)
	}

	logger = logger.Named("follow").With(zap.String("path", path))
	logger.Info("Following job file.", zap.Bool("from_start", cfg.FromStart))

	jobs := make(chan Job)
	go func() {
		defer close(jobs)
		defer func() {
			_ = t.Stop()
			t.Cleanup()
		}()

		lineNo := 0
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping job follower.")
				return
			case line, ok := <-t.Lines:
				if !ok {
					logger.Info("Job file tailer closed.")
					return
				}
				lineNo++
				if line.Err != nil {
					logger.Warn("Error reading from job file.", zap.Error(line.Err))
					continue
				}
				job, ok := decodeLine(lineNo, line.Text, onError)
				if !ok {
					continue
				}
				select {
				case jobs <- job:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return jobs, nil
}
