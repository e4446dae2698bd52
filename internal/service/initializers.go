// File: internal/service/initializers.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/proofwatch/api/schemas"
	"github.com/xkilldash9x/proofwatch/internal/config"
)

// ErrQueueClosed is returned by a result queue after shutdown.
var ErrQueueClosed = errors.New("result queue is closed")

const (
	persistTimeout  = 30 * time.Second
	resultQueueSize = 256
)

// InitializeDBPool connects to PostgreSQL. An empty URL disables persistence
// and returns a nil pool.
func InitializeDBPool(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.URL == "" {
		logger.Info("No database configured; results are only written to the report.")
		return nil, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	logger.Info("Database connection pool initialized.", zap.String("host", poolConfig.ConnConfig.Host))
	return pool, nil
}

// ResultQueue decouples result producers from slow sinks. It implements
// schemas.ResultSink; StartResultConsumer drains it.
type ResultQueue struct {
	mu     sync.RWMutex
	ch     chan schemas.Result
	closed bool
}

var _ schemas.ResultSink = (*ResultQueue)(nil)

func NewResultQueue(size int) *ResultQueue {
	if size <= 0 {
		size = resultQueueSize
	}
	return &ResultQueue{ch: make(chan schemas.Result, size)}
}

// Deliver enqueues a result, blocking while the queue is full.
func (q *ResultQueue) Deliver(ctx context.Context, result schemas.Result) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- result:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueueing result %s: %w", result.ActionID, ctx.Err())
	}
}

// Close stops accepting results. The consumer drains what is queued.
func (q *ResultQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// StartResultConsumer launches a goroutine that hands queued results to sink.
// It manages its lifecycle using the provided WaitGroup.
func StartResultConsumer(ctx context.Context, wg *sync.WaitGroup, q *ResultQueue, sink schemas.ResultSink, logger *zap.Logger) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Debug("Starting result consumer goroutine...")
		defer logger.Debug("Result consumer goroutine shut down.")

		persist := func(result schemas.Result) {
			// Results are persisted even while the main context is being cancelled.
			persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			if err := sink.Deliver(persistCtx, result); err != nil {
				logger.Error("Failed to persist result. Data may be lost.", zap.String("action_id", result.ActionID), zap.Error(err))
			}
		}

		for {
			select {
			case result, ok := <-q.ch:
				if !ok {
					return
				}
				persist(result)
			case <-ctx.Done():
				logger.Warn("Result consumer context canceled, draining queued results.")
				drainChannel(q.ch, persist)
				return
			}
		}
	}()
}

// drainChannel processes whatever is buffered. It stops when the channel is
// closed or the buffer is empty.
func drainChannel(ch <-chan schemas.Result, fn func(schemas.Result)) {
	for {
		select {
		case result, ok := <-ch:
			if !ok {
				return
			}
			fn(result)
		default:
			return
		}
	}
}
