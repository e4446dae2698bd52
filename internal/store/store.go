package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/proofwatch/api/schemas"
)

//go:embed schema.sql
var schemaDDL string

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("record not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store persists terminal results and account collections in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var (
	_ schemas.ResultSink     = (*Store)(nil)
	_ schemas.CollectionSink = (*Store)(nil)
)

const (
	sqlInsertResult = `
        INSERT INTO action_results (action_id, success, verification_method, confidence, failure_reason, duration_ms, payload, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (action_id) DO NOTHING;
    `
	sqlUpsertCollection = `
        INSERT INTO account_collections (account_id, handle, platform, follower_count, following_count, post_count, missing_optional, phases, payload, completed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (account_id) DO UPDATE SET
            handle = EXCLUDED.handle,
            platform = EXCLUDED.platform,
            follower_count = EXCLUDED.follower_count,
            following_count = EXCLUDED.following_count,
            post_count = EXCLUDED.post_count,
            missing_optional = EXCLUDED.missing_optional,
            phases = EXCLUDED.phases,
            payload = EXCLUDED.payload,
            completed_at = EXCLUDED.completed_at;
    `
	sqlDeleteBreakdowns = `DELETE FROM audience_breakdowns WHERE account_id = $1;`
	sqlGetResult        = `SELECT payload FROM action_results WHERE action_id = $1;`
	sqlListResults      = `
        SELECT payload
        FROM action_results
        WHERE recorded_at >= $1
        ORDER BY recorded_at ASC;
    `
	sqlGetCollection = `SELECT payload FROM account_collections WHERE account_id = $1;`
)

var breakdownColumns = []string{"account_id", "dimension", "bucket", "share"}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the tables when they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Deliver records a terminal result. The first result recorded for an action
// id is kept; later ones are ignored.
func (s *Store) Deliver(ctx context.Context, result schemas.Result) error {
	if result.ActionID == "" {
		return fmt.Errorf("result without action id")
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result %s: %w", result.ActionID, err)
	}

	var (
		success    bool
		method     string
		confidence float64
		reason     string
		durationMs int64
		recordedAt = time.Now().UTC()
	)
	if result.Proof != nil {
		success = result.Proof.Success
		method = string(result.Proof.VerificationMethod)
		confidence = result.Proof.Confidence
		durationMs = result.Proof.DurationMs
		if !result.Proof.Timestamp.IsZero() {
			recordedAt = result.Proof.Timestamp.UTC()
		}
	}
	if result.Failure != nil {
		success = false
		reason = string(result.Failure.Reason)
		durationMs = result.Failure.DurationMs
		if !result.Failure.Timestamp.IsZero() {
			recordedAt = result.Failure.Timestamp.UTC()
		}
	}

	tag, err := s.pool.Exec(ctx, sqlInsertResult, result.ActionID, success, method, confidence, reason, durationMs, payload, recordedAt)
	if err != nil {
		return fmt.Errorf("failed to insert result %s: %w", result.ActionID, err)
	}
	if tag.RowsAffected() == 0 {
		s.log.Warn("Result already recorded, keeping the first one.", zap.String("action_id", result.ActionID))
	}
	return nil
}

// SaveCollection upserts an account collection and replaces its audience breakdown.
func (s *Store) SaveCollection(ctx context.Context, col schemas.AccountCollection) error {
	payload, err := json.Marshal(col)
	if err != nil {
		return fmt.Errorf("failed to encode collection %s: %w", col.AccountID, err)
	}
	phases := make([]string, len(col.Phases))
	for i, p := range col.Phases {
		phases[i] = string(p)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlUpsertCollection,
		col.AccountID, col.Handle, string(col.Platform),
		col.Profile.FollowerCount, col.Profile.FollowingCount, col.Profile.PostCount,
		col.MissingOptional, phases, payload, col.CompletedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to upsert collection %s: %w", col.AccountID, err)
	}
	if _, err := tx.Exec(ctx, sqlDeleteBreakdowns, col.AccountID); err != nil {
		return fmt.Errorf("failed to clear audience breakdown: %w", err)
	}

	if rows := breakdownRows(col); len(rows) > 0 {
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"audience_breakdowns"}, breakdownColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("failed to copy audience breakdown: %w", err)
		}
		if int(n) != len(rows) {
			return fmt.Errorf("mismatch in copied breakdown count: expected %d, got %d", len(rows), n)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// breakdownRows flattens the analytics audience maps in a stable order.
func breakdownRows(col schemas.AccountCollection) [][]interface{} {
	if col.Analytics == nil {
		return nil
	}
	var rows [][]interface{}
	add := func(dimension string, m map[string]float64) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			rows = append(rows, []interface{}{col.AccountID, dimension, k, m[k]})
		}
	}
	add("country", col.Analytics.Countries)
	add("age", col.Analytics.AgeRanges)
	add("gender", col.Analytics.Genders)
	return rows
}

// GetResult returns the recorded result of an action.
func (s *Store) GetResult(ctx context.Context, actionID string) (schemas.Result, error) {
	var res schemas.Result
	if err := s.getPayload(ctx, sqlGetResult, actionID, &res); err != nil {
		return schemas.Result{}, err
	}
	return res, nil
}

// GetCollection returns the stored collection of an account.
func (s *Store) GetCollection(ctx context.Context, accountID string) (schemas.AccountCollection, error) {
	var col schemas.AccountCollection
	if err := s.getPayload(ctx, sqlGetCollection, accountID, &col); err != nil {
		return schemas.AccountCollection{}, err
	}
	return col, nil
}

func (s *Store) getPayload(ctx context.Context, query, id string, out interface{}) error {
	var payload []byte
	if err := s.pool.QueryRow(ctx, query, id).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("failed to query %s: %w", id, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", id, err)
	}
	return nil
}

// ListResults returns the results recorded since the given time, oldest first.
func (s *Store) ListResults(ctx context.Context, since time.Time) ([]schemas.Result, error) {
	rows, err := s.pool.Query(ctx, sqlListResults, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	var results []schemas.Result
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan result row: %w", err)
		}
		var res schemas.Result
		if err := json.Unmarshal(payload, &res); err != nil {
			return nil, fmt.Errorf("failed to decode result row: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return results, nil
}
