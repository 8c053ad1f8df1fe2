// Package journal keeps a Postgres record of every verdict the collector
// writes, for operator forensics. The journal observes the write path; it
// never blocks or fails it.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/breachrange/collectors/internal/engine"
	"github.com/breachrange/collectors/internal/logging"
)

// Entry is one journaled verdict.
type Entry struct {
	ID            string
	CollectorID   string
	ExpectationID string
	Kind          string
	Result        string
	Success       bool
	AlertID       string
	CreatedAt     time.Time
}

// Repository persists journal entries.
type Repository struct {
	pool        *pgxpool.Pool
	collectorID string
	log         *logging.Logger
}

// NewRepository connects the journal to Postgres.
func NewRepository(ctx context.Context, connString, collectorID string, log *logging.Logger) (*Repository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	config.MaxConns = 10
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Repository{pool: pool, collectorID: collectorID, log: log}, nil
}

// Close releases the connection pool.
func (r *Repository) Close() {
	r.pool.Close()
}

// ObserveVerdicts journals a batch of verdicts. Journal failures are logged;
// the platform write already succeeded and must not be rolled back over
// bookkeeping.
func (r *Repository) ObserveVerdicts(ctx context.Context, verdicts []engine.Verdict) {
	query := `
		INSERT INTO verdict_journal (id, collector_id, expectation_id, kind, result, success, alert_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	now := time.Now().UTC()
	for _, v := range verdicts {
		alertID := ""
		if v.Alert != nil {
			alertID = v.Alert.ID
		}
		_, err := r.pool.Exec(ctx, query,
			uuid.NewString(), r.collectorID, v.ExpectationID,
			string(v.Kind), v.Result, v.Success, alertID, now,
		)
		if err != nil {
			r.log.Warn("failed to journal verdict",
				"expectation_id", v.ExpectationID, "error", err)
		}
	}
}

// RecentEntries returns the newest journal entries for an expectation.
func (r *Repository) RecentEntries(ctx context.Context, expectationID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, collector_id, expectation_id, kind, result, success, alert_id, created_at
		FROM verdict_journal
		WHERE expectation_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, expectationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.CollectorID, &e.ExpectationID,
			&e.Kind, &e.Result, &e.Success, &e.AlertID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
