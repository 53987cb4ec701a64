package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const usageSchema = `
	CREATE TABLE IF NOT EXISTS usage_records (
		id            BIGSERIAL PRIMARY KEY,
		request_id    TEXT        NOT NULL UNIQUE,
		identity      TEXT        NOT NULL,
		provider      TEXT        NOT NULL DEFAULT '',
		model         TEXT        NOT NULL DEFAULT '',
		outcome       TEXT        NOT NULL,
		reason        TEXT        NOT NULL DEFAULT '',
		streaming     BOOLEAN     NOT NULL DEFAULT false,
		attempts      INTEGER     NOT NULL DEFAULT 0,
		input_tokens  INTEGER     NOT NULL DEFAULT 0,
		output_tokens INTEGER     NOT NULL DEFAULT 0,
		cost_usd      NUMERIC     NOT NULL DEFAULT 0,
		latency_ms    BIGINT      NOT NULL DEFAULT 0,
		created_at    TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS usage_records_identity_created_at
		ON usage_records (identity, created_at DESC);
`

// OpenPostgres opens and pings a database handle.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

type PostgresUsageRepository struct {
	db *sql.DB
}

func NewPostgresUsageRepository(db *sql.DB) *PostgresUsageRepository {
	return &PostgresUsageRepository{db: db}
}

// Migrate creates the usage table if it does not exist.
func (r *PostgresUsageRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, usageSchema); err != nil {
		return fmt.Errorf("migrate usage_records: %w", err)
	}
	return nil
}

// Record inserts one row. Exporters deliver at least once, so a repeated
// request id is ignored.
func (r *PostgresUsageRepository) Record(ctx context.Context, record UsageRecord) error {
	query := `
		INSERT INTO usage_records (request_id, identity, provider, model, outcome, reason, streaming,
		                           attempts, input_tokens, output_tokens, cost_usd, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (request_id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		record.RequestID,
		record.Identity,
		record.Provider,
		record.Model,
		record.Outcome,
		record.Reason,
		record.Streaming,
		record.Attempts,
		record.InputTokens,
		record.OutputTokens,
		record.CostUSD,
		record.LatencyMs,
		record.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

func (r *PostgresUsageRepository) IdentityUsage(ctx context.Context, identity string, since time.Time) ([]UsageRecord, error) {
	query := `
		SELECT request_id, identity, provider, model, outcome, reason, streaming,
		       attempts, input_tokens, output_tokens, cost_usd, latency_ms, created_at
		FROM usage_records
		WHERE identity = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, identity, since)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var record UsageRecord
		err := rows.Scan(
			&record.RequestID,
			&record.Identity,
			&record.Provider,
			&record.Model,
			&record.Outcome,
			&record.Reason,
			&record.Streaming,
			&record.Attempts,
			&record.InputTokens,
			&record.OutputTokens,
			&record.CostUSD,
			&record.LatencyMs,
			&record.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

func (r *PostgresUsageRepository) IdentityTotals(ctx context.Context, identity string, since time.Time) (IdentityTotals, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE outcome = 'completed'),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE identity = $1 AND created_at >= $2
	`

	var t IdentityTotals
	err := r.db.QueryRowContext(ctx, query, identity, since).Scan(
		&t.Requests,
		&t.Completed,
		&t.InputTokens,
		&t.OutputTokens,
		&t.CostUSD,
	)
	if err != nil {
		return IdentityTotals{}, fmt.Errorf("query usage totals: %w", err)
	}

	return t, nil
}
