package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/lib/pq"

	"github.com/run-bigpig/stream-guardrails/pkg/guardrails/streaming"
	"github.com/run-bigpig/stream-guardrails/pkg/multitenancy"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PostgresStore keeps records in a single table with the result as JSONB
type PostgresStore struct {
	db    *sql.DB
	table string
}

// PostgresOption configures a PostgresStore
type PostgresOption func(*PostgresStore)

// WithTable sets the table name
func WithTable(table string) PostgresOption {
	return func(p *PostgresStore) {
		p.table = table
	}
}

// NewPostgresStore creates a store on db and ensures its table exists
func NewPostgresStore(ctx context.Context, db *sql.DB, options ...PostgresOption) (*PostgresStore, error) {
	store := &PostgresStore{
		db:    db,
		table: "guardrail_sessions",
	}

	for _, option := range options {
		option(store)
	}

	if !tableName.MatchString(store.table) {
		return nil, fmt.Errorf("invalid table name %q", store.table)
	}
	if err := store.migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// OpenPostgresStore opens a connection pool for dsn and creates a store
func OpenPostgresStore(ctx context.Context, dsn string, options ...PostgresOption) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open Postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	store, err := NewPostgresStore(ctx, db, options...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (p *PostgresStore) quotedTable() string {
	return pq.QuoteIdentifier(p.table)
}

func (p *PostgresStore) migrate(ctx context.Context) error {
	table := p.quotedTable()
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	org_id      TEXT        NOT NULL,
	session_id  TEXT        NOT NULL,
	prompt      TEXT        NOT NULL,
	outcome     TEXT        NOT NULL,
	stop_reason TEXT        NOT NULL,
	result      JSONB       NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (org_id, session_id)
)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (org_id, created_at DESC)`,
			pq.QuoteIdentifier(p.table+"_created_at_idx"), table),
	}

	for _, stmt := range statements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", p.table, err)
		}
	}
	return nil
}

// Save inserts or replaces a record
func (p *PostgresStore) Save(ctx context.Context, record Record) error {
	if record.SessionID == "" || record.Result == nil {
		return fmt.Errorf("record needs a session ID and a result")
	}

	result, err := json.Marshal(record.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (org_id, session_id, prompt, outcome, stop_reason, result, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (org_id, session_id) DO UPDATE SET
	prompt = EXCLUDED.prompt,
	outcome = EXCLUDED.outcome,
	stop_reason = EXCLUDED.stop_reason,
	result = EXCLUDED.result,
	created_at = EXCLUDED.created_at`, p.quotedTable())

	_, err = p.db.ExecContext(ctx, query,
		multitenancy.OrgIDOrDefault(ctx),
		record.SessionID,
		record.Prompt,
		string(record.Result.Outcome),
		string(record.Result.StopReason),
		result,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save record to Postgres: %w", describe(err))
	}
	return nil
}

// Get returns the record for sessionID
func (p *PostgresStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	query := fmt.Sprintf(`SELECT org_id, session_id, prompt, result, created_at FROM %s
WHERE org_id = $1 AND session_id = $2`, p.quotedTable())

	row := p.db.QueryRowContext(ctx, query, multitenancy.OrgIDOrDefault(ctx), sessionID)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record from Postgres: %w", describe(err))
	}
	return record, nil
}

// List returns records newest first
func (p *PostgresStore) List(ctx context.Context, options ...ListOption) ([]Record, error) {
	opts := applyListOptions(options)

	query := fmt.Sprintf(`SELECT org_id, session_id, prompt, result, created_at FROM %s
WHERE org_id = $1 AND (cardinality($2::text[]) = 0 OR outcome = ANY($2::text[]))
ORDER BY created_at DESC`, p.quotedTable())
	args := []interface{}{multitenancy.OrgIDOrDefault(ctx), pq.Array(outcomeStrings(opts.Outcomes))}
	if opts.Limit > 0 {
		query += " LIMIT $3"
		args = append(args, opts.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records from Postgres: %w", describe(err))
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list records from Postgres: %w", describe(err))
	}
	return records, nil
}

// Delete removes the record for sessionID
func (p *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE org_id = $1 AND session_id = $2`, p.quotedTable())

	res, err := p.db.ExecContext(ctx, query, multitenancy.OrgIDOrDefault(ctx), sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete record from Postgres: %w", describe(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete record from Postgres: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return nil
}

// Close closes the connection pool
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		record Record
		result []byte
	)
	if err := row.Scan(&record.OrgID, &record.SessionID, &record.Prompt, &result, &record.CreatedAt); err != nil {
		return nil, err
	}
	record.Result = &streaming.Result{}
	if err := json.Unmarshal(result, record.Result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &record, nil
}

func outcomeStrings(outcomes []streaming.Outcome) []string {
	out := make([]string, len(outcomes))
	for i, o := range outcomes {
		out[i] = string(o)
	}
	return out
}

// describe adds the Postgres error code to driver errors
func describe(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%s (%s): %w", pqErr.Code.Name(), pqErr.Code, err)
	}
	return err
}
