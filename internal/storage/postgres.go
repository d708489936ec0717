// internal/storage/postgres.go
// PostgreSQL implementation of the Store interface, used when MARKET_DB_DSN is set.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datamarket/datamarket-go/internal/model"
)

// postgres keeps the activity journal and idempotent responses in PostgreSQL.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
// Returns:
//   - Store: Implementation of the storage interface
//   - error: Any error that occurred during initialization
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Activity journal (append-only)
		CREATE TABLE IF NOT EXISTS activity (
		    id TEXT PRIMARY KEY,                     -- ULID, sortable by time
		    address TEXT NOT NULL,                   -- Wallet that signed
		    kind TEXT NOT NULL,                      -- Activity kind
		    ref TEXT NOT NULL,                       -- Dataset, listing or profile id
		    digest TEXT NOT NULL,                    -- Transaction digest
		    amount NUMERIC(20, 0) NOT NULL DEFAULT 0,  -- MIST moved, if any
		    payload JSONB,                           -- Kind-specific details
		    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_activity_address_id ON activity(address, id DESC);
		CREATE INDEX IF NOT EXISTS idx_activity_kind ON activity(kind);

		-- Idempotency table for storing responses to retried requests
		CREATE TABLE IF NOT EXISTS idempotency (
		    key_hash TEXT PRIMARY KEY,               -- Hash of address, route and idempotency key
		    response_body BYTEA NOT NULL,            -- Cached response body
		    response_status INTEGER NOT NULL,        -- HTTP status code
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_idempotency_expires_at ON idempotency(expires_at);
	`
	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// Ping checks the database connection.
func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// AppendActivity inserts one journal entry.
func (p *postgres) AppendActivity(ctx context.Context, a model.Activity) error {
	var payload []byte
	if a.Payload != nil {
		var err error
		if payload, err = json.Marshal(a.Payload); err != nil {
			return fmt.Errorf("failed to marshal activity payload: %w", err)
		}
	}

	query := `INSERT INTO activity (id, address, kind, ref, digest, amount, payload, occurred_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := p.db.Exec(ctx, query,
		a.ID,
		a.Address,
		string(a.Kind),
		a.Ref,
		a.Digest,
		fmt.Sprintf("%d", a.Amount),
		payload,
		a.OccurredAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to append activity: %w", err)
	}
	return nil
}

const activityColumns = `id, address, kind, ref, digest, amount::TEXT, payload, occurred_at`

// scanActivity reads one row selected with activityColumns.
func scanActivity(row pgx.Row) (*model.Activity, error) {
	var (
		a       model.Activity
		kind    string
		amount  string
		payload []byte
	)
	if err := row.Scan(&a.ID, &a.Address, &kind, &a.Ref, &a.Digest, &amount, &payload, &a.OccurredAt); err != nil {
		return nil, err
	}
	a.Kind = model.ActivityKind(kind)
	if _, err := fmt.Sscan(amount, &a.Amount); err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &a.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal activity payload: %w", err)
		}
	}
	return &a, nil
}

// GetActivity retrieves a journal entry by id.
func (p *postgres) GetActivity(ctx context.Context, id string) (*model.Activity, error) {
	a, err := scanActivity(p.db.QueryRow(ctx, `SELECT `+activityColumns+` FROM activity WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	return a, nil
}

// ListActivity lists journal entries newest first with cursor-based pagination.
func (p *postgres) ListActivity(ctx context.Context, query model.ListActivityQuery) (*model.ListActivityResult, error) {
	baseQuery := `SELECT ` + activityColumns + ` FROM activity WHERE TRUE`
	args := []interface{}{}
	argIndex := 1

	if query.Address != "" {
		baseQuery += fmt.Sprintf(" AND address = $%d", argIndex)
		args = append(args, query.Address)
		argIndex++
	}
	if query.Kind != "" {
		baseQuery += fmt.Sprintf(" AND kind = $%d", argIndex)
		args = append(args, string(query.Kind))
		argIndex++
	}
	if query.Cursor != "" {
		lastID, err := decodeCursor(query.Cursor)
		if err != nil {
			return nil, err
		}
		baseQuery += fmt.Sprintf(" AND id < $%d", argIndex)
		args = append(args, lastID)
		argIndex++
	}

	limit := pageSize(query.Limit)
	baseQuery += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", argIndex)
	args = append(args, limit+1) // Fetch one extra entry to determine if there are more results

	rows, err := p.db.Query(ctx, baseQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	result := &model.ListActivityResult{Entries: []model.Activity{}}
	more := false
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		if len(result.Entries) == limit {
			more = true
			continue
		}
		result.Entries = append(result.Entries, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activity: %w", err)
	}

	if more {
		result.NextCursor = encodeCursor(result.Entries[len(result.Entries)-1].ID)
	}
	return result, nil
}

// StoreIdempotentResponse stores an idempotent response in the database
func (p *postgres) StoreIdempotentResponse(ctx context.Context, keyHash string, responseBody []byte, statusCode int, expiresAt time.Time) error {
	query := `INSERT INTO idempotency (key_hash, response_body, response_status, created_at, expires_at)
	          VALUES ($1, $2, $3, $4, $5)
	          ON CONFLICT (key_hash) DO UPDATE
	          SET response_body = $2, response_status = $3, created_at = $4, expires_at = $5`

	_, err := p.db.Exec(ctx, query, keyHash, responseBody, statusCode, time.Now().UTC(), expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store idempotent response: %w", err)
	}
	return nil
}

// GetIdempotentResponse retrieves a cached idempotent response from the database
func (p *postgres) GetIdempotentResponse(ctx context.Context, keyHash string) ([]byte, int, error) {
	query := `SELECT response_body, response_status FROM idempotency
	          WHERE key_hash = $1 AND expires_at > $2`

	var responseBody []byte
	var statusCode int

	err := p.db.QueryRow(ctx, query, keyHash, time.Now().UTC()).Scan(&responseBody, &statusCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to get idempotent response: %w", err)
	}

	return responseBody, statusCode, nil
}
