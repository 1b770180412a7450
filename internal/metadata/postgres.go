package metadata

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/paw-chain/chain-indexer/pkg/logger"
)

// PostgresStore is a lib/pq-backed Store. Keys live in a single
// `indexer_metadata(key text primary key, value text, updated_at
// timestamptz)` table, upserted with ON CONFLICT the way the rest of this
// codebase's Postgres writers do.
type PostgresStore struct {
	db  *sql.DB
	log *logger.Logger
}

// PostgresConfig configures the connection pool.
type PostgresConfig struct {
	URL            string
	MaxConnections int
	MaxIdle        int
}

// NewPostgresStore opens the connection and verifies it with a ping.
func NewPostgresStore(cfg PostgresConfig, log *logger.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}
	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging metadata database: %w", err)
	}
	log.Info("connected to metadata store")
	return &PostgresStore{db: db, log: log}, nil
}

// InitSchema creates the metadata table if it doesn't already exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS indexer_metadata (
			key text PRIMARY KEY,
			value text NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("creating metadata table: %w", err)
	}
	return nil
}

type sqlTx struct {
	tx *sql.Tx
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning metadata transaction: %w", err)
	}
	return &sqlTx{tx: tx}, nil
}

func (s *PostgresStore) Commit(ctx context.Context, tx Tx) error {
	t, ok := tx.(*sqlTx)
	if !ok || t == nil {
		return nil
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("committing metadata transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Rollback(ctx context.Context, tx Tx) error {
	t, ok := tx.(*sqlTx)
	if !ok || t == nil {
		return nil
	}
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("rolling back metadata transaction: %w", err)
	}
	return nil
}

const upsertQuery = `
	INSERT INTO indexer_metadata (key, value, updated_at) VALUES ($1, $2, now())
	ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = now()`

func (s *PostgresStore) Upsert(ctx context.Context, tx Tx, key, value string) error {
	if t, ok := tx.(*sqlTx); ok && t != nil {
		if _, err := t.tx.ExecContext(ctx, upsertQuery, key, value); err != nil {
			return fmt.Errorf("upserting metadata key %q: %w", key, err)
		}
		return nil
	}
	if _, err := s.db.ExecContext(ctx, upsertQuery, key, value); err != nil {
		return fmt.Errorf("upserting metadata key %q: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM indexer_metadata WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading metadata key %q: %w", key, err)
	}
	return value, true, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
