package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

// PostgresStore keeps checkpoints in a table of a shared PostgreSQL metadata database.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

func NewPostgresStore(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint postgres connect: %w", err)
	}

	s := &PostgresStore{pool: pool, table: pq.QuoteIdentifier(table)}

	createQuery := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		source_id TEXT PRIMARY KEY,
		data JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`, s.table)

	if _, err := pool.Exec(ctx, createQuery); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint table create: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) Load(ctx context.Context, sourceID string) (*Checkpoint, error) {
	var data []byte
	query := fmt.Sprintf("SELECT data FROM %s WHERE source_id = $1", s.table)
	err := s.pool.QueryRow(ctx, query, sourceID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint load: %w", err)
	}
	return decode(data)
}

func (s *PostgresStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := encode(cp)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (source_id, data, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (source_id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, cp.SourceID, data, cp.UpdatedAt); err != nil {
		return fmt.Errorf("checkpoint save: %w", err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, sourceID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE source_id = $1", s.table)
	if _, err := s.pool.Exec(ctx, query, sourceID); err != nil {
		return fmt.Errorf("checkpoint delete: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
