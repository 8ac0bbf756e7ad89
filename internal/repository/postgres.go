package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/UnknownOlympus/cartographer/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Database is the subset of pgxpool.Pool the repository uses; pgxmock
// implements the same surface for tests.
type Database interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewDatabase opens and pings a pgx connection pool.
func NewDatabase(ctx context.Context, host, port, user, password, name string) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, password, host, port, name)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// LookupExtraction returns the cached plan data for a document hash, or
// ErrCacheMiss when none is stored.
func (r *Repository) LookupExtraction(ctx context.Context, docHash string) (*models.ExtractedPlanData, error) {
	query := `
		SELECT data
		FROM plan_extractions
		WHERE doc_hash = $1;
	`

	var raw []byte
	err := r.db.QueryRow(ctx, query, docHash).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query cached extraction: %w", err)
	}

	var data models.ExtractedPlanData
	if err = json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to decode cached extraction: %w", err)
	}

	r.log.DebugContext(ctx, "Extraction cache hit", "doc_hash", docHash)
	return &data, nil
}

// SaveExtraction stores (or refreshes) the extraction for a document hash.
func (r *Repository) SaveExtraction(ctx context.Context, docHash string, data *models.ExtractedPlanData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode extraction: %w", err)
	}

	query := `
		INSERT INTO plan_extractions (doc_hash, data, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (doc_hash) DO UPDATE SET data = EXCLUDED.data, created_at = NOW();
	`

	if _, err = r.db.Exec(ctx, query, docHash, raw); err != nil {
		return fmt.Errorf("failed to save extraction: %w", err)
	}

	return nil
}
