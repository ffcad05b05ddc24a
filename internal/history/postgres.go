package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	upsertMatchSQL = `
INSERT INTO matches (id, title, config, hosted, winner_team, error)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
    title       = EXCLUDED.title,
    config      = EXCLUDED.config,
    hosted      = EXCLUDED.hosted,
    winner_team = EXCLUDED.winner_team,
    error       = EXCLUDED.error,
    updated_at  = now()
RETURNING created_at, updated_at`

	selectMatchSQL = `
SELECT id, title, config, hosted, winner_team, error, created_at, updated_at
FROM matches
WHERE id = $1`

	recentMatchesSQL = `
SELECT id, title, config, hosted, winner_team, error, created_at, updated_at
FROM matches
ORDER BY created_at DESC, id DESC
LIMIT $1`
)

// PostgresRepository pgxpool 實作
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresRepository 建立 Postgres 儲存；schema 由 Migrate 建立
func NewPostgresRepository(pool *pgxpool.Pool, logger *slog.Logger) *PostgresRepository {
	return &PostgresRepository{
		pool:   pool,
		logger: logger.With("component", "history"),
	}
}

// Save 實作 Repository
func (r *PostgresRepository) Save(ctx context.Context, m *Match) error {
	config := m.Config
	if len(config) == 0 {
		config = json.RawMessage("{}")
	}

	err := r.pool.QueryRow(ctx, upsertMatchSQL,
		m.ID, m.Title, []byte(config), m.Hosted, m.WinnerTeam, m.Error,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		r.logger.Error("save match failed", "match_id", m.ID, "error", err)
		return fmt.Errorf("save match %d: %w", m.ID, err)
	}
	return nil
}

// Get 實作 Repository
func (r *PostgresRepository) Get(ctx context.Context, id int64) (*Match, error) {
	m, err := scanMatch(r.pool.QueryRow(ctx, selectMatchSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound.WithDetails("match")
		}
		return nil, fmt.Errorf("get match %d: %w", id, err)
	}
	return m, nil
}

// Recent 依建立時間由新到舊
func (r *PostgresRepository) Recent(ctx context.Context, limit int) ([]*Match, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.pool.Query(ctx, recentMatchesSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent matches: %w", err)
	}
	defer rows.Close()

	var out []*Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate matches: %w", err)
	}
	return out, nil
}

func scanMatch(row pgx.Row) (*Match, error) {
	var (
		m      Match
		config []byte
	)
	if err := row.Scan(&m.ID, &m.Title, &config, &m.Hosted, &m.WinnerTeam, &m.Error, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Config = config
	return &m, nil
}
