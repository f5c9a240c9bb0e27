package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"chatbridge/internal/history"
)

// HistoryRepository persists chat threads keyed by session id. It implements
// history.Store.
type HistoryRepository struct {
	pool   *pgxpool.Pool
	tables *TableNames
	logger *slog.Logger
}

// NewHistoryRepository creates a history repository.
func NewHistoryRepository(pool *pgxpool.Pool, tables *TableNames, logger *slog.Logger) *HistoryRepository {
	return &HistoryRepository{pool: pool, tables: tables, logger: logger}
}

// EnsureSchema creates the messages table if it does not exist. Table names
// are interpolated from the validated environment prefix, never from user
// input.
func (r *HistoryRepository) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			role        TEXT NOT NULL,
			content     TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			error_text  TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL
		)`, r.tables.Messages)
	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create messages table: %w", err)
	}

	index := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s_session_idx ON %s (session_id, created_at)`,
		r.tables.Messages, r.tables.Messages,
	)
	if _, err := r.pool.Exec(ctx, index); err != nil {
		return fmt.Errorf("create session index: %w", err)
	}
	return nil
}

// SaveMessage persists one message. The engine saves an assistant message
// twice, once at creation and once at its terminal transition, so a
// duplicate-key failure on insert means the row exists and gets updated
// instead.
func (r *HistoryRepository) SaveMessage(ctx context.Context, sessionID string, rec history.Record) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	insert := fmt.Sprintf(`
		INSERT INTO %s (id, session_id, role, content, status, error_text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, r.tables.Messages)

	_, err := r.pool.Exec(ctx, insert,
		rec.ID, sessionID, rec.Role, rec.Content, rec.Status, rec.ErrorText, createdAt)
	if err == nil {
		return nil
	}
	if !IsPgDuplicateError(err) {
		return fmt.Errorf("save message %s: %w", rec.ID, err)
	}

	update := fmt.Sprintf(`
		UPDATE %s SET content = $2, status = $3, error_text = $4
		WHERE id = $1`, r.tables.Messages)
	if _, err := r.pool.Exec(ctx, update, rec.ID, rec.Content, rec.Status, rec.ErrorText); err != nil {
		return fmt.Errorf("update message %s: %w", rec.ID, err)
	}
	return nil
}

// LoadThread returns the session's messages in conversation order.
func (r *HistoryRepository) LoadThread(ctx context.Context, sessionID string) ([]history.Record, error) {
	query := fmt.Sprintf(`
		SELECT id, role, content, status, error_text, created_at
		FROM %s
		WHERE session_id = $1
		ORDER BY created_at ASC`, r.tables.Messages)

	rows, err := r.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	defer rows.Close()

	var records []history.Record
	for rows.Next() {
		var rec history.Record
		if err := rows.Scan(&rec.ID, &rec.Role, &rec.Content, &rec.Status, &rec.ErrorText, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread rows: %w", err)
	}
	return records, nil
}

// ClearThread removes the session's history.
func (r *HistoryRepository) ClearThread(ctx context.Context, sessionID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE session_id = $1`, r.tables.Messages)
	tag, err := r.pool.Exec(ctx, query, sessionID)
	if err != nil {
		return fmt.Errorf("clear thread: %w", err)
	}
	r.logger.Debug("cleared thread history", "rows", tag.RowsAffected())
	return nil
}
