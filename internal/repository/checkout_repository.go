package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/digkill/ghiblit/internal/models"
)

// CheckoutRepository journals the payments each chat tracked, so operators can see
// what happened after the pollers are gone.
type CheckoutRepository struct {
	db *sql.DB
}

func NewCheckoutRepository(db *sql.DB) *CheckoutRepository {
	return &CheckoutRepository{db: db}
}

func (r *CheckoutRepository) Create(ctx context.Context, rec *models.CheckoutRecord) error {
	const query = `
INSERT INTO checkout_log (chat_id, kind, external_id, state)
VALUES (?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, rec.ChatID, rec.Kind, rec.ExternalID, rec.State)
	if err != nil {
		return fmt.Errorf("insert checkout: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// Column width of checkout_log.message.
const maxMessageLen = 512

func (r *CheckoutRepository) Finish(ctx context.Context, id int64, state, message string) error {
	if len(message) > maxMessageLen {
		message = message[:maxMessageLen]
	}
	const query = `UPDATE checkout_log SET state = ?, message = ?, finished_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, state, message, id); err != nil {
		return fmt.Errorf("update checkout state: %w", err)
	}
	return nil
}

// ListRecent returns the newest records first.
func (r *CheckoutRepository) ListRecent(ctx context.Context, limit int) ([]models.CheckoutRecord, error) {
	const query = `
SELECT id, chat_id, kind, external_id, state, COALESCE(message, ''), created_at, finished_at
FROM checkout_log ORDER BY id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query checkouts: %w", err)
	}
	defer rows.Close()

	var out []models.CheckoutRecord
	for rows.Next() {
		var rec models.CheckoutRecord
		var finished sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.ChatID, &rec.Kind, &rec.ExternalID, &rec.State, &rec.Message, &rec.CreatedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan checkout: %w", err)
		}
		if finished.Valid {
			rec.FinishedAt = &finished.Time
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkouts: %w", err)
	}
	return out, nil
}
