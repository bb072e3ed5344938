package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// MySQLStore keeps the tokens of one Telegram chat in the chat_credentials table.
type MySQLStore struct {
	db     *sql.DB
	chatID int64
}

func NewMySQLStore(db *sql.DB, chatID int64) *MySQLStore {
	return &MySQLStore{db: db, chatID: chatID}
}

func (s *MySQLStore) Load(ctx context.Context) (Tokens, error) {
	const query = `
SELECT COALESCE(access_token, ''), COALESCE(refresh_token, '')
FROM chat_credentials WHERE chat_id = ?`
	row := s.db.QueryRowContext(ctx, query, s.chatID)
	var tokens Tokens
	if err := row.Scan(&tokens.Access, &tokens.Refresh); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Tokens{}, nil
		}
		return Tokens{}, fmt.Errorf("scan chat credentials: %w", err)
	}
	return tokens, nil
}

func (s *MySQLStore) Save(ctx context.Context, tokens Tokens) error {
	const query = `
INSERT INTO chat_credentials (chat_id, access_token, refresh_token)
VALUES (?, NULLIF(?, ''), NULLIF(?, ''))
ON DUPLICATE KEY UPDATE access_token = VALUES(access_token), refresh_token = VALUES(refresh_token), updated_at = NOW()`
	if _, err := s.db.ExecContext(ctx, query, s.chatID, tokens.Access, tokens.Refresh); err != nil {
		return fmt.Errorf("save chat credentials: %w", err)
	}
	return nil
}

// SwapAccess needs clientFoundRows on the connection (database.Connect sets it) so that
// re-storing an unchanged token still counts as a matched row.
func (s *MySQLStore) SwapAccess(ctx context.Context, refresh, access string) error {
	const query = `
UPDATE chat_credentials SET access_token = ?, updated_at = NOW()
WHERE chat_id = ? AND refresh_token = ?`
	res, err := s.db.ExecContext(ctx, query, access, s.chatID, refresh)
	if err != nil {
		return fmt.Errorf("swap access token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("swap access rows affected: %w", err)
	}
	if affected == 0 {
		return ErrSuperseded
	}
	return nil
}

func (s *MySQLStore) Clear(ctx context.Context) error {
	const query = `DELETE FROM chat_credentials WHERE chat_id = ?`
	if _, err := s.db.ExecContext(ctx, query, s.chatID); err != nil {
		return fmt.Errorf("clear chat credentials: %w", err)
	}
	return nil
}
