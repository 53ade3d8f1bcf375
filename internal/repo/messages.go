package repo

import (
	"context"
	"database/sql"

	"orderline/internal/domain"
)

const messageColumns = `id,order_id,sender_id,type,content,image_url,created_at,read_at`

func scanMessage(s interface{ Scan(...any) error }) (domain.Message, error) {
	var m domain.Message
	var imageURL, readAt sql.NullString
	err := s.Scan(&m.ID, &m.OrderID, &m.SenderID, &m.Type, &m.Content, &imageURL, &m.CreatedAt, &readAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if imageURL.Valid {
		m.ImageURL = imageURL.String
	}
	m.ReadAt = optional(readAt)
	return m, nil
}

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(id,order_id,sender_id,type,content,image_url,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.OrderID, m.SenderID, m.Type, m.Content, nullable(m.ImageURL), m.CreatedAt)
	return err
}

func (r Repo) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	return scanMessage(r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=?`, id))
}

// ListMessages returns the order's messages totally ordered by
// (created_at, id) ascending. The order is assigned at persistence time
// and never changes on re-fetch.
func (r Repo) ListMessages(ctx context.Context, orderID string, limit int, afterCreatedAt, afterID string) ([]domain.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM messages WHERE order_id=?`
	args := []any{orderID}
	if afterCreatedAt != "" {
		q += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, afterCreatedAt, afterCreatedAt, afterID)
	}
	q += ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MarkMessagesRead sets read_at on every message in the order not sent by
// readerID and not yet read. One bulk conditional update, not a
// per-message loop.
func (r Repo) MarkMessagesRead(ctx context.Context, orderID, readerID, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE messages SET read_at=? WHERE order_id=? AND sender_id<>? AND read_at IS NULL`,
		now, orderID, readerID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UnreadCount counts messages addressed to readerID that are still unread.
func (r Repo) UnreadCount(ctx context.Context, orderID, readerID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE order_id=? AND sender_id<>? AND read_at IS NULL`,
		orderID, readerID).Scan(&n)
	return n, err
}

// LastMessage returns the newest message of an order, or ErrNotFound.
func (r Repo) LastMessage(ctx context.Context, orderID string) (domain.Message, error) {
	return scanMessage(r.DB.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE order_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, orderID))
}
