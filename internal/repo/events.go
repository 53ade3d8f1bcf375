package repo

import (
	"context"

	"orderline/internal/domain"
)

// EventsAfter returns up to limit journal rows with id > afterID, oldest
// first. An empty orderID means all orders.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, orderID string) ([]domain.Event, error) {
	q := `SELECT id,ts,type,COALESCE(order_id,''),actor_id,payload_json FROM events WHERE id > ?`
	args := []any{afterID}
	if orderID != "" {
		q += ` AND order_id = ?`
		args = append(args, orderID)
	}
	q += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events := []domain.Event{}
	for rows.Next() {
		var evt domain.Event
		if err := rows.Scan(&evt.ID, &evt.TS, &evt.Type, &evt.OrderID, &evt.ActorID, &evt.Payload); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// LatestEventID returns the newest journal id, 0 when the journal is empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&id)
	return id, err
}
