package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends journal rows in the caller's transaction, so an event is
// durable iff the mutation it records committed.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, orderID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,order_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(orderID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
