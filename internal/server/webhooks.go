package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"orderline/internal/config"
	"orderline/internal/domain"
	"orderline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher tails the event journal and POSTs new rows to each
// configured subscriber. Cursors are per-subscriber and in-memory; after a
// restart delivery resumes at the journal head.
type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

// StartWebhookDispatcher begins delivery in the background. A nil or empty
// webhook list is a no-op.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, webhooks []config.WebhookConfig) {
	if len(webhooks) == 0 {
		return
	}
	d := &webhookDispatcher{
		engine:   e,
		webhooks: webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, "")
	if err != nil {
		log.Printf("webhook: fetch events failed: %v", err)
		return
	}
	filter := newEventFilter(hook.Types)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			// Stop at the failed row; the cursor keeps delivery in order.
			log.Printf("webhook: deliver to %s failed: %v", hook.URL, err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(ctx)
	if err != nil {
		log.Printf("webhook: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	OrderID    string          `json:"order_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		OrderID:    evt.OrderID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Orderline-Event", evt.Type)
	req.Header.Set("X-Orderline-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Orderline-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	if len(types) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		key := strings.TrimSpace(t)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
