package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"orderline/internal/domain"
	"orderline/internal/events"
	"orderline/internal/repo"
)

// Notifier receives committed mutations for fan-out to live connections.
// Called after the transaction commits; implementations must not block.
type Notifier interface {
	OrderCreated(o domain.Order)
	OrderClaimed(o domain.Order)
	StatusChanged(o domain.Order, oldStatus, actorID string)
	MessageSent(m domain.Message)
}

// NopNotifier is used by the CLI and by tests that don't care about fan-out.
type NopNotifier struct{}

func (NopNotifier) OrderCreated(domain.Order)                  {}
func (NopNotifier) OrderClaimed(domain.Order)                  {}
func (NopNotifier) StatusChanged(domain.Order, string, string) {}
func (NopNotifier) MessageSent(domain.Message)                 {}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Notify Notifier
	Now    func() time.Time
	Logger *log.Logger
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Notify: NopNotifier{},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// OrderCreateOptions are parameters for posting a new order.
type OrderCreateOptions struct {
	CreatorID           string
	PickupPlatform      string
	PickupLocation      string
	DeliveryLocation    string
	BaseFee             int64
	UrgentFee           int64
	IsUrgent            bool
	SpecialRequirements string
	PickupTime          string
}

func (e Engine) CreateOrder(ctx context.Context, opts OrderCreateOptions) (domain.Order, error) {
	if opts.CreatorID == "" {
		return domain.Order{}, ValidationError{Field: "creator_id", Reason: "required"}
	}
	if opts.PickupPlatform == "" {
		return domain.Order{}, ValidationError{Field: "pickup_platform", Reason: "required"}
	}
	if opts.PickupLocation == "" {
		return domain.Order{}, ValidationError{Field: "pickup_location", Reason: "required"}
	}
	if opts.DeliveryLocation == "" {
		return domain.Order{}, ValidationError{Field: "delivery_location", Reason: "required"}
	}
	if opts.BaseFee <= 0 {
		return domain.Order{}, ValidationError{Field: "base_fee", Reason: "must be positive"}
	}
	if opts.UrgentFee < 0 {
		return domain.Order{}, ValidationError{Field: "urgent_fee", Reason: "must not be negative"}
	}
	now := e.now().UTC()
	var pickupTime *string
	if opts.PickupTime != "" {
		ts, err := time.Parse(time.RFC3339, opts.PickupTime)
		if err != nil {
			return domain.Order{}, ValidationError{Field: "pickup_time", Reason: "must be RFC3339"}
		}
		if !ts.After(now) {
			return domain.Order{}, ValidationError{Field: "pickup_time", Reason: "must be in the future"}
		}
		formatted := ts.UTC().Format(time.RFC3339)
		pickupTime = &formatted
	}
	if _, err := e.Repo.GetUser(ctx, opts.CreatorID); err != nil {
		return domain.Order{}, err
	}
	o := domain.Order{
		ID:                  uuid.NewString(),
		CreatorID:           opts.CreatorID,
		Status:              domain.StatusPending,
		PickupPlatform:      opts.PickupPlatform,
		PickupLocation:      opts.PickupLocation,
		DeliveryLocation:    opts.DeliveryLocation,
		BaseFee:             opts.BaseFee,
		UrgentFee:           opts.UrgentFee,
		IsUrgent:            opts.IsUrgent,
		SpecialRequirements: opts.SpecialRequirements,
		PickupTime:          pickupTime,
		CreatedAt:           now.Format(time.RFC3339),
		UpdatedAt:           now.Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOrder(ctx, tx, o); err != nil {
		return domain.Order{}, fmt.Errorf("insert order: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "order.created", o.ID, o.CreatorID, events.EventPayload{"status": o.Status, "is_urgent": o.IsUrgent}); err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, err
	}
	e.Notify.OrderCreated(o)
	return o, nil
}

// ClaimOrder is the sole hot-contention point: pending -> claimed through
// one atomic conditional update at the store. The pre-read only produces
// friendlier errors; correctness does not depend on it.
func (e Engine) ClaimOrder(ctx context.Context, orderID, courierID string) (domain.Order, error) {
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if o.CreatorID == courierID {
		return domain.Order{}, AuthorizationError{Reason: "cannot claim your own order"}
	}
	if domain.TerminalStatus(o.Status) || o.Status != domain.StatusPending {
		return domain.Order{}, ClaimConflictError{OrderID: orderID}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	claimed, err := e.Repo.ClaimOrder(ctx, tx, orderID, courierID, now)
	if errors.Is(err, repo.ErrClaimRace) {
		return domain.Order{}, ClaimConflictError{OrderID: orderID}
	}
	if err != nil {
		return domain.Order{}, err
	}
	if err := e.Events.Append(ctx, tx, "order.claimed", orderID, courierID, events.EventPayload{"courier_id": courierID}); err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, err
	}
	e.Notify.OrderClaimed(claimed)
	e.Notify.StatusChanged(claimed, domain.StatusPending, courierID)
	return claimed, nil
}

// ensureOrderTransition checks the role-gated transition table. Claiming
// (pending -> claimed) goes through ClaimOrder, never through here.
func ensureOrderTransition(o domain.Order, target, actorID string) error {
	isCreator := o.CreatorID == actorID
	isCourier := o.CourierID != nil && *o.CourierID == actorID
	switch o.Status {
	case domain.StatusPending:
		if target == domain.StatusCancelled {
			if !isCreator {
				return AuthorizationError{Reason: "only the creator can cancel a pending order"}
			}
			return nil
		}
	case domain.StatusClaimed:
		switch target {
		case domain.StatusInProgress:
			if !isCourier {
				return AuthorizationError{Reason: "only the courier can start the order"}
			}
			return nil
		case domain.StatusCancelled:
			if !isCreator && !isCourier {
				return AuthorizationError{Reason: "only a participant can cancel the order"}
			}
			return nil
		}
	case domain.StatusInProgress:
		switch target {
		case domain.StatusDelivering, domain.StatusCancelled:
			if !isCourier {
				return AuthorizationError{Reason: "only the courier can update a running order"}
			}
			return nil
		}
	case domain.StatusDelivering:
		switch target {
		case domain.StatusCompleted, domain.StatusCancelled:
			if !isCourier {
				return AuthorizationError{Reason: "only the courier can finish the order"}
			}
			return nil
		}
	}
	return InvalidTransitionError{From: o.Status, To: target}
}

// UpdateStatus advances an order along the transition table. The update is
// keyed on the observed source status, so a retried command lands on a
// zero-row no-op instead of corrupting a later state.
func (e Engine) UpdateStatus(ctx context.Context, orderID, target, actorID string) (domain.Order, error) {
	if !domain.ValidStatus(target) {
		return domain.Order{}, ValidationError{Field: "status", Reason: "unknown status " + target}
	}
	if target == domain.StatusClaimed || target == domain.StatusPending {
		return domain.Order{}, ValidationError{Field: "status", Reason: "status " + target + " cannot be set directly"}
	}
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	// Participation gates everything else: outsiders must not be able to
	// infer the current status from a no-op response.
	if !o.IsParticipant(actorID) {
		return domain.Order{}, AuthorizationError{Reason: "only a participant can update this order"}
	}
	if o.Status == target {
		return o, AlreadyInStatusError{OrderID: orderID, Status: target}
	}
	if err := ensureOrderTransition(o, target, actorID); err != nil {
		return domain.Order{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	updated, applied, err := e.Repo.UpdateOrderStatus(ctx, tx, orderID, o.Status, target, now)
	if err != nil {
		return domain.Order{}, err
	}
	if !applied {
		// Someone advanced the order between the read and the update.
		if updated.Status == target {
			return updated, AlreadyInStatusError{OrderID: orderID, Status: target}
		}
		return domain.Order{}, InvalidTransitionError{From: updated.Status, To: target}
	}
	if err := e.Events.Append(ctx, tx, "order.status_changed", orderID, actorID, events.EventPayload{"from": o.Status, "to": target}); err != nil {
		return domain.Order{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, err
	}
	if target == domain.StatusCompleted && updated.CourierID != nil {
		// Best-effort stats; the transition stands even if this fails.
		if err := e.Repo.IncrementCompletedOrders(ctx, *updated.CourierID); err != nil {
			e.logger().Printf("increment completed orders for %s: %v", *updated.CourierID, err)
		}
	}
	e.Notify.StatusChanged(updated, o.Status, actorID)
	return updated, nil
}

// CancelOrder is a convenience wrapper over UpdateStatus.
func (e Engine) CancelOrder(ctx context.Context, orderID, actorID string) (domain.Order, error) {
	return e.UpdateStatus(ctx, orderID, domain.StatusCancelled, actorID)
}

// SendMessage persists the message first, then notifies the room; a crash
// between the two loses only the live notification, never the record.
func (e Engine) SendMessage(ctx context.Context, orderID, senderID, msgType, content, imageURL string) (domain.Message, error) {
	switch msgType {
	case "":
		msgType = domain.MessageText
	case domain.MessageText, domain.MessageImage:
	default:
		return domain.Message{}, ValidationError{Field: "type", Reason: "must be text or image"}
	}
	if content == "" && imageURL == "" {
		return domain.Message{}, ValidationError{Field: "content", Reason: "required"}
	}
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Message{}, err
	}
	if !o.IsParticipant(senderID) {
		return domain.Message{}, AuthorizationError{Reason: "only a participant can message in this order"}
	}
	if o.CourierID == nil {
		// Messaging is strictly two-party and begins once a courier claims.
		return domain.Message{}, AuthorizationError{Reason: "order has no courier yet"}
	}
	m := domain.Message{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		SenderID:  senderID,
		Type:      msgType,
		Content:   content,
		ImageURL:  imageURL,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMessage(ctx, tx, m); err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "message.sent", orderID, senderID, events.EventPayload{"message_id": m.ID, "type": m.Type}); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	e.Notify.MessageSent(m)
	return m, nil
}

// MarkRead bulk-marks the counterparty's messages read. Read state is
// pull-model; no broadcast.
func (e Engine) MarkRead(ctx context.Context, orderID, readerID string) (int64, error) {
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return 0, err
	}
	if !o.IsParticipant(readerID) {
		return 0, AuthorizationError{Reason: "only a participant can mark messages read"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	return e.Repo.MarkMessagesRead(ctx, orderID, readerID, now)
}

// ListMessages returns durable message history; this fetch, not the live
// channel, is the authoritative order.
func (e Engine) ListMessages(ctx context.Context, orderID, requesterID string, limit int, afterCreatedAt, afterID string) ([]domain.Message, error) {
	o, err := e.Repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParticipant(requesterID) {
		return nil, AuthorizationError{Reason: "only a participant can read this conversation"}
	}
	return e.Repo.ListMessages(ctx, orderID, limit, afterCreatedAt, afterID)
}
