package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"orderline/internal/domain"
)

// Repo is the narrow adapter over the backing store. Orders and messages
// are mutated only through the conditional updates here; nothing else
// writes status, courier_id, or message rows directly.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrClaimRace is returned when the conditional claim update affected zero
// rows because another courier won the race.
var ErrClaimRace = errors.New("order already claimed")

const orderColumns = `id,creator_id,courier_id,status,pickup_platform,pickup_location,delivery_location,base_fee,urgent_fee,is_urgent,special_requirements,pickup_time,created_at,updated_at,claimed_at,completed_at,cancelled_at`

func scanOrder(s interface{ Scan(...any) error }) (domain.Order, error) {
	var o domain.Order
	var courier, special, pickupTime, claimedAt, completedAt, cancelledAt sql.NullString
	err := s.Scan(&o.ID, &o.CreatorID, &courier, &o.Status, &o.PickupPlatform, &o.PickupLocation,
		&o.DeliveryLocation, &o.BaseFee, &o.UrgentFee, &o.IsUrgent, &special, &pickupTime,
		&o.CreatedAt, &o.UpdatedAt, &claimedAt, &completedAt, &cancelledAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if courier.Valid {
		o.CourierID = &courier.String
	}
	if special.Valid {
		o.SpecialRequirements = special.String
	}
	o.PickupTime = optional(pickupTime)
	o.ClaimedAt = optional(claimedAt)
	o.CompletedAt = optional(completedAt)
	o.CancelledAt = optional(cancelledAt)
	return o, nil
}

func (r Repo) InsertOrder(ctx context.Context, tx *sql.Tx, o domain.Order) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO orders(id,creator_id,courier_id,status,pickup_platform,pickup_location,delivery_location,base_fee,urgent_fee,is_urgent,special_requirements,pickup_time,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.CreatorID, nil, o.Status, o.PickupPlatform, o.PickupLocation, o.DeliveryLocation,
		o.BaseFee, o.UrgentFee, o.IsUrgent, nullable(o.SpecialRequirements), derefOrNil(o.PickupTime),
		o.CreatedAt, o.UpdatedAt)
	return err
}

func (r Repo) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return scanOrder(r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id))
}

func (r Repo) GetOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.Order, error) {
	return scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id))
}

// ClaimOrder assigns courierID and advances status to claimed in one
// conditional update. The predicate and the write are a single statement,
// so of N racing claimers exactly one observes an affected row; everyone
// else gets ErrClaimRace (or ErrNotFound if the id is unknown).
func (r Repo) ClaimOrder(ctx context.Context, tx *sql.Tx, id, courierID, now string) (domain.Order, error) {
	res, err := tx.ExecContext(ctx, `UPDATE orders SET courier_id=?, status=?, claimed_at=?, updated_at=? WHERE id=? AND status=? AND courier_id IS NULL`,
		courierID, domain.StatusClaimed, now, now, id, domain.StatusPending)
	if err != nil {
		return domain.Order{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetOrderTx(ctx, tx, id); errors.Is(err, ErrNotFound) {
			return domain.Order{}, ErrNotFound
		}
		return domain.Order{}, ErrClaimRace
	}
	return r.GetOrderTx(ctx, tx, id)
}

// UpdateOrderStatus advances status from exactly fromStatus to toStatus.
// Keying the update on the expected source status makes retried commands
// safe: a duplicate sees zero affected rows instead of clobbering a later
// state. The caller inspects the re-fetched order to classify the no-op.
func (r Repo) UpdateOrderStatus(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, now string) (domain.Order, bool, error) {
	set := []string{"status=?", "updated_at=?"}
	args := []any{toStatus, now}
	switch toStatus {
	case domain.StatusCompleted:
		set = append(set, "completed_at=?")
		args = append(args, now)
	case domain.StatusCancelled:
		set = append(set, "cancelled_at=?")
		args = append(args, now)
	}
	args = append(args, id, fromStatus)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE orders SET %s WHERE id=? AND status=?`, strings.Join(set, ",")), args...)
	if err != nil {
		return domain.Order{}, false, err
	}
	n, _ := res.RowsAffected()
	o, err := r.GetOrderTx(ctx, tx, id)
	if err != nil {
		return domain.Order{}, false, err
	}
	return o, n > 0, nil
}

// OrderFilters narrow and paginate ListOrders. Cursor pagination is keyed
// on (created_at, id) descending.
type OrderFilters struct {
	Status          string
	Platform        string
	Urgent          *bool
	CreatorID       string
	CourierID       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListOrders(ctx context.Context, f OrderFilters) ([]domain.Order, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.Platform != "" {
		where = append(where, "pickup_platform=?")
		args = append(args, f.Platform)
	}
	if f.Urgent != nil {
		where = append(where, "is_urgent=?")
		args = append(args, *f.Urgent)
	}
	if f.CreatorID != "" {
		where = append(where, "creator_id=?")
		args = append(args, f.CreatorID)
	}
	if f.CourierID != "" {
		where = append(where, "courier_id=?")
		args = append(args, f.CourierID)
	}
	if f.CursorCreatedAt != "" {
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func derefOrNil(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func optional(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
