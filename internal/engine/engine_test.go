package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"orderline/internal/db"
	"orderline/internal/domain"
	"orderline/internal/engine"
	"orderline/internal/migrate"
)

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Creator domain.User
	Courier domain.User
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	// Advancing clock so created_at ordering matches insertion order.
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	eng.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	ctx := context.Background()
	creator, err := eng.RegisterUser(ctx, engine.UserRegisterOptions{Name: "alice", Phone: "13800001111", Password: "secret1"})
	if err != nil {
		t.Fatalf("register creator: %v", err)
	}
	courier, err := eng.RegisterUser(ctx, engine.UserRegisterOptions{Name: "bob", Phone: "13800002222", Password: "secret2"})
	if err != nil {
		t.Fatalf("register courier: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Creator: creator, Courier: courier}
}

func (env testEnv) newOrder(t *testing.T) domain.Order {
	t.Helper()
	o, err := env.Engine.CreateOrder(env.Ctx, engine.OrderCreateOptions{
		CreatorID:        env.Creator.ID,
		PickupPlatform:   "meituan",
		PickupLocation:   "north gate",
		DeliveryLocation: "dorm 5-203",
		BaseFee:          300,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func TestOrderLifecycle(t *testing.T) {
	env := newTestEnv(t)
	o := env.newOrder(t)
	if o.Status != domain.StatusPending {
		t.Fatalf("new order status = %s", o.Status)
	}

	o, err := env.Engine.ClaimOrder(env.Ctx, o.ID, env.Courier.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if o.Status != domain.StatusClaimed || o.CourierID == nil || *o.CourierID != env.Courier.ID {
		t.Fatalf("after claim: status=%s courier=%v", o.Status, o.CourierID)
	}
	if o.ClaimedAt == nil {
		t.Fatalf("claimed_at not set")
	}

	o, err = env.Engine.UpdateStatus(env.Ctx, o.ID, domain.StatusInProgress, env.Courier.ID)
	if err != nil || o.Status != domain.StatusInProgress {
		t.Fatalf("to in_progress: %v (status %s)", err, o.Status)
	}
	o, err = env.Engine.UpdateStatus(env.Ctx, o.ID, domain.StatusDelivering, env.Courier.ID)
	if err != nil || o.Status != domain.StatusDelivering {
		t.Fatalf("to delivering: %v (status %s)", err, o.Status)
	}
	o, err = env.Engine.UpdateStatus(env.Ctx, o.ID, domain.StatusCompleted, env.Courier.ID)
	if err != nil || o.Status != domain.StatusCompleted {
		t.Fatalf("to completed: %v (status %s)", err, o.Status)
	}
	if o.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}

	courier, err := env.Engine.Repo.GetUser(env.Ctx, env.Courier.ID)
	if err != nil {
		t.Fatalf("get courier: %v", err)
	}
	if courier.CompletedOrders != 1 {
		t.Fatalf("completed_orders = %d, want 1", courier.CompletedOrders)
	}

	// Terminal: nothing moves a completed order.
	if _, err := env.Engine.UpdateStatus(env.Ctx, o.ID, domain.StatusCancelled, env.Courier.ID); err == nil {
		t.Fatalf("expected terminal order to reject cancel")
	}
}

func TestClaimRules(t *testing.T) {
	env := newTestEnv(t)
	o := env.newOrder(t)

	var authz engine.AuthorizationError
	if _, err := env.Engine.ClaimOrder(env.Ctx, o.ID, env.Creator.ID); !errors.As(err, &authz) {
		t.Fatalf("self-claim: got %v, want AuthorizationError", err)
	}

	if _, err := env.Engine.ClaimOrder(env.Ctx, o.ID, env.Courier.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	third, err := env.Engine.RegisterUser(env.Ctx, engine.UserRegisterOptions{Name: "carol", Phone: "13800003333", Password: "secret3"})
	if err != nil {
		t.Fatalf("register third: %v", err)
	}
	var conflict engine.ClaimConflictError
	if _, err := env.Engine.ClaimOrder(env.Ctx, o.ID, third.ID); !errors.As(err, &conflict) {
		t.Fatalf("second claim: got %v, want ClaimConflictError", err)
	}
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	o := env.newOrder(t)

	const claimers = 8
	users := make([]domain.User, claimers)
	for i := range users {
		u, err := env.Engine.RegisterUser(env.Ctx, engine.UserRegisterOptions{
			Name:     "claimer",
			Phone:    "1390000" + string(rune('0'+i)) + "000",
			Password: "secret0",
		})
		if err != nil {
			t.Fatalf("register claimer %d: %v", i, err)
		}
		users[i] = u
	}

	results := make(chan error, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(u domain.User) {
			defer wg.Done()
			_, err := env.Engine.ClaimOrder(env.Ctx, o.ID, u.ID)
			results <- err
		}(users[i])
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		var conflict engine.ClaimConflictError
		switch {
		case err == nil:
			wins++
		case errors.As(err, &conflict):
			conflicts++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 || conflicts != claimers-1 {
		t.Fatalf("wins=%d conflicts=%d, want 1/%d", wins, conflicts, claimers-1)
	}

	got, err := env.Engine.Repo.GetOrder(env.Ctx, o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != domain.StatusClaimed || got.CourierID == nil {
		t.Fatalf("after race: status=%s courier=%v", got.Status, got.CourierID)
	}
}

func TestTransitionAuthorization(t *testing.T) {
	env := newTestEnv(t)
	o := env.newOrder(t)
	if _, err := env.Engine.ClaimOrder(env.Ctx, o.ID, env.Courier.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	var authz engine.AuthorizationError
	if _, err := env.Engine.UpdateStatus(env.Ctx, o.ID, domain.StatusInProgress, env.Creator.ID); !errors.As(err, &authz) {
		t.Fatalf("creator starting order: got %v, want AuthorizationError", err)
	}

	outsider, err := env.Engine.RegisterUser(env.Ctx, engine.UserRegisterOptions{Name: "eve", Phone: "13800004444", Password: "secret4"})
	if err != nil {
		t.Fatalf("register outsider: %v", err)
	}
	if _, err := env.Engine.CancelOrder(env.Ctx, o.ID, outsider.ID); !errors.As(err, &authz) {
		t.Fatalf("outsider cancel: got %v, want AuthorizationError", err)
	}

	// Either participant can cancel a claimed order.
	if _, err := env.Engine.CancelOrder(env.Ctx, o.ID, env.Creator.ID); err != nil {
		t.Fatalf("creator cancel claimed: %v", err)
	}
}

func TestOutsiderCannotProbeStatus(t *testing.T) {
	env := newTestEnv(t)
	o := env.newOrder(t)
	if _, err := env.Engine.ClaimOrder(env.Ctx, o.ID, env.Courier.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.UpdateStatus(env.Ctx, o.ID, domain.StatusInProgress, env.Courier.ID); err != nil {
		t.Fatalf("to in_progress: %v", err)
	}

	outsider, err := env.Engine.RegisterUser(env.Ctx, engine.UserRegisterOptions{Name: "eve", Phone: "13800004444", Password: "secret4"})
	if err != nil {
		t.Fatalf("register outsider: %v", err)
	}

	// Requesting the order's current status must not leak it via the no-op
	// response: a non-participant gets the same AuthorizationError for
	// every target value.
	var authz engine.AuthorizationError
	for _, target := range []string{domain.StatusInProgress, domain.StatusDelivering, domain.StatusCompleted} {
		if _, err := env.Engine.UpdateStatus(env.Ctx, o.ID, target, outsider.ID); !errors.As(err, &authz) {
			t.Fatalf("outsider setting %s: got %v, want AuthorizationError", target, err)
		}
	}

	// The no-op response still works for participants retrying a command.
	var noop engine.AlreadyInStatusError
	if _, err := env.Engine.UpdateStatus(env.Ctx, o.ID, domain.StatusInProgress, env.Courier.ID); !errors.As(err, &noop) {
		t.Fatalf("courier repeat: got %v, want AlreadyInStatusError", err)
	}
}

func TestCancelPendingOnlyByCreator(t *testing.T) {
	env := newTestEnv(t)
	o := env.newOrder(t)

	var authz engine.AuthorizationError
	if _, err := env.Engine.CancelOrder(env.Ctx, o.ID, env.Courier.ID); !errors.As(err, &authz) {
		t.Fatalf("non-creator cancel pending: got %v, want AuthorizationError", err)
	}
	cancelled, err := env.Engine.CancelOrder(env.Ctx, o.ID, env.Creator.ID)
	if err != nil || cancelled.Status != domain.StatusCancelled {
		t.Fatalf("creator cancel pending: %v (status %s)", err, cancelled.Status)
	}
	if cancelled.CancelledAt == nil {
		t.Fatalf("cancelled_at not set")
	}

	// Repeating the command is a recognizable no-op, not a failure mode.
	var noop engine.AlreadyInStatusError
	if _, err := env.Engine.CancelOrder(env.Ctx, o.ID, env.Creator.ID); !errors.As(err, &noop) {
		t.Fatalf("repeat cancel: got %v, want AlreadyInStatusError", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	env := newTestEnv(t)
	o := env.newOrder(t)

	var validation engine.ValidationError
	if _, err := env.Engine.UpdateStatus(env.Ctx, o.ID, domain.StatusClaimed, env.Courier.ID); !errors.As(err, &validation) {
		t.Fatalf("direct set claimed: got %v, want ValidationError", err)
	}
	if _, err := env.Engine.UpdateStatus(env.Ctx, o.ID, "teleported", env.Courier.ID); !errors.As(err, &validation) {
		t.Fatalf("unknown status: got %v, want ValidationError", err)
	}

	// Skipping claimed entirely is not a legal move for anyone.
	var transition engine.InvalidTransitionError
	if _, err := env.Engine.UpdateStatus(env.Ctx, o.ID, domain.StatusDelivering, env.Creator.ID); !errors.As(err, &transition) {
		t.Fatalf("pending->delivering: got %v, want InvalidTransitionError", err)
	}
	if _, err := env.Engine.UpdateStatus(env.Ctx, o.ID, domain.StatusCompleted, env.Creator.ID); !errors.As(err, &transition) {
		t.Fatalf("pending->completed: got %v, want InvalidTransitionError", err)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		opts engine.OrderCreateOptions
	}{
		{"missing platform", engine.OrderCreateOptions{CreatorID: env.Creator.ID, PickupLocation: "a", DeliveryLocation: "b", BaseFee: 100}},
		{"missing pickup", engine.OrderCreateOptions{CreatorID: env.Creator.ID, PickupPlatform: "p", DeliveryLocation: "b", BaseFee: 100}},
		{"zero fee", engine.OrderCreateOptions{CreatorID: env.Creator.ID, PickupPlatform: "p", PickupLocation: "a", DeliveryLocation: "b"}},
		{"negative urgent fee", engine.OrderCreateOptions{CreatorID: env.Creator.ID, PickupPlatform: "p", PickupLocation: "a", DeliveryLocation: "b", BaseFee: 100, UrgentFee: -1}},
		{"past pickup time", engine.OrderCreateOptions{CreatorID: env.Creator.ID, PickupPlatform: "p", PickupLocation: "a", DeliveryLocation: "b", BaseFee: 100, PickupTime: "2020-01-01T00:00:00Z"}},
	}
	for _, tc := range cases {
		var validation engine.ValidationError
		if _, err := env.Engine.CreateOrder(env.Ctx, tc.opts); !errors.As(err, &validation) {
			t.Fatalf("%s: got %v, want ValidationError", tc.name, err)
		}
	}
}

func TestMessaging(t *testing.T) {
	env := newTestEnv(t)
	o := env.newOrder(t)

	// No conversation before a courier exists.
	var authz engine.AuthorizationError
	if _, err := env.Engine.SendMessage(env.Ctx, o.ID, env.Creator.ID, "", "anyone there?", ""); !errors.As(err, &authz) {
		t.Fatalf("message before claim: got %v, want AuthorizationError", err)
	}

	if _, err := env.Engine.ClaimOrder(env.Ctx, o.ID, env.Courier.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	m1, err := env.Engine.SendMessage(env.Ctx, o.ID, env.Creator.ID, "", "please hurry", "")
	if err != nil {
		t.Fatalf("creator message: %v", err)
	}
	m2, err := env.Engine.SendMessage(env.Ctx, o.ID, env.Courier.ID, "", "on my way", "")
	if err != nil {
		t.Fatalf("courier message: %v", err)
	}
	if _, err := env.Engine.SendMessage(env.Ctx, o.ID, env.Courier.ID, domain.MessageImage, "", "https://example.com/receipt.jpg"); err != nil {
		t.Fatalf("image message: %v", err)
	}

	outsider, err := env.Engine.RegisterUser(env.Ctx, engine.UserRegisterOptions{Name: "eve", Phone: "13800004444", Password: "secret4"})
	if err != nil {
		t.Fatalf("register outsider: %v", err)
	}
	if _, err := env.Engine.SendMessage(env.Ctx, o.ID, outsider.ID, "", "hi", ""); !errors.As(err, &authz) {
		t.Fatalf("outsider message: got %v, want AuthorizationError", err)
	}
	if _, err := env.Engine.ListMessages(env.Ctx, o.ID, outsider.ID, 10, "", ""); !errors.As(err, &authz) {
		t.Fatalf("outsider list: got %v, want AuthorizationError", err)
	}

	msgs, err := env.Engine.ListMessages(env.Ctx, o.ID, env.Creator.ID, 10, "", "")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].ID != m1.ID || msgs[1].ID != m2.ID {
		t.Fatalf("messages out of order: %s, %s", msgs[0].ID, msgs[1].ID)
	}

	// Cursor picks up after the first message.
	rest, err := env.Engine.ListMessages(env.Ctx, o.ID, env.Creator.ID, 10, msgs[0].CreatedAt, msgs[0].ID)
	if err != nil {
		t.Fatalf("list after cursor: %v", err)
	}
	if len(rest) != 2 || rest[0].ID != m2.ID {
		t.Fatalf("cursor page wrong: %d items", len(rest))
	}

	// Bad type is rejected.
	var validation engine.ValidationError
	if _, err := env.Engine.SendMessage(env.Ctx, o.ID, env.Creator.ID, "carrier_pigeon", "coo", ""); !errors.As(err, &validation) {
		t.Fatalf("bad type: got %v, want ValidationError", err)
	}
}

func TestMarkRead(t *testing.T) {
	env := newTestEnv(t)
	o := env.newOrder(t)
	if _, err := env.Engine.ClaimOrder(env.Ctx, o.ID, env.Courier.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.SendMessage(env.Ctx, o.ID, env.Creator.ID, "", "ping", ""); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if _, err := env.Engine.SendMessage(env.Ctx, o.ID, env.Courier.ID, "", "pong", ""); err != nil {
		t.Fatalf("send: %v", err)
	}

	unread, err := env.Engine.Repo.UnreadCount(env.Ctx, o.ID, env.Courier.ID)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if unread != 3 {
		t.Fatalf("unread = %d, want 3", unread)
	}

	marked, err := env.Engine.MarkRead(env.Ctx, o.ID, env.Courier.ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if marked != 3 {
		t.Fatalf("marked = %d, want 3", marked)
	}
	// Idempotent: already-read rows stay read.
	marked, err = env.Engine.MarkRead(env.Ctx, o.ID, env.Courier.ID)
	if err != nil || marked != 0 {
		t.Fatalf("second mark read = %d, %v", marked, err)
	}
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.Engine.Login(env.Ctx, env.Creator.Phone, "secret1"); err != nil {
		t.Fatalf("login: %v", err)
	}
	var authn engine.AuthenticationError
	if _, err := env.Engine.Login(env.Ctx, env.Creator.Phone, "wrong"); !errors.As(err, &authn) {
		t.Fatalf("bad password: got %v, want AuthenticationError", err)
	}
	if _, err := env.Engine.Login(env.Ctx, "13899999999", "secret1"); !errors.As(err, &authn) {
		t.Fatalf("unknown phone: got %v, want AuthenticationError", err)
	}

	var validation engine.ValidationError
	if _, err := env.Engine.RegisterUser(env.Ctx, engine.UserRegisterOptions{Name: "dup", Phone: env.Creator.Phone, Password: "secret9"}); !errors.As(err, &validation) {
		t.Fatalf("duplicate phone: got %v, want ValidationError", err)
	}
}
