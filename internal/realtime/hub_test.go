package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"orderline/internal/db"
	"orderline/internal/domain"
	"orderline/internal/engine"
	"orderline/internal/migrate"
)

// fakeConn is an in-memory Conn. Inbound frames are pushed by the test;
// outbound text frames are captured for assertions, pings discarded.
type fakeConn struct {
	inbound  chan []byte
	outbound chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.inbound:
		if !ok {
			return 0, nil, errors.New("connection closed")
		}
		return 1, data, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("connection closed")
	default:
	}
	if messageType == 1 {
		f.outbound <- append([]byte(nil), data...)
	}
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// wireEvent mirrors Event with a raw payload for decoding.
type wireEvent struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// waitEvent reads frames until one of the wanted type arrives.
func waitEvent(t *testing.T, conn *fakeConn, want EventType) wireEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-conn.outbound:
			var evt wireEvent
			if err := json.Unmarshal(data, &evt); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func sendCommand(t *testing.T, conn *fakeConn, cmdType CommandType, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	data, err := json.Marshal(Command{Type: cmdType, Payload: raw})
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	conn.inbound <- data
}

type hubEnv struct {
	Hub     *Hub
	Ctx     context.Context
	Creator domain.User
	Courier domain.User
	Order   domain.Order
}

func newHubEnv(t *testing.T) hubEnv {
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
	hub := NewHub(engine.New(conn), Config{SendBuffer: 64})
	ctx := context.Background()
	creator, err := hub.Engine().RegisterUser(ctx, engine.UserRegisterOptions{Name: "alice", Phone: "13800001111", Password: "secret1"})
	if err != nil {
		t.Fatalf("register creator: %v", err)
	}
	courier, err := hub.Engine().RegisterUser(ctx, engine.UserRegisterOptions{Name: "bob", Phone: "13800002222", Password: "secret2"})
	if err != nil {
		t.Fatalf("register courier: %v", err)
	}
	order, err := hub.Engine().CreateOrder(ctx, engine.OrderCreateOptions{
		CreatorID:        creator.ID,
		PickupPlatform:   "eleme",
		PickupLocation:   "west gate",
		DeliveryLocation: "dorm 3-101",
		BaseFee:          200,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return hubEnv{Hub: hub, Ctx: ctx, Creator: creator, Courier: courier, Order: order}
}

// connect runs HandleConnection in the background and returns the fake
// transport. Closing the transport ends the connection.
func (env hubEnv) connect(t *testing.T, userID string) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		env.Hub.HandleConnection(conn, userID)
		close(done)
	}()
	t.Cleanup(func() {
		conn.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("connection for %s did not shut down", userID)
		}
	})
	return conn
}

func TestJoinRequiresParticipant(t *testing.T) {
	env := newHubEnv(t)

	creatorConn := env.connect(t, env.Creator.ID)
	sendCommand(t, creatorConn, CmdJoinOrder, JoinOrderPayload{OrderID: env.Order.ID})
	evt := waitEvent(t, creatorConn, EvtJoinedOrder)
	var presence RoomPresencePayload
	if err := json.Unmarshal(evt.Payload, &presence); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if presence.OrderID != env.Order.ID || presence.UserID != env.Creator.ID {
		t.Fatalf("joined payload: %+v", presence)
	}

	outsider, err := env.Hub.Engine().RegisterUser(env.Ctx, engine.UserRegisterOptions{Name: "eve", Phone: "13800003333", Password: "secret3"})
	if err != nil {
		t.Fatalf("register outsider: %v", err)
	}
	outsiderConn := env.connect(t, outsider.ID)
	sendCommand(t, outsiderConn, CmdJoinOrder, JoinOrderPayload{OrderID: env.Order.ID})
	errEvt := waitEvent(t, outsiderConn, EvtError)
	var perr ErrorPayload
	if err := json.Unmarshal(errEvt.Payload, &perr); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if perr.Kind != "authorization_error" {
		t.Fatalf("error kind = %s", perr.Kind)
	}
}

func TestMessageRelayAndPersistence(t *testing.T) {
	env := newHubEnv(t)
	if _, err := env.Hub.Engine().ClaimOrder(env.Ctx, env.Order.ID, env.Courier.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	creatorConn := env.connect(t, env.Creator.ID)
	courierConn := env.connect(t, env.Courier.ID)
	sendCommand(t, creatorConn, CmdJoinOrder, JoinOrderPayload{OrderID: env.Order.ID})
	sendCommand(t, courierConn, CmdJoinOrder, JoinOrderPayload{OrderID: env.Order.ID})
	waitEvent(t, creatorConn, EvtJoinedOrder)
	waitEvent(t, courierConn, EvtJoinedOrder)

	sendCommand(t, courierConn, CmdSendMessage, SendMessagePayload{OrderID: env.Order.ID, Content: "picked it up"})

	var got domain.Message
	evt := waitEvent(t, creatorConn, EvtNewMessage)
	if err := json.Unmarshal(evt.Payload, &got); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if got.Content != "picked it up" || got.SenderID != env.Courier.ID {
		t.Fatalf("relayed message: %+v", got)
	}
	// Sender's own devices get the persisted record too.
	waitEvent(t, courierConn, EvtNewMessage)

	msgs, err := env.Hub.Engine().ListMessages(env.Ctx, env.Order.ID, env.Creator.ID, 10, "", "")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != got.ID {
		t.Fatalf("persisted %d messages", len(msgs))
	}
}

func TestClaimNotifiesCreatorAndRoom(t *testing.T) {
	env := newHubEnv(t)
	creatorConn := env.connect(t, env.Creator.ID)
	sendCommand(t, creatorConn, CmdJoinOrder, JoinOrderPayload{OrderID: env.Order.ID})
	waitEvent(t, creatorConn, EvtJoinedOrder)

	// Claim through the engine, the same path REST takes.
	if _, err := env.Hub.Engine().ClaimOrder(env.Ctx, env.Order.ID, env.Courier.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	evt := waitEvent(t, creatorConn, EvtOrderClaimed)
	var claimed OrderClaimedPayload
	if err := json.Unmarshal(evt.Payload, &claimed); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if claimed.OrderID != env.Order.ID || claimed.CourierID != env.Courier.ID {
		t.Fatalf("claim payload: %+v", claimed)
	}

	statusEvt := waitEvent(t, creatorConn, EvtStatusChanged)
	var status StatusChangedPayload
	if err := json.Unmarshal(statusEvt.Payload, &status); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if status.OldStatus != domain.StatusPending || status.NewStatus != domain.StatusClaimed {
		t.Fatalf("status payload: %+v", status)
	}
}

func TestStatusUpdateOverSocket(t *testing.T) {
	env := newHubEnv(t)
	if _, err := env.Hub.Engine().ClaimOrder(env.Ctx, env.Order.ID, env.Courier.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	creatorConn := env.connect(t, env.Creator.ID)
	courierConn := env.connect(t, env.Courier.ID)
	sendCommand(t, creatorConn, CmdJoinOrder, JoinOrderPayload{OrderID: env.Order.ID})
	sendCommand(t, courierConn, CmdJoinOrder, JoinOrderPayload{OrderID: env.Order.ID})
	waitEvent(t, creatorConn, EvtJoinedOrder)
	waitEvent(t, courierConn, EvtJoinedOrder)

	sendCommand(t, courierConn, CmdUpdateStatus, UpdateStatusPayload{OrderID: env.Order.ID, Status: domain.StatusInProgress})
	evt := waitEvent(t, creatorConn, EvtStatusChanged)
	var status StatusChangedPayload
	if err := json.Unmarshal(evt.Payload, &status); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if status.NewStatus != domain.StatusInProgress || status.Actor != env.Courier.ID {
		t.Fatalf("status payload: %+v", status)
	}

	// Creator is not allowed to advance the courier's statuses.
	sendCommand(t, creatorConn, CmdUpdateStatus, UpdateStatusPayload{OrderID: env.Order.ID, Status: domain.StatusDelivering})
	errEvt := waitEvent(t, creatorConn, EvtError)
	var perr ErrorPayload
	if err := json.Unmarshal(errEvt.Payload, &perr); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if perr.Kind != "authorization_error" {
		t.Fatalf("error kind = %s", perr.Kind)
	}
}

func TestTypingIsEphemeral(t *testing.T) {
	env := newHubEnv(t)
	if _, err := env.Hub.Engine().ClaimOrder(env.Ctx, env.Order.ID, env.Courier.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	creatorConn := env.connect(t, env.Creator.ID)
	courierConn := env.connect(t, env.Courier.ID)
	sendCommand(t, creatorConn, CmdJoinOrder, JoinOrderPayload{OrderID: env.Order.ID})
	sendCommand(t, courierConn, CmdJoinOrder, JoinOrderPayload{OrderID: env.Order.ID})
	waitEvent(t, creatorConn, EvtJoinedOrder)
	waitEvent(t, courierConn, EvtJoinedOrder)

	sendCommand(t, creatorConn, CmdTyping, TypingPayload{OrderID: env.Order.ID, IsTyping: true})
	evt := waitEvent(t, courierConn, EvtUserTyping)
	var typing UserTypingPayload
	if err := json.Unmarshal(evt.Payload, &typing); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if typing.UserID != env.Creator.ID || !typing.IsTyping {
		t.Fatalf("typing payload: %+v", typing)
	}

	// Nothing lands in the journal or the message store.
	msgs, err := env.Hub.Engine().ListMessages(env.Ctx, env.Order.ID, env.Creator.ID, 10, "", "")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("typing persisted %d messages", len(msgs))
	}
}

func TestCourierLocationRelay(t *testing.T) {
	env := newHubEnv(t)
	if _, err := env.Hub.Engine().ClaimOrder(env.Ctx, env.Order.ID, env.Courier.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Hub.Engine().UpdateStatus(env.Ctx, env.Order.ID, domain.StatusInProgress, env.Courier.ID); err != nil {
		t.Fatalf("to in_progress: %v", err)
	}
	creatorConn := env.connect(t, env.Creator.ID)
	courierConn := env.connect(t, env.Courier.ID)
	sendCommand(t, creatorConn, CmdJoinOrder, JoinOrderPayload{OrderID: env.Order.ID})
	sendCommand(t, courierConn, CmdJoinOrder, JoinOrderPayload{OrderID: env.Order.ID})
	waitEvent(t, creatorConn, EvtJoinedOrder)
	waitEvent(t, courierConn, EvtJoinedOrder)

	sendCommand(t, courierConn, CmdLocationUpdate, LocationUpdatePayload{OrderID: env.Order.ID, Coordinates: Coordinates{Lat: 30.5, Lng: 114.3}})
	evt := waitEvent(t, creatorConn, EvtLocationUpdate)
	var loc CourierLocationPayload
	if err := json.Unmarshal(evt.Payload, &loc); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if loc.UpdatedBy != env.Courier.ID || loc.Coordinates.Lat != 30.5 || loc.Coordinates.Lng != 114.3 {
		t.Fatalf("location payload: %+v", loc)
	}

	// Only the courier streams positions.
	sendCommand(t, creatorConn, CmdLocationUpdate, LocationUpdatePayload{OrderID: env.Order.ID, Coordinates: Coordinates{Lat: 1, Lng: 1}})
	errEvt := waitEvent(t, creatorConn, EvtError)
	var perr ErrorPayload
	if err := json.Unmarshal(errEvt.Payload, &perr); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if perr.Kind != "authorization_error" {
		t.Fatalf("error kind = %s", perr.Kind)
	}

	// Once the order is done, samples are dropped silently. The typing
	// notice fences the assertion: it arrives after any relay would have.
	if _, err := env.Hub.Engine().UpdateStatus(env.Ctx, env.Order.ID, domain.StatusDelivering, env.Courier.ID); err != nil {
		t.Fatalf("to delivering: %v", err)
	}
	if _, err := env.Hub.Engine().UpdateStatus(env.Ctx, env.Order.ID, domain.StatusCompleted, env.Courier.ID); err != nil {
		t.Fatalf("to completed: %v", err)
	}
	sendCommand(t, courierConn, CmdLocationUpdate, LocationUpdatePayload{OrderID: env.Order.ID, Coordinates: Coordinates{Lat: 2, Lng: 2}})
	sendCommand(t, courierConn, CmdTyping, TypingPayload{OrderID: env.Order.ID, IsTyping: true})
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-creatorConn.outbound:
			var got wireEvent
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if got.Type == EvtLocationUpdate {
				t.Fatalf("location relayed after completion")
			}
			if got.Type == EvtUserTyping {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for fence event")
		}
	}
}

func TestLeaveWithoutJoinEmitsNoPeerLeft(t *testing.T) {
	env := newHubEnv(t)
	if _, err := env.Hub.Engine().ClaimOrder(env.Ctx, env.Order.ID, env.Courier.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	creatorConn := env.connect(t, env.Creator.ID)
	courierConn := env.connect(t, env.Courier.ID)
	sendCommand(t, creatorConn, CmdJoinOrder, JoinOrderPayload{OrderID: env.Order.ID})
	sendCommand(t, courierConn, CmdJoinOrder, JoinOrderPayload{OrderID: env.Order.ID})
	waitEvent(t, creatorConn, EvtJoinedOrder)
	waitEvent(t, courierConn, EvtJoinedOrder)

	// A connection that never joined the room may leave it, but that must
	// not inject a peer-left notice into the room.
	outsider, err := env.Hub.Engine().RegisterUser(env.Ctx, engine.UserRegisterOptions{Name: "eve", Phone: "13800003333", Password: "secret3"})
	if err != nil {
		t.Fatalf("register outsider: %v", err)
	}
	outsiderConn := env.connect(t, outsider.ID)
	sendCommand(t, outsiderConn, CmdLeaveOrder, LeaveOrderPayload{OrderID: env.Order.ID})
	waitEvent(t, outsiderConn, EvtLeftOrder)

	// The outsider's handler has finished by the time the courier leaves,
	// so the first peer-left the creator sees names the courier.
	sendCommand(t, courierConn, CmdLeaveOrder, LeaveOrderPayload{OrderID: env.Order.ID})
	evt := waitEvent(t, creatorConn, EvtPeerLeft)
	var left RoomPresencePayload
	if err := json.Unmarshal(evt.Payload, &left); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if left.UserID != env.Courier.ID {
		t.Fatalf("peer_left from %s, want courier", left.UserID)
	}
}

func TestPresenceLifecycle(t *testing.T) {
	env := newHubEnv(t)
	creatorConn := env.connect(t, env.Creator.ID)
	// connect registers asynchronously; the creator must be registered
	// before the courier's user_online broadcast, or it has no recipient.
	for deadline := time.Now().Add(2 * time.Second); len(env.Hub.Registry().OnlineUsers()) == 0; {
		if time.Now().After(deadline) {
			t.Fatalf("creator connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	courierConn := newFakeConn()
	done := make(chan struct{})
	go func() {
		env.Hub.HandleConnection(courierConn, env.Courier.ID)
		close(done)
	}()

	evt := waitEvent(t, creatorConn, EvtUserOnline)
	var online PresencePayload
	if err := json.Unmarshal(evt.Payload, &online); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if online.UserID != env.Courier.ID {
		t.Fatalf("online payload: %+v", online)
	}

	courierConn.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("courier connection did not shut down")
	}
	evt = waitEvent(t, creatorConn, EvtUserOffline)
	var offline PresencePayload
	if err := json.Unmarshal(evt.Payload, &offline); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if offline.UserID != env.Courier.ID {
		t.Fatalf("offline payload: %+v", offline)
	}
}

func TestUnknownCommand(t *testing.T) {
	env := newHubEnv(t)
	conn := env.connect(t, env.Creator.ID)
	sendCommand(t, conn, CommandType("moonwalk"), struct{}{})
	evt := waitEvent(t, conn, EvtError)
	var perr ErrorPayload
	if err := json.Unmarshal(evt.Payload, &perr); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if perr.Kind != "validation_error" {
		t.Fatalf("error kind = %s", perr.Kind)
	}
}

func TestRegistryMultiDevice(t *testing.T) {
	r := NewRegistry()
	c1 := newClient(newFakeConn(), "user-1", 4)
	c2 := newClient(newFakeConn(), "user-1", 4)

	if first := r.Register(c1); !first {
		t.Fatalf("first connection should report first")
	}
	if first := r.Register(c2); first {
		t.Fatalf("second device should not report first")
	}
	if got := len(r.ConnectionsFor("user-1")); got != 2 {
		t.Fatalf("connections = %d, want 2", got)
	}
	if got := r.OnlineUsers(); len(got) != 1 || got[0] != "user-1" {
		t.Fatalf("online users = %v", got)
	}

	if _, last := r.Unregister(c1.ID); last {
		t.Fatalf("unregister with device remaining should not be last")
	}
	if _, last := r.Unregister(c2.ID); !last {
		t.Fatalf("unregister of final device should be last")
	}
	if c, ok := r.Unregister(c2.ID); c != nil || ok {
		t.Fatalf("double unregister should be a no-op")
	}
}

func TestRoomTable(t *testing.T) {
	rt := NewRoomTable()
	c := newClient(newFakeConn(), "user-1", 4)

	if joined := rt.Join("order-1", c); !joined {
		t.Fatalf("first join should report joined")
	}
	if joined := rt.Join("order-1", c); joined {
		t.Fatalf("repeat join should be a no-op")
	}
	rt.Join("order-2", c)
	if !rt.Contains("order-1", c.ID) || !rt.Contains("order-2", c.ID) {
		t.Fatalf("membership missing")
	}

	if left := rt.Leave("order-1", c.ID); !left {
		t.Fatalf("leave of joined room should report removed")
	}
	if left := rt.Leave("order-1", c.ID); left {
		t.Fatalf("repeat leave should report nothing removed")
	}
	if left := rt.Leave("order-9", c.ID); left {
		t.Fatalf("leave of unknown room should report nothing removed")
	}
	rt.Join("order-1", c)

	affected := rt.LeaveAll(c.ID)
	if len(affected) != 2 {
		t.Fatalf("leaveAll affected %d rooms, want 2", len(affected))
	}
	if rt.Contains("order-1", c.ID) || len(rt.Members("order-2")) != 0 {
		t.Fatalf("rooms not emptied")
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	c := newClient(newFakeConn(), "user-1", 1)
	c.enqueue([]byte("one"))
	c.enqueue([]byte("two")) // dropped, queue full

	select {
	case data := <-c.send:
		if string(data) != "one" {
			t.Fatalf("got %q", data)
		}
	default:
		t.Fatalf("queue empty")
	}
	select {
	case data := <-c.send:
		t.Fatalf("expected drop, got %q", data)
	default:
	}
}
