package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"orderline/internal/domain"
	"orderline/internal/engine"
	"orderline/internal/repo"
)

const (
	defaultSendBuffer    = 64
	defaultIdleBound     = 5 * time.Minute
	defaultSweepInterval = 2 * time.Minute
	pongWait             = 60 * time.Second
)

// Config tunes the hub's liveness machinery.
type Config struct {
	SendBuffer    int
	IdleBound     time.Duration
	SweepInterval time.Duration
	Logger        *log.Logger
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = defaultSendBuffer
	}
	if c.IdleBound <= 0 {
		c.IdleBound = defaultIdleBound
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Hub owns the session registry and room table and relays engine
// mutations to live connections. It implements engine.Notifier, so REST
// commands fan out through the same path as realtime commands.
type Hub struct {
	engine   engine.Engine
	registry *Registry
	rooms    *RoomTable
	cfg      Config
}

// NewHub wires the hub into the engine's notification path. Use Engine()
// for any caller that should fan out on success.
func NewHub(e engine.Engine, cfg Config) *Hub {
	h := &Hub{
		registry: NewRegistry(),
		rooms:    NewRoomTable(),
		cfg:      cfg.withDefaults(),
	}
	e.Notify = h
	h.engine = e
	return h
}

// Engine returns the hub-wired engine.
func (h *Hub) Engine() engine.Engine { return h.engine }

// Registry exposes the session registry (read-side only callers).
func (h *Hub) Registry() *Registry { return h.registry }

// Run sweeps idle connections until ctx is done. Liveness safeguard, not
// a correctness requirement: the registry must not grow without bound on
// dead transports.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bound := time.Now().Add(-h.cfg.IdleBound)
			for _, c := range h.registry.All() {
				if c.idleSince().Before(bound) {
					h.cfg.Logger.Printf("sweeping idle connection %s (user %s)", c.ID, c.UserID)
					c.close()
				}
			}
		}
	}
}

// HandleConnection serves one authenticated connection until the
// transport closes. Command handling within the connection is sequential;
// connections run concurrently.
func (h *Hub) HandleConnection(conn Conn, userID string) {
	c := newClient(conn, userID, h.cfg.SendBuffer)
	if first := h.registry.Register(c); first {
		h.broadcastGlobal(Event{Type: EvtUserOnline, Payload: PresencePayload{UserID: userID}}, c.ID)
	}
	go c.writePump()
	h.readLoop(c)
	h.disconnect(c)
}

func (h *Hub) readLoop(c *Client) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.dispatch(c, raw)
	}
}

// commandHandlers is the closed dispatch table; there is no string switch
// anywhere else.
var commandHandlers = map[CommandType]func(h *Hub, c *Client, raw json.RawMessage){
	CmdJoinOrder:      (*Hub).handleJoinOrder,
	CmdLeaveOrder:     (*Hub).handleLeaveOrder,
	CmdSendMessage:    (*Hub).handleSendMessage,
	CmdUpdateStatus:   (*Hub).handleUpdateStatus,
	CmdTyping:         (*Hub).handleTyping,
	CmdLocationUpdate: (*Hub).handleLocationUpdate,
}

// dispatch routes one command. Errors are terminal to the command only:
// reported to the originating connection, never fatal to it.
func (h *Hub) dispatch(c *Client, raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		h.sendError(c, engine.ValidationError{Reason: "malformed command"})
		return
	}
	handler, ok := commandHandlers[cmd.Type]
	if !ok {
		h.sendError(c, engine.ValidationError{Field: "type", Reason: "unknown command " + string(cmd.Type)})
		return
	}
	handler(h, c, cmd.Payload)
}

func (h *Hub) handleJoinOrder(c *Client, raw json.RawMessage) {
	var p JoinOrderPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.OrderID == "" {
		h.sendError(c, engine.ValidationError{Field: "order_id", Reason: "required"})
		return
	}
	o, err := h.engine.Repo.GetOrder(context.Background(), p.OrderID)
	if err != nil {
		h.sendError(c, err)
		return
	}
	if !o.IsParticipant(c.UserID) {
		// Caller only; no broadcast on failed joins.
		h.sendError(c, engine.AuthorizationError{Reason: "not a participant of this order"})
		return
	}
	joined := h.rooms.Join(p.OrderID, c)
	c.sendEvent(Event{Type: EvtJoinedOrder, Payload: RoomPresencePayload{OrderID: p.OrderID, UserID: c.UserID}})
	if joined {
		h.broadcastRoom(p.OrderID, Event{Type: EvtPeerJoined, Payload: RoomPresencePayload{OrderID: p.OrderID, UserID: c.UserID}}, c.ID)
	}
}

func (h *Hub) handleLeaveOrder(c *Client, raw json.RawMessage) {
	var p LeaveOrderPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.OrderID == "" {
		h.sendError(c, engine.ValidationError{Field: "order_id", Reason: "required"})
		return
	}
	left := h.rooms.Leave(p.OrderID, c.ID)
	c.sendEvent(Event{Type: EvtLeftOrder, Payload: RoomPresencePayload{OrderID: p.OrderID, UserID: c.UserID}})
	// Only a removed membership produces a peer-left notice; leaving a room
	// never joined must not let the caller inject presence into it.
	if left {
		h.broadcastRoom(p.OrderID, Event{Type: EvtPeerLeft, Payload: RoomPresencePayload{OrderID: p.OrderID, UserID: c.UserID}}, c.ID)
	}
}

func (h *Hub) handleSendMessage(c *Client, raw json.RawMessage) {
	var p SendMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.OrderID == "" {
		h.sendError(c, engine.ValidationError{Field: "order_id", Reason: "required"})
		return
	}
	// The engine re-validates participation against the order, which also
	// covers senders that never joined the room.
	if _, err := h.engine.SendMessage(context.Background(), p.OrderID, c.UserID, p.Type, p.Content, p.ImageURL); err != nil {
		h.sendError(c, err)
	}
}

func (h *Hub) handleUpdateStatus(c *Client, raw json.RawMessage) {
	var p UpdateStatusPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.OrderID == "" || p.Status == "" {
		h.sendError(c, engine.ValidationError{Reason: "order_id and status are required"})
		return
	}
	if _, err := h.engine.UpdateStatus(context.Background(), p.OrderID, p.Status, c.UserID); err != nil {
		h.sendError(c, err)
	}
}

func (h *Hub) handleTyping(c *Client, raw json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.OrderID == "" {
		h.sendError(c, engine.ValidationError{Field: "order_id", Reason: "required"})
		return
	}
	if !h.rooms.Contains(p.OrderID, c.ID) {
		o, err := h.engine.Repo.GetOrder(context.Background(), p.OrderID)
		if err != nil {
			h.sendError(c, err)
			return
		}
		if !o.IsParticipant(c.UserID) {
			h.sendError(c, engine.AuthorizationError{Reason: "not a participant of this order"})
			return
		}
	}
	// Ephemeral: broadcast and drop, nothing persisted.
	h.broadcastRoom(p.OrderID, Event{Type: EvtUserTyping, Payload: UserTypingPayload{OrderID: p.OrderID, UserID: c.UserID, IsTyping: p.IsTyping}}, c.ID)
}

// handleLocationUpdate relays a courier position to the order's room.
// Ephemeral like typing: nothing is persisted, and samples arriving while
// the order is not underway are dropped without an error so a courier app
// streaming on a timer does not get spammed after completion.
func (h *Hub) handleLocationUpdate(c *Client, raw json.RawMessage) {
	var p LocationUpdatePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.OrderID == "" {
		h.sendError(c, engine.ValidationError{Field: "order_id", Reason: "required"})
		return
	}
	o, err := h.engine.Repo.GetOrder(context.Background(), p.OrderID)
	if err != nil {
		h.sendError(c, err)
		return
	}
	if o.CourierID == nil || *o.CourierID != c.UserID {
		h.sendError(c, engine.AuthorizationError{Reason: "only the courier can update location"})
		return
	}
	if o.Status != domain.StatusInProgress && o.Status != domain.StatusDelivering {
		return
	}
	now := time.Now()
	if h.engine.Now != nil {
		now = h.engine.Now()
	}
	h.broadcastRoom(p.OrderID, Event{Type: EvtLocationUpdate, Payload: CourierLocationPayload{
		OrderID:     p.OrderID,
		Coordinates: p.Coordinates,
		UpdatedBy:   c.UserID,
		UpdatedAt:   now.UTC().Format(time.RFC3339),
	}}, c.ID)
}

func (h *Hub) disconnect(c *Client) {
	c.close()
	removed, last := h.registry.Unregister(c.ID)
	if removed == nil {
		return
	}
	for _, orderID := range h.rooms.LeaveAll(c.ID) {
		h.broadcastRoom(orderID, Event{Type: EvtPeerLeft, Payload: RoomPresencePayload{OrderID: orderID, UserID: c.UserID}}, c.ID)
	}
	if last {
		h.broadcastGlobal(Event{Type: EvtUserOffline, Payload: PresencePayload{UserID: c.UserID}}, c.ID)
	}
}

// broadcastRoom delivers the event to every room member except exceptID.
// Fire-and-forget: disconnected clients simply miss it and resync from
// durable state on reconnect.
func (h *Hub) broadcastRoom(orderID string, evt Event, exceptID string) {
	data, err := encodeEvent(evt)
	if err != nil {
		return
	}
	for _, member := range h.rooms.Members(orderID) {
		if member.ID == exceptID {
			continue
		}
		member.enqueue(data)
	}
}

func (h *Hub) broadcastGlobal(evt Event, exceptID string) {
	data, err := encodeEvent(evt)
	if err != nil {
		return
	}
	for _, c := range h.registry.All() {
		if c.ID == exceptID {
			continue
		}
		c.enqueue(data)
	}
}

func (h *Hub) sendToUser(userID string, evt Event) {
	data, err := encodeEvent(evt)
	if err != nil {
		return
	}
	for _, c := range h.registry.ConnectionsFor(userID) {
		c.enqueue(data)
	}
}

func (h *Hub) sendError(c *Client, err error) {
	c.sendEvent(Event{Type: EvtError, Payload: ErrorPayload{Kind: errorKind(err), Message: err.Error()}})
}

// OrderCreated broadcasts the new listing to everyone but the creator's
// own devices.
func (h *Hub) OrderCreated(o domain.Order) {
	data, err := encodeEvent(Event{Type: EvtNewOrder, Payload: o})
	if err != nil {
		return
	}
	for _, c := range h.registry.All() {
		if c.UserID == o.CreatorID {
			continue
		}
		c.enqueue(data)
	}
}

// OrderClaimed notifies every device of the creator directly; the room
// broadcast follows via StatusChanged.
func (h *Hub) OrderClaimed(o domain.Order) {
	if o.CourierID == nil {
		return
	}
	h.sendToUser(o.CreatorID, Event{Type: EvtOrderClaimed, Payload: OrderClaimedPayload{OrderID: o.ID, CourierID: *o.CourierID, Order: o}})
}

// StatusChanged fans a committed transition out to the order's room, in
// commit order: only one conditional update can win a given transition.
func (h *Hub) StatusChanged(o domain.Order, oldStatus, actorID string) {
	h.broadcastRoom(o.ID, Event{Type: EvtStatusChanged, Payload: StatusChangedPayload{
		OrderID:   o.ID,
		OldStatus: oldStatus,
		NewStatus: o.Status,
		Actor:     actorID,
		Order:     o,
	}}, "")
}

// MessageSent relays the persisted record, store-assigned id and
// timestamp included, to the room. Everyone including the sender's other
// devices gets it.
func (h *Hub) MessageSent(m domain.Message) {
	h.broadcastRoom(m.OrderID, Event{Type: EvtNewMessage, Payload: m}, "")
}

// errorKind maps the engine taxonomy onto stable wire identifiers.
func errorKind(err error) string {
	var (
		authn      engine.AuthenticationError
		authz      engine.AuthorizationError
		validation engine.ValidationError
		transition engine.InvalidTransitionError
		conflict   engine.ClaimConflictError
		noop       engine.AlreadyInStatusError
	)
	switch {
	case errors.As(err, &authn):
		return "authentication_error"
	case errors.As(err, &authz):
		return "authorization_error"
	case errors.As(err, &validation):
		return "validation_error"
	case errors.As(err, &transition):
		return "invalid_transition"
	case errors.As(err, &conflict):
		return "claim_conflict"
	case errors.As(err, &noop):
		return "already_in_status"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	default:
		return "internal_error"
	}
}
