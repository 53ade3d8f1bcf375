package realtime

import "sync"

// RoomTable maps each order to the connections subscribed to its events.
// Authorization happens in the hub before Join is called; membership is
// re-checked on join, not continuously.
type RoomTable struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Client
	// byConn mirrors rooms for O(rooms-of-conn) teardown on disconnect.
	byConn map[string]map[string]struct{}
}

func NewRoomTable() *RoomTable {
	return &RoomTable{
		rooms:  make(map[string]map[string]*Client),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join adds the connection to the order's room. Reports whether it was not
// already a member.
func (t *RoomTable) Join(orderID string, c *Client) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[orderID]
	if room == nil {
		room = make(map[string]*Client)
		t.rooms[orderID] = room
	}
	if _, ok := room[c.ID]; ok {
		return false
	}
	room[c.ID] = c
	orders := t.byConn[c.ID]
	if orders == nil {
		orders = make(map[string]struct{})
		t.byConn[c.ID] = orders
	}
	orders[orderID] = struct{}{}
	return true
}

// Leave removes the connection from the room. Idempotent: reports whether
// a membership was actually removed, so callers can skip peer-left notices
// for connections that never joined.
func (t *RoomTable) Leave(orderID, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leaveLocked(orderID, connID)
}

func (t *RoomTable) leaveLocked(orderID, connID string) bool {
	var removed bool
	if room, ok := t.rooms[orderID]; ok {
		if _, member := room[connID]; member {
			delete(room, connID)
			removed = true
		}
		if len(room) == 0 {
			delete(t.rooms, orderID)
		}
	}
	if orders, ok := t.byConn[connID]; ok {
		delete(orders, orderID)
		if len(orders) == 0 {
			delete(t.byConn, connID)
		}
	}
	return removed
}

// LeaveAll removes the connection from every room it joined and returns
// the affected order ids, for peer-left notices on teardown.
func (t *RoomTable) LeaveAll(connID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	orders := t.byConn[connID]
	res := make([]string, 0, len(orders))
	for orderID := range orders {
		res = append(res, orderID)
	}
	for _, orderID := range res {
		t.leaveLocked(orderID, connID)
	}
	return res
}

// Contains reports room membership for one connection.
func (t *RoomTable) Contains(orderID, connID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room := t.rooms[orderID]
	_, ok := room[connID]
	return ok
}

// Members snapshots the room.
func (t *RoomTable) Members(orderID string) []*Client {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room := t.rooms[orderID]
	res := make([]*Client, 0, len(room))
	for _, c := range room {
		res = append(res, c)
	}
	return res
}
