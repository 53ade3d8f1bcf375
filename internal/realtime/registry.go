package realtime

import "sync"

// Registry tracks live connections per identity. Ephemeral: rebuilt from
// scratch on restart. The maps are private; other components go through
// the methods.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*Client
	byUser map[string]map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]*Client),
		byUser: make(map[string]map[string]*Client),
	}
}

// Register adds the client. Reports whether this is the identity's first
// live connection (triggers the online presence event).
func (r *Registry) Register(c *Client) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[c.ID] = c
	conns := r.byUser[c.UserID]
	if conns == nil {
		conns = make(map[string]*Client)
		r.byUser[c.UserID] = conns
	}
	first = len(conns) == 0
	conns[c.ID] = c
	return first
}

// Unregister removes the connection. Reports the client and whether it was
// the identity's last connection (triggers the offline presence event).
// Idempotent: unknown ids return nil, false.
func (r *Registry) Unregister(connID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	delete(r.byConn, connID)
	conns := r.byUser[c.UserID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byUser, c.UserID)
		return c, true
	}
	return c, false
}

// Get returns the client for a connection id.
func (r *Registry) Get(connID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byConn[connID]
	return c, ok
}

// ConnectionsFor returns every live connection of an identity, so direct
// notifications reach all of a user's devices.
func (r *Registry) ConnectionsFor(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byUser[userID]
	res := make([]*Client, 0, len(conns))
	for _, c := range conns {
		res = append(res, c)
	}
	return res
}

// All snapshots every live connection.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*Client, 0, len(r.byConn))
	for _, c := range r.byConn {
		res = append(res, c)
	}
	return res
}

// OnlineUsers lists identities with at least one live connection.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]string, 0, len(r.byUser))
	for id := range r.byUser {
		res = append(res, id)
	}
	return res
}
