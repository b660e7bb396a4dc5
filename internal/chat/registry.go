package chat

import (
	"sync"

	"github.com/shopchat/livechat/pkg/metrics"
)

// Registry tracks live connections and answers "which sockets should receive
// this event". It is owned by the broker and torn down with it.
type Registry struct {
	mu            sync.RWMutex
	conns         map[*Connection]struct{}
	byParticipant map[participantKey]map[*Connection]struct{}
}

type participantKey struct {
	role Role
	id   string
}

// NewRegistry constructs an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:         make(map[*Connection]struct{}),
		byParticipant: make(map[participantKey]map[*Connection]struct{}),
	}
}

// Register indexes a connection by participant identity and role. A second
// registration for the same participant simply adds another concurrent
// connection.
func (r *Registry) Register(conn *Connection) {
	key := participantKey{role: conn.role, id: conn.participantID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn]; exists {
		return
	}
	r.conns[conn] = struct{}{}
	if r.byParticipant[key] == nil {
		r.byParticipant[key] = make(map[*Connection]struct{})
	}
	r.byParticipant[key][conn] = struct{}{}

	metrics.ConnectedClients.WithLabelValues(string(conn.role)).Inc()
}

// Unregister removes the connection. Unknown connections are a no-op, so the
// operation is idempotent.
func (r *Registry) Unregister(conn *Connection) bool {
	key := participantKey{role: conn.role, id: conn.participantID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn]; !exists {
		return false
	}
	delete(r.conns, conn)

	if peers := r.byParticipant[key]; peers != nil {
		delete(peers, conn)
		if len(peers) == 0 {
			delete(r.byParticipant, key)
		}
	}

	metrics.ConnectedClients.WithLabelValues(string(conn.role)).Dec()
	return true
}

// ConnectionsFor returns every connection joined to the session, optionally
// filtered by role.
func (r *Registry) ConnectionsFor(sessionID string, roles ...Role) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Connection
	for conn := range r.conns {
		if conn.Joined() != sessionID {
			continue
		}
		if len(roles) > 0 && !roleIn(conn.role, roles) {
			continue
		}
		out = append(out, conn)
	}
	return out
}

// AdminConnections returns every live admin connection, joined or not.
func (r *Registry) AdminConnections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Connection
	for conn := range r.conns {
		if conn.role == RoleAdmin {
			out = append(out, conn)
		}
	}
	return out
}

// ConnectionsOf returns all live connections for one participant.
func (r *Registry) ConnectionsOf(role Role, participantID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := r.byParticipant[participantKey{role: role, id: participantID}]
	out := make([]*Connection, 0, len(peers))
	for conn := range peers {
		out = append(out, conn)
	}
	return out
}

// HasConnections reports whether the participant still has a live connection.
func (r *Registry) HasConnections(role Role, participantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byParticipant[participantKey{role: role, id: participantID}]) > 0
}

// AdminIDs returns the distinct ids of all connected agents.
func (r *Registry) AdminIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for key := range r.byParticipant {
		if key.role == RoleAdmin {
			ids = append(ids, key.id)
		}
	}
	return ids
}

// Count returns the number of live connections for a role.
func (r *Registry) Count(role Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for conn := range r.conns {
		if conn.role == role {
			n++
		}
	}
	return n
}

// CloseAll tears down every connection; used on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[*Connection]struct{})
	r.byParticipant = make(map[participantKey]map[*Connection]struct{})
	r.mu.Unlock()

	for _, conn := range conns {
		metrics.ConnectedClients.WithLabelValues(string(conn.role)).Dec()
		conn.Close()
	}
}

func roleIn(role Role, roles []Role) bool {
	for _, candidate := range roles {
		if role == candidate {
			return true
		}
	}
	return false
}
