// Package registry holds the set of live (user, platform) connections.
// It is the only mutable shared in-memory state in the router; adapters
// never touch it.
package registry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"msghub/internal/domain"
)

// Key identifies one connection. Derived deterministically from the pair, so
// a reconnect maps to the same entry.
type Key struct {
	UserID   string
	Platform domain.Platform
}

// ConnectionID returns the stable string form of the key.
func (k Key) ConnectionID() string {
	return string(k.Platform) + ":" + k.UserID
}

// Connection is a handle to a live adapter session. Disconnect invalidates
// the handle rather than freeing it, so a racing sync holding a stale
// reference can detect removal and discard its result.
type Connection struct {
	Key         Key
	Adapter     domain.PlatformAdapter
	Integration *domain.PlatformIntegration
	ConnectedAt time.Time

	invalid atomic.Bool
}

// Valid reports whether the connection is still registered.
func (c *Connection) Valid() bool { return !c.invalid.Load() }

func (c *Connection) invalidate() { c.invalid.Store(true) }

// Registry is a concurrency-safe map from Key to Connection. Only the router
// mutates it, and only under the per-map lock; adapter I/O never happens
// inside the critical section.
type Registry struct {
	mu     sync.RWMutex
	conns  map[Key]*Connection
	logger *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[Key]*Connection),
		logger: logger,
	}
}

// Put registers a connection, replacing and invalidating any prior entry for
// the same key. The replaced connection is returned so the caller can tear
// down its adapter session (a second connect is treated as a reconnect).
func (r *Registry) Put(conn *Connection) *Connection {
	r.mu.Lock()
	prev := r.conns[conn.Key]
	r.conns[conn.Key] = conn
	r.mu.Unlock()

	if prev != nil {
		prev.invalidate()
		r.logger.Debug("connection replaced", "connection", conn.Key.ConnectionID())
	}
	return prev
}

// Get looks up the connection for a key. Absence means "not connected".
func (r *Registry) Get(key Key) (*Connection, bool) {
	r.mu.RLock()
	conn, ok := r.conns[key]
	r.mu.RUnlock()
	return conn, ok
}

// Remove deletes and invalidates the entry for a key. Removing an absent key
// is a no-op.
func (r *Registry) Remove(key Key) (*Connection, bool) {
	r.mu.Lock()
	conn, ok := r.conns[key]
	if ok {
		delete(r.conns, key)
	}
	r.mu.Unlock()

	if ok {
		conn.invalidate()
	}
	return conn, ok
}

// Snapshot returns the current connections. Used for platform-wide webhook
// fan-out and shutdown teardown.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// ForPlatform returns all connections for one platform.
func (r *Registry) ForPlatform(platform domain.Platform) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Connection
	for k, c := range r.conns {
		if k.Platform == platform {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
