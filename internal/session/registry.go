// Package session implements the Session Registry: the in-memory table of
// which users currently hold a live connection and their self-reported
// presence status. State is rebuilt from zero on process restart — all users
// appear offline until they reconnect. There is no durable presence.
package session

import (
	"sync"
	"time"

	"github.com/skillswap/trade-engine/internal/models"
	"github.com/skillswap/trade-engine/internal/protocol"
)

// Record is the registry entry for one connected user.
type Record struct {
	ConnID      string      // connection ID owning this record
	User        models.User // authenticated user snapshot
	ConnectedAt time.Time
	Status      string // online | away | busy | offline
}

// Registry is a mutex-guarded map of user ID to connection record. It holds
// at most one record per user: a new connection for an already-registered
// user silently replaces the old record (last connection wins).
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]Record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]Record)}
}

// Register inserts or replaces the record for the user owning the
// connection. The caller has already authenticated the user.
func (r *Registry) Register(connID string, user models.User) {
	r.mu.Lock()
	r.byUser[user.ID] = Record{
		ConnID:      connID,
		User:        user,
		ConnectedAt: time.Now(),
		Status:      protocol.PresenceOnline,
	}
	r.mu.Unlock()
}

// Unregister removes the user's record, but only when it is still owned by
// connID — a stale disconnect from a replaced connection must not evict the
// fresh record. Idempotent; returns whether a record was removed.
func (r *Registry) Unregister(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byUser[userID]
	if !ok || rec.ConnID != connID {
		return false
	}
	delete(r.byUser, userID)
	return true
}

// IsOnline reports whether the user currently holds a live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	_, ok := r.byUser[userID]
	r.mu.RUnlock()
	return ok
}

// Get returns the user's record, if any.
func (r *Registry) Get(userID string) (Record, bool) {
	r.mu.RLock()
	rec, ok := r.byUser[userID]
	r.mu.RUnlock()
	return rec, ok
}

// SetStatus updates the user's presence status. A status update for a user
// with no active connection is meaningless, so it is a silent no-op; the
// return value reports whether anything changed.
func (r *Registry) SetStatus(userID, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byUser[userID]
	if !ok {
		return false
	}
	rec.Status = status
	r.byUser[userID] = rec
	return true
}

// Count returns the number of connected users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}
