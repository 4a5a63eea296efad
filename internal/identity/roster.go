package identity

import (
	"context"
	"sync"
)

// RosterEntry is one expected student for a session.
type RosterEntry struct {
	IndexNumber string `json:"index_number"`
	FullName    string `json:"full_name"`
}

// MemoryRoster holds per-session expected rosters. Rosters are loaded when
// a session starts and discarded with it; they are not persisted.
type MemoryRoster struct {
	mu      sync.RWMutex
	entries map[string]map[string]string // sessionID -> index -> name
}

// NewMemoryRoster creates an empty roster set.
func NewMemoryRoster() *MemoryRoster {
	return &MemoryRoster{entries: make(map[string]map[string]string)}
}

// Load replaces the roster for a session.
func (r *MemoryRoster) Load(sessionID string, entries []RosterEntry) {
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		m[NormalizeIndex(e.IndexNumber)] = e.FullName
	}
	r.mu.Lock()
	r.entries[sessionID] = m
	r.mu.Unlock()
}

// Drop removes a session's roster.
func (r *MemoryRoster) Drop(sessionID string) {
	r.mu.Lock()
	delete(r.entries, sessionID)
	r.mu.Unlock()
}

// Lookup implements Roster.
func (r *MemoryRoster) Lookup(_ context.Context, sessionID, indexNumber string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.entries[sessionID]
	if !ok {
		return "", false, nil
	}
	name, ok := m[NormalizeIndex(indexNumber)]
	return name, ok, nil
}
