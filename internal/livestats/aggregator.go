package livestats

import (
	"context"
	"fmt"
	"sync"

	"rollcall/internal/identity"
)

// Stats is the live view of one session's attendance counts. Rate is a
// percentage with one decimal ("80.0%"); it is nil, not zero, when the
// expected student count is unknown.
type Stats struct {
	SessionID     string                  `json:"session_id"`
	Total         int                     `json:"total"`
	ByMethod      map[identity.Method]int `json:"by_method"`
	Confirmed     int                     `json:"confirmed"`
	ExpectedCount int                     `json:"expected_student_count,omitempty"`
	Rate          *string                 `json:"rate"`
}

// Aggregator keeps per-session counters. Mutations happen only from inside
// a session's critical section, so per-session updates are applied strictly
// in commit order; the internal lock only guards the map against concurrent
// snapshot readers.
type Aggregator struct {
	mu    sync.RWMutex
	stats map[string]*Stats
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{stats: make(map[string]*Stats)}
}

// Open initializes counters for a session.
func (a *Aggregator) Open(sessionID string, expectedCount int) {
	a.mu.Lock()
	a.stats[sessionID] = &Stats{
		SessionID:     sessionID,
		ByMethod:      make(map[identity.Method]int),
		ExpectedCount: expectedCount,
	}
	a.mu.Unlock()
}

// Restore rebuilds counters from persisted records after a restart.
func (a *Aggregator) Restore(sessionID string, expectedCount int, byMethod map[identity.Method]int, confirmed int) {
	s := &Stats{
		SessionID:     sessionID,
		ByMethod:      make(map[identity.Method]int, len(byMethod)),
		Confirmed:     confirmed,
		ExpectedCount: expectedCount,
	}
	for m, n := range byMethod {
		s.ByMethod[m] = n
		s.Total += n
	}
	a.mu.Lock()
	a.stats[sessionID] = s
	a.mu.Unlock()
}

// RecordAdded bumps counters for a newly committed record.
func (a *Aggregator) RecordAdded(sessionID string, method identity.Method) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.stats[sessionID]
	if !ok {
		return
	}
	s.Total++
	s.ByMethod[method]++
}

// RecordConfirmed bumps the confirmed counter.
func (a *Aggregator) RecordConfirmed(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.stats[sessionID]; ok {
		s.Confirmed++
	}
}

// Snapshot returns a copy of the current counters for a session.
func (a *Aggregator) Snapshot(sessionID string) (Stats, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.stats[sessionID]
	if !ok {
		return Stats{}, false
	}
	out := Stats{
		SessionID:     s.SessionID,
		Total:         s.Total,
		Confirmed:     s.Confirmed,
		ExpectedCount: s.ExpectedCount,
		ByMethod:      make(map[identity.Method]int, len(s.ByMethod)),
	}
	for m, n := range s.ByMethod {
		out.ByMethod[m] = n
	}
	if s.ExpectedCount > 0 {
		rate := fmt.Sprintf("%.1f%%", float64(s.Total)*100/float64(s.ExpectedCount))
		out.Rate = &rate
	}
	return out, true
}

// Summarize implements session.Summarizer from the in-memory counters.
func (a *Aggregator) Summarize(_ context.Context, sessionID string) (int, int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.stats[sessionID]
	if !ok {
		return 0, 0, nil
	}
	return s.Total, s.Confirmed, nil
}

// Drop discards counters for a terminated session.
func (a *Aggregator) Drop(sessionID string) {
	a.mu.Lock()
	delete(a.stats, sessionID)
	a.mu.Unlock()
}
