package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Summarizer computes the record totals included in a terminal summary.
// Implemented by the live aggregator; called while the session lock is held
// so every committed record is counted and none can slip in afterward.
type Summarizer interface {
	Summarize(ctx context.Context, sessionID string) (total, confirmed int, err error)
}

// ChangeFunc is invoked after a committed state transition, while the
// session lock is still held, so state-change notifications share the
// per-session total order with record commits.
type ChangeFunc func(s *Session, summary *Summary)

type entry struct {
	sem  chan struct{} // capacity 1: the per-session serialization point
	sess *Session
}

// Manager owns session state and transition legality. All session-scoped
// mutations in the engine funnel through a session's semaphore, acquired
// here via Transition or WithSession.
type Manager struct {
	store     Store
	summarize Summarizer
	onChange  ChangeFunc

	mu     sync.RWMutex
	active map[string]*entry
}

// NewManager creates a session manager backed by the given store.
func NewManager(store Store, summarize Summarizer) *Manager {
	return &Manager{
		store:     store,
		summarize: summarize,
		active:    make(map[string]*entry),
	}
}

// SetOnChange installs the transition notification hook. Must be called
// before the manager serves traffic.
func (m *Manager) SetOnChange(fn ChangeFunc) { m.onChange = fn }

// LoadActive restores non-terminal sessions from the store after a restart.
func (m *Manager) LoadActive(ctx context.Context) error {
	sessions, err := m.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("load active sessions: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sessions {
		m.active[s.ID] = &entry{sem: make(chan struct{}, 1), sess: s}
	}
	log.Printf("loaded %d active sessions", len(sessions))
	return nil
}

// Start creates a session directly in IN_PROGRESS.
func (m *Manager) Start(ctx context.Context, in StartInput) (*Session, error) {
	if in.CourseCode == "" {
		return nil, ErrMissingCourse
	}
	if in.DeviceID == "" {
		return nil, ErrMissingDevice
	}
	s := &Session{
		ID:            uuid.NewString(),
		CourseCode:    in.CourseCode,
		CourseName:    in.CourseName,
		LecturerName:  in.LecturerName,
		DeviceID:      in.DeviceID,
		Status:        StatusInProgress,
		StartTime:     time.Now().UTC(),
		ExpectedCount: in.ExpectedCount,
		Notes:         in.Notes,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	m.mu.Lock()
	m.active[s.ID] = &entry{sem: make(chan struct{}, 1), sess: s}
	m.mu.Unlock()
	log.Printf("session started: id=%s course=%s device=%s", s.ID, s.CourseCode, s.DeviceID)
	return s, nil
}

// Get returns the current snapshot of a session, falling back to the store
// for terminal sessions no longer held in memory.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	e, ok := m.active[id]
	m.mu.RUnlock()
	if ok {
		return e.sess, nil
	}
	return m.store.Get(ctx, id)
}

// ListActive returns snapshots of all non-terminal sessions held in memory.
func (m *Manager) ListActive(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessions := make([]*Session, 0, len(m.active))
	for _, e := range m.active {
		sessions = append(sessions, e.sess)
	}
	return sessions, nil
}

func (m *Manager) lookup(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.active[id]
	return e, ok
}

// acquire takes the session semaphore. Waiting is cancellable; holding is not.
func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) release() { <-e.sem }

// WithSession runs fn under the session's serialization point with the
// current snapshot. fn runs with cancellation detached from the caller: a
// disconnecting client must not abort a commit already in flight.
func (m *Manager) WithSession(ctx context.Context, id string, fn func(ctx context.Context, s *Session) error) error {
	e, ok := m.lookup(id)
	if !ok {
		s, err := m.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if s.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrTerminal, s.Status)
		}
		// Active session missing from memory means a restart raced us.
		return ErrNotFound
	}
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()
	return fn(context.WithoutCancel(ctx), e.sess)
}

// Transition applies a lifecycle change under the session lock. Terminal
// targets compute a summary and set the end time; once the transition
// commits no further record may commit for this session.
func (m *Manager) Transition(ctx context.Context, id string, target Status, actor string) (*Session, *Summary, error) {
	if !target.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown target %q", ErrIllegalTransition, target)
	}
	e, ok := m.lookup(id)
	if !ok {
		s, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("%w: %s", ErrTerminal, s.Status)
	}
	if err := e.acquire(ctx); err != nil {
		return nil, nil, err
	}
	defer e.release()

	ctx = context.WithoutCancel(ctx)
	cur := e.sess
	if err := checkTransition(cur.Status, target); err != nil {
		return nil, nil, err
	}

	next := cur.clone()
	next.Status = target
	var summary *Summary
	if target.Terminal() {
		now := time.Now().UTC()
		next.EndTime = &now
		total, confirmed, err := m.summarize.Summarize(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("summarize session: %w", err)
		}
		summary = &Summary{
			TotalRecorded: total,
			Confirmed:     confirmed,
			Duration:      now.Sub(next.StartTime),
		}
	}
	if err := m.store.Update(ctx, next); err != nil {
		return nil, nil, fmt.Errorf("update session: %w", err)
	}

	m.mu.Lock()
	e.sess = next
	if target.Terminal() {
		delete(m.active, id)
	}
	m.mu.Unlock()

	log.Printf("session %s: %s -> %s by %s", id, cur.Status, target, actor)
	if m.onChange != nil {
		m.onChange(next, summary)
	}
	return next, summary, nil
}

func checkTransition(from, to Status) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, from)
	}
	switch to {
	case StatusPaused:
		if from != StatusInProgress {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
		}
	case StatusInProgress:
		if from != StatusPaused {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
		}
	case StatusCompleted, StatusCancelled:
		// allowed from IN_PROGRESS and PAUSED
	default:
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
