package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type mockStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	failCreate bool
	failUpdate bool
}

func newMockStore() *mockStore {
	return &mockStore{sessions: make(map[string]*Session)}
}

func (m *mockStore) Create(ctx context.Context, s *Session) error {
	if m.failCreate {
		return errors.New("store create failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.clone()
	return nil
}

func (m *mockStore) Update(ctx context.Context, s *Session) error {
	if m.failUpdate {
		return errors.New("store update failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.clone()
	return nil
}

func (m *mockStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

func (m *mockStore) ListActive(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []*Session
	for _, s := range m.sessions {
		if !s.Status.Terminal() {
			res = append(res, s.clone())
		}
	}
	return res, nil
}

type fixedSummarizer struct {
	total     int
	confirmed int
}

func (f fixedSummarizer) Summarize(context.Context, string) (int, int, error) {
	return f.total, f.confirmed, nil
}

func newTestManager(t *testing.T) (*Manager, *mockStore) {
	t.Helper()
	store := newMockStore()
	return NewManager(store, fixedSummarizer{}), store
}

func startSession(t *testing.T, m *Manager) *Session {
	t.Helper()
	s, err := m.Start(context.Background(), StartInput{CourseCode: "CS101", DeviceID: "dev-1"})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return s
}

func TestStartValidation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Start(ctx, StartInput{DeviceID: "dev-1"}); !errors.Is(err, ErrMissingCourse) {
		t.Errorf("expected ErrMissingCourse, got %v", err)
	}
	if _, err := m.Start(ctx, StartInput{CourseCode: "CS101"}); !errors.Is(err, ErrMissingDevice) {
		t.Errorf("expected ErrMissingDevice, got %v", err)
	}

	s, err := m.Start(ctx, StartInput{CourseCode: "CS101", DeviceID: "dev-1", ExpectedCount: 50})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Status != StatusInProgress {
		t.Errorf("new session status = %s, want IN_PROGRESS", s.Status)
	}
	if s.EndTime != nil {
		t.Errorf("new session has end time set")
	}
}

func TestTransitionLegality(t *testing.T) {
	cases := []struct {
		name    string
		from    Status
		to      Status
		wantErr error
	}{
		{"pause running", StatusInProgress, StatusPaused, nil},
		{"resume paused", StatusPaused, StatusInProgress, nil},
		{"complete running", StatusInProgress, StatusCompleted, nil},
		{"complete paused", StatusPaused, StatusCompleted, nil},
		{"cancel running", StatusInProgress, StatusCancelled, nil},
		{"cancel paused", StatusPaused, StatusCancelled, nil},
		{"pause paused", StatusPaused, StatusPaused, ErrIllegalTransition},
		{"resume running", StatusInProgress, StatusInProgress, ErrIllegalTransition},
		{"out of completed", StatusCompleted, StatusInProgress, ErrTerminal},
		{"out of cancelled", StatusCancelled, StatusPaused, ErrTerminal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkTransition(tc.from, tc.to)
			if tc.wantErr == nil && err != nil {
				t.Errorf("checkTransition(%s, %s) = %v, want nil", tc.from, tc.to, err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("checkTransition(%s, %s) = %v, want %v", tc.from, tc.to, err, tc.wantErr)
			}
		})
	}
}

func TestTerminalTransitionSetsEndTimeAndSummary(t *testing.T) {
	store := newMockStore()
	m := NewManager(store, fixedSummarizer{total: 40, confirmed: 12})
	s := startSession(t, m)

	done, summary, err := m.Transition(context.Background(), s.ID, StatusCompleted, "lect-1")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if done.EndTime == nil {
		t.Fatal("completed session has no end time")
	}
	if summary == nil || summary.TotalRecorded != 40 || summary.Confirmed != 12 {
		t.Errorf("summary = %+v, want total=40 confirmed=12", summary)
	}

	// Terminal is terminal.
	if _, _, err := m.Transition(context.Background(), s.ID, StatusInProgress, "lect-1"); !errors.Is(err, ErrTerminal) {
		t.Errorf("transition out of COMPLETED = %v, want ErrTerminal", err)
	}

	// Pause/resume never sets an end time.
	s2 := startSession(t, m)
	paused, sum, err := m.Transition(context.Background(), s2.ID, StatusPaused, "lect-1")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.EndTime != nil || sum != nil {
		t.Errorf("pause set end time or produced a summary")
	}
}

func TestWithSessionRejectsUnknownAndTerminal(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	err := m.WithSession(ctx, "nope", func(context.Context, *Session) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown session = %v, want ErrNotFound", err)
	}

	s := startSession(t, m)
	if _, _, err := m.Transition(ctx, s.ID, StatusCancelled, "lect-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	err = m.WithSession(ctx, s.ID, func(context.Context, *Session) error { return nil })
	if !errors.Is(err, ErrTerminal) {
		t.Errorf("terminal session = %v, want ErrTerminal", err)
	}
}

func TestWithSessionDetachesCancellation(t *testing.T) {
	m, _ := newTestManager(t)
	s := startSession(t, m)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The caller is already gone, but work inside the critical section
	// must still run to completion.
	err := m.WithSession(ctx, s.ID, func(inner context.Context, _ *Session) error {
		return inner.Err()
	})
	if err != nil {
		t.Errorf("WithSession with cancelled caller = %v, want nil", err)
	}
}

func TestLockWaitIsCancellable(t *testing.T) {
	m, _ := newTestManager(t)
	s := startSession(t, m)

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = m.WithSession(context.Background(), s.ID, func(context.Context, *Session) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.WithSession(ctx, s.ID, func(context.Context, *Session) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("waiting caller = %v, want deadline exceeded", err)
	}
	close(release)
}

func TestFencingAgainstConcurrentWriters(t *testing.T) {
	m, _ := newTestManager(t)
	s := startSession(t, m)

	var mu sync.Mutex
	var committed []time.Time

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithSession(context.Background(), s.ID, func(_ context.Context, sess *Session) error {
				if sess.Status != StatusInProgress {
					return ErrTerminal
				}
				mu.Lock()
				committed = append(committed, time.Now().UTC())
				mu.Unlock()
				return nil
			})
		}()
	}

	// Race the writers with a terminal transition.
	ended, _, err := m.Transition(context.Background(), s.ID, StatusCompleted, "lect-1")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, ts := range committed {
		if ts.After(*ended.EndTime) {
			t.Fatalf("commit at %s after session end %s", ts, ended.EndTime)
		}
	}
}

func TestLoadActiveRestoresSessions(t *testing.T) {
	store := newMockStore()
	m := NewManager(store, fixedSummarizer{})
	s := startSession(t, m)

	m2 := NewManager(store, fixedSummarizer{})
	if err := m2.LoadActive(context.Background()); err != nil {
		t.Fatalf("load active: %v", err)
	}
	got, err := m2.Get(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("get after restore: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Errorf("restored status = %s", got.Status)
	}
	// Restored sessions must accept work again.
	if err := m2.WithSession(context.Background(), s.ID, func(context.Context, *Session) error { return nil }); err != nil {
		t.Errorf("WithSession after restore: %v", err)
	}
}
