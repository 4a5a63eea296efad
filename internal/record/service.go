package record

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/fanout"
	"rollcall/internal/identity"
	"rollcall/internal/livestats"
	"rollcall/internal/metrics"
	"rollcall/internal/session"
)

// Outcome is the result of a record attempt. A duplicate scan is a
// success referencing the existing record, never an error.
type Outcome struct {
	Created   bool    `json:"created"`
	Duplicate bool    `json:"duplicate"`
	Record    *Record `json:"record"`
}

// Notifier forwards committed records to the external notification
// transport. Failures are logged, never surfaced to the write path.
type Notifier func(ctx context.Context, rec *Record) error

// Service is the idempotent write path: it resolves identity outside the
// session lock, then commits, aggregates and publishes inside it.
type Service struct {
	sessions *session.Manager
	resolver *identity.Resolver
	store    Store
	stats    *livestats.Aggregator
	pub      *fanout.Publisher
	notify   Notifier
}

// NewService wires the recording service.
func NewService(sessions *session.Manager, resolver *identity.Resolver, store Store, stats *livestats.Aggregator, pub *fanout.Publisher, notify Notifier) *Service {
	return &Service{
		sessions: sessions,
		resolver: resolver,
		store:    store,
		stats:    stats,
		pub:      pub,
		notify:   notify,
	}
}

// Record attempts to create an attendance record for the student the
// payload resolves to. Exactly one record per (session, student) can ever
// be created; a second attempt returns the existing record with
// Duplicate=true.
func (s *Service) Record(ctx context.Context, sessionID string, payload identity.Payload) (*Outcome, error) {
	// Identity I/O happens before the session lock so a slow directory or
	// oracle lookup never widens the critical section.
	res, err := s.resolver.Resolve(ctx, sessionID, payload)
	if err != nil {
		return nil, err
	}
	if !res.Found {
		metrics.RecordsRejected.WithLabelValues("identity_not_found").Inc()
		return nil, ErrIdentityNotFound
	}

	var out *Outcome
	err = s.sessions.WithSession(ctx, sessionID, func(ctx context.Context, sess *session.Session) error {
		switch sess.Status {
		case session.StatusPaused:
			return ErrSessionPaused
		case session.StatusInProgress:
		default:
			return ErrSessionClosed
		}

		existing, err := s.store.GetByStudent(ctx, sessionID, res.StudentKey)
		if err != nil {
			return fmt.Errorf("lookup record: %w", err)
		}
		if existing != nil {
			out = &Outcome{Duplicate: true, Record: existing}
			return nil
		}

		rec := &Record{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			StudentKey:  res.StudentKey,
			DisplayName: res.DisplayName,
			Method:      payload.Method(),
			ScanTime:    time.Now().UTC(),
		}
		if err := s.store.Insert(ctx, rec); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}

		s.stats.RecordAdded(sessionID, rec.Method)
		s.pub.Publish(sessionID, fanout.EventRecordCreated, rec)
		if snap, ok := s.stats.Snapshot(sessionID); ok {
			s.pub.Publish(sessionID, fanout.EventLiveStatsUpdated, snap)
		}
		if s.notify != nil {
			if err := s.notify(ctx, rec); err != nil {
				log.Printf("record notify failed for %s: %v", rec.ID, err)
			}
		}
		out = &Outcome{Created: true, Record: rec}
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrTerminal) {
			metrics.RecordsRejected.WithLabelValues("session_closed").Inc()
			return nil, fmt.Errorf("%w: %v", ErrSessionClosed, err)
		}
		if errors.Is(err, ErrSessionPaused) || errors.Is(err, ErrSessionClosed) {
			metrics.RecordsRejected.WithLabelValues("session_not_recording").Inc()
		}
		return nil, err
	}

	if out.Created {
		metrics.RecordsCreated.WithLabelValues(string(out.Record.Method)).Inc()
	} else {
		metrics.RecordsDuplicate.Inc()
	}
	return out, nil
}

// Confirm marks a record as confirmed by a lecturer. Only allowed while
// the owning session is non-terminal; confirming twice is a no-op success.
func (s *Service) Confirm(ctx context.Context, recordID, actor string) (*Record, error) {
	rec, err := s.store.Get(ctx, recordID)
	if err != nil {
		return nil, err
	}

	var confirmed *Record
	err = s.sessions.WithSession(ctx, rec.SessionID, func(ctx context.Context, sess *session.Session) error {
		if sess.Status.Terminal() {
			return fmt.Errorf("%w: %s", ErrSessionClosed, sess.Status)
		}
		// Re-read under the lock: a concurrent confirm may have won.
		cur, err := s.store.Get(ctx, recordID)
		if err != nil {
			return err
		}
		if cur.Confirmed {
			confirmed = cur
			return nil
		}
		if err := s.store.SetConfirmed(ctx, recordID, actor); err != nil {
			return fmt.Errorf("confirm record: %w", err)
		}
		cur.Confirmed = true
		cur.ConfirmedBy = &actor
		s.stats.RecordConfirmed(rec.SessionID)
		if snap, ok := s.stats.Snapshot(rec.SessionID); ok {
			s.pub.Publish(rec.SessionID, fanout.EventLiveStatsUpdated, snap)
		}
		confirmed = cur
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrTerminal) {
			return nil, fmt.Errorf("%w: %v", ErrSessionClosed, err)
		}
		return nil, err
	}
	return confirmed, nil
}
