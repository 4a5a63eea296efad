package session

import (
	"context"
	"database/sql"
	"errors"
)

// Store is the persistence the manager requires for sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Update(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	ListActive(ctx context.Context) ([]*Session, error)
}

// PGStore persists sessions in Postgres.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a Postgres-backed session store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (r *PGStore) Create(ctx context.Context, s *Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, course_code, course_name, lecturer_name, device_id, status, start_time, expected_count, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, s.ID, s.CourseCode, s.CourseName, s.LecturerName, s.DeviceID, string(s.Status), s.StartTime, s.ExpectedCount, s.Notes)
	return err
}

func (r *PGStore) Update(ctx context.Context, s *Session) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = $2, end_time = $3, notes = $4 WHERE id = $1
	`, s.ID, string(s.Status), s.EndTime, s.Notes)
	return err
}

func (r *PGStore) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, course_code, course_name, lecturer_name, device_id, status, start_time, end_time, expected_count, notes
		FROM sessions WHERE id = $1
	`, id)
	var s Session
	var status string
	if err := row.Scan(&s.ID, &s.CourseCode, &s.CourseName, &s.LecturerName, &s.DeviceID, &status, &s.StartTime, &s.EndTime, &s.ExpectedCount, &s.Notes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.Status = Status(status)
	return &s, nil
}

func (r *PGStore) ListActive(ctx context.Context) ([]*Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, course_code, course_name, lecturer_name, device_id, status, start_time, end_time, expected_count, notes
		FROM sessions WHERE status IN ('IN_PROGRESS','PAUSED')
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*Session
	for rows.Next() {
		var s Session
		var status string
		if err := rows.Scan(&s.ID, &s.CourseCode, &s.CourseName, &s.LecturerName, &s.DeviceID, &status, &s.StartTime, &s.EndTime, &s.ExpectedCount, &s.Notes); err != nil {
			return nil, err
		}
		s.Status = Status(status)
		res = append(res, &s)
	}
	return res, rows.Err()
}
