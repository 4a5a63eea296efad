package record

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rollcall/internal/identity"
)

// Record is one student's attendance in one session. The engine guarantees
// at most one record per (session, student key) pair.
type Record struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	StudentKey  string          `json:"student_key"`
	DisplayName string          `json:"display_name,omitempty"`
	Method      identity.Method `json:"method"`
	ScanTime    time.Time       `json:"scan_time"`
	Confirmed   bool            `json:"confirmed"`
	ConfirmedBy *string         `json:"confirmed_by,omitempty"`
}

// Store is the persistence the recording service requires.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	GetByStudent(ctx context.Context, sessionID, studentKey string) (*Record, error)
	SetConfirmed(ctx context.Context, id, actor string) error
	MethodCounts(ctx context.Context, sessionID string) (byMethod map[identity.Method]int, confirmed int, err error)
}

// PGStore persists records in Postgres. The unique index on
// (session_id, student_key) backs up the in-process uniqueness check.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a Postgres-backed record store.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (r *PGStore) Insert(ctx context.Context, rec *Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, session_id, student_key, display_name, method, scan_time, confirmed, confirmed_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.ID, rec.SessionID, rec.StudentKey, rec.DisplayName, string(rec.Method), rec.ScanTime, rec.Confirmed, rec.ConfirmedBy)
	return err
}

func (r *PGStore) Get(ctx context.Context, id string) (*Record, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT id, session_id, student_key, display_name, method, scan_time, confirmed, confirmed_by
		FROM attendance_records WHERE id = $1
	`, id))
}

func (r *PGStore) GetByStudent(ctx context.Context, sessionID, studentKey string) (*Record, error) {
	rec, err := r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT id, session_id, student_key, display_name, method, scan_time, confirmed, confirmed_by
		FROM attendance_records WHERE session_id = $1 AND student_key = $2
	`, sessionID, studentKey))
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	return rec, err
}

func (r *PGStore) scanOne(row *sql.Row) (*Record, error) {
	var rec Record
	var method string
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentKey, &rec.DisplayName, &method, &rec.ScanTime, &rec.Confirmed, &rec.ConfirmedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	rec.Method = identity.Method(method)
	return &rec, nil
}

func (r *PGStore) SetConfirmed(ctx context.Context, id, actor string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records SET confirmed = TRUE, confirmed_by = $2 WHERE id = $1
	`, id, actor)
	return err
}

func (r *PGStore) MethodCounts(ctx context.Context, sessionID string) (map[identity.Method]int, int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT method, COUNT(*), COUNT(*) FILTER (WHERE confirmed)
		FROM attendance_records WHERE session_id = $1 GROUP BY method
	`, sessionID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	byMethod := make(map[identity.Method]int)
	confirmed := 0
	for rows.Next() {
		var method string
		var n, c int
		if err := rows.Scan(&method, &n, &c); err != nil {
			return nil, 0, err
		}
		byMethod[identity.Method(method)] = n
		confirmed += c
	}
	return byMethod, confirmed, rows.Err()
}
