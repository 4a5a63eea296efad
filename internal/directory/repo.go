package directory

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Student is a provisioned directory entry.
type Student struct {
	IndexNumber string    `json:"index_number"`
	FullName    string    `json:"full_name"`
	Program     *string   `json:"program,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Repo persists the student directory in Postgres.
type Repo struct {
	db *sql.DB
}

// NewRepo creates a directory repo.
func NewRepo(db *sql.DB) *Repo {
	return &Repo{db: db}
}

// Get returns a student by index number, or nil when absent.
func (r *Repo) Get(ctx context.Context, indexNumber string) (*Student, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT index_number, full_name, program, created_at
		FROM students WHERE index_number = $1
	`, indexNumber)
	var s Student
	if err := row.Scan(&s.IndexNumber, &s.FullName, &s.Program, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// Upsert creates or updates a directory entry.
func (r *Repo) Upsert(ctx context.Context, indexNumber, fullName string, program *string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO students (index_number, full_name, program)
		VALUES ($1, $2, $3)
		ON CONFLICT (index_number) DO UPDATE SET
			full_name = EXCLUDED.full_name,
			program = COALESCE(EXCLUDED.program, students.program),
			updated_at = NOW()
	`, indexNumber, fullName, program)
	return err
}

// Lookup adapts the repo to the resolver's Directory interface. A missing
// student is ok=false, not an error.
func (r *Repo) Lookup(ctx context.Context, indexNumber string) (string, bool, error) {
	s, err := r.Get(ctx, indexNumber)
	if err != nil {
		return "", false, err
	}
	if s == nil {
		return "", false, nil
	}
	return s.FullName, true, nil
}
