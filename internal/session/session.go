package session

import "time"

// Status is the lifecycle state of a recording session.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusPaused     Status = "PAUSED"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusInProgress, StatusPaused, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Session is a single attendance recording session for a class or exam.
// EndTime is set exactly when the session reaches a terminal status.
type Session struct {
	ID            string     `json:"id"`
	CourseCode    string     `json:"course_code"`
	CourseName    string     `json:"course_name,omitempty"`
	LecturerName  string     `json:"lecturer_name,omitempty"`
	DeviceID      string     `json:"device_id"`
	Status        Status     `json:"status"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	ExpectedCount int        `json:"expected_student_count,omitempty"`
	Notes         string     `json:"notes,omitempty"`
}

// StartInput carries the fields a recorder device supplies to open a session.
type StartInput struct {
	CourseCode    string
	CourseName    string
	LecturerName  string
	DeviceID      string
	ExpectedCount int
	Notes         string
}

// Summary is returned when a session reaches a terminal status.
type Summary struct {
	TotalRecorded int           `json:"total_recorded"`
	Confirmed     int           `json:"confirmed"`
	Duration      time.Duration `json:"duration"`
}

// clone returns a copy safe to mutate while readers hold the old pointer.
func (s *Session) clone() *Session {
	c := *s
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	return &c
}
