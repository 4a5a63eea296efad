package session

import "errors"

var (
	ErrNotFound          = errors.New("session not found")
	ErrTerminal          = errors.New("session already ended")
	ErrIllegalTransition = errors.New("illegal session transition")
	ErrMissingCourse     = errors.New("course code required")
	ErrMissingDevice     = errors.New("device id required")
)
