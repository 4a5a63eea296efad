package record

import "errors"

var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrSessionPaused    = errors.New("session is paused")
	ErrSessionClosed    = errors.New("session has ended")
	ErrRecordNotFound   = errors.New("record not found")
)
