package identity

import "errors"

var (
	ErrMalformedPayload  = errors.New("malformed verification payload")
	ErrUnknownPrecedence = errors.New("unknown resolve precedence")
)
