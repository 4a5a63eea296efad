package identity

import (
	"context"
	"fmt"
)

// Directory resolves an index number against the global student directory.
// A miss is reported via ok=false, never as an error.
type Directory interface {
	Lookup(ctx context.Context, indexNumber string) (displayName string, ok bool, err error)
}

// Roster resolves an index number against a session's expected roster.
type Roster interface {
	Lookup(ctx context.Context, sessionID, indexNumber string) (displayName string, ok bool, err error)
}

// Verifier is the external biometric match oracle.
type Verifier interface {
	Verify(ctx context.Context, template, provider string, modality Modality) (studentKey string, matched bool, err error)
}

// Precedence picks which source wins when both the directory and the
// session roster know an index number. The source history is inconsistent
// here, so it is an explicit policy rather than a hardcoded order.
type Precedence string

const (
	PrecedenceDirectory Precedence = "directory"
	PrecedenceRoster    Precedence = "roster"
)

// ParsePrecedence validates a configured precedence value.
func ParsePrecedence(s string) (Precedence, error) {
	switch Precedence(s) {
	case PrecedenceDirectory, PrecedenceRoster:
		return Precedence(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPrecedence, s)
}

// Result is the canonical outcome of identity resolution. Found=false is a
// normal, retryable outcome, distinct from a malformed payload error.
type Result struct {
	Found       bool
	StudentKey  string
	DisplayName string
}

// NotFound is the zero resolution result.
var NotFound = Result{}

// Resolver normalizes raw verification payloads from all channels into a
// canonical student key.
type Resolver struct {
	dir        Directory
	roster     Roster
	verify     Verifier
	precedence Precedence
}

// NewResolver wires a resolver from its collaborators.
func NewResolver(dir Directory, roster Roster, verify Verifier, precedence Precedence) *Resolver {
	if precedence == "" {
		precedence = PrecedenceDirectory
	}
	return &Resolver{dir: dir, roster: roster, verify: verify, precedence: precedence}
}

// Resolve turns a payload into a canonical student key or a not-found
// result. It performs directory and oracle I/O and must be called before
// entering any session critical section.
func (r *Resolver) Resolve(ctx context.Context, sessionID string, p Payload) (Result, error) {
	if p == nil {
		return NotFound, fmt.Errorf("%w: nil payload", ErrMalformedPayload)
	}
	if err := p.validate(); err != nil {
		return NotFound, err
	}

	switch v := p.(type) {
	case QRPayload:
		content, err := v.decode()
		if err != nil {
			return NotFound, err
		}
		return r.lookupIndex(ctx, sessionID, content.IndexNumber)

	case ManualPayload:
		return r.lookupIndex(ctx, sessionID, v.IndexNumber)

	case LinkPayload:
		return r.lookupIndex(ctx, sessionID, v.IndexNumber)

	case BiometricPayload:
		key, matched, err := r.verify.Verify(ctx, v.Template, v.Provider, v.Modality)
		if err != nil {
			return NotFound, fmt.Errorf("biometric verify: %w", err)
		}
		if !matched {
			return NotFound, nil
		}
		key = NormalizeIndex(key)
		name, ok, err := r.dir.Lookup(ctx, key)
		if err != nil {
			return NotFound, fmt.Errorf("directory lookup: %w", err)
		}
		if !ok {
			name = key
		}
		return Result{Found: true, StudentKey: key, DisplayName: name}, nil
	}
	return NotFound, fmt.Errorf("%w: unsupported payload %T", ErrMalformedPayload, p)
}

func (r *Resolver) lookupIndex(ctx context.Context, sessionID, index string) (Result, error) {
	key := NormalizeIndex(index)

	first, second := r.directoryLookup, r.rosterLookup(sessionID)
	if r.precedence == PrecedenceRoster {
		first, second = second, first
	}

	name, ok, err := first(ctx, key)
	if err != nil {
		return NotFound, err
	}
	if !ok {
		name, ok, err = second(ctx, key)
		if err != nil {
			return NotFound, err
		}
	}
	if !ok {
		return NotFound, nil
	}
	if name == "" {
		name = key
	}
	return Result{Found: true, StudentKey: key, DisplayName: name}, nil
}

func (r *Resolver) directoryLookup(ctx context.Context, key string) (string, bool, error) {
	name, ok, err := r.dir.Lookup(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("directory lookup: %w", err)
	}
	return name, ok, nil
}

func (r *Resolver) rosterLookup(sessionID string) func(ctx context.Context, key string) (string, bool, error) {
	return func(ctx context.Context, key string) (string, bool, error) {
		if r.roster == nil {
			return "", false, nil
		}
		name, ok, err := r.roster.Lookup(ctx, sessionID, key)
		if err != nil {
			return "", false, fmt.Errorf("roster lookup: %w", err)
		}
		return name, ok, nil
	}
}
