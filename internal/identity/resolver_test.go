package identity

import (
	"context"
	"errors"
	"testing"
)

type fakeDirectory map[string]string

func (d fakeDirectory) Lookup(_ context.Context, index string) (string, bool, error) {
	name, ok := d[index]
	return name, ok, nil
}

type failingDirectory struct{}

func (failingDirectory) Lookup(context.Context, string) (string, bool, error) {
	return "", false, errors.New("directory down")
}

type fakeVerifier struct {
	key     string
	matched bool
}

func (v fakeVerifier) Verify(context.Context, string, string, Modality) (string, bool, error) {
	return v.key, v.matched, nil
}

func testRoster(sessionID string, entries ...RosterEntry) *MemoryRoster {
	r := NewMemoryRoster()
	r.Load(sessionID, entries)
	return r
}

func TestResolveManual(t *testing.T) {
	dir := fakeDirectory{"2024001": "Ama Mensah"}
	r := NewResolver(dir, NewMemoryRoster(), fakeVerifier{}, PrecedenceDirectory)

	res, err := r.Resolve(context.Background(), "s1", ManualPayload{IndexNumber: " 2024001 "})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Found || res.StudentKey != "2024001" || res.DisplayName != "Ama Mensah" {
		t.Errorf("result = %+v", res)
	}

	// Unknown index is not-found, never an error.
	res, err = r.Resolve(context.Background(), "s1", ManualPayload{IndexNumber: "9999999"})
	if err != nil {
		t.Fatalf("resolve unknown: %v", err)
	}
	if res.Found {
		t.Errorf("unknown index resolved: %+v", res)
	}
}

func TestResolveMalformedPayloads(t *testing.T) {
	r := NewResolver(fakeDirectory{}, NewMemoryRoster(), fakeVerifier{}, PrecedenceDirectory)
	ctx := context.Background()

	cases := []struct {
		name    string
		payload Payload
	}{
		{"nil payload", nil},
		{"empty manual", ManualPayload{IndexNumber: "  "}},
		{"empty qr", QRPayload{}},
		{"qr not json", QRPayload{Raw: []byte("not-json")}},
		{"qr missing index", QRPayload{Raw: []byte(`{"name":"Ama"}`)}},
		{"biometric no template", BiometricPayload{Modality: ModalityFace}},
		{"biometric bad modality", BiometricPayload{Template: "t", Modality: "iris"}},
		{"link no token", LinkPayload{IndexNumber: "2024001"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.Resolve(ctx, "s1", tc.payload); !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("err = %v, want ErrMalformedPayload", err)
			}
		})
	}
}

func TestResolveQR(t *testing.T) {
	dir := fakeDirectory{"2024001": "Ama Mensah"}
	r := NewResolver(dir, NewMemoryRoster(), fakeVerifier{}, PrecedenceDirectory)

	// Embedded name is a display hint only; directory identity wins.
	res, err := r.Resolve(context.Background(), "s1",
		QRPayload{Raw: []byte(`{"index_number":"2024001","name":"Someone Else"}`)})
	if err != nil {
		t.Fatalf("resolve qr: %v", err)
	}
	if !res.Found || res.DisplayName != "Ama Mensah" {
		t.Errorf("result = %+v", res)
	}
}

func TestResolveBiometric(t *testing.T) {
	dir := fakeDirectory{"2024001": "Ama Mensah"}

	r := NewResolver(dir, NewMemoryRoster(), fakeVerifier{key: "2024001", matched: true}, PrecedenceDirectory)
	res, err := r.Resolve(context.Background(), "s1", BiometricPayload{Template: "blob", Provider: "acme", Modality: ModalityFingerprint})
	if err != nil {
		t.Fatalf("resolve biometric: %v", err)
	}
	if !res.Found || res.StudentKey != "2024001" {
		t.Errorf("result = %+v", res)
	}

	// No-match from the oracle is a plain not-found.
	r = NewResolver(dir, NewMemoryRoster(), fakeVerifier{}, PrecedenceDirectory)
	res, err = r.Resolve(context.Background(), "s1", BiometricPayload{Template: "blob", Modality: ModalityFace})
	if err != nil {
		t.Fatalf("resolve no-match: %v", err)
	}
	if res.Found {
		t.Errorf("no-match resolved: %+v", res)
	}
}

func TestResolvePrecedence(t *testing.T) {
	dir := fakeDirectory{"2024001": "Directory Name"}
	roster := testRoster("s1", RosterEntry{IndexNumber: "2024001", FullName: "Roster Name"})

	cases := []struct {
		precedence Precedence
		wantName   string
	}{
		{PrecedenceDirectory, "Directory Name"},
		{PrecedenceRoster, "Roster Name"},
	}
	for _, tc := range cases {
		t.Run(string(tc.precedence), func(t *testing.T) {
			r := NewResolver(dir, roster, fakeVerifier{}, tc.precedence)
			res, err := r.Resolve(context.Background(), "s1", ManualPayload{IndexNumber: "2024001"})
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if res.DisplayName != tc.wantName {
				t.Errorf("display name = %q, want %q", res.DisplayName, tc.wantName)
			}
		})
	}
}

func TestResolveFallsBackToSecondSource(t *testing.T) {
	// Student only on the roster: directory-first must still find them.
	roster := testRoster("s1", RosterEntry{IndexNumber: "2024002", FullName: "Kofi Boateng"})
	r := NewResolver(fakeDirectory{}, roster, fakeVerifier{}, PrecedenceDirectory)

	res, err := r.Resolve(context.Background(), "s1", ManualPayload{IndexNumber: "2024002"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Found || res.DisplayName != "Kofi Boateng" {
		t.Errorf("result = %+v", res)
	}

	// The roster is per session.
	res, err = r.Resolve(context.Background(), "other", ManualPayload{IndexNumber: "2024002"})
	if err != nil {
		t.Fatalf("resolve other session: %v", err)
	}
	if res.Found {
		t.Errorf("roster leaked across sessions: %+v", res)
	}
}

func TestResolveDirectoryErrorPropagates(t *testing.T) {
	r := NewResolver(failingDirectory{}, NewMemoryRoster(), fakeVerifier{}, PrecedenceDirectory)
	if _, err := r.Resolve(context.Background(), "s1", ManualPayload{IndexNumber: "2024001"}); err == nil {
		t.Error("expected error from failing directory")
	}
}

func TestParsePrecedence(t *testing.T) {
	if _, err := ParsePrecedence("roster"); err != nil {
		t.Errorf("roster: %v", err)
	}
	if _, err := ParsePrecedence("nonsense"); !errors.Is(err, ErrUnknownPrecedence) {
		t.Errorf("nonsense = %v, want ErrUnknownPrecedence", err)
	}
}
