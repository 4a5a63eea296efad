package linkmark

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func ptr(f float64) *float64 { return &f }

func TestIssueAndRedeem(t *testing.T) {
	iss := NewIssuer()
	defer iss.Stop()

	tok := iss.Issue("s1", time.Minute, 2, nil)
	if tok.SessionID != "s1" || tok.Remaining != 2 {
		t.Fatalf("token = %+v", tok)
	}

	sessionID, err := iss.Redeem(tok.ID, nil, nil)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if sessionID != "s1" {
		t.Errorf("session = %s, want s1", sessionID)
	}
}

func TestRedeemUnknownToken(t *testing.T) {
	iss := NewIssuer()
	defer iss.Stop()

	if _, err := iss.Redeem("nope", nil, nil); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestRedeemExpiredToken(t *testing.T) {
	iss := NewIssuer()
	defer iss.Stop()

	tok := iss.Issue("s1", time.Millisecond, 1, nil)
	time.Sleep(20 * time.Millisecond)
	if _, err := iss.Redeem(tok.ID, nil, nil); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestMaxUsesEnforcedUnderConcurrency(t *testing.T) {
	iss := NewIssuer()
	defer iss.Stop()

	tok := iss.Issue("s1", time.Minute, 3, nil)

	const callers = 20
	var ok, exhausted int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := iss.Redeem(tok.ID, nil, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrTokenExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 3 {
		t.Errorf("successful redeems = %d, want 3", ok)
	}
	if exhausted != callers-3 {
		t.Errorf("exhausted = %d, want %d", exhausted, callers-3)
	}
}

func TestGeofence(t *testing.T) {
	iss := NewIssuer()
	defer iss.Stop()

	// 100m circle around the lecture hall.
	fence := &Geofence{Lat: 5.6037, Lng: -0.1870, RadiusM: 100}
	tok := iss.Issue("s1", time.Minute, 10, fence)

	if _, err := iss.Redeem(tok.ID, nil, nil); !errors.Is(err, ErrLocationRequired) {
		t.Errorf("no location err = %v, want ErrLocationRequired", err)
	}

	// A point ~5km away.
	if _, err := iss.Redeem(tok.ID, ptr(5.65), ptr(-0.19)); !errors.Is(err, ErrOutsideFence) {
		t.Errorf("far away err = %v, want ErrOutsideFence", err)
	}

	// Inside the hall.
	if _, err := iss.Redeem(tok.ID, ptr(5.6038), ptr(-0.1871)); err != nil {
		t.Errorf("inside fence err = %v", err)
	}
}

func TestDistance(t *testing.T) {
	// One degree of latitude is about 111km.
	d := distanceM(0, 0, 1, 0)
	if d < 110000 || d > 112000 {
		t.Errorf("distance = %f, want ~111km", d)
	}
	if d := distanceM(5.6, -0.18, 5.6, -0.18); d != 0 {
		t.Errorf("zero distance = %f", d)
	}
}
