package linkmark

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

var (
	ErrTokenInvalid     = errors.New("link token invalid or expired")
	ErrTokenExhausted   = errors.New("link token has no uses left")
	ErrOutsideFence     = errors.New("location outside allowed area")
	ErrLocationRequired = errors.New("location required for this link")
)

// Geofence restricts redemption to a circle around a point.
type Geofence struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	RadiusM float64 `json:"radius_m"`
}

// Token is an issued self-mark link. Tokens live only in memory; link
// issuance is administrative and reissue after a restart is acceptable.
type Token struct {
	ID        string    `json:"token"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Remaining int       `json:"remaining_uses"`
	Fence     *Geofence `json:"geofence,omitempty"`
}

// Issuer hands out and redeems session-scoped self-mark tokens, expiring
// them via the TTL cache.
type Issuer struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, *Token]
}

// NewIssuer creates an issuer. The background janitor evicts expired tokens.
func NewIssuer() *Issuer {
	cache := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, *Token](),
	)
	go cache.Start()
	return &Issuer{cache: cache}
}

// Stop terminates the eviction janitor.
func (i *Issuer) Stop() {
	i.cache.Stop()
}

// Issue creates a token for a session with the given constraints.
func (i *Issuer) Issue(sessionID string, ttl time.Duration, maxUses int, fence *Geofence) *Token {
	if maxUses <= 0 {
		maxUses = 1
	}
	t := &Token{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ExpiresAt: time.Now().UTC().Add(ttl),
		Remaining: maxUses,
		Fence:     fence,
	}
	i.cache.Set(t.ID, t, ttl)
	return t
}

// Redeem consumes one use of a token, enforcing expiry, the uses counter
// and the geofence. It returns the session the token is scoped to.
func (i *Issuer) Redeem(tokenID string, lat, lng *float64) (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	item := i.cache.Get(tokenID)
	if item == nil {
		return "", ErrTokenInvalid
	}
	t := item.Value()
	if t.Remaining <= 0 {
		return "", ErrTokenExhausted
	}
	if t.Fence != nil {
		if lat == nil || lng == nil {
			return "", ErrLocationRequired
		}
		if distanceM(t.Fence.Lat, t.Fence.Lng, *lat, *lng) > t.Fence.RadiusM {
			return "", ErrOutsideFence
		}
	}
	t.Remaining--
	return t.SessionID, nil
}

// distanceM is the haversine distance between two points in meters.
func distanceM(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusM = 6371000.0
	rad := math.Pi / 180.0
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
