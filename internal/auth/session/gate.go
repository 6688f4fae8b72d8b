package session

import (
	"time"

	"github.com/pysugar/issuebridge/internal/apperr"
	"github.com/pysugar/issuebridge/internal/config"
)

// Decision is the outcome of Gate.Authorize. Reason is empty when Allowed.
type Decision struct {
	Allowed bool
	Reason  apperr.Kind
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(k apperr.Kind) Decision { return Decision{Reason: k} }

// Err converts a denial into a typed error.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apperr.New(d.Reason, "access denied")
}

// Gate decides access from the session payload and a fixed allow-list.
// It never touches the network or the store.
type Gate struct {
	allow config.AllowList
	now   func() time.Time
}

func NewGate(allowList config.AllowList) *Gate {
	return &Gate{allow: allowList, now: time.Now}
}

// Authorize returns Allowed or Denied with NoSession, NotAllowListed or
// Expired. An unlisted login is denied as NotAllowListed even when expired.
func (g *Gate) Authorize(s *Session) Decision {
	if s == nil || s.UserID == "" {
		return deny(apperr.KindNoSession)
	}
	if !g.allow.Contains(s.Login) {
		return deny(apperr.KindNotAllowListed)
	}
	if !g.now().Before(s.ExpiresAt) {
		return deny(apperr.KindExpired)
	}
	return allow()
}

// MillisecondsToExpiry is negative or zero once the session has expired.
func (g *Gate) MillisecondsToExpiry(s Session) int64 {
	return MillisecondsToExpiry(s, g.now())
}

// MillisecondsToExpiry computes the remaining lifetime of s at now.
func MillisecondsToExpiry(s Session, now time.Time) int64 {
	return s.ExpiresAt.Sub(now).Milliseconds()
}
