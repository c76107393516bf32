package transport

import (
	"math"
	"math/rand"
	"time"

	"iso-builder/internal/config"
)

// Policy is the reconnect and downgrade policy of a connector.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts bounds consecutive failed connection attempts before the
	// connector gives up and reports Failed.
	MaxAttempts int
	// FallbackAfter is the number of consecutive failures after which the
	// polling transport is forced for every later attempt.
	FallbackAfter  int
	ConnectTimeout time.Duration
	Jitter         bool
}

// PolicyFromConfig maps the sync section of the config onto a Policy.
func PolicyFromConfig(cfg config.SyncConfig) Policy {
	return Policy{
		BaseDelay:      cfg.ReconnectDelay,
		MaxDelay:       cfg.ReconnectDelayMax,
		MaxAttempts:    cfg.ReconnectAttempts,
		FallbackAfter:  cfg.FallbackAfter,
		ConnectTimeout: cfg.ConnectTimeout,
		Jitter:         true,
	}.withDefaults()
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.FallbackAfter < 0 {
		p.FallbackAfter = 0
	}
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = 20 * time.Second
	}
	return p
}

// Delay returns the wait before retry number attempt (1-based): the base
// delay doubled per attempt and capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.BaseDelay
	}
	exp := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(exp)
}

// KindFor picks the transport for the next attempt given the number of
// consecutive failures so far.
func (p Policy) KindFor(failures int) Kind {
	if failures > p.FallbackAfter {
		return KindPolling
	}
	return KindWebSocket
}

// Exhausted reports whether failures reached the attempt ceiling.
func (p Policy) Exhausted(failures int) bool {
	return failures >= p.MaxAttempts
}

// withJitter spreads wait over [wait/2, wait) so a fleet of observers does
// not reconnect in lockstep.
func withJitter(wait time.Duration) time.Duration {
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
