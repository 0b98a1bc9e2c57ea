// Package reconnect implements the exponential-backoff schedule driving
// the client session's reconnect controller (§4.10). The state that
// actually needs wiping and replaying on disconnect (resolvedEdges,
// pending, pendingTerminals, ...) lives in internal/client/session,
// which owns a Scheduler the way it owns its other small collaborators;
// this package is deliberately just the backoff arithmetic and the
// retry-exhaustion flag, so it can be tested in isolation from any
// transport or session state.
package reconnect

import (
	"math"
	"time"
)

// Scheduler computes reconnect delays and tracks retry exhaustion.
// First attempt has delay 0; subsequent attempts back off exponentially
// capped at MaxDelay.
type Scheduler struct {
	MaxRetries   int // negative means unlimited
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	attempt   int
	exhausted bool
}

// NewScheduler builds a Scheduler with the given backoff parameters.
func NewScheduler(maxRetries int, initialDelay, maxDelay time.Duration, multiplier float64) *Scheduler {
	if multiplier <= 0 {
		multiplier = 2
	}
	return &Scheduler{
		MaxRetries:   maxRetries,
		InitialDelay: initialDelay,
		MaxDelay:     maxDelay,
		Multiplier:   multiplier,
	}
}

// NextDelay returns how long to wait before the next reconnect attempt.
// ok is false once MaxRetries attempts have already been handed out —
// the caller should treat this as exhausted and stop retrying.
func (s *Scheduler) NextDelay() (time.Duration, bool) {
	if s.MaxRetries >= 0 && s.attempt >= s.MaxRetries {
		s.exhausted = true
		return 0, false
	}
	var d time.Duration
	if s.attempt == 0 {
		d = 0
	} else {
		d = time.Duration(float64(s.InitialDelay) * math.Pow(s.Multiplier, float64(s.attempt-1)))
		if d > s.MaxDelay {
			d = s.MaxDelay
		}
	}
	s.attempt++
	return d, true
}

// Exhausted reports whether the last NextDelay call ran out of retries.
func (s *Scheduler) Exhausted() bool {
	return s.exhausted
}

// Reset clears the attempt counter and exhaustion flag, e.g. on a
// successful reconnect or a manual reconnect() call (§4.10).
func (s *Scheduler) Reset() {
	s.attempt = 0
	s.exhausted = false
}
