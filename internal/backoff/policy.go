// Package backoff maps dispatch outcomes to outbox state transitions.
// Decisions are pure: the clock and randomness both come in from outside.
package backoff

import (
	"math/rand"
	"time"

	"github.com/avelikov/herald/internal/channel"
)

// TransitionKind is the store transition a decision resolves to.
type TransitionKind int

const (
	Sent       TransitionKind = iota
	Reschedule                // back to pending with a later next_attempt_at
	Failed                    // terminal
)

// Transition is the decided next state for an outbox row.
type Transition struct {
	Kind          TransitionKind
	NextAttemptAt time.Time // set for Reschedule
	Unlink        bool      // clear the recipient's channel binding
	Reason        string    // recorded as last_error for non-success outcomes
}

// Config holds retry tuning.
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts caps transient retries. Rate-limit retries are exempt:
	// channel-imposed throttling is not a fault and may go on indefinitely.
	MaxAttempts int
}

// Policy decides transitions for dispatch outcomes.
type Policy struct {
	cfg    Config
	jitter func() float64 // uniform in [0,1)
}

// New creates a policy. A nil jitter source falls back to math/rand.
func New(cfg Config, jitter func() float64) *Policy {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 30 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 15 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if jitter == nil {
		jitter = rand.Float64
	}
	return &Policy{cfg: cfg, jitter: jitter}
}

// Decide maps one dispatch outcome to the row's next transition. attempts is
// the count of attempts completed before this one.
func (p *Policy) Decide(outcome channel.Outcome, attempts int, now time.Time) Transition {
	switch outcome.Kind {
	case channel.Success:
		return Transition{Kind: Sent}

	case channel.RateLimited:
		return Transition{
			Kind:          Reschedule,
			NextAttemptAt: now.Add(outcome.RetryAfter),
			Reason:        outcome.Detail,
		}

	case channel.IdentityRevoked:
		return Transition{Kind: Failed, Unlink: true, Reason: outcome.Detail}

	case channel.Transient:
		if attempts+1 >= p.cfg.MaxAttempts {
			return Transition{Kind: Failed, Reason: outcome.Detail}
		}
		return Transition{
			Kind:          Reschedule,
			NextAttemptAt: now.Add(p.delay(attempts)),
			Reason:        outcome.Detail,
		}

	default: // channel.Permanent
		return Transition{Kind: Failed, Reason: outcome.Detail}
	}
}

// delay is min(base << attempts, max) with up to 10% shaved off at random,
// so a burst of rows rescheduled together does not reclaim in lockstep.
func (p *Policy) delay(attempts int) time.Duration {
	d := p.cfg.BaseDelay
	for i := 0; i < attempts && d < p.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > p.cfg.MaxDelay {
		d = p.cfg.MaxDelay
	}

	return d - time.Duration(p.jitter()*0.1*float64(d))
}
