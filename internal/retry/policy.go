// Package retry implements attempt budgeting with exponential backoff.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/pricemesh/errs"
)

// Policy describes how failed calls against a source are retried.
type Policy struct {
	// MaxAttempts caps total attempts per call, first try included.
	MaxAttempts int `yaml:"maxAttempts"`

	// BaseDelay seeds the exponential schedule.
	BaseDelay time.Duration `yaml:"baseDelay"`

	// MaxDelay caps any single delay.
	MaxDelay time.Duration `yaml:"maxDelay"`

	// Jitter is the randomization factor applied to each delay, in [0, 1].
	Jitter float64 `yaml:"jitter"`
}

// DefaultPolicy returns the retry parameters applied when a source has no
// explicit configuration.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.2,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 500 * time.Millisecond
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Decision reports whether a failed attempt should be retried and after how
// long.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Sequence tracks the attempt budget for a single logical call.
type Sequence struct {
	policy   Policy
	schedule *backoff.ExponentialBackOff
	attempts int
}

// Start begins a fresh attempt sequence governed by the policy.
func (p Policy) Start() *Sequence {
	p = p.normalized()
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = p.BaseDelay
	schedule.Multiplier = 2
	schedule.MaxInterval = p.MaxDelay
	schedule.RandomizationFactor = p.Jitter
	schedule.Reset()
	return &Sequence{policy: p, schedule: schedule}
}

// Begin records the start of the next attempt and returns its number,
// counting from one.
func (s *Sequence) Begin() int {
	s.attempts++
	return s.attempts
}

// Next classifies a failed attempt and decides whether the sequence may
// continue. Permanent and cancelled failures stop immediately; throttled and
// transient failures retry until the attempt budget is spent.
func (s *Sequence) Next(err error) Decision {
	if !errs.IsRetryable(err) {
		return Decision{}
	}
	if s.attempts >= s.policy.MaxAttempts {
		return Decision{}
	}
	delay := s.schedule.NextBackOff()
	if delay == backoff.Stop {
		delay = s.policy.MaxDelay
	}
	return Decision{Retry: true, Delay: delay}
}

// Attempts reports how many attempts the sequence has begun.
func (s *Sequence) Attempts() int {
	return s.attempts
}
