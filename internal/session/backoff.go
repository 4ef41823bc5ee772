package session

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Sequence is the reconnect schedule: attempt n waits Steps[n], and the last
// step is reused once attempts run past the end.
type Sequence []time.Duration

func (s Sequence) Delay(attempt int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(s) {
		return s[len(s)-1]
	}
	return s[attempt]
}

// Policy decides how long to wait between connection attempts and when to
// give up.
type Policy struct {
	Steps Sequence
	// MaxAttempts below zero means unlimited; Every is then used between attempts.
	MaxAttempts int
	Every       time.Duration
}

func (p Policy) Unlimited() bool { return p.MaxAttempts < 0 }

// BackOff returns a fresh backoff.BackOff walking the policy.
func (p Policy) BackOff() backoff.BackOff {
	if p.Unlimited() {
		return backoff.NewConstantBackOff(p.Every)
	}
	return &sequenceBackOff{steps: p.Steps}
}

type sequenceBackOff struct {
	steps   Sequence
	attempt int
}

func (b *sequenceBackOff) NextBackOff() time.Duration {
	d := b.steps.Delay(b.attempt)
	b.attempt++
	return d
}

func (b *sequenceBackOff) Reset() { b.attempt = 0 }
