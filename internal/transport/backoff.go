package transport

import "time"

const (
	DefaultInitialBackoff = 800 * time.Millisecond
	DefaultMaxBackoff     = 8 * time.Second
	DefaultBackoffFactor  = 1.5
)

// backoff grows geometrically from initial to max and snaps back to initial
// after a successful open.
type backoff struct {
	initial time.Duration
	max     time.Duration
	factor  float64
	next    time.Duration
}

func newBackoff(initial, max time.Duration, factor float64) *backoff {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if max < initial {
		max = initial
	}
	if factor < 1 {
		factor = DefaultBackoffFactor
	}
	return &backoff{initial: initial, max: max, factor: factor, next: initial}
}

// Next returns the delay to wait before the upcoming attempt.
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next = min(time.Duration(float64(b.next)*b.factor), b.max)
	return d
}

func (b *backoff) Reset() {
	b.next = b.initial
}
