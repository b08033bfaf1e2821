package bus

import "time"

// Backoff is a capped exponential delay curve: Base doubled per attempt
// by Factor, never exceeding Cap. Attempt 1 waits Base.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultBackoff is the publish retry policy used when nothing is
// configured: 500ms base, doubling, capped at 30s, five attempts.
func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, Factor: 2, Cap: 30 * time.Second, MaxAttempts: 5}
}

// Delay returns the wait before the given attempt (1-based). Attempt 0
// and negative attempts wait nothing.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(b.Base)
	for i := 1; i < attempt; i++ {
		d *= b.Factor
		if time.Duration(d) >= b.Cap {
			return b.Cap
		}
	}
	if b.Cap > 0 && time.Duration(d) > b.Cap {
		return b.Cap
	}
	return time.Duration(d)
}
