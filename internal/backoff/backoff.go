// Package backoff computes retry delays for failed job attempts.
package backoff

import "time"

// Policy doubles the delay for every finished attempt.
// Delay = min(Base * 2^attempts, Max).
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Default is 30s base capped at one hour.
func Default() Policy {
	return Policy{Base: 30 * time.Second, Max: time.Hour}
}

// Delay returns the wait before the next run given the number of attempts
// already made. A zero Max leaves the delay uncapped.
func (p Policy) Delay(attempts int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}

	d := p.Base
	for i := 0; i < attempts; i++ {
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
		// Stop before the shift overflows int64.
		if d > (1<<62)/2 {
			if p.Max > 0 {
				return p.Max
			}
			return time.Duration(1<<63 - 1)
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Next returns the earliest time the descriptor may run again.
func (p Policy) Next(now time.Time, attempts int) time.Time {
	return now.Add(p.Delay(attempts))
}
