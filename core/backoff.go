package core

import "time"

const (
	defaultBackoffBase       = time.Minute
	defaultBackoffMultiplier = 2
	defaultBackoffMax        = time.Hour
)

// BackoffScheduler computes the delay before a given retry attempt.
type BackoffScheduler interface {
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff is base * multiplier^(attempt-1), capped at max. With the
// defaults the schedule for attempts 1..5 is 60s, 120s, 240s, 480s, 960s.
type ExponentialBackoff struct {
	Base       time.Duration
	Multiplier int
	Max        time.Duration
}

func (b ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = defaultBackoffBase
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = defaultBackoffMultiplier
	}
	max := b.Max
	if max <= 0 {
		max = defaultBackoffMax
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= time.Duration(multiplier)
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

var _ BackoffScheduler = ExponentialBackoff{}
