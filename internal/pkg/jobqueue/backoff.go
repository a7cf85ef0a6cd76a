package jobqueue

import (
	"math/rand"
	"time"
)

type BackoffConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		BaseDelay: 10 * time.Second,
		MaxDelay:  30 * time.Minute,
	}
}

func (c BackoffConfig) normalized() BackoffConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	return c
}

// maxShift keeps BaseDelay << shift inside int64.
const maxShift = 30

// NextRunAt computes the next attempt time using exponential backoff with
// full jitter. attempt is the number of attempts already made (1 => up to
// BaseDelay).
func NextRunAt(now time.Time, attempt int, cfg BackoffConfig, rng *rand.Rand) time.Time {
	cfg = cfg.normalized()
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxShift {
		shift = maxShift
	}

	delay := cfg.BaseDelay << shift
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	jitter := time.Duration(rng.Int63n(int64(delay) + 1))
	return now.Add(jitter).UTC()
}
