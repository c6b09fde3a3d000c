// Package retry runs operations under a bounded, per-kind retry policy with
// exponential backoff and jitter.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/taginventory/internal/errs"
)

// Policy bounds retries per failure kind. A kind absent from Attempts is
// not retried.
type Policy struct {
	Attempts     map[errs.Kind]int // total attempts allowed, including the first
	InitialDelay time.Duration     // Default is 1 second.
	MaxDelay     time.Duration     // Default is 30 seconds.

	// Sleep waits between attempts. Tests replace it to run instantly.
	Sleep func(ctx context.Context, d time.Duration) error
}

// SearchPolicy is the per-branch policy: throttling and timeouts get three
// attempts, an unavailable index is retried once.
func SearchPolicy(initial, max time.Duration) Policy {
	return Policy{
		Attempts: map[errs.Kind]int{
			errs.Throttled:        3,
			errs.Timeout:          3,
			errs.IndexUnavailable: 2,
		},
		InitialDelay: initial,
		MaxDelay:     max,
	}
}

// WritePolicy retries transient store errors up to three attempts.
func WritePolicy(initial, max time.Duration) Policy {
	return Policy{
		Attempts: map[errs.Kind]int{
			errs.TransientStoreError: 3,
		},
		InitialDelay: initial,
		MaxDelay:     max,
	}
}

// Do calls fn until it succeeds, fails with a kind that has no attempts left,
// or ctx ends. It returns the number of attempts made and the last error.
func (p Policy) Do(ctx context.Context, op string, fn func(context.Context) error) (int, error) {
	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}

		kind := errs.KindOf(err)
		limit := p.Attempts[kind]
		if attempt >= limit {
			if limit > 1 {
				log.Warn().Err(err).Str("op", op).Str("kind", string(kind)).
					Int("attempts", attempt).Msg("retries exhausted")
			}
			return attempt, err
		}

		wait := p.Backoff(attempt)
		log.Debug().Err(err).Str("op", op).Str("kind", string(kind)).
			Int("attempt", attempt).Dur("wait", wait).Msg("retrying operation")

		if serr := p.sleep(ctx, wait); serr != nil {
			return attempt, err
		}
	}
}

// Backoff returns the wait before the attempt following the given one:
// exponential in attempt, capped at MaxDelay, with equal jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	initial, max := p.delays()
	d := initial
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half+1)
}

func (p Policy) delays() (time.Duration, time.Duration) {
	initial, max := p.InitialDelay, p.MaxDelay
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if max < initial {
		max = initial
	}
	return initial, max
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NoSleep skips backoff waits. Useful in tests.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
