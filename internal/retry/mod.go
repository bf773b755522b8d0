// Package retry implements a bounded exponential backoff with jitter around
// an operation that is expected to succeed within a few attempts.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/xerrors"
)

// jitter is the randomization factor of the delays when Jitter is set: each
// delay is drawn in [0.5, 1.5] times its nominal value.
const jitter = 0.5

// ErrGiveUp is returned by an operation to stop retrying early.
var ErrGiveUp = xerrors.New("give up")

// Backoff describes the delays between attempts: the first delay is Initial
// and the next ones are multiplied by Factor.
type Backoff struct {
	Initial  time.Duration
	Factor   float64
	Attempts int
	Jitter   bool
}

// Delays returns the delays to wait before each retry, which is one less than
// the number of attempts.
func (b Backoff) Delays() []time.Duration {
	policy := b.policy(context.Background())
	policy.Reset()

	var delays []time.Duration

	for {
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			return delays
		}

		delays = append(delays, delay)
	}
}

// Do calls the operation until it succeeds, it returns ErrGiveUp, the context
// is done, or the attempts are exhausted, in which case the last error is
// returned.
func Do(ctx context.Context, b Backoff, op func() error) error {
	attempts := 0

	err := backoff.Retry(func() error {
		attempts++

		err := op()
		if xerrors.Is(err, ErrGiveUp) {
			return backoff.Permanent(err)
		}

		return err
	}, b.policy(ctx))

	switch {
	case err == nil, xerrors.Is(err, ErrGiveUp):
		return err
	case ctx.Err() != nil && xerrors.Is(err, ctx.Err()):
		return xerrors.Errorf("interrupted: %w", err)
	default:
		return xerrors.Errorf("after %d attempts: %w", attempts, err)
	}
}

func (b Backoff) policy(ctx context.Context) backoff.BackOffContext {
	if b.Attempts <= 1 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.Initial
	exp.Multiplier = b.Factor
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0

	if b.Jitter {
		exp.RandomizationFactor = jitter
	}

	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(b.Attempts-1)), ctx)
}
