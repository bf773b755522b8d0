package authority

import (
	"context"
	"runtime"
	"weak"

	"github.com/rs/xid"
	"golang.org/x/sync/semaphore"
)

// startDriver starts the execution driver of the state and returns the
// function that stops it. The driver pulls the certificates released by the
// transaction manager and executes them with a bounded concurrency.
//
// The driver only holds a weak reference to the state so that an unreachable
// state stops its driver.
func startDriver(s *State) func() {
	ctx, cancel := context.WithCancel(context.Background())

	ptr := weak.Make(s)
	mgr := s.txManager

	logger := s.logger.With().Str("driver", xid.New().String()).Logger()

	concurrency := s.concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	slots := semaphore.NewWeighted(int64(concurrency))

	go func() {
		logger.Debug().Int("concurrency", concurrency).Msg("execution driver started")
		defer logger.Debug().Msg("execution driver stopped")

		for {
			err := slots.Acquire(ctx, 1)
			if err != nil {
				return
			}

			pending, err := mgr.Next(ctx)
			if err != nil {
				return
			}

			state := ptr.Value()
			if state == nil {
				return
			}

			go func() {
				defer slots.Release(1)

				state.drive(ctx, pending)
			}()
		}
	}()

	runtime.AddCleanup(s, func(stop context.CancelFunc) { stop() }, cancel)

	return cancel
}
