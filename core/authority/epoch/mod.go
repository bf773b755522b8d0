// Package epoch implements the execution guard that fences the executions
// against reconfiguration.
//
// The configuration of the current epoch is published in a cell swapped
// atomically, and readers take it once per logical operation. The execution
// lock is a readers-writer lock: every execution holds the read side for its
// whole duration and a reconfiguration takes the write side, so it cannot
// complete while an execution is in the middle of committing under the old
// epoch.
package epoch

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.dedis.ch/certexec"
	"go.dedis.ch/certexec/core/types"
	"golang.org/x/xerrors"
)

var promEpoch = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "certexec_epoch_current",
	Help: "current epoch of the execution guard",
})

func init() {
	certexec.PromCollectors = append(certexec.PromCollectors, promEpoch)
}

// Context is the configuration of an epoch. It is immutable once published.
type Context struct {
	Epoch     types.EpochID
	Committee types.Committee
	Protocol  types.ProtocolConfig
}

// Store holds the current epoch context and the execution lock.
type Store struct {
	current atomic.Pointer[Context]
	halted  atomic.Bool

	// lock protects epoch, which only advances once every execution guard of
	// the previous epoch has been released.
	lock  sync.RWMutex
	epoch types.EpochID

	logger zerolog.Logger
}

// NewStore returns a store starting at the given epoch.
func NewStore(initial Context) *Store {
	s := &Store{
		epoch:  initial.Epoch,
		logger: certexec.Logger.With().Str("component", "epoch").Logger(),
	}

	s.current.Store(&initial)
	promEpoch.Set(float64(initial.Epoch))

	return s
}

// WithLogger replaces the logger of the store.
func (s *Store) WithLogger(logger zerolog.Logger) *Store {
	s.logger = logger
	return s
}

// Load returns the context of the current epoch. Callers take it once and
// thread it through a whole operation.
func (s *Store) Load() *Context {
	return s.current.Load()
}

// ExecutionLock acquires the read side of the execution lock and returns a
// guard carrying the epoch it observed. It blocks while a reconfiguration is
// waiting for the executions to drain.
func (s *Store) ExecutionLock() *Guard {
	s.lock.RLock()

	return &Guard{store: s, epoch: s.epoch}
}

// Halt stops the execution of user transactions until the next epoch.
func (s *Store) Halt() {
	s.halted.Store(true)
	s.logger.Info().Uint64("epoch", uint64(s.Load().Epoch)).Msg("halted at epoch end")
}

// IsHalted returns true if the validator stopped executing user transactions
// in this epoch.
func (s *Store) IsHalted() bool {
	return s.halted.Load()
}

// Reconfigure moves the store to the next epoch. The new context is published
// first so that executions holding a guard of the previous epoch observe the
// change before they commit; then it waits for them to drain before it
// advances the epoch of the execution lock.
func (s *Store) Reconfigure(next Context) error {
	current := s.Load()

	if next.Epoch != current.Epoch+1 {
		return xerrors.Errorf("invalid next epoch %d: %w", next.Epoch,
			&types.WrongEpochError{Expected: current.Epoch + 1, Actual: next.Epoch})
	}

	if !s.current.CompareAndSwap(current, &next) {
		return xerrors.New("concurrent reconfiguration")
	}

	s.lock.Lock()
	s.epoch = next.Epoch
	s.halted.Store(false)
	s.lock.Unlock()

	promEpoch.Set(float64(next.Epoch))

	s.logger.Info().Uint64("epoch", uint64(next.Epoch)).Msg("reconfigured")

	return nil
}

// Guard is the read side of the execution lock.
type Guard struct {
	store *Store
	epoch types.EpochID
	once  sync.Once
}

// Epoch returns the epoch observed when the guard was acquired.
func (g *Guard) Epoch() types.EpochID {
	return g.epoch
}

// Stale returns true if a reconfiguration has been announced since the guard
// was acquired. The pipeline checks it right before it writes outputs.
func (g *Guard) Stale() bool {
	return g.store.Load().Epoch != g.epoch
}

// Release releases the read side. It is safe to call it more than once.
func (g *Guard) Release() {
	g.once.Do(g.store.lock.RUnlock)
}
