package authority

import (
	"context"

	"github.com/rs/xid"
	"go.dedis.ch/certexec/core/authority/wal"
	"golang.org/x/xerrors"
)

// ProcessTxRecoveryLog drives the transactions left in the write-ahead log to
// completion. A transaction with an execution output is committed without
// executing again; the others are executed. A transaction that failed too
// many times is abandoned and stays in the log until it is re-armed.
//
// At most limit transactions are processed, or all of them if the limit is
// not positive. It returns the number of transactions committed.
func (s *State) ProcessTxRecoveryLog(ctx context.Context, limit int) (int, error) {
	logger := s.logger.With().Str("scan", xid.New().String()).Logger()

	processed := 0
	recovered := 0

	for limit <= 0 || processed < limit {
		guard, ok, err := s.wal.ReadOneRecoverableTx(ctx)
		if err != nil {
			return recovered, xerrors.Errorf("failed to read log: %v", err)
		}

		if !ok {
			break
		}

		processed++

		digest := guard.Digest()

		if guard.Retries() >= wal.MaxTxRecoveryRetry {
			logger.Error().
				Stringer("digest", digest).
				Uint32("retries", guard.Retries()).
				Msg("Abandoning in-progress TX after retries")

			err = guard.Abandon()
			if err != nil {
				return recovered, xerrors.Errorf("failed to abandon %v: %v", digest, err)
			}

			promRecovery.WithLabelValues("abandoned").Inc()

			continue
		}

		_, err = s.processCertificate(ctx, guard, guard.Certificate(), nil, s.epochs.Load())
		if err != nil {
			logger.Warn().Err(err).
				Stringer("digest", digest).
				Msg("failed to process in-progress certificate")

			promRecovery.WithLabelValues("failed").Inc()

			continue
		}

		recovered++
		promRecovery.WithLabelValues("recovered").Inc()
	}

	if processed > 0 {
		logger.Info().
			Int("processed", processed).
			Int("recovered", recovered).
			Msg("recovery log processed")
	}

	return recovered, nil
}
