package authority

import (
	"context"

	"go.dedis.ch/certexec/core/authority/locks"
	"go.dedis.ch/certexec/core/types"
	"go.dedis.ch/certexec/internal/retry"
	"golang.org/x/xerrors"
)

// errLockNotVisible is returned while the transaction holding a lock is not
// readable yet.
var errLockNotVisible = xerrors.New("transaction of the lock is not visible")

// HandleTransaction is the signing stage. It verifies the transaction, locks
// its owned inputs and returns the transaction signed by the authority. The
// same transaction handled twice in an epoch is signed once.
func (s *State) HandleTransaction(ctx context.Context, tx types.Transaction) (types.SignedTransaction, error) {
	epochCtx := s.epochs.Load()
	digest := tx.Digest()

	logger := s.logger.With().Stringer("digest", digest).Logger()

	if s.epochs.IsHalted() && !tx.Data.IsSystem() {
		return types.SignedTransaction{}, types.ErrValidatorHaltedAtEpochEnd
	}

	err := tx.VerifySender(s.verifier)
	if err != nil {
		return types.SignedTransaction{}, xerrors.Errorf("invalid transaction: %v", err)
	}

	err = s.txManager.CheckCapacity(tx.Data)
	if err != nil {
		return types.SignedTransaction{}, err
	}

	refs := tx.Data.OwnedRefs()

	err = s.checkOwnedInputs(tx.Data.Sender, refs)
	if err != nil {
		return types.SignedTransaction{}, err
	}

	guard := s.epochs.ExecutionLock()
	defer guard.Release()

	if guard.Epoch() != epochCtx.Epoch {
		return types.SignedTransaction{}, &types.WrongEpochError{
			Expected: epochCtx.Epoch,
			Actual:   guard.Epoch(),
		}
	}

	signed, err := types.NewSignedTransaction(tx, epochCtx.Epoch, s.signer)
	if err != nil {
		return signed, err
	}

	signed, err = s.store.AcquireTransactionLocks(epochCtx.Epoch, refs, signed)
	if err != nil {
		logger.Debug().Err(err).Msg("failed to lock inputs")
		return signed, err
	}

	promSigned.Inc()

	logger.Debug().Int("inputs", len(refs)).Msg("transaction signed")

	return signed, nil
}

// GetTransactionLock returns the signed transaction that locks the object
// version in the current epoch, or nil if the version is not locked. An error
// is returned if the version is not the live one.
func (s *State) GetTransactionLock(ctx context.Context, ref types.ObjectRef) (*types.SignedTransaction, error) {
	epochCtx := s.epochs.Load()

	var signed *types.SignedTransaction
	var failure error

	// The lock and the signed transaction are written together, but the lock
	// can be observed before the transaction is removed by a commit.
	err := retry.Do(ctx, s.backoff, func() error {
		status, err := s.store.Locks().GetLock(ref, epochCtx.Epoch)
		if err != nil {
			failure = err
			return retry.ErrGiveUp
		}

		switch status.State {
		case locks.Initialized:
			signed = nil
			return nil
		case locks.LockedAtDifferentVersion:
			failure = status.Err(ref)
			return retry.ErrGiveUp
		}

		tx, found, err := s.store.GetSignedTransaction(status.Digest)
		if err != nil {
			failure = err
			return retry.ErrGiveUp
		}

		if !found || tx.Epoch != epochCtx.Epoch {
			return errLockNotVisible
		}

		signed = &tx

		return nil
	})

	if failure != nil {
		return nil, xerrors.Errorf("failed to read lock: %w", failure)
	}

	if err != nil {
		return nil, xerrors.Errorf("failed to read lock of %v: %w", ref, err)
	}

	return signed, nil
}

// checkOwnedInputs verifies that every owned input exists at the given
// version and belongs to the sender.
func (s *State) checkOwnedInputs(sender types.Address, refs []types.ObjectRef) error {
	for _, ref := range refs {
		obj, found, err := s.store.GetObjectByKey(ref.ID, ref.Version)
		if err != nil {
			return err
		}

		if !found {
			latest, exists, err := s.store.GetLatestRef(ref.ID)
			if err != nil {
				return err
			}

			if !exists {
				return xerrors.Errorf("%v: %w", ref, types.ErrObjectNotFound)
			}

			return &types.VersionUnavailableError{Provided: ref, Current: latest}
		}

		if obj.Ref() != ref {
			return &types.VersionUnavailableError{Provided: ref, Current: obj.Ref()}
		}

		if obj.Owner.Kind != types.OwnerAddress || obj.Owner.Address != sender {
			return xerrors.Errorf("object %v is not owned by the sender", ref)
		}
	}

	return nil
}
