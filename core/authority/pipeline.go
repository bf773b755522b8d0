package authority

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/rs/zerolog"
	"go.dedis.ch/certexec/core/authority/epoch"
	"go.dedis.ch/certexec/core/authority/txmanager"
	"go.dedis.ch/certexec/core/authority/wal"
	"go.dedis.ch/certexec/core/execution"
	"go.dedis.ch/certexec/core/types"
	"golang.org/x/xerrors"
)

// ExecuteCertificate verifies the certificate, hands it to the transaction
// manager and waits until the execution driver committed it. The effects of
// an executed certificate are returned immediately.
func (s *State) ExecuteCertificate(ctx context.Context, cert types.Certificate) (types.SignedEffects, error) {
	epochCtx := s.epochs.Load()
	digest := cert.Digest()

	if cert.Epoch != epochCtx.Epoch {
		return types.SignedEffects{}, &types.WrongEpochError{
			Expected: epochCtx.Epoch,
			Actual:   cert.Epoch,
		}
	}

	err := cert.Verify(epochCtx.Committee, s.verifier)
	if err != nil {
		return types.SignedEffects{}, xerrors.Errorf("invalid certificate: %v", err)
	}

	res, _ := s.results.LoadOrStore(digest, &result{done: make(chan struct{})})

	// The effects are checked after the registration so that a commit in
	// between is not missed.
	effects, found, err := s.signedEffects(digest, epochCtx)
	if err != nil {
		return effects, xerrors.Errorf("failed to read effects: %v", err)
	}

	if found {
		s.notifyResult(digest, nil)
		return effects, nil
	}

	err = s.enqueue(cert, epochCtx)
	if err != nil {
		s.notifyResult(digest, err)
		return effects, err
	}

	select {
	case <-res.done:
	case <-ctx.Done():
		return effects, ctx.Err()
	}

	if res.err != nil {
		return effects, res.err
	}

	effects, found, err = s.GetSignedEffects(digest)
	if err != nil {
		return effects, xerrors.Errorf("failed to read effects: %v", err)
	}

	if !found {
		return effects, xerrors.Errorf("effects of %v not found after commit", digest)
	}

	return effects, nil
}

func (s *State) enqueue(cert types.Certificate, epochCtx *epoch.Context) error {
	if s.epochs.IsHalted() && !cert.Data().IsSystem() {
		return types.ErrValidatorHaltedAtEpochEnd
	}

	err := s.txManager.CheckCapacity(cert.Data())
	if err != nil {
		return err
	}

	return s.txManager.Enqueue([]types.Certificate{cert}, epochCtx.Epoch)
}

// TryExecuteImmediately executes and commits the certificate in the epoch of
// the context. The certificate is executed at most once: a certificate whose
// effects are durable returns them, and an execution output found in the
// write-ahead log is committed without executing again.
//
// When the expected effects digest is given and the computed effects differ,
// the function panics with a *types.FatalError.
func (s *State) TryExecuteImmediately(ctx context.Context, cert types.Certificate,
	expected *types.Digest, epochCtx *epoch.Context) (types.SignedEffects, error) {

	guard, err := s.wal.AcquireTxGuard(ctx, cert)
	if err != nil {
		return types.SignedEffects{}, err
	}

	return s.processCertificate(ctx, guard, cert, expected, epochCtx)
}

// processCertificate drives the certificate from an acquired guard to the
// release of the guard.
func (s *State) processCertificate(ctx context.Context, txGuard *wal.TxGuard,
	cert types.Certificate, expected *types.Digest,
	epochCtx *epoch.Context) (types.SignedEffects, error) {

	start := time.Now()
	digest := cert.Digest()

	logger := s.logger.With().
		Stringer("digest", digest).
		Uint64("epoch", uint64(epochCtx.Epoch)).
		Logger()

	effects, done, err := s.alreadyExecuted(txGuard, epochCtx)
	if err != nil || done {
		return effects, err
	}

	execGuard := s.epochs.ExecutionLock()
	defer execGuard.Release()

	if execGuard.Epoch() != epochCtx.Epoch {
		txGuard.Release()
		promCertificates.WithLabelValues("wrong_epoch").Inc()

		return types.SignedEffects{}, &types.WrongEpochError{
			Expected: epochCtx.Epoch,
			Actual:   execGuard.Epoch(),
		}
	}

	// A duplicate may have committed while the execution lock was acquired.
	effects, done, err = s.alreadyExecuted(txGuard, epochCtx)
	if err != nil || done {
		return effects, err
	}

	if s.epochs.IsHalted() && !cert.Data().IsSystem() {
		txGuard.Release()
		return types.SignedEffects{}, types.ErrValidatorHaltedAtEpochEnd
	}

	output, err := s.wal.GetExecutionOutput(digest)
	if err != nil {
		txGuard.Release()
		return types.SignedEffects{}, err
	}

	replayed := output != nil

	if !replayed {
		out, err := s.prepareCertificate(ctx, cert, epochCtx)
		if err != nil {
			txGuard.Release()
			promCertificates.WithLabelValues("failed").Inc()

			return types.SignedEffects{}, xerrors.Errorf("failed to execute: %w", err)
		}

		output = &out
	} else {
		logger.Info().Msg("replaying execution output")
	}

	if expected != nil && output.Effects.Digest() != *expected {
		logger.Error().
			Stringer("expected", *expected).
			Stringer("actual", output.Effects.Digest()).
			Msg("effects digest mismatch")

		panic(&types.FatalError{
			Transaction: digest,
			Reason:      "computed effects do not match the certified effects",
		})
	}

	if !replayed {
		// A reconfiguration was announced during the execution: the output
		// cannot be committed under the previous epoch.
		if execGuard.Stale() {
			txGuard.Release()
			promCertificates.WithLabelValues("wrong_epoch").Inc()

			return types.SignedEffects{}, &types.WrongEpochError{
				Expected: execGuard.Epoch(),
				Actual:   s.epochs.Load().Epoch,
			}
		}

		err = s.wal.WriteExecutionOutput(digest, *output)
		if err != nil {
			txGuard.Release()
			return types.SignedEffects{}, xerrors.Errorf("failed to write output: %v", err)
		}
	}

	signed, err := s.commitCertificate(ctx, cert, *output, epochCtx)
	if err != nil {
		// The output stays in the log and the commit is retried by the
		// recovery scanner.
		logger.Error().Err(err).Msg("commit failed, will be retried by recovery")
		txGuard.Release()

		return types.SignedEffects{}, err
	}

	s.txManager.NotifyCommit(digest, output.AvailableKeys())

	err = txGuard.CommitTx()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to remove log entry")
	}

	execGuard.Release()

	s.postProcess(ctx, cert, *output, logger)

	s.notifyResult(digest, nil)

	promCertificates.WithLabelValues("executed").Inc()
	promDuration.Observe(time.Since(start).Seconds())

	logger.Debug().
		Bool("success", output.Effects.Status.Success).
		Uint64("gas", output.Effects.GasUsed).
		Msg("certificate committed")

	return signed, nil
}

// alreadyExecuted ends the guard and returns the effects if the certificate
// was committed.
func (s *State) alreadyExecuted(txGuard *wal.TxGuard,
	epochCtx *epoch.Context) (types.SignedEffects, bool, error) {

	exists, err := s.store.EffectsExists(txGuard.Digest())
	if err != nil {
		txGuard.Release()
		return types.SignedEffects{}, false, err
	}

	if !exists {
		return types.SignedEffects{}, false, nil
	}

	err = txGuard.CommitTx()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to remove log entry")
	}

	promCertificates.WithLabelValues("already_executed").Inc()

	effects, found, err := s.signedEffects(txGuard.Digest(), epochCtx)
	if err != nil {
		return effects, true, xerrors.Errorf("failed to read effects: %v", err)
	}

	if !found {
		return effects, true, xerrors.Errorf("effects of %v disappeared", txGuard.Digest())
	}

	return effects, true, nil
}

// prepareCertificate resolves the inputs of the certificate and executes it.
// It has no durable side effect.
func (s *State) prepareCertificate(ctx context.Context, cert types.Certificate,
	epochCtx *epoch.Context) (types.ExecutionOutput, error) {

	span, _ := opentracing.StartSpanFromContext(ctx, "prepare")
	defer span.Finish()

	digest := cert.Digest()
	data := cert.Data()

	in := execution.Input{
		Digest:   digest,
		Data:     data,
		Objects:  make(map[types.ObjectID]types.Object),
		Epoch:    epochCtx.Epoch,
		Protocol: epochCtx.Protocol,
	}

	if data.HasSharedInputs() {
		refs, found, err := s.store.GetSharedVersions(digest)
		if err != nil {
			return types.ExecutionOutput{}, err
		}

		if !found {
			return types.ExecutionOutput{}, xerrors.New("shared object versions not assigned")
		}

		in.SharedRefs = refs
	}

	shared := make(map[types.ObjectID]types.SequenceNumber, len(in.SharedRefs))
	for _, ref := range in.SharedRefs {
		shared[ref.ID] = ref.Version
	}

	deps := make(map[types.Digest]struct{})

	load := func(id types.ObjectID, version types.SequenceNumber) error {
		obj, found, err := s.store.GetObjectByKey(id, version)
		if err != nil {
			return err
		}

		if !found {
			return xerrors.Errorf("%v@%d: %w", id, version, types.ErrObjectNotFound)
		}

		in.Objects[id] = obj

		if !obj.PreviousTransaction.IsZero() {
			deps[obj.PreviousTransaction] = struct{}{}
		}

		return nil
	}

	err := load(data.Gas.ID, data.Gas.Version)
	if err != nil {
		return types.ExecutionOutput{}, err
	}

	for _, input := range data.Inputs {
		switch input.Kind {
		case types.InputShared:
			version, found := shared[input.Ref.ID]
			if !found {
				return types.ExecutionOutput{}, xerrors.Errorf("no version assigned to %v", input.Ref.ID)
			}

			err = load(input.Ref.ID, version)
		case types.InputPackage:
			var pkg types.Object

			pkg, err = s.store.GetObject(input.Ref.ID)
			if err == nil {
				in.Objects[pkg.ID] = pkg
			}
		default:
			err = load(input.Ref.ID, input.Ref.Version)
		}

		if err != nil {
			return types.ExecutionOutput{}, err
		}
	}

	for dep := range deps {
		in.Dependencies = append(in.Dependencies, dep)
	}

	sort.Slice(in.Dependencies, func(i, j int) bool {
		return bytes.Compare(in.Dependencies[i][:], in.Dependencies[j][:]) < 0
	})

	return s.executor.Execute(in)
}

// commitCertificate signs the effects and applies the output to the object
// store.
func (s *State) commitCertificate(ctx context.Context, cert types.Certificate,
	output types.ExecutionOutput, epochCtx *epoch.Context) (types.SignedEffects, error) {

	span, _ := opentracing.StartSpanFromContext(ctx, "commit")
	defer span.Finish()

	signed, err := types.NewSignedEffects(output.Effects, epochCtx.Epoch, s.signer)
	if err != nil {
		return signed, err
	}

	// The epoch index is written first: lookups read the store before the
	// index, so the effects are never missed.
	err = s.store.InsertEpochEffects(signed)
	if err != nil {
		return signed, xerrors.Errorf("failed to store effects: %v", err)
	}

	err = s.store.UpdateState(output, cert, signed)
	if err != nil {
		return signed, err
	}

	return signed, nil
}

// postProcess indexes the transaction and stores its events. Failures are
// logged and ignored.
func (s *State) postProcess(ctx context.Context, cert types.Certificate,
	output types.ExecutionOutput, logger zerolog.Logger) {

	err := s.store.IndexTransaction(cert.Data().Sender, output.Effects)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to index transaction")
	}

	if s.events == nil {
		return
	}

	err = s.events.Append(ctx, cert.Digest(), output.Effects.Epoch, output.Events)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to store events")
	}
}

// drive executes a certificate released by the transaction manager.
func (s *State) drive(ctx context.Context, pending txmanager.PendingCertificate) {
	cert := pending.Certificate
	digest := cert.Digest()

	_, err := s.TryExecuteImmediately(ctx, cert, pending.Expected, s.epochs.Load())

	// A certificate committed by another caller before it was handed out
	// returns early without notifying the manager.
	s.txManager.Abort(digest)

	if err != nil {
		s.notifyResult(digest, err)

		s.logger.Warn().Err(err).Stringer("digest", digest).Msg("failed to execute certificate")
	}
}
