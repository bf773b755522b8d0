// Package execution defines the boundary with the execution engine. The engine
// is a pure function of the certificate and the versions of its inputs: it has
// no durable side effect and the pipeline owns its output until it is
// committed.
package execution

import (
	"go.dedis.ch/certexec/core/types"
)

// Input is everything the engine needs to execute a certificate.
type Input struct {
	Digest types.Digest
	Data   types.TransactionData

	// Objects is the snapshot of the inputs: the owned inputs and the gas at
	// their locked version, the shared inputs at their assigned version, and
	// the packages.
	Objects map[types.ObjectID]types.Object

	// SharedRefs are the versions assigned to the shared inputs.
	SharedRefs []types.ObjectRef

	// Dependencies are the transactions that produced the input versions.
	Dependencies []types.Digest

	Epoch    types.EpochID
	Protocol types.ProtocolConfig
}

// Service is the execution service that defines the primitive to execute a
// certified transaction.
type Service interface {
	// Execute returns the output of the transaction. A transaction aborted by
	// its contract still produces an output with a failed status that charges
	// the gas; an error is returned only when the input is invalid and nothing
	// can be committed.
	Execute(in Input) (types.ExecutionOutput, error)
}
