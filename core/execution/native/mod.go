// Package native implements an execution service to run native smart contracts.
//
// A native smart contract is written in Go and packaged with the application.
// The contract reads the inputs of the transaction and stages its writes in a
// context; the service turns the staged writes into an execution output with
// lamport versioning and gas accounting.
package native

import (
	"encoding/binary"

	"go.dedis.ch/certexec/core/execution"
	"go.dedis.ch/certexec/core/types"
	"golang.org/x/xerrors"
)

// Contract is the interface to implement to register a smart contract that will
// be executed natively.
type Contract interface {
	Execute(ctx *Context) error
}

// ContractFunc is an adapter to use a function as a contract.
type ContractFunc func(ctx *Context) error

// Execute implements native.Contract.
func (fn ContractFunc) Execute(ctx *Context) error {
	return fn(ctx)
}

// Service is an execution service for packaged applications.
//
// - implements execution.Service
type Service struct {
	contracts map[string]Contract
}

// NewExecution returns a new native execution with the built-in contracts.
func NewExecution() *Service {
	ns := &Service{
		contracts: map[string]Contract{},
	}

	ns.Set(types.SystemContract, ContractFunc(func(*Context) error { return nil }))
	ns.Set(TransferContract, ContractFunc(transfer))
	ns.Set(CreateContract, ContractFunc(create))
	ns.Set(DeleteContract, ContractFunc(destroy))
	ns.Set(WrapContract, ContractFunc(wrap))
	ns.Set(IncrementContract, ContractFunc(increment))

	return ns
}

// Set stores the contract using the name as the key. A transaction can trigger
// this contract by using the same name in its call.
func (ns *Service) Set(name string, contract Contract) {
	ns.contracts[name] = contract
}

// Execute implements execution.Service. It checks the inputs against the
// snapshot, runs the contract and produces the output.
func (ns *Service) Execute(in execution.Input) (types.ExecutionOutput, error) {
	contract := ns.contracts[in.Data.Call.Contract]
	if contract == nil {
		return types.ExecutionOutput{}, xerrors.Errorf("unknown contract '%s'",
			in.Data.Call.Contract)
	}

	if in.Data.GasBudget > in.Protocol.MaxGasBudget {
		return types.ExecutionOutput{}, xerrors.Errorf("gas budget %d above maximum %d",
			in.Data.GasBudget, in.Protocol.MaxGasBudget)
	}

	inputs, gas, err := resolve(in)
	if err != nil {
		return types.ExecutionOutput{}, xerrors.Errorf("invalid input: %v", err)
	}

	balance, err := DecodeCoin(gas.Contents)
	if err != nil {
		return types.ExecutionOutput{}, xerrors.Errorf("invalid gas object: %v", err)
	}

	if balance < in.Data.GasBudget {
		return types.ExecutionOutput{}, xerrors.Errorf("gas balance %d below budget %d",
			balance, in.Data.GasBudget)
	}

	ctx := newContext(in, inputs)

	status := types.ExecutionStatus{Success: true}

	err = contract.Execute(ctx)
	if err == nil {
		err = ctx.checkBudget()
	}

	if err != nil {
		status = types.ExecutionStatus{Success: false, Error: err.Error()}
		ctx.reset()
	}

	gasUsed := ctx.gasUsed()
	if gasUsed > in.Data.GasBudget {
		gasUsed = in.Data.GasBudget
	}

	gas.Contents = EncodeCoin(balance - gasUsed)

	return ctx.output(status, gas, gasUsed), nil
}

// resolve returns the objects of the declared inputs in order, and the gas
// object.
func resolve(in execution.Input) ([]types.Object, types.Object, error) {
	gas, found := in.Objects[in.Data.Gas.ID]
	if !found || gas.Version != in.Data.Gas.Version {
		return nil, types.Object{}, xerrors.Errorf("missing gas object %v", in.Data.Gas)
	}

	if gas.Owner.Kind != types.OwnerAddress || gas.Owner.Address != in.Data.Sender {
		return nil, types.Object{}, xerrors.Errorf("gas object %v not owned by sender", in.Data.Gas)
	}

	shared := make(map[types.ObjectID]types.SequenceNumber)
	for _, ref := range in.SharedRefs {
		shared[ref.ID] = ref.Version
	}

	objects := make([]types.Object, 0, len(in.Data.Inputs))

	for _, input := range in.Data.Inputs {
		obj, found := in.Objects[input.Ref.ID]
		if !found {
			return nil, types.Object{}, xerrors.Errorf("missing object %v", input.Ref.ID)
		}

		switch input.Kind {
		case types.InputOwned:
			if obj.Version != input.Ref.Version {
				return nil, types.Object{}, xerrors.Errorf("object %v at version %d",
					input.Ref, obj.Version)
			}

			if obj.Owner.Kind == types.OwnerAddress && obj.Owner.Address != in.Data.Sender {
				return nil, types.Object{}, xerrors.Errorf("object %v not owned by sender", input.Ref)
			}
		case types.InputShared:
			version, assigned := shared[input.Ref.ID]
			if !assigned || obj.Version != version {
				return nil, types.Object{}, xerrors.Errorf("shared object %v has no assigned version",
					input.Ref.ID)
			}
		case types.InputPackage:
			if !obj.Package {
				return nil, types.Object{}, xerrors.Errorf("object %v is not a package", input.Ref.ID)
			}
		}

		objects = append(objects, obj)
	}

	return objects, gas, nil
}

// EncodeCoin returns the contents of a coin with the balance.
func EncodeCoin(balance uint64) []byte {
	buffer := make([]byte, 8)
	binary.BigEndian.PutUint64(buffer, balance)

	return buffer
}

// DecodeCoin returns the balance of a coin.
func DecodeCoin(contents []byte) (uint64, error) {
	if len(contents) != 8 {
		return 0, xerrors.Errorf("coin of %d bytes", len(contents))
	}

	return binary.BigEndian.Uint64(contents), nil
}
