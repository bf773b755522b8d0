package native

import (
	"go.dedis.ch/certexec/core/execution"
	"go.dedis.ch/certexec/core/types"
	"golang.org/x/xerrors"
)

// Context is the view of a contract over the transaction being executed. The
// writes are staged and only become an output when the contract succeeds.
type Context struct {
	in      execution.Input
	inputs  []types.Object
	kinds   map[types.ObjectID]types.InputObject
	version types.SequenceNumber

	staged  map[types.ObjectID]types.Object
	created []types.ObjectID
	deleted []types.DeletedObject
	events  []types.Event
}

func newContext(in execution.Input, inputs []types.Object) *Context {
	ctx := &Context{
		in:     in,
		inputs: inputs,
		kinds:  make(map[types.ObjectID]types.InputObject),
	}

	gas := in.Objects[in.Data.Gas.ID]

	ctx.version = gas.Version
	for _, obj := range inputs {
		if obj.Version > ctx.version {
			ctx.version = obj.Version
		}
	}

	// Lamport versioning: every written object gets the same version which is
	// above every input.
	ctx.version++

	for _, input := range in.Data.Inputs {
		ctx.kinds[input.Ref.ID] = input
	}

	ctx.reset()

	return ctx
}

// Sender returns the address of the sender.
func (ctx *Context) Sender() types.Address {
	return ctx.in.Data.Sender
}

// Arg returns the argument at the index.
func (ctx *Context) Arg(index int) ([]byte, error) {
	if index >= len(ctx.in.Data.Call.Args) {
		return nil, xerrors.Errorf("missing argument %d", index)
	}

	return ctx.in.Data.Call.Args[index], nil
}

// Inputs returns the objects declared as inputs, in order.
func (ctx *Context) Inputs() []types.Object {
	return append([]types.Object{}, ctx.inputs...)
}

// Owned returns the owned inputs, in order.
func (ctx *Context) Owned() []types.Object {
	return ctx.filter(types.InputOwned, false)
}

// Shared returns the mutable shared inputs, in order.
func (ctx *Context) Shared() []types.Object {
	return ctx.filter(types.InputShared, true)
}

func (ctx *Context) filter(kind types.InputKind, mutable bool) []types.Object {
	var objects []types.Object

	for _, obj := range ctx.inputs {
		input := ctx.kinds[obj.ID]
		if input.Kind == kind && (!mutable || input.Mutable) {
			objects = append(objects, obj)
		}
	}

	return objects
}

// Get returns the current contents of an input or a created object.
func (ctx *Context) Get(id types.ObjectID) (types.Object, error) {
	obj, found := ctx.staged[id]
	if !found {
		return types.Object{}, xerrors.Errorf("object %v not available", id)
	}

	return obj, nil
}

// Mutate replaces the contents of a mutable input or a created object.
func (ctx *Context) Mutate(id types.ObjectID, contents []byte) error {
	obj, err := ctx.writable(id)
	if err != nil {
		return err
	}

	obj.Contents = contents
	ctx.staged[id] = obj

	return nil
}

// Transfer changes the owner of an owned input.
func (ctx *Context) Transfer(id types.ObjectID, recipient types.Address) error {
	obj, err := ctx.writable(id)
	if err != nil {
		return err
	}

	if obj.Owner.Kind != types.OwnerAddress {
		return xerrors.Errorf("object %v cannot be transferred", id)
	}

	obj.Owner = types.AddressOwner(recipient)
	ctx.staged[id] = obj

	return nil
}

// Create creates a new object and returns its identifier.
func (ctx *Context) Create(owner types.Owner, contents []byte) types.ObjectID {
	id := types.DeriveObjectID(ctx.in.Digest, uint64(len(ctx.created)))

	if owner.Kind == types.OwnerShared {
		owner.InitialSharedVersion = ctx.version
	}

	ctx.staged[id] = types.Object{
		ID:                  id,
		Version:             ctx.version,
		Owner:               owner,
		Contents:            contents,
		PreviousTransaction: ctx.in.Digest,
	}

	ctx.created = append(ctx.created, id)

	return id
}

// Delete removes an owned input.
func (ctx *Context) Delete(id types.ObjectID) error {
	return ctx.remove(id, types.DeleteNormal)
}

// Wrap removes an owned input that is wrapped into another object.
func (ctx *Context) Wrap(id types.ObjectID) error {
	return ctx.remove(id, types.DeleteWrap)
}

// Emit appends an event to the output.
func (ctx *Context) Emit(typ string, object types.ObjectID, payload []byte) {
	ctx.events = append(ctx.events, types.Event{
		Type:    typ,
		Sender:  ctx.in.Data.Sender,
		Object:  object,
		Payload: payload,
	})
}

func (ctx *Context) remove(id types.ObjectID, kind types.DeleteKind) error {
	obj, err := ctx.writable(id)
	if err != nil {
		return err
	}

	if ctx.kinds[id].Kind != types.InputOwned {
		return xerrors.Errorf("object %v is not owned", id)
	}

	delete(ctx.staged, obj.ID)

	ctx.deleted = append(ctx.deleted, types.DeletedObject{
		ID:      id,
		Version: ctx.version,
		Kind:    kind,
	})

	return nil
}

func (ctx *Context) writable(id types.ObjectID) (types.Object, error) {
	if id == ctx.in.Data.Gas.ID {
		return types.Object{}, xerrors.New("gas object is reserved")
	}

	obj, found := ctx.staged[id]
	if !found {
		return types.Object{}, xerrors.Errorf("object %v not available", id)
	}

	input, isInput := ctx.kinds[id]
	if isInput && (input.Kind == types.InputPackage || !input.Mutable) {
		return types.Object{}, xerrors.Errorf("object %v is read-only", id)
	}

	if obj.Owner.Kind == types.OwnerImmutable {
		return types.Object{}, xerrors.Errorf("object %v is immutable", id)
	}

	return obj, nil
}

// reset discards the writes of the contract. The mutable inputs are still
// written at the new version.
func (ctx *Context) reset() {
	ctx.staged = make(map[types.ObjectID]types.Object)
	ctx.created = nil
	ctx.deleted = nil
	ctx.events = nil

	for _, obj := range ctx.inputs {
		input := ctx.kinds[obj.ID]
		if input.Kind == types.InputPackage || !input.Mutable {
			continue
		}

		if obj.Owner.Kind == types.OwnerImmutable {
			continue
		}

		ctx.staged[obj.ID] = obj
	}
}

func (ctx *Context) gasUsed() uint64 {
	proto := ctx.in.Protocol
	used := proto.BaseGasCost

	for _, obj := range ctx.staged {
		used += proto.ObjectWriteCost + proto.ByteWriteCost*uint64(len(obj.Contents))
	}

	return used
}

func (ctx *Context) checkBudget() error {
	used := ctx.gasUsed()
	if used > ctx.in.Data.GasBudget {
		return xerrors.Errorf("insufficient gas: used %d, budget %d", used, ctx.in.Data.GasBudget)
	}

	return nil
}

func (ctx *Context) output(status types.ExecutionStatus, gas types.Object,
	gasUsed uint64) types.ExecutionOutput {

	digest := ctx.in.Digest

	out := types.ExecutionOutput{
		Inputs:  append(ctx.Inputs(), ctx.in.Objects[gas.ID]),
		Deleted: ctx.deleted,
		Events:  ctx.events,
	}

	effects := types.Effects{
		Status:        status,
		Transaction:   digest,
		Epoch:         ctx.in.Epoch,
		GasUsed:       gasUsed,
		SharedObjects: ctx.in.SharedRefs,
		EventsDigest:  types.EventsDigest(ctx.events),
		Dependencies:  ctx.in.Dependencies,
	}

	bump := func(obj types.Object) types.Object {
		obj.Version = ctx.version
		obj.PreviousTransaction = digest
		return obj
	}

	for _, obj := range ctx.inputs {
		input := ctx.kinds[obj.ID]
		if input.Kind == types.InputOwned || (input.Kind == types.InputShared && input.Mutable) {
			out.MutableInputs = append(out.MutableInputs, obj.Ref())
		}

		staged, found := ctx.staged[obj.ID]
		if !found {
			continue
		}

		written := bump(staged)
		out.Written = append(out.Written, written)
		effects.Mutated = append(effects.Mutated, types.OwnedRef{Ref: written.Ref(), Owner: written.Owner})
	}

	for _, id := range ctx.created {
		written := bump(ctx.staged[id])
		out.Written = append(out.Written, written)
		effects.Created = append(effects.Created, types.OwnedRef{Ref: written.Ref(), Owner: written.Owner})
	}

	for _, deleted := range ctx.deleted {
		if deleted.Kind == types.DeleteWrap {
			effects.Wrapped = append(effects.Wrapped, deleted.Ref())
		} else {
			effects.Deleted = append(effects.Deleted, deleted.Ref())
		}
	}

	out.MutableInputs = append(out.MutableInputs, ctx.in.Objects[gas.ID].Ref())

	gas = bump(gas)
	out.Written = append(out.Written, gas)
	effects.GasObject = types.OwnedRef{Ref: gas.Ref(), Owner: gas.Owner}
	effects.Mutated = append(effects.Mutated, effects.GasObject)

	out.Effects = effects

	return out
}
