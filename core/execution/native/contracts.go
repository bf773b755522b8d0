package native

import (
	"encoding/binary"

	"go.dedis.ch/certexec/core/types"
	"golang.org/x/xerrors"
)

const (
	// TransferContract transfers every owned input to the address of the
	// first argument.
	TransferContract = "transfer"
	// CreateContract creates an object with the contents of the first
	// argument, owned by the sender. The object is shared when the second
	// argument is "shared".
	CreateContract = "create"
	// DeleteContract deletes every owned input.
	DeleteContract = "delete"
	// WrapContract wraps every owned input after the first one into the first
	// one.
	WrapContract = "wrap"
	// IncrementContract increments the counter of every mutable shared input.
	IncrementContract = "increment"
)

func transfer(ctx *Context) error {
	arg, err := ctx.Arg(0)
	if err != nil {
		return err
	}

	if len(arg) != types.DigestSize {
		return xerrors.Errorf("invalid recipient of %d bytes", len(arg))
	}

	var recipient types.Address
	copy(recipient[:], arg)

	for _, obj := range ctx.Owned() {
		err = ctx.Transfer(obj.ID, recipient)
		if err != nil {
			return err
		}

		ctx.Emit("transfer", obj.ID, recipient[:])
	}

	return nil
}

func create(ctx *Context) error {
	contents, err := ctx.Arg(0)
	if err != nil {
		return err
	}

	owner := types.AddressOwner(ctx.Sender())

	mode, err := ctx.Arg(1)
	if err == nil && string(mode) == "shared" {
		owner = types.SharedOwner(0)
	}

	id := ctx.Create(owner, contents)
	ctx.Emit("create", id, nil)

	return nil
}

func destroy(ctx *Context) error {
	for _, obj := range ctx.Owned() {
		err := ctx.Delete(obj.ID)
		if err != nil {
			return err
		}

		ctx.Emit("delete", obj.ID, nil)
	}

	return nil
}

func wrap(ctx *Context) error {
	owned := ctx.Owned()
	if len(owned) < 2 {
		return xerrors.New("wrap needs a container and at least one object")
	}

	container := owned[0]
	contents := append([]byte{}, container.Contents...)

	for _, obj := range owned[1:] {
		contents = append(contents, obj.Contents...)

		err := ctx.Wrap(obj.ID)
		if err != nil {
			return err
		}
	}

	return ctx.Mutate(container.ID, contents)
}

func increment(ctx *Context) error {
	shared := ctx.Shared()
	if len(shared) == 0 {
		return xerrors.New("no shared counter")
	}

	for _, obj := range shared {
		var value uint64
		if len(obj.Contents) == 8 {
			value = binary.BigEndian.Uint64(obj.Contents)
		}

		value++

		buffer := make([]byte, 8)
		binary.BigEndian.PutUint64(buffer, value)

		err := ctx.Mutate(obj.ID, buffer)
		if err != nil {
			return err
		}

		ctx.Emit("increment", obj.ID, buffer)
	}

	return nil
}
