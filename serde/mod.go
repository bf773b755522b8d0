// Package serde defines the primitives to serialize and deserialize (serde) the
// records persisted by the storage layers.
//
// The format is chosen by the context passed to the components:
// - JSON
// - Gob
package serde

import "golang.org/x/xerrors"

// Format is the identifier of a format implementation.
type Format string

const (
	// FormatJSON is the identifier for JSON formats.
	FormatJSON Format = "JSON"

	// FormatGob is the identifier for Gob formats.
	FormatGob Format = "GOB"
)

// ContextEngine is the interface to implement to create a context.
type ContextEngine interface {
	// GetFormat returns the name of the format for this context.
	GetFormat() Format

	// Marshal returns the bytes of the message according to the format of the
	// context.
	Marshal(message interface{}) ([]byte, error)

	// Unmarshal populates the message with the data according to the format of
	// the context.
	Unmarshal(data []byte, message interface{}) error
}

// Context is the context passed to the serialization/deserialization requests.
type Context struct {
	ContextEngine
}

// NewContext returns a new context for the engine.
func NewContext(engine ContextEngine) Context {
	return Context{
		ContextEngine: engine,
	}
}

// Encode marshals the value and wraps the error with the name of the record.
func Encode(ctx Context, name string, v interface{}) ([]byte, error) {
	data, err := ctx.Marshal(v)
	if err != nil {
		return nil, xerrors.Errorf("failed to encode %s: %v", name, err)
	}

	return data, nil
}

// Decode unmarshals the data into a new value of type T.
func Decode[T any](ctx Context, name string, data []byte) (T, error) {
	var v T

	err := ctx.Unmarshal(data, &v)
	if err != nil {
		return v, xerrors.Errorf("failed to decode %s: %v", name, err)
	}

	return v, nil
}
