// Package gob implements the context engine for the gob format.
package gob

import (
	"bytes"
	"encoding/gob"

	"go.dedis.ch/certexec/serde"
)

// gobEngine is a context engine to marshal and unmarshal in gob format.
//
// - implements serde.ContextEngine
type gobEngine struct{}

// NewContext returns a gob context.
func NewContext() serde.Context {
	return serde.NewContext(gobEngine{})
}

// GetFormat implements serde.ContextEngine. It returns the gob format name.
func (ctx gobEngine) GetFormat() serde.Format {
	return serde.FormatGob
}

// Marshal implements serde.ContextEngine. Every buffer is produced by a fresh
// encoder so that it can be decoded on its own.
func (ctx gobEngine) Marshal(m interface{}) ([]byte, error) {
	buffer := new(bytes.Buffer)

	err := gob.NewEncoder(buffer).Encode(m)
	if err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

// Unmarshal implements serde.ContextEngine. It populates the message from the
// gob buffer.
func (ctx gobEngine) Unmarshal(data []byte, m interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(m)
}
