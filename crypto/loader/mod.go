// Package loader loads a key from a file, or generates it and stores it for
// the next time when the file does not exist.
package loader

import (
	"encoding/hex"
	"os"
	"strings"

	"golang.org/x/xerrors"
)

// Generator is the interface to implement to generate a key.
type Generator interface {
	Generate() ([]byte, error)
}

// GeneratorFunc is an adapter to use a function as a generator.
type GeneratorFunc func() ([]byte, error)

// Generate implements loader.Generator.
func (fn GeneratorFunc) Generate() ([]byte, error) {
	return fn()
}

// FileLoader stores the keys hex-encoded in a file.
type FileLoader struct {
	path string
}

// NewFileLoader creates a new loader that is using the file given in parameter.
func NewFileLoader(path string) FileLoader {
	return FileLoader{path: path}
}

// LoadOrCreate either loads the key from the file if it exists, or it
// generates a new one and stores it in the file. The file created is only
// readable by the current user (0400).
func (l FileLoader) LoadOrCreate(g Generator) ([]byte, error) {
	_, err := os.Stat(l.path)
	if !os.IsNotExist(err) {
		data, err := l.Load()
		if err != nil {
			return nil, xerrors.Errorf("failed to load file: %v", err)
		}

		return data, nil
	}

	data, err := g.Generate()
	if err != nil {
		return nil, xerrors.Errorf("generator failed: %v", err)
	}

	err = os.WriteFile(l.path, []byte(hex.EncodeToString(data)), 0400)
	if err != nil {
		return nil, xerrors.Errorf("while writing: %v", err)
	}

	return data, nil
}

// Load reads and decodes the key of the file.
func (l FileLoader) Load() ([]byte, error) {
	text, err := os.ReadFile(l.path)
	if err != nil {
		return nil, xerrors.Errorf("while reading file: %v", err)
	}

	data, err := hex.DecodeString(strings.TrimSpace(string(text)))
	if err != nil {
		return nil, xerrors.Errorf("malformed key: %v", err)
	}

	return data, nil
}
