package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/certexec/core/execution/native"
)

const (
	coinID    = "0100000000000000000000000000000000000000000000000000000000000000"
	coinOwner = "aa00000000000000000000000000000000000000000000000000000000000000"
)

func TestApp_ObjectShow(t *testing.T) {
	path := writeConfig(t, "")

	out, err := run(t, "--config", path, "object", "show", "--id", coinID)
	require.NoError(t, err)
	require.Contains(t, out, "id="+coinID)
	require.Contains(t, out, "version=1")
	require.Contains(t, out, fmt.Sprintf("contents=%x", native.EncodeCoin(500)))

	// The genesis is not inserted again on restart.
	_, err = run(t, "--config", path, "object", "show", "--id", coinID)
	require.NoError(t, err)

	_, err = run(t, "--config", path, "object", "show", "--id", "abc")
	require.EqualError(t, err, "invalid identifier: invalid length 3")

	_, err = run(t, "--config", path, "object", "show", "--id", strings.Repeat("0", 64))
	require.Error(t, err)
	require.Contains(t, err.Error(), "object not found")
}

func TestApp_PebbleGob(t *testing.T) {
	path := writeConfig(t, "engine: pebble\nencoding: gob\n")

	out, err := run(t, "--config", path, "object", "show", "--id", coinID)
	require.NoError(t, err)
	require.Contains(t, out, "version=1")

	out, err = run(t, "--config", path, "wal", "list")
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestApp_Wal(t *testing.T) {
	path := writeConfig(t, "")

	out, err := run(t, "--config", path, "wal", "list")
	require.NoError(t, err)
	require.Empty(t, out)

	_, err = run(t, "--config", path, "wal", "retry", "--digest", strings.Repeat("0", 64))
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to retry: ")

	_, err = run(t, "--config", path, "wal", "retry", "--digest", "zz")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid digest: ")

	out, err = run(t, "--config", path, "recover", "--limit", "5")
	require.NoError(t, err)
	require.Equal(t, "0 transactions recovered\n", out)
}

func TestApp_Events(t *testing.T) {
	path := writeConfig(t, "")

	out, err := run(t, "--config", path, "events", "--digest", strings.Repeat("0", 64))
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestApp_InvalidConfig(t *testing.T) {
	path := writeConfig(t, "")

	_, err := run(t, "--config", path, "--engine", "leveldb", "wal", "list")
	require.EqualError(t, err, "invalid configuration: unknown engine 'leveldb'")

	_, err = run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "wal", "list")
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to read config: ")
}

// -----------------------------------------------------------------------------
// Utility functions

func writeConfig(t *testing.T, extra string) string {
	dir := t.TempDir()

	content := fmt.Sprintf(`
data_dir: %s
genesis:
  - id: "%s"
    owner: "%s"
    balance: 500
%s`, filepath.Join(dir, "data"), coinID, coinOwner, extra)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	return path
}

func run(t *testing.T, args ...string) (string, error) {
	out := new(bytes.Buffer)

	app := newApp()
	app.Writer = out
	app.ErrWriter = out

	err := app.Run(append([]string{"certexec", "--env", filepath.Join(t.TempDir(), ".env")}, args...))

	return out.String(), err
}
