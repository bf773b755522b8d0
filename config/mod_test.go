package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/certexec/core/store/kv"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, kv.EngineBolt, cfg.Engine)
	require.Equal(t, 20_000, cfg.MaxPendingExecution)
	require.Equal(t, 1_000, cfg.MaxPendingOnObject)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
data_dir: /var/lib/certexec
engine: pebble
encoding: gob
recovery_limit: 10
committee:
  - aabb
genesis:
  - id: "01"
    owner: "02"
    balance: 100
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.Equal(t, "/var/lib/certexec", cfg.DataDir)
	require.Equal(t, kv.EnginePebble, cfg.Engine)
	require.Equal(t, EncodingGob, cfg.Encoding)
	require.Equal(t, 10, cfg.RecoveryLimit)
	require.Equal(t, []string{"aabb"}, cfg.Committee)
	require.Equal(t, []Coin{{ID: "01", Owner: "02", Balance: 100}}, cfg.Genesis)
	require.Equal(t, Default().DriverConcurrency, cfg.DriverConcurrency)

	cfg, err = Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	_, err = Load(filepath.Join(dir, "unknown.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to read config: ")

	require.NoError(t, os.WriteFile(path, []byte("oops: 1"), 0600))

	_, err = Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "failed to decode config: ")
}

func TestLoadEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("CERTEXEC_TEST_VALUE=abc\n"), 0600))

	t.Cleanup(func() { os.Unsetenv("CERTEXEC_TEST_VALUE") })

	require.NoError(t, LoadEnv(path, filepath.Join(t.TempDir(), "missing.env")))
	require.Equal(t, "abc", os.Getenv("CERTEXEC_TEST_VALUE"))
}

func TestConfig_Validate(t *testing.T) {
	cfg := Default()
	cfg.Engine = "leveldb"
	require.EqualError(t, cfg.Validate(), "unknown engine 'leveldb'")

	cfg = Default()
	cfg.Encoding = "xml"
	require.EqualError(t, cfg.Validate(), "unknown encoding 'xml'")

	cfg = Default()
	cfg.DataDir = ""
	require.EqualError(t, cfg.Validate(), "data directory is missing")

	cfg = Default()
	cfg.RecoveryLimit = -1
	require.EqualError(t, cfg.Validate(), "invalid recovery limit -1")

	cfg = Default()
	cfg.DriverConcurrency = 0
	require.EqualError(t, cfg.Validate(), "invalid driver concurrency 0")

	cfg = Default()
	cfg.MaxPendingOnObject = 0
	require.EqualError(t, cfg.Validate(), "invalid capacity 20000/0")

	cfg = Default()
	cfg.Epoch = 0
	require.EqualError(t, cfg.Validate(), "epoch must be positive")
}

func TestConfig_Path(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"

	require.Equal(t, "/data/events.db", cfg.Path("events.db"))
	require.Equal(t, "/tmp/events.db", cfg.Path("/tmp/events.db"))
}
