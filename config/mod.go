// Package config defines the configuration of a node.
//
// The configuration is read from a YAML file on top of the defaults. The
// command line flags, which can be fed from the environment and from .env
// files, override the values of the file.
package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"go.dedis.ch/certexec/core/authority"
	"go.dedis.ch/certexec/core/authority/txmanager"
	"go.dedis.ch/certexec/core/store/kv"
	"go.dedis.ch/certexec/core/types"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"
)

const (
	// EncodingJSON serializes the records in JSON.
	EncodingJSON = "json"
	// EncodingGob serializes the records with gob.
	EncodingGob = "gob"
)

// Config is the configuration of a node.
type Config struct {
	DataDir string    `yaml:"data_dir"`
	Engine  kv.Engine `yaml:"engine"`

	// Encoding is the serialization of the records, either json or gob. It
	// cannot change once the database is created.
	Encoding string `yaml:"encoding"`

	// KeyFile is the file of the private key of the authority, relative to
	// the data directory.
	KeyFile string `yaml:"key_file"`

	// EventStore is the path of the sqlite event store, relative to the data
	// directory. The events are not stored when it is empty.
	EventStore string `yaml:"event_store"`

	MetricsAddr string `yaml:"metrics_addr"`
	Tracing     bool   `yaml:"tracing"`

	// RecoveryLimit is the maximum number of log entries processed at
	// startup. Zero processes all of them.
	RecoveryLimit int `yaml:"recovery_limit"`

	DriverConcurrency   int `yaml:"driver_concurrency"`
	MaxPendingExecution int `yaml:"max_pending_execution"`
	MaxPendingOnObject  int `yaml:"max_pending_on_object"`

	Epoch types.EpochID `yaml:"epoch"`

	// Committee is the list of hex-encoded public keys of the authorities.
	// The committee is the node alone when it is empty.
	Committee []string `yaml:"committee"`

	Genesis []Coin `yaml:"genesis"`
}

// Coin is a coin object created at genesis.
type Coin struct {
	ID      string `yaml:"id"`
	Owner   string `yaml:"owner"`
	Balance uint64 `yaml:"balance"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		DataDir:             filepath.Join(os.TempDir(), "certexec"),
		Engine:              kv.EngineBolt,
		Encoding:            EncodingJSON,
		KeyFile:             "private.key",
		EventStore:          "events.db",
		MetricsAddr:         "127.0.0.1:9100",
		DriverConcurrency:   authority.DefaultDriverConcurrency,
		MaxPendingExecution: txmanager.MaxPendingExecution,
		MaxPendingOnObject:  txmanager.MaxPendingOnObject,
		Epoch:               1,
	}
}

// Load reads the configuration file on top of the defaults. The defaults are
// returned when the path is empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, xerrors.Errorf("failed to read config: %v", err)
	}

	err = yaml.UnmarshalStrict(data, &cfg)
	if err != nil {
		return cfg, xerrors.Errorf("failed to decode config: %v", err)
	}

	return cfg, nil
}

// LoadEnv loads the variables of the .env files into the environment. The
// files that do not exist are ignored, and variables already set are kept.
func LoadEnv(paths ...string) error {
	for _, path := range paths {
		_, err := os.Stat(path)
		if os.IsNotExist(err) {
			continue
		}

		err = godotenv.Load(path)
		if err != nil {
			return xerrors.Errorf("failed to load '%s': %v", path, err)
		}
	}

	return nil
}

// Validate returns an error if the configuration cannot be used.
func (c Config) Validate() error {
	switch c.Engine {
	case kv.EngineBolt, kv.EnginePebble:
	default:
		return xerrors.Errorf("unknown engine '%s'", c.Engine)
	}

	if c.Encoding != EncodingJSON && c.Encoding != EncodingGob {
		return xerrors.Errorf("unknown encoding '%s'", c.Encoding)
	}

	if c.DataDir == "" {
		return xerrors.New("data directory is missing")
	}

	if c.RecoveryLimit < 0 {
		return xerrors.Errorf("invalid recovery limit %d", c.RecoveryLimit)
	}

	if c.DriverConcurrency <= 0 {
		return xerrors.Errorf("invalid driver concurrency %d", c.DriverConcurrency)
	}

	if c.MaxPendingExecution <= 0 || c.MaxPendingOnObject <= 0 {
		return xerrors.Errorf("invalid capacity %d/%d",
			c.MaxPendingExecution, c.MaxPendingOnObject)
	}

	if c.Epoch == 0 {
		return xerrors.New("epoch must be positive")
	}

	return nil
}

// Path returns the path relative to the data directory, or the path itself if
// it is absolute.
func (c Config) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}

	return filepath.Join(c.DataDir, name)
}
