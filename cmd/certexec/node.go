package main

import (
	"encoding/hex"
	"os"

	"go.dedis.ch/certexec"
	"go.dedis.ch/certexec/config"
	"go.dedis.ch/certexec/core/authority"
	"go.dedis.ch/certexec/core/authority/epoch"
	"go.dedis.ch/certexec/core/authority/eventstore"
	"go.dedis.ch/certexec/core/authority/objstore"
	"go.dedis.ch/certexec/core/authority/txmanager"
	"go.dedis.ch/certexec/core/authority/wal"
	"go.dedis.ch/certexec/core/execution/native"
	"go.dedis.ch/certexec/core/store/kv"
	"go.dedis.ch/certexec/core/types"
	"go.dedis.ch/certexec/crypto/ed25519"
	"go.dedis.ch/certexec/crypto/loader"
	"go.dedis.ch/certexec/serde"
	"go.dedis.ch/certexec/serde/gob"
	"go.dedis.ch/certexec/serde/json"
	"golang.org/x/xerrors"
)

const storeFile = "store.db"

// node holds the components opened from a configuration.
type node struct {
	db     kv.DB
	events *eventstore.Store
	state  *authority.State
}

func openNode(cfg config.Config) (*node, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, xerrors.Errorf("invalid configuration: %v", err)
	}

	err = os.MkdirAll(cfg.DataDir, 0700)
	if err != nil {
		return nil, xerrors.Errorf("failed to create data directory: %v", err)
	}

	signer, err := loadSigner(cfg.Path(cfg.KeyFile))
	if err != nil {
		return nil, err
	}

	committee, err := makeCommittee(cfg, signer)
	if err != nil {
		return nil, err
	}

	db, err := kv.Open(cfg.Engine, cfg.Path(storeFile))
	if err != nil {
		return nil, xerrors.Errorf("failed to open database: %v", err)
	}

	n := &node{db: db}

	encoding := makeEncoding(cfg.Encoding)

	opts := []authority.Option{
		authority.WithStoreOptions(objstore.WithContext(encoding)),
		authority.WithWALOptions(wal.WithContext(encoding)),
		authority.WithDriverConcurrency(cfg.DriverConcurrency),
		authority.WithTxManagerOptions(
			txmanager.WithCapacity(cfg.MaxPendingExecution, cfg.MaxPendingOnObject)),
	}

	if cfg.EventStore != "" {
		n.events, err = eventstore.Open(cfg.Path(cfg.EventStore))
		if err != nil {
			n.Close()
			return nil, xerrors.Errorf("failed to open event store: %v", err)
		}

		opts = append(opts, authority.WithEventStore(n.events))
	}

	epochs := epoch.NewStore(epoch.Context{
		Epoch:     cfg.Epoch,
		Committee: committee,
		Protocol:  types.DefaultProtocolConfig(),
	})

	n.state, err = authority.NewState(signer, ed25519.NewVerifier(), db, epochs,
		native.NewExecution(), opts...)
	if err != nil {
		n.Close()
		return nil, xerrors.Errorf("failed to create state: %v", err)
	}

	err = n.insertGenesis(cfg.Genesis)
	if err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

func makeEncoding(name string) serde.Context {
	if name == config.EncodingGob {
		return gob.NewContext()
	}

	return json.NewContext()
}

// insertGenesis inserts the coins that do not exist yet, so that a restart
// does not reset the objects.
func (n *node) insertGenesis(coins []config.Coin) error {
	genesis, err := makeGenesis(coins)
	if err != nil {
		return err
	}

	missing := make([]types.Object, 0, len(genesis))

	for _, obj := range genesis {
		_, found, err := n.state.Store().GetLatestRef(obj.ID)
		if err != nil {
			return xerrors.Errorf("failed to read genesis: %v", err)
		}

		if !found {
			missing = append(missing, obj)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	return n.state.InsertGenesisObjects(missing...)
}

// Close stops the execution driver and closes the databases.
func (n *node) Close() error {
	if n.state != nil {
		n.state.Close()
	}

	if n.events != nil {
		err := n.events.Close()
		if err != nil {
			certexec.Logger.Warn().Err(err).Msg("failed to close event store")
		}
	}

	err := n.db.Close()
	if err != nil {
		return xerrors.Errorf("failed to close database: %v", err)
	}

	return nil
}

func loadSigner(path string) (ed25519.Signer, error) {
	gen := loader.GeneratorFunc(func() ([]byte, error) {
		return ed25519.NewSigner().MarshalBinary()
	})

	data, err := loader.NewFileLoader(path).LoadOrCreate(gen)
	if err != nil {
		return ed25519.Signer{}, xerrors.Errorf("failed to load key: %v", err)
	}

	signer, err := ed25519.NewSignerFromBytes(data)
	if err != nil {
		return ed25519.Signer{}, xerrors.Errorf("failed to load key: %v", err)
	}

	return signer, nil
}

func makeCommittee(cfg config.Config, signer ed25519.Signer) (types.Committee, error) {
	committee := types.Committee{Epoch: cfg.Epoch}

	for _, member := range cfg.Committee {
		key, err := hex.DecodeString(member)
		if err != nil {
			return committee, xerrors.Errorf("malformed committee member '%s': %v", member, err)
		}

		committee.Members = append(committee.Members, key)
	}

	if len(committee.Members) == 0 {
		committee.Members = [][]byte{signer.GetPublicKey()}
	}

	return committee, nil
}

func makeGenesis(coins []config.Coin) ([]types.Object, error) {
	objects := make([]types.Object, len(coins))

	for i, coin := range coins {
		id, err := types.ObjectIDFromHex(coin.ID)
		if err != nil {
			return nil, xerrors.Errorf("invalid coin identifier '%s': %v", coin.ID, err)
		}

		var owner types.Address

		err = owner.UnmarshalText([]byte(coin.Owner))
		if err != nil {
			return nil, xerrors.Errorf("invalid coin owner '%s': %v", coin.Owner, err)
		}

		objects[i] = types.Object{
			ID:       id,
			Version:  1,
			Owner:    types.AddressOwner(owner),
			Contents: native.EncodeCoin(coin.Balance),
		}
	}

	return objects, nil
}
