// Package eventstore implements the store of the events emitted by the
// executed transactions. It is written by the post-processing of the
// execution, after the outputs are committed, and it is not required for a
// transaction to be complete.
//
// The events are stored in a SQLite database in WAL journal mode.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/hex"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.dedis.ch/certexec/core/types"
	"golang.org/x/xerrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          TEXT PRIMARY KEY,
	tx_digest   TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	epoch       INTEGER NOT NULL,
	type        TEXT NOT NULL,
	sender      TEXT NOT NULL,
	object      TEXT NOT NULL,
	payload     BLOB,
	UNIQUE (tx_digest, seq)
);

CREATE INDEX IF NOT EXISTS events_by_type ON events (type);
CREATE INDEX IF NOT EXISTS events_by_sender ON events (sender);
`

// Record is an event stored with the transaction that emitted it.
type Record struct {
	ID          string
	Transaction types.Digest
	Sequence    int
	Epoch       types.EpochID
	Event       types.Event
}

// Store is the event store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at the path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, xerrors.Errorf("failed to open database: %v", err)
	}

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("failed to connect to database: %v", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		_, err = db.Exec(pragma)
		if err != nil {
			db.Close()
			return nil, xerrors.Errorf("failed to execute %q: %v", pragma, err)
		}
	}

	_, err = db.Exec(schema)
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("failed to apply schema: %v", err)
	}

	return &Store{db: db}, nil
}

// Append stores the events of the transaction. Appending the events of a
// transaction twice keeps the first copy.
func (s *Store) Append(ctx context.Context, digest types.Digest, epoch types.EpochID,
	events []types.Event) error {

	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("failed to begin: %v", err)
	}

	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO events
		(id, tx_digest, seq, epoch, type, sender, object, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return xerrors.Errorf("failed to prepare: %v", err)
	}

	defer stmt.Close()

	for i, event := range events {
		id, err := uuid.NewV7()
		if err != nil {
			return xerrors.Errorf("failed to generate id: %v", err)
		}

		_, err = stmt.ExecContext(ctx, id.String(), digest.Hex(), i, uint64(epoch),
			event.Type, hex.EncodeToString(event.Sender[:]),
			hex.EncodeToString(event.Object[:]), event.Payload)
		if err != nil {
			return xerrors.Errorf("failed to insert event %d: %v", i, err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return xerrors.Errorf("failed to commit: %v", err)
	}

	return nil
}

// ByTransaction returns the events of the transaction in emission order.
func (s *Store) ByTransaction(ctx context.Context, digest types.Digest) ([]Record, error) {
	return s.query(ctx, `SELECT id, tx_digest, seq, epoch, type, sender, object, payload
		FROM events WHERE tx_digest = ? ORDER BY seq`, digest.Hex())
}

// ByType returns the events of the type, the oldest first.
func (s *Store) ByType(ctx context.Context, eventType string, limit int) ([]Record, error) {
	return s.query(ctx, `SELECT id, tx_digest, seq, epoch, type, sender, object, payload
		FROM events WHERE type = ? ORDER BY id LIMIT ?`, eventType, limit)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Errorf("failed to query: %v", err)
	}

	defer rows.Close()

	var records []Record

	for rows.Next() {
		var rec Record
		var digest, sender, object string
		var epoch uint64

		err = rows.Scan(&rec.ID, &digest, &rec.Sequence, &epoch,
			&rec.Event.Type, &sender, &object, &rec.Event.Payload)
		if err != nil {
			return nil, xerrors.Errorf("failed to scan: %v", err)
		}

		rec.Epoch = types.EpochID(epoch)

		rec.Transaction, err = types.DigestFromHex(digest)
		if err != nil {
			return nil, xerrors.Errorf("invalid digest: %v", err)
		}

		err = decodeInto(rec.Event.Sender[:], sender)
		if err != nil {
			return nil, xerrors.Errorf("invalid sender: %v", err)
		}

		err = decodeInto(rec.Event.Object[:], object)
		if err != nil {
			return nil, xerrors.Errorf("invalid object: %v", err)
		}

		records = append(records, rec)
	}

	err = rows.Err()
	if err != nil {
		return nil, xerrors.Errorf("failed to iterate: %v", err)
	}

	return records, nil
}

func decodeInto(dst []byte, text string) error {
	data, err := hex.DecodeString(text)
	if err != nil {
		return err
	}

	if len(data) != len(dst) {
		return xerrors.Errorf("invalid length %d", len(data))
	}

	copy(dst, data)

	return nil
}
