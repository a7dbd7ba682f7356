package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

var badgerKey = []byte("snapshot/registry")

// BadgerRepository keeps the snapshot in an embedded Badger database, for daemons
// that run without Redis.
type BadgerRepository struct {
	db *badger.DB
}

// OpenBadger opens the database in dir, or an in-memory one when dir is empty.
func OpenBadger(dir string) (*BadgerRepository, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create snapshot dir %s: %w", dir, err)
		}
		opts = badger.DefaultOptions(dir).WithSyncWrites(true)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerRepository{db: db}, nil
}

func (r *BadgerRepository) Load(_ context.Context) (Snapshot, error) {
	var payload []byte
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	return decode(payload)
}

func (r *BadgerRepository) Save(_ context.Context, snap Snapshot) error {
	payload, err := encode(snap)
	if err != nil {
		return err
	}
	if err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey, payload)
	}); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Ping reports whether the database is still open.
func (r *BadgerRepository) Ping(_ context.Context) error {
	if r.db.IsClosed() {
		return badger.ErrDBClosed
	}
	return nil
}

func (r *BadgerRepository) Close() error {
	return r.db.Close()
}
