package isolated

import (
	"encoding/json"
	"errors"

	"binance-pt-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

// badgerRepository is the BadgerDB implementation of the Repository.
type badgerRepository struct {
	db        *badger.DB
	ledgerKey []byte
}

// NewBadgerRepository creates and returns a new repository instance connected
// to a BadgerDB database at dbPath.
func NewBadgerRepository(dbPath string) (Repository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Disable Badger's own logging to keep the app's logs clean.
	// Errors are still returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &badgerRepository{
		db:        db,
		ledgerKey: []byte("isolated_orders"),
	}, nil
}

// SaveAll marshals the whole ledger into JSON and stores it under a single key.
// The ledger is small (tens of orders) so a full rewrite per change is cheap
// and keeps reads trivially consistent.
func (r *badgerRepository) SaveAll(orders []models.IsolatedOrder) error {
	data, err := json.Marshal(orders)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(r.ledgerKey, data)
	})
}

// LoadAll loads the ledger from storage.
// A missing key means no ledger has been written yet and is not an error.
func (r *badgerRepository) LoadAll() ([]models.IsolatedOrder, error) {
	var orders []models.IsolatedOrder

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.ledgerKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &orders)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
