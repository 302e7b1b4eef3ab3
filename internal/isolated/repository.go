package isolated

import "binance-pt-bot-go/internal/models"

// Repository defines the interface for isolated-orders persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the manager.
type Repository interface {
	// SaveAll atomically replaces the persisted ledger with the given orders.
	SaveAll(orders []models.IsolatedOrder) error

	// LoadAll loads the persisted ledger.
	// If nothing is stored yet, it returns (nil, nil).
	LoadAll() ([]models.IsolatedOrder, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
