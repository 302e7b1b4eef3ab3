package isolated

import (
	"math"
	"sync"
	"time"

	"binance-pt-bot-go/internal/models"

	"go.uber.org/zap"
)

// Manager owns the process-wide ledger of isolated orders.
//
// Sessions hand their still-live orders over on shutdown; fills whose
// client order id no session recognizes are reconciled here. All methods
// are safe for concurrent use; critical sections contain no I/O other
// than the ledger rewrite, which is a local disk write.
type Manager struct {
	mu     sync.RWMutex
	orders map[string]models.IsolatedOrder
	repo   Repository
	logger *zap.SugaredLogger
}

// NewManager creates a manager seeded from the persisted ledger, so orders
// isolated by a previous process run are reconciled as well.
func NewManager(repo Repository, logger *zap.SugaredLogger) (*Manager, error) {
	stored, err := repo.LoadAll()
	if err != nil {
		return nil, err
	}

	orders := make(map[string]models.IsolatedOrder, len(stored))
	for _, o := range stored {
		orders[o.UID] = o
	}
	if len(orders) > 0 {
		logger.Infof("isolated ledger loaded: %d order(s) from previous run(s)", len(orders))
	}

	return &Manager{
		orders: orders,
		repo:   repo,
		logger: logger,
	}, nil
}

// Adopt takes ownership of orders a stopping session leaves behind.
func (m *Manager) Adopt(orders []models.IsolatedOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, o := range orders {
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		m.orders[o.UID] = o
		m.logger.Infof("order isolated [%s] uid=%s side=%s price=%.8f qty=%.8f expected=%.8f",
			o.Symbol, o.UID, o.Side, o.Price, o.Amount, o.ExpectedProfit)
	}
	return m.persistLocked()
}

// OnFill reconciles a fill against the ledger. For a buy originally priced
// at p0 and traded at p, realized profit is expected+(p0-p)*qty; for a sell
// it is expected+(p-p0)*qty. The order leaves the ledger and the caller
// folds (realized, original expected) into its global counters.
//
// Returns ok=false when the uid is not in the ledger.
func (m *Manager) OnFill(uid string, tradedPrice float64) (realized, originalExpected float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, found := m.orders[uid]
	if !found {
		return 0, 0, false
	}

	if o.Side == models.Buy {
		realized = o.ExpectedProfit + (o.Price-tradedPrice)*o.Amount
	} else {
		realized = o.ExpectedProfit + (tradedPrice-o.Price)*o.Amount
	}

	delete(m.orders, uid)
	if err := m.persistLocked(); err != nil {
		m.logger.Errorf("isolated ledger persist after fill failed: %v", err)
	}

	m.logger.Infof("isolated fill reconciled [%s] uid=%s side=%s original=%.8f traded=%.8f realized=%.8f",
		o.Symbol, uid, o.Side, o.Price, tradedPrice, realized)
	return realized, o.ExpectedProfit, true
}

// Remove drops an order from the ledger without reconciliation,
// e.g. after the exchange reports it canceled.
func (m *Manager) Remove(uid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found := m.orders[uid]; !found {
		return false
	}
	delete(m.orders, uid)
	if err := m.persistLocked(); err != nil {
		m.logger.Errorf("isolated ledger persist after remove failed: %v", err)
	}
	return true
}

// FurthestBeyond returns the isolated order of the given symbol and side
// furthest from cmp, provided its distance exceeds minDistance. Used by
// the liquidity rescue to pick cancellation candidates.
func (m *Manager) FurthestBeyond(symbol string, side models.Side, cmp, minDistance float64) (models.IsolatedOrder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best models.IsolatedOrder
	bestDist := minDistance
	found := false
	for _, o := range m.orders {
		if o.Symbol != symbol || o.Side != side {
			continue
		}
		d := math.Abs(o.Price - cmp)
		if d > bestDist {
			bestDist = d
			best = o
			found = true
		}
	}
	return best, found
}

// Snapshot returns a copy of the ledger for read-only iteration.
func (m *Manager) Snapshot() []models.IsolatedOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.IsolatedOrder, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	return out
}

// Count returns the ledger size.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.orders)
}

// CountBySymbol returns the number of isolated orders for one symbol.
func (m *Manager) CountBySymbol(symbol string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, o := range m.orders {
		if o.Symbol == symbol {
			n++
		}
	}
	return n
}

// Close flushes the ledger and closes the repository.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.persistLocked(); err != nil {
		return err
	}
	return m.repo.Close()
}

// persistLocked rewrites the persisted ledger; caller holds mu.
func (m *Manager) persistLocked() error {
	orders := make([]models.IsolatedOrder, 0, len(m.orders))
	for _, o := range m.orders {
		orders = append(orders, o)
	}
	return m.repo.SaveAll(orders)
}
