package isolated

import (
	"testing"

	"binance-pt-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memoryRepository is an in-memory Repository for tests.
type memoryRepository struct {
	orders []models.IsolatedOrder
	saves  int
}

func (r *memoryRepository) SaveAll(orders []models.IsolatedOrder) error {
	r.orders = append([]models.IsolatedOrder(nil), orders...)
	r.saves++
	return nil
}

func (r *memoryRepository) LoadAll() ([]models.IsolatedOrder, error) {
	return r.orders, nil
}

func (r *memoryRepository) Close() error { return nil }

func newTestManager(t *testing.T, seed ...models.IsolatedOrder) (*Manager, *memoryRepository) {
	t.Helper()
	repo := &memoryRepository{orders: seed}
	m, err := NewManager(repo, zap.NewNop().Sugar())
	require.NoError(t, err)
	return m, repo
}

func TestOnFillSellBelowOriginalPrice(t *testing.T) {
	m, _ := newTestManager(t, models.IsolatedOrder{
		UID:            "abc123",
		Symbol:         "BTCEUR",
		Side:           models.Sell,
		Price:          40050,
		Amount:         0.02,
		ExpectedProfit: 1.60,
	})

	realized, original, ok := m.OnFill("abc123", 40040)
	require.True(t, ok)
	assert.InDelta(t, 1.40, realized, 1e-9)
	assert.InDelta(t, 1.60, original, 1e-9)
	assert.Equal(t, 0, m.Count(), "reconciled order must leave the ledger")
}

func TestOnFillBuyBelowOriginalPrice(t *testing.T) {
	m, _ := newTestManager(t, models.IsolatedOrder{
		UID:            "def456",
		Symbol:         "BTCEUR",
		Side:           models.Buy,
		Price:          39960,
		Amount:         0.02,
		ExpectedProfit: 1.60,
	})

	// A buy filled cheaper than planned improves the outcome.
	realized, _, ok := m.OnFill("def456", 39950)
	require.True(t, ok)
	assert.InDelta(t, 1.80, realized, 1e-9)
}

func TestOnFillUnknownUID(t *testing.T) {
	m, _ := newTestManager(t)

	_, _, ok := m.OnFill("missing", 40000)
	assert.False(t, ok)
}

func TestAdoptPersistsAndSurvivesRestart(t *testing.T) {
	m, repo := newTestManager(t)

	err := m.Adopt([]models.IsolatedOrder{
		{UID: "a", Symbol: "BTCEUR", Side: models.Buy, Price: 39000, Amount: 0.02, ExpectedProfit: 1.2},
		{UID: "b", Symbol: "ETHEUR", Side: models.Sell, Price: 2100, Amount: 0.5, ExpectedProfit: 0.9},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Count())
	assert.Equal(t, 1, m.CountBySymbol("BTCEUR"))

	// A fresh manager over the same repository sees the same ledger.
	m2, err := NewManager(repo, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, 2, m2.Count())
	for _, o := range m2.Snapshot() {
		assert.False(t, o.CreatedAt.IsZero())
	}
}

func TestFurthestBeyond(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.Adopt([]models.IsolatedOrder{
		{UID: "near", Symbol: "BTCEUR", Side: models.Sell, Price: 40100, Amount: 0.02},
		{UID: "far", Symbol: "BTCEUR", Side: models.Sell, Price: 41000, Amount: 0.02},
		{UID: "wrongside", Symbol: "BTCEUR", Side: models.Buy, Price: 30000, Amount: 0.02},
		{UID: "wrongsymbol", Symbol: "ETHEUR", Side: models.Sell, Price: 99999, Amount: 0.5},
	}))

	o, ok := m.FurthestBeyond("BTCEUR", models.Sell, 40000, 500)
	require.True(t, ok)
	assert.Equal(t, "far", o.UID)

	_, ok = m.FurthestBeyond("BTCEUR", models.Sell, 40000, 2000)
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	m, repo := newTestManager(t, models.IsolatedOrder{UID: "x", Symbol: "BTCEUR", Side: models.Buy})

	assert.True(t, m.Remove("x"))
	assert.False(t, m.Remove("x"))
	assert.Empty(t, repo.orders)
}
