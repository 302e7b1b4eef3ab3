package manager

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"binance-pt-bot-go/internal/actionlog"
	"binance-pt-bot-go/internal/isolated"
	"binance-pt-bot-go/internal/models"
	"binance-pt-bot-go/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeExchange implements exchange.Exchange in memory. With autoFill set
// it answers every market order with a FILLED execution report, closing
// the loop the way a real venue would.
type fakeExchange struct {
	mu       sync.Mutex
	events   chan models.StreamEvent
	accounts []models.Account
	open     []models.OpenOrder
	limits   []models.Order
	markets  []models.Order
	cancels  []string
	nextID   int64
	autoFill bool
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{events: make(chan models.StreamEvent, 256)}
}

func (f *fakeExchange) Start() error                          { return nil }
func (f *fakeExchange) Events() <-chan models.StreamEvent     { return f.events }
func (f *fakeExchange) Close() error                          { return nil }
func (f *fakeExchange) GetAccount() ([]models.Account, error) { return f.accounts, nil }

func (f *fakeExchange) GetAssetBalance(asset string) (models.Account, error) {
	for _, a := range f.accounts {
		if a.AssetName == asset {
			return a, nil
		}
	}
	return models.Account{AssetName: asset}, nil
}

func (f *fakeExchange) GetAllSymbolInfo(symbol string) (models.SymbolFilters, error) {
	return models.SymbolFilters{TickSize: 0.01, StepSize: 0.0001, MinNotional: 10}, nil
}

func (f *fakeExchange) GetAvgPrice(symbol string) (float64, error) { return 40000, nil }

func (f *fakeExchange) GetOpenOrders() ([]models.OpenOrder, error) { return f.open, nil }

func (f *fakeExchange) PlaceLimit(order *models.Order) error {
	f.mu.Lock()
	f.nextID++
	order.ExchangeID = f.nextID
	f.limits = append(f.limits, *order)
	f.mu.Unlock()
	return nil
}

func (f *fakeExchange) PlaceMarket(order *models.Order) error {
	f.mu.Lock()
	f.nextID++
	order.ExchangeID = f.nextID
	f.markets = append(f.markets, *order)
	auto := f.autoFill
	f.mu.Unlock()
	if auto {
		f.emitFill(order.Symbol, order.UID, order.ExchangeID, order.Price)
	}
	return nil
}

func (f *fakeExchange) Cancel(order *models.Order) error {
	f.mu.Lock()
	f.cancels = append(f.cancels, order.UID)
	f.mu.Unlock()
	return nil
}

func (f *fakeExchange) emitTicker(symbol string, price float64) {
	f.events <- models.StreamEvent{
		Kind:   models.KindTicker,
		Ticker: &models.TickerEvent{Symbol: symbol, LastPrice: fmt.Sprintf("%.8f", price)},
	}
}

func (f *fakeExchange) emitFill(symbol, uid string, exchangeID int64, price float64) {
	f.events <- models.StreamEvent{
		Kind: models.KindExecutionReport,
		Exec: &models.ExecutionReport{
			Symbol:          symbol,
			ClientOrderID:   uid,
			ExecType:        "TRADE",
			OrderStatus:     "FILLED",
			ExecutedPrice:   fmt.Sprintf("%.8f", price),
			OrderID:         exchangeID,
			CommissionAmt:   "0",
			CommissionAsset: "EUR",
		},
	}
}

func (f *fakeExchange) emitCancel(symbol, uid string) {
	f.events <- models.StreamEvent{
		Kind: models.KindExecutionReport,
		Exec: &models.ExecutionReport{Symbol: symbol, ClientOrderID: uid, ExecType: "CANCELED"},
	}
}

func (f *fakeExchange) marketCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.markets)
}

type memoryRepo struct {
	mu     sync.Mutex
	orders []models.IsolatedOrder
}

func (r *memoryRepo) SaveAll(orders []models.IsolatedOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = append([]models.IsolatedOrder(nil), orders...)
	return nil
}

func (r *memoryRepo) LoadAll() ([]models.IsolatedOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.IsolatedOrder(nil), r.orders...), nil
}

func (r *memoryRepo) Close() error { return nil }

func testConfig() *models.Config {
	return &models.Config{
		Symbols: []string{"BTCEUR"},
		SymbolConfigs: map[string]models.SymbolConfig{
			"BTCEUR": {
				BasePT:                   "BTC",
				QuotePT:                  "EUR",
				BasePV:                   6,
				QuotePV:                  2,
				Quantity:                 0.02,
				Fee:                      0.001,
				CommissionRateSymbol:     "BNBEUR",
				TargetTotalNetProfit:     1000,
				MaxNegativeProfitAllowed: -1000,
				CyclesCountForInactivity: 100000,
				DistanceToTargetPrice:    10,
			},
		},
	}
}

type fixture struct {
	ex  *fakeExchange
	iso *isolated.Manager
	mgr *SessionManager
}

func newFixture(t *testing.T, cfg *models.Config, ex *fakeExchange) *fixture {
	t.Helper()
	logger := zap.NewNop().Sugar()
	iso, err := isolated.NewManager(&memoryRepo{}, logger)
	require.NoError(t, err)
	actions, err := actionlog.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { actions.Close() })
	return &fixture{ex: ex, iso: iso, mgr: New(cfg, ex, iso, actions, logger)}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestStartCreatesSessionOnFirstTick(t *testing.T) {
	ex := newFakeExchange()
	ex.accounts = []models.Account{{AssetName: "BTC", Free: 1}, {AssetName: "EUR", Free: 50000}}
	f := newFixture(t, testConfig(), ex)

	require.NoError(t, f.mgr.Start())
	defer f.mgr.Shutdown(session.CancelAll)

	ex.emitTicker("BTCEUR", 40000)

	waitFor(t, func() bool {
		snaps := f.mgr.SnapshotAll()
		return len(snaps) == 1 && snaps[0].PTCounts[models.PTNew] == 1
	}, "first tick should create a pair")

	snaps := f.mgr.SnapshotAll()
	assert.Equal(t, "BTCEUR", snaps[0].Symbol)
	assert.InDelta(t, 40000, snaps[0].Cmp, 1e-9)
}

func TestHelperPairTickerHasNoWorker(t *testing.T) {
	ex := newFakeExchange()
	ex.accounts = []models.Account{{AssetName: "EUR", Free: 50000}}
	f := newFixture(t, testConfig(), ex)

	require.NoError(t, f.mgr.Start())
	defer f.mgr.Shutdown(session.CancelAll)

	ex.emitTicker("BNBEUR", 300)
	ex.emitTicker("BTCEUR", 40000)

	waitFor(t, func() bool { return len(f.mgr.SnapshotAll()) == 1 }, "only configured symbols get sessions")
	assert.InDelta(t, 300, f.mgr.cmps.Get("BNBEUR"), 1e-9)
}

func TestOpenOrdersAdoptedAtStartup(t *testing.T) {
	ex := newFakeExchange()
	ex.accounts = []models.Account{{AssetName: "EUR", Free: 50000}}
	ex.open = []models.OpenOrder{
		{Symbol: "BTCEUR", ClientOrderID: "aaaa111122223333", Side: models.Sell, Price: 41000, OrigQty: 0.02},
	}
	f := newFixture(t, testConfig(), ex)

	require.NoError(t, f.mgr.Start())
	defer f.mgr.Shutdown(session.CancelAll)

	assert.Equal(t, 1, f.iso.Count())
	orders := f.iso.Snapshot()
	require.Len(t, orders, 1)
	assert.Equal(t, "aaaa111122223333", orders[0].UID)
	assert.Zero(t, orders[0].ExpectedProfit)
}

func TestIsolatedFillFoldsIntoGlobalCounters(t *testing.T) {
	ex := newFakeExchange()
	ex.accounts = []models.Account{{AssetName: "EUR", Free: 50000}}
	f := newFixture(t, testConfig(), ex)

	require.NoError(t, f.iso.Adopt([]models.IsolatedOrder{{
		UID: "bbbb111122223333", Symbol: "BTCEUR", Side: models.Sell,
		Price: 40050, Amount: 0.02, ExpectedProfit: 1.60,
	}}))

	require.NoError(t, f.mgr.Start())
	defer f.mgr.Shutdown(session.CancelAll)

	// Filled above its limit price: realized beats the original expectation.
	ex.emitFill("BTCEUR", "bbbb111122223333", 77, 40060)

	waitFor(t, func() bool {
		consolidated, _ := f.mgr.Counters()
		return consolidated > 0
	}, "isolated fill should consolidate profit")

	consolidated, expected := f.mgr.Counters()
	assert.InDelta(t, 1.80, consolidated, 1e-9)
	assert.InDelta(t, -1.60, expected, 1e-9)
	assert.Zero(t, f.iso.Count())
}

func TestExternalCancelRemovesIsolatedOrder(t *testing.T) {
	ex := newFakeExchange()
	ex.accounts = []models.Account{{AssetName: "EUR", Free: 50000}}
	f := newFixture(t, testConfig(), ex)

	require.NoError(t, f.iso.Adopt([]models.IsolatedOrder{{
		UID: "cccc111122223333", Symbol: "BTCEUR", Side: models.Buy,
		Price: 39000, Amount: 0.02, ExpectedProfit: 1.60,
	}}))

	require.NoError(t, f.mgr.Start())
	defer f.mgr.Shutdown(session.CancelAll)

	ex.emitCancel("BTCEUR", "cccc111122223333")

	waitFor(t, func() bool { return f.iso.Count() == 0 }, "external cancel should drop the ledger entry")
}

func TestIsolatedOrderOfferedAsRescueCandidate(t *testing.T) {
	ex := newFakeExchange()
	f := newFixture(t, testConfig(), ex)

	require.NoError(t, f.iso.Adopt([]models.IsolatedOrder{{
		UID: "dddd111122223333", Symbol: "BTCEUR", Side: models.Sell,
		Price: 41000, Amount: 0.02,
	}}))

	// A leftover sell 1000 away frees base liquidity when canceled.
	ok, err := f.mgr.CancelFurthest("BTCEUR", models.Sell, 40000, 500)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, f.iso.Count())
	require.Len(t, ex.cancels, 1)
	assert.Equal(t, "dddd111122223333", ex.cancels[0])

	// Orders inside the minimum distance are not candidates.
	require.NoError(t, f.iso.Adopt([]models.IsolatedOrder{{
		UID: "eeee111122223333", Symbol: "BTCEUR", Side: models.Sell,
		Price: 40100, Amount: 0.02,
	}}))
	ok, err = f.mgr.CancelFurthest("BTCEUR", models.Sell, 40000, 500)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, f.iso.Count())
}

func TestFillRoutedToSessionCompletesLeg(t *testing.T) {
	ex := newFakeExchange()
	ex.autoFill = true
	ex.accounts = []models.Account{{AssetName: "BTC", Free: 1}, {AssetName: "EUR", Free: 50000}}
	f := newFixture(t, testConfig(), ex)

	require.NoError(t, f.mgr.Start())
	defer f.mgr.Shutdown(session.CancelAll)

	// Pair 39960/40040; the sell arms above 40040 and fires when the
	// price drops back through it.
	ex.emitTicker("BTCEUR", 40000)
	ex.emitTicker("BTCEUR", 40100)
	ex.emitTicker("BTCEUR", 40030)

	waitFor(t, func() bool {
		snaps := f.mgr.SnapshotAll()
		return len(snaps) == 1 && snaps[0].PTCounts[models.PTSellTraded] == 1
	}, "sell leg should trade and its fill should route back to the session")

	assert.Equal(t, 1, ex.marketCount())
}

func TestShutdownStopsAllWorkers(t *testing.T) {
	ex := newFakeExchange()
	ex.accounts = []models.Account{{AssetName: "BTC", Free: 1}, {AssetName: "EUR", Free: 50000}}
	f := newFixture(t, testConfig(), ex)

	require.NoError(t, f.mgr.Start())
	ex.emitTicker("BTCEUR", 40000)
	waitFor(t, func() bool { return len(f.mgr.SnapshotAll()) == 1 }, "session should start")

	f.mgr.Shutdown(session.CancelAll)

	consolidated, expected := f.mgr.Counters()
	assert.Zero(t, consolidated)
	assert.Zero(t, expected)
}

func TestSessionRestartsAfterStopUntilCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessionsPerSymbol = 2
	sc := cfg.SymbolConfigs["BTCEUR"]
	sc.TargetTotalNetProfit = 1 // tiny target so one round trip ends the session
	cfg.SymbolConfigs["BTCEUR"] = sc

	ex := newFakeExchange()
	ex.autoFill = true
	ex.accounts = []models.Account{{AssetName: "BTC", Free: 1}, {AssetName: "EUR", Free: 50000}}
	f := newFixture(t, cfg, ex)

	require.NoError(t, f.mgr.Start())
	defer f.mgr.Shutdown(session.CancelAll)

	// Round trip: the sell fills at 40040, the buy at 39960, and the
	// round-trip profit of 1.6 beats the 1.0 target.
	ex.emitTicker("BTCEUR", 40000)
	ex.emitTicker("BTCEUR", 40100)
	ex.emitTicker("BTCEUR", 40030)
	ex.emitTicker("BTCEUR", 39900)
	ex.emitTicker("BTCEUR", 39970)

	waitFor(t, func() bool {
		snaps := f.mgr.SnapshotAll()
		return len(snaps) == 1 && snaps[0].PTCounts[models.PTCompleted] == 1
	}, "round trip should complete the pair")

	// The exit gate runs on the next tick; the finished session is booked
	// into the global counters and a fresh one starts under the cap.
	ex.emitTicker("BTCEUR", 39970)

	waitFor(t, func() bool {
		consolidated, _ := f.mgr.Counters()
		return consolidated > 1
	}, "completed round trip should end the session and book its profit")
}
