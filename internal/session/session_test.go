package session

import (
	"testing"

	"binance-pt-bot-go/internal/actionlog"
	"binance-pt-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- fakes ---

type fakeTrader struct {
	markets    []models.Order
	limits     []models.Order
	cancels    []string
	exchangeID int64
	marketErr  error
}

func (f *fakeTrader) PlaceMarket(o *models.Order) error {
	if f.marketErr != nil {
		return f.marketErr
	}
	f.exchangeID++
	o.ExchangeID = f.exchangeID
	f.markets = append(f.markets, *o)
	return nil
}

func (f *fakeTrader) PlaceLimit(o *models.Order) error {
	f.exchangeID++
	o.ExchangeID = f.exchangeID
	f.limits = append(f.limits, *o)
	return nil
}

func (f *fakeTrader) Cancel(o *models.Order) error {
	f.cancels = append(f.cancels, o.UID)
	return nil
}

type fakeBalances struct{ free map[string]float64 }

func (f *fakeBalances) AssetAvailable(asset string) (float64, error) { return f.free[asset], nil }

type fakeLiquidity struct{}

func (fakeLiquidity) LiquidityNeeded(string) float64 { return 0 }

type fakeActions struct{}

func (fakeActions) Append(symbol string, side models.Side, qty, price float64) (actionlog.Action, error) {
	return actionlog.Action{}, nil
}
func (fakeActions) CountBySide(string, models.Side) (int, error) { return 0, nil }

type fakeIsolatedCanceler struct {
	calls  []models.Side
	result bool
}

func (f *fakeIsolatedCanceler) CancelFurthest(symbol string, side models.Side, cmp, minDistance float64) (bool, error) {
	f.calls = append(f.calls, side)
	return f.result, nil
}

// --- fixtures ---

func testSymbol() *models.Symbol {
	return &models.Symbol{
		Name:       "BTCEUR",
		BaseAsset:  models.NewAsset("BTC", 6),
		QuoteAsset: models.NewAsset("EUR", 2),
		Filters: models.SymbolFilters{
			MinNotional: 10,
			TickSize:    0.01,
			StepSize:    0.00001,
		},
		Config: models.SymbolConfig{
			Quantity:                 0.02,
			Fee:                      0.001,
			CommissionRateSymbol:     "BNBEUR",
			TargetTotalNetProfit:     1000,
			MaxNegativeProfitAllowed: -1000,
			CyclesCountForInactivity: 100000,
			TimeBetweenSuccessivePtCreationTries: 50,
			IsolatedDistance:                     200,
			DistanceToTargetPrice:                10,
			OverActivationShift:                  0,
			ForcedShift:                          25,
			MinDistanceForCancelingOrder:         500,
			CancelMax:                            3,
			TriesToForceGetLiquidity:             3,
			ConsolidatedVsActionsCountRate:       1.0,
		},
	}
}

type fixture struct {
	symbol   *models.Symbol
	trader   *fakeTrader
	balances *fakeBalances
	isolated *fakeIsolatedCanceler
	s        *Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		symbol:   testSymbol(),
		trader:   &fakeTrader{},
		balances: &fakeBalances{free: map[string]float64{"BTC": 10, "EUR": 1000000}},
		isolated: &fakeIsolatedCanceler{},
	}
	f.s = New(f.symbol, f.trader, f.balances, fakeLiquidity{}, fakeActions{}, f.isolated, nil,
		func(asset string) float64 { return 300 }, zap.NewNop().Sugar())
	return f
}

func (f *fixture) tick(t *testing.T, cmp float64) *StopSummary {
	t.Helper()
	summary, err := f.s.HandleTick(cmp)
	require.NoError(t, err)
	return summary
}

// orderByName returns the live pair leg named b1/s1 of PT 0.
func (f *fixture) order(name string) *models.Order {
	p := f.s.pts.PT(0)
	buy, sell := f.s.pts.Order(p.Buy), f.s.pts.Order(p.Sell)
	if buy.Name == name {
		return buy
	}
	return sell
}

// --- tests ---

func TestFirstTickCreatesPair(t *testing.T) {
	f := newFixture(t)

	require.Nil(t, f.tick(t, 40000))
	require.Equal(t, 1, f.s.pts.PTCount())
	assert.InDelta(t, 39960.0, f.order("b1").Price, 1e-9)
	assert.InDelta(t, 40040.0, f.order("s1").Price, 1e-9)
	assert.Equal(t, models.OrderMonitor, f.order("b1").Status)
	assert.Equal(t, models.OrderMonitor, f.order("s1").Status)

	snap := f.s.Snapshot()
	assert.Equal(t, 1, snap.CmpCount)
	assert.InDelta(t, 40000.0, snap.Cmp, 1e-9)
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t)

	f.tick(t, 40000) // pair: buy 39960, sell 40040
	f.tick(t, 40100) // sell arms
	sell := f.order("s1")
	require.Equal(t, models.OrderActive, sell.Status)

	f.tick(t, 40060) // above target 40050: ratchet
	assert.InDelta(t, 40050.0, sell.Price, 1e-9)
	assert.InDelta(t, 40060.0, sell.TargetPrice, 1e-9)

	f.tick(t, 39900) // reversal below the ratcheted price: fire
	require.Equal(t, models.OrderToBeTraded, sell.Status)
	require.Len(t, f.trader.markets, 1)

	handled, err := f.s.HandleFill(sell.UID, 40040, 0, "", f.trader.exchangeID)
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, models.PTSellTraded, f.s.pts.PT(0).Status)

	// The buy sibling is re-anchored below the fill price and the 39900
	// tick already armed it.
	buy := f.order("b1")
	require.Equal(t, models.OrderActive, buy.Status)
	assert.InDelta(t, 40040-80.08, buy.Price, 1e-6)

	f.tick(t, 39940) // below target: ratchet down
	f.tick(t, 39970) // reversal above the buy price: fire
	require.Equal(t, models.OrderToBeTraded, buy.Status)

	handled, err = f.s.HandleFill(buy.UID, 39960, 0, "", f.trader.exchangeID)
	require.NoError(t, err)
	require.True(t, handled)

	assert.Equal(t, models.PTCompleted, f.s.pts.PT(0).Status)
	assert.InDelta(t, (40040-39960)*0.02, f.s.pts.ConsolidatedProfit(), 1e-9)
	assert.NotZero(t, buy.ExchangeID)

	// Completion triggers the next pair immediately.
	assert.Equal(t, 2, f.s.pts.PTCount())
}

func TestBuyRatchetCapturesBetterPrice(t *testing.T) {
	f := newFixture(t)

	f.tick(t, 40000)
	buy := f.order("b1")
	f.tick(t, 39950) // arms the buy
	require.Equal(t, models.OrderActive, buy.Status)

	f.tick(t, 39930)
	assert.InDelta(t, 39950.0, buy.Price, 1e-9)
	assert.InDelta(t, 39940.0, buy.TargetPrice, 1e-9)

	f.tick(t, 39920)
	assert.InDelta(t, 39940.0, buy.Price, 1e-9)
	assert.InDelta(t, 39930.0, buy.TargetPrice, 1e-9)

	// Exact equality must not trade.
	f.tick(t, 39940)
	assert.Equal(t, models.OrderActive, buy.Status)

	f.tick(t, 39941)
	assert.Equal(t, models.OrderToBeTraded, buy.Status)
	require.Len(t, f.trader.markets, 1)
	assert.Equal(t, models.Buy, f.trader.markets[0].Side)
}

func TestRepeatedTickIsIdempotentOnStatus(t *testing.T) {
	f := newFixture(t)

	f.tick(t, 40000)
	f.tick(t, 39950)
	buy := f.order("b1")
	require.Equal(t, models.OrderActive, buy.Status)

	for i := 0; i < 3; i++ {
		f.tick(t, 39950)
		assert.Equal(t, models.OrderActive, buy.Status)
		assert.Equal(t, models.OrderMonitor, f.order("s1").Status)
	}
}

func TestInactivityCreatesNewPair(t *testing.T) {
	f := newFixture(t)
	f.symbol.Config.CyclesCountForInactivity = 5
	f.symbol.Config.TimeBetweenSuccessivePtCreationTries = 2

	f.tick(t, 40000)
	require.Equal(t, 1, f.s.pts.PTCount())

	// Ticks inside the spread keep everything in MONITOR.
	for i := 0; i < 5; i++ {
		f.tick(t, 40000)
	}
	require.Equal(t, 2, f.s.pts.PTCount(), "inactivity crossing must attempt a pair")
	assert.Equal(t, models.PTFromInactivity, f.s.pts.PT(1).Type)
	assert.Equal(t, 0, f.s.Snapshot().CyclesFromLastTrade)
}

func TestInactivityRetryBackoffOnDeniedCreation(t *testing.T) {
	f := newFixture(t)
	f.symbol.Config.CyclesCountForInactivity = 5
	f.symbol.Config.TimeBetweenSuccessivePtCreationTries = 2
	f.symbol.Config.TriesToForceGetLiquidity = 1000

	f.tick(t, 40000)
	f.balances.free["BTC"] = 0 // admission now denies

	for i := 0; i < 5; i++ {
		f.tick(t, 40000)
	}
	require.Equal(t, 1, f.s.pts.PTCount())
	// Counter reached 6, creation failed, rolled back by 2.
	assert.Equal(t, 4, f.s.Snapshot().CyclesFromLastTrade)
}

func TestPlaceAllPendingOnDeepLoss(t *testing.T) {
	f := newFixture(t)
	f.symbol.Config.MaxNegativeProfitAllowed = -10
	// A nonzero net quote balance gives the pair a real expected profit.
	f.symbol.Config.NetQuoteBalance = 1.6

	f.tick(t, 40000) // pair: buy 39920, sell 40080
	f.tick(t, 39900) // buy arms
	f.tick(t, 39970) // reversal: buy fires
	buy := f.order("b1")
	require.Equal(t, models.OrderToBeTraded, buy.Status)
	handled, err := f.s.HandleFill(buy.UID, 39960, 0, "", 1)
	require.NoError(t, err)
	require.True(t, handled)

	sell := f.order("s1")
	require.Equal(t, models.OrderMonitor, sell.Status)

	// 0.02·(39335 − 39960) = -12.5 < -10: stop with PLACE_ALL_PENDING.
	summary := f.tick(t, 39335)
	require.NotNil(t, summary)
	assert.Equal(t, PlaceAllPending, summary.Mode)
	assert.False(t, summary.FullyConsolidated)
	assert.Equal(t, 0.0, summary.ConsolidatedProfit)
	assert.InDelta(t, 1.6, summary.ExpectedProfit, 1e-9)

	require.Len(t, summary.Isolated, 1)
	iso := summary.Isolated[0]
	assert.Equal(t, sell.UID, iso.UID)
	assert.Equal(t, models.Sell, iso.Side)
	assert.InDelta(t, summary.ExpectedProfit, iso.ExpectedProfit, 1e-9)
	require.Len(t, f.trader.limits, 1, "the pending sell must be placed as a limit")

	assert.True(t, f.s.Stopped())
	_, err = f.s.HandleTick(40000)
	assert.ErrorIs(t, err, ErrSessionStopped)
}

func TestTradeAllPendingOnTargetReached(t *testing.T) {
	f := newFixture(t)
	f.symbol.Config.TargetTotalNetProfit = 10

	f.tick(t, 40000)
	f.tick(t, 40100) // sell arms
	// Freeze further activations so the re-aimed buy stays in MONITOR
	// and the stability gate can pass at a low cmp.
	f.symbol.Config.OverActivationShift = 2000
	f.tick(t, 40040) // equality with the sell price: no fire
	f.tick(t, 40030) // fire
	sell := f.order("s1")
	require.Equal(t, models.OrderToBeTraded, sell.Status)
	handled, err := f.s.HandleFill(sell.UID, 40040, 0, "", 1)
	require.NoError(t, err)
	require.True(t, handled)

	// With the sell realized, a high cmp marks the live buy up:
	// total = 40040·0.02 − cmp·0.02 must stay under target until cmp drops.
	// At cmp=39000: 0.02·(40040−39000) = 20.8 > 10 → TRADE_ALL_PENDING.
	summary := f.tick(t, 39000)
	require.NotNil(t, summary)
	assert.Equal(t, TradeAllPending, summary.Mode)
	assert.True(t, summary.FullyConsolidated)
	assert.Equal(t, 0.0, summary.ExpectedProfit)
	// The buy sibling was flattened by market at cmp.
	assert.InDelta(t, 0.02*(40040-39000), summary.ConsolidatedProfit, 1e-6)
	assert.Equal(t, models.PTCompleted, f.s.pts.PT(0).Status)
}

func TestCancelAllStop(t *testing.T) {
	f := newFixture(t)
	f.tick(t, 40000)

	summary, err := f.s.Stop(CancelAll)
	require.NoError(t, err)
	assert.Equal(t, CancelAll, summary.Mode)
	assert.Equal(t, 0.0, summary.ConsolidatedProfit)
	assert.Empty(t, summary.Isolated)

	for _, h := range []int{f.s.pts.PT(0).Buy, f.s.pts.PT(0).Sell} {
		assert.Equal(t, models.OrderCanceled, f.s.pts.Order(h).Status)
	}
}

func TestCommissionConvertedToQuote(t *testing.T) {
	f := newFixture(t)

	f.tick(t, 40000)
	f.tick(t, 40100)
	f.tick(t, 40030)
	sell := f.order("s1")
	require.Equal(t, models.OrderToBeTraded, sell.Status)

	// 0.001 BNB at rate 300 becomes 0.3 quote.
	handled, err := f.s.HandleFill(sell.UID, 40040, 0.001, "BNB", 1)
	require.NoError(t, err)
	require.True(t, handled)
	assert.InDelta(t, 0.3, sell.BnbCommission, 1e-9)

	// Quote-denominated commission passes through unchanged.
	buy := f.order("b1")
	buy.Status = models.OrderToBeTraded
	handled, err = f.s.HandleFill(buy.UID, 39960, 0.5, "EUR", 2)
	require.NoError(t, err)
	require.True(t, handled)
	assert.InDelta(t, 0.5, buy.BnbCommission, 1e-9)
}

func TestFillForUnknownUIDNotHandled(t *testing.T) {
	f := newFixture(t)
	f.tick(t, 40000)

	handled, err := f.s.HandleFill("deadbeefdeadbeef", 40000, 0, "", 1)
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestRescuerCancelFurthestLive(t *testing.T) {
	f := newFixture(t)
	f.tick(t, 40000)
	f.tick(t, 41000) // second tick: nothing armed except sell at 40040 -> ACTIVE

	ok, err := f.s.CancelFurthestLive(models.Buy, 41000, 500)
	require.NoError(t, err)
	assert.True(t, ok, "buy at 39960 is 1040 away from cmp")
	assert.Equal(t, models.OrderCanceled, f.order("b1").Status)

	ok, err = f.s.CancelFurthestLive(models.Buy, 41000, 500)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestForcedMarketOrder(t *testing.T) {
	f := newFixture(t)
	f.tick(t, 40000)

	price, err := f.s.ForcedMarketOrder(models.Buy, 0.01)
	require.NoError(t, err)
	assert.InDelta(t, 40000.0, price, 1e-9)
	require.Len(t, f.trader.markets, 1)
	assert.Equal(t, "rescue", f.trader.markets[0].Name)
	assert.Equal(t, 1, f.s.Snapshot().MarketOrdersCount)
}

func TestCancelAllBooksOnlyCompletedProfit(t *testing.T) {
	f := newFixture(t)

	f.tick(t, 40000) // pair: buy 39960, sell 40040
	f.tick(t, 40100) // sell arms
	f.tick(t, 40030) // reversal: sell fires
	sell := f.order("s1")
	require.Equal(t, models.OrderToBeTraded, sell.Status)
	handled, err := f.s.HandleFill(sell.UID, 40040, 0, "", 1)
	require.NoError(t, err)
	require.True(t, handled)
	require.True(t, f.s.pts.PT(0).Status.IsHalfTraded())

	// Canceling the buy sibling completes the pair with a lone traded
	// leg. Its raw notional is an open position, not banked profit.
	summary, err := f.s.Stop(CancelAll)
	require.NoError(t, err)
	assert.Equal(t, CancelAll, summary.Mode)
	assert.Equal(t, 0.0, summary.ConsolidatedProfit)
	assert.Equal(t, 0.0, summary.ExpectedProfit)
	assert.Equal(t, models.PTCompleted, f.s.pts.PT(0).Status)
	assert.Equal(t, 0.0, f.s.pts.ConsolidatedProfit())
}

func TestRescueCancelOnHalfTradedPTBanksNothing(t *testing.T) {
	f := newFixture(t)

	f.tick(t, 40000)
	f.tick(t, 40100)
	f.tick(t, 40030)
	sell := f.order("s1")
	require.Equal(t, models.OrderToBeTraded, sell.Status)
	handled, err := f.s.HandleFill(sell.UID, 40040, 0, "", 1)
	require.NoError(t, err)
	require.True(t, handled)

	// A rescue cancel of the re-aimed buy completes the pair mid-session.
	ok, err := f.s.CancelFurthestLive(models.Buy, 41000, 500)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.PTCompleted, f.s.pts.PT(0).Status)

	// The lone sell leg must not count as consolidated profit, or the
	// exit gate would fire on phantom gains.
	assert.Equal(t, 0.0, f.s.pts.ConsolidatedProfit())
}

func TestRescueFallsBackToIsolatedOrders(t *testing.T) {
	f := newFixture(t)
	f.isolated.result = true

	// No orders of our own yet: the rescue consults the isolated ledger.
	ok, err := f.s.CancelFurthestLive(models.Sell, 40000, 500)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, f.isolated.calls, 1)
	assert.Equal(t, models.Sell, f.isolated.calls[0])
}

func TestFarMonitorOrderNotActivated(t *testing.T) {
	f := newFixture(t) // isolated_distance = 200

	f.tick(t, 40000) // pair: buy 39960, sell 40040
	buy := f.order("b1")

	// 260 away from the market: the buy is isolated and must not arm.
	f.tick(t, 39700)
	assert.Equal(t, models.OrderMonitor, buy.Status)

	// Back within the isolation distance it arms normally.
	f.tick(t, 39800)
	assert.Equal(t, models.OrderActive, buy.Status)
}

func TestSessionIDsAreUnique(t *testing.T) {
	a, b := NewID(), NewID()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}
