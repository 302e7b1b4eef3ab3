package manager

import (
	"fmt"
	"strconv"
	"sync"

	"binance-pt-bot-go/internal/actionlog"
	"binance-pt-bot-go/internal/exchange"
	"binance-pt-bot-go/internal/isolated"
	"binance-pt-bot-go/internal/metrics"
	"binance-pt-bot-go/internal/models"
	"binance-pt-bot-go/internal/session"
	"binance-pt-bot-go/internal/strategy"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	workerQueueSize  = 1024
	trendShortWindow = 60
	trendLongWindow  = 600
)

// SymbolSnapshot is the per-symbol read-only view the reporter renders.
type SymbolSnapshot struct {
	session.Snapshot
	IsolatedCount int
}

// workerEvent is what a symbol worker drains: either a stream event or a
// stop command carrying an ack channel.
type workerEvent struct {
	stream  models.StreamEvent
	stop    session.QuitMode
	stopAck chan struct{}
}

// symbolWorker serializes all session logic for one symbol,
// re-expressing the fill/tick/termination callbacks as messages on a
// single queue.
type symbolWorker struct {
	symbol  *models.Symbol
	events  chan workerEvent
	sess    *session.Session
	started int
	mgr     *SessionManager
}

// SessionManager owns the per-symbol workers and all cross-session
// state: account balances, the liquidity book, the isolated ledger and
// the global consolidated/expected counters.
type SessionManager struct {
	cfg     *models.Config
	ex      exchange.Exchange
	iso     *isolated.Manager
	actions actionlog.Log
	logger  *zap.SugaredLogger

	accounts *AccountManager
	book     *liquidityBook
	cmps     *cmpCache

	symbols map[string]*models.Symbol
	workers map[string]*symbolWorker

	countersMu   sync.Mutex
	consolidated float64
	expected     float64

	snapMu    sync.RWMutex
	snapshots map[string]SymbolSnapshot

	wg      sync.WaitGroup
	stopped chan struct{}
}

// New creates a SessionManager; Start wires it to the exchange.
func New(cfg *models.Config, ex exchange.Exchange, iso *isolated.Manager, actions actionlog.Log, logger *zap.SugaredLogger) *SessionManager {
	return &SessionManager{
		cfg:       cfg,
		ex:        ex,
		iso:       iso,
		actions:   actions,
		logger:    logger,
		accounts:  NewAccountManager(),
		book:      newLiquidityBook(),
		cmps:      newCmpCache(),
		symbols:   make(map[string]*models.Symbol),
		workers:   make(map[string]*symbolWorker),
		snapshots: make(map[string]SymbolSnapshot),
		stopped:   make(chan struct{}),
	}
}

// Start seeds balances and symbol filters, reconciles orders left on the
// exchange by previous runs, starts one worker per symbol and begins
// draining the adapter's event stream.
func (m *SessionManager) Start() error {
	accounts, err := m.ex.GetAccount()
	if err != nil {
		return fmt.Errorf("seed account balances: %w", err)
	}
	m.accounts.Seed(accounts)

	var symbolsMu sync.Mutex
	var g errgroup.Group
	for _, name := range m.cfg.Symbols {
		cfg, ok := m.cfg.SymbolConfigs[name]
		if !ok {
			return fmt.Errorf("symbol %s has no config section", name)
		}
		name := name
		g.Go(func() error {
			filters, err := m.ex.GetAllSymbolInfo(name)
			if err != nil {
				return fmt.Errorf("fetch filters for %s: %w", name, err)
			}
			symbolsMu.Lock()
			m.symbols[name] = &models.Symbol{
				Name:       name,
				BaseAsset:  models.NewAsset(cfg.BasePT, cfg.BasePV),
				QuoteAsset: models.NewAsset(cfg.QuotePT, cfg.QuotePV),
				Filters:    filters,
				Config:     cfg,
			}
			symbolsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := m.reconcileOpenOrders(); err != nil {
		return err
	}

	for _, name := range m.cfg.Symbols {
		w := &symbolWorker{
			symbol: m.symbols[name],
			events: make(chan workerEvent, workerQueueSize),
			mgr:    m,
		}
		w.sess = m.newSession(w.symbol)
		w.started = 1
		m.workers[name] = w
		m.wg.Add(1)
		go w.run()
	}

	if err := m.ex.Start(); err != nil {
		return fmt.Errorf("start exchange adapter: %w", err)
	}
	go m.dispatchLoop()

	m.logger.Infof("session manager started: %d symbol(s)", len(m.workers))
	return nil
}

// reconcileOpenOrders adopts exchange-side orders from previous runs
// into the isolated ledger. Orders already in the ledger keep their
// persisted expected-profit context.
func (m *SessionManager) reconcileOpenOrders() error {
	open, err := m.ex.GetOpenOrders()
	if err != nil {
		return fmt.Errorf("startup open-orders reconciliation: %w", err)
	}
	known := make(map[string]bool)
	for _, o := range m.iso.Snapshot() {
		known[o.UID] = true
	}
	var adopted []models.IsolatedOrder
	for _, o := range open {
		if known[o.ClientOrderID] {
			continue
		}
		// Expected-profit context is lost for orders the ledger never saw.
		adopted = append(adopted, models.IsolatedOrder{
			UID:    o.ClientOrderID,
			Symbol: o.Symbol,
			Side:   o.Side,
			Price:  o.Price,
			Amount: o.OrigQty,
		})
	}
	if len(adopted) == 0 {
		return nil
	}
	m.logger.Infof("adopting %d open order(s) from previous runs", len(adopted))
	return m.iso.Adopt(adopted)
}

// newSession builds a session wired to the manager's shared state.
func (m *SessionManager) newSession(symbol *models.Symbol) *session.Session {
	trend := strategy.NewLinRegEstimator(trendShortWindow, trendLongWindow)

	helper := symbol.Config.CommissionRateSymbol
	own := symbol.Name
	base := symbol.BaseAsset.Name
	commissionCmp := func(asset string) float64 {
		// Commission in the base asset converts at the symbol's own price;
		// anything else (e.g. BNB) uses the configured helper pair.
		if asset == base {
			return m.cmps.Get(own)
		}
		return m.cmps.Get(helper)
	}

	s := session.New(symbol, m.ex, m.accounts, m.book, m.actions, m, trend, commissionCmp, m.logger)
	m.logger.Infof("session started [%s] id=%s", symbol.Name, s.ID())
	return s
}

// CancelFurthest implements session.IsolatedCanceler. The isolated ledger
// offers orders left by previous sessions as rescue-cancel candidates;
// canceling one frees its locked balance without touching the running
// session's book.
func (m *SessionManager) CancelFurthest(symbol string, side models.Side, cmp, minDistance float64) (bool, error) {
	o, ok := m.iso.FurthestBeyond(symbol, side, cmp, minDistance)
	if !ok {
		return false, nil
	}
	order := &models.Order{
		UID:    o.UID,
		Symbol: o.Symbol,
		Side:   o.Side,
		Price:  o.Price,
		Amount: o.Amount,
	}
	if err := m.ex.Cancel(order); err != nil {
		return false, err
	}
	m.iso.Remove(o.UID)
	m.logger.Warnf("isolated order canceled for liquidity [%s] uid=%s side=%s price=%.8f",
		symbol, o.UID, o.Side, o.Price)
	return true, nil
}

// dispatchLoop routes adapter events: tickers and execution reports to
// the owning symbol worker, balance updates to the account manager.
func (m *SessionManager) dispatchLoop() {
	for {
		select {
		case ev, ok := <-m.ex.Events():
			if !ok {
				return
			}
			m.route(ev)
		case <-m.stopped:
			return
		}
	}
}

func (m *SessionManager) route(ev models.StreamEvent) {
	switch ev.Kind {
	case models.KindTicker:
		price, err := strconv.ParseFloat(ev.Ticker.LastPrice, 64)
		if err != nil {
			m.logger.Warnf("unparseable ticker price for %s: %q", ev.Ticker.Symbol, ev.Ticker.LastPrice)
			return
		}
		m.cmps.Set(ev.Ticker.Symbol, price)
		m.enqueue(ev.Ticker.Symbol, ev)
	case models.KindExecutionReport:
		m.enqueue(ev.Exec.Symbol, ev)
	case models.KindAccountPosition:
		m.accounts.Apply(ev.Account)
	}
}

func (m *SessionManager) enqueue(symbol string, ev models.StreamEvent) {
	w, ok := m.workers[symbol]
	if !ok {
		// Helper-pair tickers only feed the cmp cache.
		return
	}
	select {
	case w.events <- workerEvent{stream: ev}:
	case <-m.stopped:
	}
}

// run drains the symbol's queue until a stop command arrives.
func (w *symbolWorker) run() {
	defer w.mgr.wg.Done()
	for ev := range w.events {
		if ev.stopAck != nil {
			w.stopSession(ev.stop)
			close(ev.stopAck)
			return
		}
		switch ev.stream.Kind {
		case models.KindTicker:
			w.handleTicker(ev.stream.Ticker)
		case models.KindExecutionReport:
			w.handleExec(ev.stream.Exec)
		}
		w.publish()
	}
}

func (w *symbolWorker) handleTicker(t *models.TickerEvent) {
	if w.sess == nil {
		return
	}
	cmp, err := strconv.ParseFloat(t.LastPrice, 64)
	if err != nil {
		return
	}
	metrics.TicksProcessed.WithLabelValues(w.symbol.Name).Inc()

	summary, err := w.sess.HandleTick(cmp)
	if err != nil {
		w.mgr.logger.Errorf("tick handling failed [%s]: %v", w.symbol.Name, err)
		if w.sess.Failed() {
			w.abandon()
		}
		return
	}
	if summary != nil {
		w.finishSession(summary)
	}
}

func (w *symbolWorker) handleExec(e *models.ExecutionReport) {
	if e.ExecType == "CANCELED" {
		// External cancellation of an isolated order drops it from the ledger.
		if w.sess == nil || !w.sessionOwns(e.ClientOrderID) {
			if w.mgr.iso.Remove(e.ClientOrderID) {
				w.mgr.logger.Infof("isolated order canceled externally [%s] uid=%s", e.Symbol, e.ClientOrderID)
			}
		}
		return
	}
	if e.ExecType != "TRADE" || e.OrderStatus != "FILLED" {
		return
	}

	price, err := strconv.ParseFloat(e.ExecutedPrice, 64)
	if err != nil || price == 0 {
		price, _ = strconv.ParseFloat(e.Price, 64)
	}
	commission, _ := strconv.ParseFloat(e.CommissionAmt, 64)

	if w.sess != nil {
		handled, err := w.sess.HandleFill(e.ClientOrderID, price, commission, e.CommissionAsset, e.OrderID)
		if err != nil {
			w.mgr.logger.Errorf("fill handling failed [%s] uid=%s: %v", w.symbol.Name, e.ClientOrderID, err)
			if w.sess.Failed() {
				w.abandon()
			}
			return
		}
		if handled {
			metrics.FillsProcessed.WithLabelValues(w.symbol.Name, "session").Inc()
			return
		}
	}
	w.mgr.reconcileIsolatedFill(w.symbol.Name, e.ClientOrderID, price)
}

func (w *symbolWorker) sessionOwns(uid string) bool {
	if w.sess == nil {
		return false
	}
	_, ok := w.sess.PTs().HandleByUID(uid)
	return ok
}

// abandon marks the symbol failed after an invariant breach; the process
// keeps trading the remaining symbols.
func (w *symbolWorker) abandon() {
	w.mgr.logger.Errorf("abandoning symbol %s after invariant violation", w.symbol.Name)
	w.sess = nil
	w.mgr.book.Drop(w.symbol.Name)
}

// finishSession books a stopped session and starts the next one unless
// the per-symbol cap is reached.
func (w *symbolWorker) finishSession(summary *session.StopSummary) {
	m := w.mgr
	if len(summary.Isolated) > 0 {
		if err := m.iso.Adopt(summary.Isolated); err != nil {
			m.logger.Errorf("isolated handover failed [%s]: %v", summary.Symbol, err)
		}
	}
	m.addCounters(summary.ConsolidatedProfit, summary.ExpectedProfit)
	metrics.SessionStops.WithLabelValues(summary.Symbol, string(summary.Mode)).Inc()

	if m.cfg.MaxSessionsPerSymbol > 0 && w.started >= m.cfg.MaxSessionsPerSymbol {
		m.logger.Warnf("session cap reached for %s, not restarting", summary.Symbol)
		w.sess = nil
		m.book.Drop(summary.Symbol)
		return
	}
	w.sess = m.newSession(w.symbol)
	w.started++
}

// stopSession ends the current session with the given quit mode.
func (w *symbolWorker) stopSession(mode session.QuitMode) {
	if w.sess == nil || w.sess.Stopped() {
		return
	}
	summary, err := w.sess.Stop(mode)
	if err != nil {
		w.mgr.logger.Errorf("session stop failed [%s]: %v", w.symbol.Name, err)
		return
	}
	m := w.mgr
	if len(summary.Isolated) > 0 {
		if err := m.iso.Adopt(summary.Isolated); err != nil {
			m.logger.Errorf("isolated handover failed [%s]: %v", summary.Symbol, err)
		}
	}
	m.addCounters(summary.ConsolidatedProfit, summary.ExpectedProfit)
	metrics.SessionStops.WithLabelValues(summary.Symbol, string(summary.Mode)).Inc()
	w.sess = nil
	m.book.Drop(w.symbol.Name)
}

// publish refreshes the liquidity book and the snapshot cache after an
// event has been fully processed.
func (w *symbolWorker) publish() {
	if w.sess == nil {
		return
	}
	quote, base := w.sess.PTs().SymbolLiquidityNeeded()
	w.mgr.book.Publish(w.symbol.Name, w.symbol.BaseAsset.Name, base, w.symbol.QuoteAsset.Name, quote)

	snap := SymbolSnapshot{
		Snapshot:      w.sess.Snapshot(),
		IsolatedCount: w.mgr.iso.CountBySymbol(w.symbol.Name),
	}
	w.mgr.snapMu.Lock()
	w.mgr.snapshots[w.symbol.Name] = snap
	w.mgr.snapMu.Unlock()
}

// reconcileIsolatedFill folds a fill from a previous session into the
// global counters, or logs a reconciliation miss.
func (m *SessionManager) reconcileIsolatedFill(symbol, uid string, price float64) {
	realized, original, ok := m.iso.OnFill(uid, price)
	if !ok {
		// Expected under reconnect races and for orders predating this process.
		m.logger.Warnf("fill reconciliation miss [%s] uid=%s price=%.8f", symbol, uid, price)
		metrics.FillsProcessed.WithLabelValues(symbol, "miss").Inc()
		return
	}
	m.addCounters(realized, -original)
	metrics.FillsProcessed.WithLabelValues(symbol, "isolated").Inc()
}

func (m *SessionManager) addCounters(consolidated, expected float64) {
	m.countersMu.Lock()
	m.consolidated += consolidated
	m.expected += expected
	m.countersMu.Unlock()
}

// Counters returns the global consolidated and expected profit totals.
func (m *SessionManager) Counters() (consolidated, expected float64) {
	m.countersMu.Lock()
	defer m.countersMu.Unlock()
	return m.consolidated, m.expected
}

// SnapshotAll returns the cached per-symbol snapshots in config order.
func (m *SessionManager) SnapshotAll() []SymbolSnapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	out := make([]SymbolSnapshot, 0, len(m.snapshots))
	for _, name := range m.cfg.Symbols {
		if snap, ok := m.snapshots[name]; ok {
			out = append(out, snap)
		}
	}
	return out
}

// Shutdown stops every worker with the given quit mode and waits for
// all outstanding placements to be dispatched.
func (m *SessionManager) Shutdown(mode session.QuitMode) {
	acks := make([]chan struct{}, 0, len(m.workers))
	for _, w := range m.workers {
		ack := make(chan struct{})
		select {
		case w.events <- workerEvent{stop: mode, stopAck: ack}:
			acks = append(acks, ack)
		case <-m.stopped:
		}
	}
	for _, ack := range acks {
		<-ack
	}
	close(m.stopped)
	m.wg.Wait()
	m.logger.Infof("session manager stopped (mode=%s)", mode)
}

// Reboot cancels all live exposure by placing pending orders as limits,
// then shuts the manager down. The process exits afterwards.
func (m *SessionManager) Reboot() {
	m.Shutdown(session.PlaceAllPending)
}
