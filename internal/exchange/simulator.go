package exchange

import (
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"binance-pt-bot-go/internal/metrics"
	"binance-pt-bot-go/internal/models"

	"go.uber.org/zap"
)

// simOrder 是模拟器内部持有的挂单。
type simOrder struct {
	order models.Order
}

// SimulatorExchange 在进程内模拟交易所。
//
// 行情来源有两种：SIMULATOR_GENERATOR 按 update_rate 从
// cmp_generator_choice_values 均匀抽取带符号增量做随机游走；
// SIMULATOR_MANUAL 只在外部调用 Step 时推进。
// 限价单在价格穿越挂单价时成交，市价单立即按当前价成交，
// 成交与余额变动通过与实盘相同的事件流发出。
type SimulatorExchange struct {
	cfg    *models.Config
	logger *zap.SugaredLogger

	mu       sync.Mutex
	cmps     map[string]float64
	balances map[string]*models.Account
	open     map[string]*simOrder

	events  chan models.StreamEvent
	nextID  int64
	rng     *rand.Rand
	closing chan struct{}
	closed  sync.Once
	wg      sync.WaitGroup
}

// NewSimulatorExchange 用配置的初始价格与初始余额创建模拟器。
func NewSimulatorExchange(cfg *models.Config, logger *zap.SugaredLogger) *SimulatorExchange {
	s := &SimulatorExchange{
		cfg:      cfg,
		logger:   logger,
		cmps:     make(map[string]float64),
		balances: make(map[string]*models.Account),
		open:     make(map[string]*simOrder),
		events:   make(chan models.StreamEvent, 4096),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		closing:  make(chan struct{}),
	}
	for symbol, data := range cfg.SimulatorData {
		s.cmps[symbol] = data.InitialCmp
	}
	for asset, free := range cfg.SimulatorGlobal.InitialBalances {
		s.balances[asset] = &models.Account{AssetName: asset, Free: free}
	}
	return s
}

// Start 发出每个交易对的初始行情；生成器模式下再为每个交易对
// 启动一个随机游走协程。
func (s *SimulatorExchange) Start() error {
	for symbol, cmp := range s.cmps {
		s.emitTicker(symbol, cmp)
	}
	if s.cfg.ClientMode != models.ModeSimulatorGenerator {
		return nil
	}
	interval := time.Duration(s.cfg.SimulatorGlobal.UpdateRate * float64(time.Second))
	if interval <= 0 {
		interval = time.Second
	}
	for symbol := range s.cmps {
		s.wg.Add(1)
		go s.walkLoop(symbol, interval)
	}
	return nil
}

// Events 返回归一化事件流。
func (s *SimulatorExchange) Events() <-chan models.StreamEvent {
	return s.events
}

func (s *SimulatorExchange) walkLoop(symbol string, interval time.Duration) {
	defer s.wg.Done()
	choices := s.cfg.SimulatorData[symbol].ChoiceValues
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			delta := 0.0
			if len(choices) > 0 {
				s.mu.Lock()
				delta = choices[s.rng.Intn(len(choices))]
				s.mu.Unlock()
			}
			s.Step(symbol, delta)
		case <-s.closing:
			return
		}
	}
}

// Step 把一个交易对的价格推进 delta，并结算被穿越的挂单。
// 手动模式下由外部控制通道调用。
func (s *SimulatorExchange) Step(symbol string, delta float64) {
	s.mu.Lock()
	cmp, ok := s.cmps[symbol]
	if !ok {
		s.mu.Unlock()
		return
	}
	cmp += delta
	if cmp <= 0 {
		cmp = s.cmps[symbol]
	}
	s.cmps[symbol] = cmp
	filled := s.collectCrossedLocked(symbol, cmp)
	s.mu.Unlock()

	for _, f := range filled {
		s.settleFill(f, f.order.Price, true)
	}
	s.emitTicker(symbol, cmp)
}

// collectCrossedLocked 摘下所有被当前价穿越的挂单。
func (s *SimulatorExchange) collectCrossedLocked(symbol string, cmp float64) []*simOrder {
	var out []*simOrder
	for uid, so := range s.open {
		if so.order.Symbol != symbol {
			continue
		}
		crossed := (so.order.Side == models.Buy && cmp <= so.order.Price) ||
			(so.order.Side == models.Sell && cmp >= so.order.Price)
		if crossed {
			out = append(out, so)
			delete(s.open, uid)
		}
	}
	return out
}

// PlaceLimit 记录挂单并冻结对应余额。
func (s *SimulatorExchange) PlaceLimit(order *models.Order) error {
	base, quote, err := s.symbolAssets(order.Symbol)
	if err != nil {
		return err
	}
	s.mu.Lock()
	order.ExchangeID = atomic.AddInt64(&s.nextID, 1)
	if order.Side == models.Buy {
		if !s.lockLocked(quote, order.Price*order.Amount) {
			s.mu.Unlock()
			return &models.APIError{Code: -2010, Msg: "insufficient balance"}
		}
	} else {
		if !s.lockLocked(base, order.Amount) {
			s.mu.Unlock()
			return &models.APIError{Code: -2010, Msg: "insufficient balance"}
		}
	}
	s.open[order.UID] = &simOrder{order: *order}
	s.mu.Unlock()

	metrics.OrdersPlaced.WithLabelValues(order.Symbol, "limit").Inc()
	s.logger.Debugf("模拟限价单 [%s] uid=%s side=%s price=%.8f", order.Symbol, order.UID, order.Side, order.Price)
	s.emitAccountPosition()
	return nil
}

// PlaceMarket 立即按当前价成交。
func (s *SimulatorExchange) PlaceMarket(order *models.Order) error {
	s.mu.Lock()
	cmp, ok := s.cmps[order.Symbol]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("simulator has no price for %s", order.Symbol)
	}
	order.ExchangeID = atomic.AddInt64(&s.nextID, 1)
	order.Price = cmp
	so := &simOrder{order: *order}
	s.mu.Unlock()

	metrics.OrdersPlaced.WithLabelValues(order.Symbol, "market").Inc()
	s.settleFill(so, cmp, false)
	return nil
}

// settleFill 结算一笔成交：更新余额并发出成交回报与余额事件。
// fromBook 表示该单是此前冻结过余额的限价挂单。
func (s *SimulatorExchange) settleFill(so *simOrder, price float64, fromBook bool) {
	o := so.order
	base, quote, err := s.symbolAssets(o.Symbol)
	if err != nil {
		s.logger.Errorf("模拟成交无法结算 [%s] uid=%s: %v", o.Symbol, o.UID, err)
		return
	}
	fee := price * o.Amount * s.cfg.SimulatorGlobal.Fee

	s.mu.Lock()
	if o.Side == models.Buy {
		// 限价买成交释放冻结的计价资产，市价买直接扣可用余额
		if fromBook {
			s.account(quote).Locked -= o.Price * o.Amount
		} else {
			s.account(quote).Free -= price * o.Amount
		}
		s.account(base).Free += o.Amount
	} else {
		if fromBook {
			s.account(base).Locked -= o.Amount
		} else {
			s.account(base).Free -= o.Amount
		}
		s.account(quote).Free += price * o.Amount
	}
	s.account(quote).Free -= fee
	s.mu.Unlock()

	s.logger.Infof("模拟成交 [%s] uid=%s side=%s price=%.8f qty=%.8f fee=%.8f",
		o.Symbol, o.UID, o.Side, price, o.Amount, fee)

	s.emit(models.StreamEvent{
		Kind: models.KindExecutionReport,
		Exec: &models.ExecutionReport{
			EventType:       string(models.KindExecutionReport),
			Symbol:          o.Symbol,
			ClientOrderID:   o.UID,
			Side:            string(o.Side),
			OrigQty:         formatFloat(o.Amount),
			Price:           formatFloat(o.Price),
			ExecType:        "TRADE",
			OrderStatus:     "FILLED",
			OrderID:         o.ExchangeID,
			ExecutedQty:     formatFloat(o.Amount),
			CumQty:          formatFloat(o.Amount),
			ExecutedPrice:   formatFloat(price),
			CommissionAmt:   formatFloat(fee),
			CommissionAsset: quote,
			TradeTime:       time.Now().UnixMilli(),
		},
	})
	s.emitAccountPosition()
}

// Cancel 摘下挂单并解冻余额。
func (s *SimulatorExchange) Cancel(order *models.Order) error {
	base, quote, err := s.symbolAssets(order.Symbol)
	if err != nil {
		return err
	}
	s.mu.Lock()
	so, ok := s.open[order.UID]
	if !ok {
		s.mu.Unlock()
		return &models.APIError{Code: -2011, Msg: "unknown order"}
	}
	delete(s.open, order.UID)
	if so.order.Side == models.Buy {
		s.unlockLocked(quote, so.order.Price*so.order.Amount)
	} else {
		s.unlockLocked(base, so.order.Amount)
	}
	s.mu.Unlock()

	s.emit(models.StreamEvent{
		Kind: models.KindExecutionReport,
		Exec: &models.ExecutionReport{
			EventType:     string(models.KindExecutionReport),
			Symbol:        order.Symbol,
			ClientOrderID: order.UID,
			ExecType:      "CANCELED",
			OrderStatus:   "CANCELED",
			OrderID:       so.order.ExchangeID,
		},
	})
	s.emitAccountPosition()
	return nil
}

// GetAllSymbolInfo 返回模拟的交易对过滤器，避免任何网络调用。
func (s *SimulatorExchange) GetAllSymbolInfo(symbol string) (models.SymbolFilters, error) {
	return models.SymbolFilters{
		MinPrice:    0.01,
		MaxPrice:    1000000,
		MinQty:      0.00001,
		MaxQty:      10000,
		MinNotional: 10,
		TickSize:    0.01,
		StepSize:    0.00001,
	}, nil
}

// GetAccount 返回全部余额的副本。
func (s *SimulatorExchange) GetAccount() ([]models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Account, 0, len(s.balances))
	for _, a := range s.balances {
		out = append(out, *a)
	}
	return out, nil
}

// GetAssetBalance 返回单个资产的余额。
func (s *SimulatorExchange) GetAssetBalance(asset string) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.balances[asset]; ok {
		return *a, nil
	}
	return models.Account{AssetName: asset}, nil
}

// GetAvgPrice 返回当前模拟价格。
func (s *SimulatorExchange) GetAvgPrice(symbol string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmp, ok := s.cmps[symbol]
	if !ok {
		return 0, fmt.Errorf("simulator has no price for %s", symbol)
	}
	return cmp, nil
}

// GetOpenOrders 返回仍挂着的模拟订单。
func (s *SimulatorExchange) GetOpenOrders() ([]models.OpenOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OpenOrder, 0, len(s.open))
	for _, so := range s.open {
		out = append(out, models.OpenOrder{
			Symbol:        so.order.Symbol,
			ClientOrderID: so.order.UID,
			ExchangeID:    so.order.ExchangeID,
			Side:          so.order.Side,
			Price:         so.order.Price,
			OrigQty:       so.order.Amount,
		})
	}
	return out, nil
}

// Close 停止随机游走并关闭事件流。
func (s *SimulatorExchange) Close() error {
	s.closed.Do(func() {
		close(s.closing)
		s.wg.Wait()
		close(s.events)
	})
	return nil
}

func (s *SimulatorExchange) symbolAssets(symbol string) (base, quote string, err error) {
	cfg, ok := s.cfg.SymbolConfigs[symbol]
	if !ok {
		return "", "", fmt.Errorf("simulator has no config for %s", symbol)
	}
	return cfg.BasePT, cfg.QuotePT, nil
}

// account 取资产账户，不存在时按零余额建档。必须在持有锁的情况下调用。
func (s *SimulatorExchange) account(asset string) *models.Account {
	a, ok := s.balances[asset]
	if !ok {
		a = &models.Account{AssetName: asset}
		s.balances[asset] = a
	}
	return a
}

func (s *SimulatorExchange) lockLocked(asset string, amount float64) bool {
	a := s.account(asset)
	if a.Free < amount {
		return false
	}
	a.Free -= amount
	a.Locked += amount
	return true
}

func (s *SimulatorExchange) unlockLocked(asset string, amount float64) {
	a := s.account(asset)
	a.Locked -= amount
	a.Free += amount
}

func (s *SimulatorExchange) emitTicker(symbol string, cmp float64) {
	s.emit(models.StreamEvent{
		Kind: models.KindTicker,
		Ticker: &models.TickerEvent{
			EventType: string(models.KindTicker),
			EventTime: time.Now().UnixMilli(),
			Symbol:    symbol,
			LastPrice: formatFloat(cmp),
		},
	})
}

// emitAccountPosition 把全部余额作为一个账户事件发出。
func (s *SimulatorExchange) emitAccountPosition() {
	s.mu.Lock()
	updates := make([]models.BalanceUpdate, 0, len(s.balances))
	for _, a := range s.balances {
		updates = append(updates, models.BalanceUpdate{
			Asset:  a.AssetName,
			Free:   formatFloat(a.Free),
			Locked: formatFloat(a.Locked),
		})
	}
	s.mu.Unlock()
	s.emit(models.StreamEvent{
		Kind: models.KindAccountPosition,
		Account: &models.AccountPositionEvent{
			EventType:  string(models.KindAccountPosition),
			EventTime:  time.Now().UnixMilli(),
			LastUpdate: time.Now().UnixMilli(),
			Balances:   updates,
		},
	})
}

func (s *SimulatorExchange) emit(ev models.StreamEvent) {
	select {
	case s.events <- ev:
	case <-s.closing:
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 8, 64)
}
