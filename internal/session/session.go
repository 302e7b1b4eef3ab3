package session

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"binance-pt-bot-go/internal/models"
	"binance-pt-bot-go/internal/pt"
	"binance-pt-bot-go/internal/strategy"

	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// Trader 是会话对交易所的出站窄接口，由适配器实现。
// 用接口而不是具体类型，避免 session 与 exchange 的环形依赖。
type Trader interface {
	// PlaceLimit 挂一个限价单；成功时填入 order.ExchangeID。
	PlaceLimit(order *models.Order) error

	// PlaceMarket 下一个市价单；成功时填入 order.ExchangeID，
	// 并在成交价可得时把 order.Price 更新为参考成交价。
	PlaceMarket(order *models.Order) error

	// Cancel 取消交易所侧的订单。
	Cancel(order *models.Order) error
}

// IsolatedCanceler 取消先前会话遗留在交易所上的隔离订单。
// 本会话自己没有可取消的订单时，流动性救援退回到这里找候选。
type IsolatedCanceler interface {
	CancelFurthest(symbol string, side models.Side, cmp, minDistance float64) (bool, error)
}

// QuitMode 是会话的三种退出方式。
type QuitMode string

const (
	TradeAllPending QuitMode = "TRADE_ALL_PENDING" // 市价抹平半成交配对后完全落袋
	PlaceAllPending QuitMode = "PLACE_ALL_PENDING" // 把挂单移交隔离订单管理器后退出
	CancelAll       QuitMode = "CANCEL_ALL"        // 取消全部存活订单
)

// StopSummary 在会话结束时发出，供 SessionManager 记账并决定重启。
type StopSummary struct {
	SessionID           string
	Symbol              string
	Mode                QuitMode
	FullyConsolidated   bool
	ConsolidatedProfit  float64
	ExpectedProfit      float64
	CmpCount            int
	MarketOrdersCount   int
	PlacedIsolatedCount int
	Isolated            []models.IsolatedOrder
}

// Snapshot 是会话的只读状态快照。
type Snapshot struct {
	SessionID           string
	Symbol              string
	Cmp                 float64
	MinCmp              float64
	MaxCmp              float64
	CmpCount            int
	PTCounts            map[models.PTStatus]int
	ConsolidatedProfit  float64
	ExpectedProfit      float64
	TotalAtCmp          float64
	CyclesFromLastTrade int
	InactivityLimit     int
	MarketOrdersCount   int
	RescueCancelsBuy    int
	RescueCancelsSell   int
	Stopped             bool
}

var sessionSeq uint64

// NewID 返回进程内单调递增、base62 编码的会话ID。
func NewID() string {
	return string(base62.FormatUint(atomic.AddUint64(&sessionSeq, 1)))
}

// ErrSessionStopped 表示在已结束的会话上调用了处理方法。
var ErrSessionStopped = errors.New("session already stopped")

// Session 是一个交易对的交易会话状态机。
//
// 所有方法都由 SessionManager 的每个交易对 worker 串行调用，
// 内部不加锁；出站交易所调用是仅有的阻塞点。
type Session struct {
	id       string
	symbol   *models.Symbol
	pts      *pt.Manager
	checks   *strategy.Checks
	trader   Trader
	isolated IsolatedCanceler
	logger   *zap.SugaredLogger

	// commissionCmp 返回辅助交易对（如 BNBEUR）的最新 cmp，
	// 用于把非计价货币的手续费折算成计价货币。
	commissionCmp func(asset string) float64

	cmp                 float64
	minCmp              float64
	maxCmp              float64
	cmpCount            int
	cyclesFromLastTrade int
	marketOrders        int
	stopped             bool
	failed              bool
}

// New 创建一个新会话。checks 的救援回调指向会话自身。
// isolated 可以为 nil，表示救援取消不考虑隔离订单。
func New(
	symbol *models.Symbol,
	trader Trader,
	balances strategy.BalanceProvider,
	liquidity strategy.LiquidityProvider,
	actions strategy.ActionRecorder,
	isolated IsolatedCanceler,
	trend strategy.TrendEstimator,
	commissionCmp func(asset string) float64,
	logger *zap.SugaredLogger,
) *Session {
	s := &Session{
		id:            NewID(),
		symbol:        symbol,
		trader:        trader,
		isolated:      isolated,
		commissionCmp: commissionCmp,
		logger:        logger,
	}
	s.pts = pt.NewManager(symbol, logger)
	s.checks = strategy.NewChecks(symbol, s.pts, balances, liquidity, s, actions, trend, logger)
	return s
}

// ID 返回会话ID。
func (s *Session) ID() string { return s.id }

// Stopped 返回会话是否已结束。
func (s *Session) Stopped() bool { return s.stopped }

// Failed 返回会话是否因不变量被破坏而放弃。
func (s *Session) Failed() bool { return s.failed }

// PTs 暴露配对管理器供 SessionManager 做流动性汇总。
func (s *Session) PTs() *pt.Manager { return s.pts }

// HandleTick 处理一个行情事件。返回非 nil 的 summary 表示会话在本 tick 结束。
func (s *Session) HandleTick(cmp float64) (*StopSummary, error) {
	if s.stopped {
		return nil, ErrSessionStopped
	}
	cfg := s.symbol.Config

	// 步骤1：首个 tick 尝试创建初始配对
	if s.cmpCount == 0 {
		s.minCmp, s.maxCmp = cmp, cmp
		s.checks.Observe(cmp)
		if _, err := s.tryCreatePair(cmp, models.PTNormal); err != nil {
			return nil, err
		}
	} else {
		s.checks.Observe(cmp)
	}

	// 步骤2：更新行情窗口与计数器
	s.cmp = cmp
	if cmp < s.minCmp {
		s.minCmp = cmp
	}
	if cmp > s.maxCmp {
		s.maxCmp = cmp
	}
	s.cmpCount++
	s.cyclesFromLastTrade++

	// 步骤3：ACTIVE 先于 MONITOR 扫描，保证每个周期每个订单至多推进一个状态
	if err := s.scanActive(cmp); err != nil {
		return nil, err
	}

	// 步骤4：MONITOR 激活扫描
	s.scanMonitor(cmp)

	// 步骤5：交易不活跃时定期尝试新配对
	if s.cyclesFromLastTrade > cfg.CyclesCountForInactivity {
		created, err := s.tryCreatePair(cmp, models.PTFromInactivity)
		if err != nil {
			return nil, err
		}
		if created {
			s.cyclesFromLastTrade = 0
		} else {
			// 不每个 tick 都重试，而是按固定间隔回退计数器
			s.cyclesFromLastTrade -= cfg.TimeBetweenSuccessivePtCreationTries
		}
	}

	// 步骤6：仅在没有 ACTIVE/TO_BE_TRADED 订单时检查退出条件
	if s.isStable() {
		total := s.pts.TotalActualProfitAtCmp(cmp)
		switch {
		case total > cfg.TargetTotalNetProfit:
			return s.stop(TradeAllPending)
		case total < cfg.MaxNegativeProfitAllowed:
			return s.stop(PlaceAllPending)
		case s.pts.ConsolidatedProfit() > cfg.TargetTotalNetProfit:
			// 已完成配对的利润单独达标时落袋，挂单移交隔离管理
			return s.stop(PlaceAllPending)
		}
	}
	return nil, nil
}

// isStable 返回当前是否没有 ACTIVE 或 TO_BE_TRADED 的订单。
func (s *Session) isStable() bool {
	return len(s.pts.GetOrdersByRequest(
		[]models.OrderStatus{models.OrderActive, models.OrderToBeTraded}, nil)) == 0
}

// scanActive 对每个 ACTIVE 订单执行 ready-for-trading 判定：
// 行情越过挂单价时立即市价成交；继续向有利方向走时棘轮推进价格。
// 全部使用严格不等号，恰好相等不触发。
func (s *Session) scanActive(cmp float64) error {
	cfg := s.symbol.Config
	for _, h := range s.pts.GetOrdersByRequest([]models.OrderStatus{models.OrderActive}, nil) {
		o := s.pts.Order(h)
		if o.Side == models.Buy {
			switch {
			case cmp > o.Price:
				if err := s.fireMarket(h); err != nil {
					return err
				}
			case cmp < o.TargetPrice:
				o.Price = o.TargetPrice
				o.TargetPrice -= cfg.DistanceToTargetPrice
				s.logger.Debugf("买单棘轮 [%s] uid=%s price=%.8f target=%.8f", s.symbol.Name, o.UID, o.Price, o.TargetPrice)
			}
		} else {
			switch {
			case cmp < o.Price:
				if err := s.fireMarket(h); err != nil {
					return err
				}
			case cmp > o.TargetPrice:
				o.Price = o.TargetPrice
				o.TargetPrice += cfg.DistanceToTargetPrice
				s.logger.Debugf("卖单棘轮 [%s] uid=%s price=%.8f target=%.8f", s.symbol.Name, o.UID, o.Price, o.TargetPrice)
			}
		}
	}
	return nil
}

// scanMonitor 对每个 MONITOR 订单执行 ready-for-activation 判定。
// over_activation_shift 提供迟滞，防止轻触价位就武装订单。
func (s *Session) scanMonitor(cmp float64) {
	cfg := s.symbol.Config

	// 浮亏超过阈值时暂停武装新订单
	if cfg.LossForActivationFlag > 0 &&
		s.pts.TotalActualProfitAtCmp(cmp) < -cfg.LossForActivationFlag {
		return
	}

	for _, h := range s.pts.GetOrdersByRequest([]models.OrderStatus{models.OrderMonitor}, nil) {
		o := s.pts.Order(h)
		// 距离行情过远的订单视为隔离：不参与武装，
		// 等到会话结束时移交隔离订单管理器。
		if cfg.IsolatedDistance > 0 && math.Abs(o.Price-cmp) > cfg.IsolatedDistance {
			continue
		}
		if o.Side == models.Buy {
			if cmp < o.Price-cfg.OverActivationShift {
				o.Status = models.OrderActive
				s.logger.Infof("买单激活 [%s] uid=%s price=%.8f cmp=%.8f", s.symbol.Name, o.UID, o.Price, cmp)
			}
		} else {
			if cmp > o.Price+cfg.OverActivationShift {
				o.Status = models.OrderActive
				s.logger.Infof("卖单激活 [%s] uid=%s price=%.8f cmp=%.8f", s.symbol.Name, o.UID, o.Price, cmp)
			}
		}
	}
}

// fireMarket 把一个订单转为市价单发出，状态进入 TO_BE_TRADED。
// 下单失败时回退为 ACTIVE，留待下个 tick 重试。
func (s *Session) fireMarket(h int) error {
	o := s.pts.Order(h)
	o.Status = models.OrderToBeTraded
	if err := s.trader.PlaceMarket(o); err != nil {
		o.Status = models.OrderActive
		var apiErr *models.APIError
		if errors.As(err, &apiErr) {
			s.logger.Errorf("市价单被拒 [%s] uid=%s: %v", s.symbol.Name, o.UID, apiErr)
			return nil
		}
		return fmt.Errorf("place market order %s: %w", o.UID, err)
	}
	s.marketOrders++
	s.logger.Infof("市价单发出 [%s] uid=%s side=%s price=%.8f", s.symbol.Name, o.UID, o.Side, o.Price)
	return nil
}

// tryCreatePair 经过准入闸门后在 cmp+shift 处创建新配对。
func (s *Session) tryCreatePair(cmp float64, ptType models.PTType) (bool, error) {
	d, err := s.checks.AllowNewPTCreation(cmp)
	if err != nil {
		return false, err
	}
	if !d.Allowed {
		return false, nil
	}
	if _, err := s.pts.CreateNewPT(cmp+d.Shift, ptType); err != nil {
		if errors.Is(err, pt.ErrFiltersNotMet) {
			s.logger.Warnf("新配对被过滤器拒绝 [%s] ref=%.8f: %v", s.symbol.Name, cmp+d.Shift, err)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// HandleFill 处理一个成交回报。handled 为 false 表示该 uid 不属于本会话，
// 由上层继续向隔离订单管理器对账。
func (s *Session) HandleFill(uid string, tradedPrice, commission float64, commissionAsset string, exchangeID int64) (handled bool, err error) {
	if s.stopped {
		return false, ErrSessionStopped
	}
	h, ok := s.pts.HandleByUID(uid)
	if !ok {
		return false, nil
	}
	o := s.pts.Order(h)
	if o.Status != models.OrderToBeTraded {
		s.logger.Warnf("成交回报状态异常 [%s] uid=%s status=%s", s.symbol.Name, uid, o.Status)
		return false, nil
	}

	// 市价单可能偏离挂单价，以实际成交价为准
	o.Price = tradedPrice
	if o.ExchangeID == 0 {
		o.ExchangeID = exchangeID
	}
	o.BnbCommission = s.commissionToQuote(commission, commissionAsset)
	o.Status = models.OrderTraded
	s.cyclesFromLastTrade = 0

	if err := s.pts.OrderTraded(h); err != nil {
		if errors.Is(err, pt.ErrInvariantViolation) {
			s.failed = true
		}
		return true, err
	}

	// 配对完成后立即尝试开下一对
	if s.pts.PT(o.PT).Status == models.PTCompleted && s.cmp > 0 {
		if _, err := s.tryCreatePair(s.cmp, models.PTNormal); err != nil {
			return true, err
		}
	}
	return true, nil
}

// commissionToQuote 把手续费折算成计价货币。
func (s *Session) commissionToQuote(commission float64, asset string) float64 {
	if commission == 0 || asset == "" {
		return 0
	}
	if asset == s.symbol.QuoteAsset.Name {
		return commission
	}
	rate := s.commissionCmp(asset)
	if rate <= 0 {
		s.logger.Warnf("手续费折算缺少汇率 [%s] asset=%s commission=%.8f", s.symbol.Name, asset, commission)
		return 0
	}
	return commission * rate
}

// Stop 按给定模式结束会话并返回结算摘要。
func (s *Session) Stop(mode QuitMode) (*StopSummary, error) {
	if s.stopped {
		return nil, ErrSessionStopped
	}
	return s.stop(mode)
}

func (s *Session) stop(mode QuitMode) (*StopSummary, error) {
	summary := &StopSummary{
		SessionID: s.id,
		Symbol:    s.symbol.Name,
		Mode:      mode,
		CmpCount:  s.cmpCount,
	}

	// 结算值在移交/取消改变订单状态之前取定：
	// 半成交配对被取消收场后就查不到原始期望收益了。
	consolidated := s.pts.ConsolidatedProfit()
	expected := s.pts.ExpectedProfit()

	switch mode {
	case TradeAllPending:
		if err := s.flattenPending(); err != nil {
			return nil, err
		}
		summary.FullyConsolidated = true
		summary.ConsolidatedProfit = s.pts.TotalActualProfitAtCmp(s.cmp)
		summary.ExpectedProfit = 0

	case PlaceAllPending:
		isolatedOrders, err := s.placePending()
		if err != nil {
			return nil, err
		}
		summary.Isolated = isolatedOrders
		summary.PlacedIsolatedCount = len(isolatedOrders)
		summary.ConsolidatedProfit = consolidated
		summary.ExpectedProfit = expected
		summary.FullyConsolidated = summary.ExpectedProfit == 0

	case CancelAll:
		s.cancelAllLive()
		summary.FullyConsolidated = true
		summary.ConsolidatedProfit = consolidated
		summary.ExpectedProfit = 0
	}

	s.stopped = true
	summary.MarketOrdersCount = s.marketOrders
	s.logger.Infof("会话结束 [%s] id=%s mode=%s consolidated=%.8f expected=%.8f isolated=%d",
		s.symbol.Name, s.id, mode, summary.ConsolidatedProfit, summary.ExpectedProfit, summary.PlacedIsolatedCount)
	return summary, nil
}

// flattenPending 市价抹平半成交配对中存活订单的方向失衡，
// 然后取消剩余的存活订单。
func (s *Session) flattenPending() error {
	buys, sells := s.pts.LiveMonitorInHalfTraded()
	diff := len(buys) - len(sells)

	majority := buys
	if diff < 0 {
		majority = sells
		diff = -diff
	}
	for i := 0; i < diff; i++ {
		h := majority[i]
		o := s.pts.Order(h)
		// 以当前行情成交来抹平，而不是订单自己的挂单价
		o.Price = s.cmp
		o.Status = models.OrderToBeTraded
		if err := s.trader.PlaceMarket(o); err != nil {
			return fmt.Errorf("flatten market order %s: %w", o.UID, err)
		}
		s.marketOrders++
		o.Status = models.OrderTraded
		if err := s.pts.OrderTraded(h); err != nil {
			return err
		}
	}

	s.cancelAllLive()
	return nil
}

// placePending 把半成交配对中的 MONITOR 订单挂成限价单并转为隔离订单，
// 其余存活订单就地取消。
func (s *Session) placePending() ([]models.IsolatedOrder, error) {
	var out []models.IsolatedOrder
	handles := s.pts.GetOrdersByRequest(
		[]models.OrderStatus{models.OrderMonitor},
		[]models.PTStatus{models.PTBuyTraded, models.PTSellTraded},
	)
	for _, h := range handles {
		o := s.pts.Order(h)
		if err := s.trader.PlaceLimit(o); err != nil {
			var apiErr *models.APIError
			if errors.As(err, &apiErr) {
				s.logger.Errorf("隔离挂单被拒 [%s] uid=%s: %v", s.symbol.Name, o.UID, apiErr)
				continue
			}
			return nil, fmt.Errorf("place isolated limit %s: %w", o.UID, err)
		}
		out = append(out, models.IsolatedOrder{
			UID:            o.UID,
			Symbol:         o.Symbol,
			Side:           o.Side,
			Price:          o.Price,
			Amount:         o.Amount,
			ExpectedProfit: s.pts.PT(o.PT).OriginalExpectedProfit,
		})
		// 移交后本会话不再拥有该订单
		o.Status = models.OrderCanceled
		s.pts.OrderCanceled(h)
	}

	s.cancelAllLive()
	return out, nil
}

// cancelAllLive 取消全部仍存活的订单；已经到达交易所的会发出取消请求。
func (s *Session) cancelAllLive() {
	for _, h := range s.pts.LiveOrders() {
		o := s.pts.Order(h)
		if o.ExchangeID != 0 {
			if err := s.trader.Cancel(o); err != nil {
				s.logger.Errorf("取消失败 [%s] uid=%s: %v", s.symbol.Name, o.UID, err)
			}
		}
		o.Status = models.OrderCanceled
		s.pts.OrderCanceled(h)
	}
}

// CancelFurthestLive 实现 strategy.Rescuer：
// 取消某侧离行情最远的存活订单，释放其占用的流动性。
// 本会话没有候选时退回到隔离订单里找。
func (s *Session) CancelFurthestLive(side models.Side, cmp, minDistance float64) (bool, error) {
	h, ok := s.pts.FurthestLiveOrder(side, cmp, minDistance)
	if !ok {
		if s.isolated != nil {
			return s.isolated.CancelFurthest(s.symbol.Name, side, cmp, minDistance)
		}
		return false, nil
	}
	o := s.pts.Order(h)
	if o.ExchangeID != 0 {
		if err := s.trader.Cancel(o); err != nil {
			return false, err
		}
	}
	o.Status = models.OrderCanceled
	s.pts.OrderCanceled(h)
	s.logger.Warnf("救援取消订单 [%s] uid=%s side=%s price=%.8f", s.symbol.Name, o.UID, side, o.Price)
	return true, nil
}

// ForcedMarketOrder 实现 strategy.Rescuer：
// 用独立于配对的市价单直接获取流动性，返回参考成交价。
func (s *Session) ForcedMarketOrder(side models.Side, qty float64) (float64, error) {
	o := &models.Order{
		UID:    models.NewOrderUID(),
		Symbol: s.symbol.Name,
		Side:   side,
		Price:  s.cmp,
		Amount: qty,
		Status: models.OrderToBeTraded,
		Name:   "rescue",
	}
	if err := s.trader.PlaceMarket(o); err != nil {
		return 0, fmt.Errorf("forced market order: %w", err)
	}
	s.marketOrders++
	return o.Price, nil
}

// Snapshot 返回会话的只读快照。
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		SessionID:           s.id,
		Symbol:              s.symbol.Name,
		Cmp:                 s.cmp,
		MinCmp:              s.minCmp,
		MaxCmp:              s.maxCmp,
		CmpCount:            s.cmpCount,
		PTCounts:            s.pts.CountsByPTStatus(),
		ConsolidatedProfit:  s.pts.ConsolidatedProfit(),
		ExpectedProfit:      s.pts.ExpectedProfit(),
		TotalAtCmp:          s.pts.TotalActualProfitAtCmp(s.cmp),
		CyclesFromLastTrade: s.cyclesFromLastTrade,
		InactivityLimit:     s.symbol.Config.CyclesCountForInactivity,
		MarketOrdersCount:   s.marketOrders,
		RescueCancelsBuy:    s.checks.RescueCancels(models.Buy),
		RescueCancelsSell:   s.checks.RescueCancels(models.Sell),
		Stopped:             s.stopped,
	}
}
