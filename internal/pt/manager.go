package pt

import (
	"errors"
	"fmt"
	"math"

	"binance-pt-bot-go/internal/models"

	"go.uber.org/zap"
)

// ErrFiltersNotMet 表示新配对的价格/数量不满足交易所过滤器，创建被中止。
var ErrFiltersNotMet = errors.New("filters not met")

// ErrInvariantViolation 表示配对内部状态被破坏（快速失败，所属会话放弃该交易对）。
var ErrInvariantViolation = errors.New("perfect trade invariant violation")

// Manager 持有一个会话全部配对交易的有序列表。
//
// 订单保存在 manager 拥有的 arena 里，sibling/pt 都是 arena 句柄；
// 所有修改都发生在会话的单个 worker 上，不需要锁。
type Manager struct {
	symbol *models.Symbol
	orders []models.Order
	pts    []models.PerfectTrade
	byUID  map[string]int
	gap    float64 // 第一对创建时的 sell-buy 价差，后续启发式的参考距离
	logger *zap.SugaredLogger
}

// NewManager 为一个会话创建空的 PT 管理器。
func NewManager(symbol *models.Symbol, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		symbol: symbol,
		orders: make([]models.Order, 0, 64),
		pts:    make([]models.PerfectTrade, 0, 32),
		byUID:  make(map[string]int),
		logger: logger,
	}
}

// Gap 返回第一对创建时记录的价差；尚未创建任何配对时为 0。
func (m *Manager) Gap() float64 { return m.gap }

// Order 返回 arena 中句柄对应的订单。
// 返回的指针仅在下一次 CreateNewPT 之前有效。
func (m *Manager) Order(h int) *models.Order { return &m.orders[h] }

// PT 返回句柄对应的配对交易。
func (m *Manager) PT(h int) *models.PerfectTrade { return &m.pts[h] }

// PTCount 返回配对总数。
func (m *Manager) PTCount() int { return len(m.pts) }

// HandleByUID 按客户端订单ID查找句柄。
func (m *Manager) HandleByUID(uid string) (int, bool) {
	h, ok := m.byUID[uid]
	return h, ok
}

// validateFilters 在创建时做预检；取整发生在下单边界，这里用原始值比较。
func (m *Manager) validateFilters(price, qty float64) error {
	f := m.symbol.Filters
	if f.MinPrice > 0 && price < f.MinPrice {
		return fmt.Errorf("%w: price %.8f < min_price %.8f", ErrFiltersNotMet, price, f.MinPrice)
	}
	if f.MaxPrice > 0 && price > f.MaxPrice {
		return fmt.Errorf("%w: price %.8f > max_price %.8f", ErrFiltersNotMet, price, f.MaxPrice)
	}
	if f.MinQty > 0 && qty < f.MinQty {
		return fmt.Errorf("%w: qty %.8f < min_qty %.8f", ErrFiltersNotMet, qty, f.MinQty)
	}
	if f.MaxQty > 0 && qty > f.MaxQty {
		return fmt.Errorf("%w: qty %.8f > max_qty %.8f", ErrFiltersNotMet, qty, f.MaxQty)
	}
	if f.MinNotional > 0 && price*qty <= f.MinNotional {
		return fmt.Errorf("%w: notional %.8f <= min_notional %.8f", ErrFiltersNotMet, price*qty, f.MinNotional)
	}
	return nil
}

// CreateNewPT 在给定参考价创建一个新配对，两条腿以 MONITOR 状态入场。
// 过滤器预检失败时返回 ErrFiltersNotMet，不产生任何状态变化。
func (m *Manager) CreateNewPT(price float64, ptType models.PTType) (int, error) {
	cfg := m.symbol.Config
	buyPrice, sellPrice, qty := ComputePair(price, cfg.NetQuoteBalance, cfg.Quantity, cfg.Fee)

	if err := m.validateFilters(buyPrice, qty); err != nil {
		return models.NoHandle, err
	}
	if err := m.validateFilters(sellPrice, qty); err != nil {
		return models.NoHandle, err
	}

	ptID := len(m.pts)
	buyH := len(m.orders)
	sellH := buyH + 1

	buy := models.Order{
		UID:         models.NewOrderUID(),
		Symbol:      m.symbol.Name,
		Side:        models.Buy,
		Price:       buyPrice,
		Amount:      qty,
		Status:      models.OrderMonitor,
		Name:        "b1",
		TargetPrice: buyPrice - cfg.DistanceToTargetPrice,
		Sibling:     sellH,
		PT:          ptID,
	}
	sell := models.Order{
		UID:         models.NewOrderUID(),
		Symbol:      m.symbol.Name,
		Side:        models.Sell,
		Price:       sellPrice,
		Amount:      qty,
		Status:      models.OrderMonitor,
		Name:        "s1",
		TargetPrice: sellPrice + cfg.DistanceToTargetPrice,
		Sibling:     buyH,
		PT:          ptID,
	}

	// sibling/pt 在配对对外可见之前完成接线
	m.orders = append(m.orders, buy, sell)
	m.byUID[buy.UID] = buyH
	m.byUID[sell.UID] = sellH

	m.pts = append(m.pts, models.PerfectTrade{
		ID:                     ptID,
		Type:                   ptType,
		Status:                 models.PTNew,
		Buy:                    buyH,
		Sell:                   sellH,
		OriginalExpectedProfit: ExpectedProfit(buyPrice, sellPrice, qty, cfg.Fee),
	})

	if m.gap == 0 {
		m.gap = sellPrice - buyPrice
	}

	m.logger.Infof("新配对 [%s] pt_id=%d type=%s buy=%.8f sell=%.8f qty=%.8f",
		m.symbol.Name, ptID, ptType, buyPrice, sellPrice, qty)
	return ptID, nil
}

// GetOrdersByRequest 按订单状态集合与所属配对状态集合过滤，返回句柄列表。
// 任一集合为空表示该维度不过滤。返回顺序与创建顺序一致。
func (m *Manager) GetOrdersByRequest(orderStatuses []models.OrderStatus, ptStatuses []models.PTStatus) []int {
	oset := make(map[models.OrderStatus]bool, len(orderStatuses))
	for _, s := range orderStatuses {
		oset[s] = true
	}
	pset := make(map[models.PTStatus]bool, len(ptStatuses))
	for _, s := range ptStatuses {
		pset[s] = true
	}

	var out []int
	for h := range m.orders {
		o := &m.orders[h]
		if len(oset) > 0 && !oset[o.Status] {
			continue
		}
		if len(pset) > 0 && !pset[m.pts[o.PT].Status] {
			continue
		}
		out = append(out, h)
	}
	return out
}

// OrderTraded 在订单成交后推进所属配对的状态。
// 调用方已把订单的 price/status/手续费更新为成交值。
//
// 配对仍为 NEW 时，用成交价重新计算一对新价格来推导 gap，
// 并把兄弟腿的 price/target_price 以 ±gap 重新锚定在成交价上。
func (m *Manager) OrderTraded(h int) error {
	o := &m.orders[h]
	if o.PT < 0 || o.PT >= len(m.pts) {
		return fmt.Errorf("%w: order %s has no owning pt", ErrInvariantViolation, o.UID)
	}
	pt := &m.pts[o.PT]
	if pt.Status == models.PTCompleted {
		return fmt.Errorf("%w: fill on completed pt %d", ErrInvariantViolation, pt.ID)
	}
	sib := &m.orders[o.Sibling]

	switch {
	case pt.Status == models.PTNew:
		if o.Side == models.Buy {
			pt.Status = models.PTBuyTraded
		} else {
			pt.Status = models.PTSellTraded
		}
		if sib.Status == models.OrderCanceled {
			// 兄弟腿已被取消：两条腿都进入终态且有一条成交
			pt.Status = models.PTCompleted
			return nil
		}
		m.reaimSibling(o, sib)
	case pt.Status.IsHalfTraded():
		pt.Status = models.PTCompleted
		m.logger.Infof("配对完成 [%s] pt_id=%d consolidated=%.8f",
			m.symbol.Name, pt.ID, m.ptRealized(pt))
	}
	return nil
}

// OrderCanceled 在订单被取消后推进配对状态：
// 兄弟腿已成交时配对随之完成。
func (m *Manager) OrderCanceled(h int) {
	o := &m.orders[h]
	pt := &m.pts[o.PT]
	sib := &m.orders[o.Sibling]
	if pt.Status.IsHalfTraded() && sib.Status == models.OrderTraded {
		pt.Status = models.PTCompleted
	}
}

// reaimSibling 把未成交的兄弟腿重新锚定在成交价 ±gap 上。
func (m *Manager) reaimSibling(filled, sib *models.Order) {
	cfg := m.symbol.Config
	b, s, _ := ComputePair(filled.Price, cfg.NetQuoteBalance, cfg.Quantity, cfg.Fee)
	gap := s - b

	if sib.Side == models.Sell {
		sib.Price = filled.Price + gap
		sib.TargetPrice = sib.Price + cfg.DistanceToTargetPrice
	} else {
		sib.Price = filled.Price - gap
		sib.TargetPrice = sib.Price - cfg.DistanceToTargetPrice
	}
	m.logger.Debugf("兄弟腿重新锚定 [%s] uid=%s side=%s price=%.8f target=%.8f",
		m.symbol.Name, sib.UID, sib.Side, sib.Price, sib.TargetPrice)
}

// legValue 返回一条腿按价格 p 计的带符号金额：卖为正、买为负。
func legValue(o *models.Order, p float64) float64 {
	if o.Side == models.Sell {
		return p * o.Amount
	}
	return -p * o.Amount
}

// ptRealized 计算一个配对的已实现盈亏（扣除手续费）。
// 只有两条腿都成交的配对才有已实现值；取消收场的配对
// 留下的单腿是未平仓头寸，不算落袋利润。
func (m *Manager) ptRealized(pt *models.PerfectTrade) float64 {
	buy := &m.orders[pt.Buy]
	sell := &m.orders[pt.Sell]
	if buy.Status != models.OrderTraded || sell.Status != models.OrderTraded {
		return 0
	}
	return legValue(buy, buy.Price) + legValue(sell, sell.Price) - buy.BnbCommission - sell.BnbCommission
}

// TotalActualProfitAtCmp 把所有非终态订单按 cmp 折算，
// 与已成交腿的已实现盈亏求和。仍为 NEW 的配对不计入。
func (m *Manager) TotalActualProfitAtCmp(cmp float64) float64 {
	var total float64
	for i := range m.pts {
		pt := &m.pts[i]
		if pt.Status == models.PTNew {
			continue
		}
		for _, h := range []int{pt.Buy, pt.Sell} {
			o := &m.orders[h]
			switch {
			case o.Status == models.OrderTraded:
				total += legValue(o, o.Price) - o.BnbCommission
			case o.Status.IsLive():
				total += legValue(o, cmp)
			}
		}
	}
	return total
}

// ConsolidatedProfit 只统计两条腿都已成交的 COMPLETED 配对的已实现盈亏。
func (m *Manager) ConsolidatedProfit() float64 {
	var total float64
	for i := range m.pts {
		pt := &m.pts[i]
		if pt.Status == models.PTCompleted {
			total += m.ptRealized(pt)
		}
	}
	return total
}

// ExpectedProfit 返回半成交配对按创建时预期收益的剩余期望。
func (m *Manager) ExpectedProfit() float64 {
	var total float64
	for i := range m.pts {
		pt := &m.pts[i]
		if pt.Status.IsHalfTraded() {
			total += pt.OriginalExpectedProfit
		}
	}
	return total
}

// SymbolLiquidityNeeded 返回把当前所有存活订单按各自价格全部成交
// 所需的流动性：买单占用计价货币，卖单占用基础货币。
func (m *Manager) SymbolLiquidityNeeded() (quoteNeeded, baseNeeded float64) {
	for h := range m.orders {
		o := &m.orders[h]
		if !o.Status.IsLive() {
			continue
		}
		if o.Side == models.Buy {
			quoteNeeded += o.Price * o.Amount
		} else {
			baseNeeded += o.Amount
		}
	}
	return quoteNeeded, baseNeeded
}

// SpanAndMomentum 返回每侧存活订单到 cmp 的最大距离（span）与距离之和（momentum）。
// 卖侧距离取 price-cmp，买侧取 cmp-price；负距离（已越过 cmp 的订单）按 0 计。
func (m *Manager) SpanAndMomentum(cmp float64) (spanBuy, spanSell, momBuy, momSell float64) {
	for h := range m.orders {
		o := &m.orders[h]
		if !o.Status.IsLive() {
			continue
		}
		var d float64
		if o.Side == models.Buy {
			d = cmp - o.Price
			if d < 0 {
				d = 0
			}
			momBuy += d
			spanBuy = math.Max(spanBuy, d)
		} else {
			d = o.Price - cmp
			if d < 0 {
				d = 0
			}
			momSell += d
			spanSell = math.Max(spanSell, d)
		}
	}
	return spanBuy, spanSell, momBuy, momSell
}

// FurthestLiveOrder 返回某侧离 cmp 最远且距离超过 minDistance 的存活订单句柄。
// 用于流动性救援时挑选取消对象。
func (m *Manager) FurthestLiveOrder(side models.Side, cmp, minDistance float64) (int, bool) {
	best := models.NoHandle
	bestDist := minDistance
	for h := range m.orders {
		o := &m.orders[h]
		if o.Side != side || !o.Status.IsLive() {
			continue
		}
		d := math.Abs(o.Price - cmp)
		if d > bestDist {
			bestDist = d
			best = h
		}
	}
	return best, best != models.NoHandle
}

// LiveMonitorInHalfTraded 返回半成交配对中仍处于 MONITOR 的订单句柄，按侧分组。
func (m *Manager) LiveMonitorInHalfTraded() (buys, sells []int) {
	for i := range m.pts {
		pt := &m.pts[i]
		if !pt.Status.IsHalfTraded() {
			continue
		}
		for _, h := range []int{pt.Buy, pt.Sell} {
			o := &m.orders[h]
			if o.Status != models.OrderMonitor {
				continue
			}
			if o.Side == models.Buy {
				buys = append(buys, h)
			} else {
				sells = append(sells, h)
			}
		}
	}
	return buys, sells
}

// CountsByPTStatus 返回各配对状态的数量，用于只读快照。
func (m *Manager) CountsByPTStatus() map[models.PTStatus]int {
	counts := make(map[models.PTStatus]int, 4)
	for i := range m.pts {
		counts[m.pts[i].Status]++
	}
	return counts
}

// LiveOrders 返回全部存活订单句柄。
func (m *Manager) LiveOrders() []int {
	var out []int
	for h := range m.orders {
		if m.orders[h].Status.IsLive() {
			out = append(out, h)
		}
	}
	return out
}
