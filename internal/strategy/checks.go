package strategy

import (
	"binance-pt-bot-go/internal/actionlog"
	"binance-pt-bot-go/internal/metrics"
	"binance-pt-bot-go/internal/models"
	"binance-pt-bot-go/internal/pt"

	"go.uber.org/zap"
)

// BalanceProvider 提供某资产当前可用余额的读取。
type BalanceProvider interface {
	AssetAvailable(asset string) (float64, error)
}

// LiquidityProvider 汇总所有活跃会话对某资产的流动性占用。
type LiquidityProvider interface {
	LiquidityNeeded(asset string) float64
}

// ActionRecorder 是救援行为日志的窄接口，由 actionlog.Log 满足。
type ActionRecorder interface {
	Append(symbol string, side models.Side, qty, price float64) (actionlog.Action, error)
	CountBySide(symbol string, side models.Side) (int, error)
}

// Rescuer 由会话实现，供流动性救援执行取消与强制市价单。
type Rescuer interface {
	// CancelFurthestLive 取消某侧距 cmp 最远且超过 minDistance 的存活订单；
	// 没有符合条件的订单时返回 false。
	CancelFurthestLive(side models.Side, cmp, minDistance float64) (bool, error)

	// ForcedMarketOrder 以市价获取流动性，返回参考成交价。
	ForcedMarketOrder(side models.Side, qty float64) (float64, error)
}

// Decision 是一次准入检查的结果；允许时新配对创建在 cmp+Shift 处。
type Decision struct {
	Allowed bool
	Shift   float64
}

// Checks 实现新配对的准入闸门序列：
// 基础/计价资产流动性、最后配对检测、跨度/动量偏移、趋势偏移。
// 所有方法都在所属会话的 worker 上串行调用。
type Checks struct {
	symbol    *models.Symbol
	pts       *pt.Manager
	balances  BalanceProvider
	liquidity LiquidityProvider
	rescuer   Rescuer
	actions   ActionRecorder
	trend     TrendEstimator
	logger    *zap.SugaredLogger

	baseNegativeTryCount  int
	quoteNegativeTryCount int
	rescueCancels         map[models.Side]int
}

// NewChecks 为一个会话创建准入检查器。trend 可以为 nil，表示不启用趋势偏移。
func NewChecks(
	symbol *models.Symbol,
	pts *pt.Manager,
	balances BalanceProvider,
	liquidity LiquidityProvider,
	rescuer Rescuer,
	actions ActionRecorder,
	trend TrendEstimator,
	logger *zap.SugaredLogger,
) *Checks {
	return &Checks{
		symbol:        symbol,
		pts:           pts,
		balances:      balances,
		liquidity:     liquidity,
		rescuer:       rescuer,
		actions:       actions,
		trend:         trend,
		logger:        logger,
		rescueCancels: make(map[models.Side]int, 2),
	}
}

// Observe 把一个 cmp 样本喂给趋势估计器。
func (c *Checks) Observe(cmp float64) {
	if c.trend != nil {
		c.trend.Observe(cmp)
	}
}

// RescueCancels 返回本会话在某一侧已发出的救援取消数。
func (c *Checks) RescueCancels(side models.Side) int { return c.rescueCancels[side] }

// AllowNewPTCreation 依次执行准入闸门，返回是否允许创建以及参考价偏移。
func (c *Checks) AllowNewPTCreation(cmp float64) (Decision, error) {
	cfg := c.symbol.Config
	qty := cfg.Quantity

	availBase, err := c.balances.AssetAvailable(c.symbol.BaseAsset.Name)
	if err != nil {
		return Decision{}, err
	}
	availQuote, err := c.balances.AssetAvailable(c.symbol.QuoteAsset.Name)
	if err != nil {
		return Decision{}, err
	}
	neededBase := c.liquidity.LiquidityNeeded(c.symbol.BaseAsset.Name)
	neededQuote := c.liquidity.LiquidityNeeded(c.symbol.QuoteAsset.Name)

	// 闸门1：基础资产流动性
	if availBase < neededBase+qty {
		c.baseNegativeTryCount++
		c.logger.Infof("基础资产流动性不足 [%s] avail=%.8f needed=%.8f try=%d",
			c.symbol.Name, availBase, neededBase, c.baseNegativeTryCount)
		if c.baseNegativeTryCount > cfg.TriesToForceGetLiquidity {
			if err := c.rescueLiquidity(models.Sell, models.Buy, cmp, qty); err != nil {
				return Decision{}, err
			}
		}
		return Decision{}, nil
	}
	c.baseNegativeTryCount = 0

	// 闸门2：计价资产流动性
	if availQuote < neededQuote+qty*cmp {
		c.quoteNegativeTryCount++
		c.logger.Infof("计价资产流动性不足 [%s] avail=%.8f needed=%.8f try=%d",
			c.symbol.Name, availQuote, neededQuote, c.quoteNegativeTryCount)
		if c.quoteNegativeTryCount > cfg.TriesToForceGetLiquidity {
			if err := c.rescueLiquidity(models.Buy, models.Sell, cmp, qty); err != nil {
				return Decision{}, err
			}
		}
		return Decision{}, nil
	}
	c.quoteNegativeTryCount = 0

	// 闸门3：最后配对检测。rel 衡量该侧还能支撑多少个配对。
	baseRel := (availBase - neededBase) / qty
	quoteRel := (availQuote - neededQuote) / (qty * cmp)
	lastBase := baseRel < 2
	lastQuote := quoteRel < 2
	if lastBase || lastQuote {
		shift := cfg.ForcedShift
		if lastBase && lastQuote {
			// 两侧都进入最后区间时优先补更枯竭的一侧
			if quoteRel < baseRel {
				shift = -shift
			}
		} else if lastQuote {
			shift = -shift
		}
		c.logger.Infof("最后配对区间 [%s] base_rel=%.4f quote_rel=%.4f shift=%.8f",
			c.symbol.Name, baseRel, quoteRel, shift)
		return Decision{Allowed: true, Shift: shift}, nil
	}

	// 闸门4：跨度/动量偏移
	shift := c.spanMomentumShift(cmp)

	// 闸门5：趋势偏移（样本足够时覆盖闸门4）
	if c.trend != nil {
		if trendShift, ok := c.trend.Forecast(cmp); ok {
			shift = trendShift
		}
	}

	return Decision{Allowed: true, Shift: shift}, nil
}

// spanMomentumShift 根据两侧存活订单的跨度与动量决定偏移：
// 一侧为空时向空侧偏 0.8·gap，否则以 gap 偏离动量较重的一侧。
func (c *Checks) spanMomentumShift(cmp float64) float64 {
	gap := c.pts.Gap()
	spanBuy, spanSell, momBuy, momSell := c.pts.SpanAndMomentum(cmp)

	switch {
	case spanBuy == 0 && spanSell > 0:
		return -0.8 * gap
	case spanSell == 0 && spanBuy > 0:
		return 0.8 * gap
	case momBuy > momSell:
		return gap
	case momSell > momBuy:
		return -gap
	}
	return 0
}

// rescueLiquidity 在连续多次流动性不足后尝试救援：
// 先取消对侧最远的存活订单释放占用，受 cancel_max 约束；
// 否则在比率闸门允许时用市价单直接获取，数量为 quantity/2，并记入行为日志。
func (c *Checks) rescueLiquidity(cancelSide, marketSide models.Side, cmp, qty float64) error {
	cfg := c.symbol.Config

	if c.rescueCancels[cancelSide] < cfg.CancelMax {
		canceled, err := c.rescuer.CancelFurthestLive(cancelSide, cmp, cfg.MinDistanceForCancelingOrder)
		if err != nil {
			return err
		}
		if canceled {
			c.rescueCancels[cancelSide]++
			metrics.RescueActions.WithLabelValues(c.symbol.Name, "cancel").Inc()
			c.logger.Warnf("救援取消 [%s] side=%s total=%d", c.symbol.Name, cancelSide, c.rescueCancels[cancelSide])
			return nil
		}
	}

	// 市价救援的即时成本近似为手续费；超过可接受损失时放弃
	if cfg.AcceptedLossToGetLiquidity > 0 && (qty/2)*cmp*cfg.Fee > cfg.AcceptedLossToGetLiquidity {
		c.logger.Infof("救援成本超限 [%s] est=%.8f accepted=%.8f",
			c.symbol.Name, (qty/2)*cmp*cfg.Fee, cfg.AcceptedLossToGetLiquidity)
		return nil
	}

	pastActions, err := c.actions.CountBySide(c.symbol.Name, marketSide)
	if err != nil {
		return err
	}
	consolidated := c.pts.ConsolidatedProfit()
	if consolidated/float64(pastActions+1) <= cfg.ConsolidatedVsActionsCountRate {
		c.logger.Infof("救援比率闸门拒绝 [%s] consolidated=%.8f past_actions=%d",
			c.symbol.Name, consolidated, pastActions)
		return nil
	}

	price, err := c.rescuer.ForcedMarketOrder(marketSide, qty/2)
	if err != nil {
		return err
	}
	if _, err := c.actions.Append(c.symbol.Name, marketSide, qty/2, price); err != nil {
		return err
	}
	metrics.RescueActions.WithLabelValues(c.symbol.Name, "market").Inc()
	c.logger.Warnf("救援市价单 [%s] side=%s qty=%.8f price=%.8f", c.symbol.Name, marketSide, qty/2, price)
	return nil
}
