package models

import (
	"fmt"
	"strings"
)

// Asset 代表一种资产（基础货币或计价货币）。创建后不可变。
type Asset struct {
	Name             string `json:"name"`              // 资产名称，统一大写，如 "BTC"
	DisplayPrecision int    `json:"display_precision"` // 展示用小数位数
}

// NewAsset 创建一个资产，名称统一转成大写。
func NewAsset(name string, precision int) Asset {
	return Asset{Name: strings.ToUpper(name), DisplayPrecision: precision}
}

// SymbolFilters 承载交易所对该交易对的硬性限制。
type SymbolFilters struct {
	MinPrice    float64 `json:"min_price"`
	MaxPrice    float64 `json:"max_price"`
	MinQty      float64 `json:"min_qty"`
	MaxQty      float64 `json:"max_qty"`
	MinNotional float64 `json:"min_notional"`
	TickSize    float64 `json:"tick_size"` // PRICE_FILTER 的最小价格步长
	StepSize    float64 `json:"step_size"` // LOT_SIZE 的最小数量步长
}

// SymbolConfig 是每个交易对的策略参数（来自配置文件的 [<SYMBOL>] 段）。
type SymbolConfig struct {
	BasePV                               int     `json:"base_pv"`  // 基础资产展示精度
	QuotePV                              int     `json:"quote_pv"` // 计价资产展示精度
	BasePT                               string  `json:"base_pt"`  // 基础资产名称
	QuotePT                              string  `json:"quote_pt"` // 计价资产名称
	Quantity                             float64 `json:"quantity"`
	NetQuoteBalance                      float64 `json:"net_quote_balance"`
	Fee                                  float64 `json:"fee"`
	CommissionRateSymbol                 string  `json:"commission_rate_symbol"` // 手续费折算用的辅助交易对，如 "BNBEUR"
	TargetTotalNetProfit                 float64 `json:"target_total_net_profit"`
	MaxNegativeProfitAllowed             float64 `json:"max_negative_profit_allowed"`
	CyclesCountForInactivity             int     `json:"cycles_count_for_inactivity"`
	TimeBetweenSuccessivePtCreationTries int     `json:"time_between_successive_pt_creation_tries"`
	IsolatedDistance                     float64 `json:"isolated_distance"`
	DistanceToTargetPrice                float64 `json:"distance_to_target_price"`
	OverActivationShift                  float64 `json:"over_activation_shift"`
	ForcedShift                          float64 `json:"forced_shift"`
	DistanceForReplacingOrder            float64 `json:"distance_for_replacing_order"`
	MinDistanceForCancelingOrder         float64 `json:"min_distance_for_canceling_order"`
	ConsolidatedVsActionsCountRate       float64 `json:"consolidated_vs_actions_count_rate"`
	CancelMax                            int     `json:"cancel_max"`
	TriesToForceGetLiquidity             int     `json:"tries_to_force_get_liquidity"`
	AcceptedLossToGetLiquidity           float64 `json:"accepted_loss_to_get_liquidity"`
	LossForActivationFlag                float64 `json:"loss_for_activation_flag"`
}

// Symbol 代表一个交易对，构造后不可变。
type Symbol struct {
	Name       string        `json:"name"`
	BaseAsset  Asset         `json:"base_asset"`
	QuoteAsset Asset         `json:"quote_asset"`
	Filters    SymbolFilters `json:"filters"`
	Config     SymbolConfig  `json:"config"`
}

// Account 保存某个资产的余额信息。只有 AccountManager 可以修改。
type Account struct {
	AssetName string  `json:"asset_name"`
	Free      float64 `json:"free"`
	Locked    float64 `json:"locked"`
}

// Total 返回总余额（可用 + 冻结）。
func (a Account) Total() float64 {
	return a.Free + a.Locked
}

// OpenOrder 是交易所侧仍然挂着的订单（启动对账时使用）。
type OpenOrder struct {
	Symbol        string  `json:"symbol"`
	ClientOrderID string  `json:"client_order_id"`
	ExchangeID    int64   `json:"exchange_id"`
	Side          Side    `json:"side"`
	Price         float64 `json:"price"`
	OrigQty       float64 `json:"orig_qty"`
}

// APIError 定义了交易所API返回的错误信息结构。
// 该类错误不触发重连重试，直接上抛给调用方。
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得 APIError 实现了 error 接口
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}
