package models

// PTStatus 是配对交易的状态。
//
// NEW -> BUY_TRADED 或 SELL_TRADED -> COMPLETED
// COMPLETED 为终态。
type PTStatus string

const (
	PTNew        PTStatus = "NEW"
	PTBuyTraded  PTStatus = "BUY_TRADED"
	PTSellTraded PTStatus = "SELL_TRADED"
	PTCompleted  PTStatus = "COMPLETED"
)

// IsHalfTraded 返回该配对是否只有一条腿成交。
func (s PTStatus) IsHalfTraded() bool {
	return s == PTBuyTraded || s == PTSellTraded
}

// PTType 标识配对交易的创建来源。
type PTType string

const (
	PTNormal         PTType = "NORMAL"
	PTFromInactivity PTType = "FROM_INACTIVITY"
	PTManual         PTType = "MANUAL"
)

// PerfectTrade 是一买一卖两条腿组成的配对交易。
// Buy/Sell 是指向 PT 管理器 arena 的订单句柄。
//
// 不变量：
//   - 恰好两条腿，方向相反；
//   - status = NEW 当且仅当两条腿都未成交；
//   - status = COMPLETED 当且仅当两条腿均为终态且至少一条成交；
//   - OriginalExpectedProfit 在创建时确定，之后不再修改。
type PerfectTrade struct {
	ID                     int      `json:"id"`
	Type                   PTType   `json:"type"`
	Status                 PTStatus `json:"status"`
	Buy                    int      `json:"buy"`  // 买腿句柄
	Sell                   int      `json:"sell"` // 卖腿句柄
	OriginalExpectedProfit float64  `json:"original_expected_profit"`
}
