package models

// 交易所推送流的事件结构。所有事件都带有一个事件类型字段 "e"，
// 适配层按它分发：24hrTicker / executionReport / outboundAccountPosition。

// StreamEventKind 是入站流事件的类型标识。
type StreamEventKind string

const (
	KindTicker          StreamEventKind = "24hrTicker"
	KindExecutionReport StreamEventKind = "executionReport"
	KindAccountPosition StreamEventKind = "outboundAccountPosition"
)

// TickerEvent 是来自每个交易对行情流的事件，携带最新成交价。
type TickerEvent struct {
	EventType string `json:"e"` // Event type, "24hrTicker"
	EventTime int64  `json:"E"` // Event time
	Symbol    string `json:"s"` // Symbol
	LastPrice string `json:"c"` // Last price
}

// ExecutionReport 包含了订单更新的详细信息（现货用户数据流）。
type ExecutionReport struct {
	EventType       string `json:"e"` // Event type, "executionReport"
	EventTime       int64  `json:"E"` // Event time
	Symbol          string `json:"s"` // Symbol
	ClientOrderID   string `json:"c"` // Client Order ID
	Side            string `json:"S"` // Side
	OrderType       string `json:"o"` // Order Type
	TimeInForce     string `json:"f"` // Time in Force
	OrigQty         string `json:"q"` // Original Quantity
	Price           string `json:"p"` // Price
	ExecType        string `json:"x"` // Execution Type: NEW, TRADE, CANCELED...
	OrderStatus     string `json:"X"` // Order Status: NEW, FILLED, CANCELED...
	OrderID         int64  `json:"i"` // Exchange Order ID
	ExecutedQty     string `json:"l"` // Last Executed Quantity
	CumQty          string `json:"z"` // Cumulative Filled Quantity
	ExecutedPrice   string `json:"L"` // Last Executed Price
	CommissionAmt   string `json:"n"` // Commission Amount
	CommissionAsset string `json:"N"` // Commission Asset, null if not traded
	TradeTime       int64  `json:"T"` // Trade Time
	TradeID         int64  `json:"t"` // Trade ID
}

// AccountPositionEvent 代表 outboundAccountPosition 事件的完整结构。
type AccountPositionEvent struct {
	EventType  string          `json:"e"` // Event type, "outboundAccountPosition"
	EventTime  int64           `json:"E"` // Event time
	LastUpdate int64           `json:"u"` // Time of last account update
	Balances   []BalanceUpdate `json:"B"` // 余额更新列表
}

// BalanceUpdate 代表单个资产的余额更新。
type BalanceUpdate struct {
	Asset  string `json:"a"` // 资产名称
	Free   string `json:"f"` // 可用余额
	Locked string `json:"l"` // 冻结余额
}

// StreamEvent 是适配层向会话管理器投递的归一化事件。
// 三种载荷中恰好一个非 nil，与 Kind 对应。
type StreamEvent struct {
	Kind    StreamEventKind
	Ticker  *TickerEvent
	Exec    *ExecutionReport
	Account *AccountPositionEvent
}
