package models

import (
	"crypto/rand"
	"encoding/hex"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite 返回相反方向。
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus 是订单的生命周期状态。
//
// MONITOR -> ACTIVE -> TO_BE_TRADED -> TRADED
// 任意状态都可以被管理性取消进入 CANCELED；
// 被取消的订单在重新挂出时可以复活为 TO_BE_TRADED。
type OrderStatus string

const (
	OrderMonitor    OrderStatus = "MONITOR"
	OrderActive     OrderStatus = "ACTIVE"
	OrderToBeTraded OrderStatus = "TO_BE_TRADED"
	OrderTraded     OrderStatus = "TRADED"
	OrderCanceled   OrderStatus = "CANCELED"
)

// IsFinal 返回该状态是否为终态（TRADED 或 CANCELED）。
func (s OrderStatus) IsFinal() bool {
	return s == OrderTraded || s == OrderCanceled
}

// IsLive 返回订单是否仍在会话中存活（未成交且未取消）。
func (s OrderStatus) IsLive() bool {
	return s == OrderMonitor || s == OrderActive || s == OrderToBeTraded
}

// NoHandle 表示一个未关联的 sibling/pt 句柄。
const NoHandle = -1

// Order 是配对交易中的一条腿。
//
// Sibling 和 PT 是指向 PT 管理器 arena 的整数句柄，属于查找关系
// 而非所有权关系；订单本身归其所属会话的 PT 管理器所有。
type Order struct {
	UID           string      `json:"uid"`      // 16位十六进制客户端订单ID，生命周期内不变
	Symbol        string      `json:"symbol"`   //
	Side          Side        `json:"side"`     //
	Price         float64     `json:"price"`    // 当前有效价格（棘轮机制会下移/上移）
	Amount        float64     `json:"amount"`   //
	Status        OrderStatus `json:"status"`   //
	ExchangeID    int64       `json:"exchange_id"`    // 交易所分配的订单ID，至多赋值一次
	BnbCommission float64     `json:"bnb_commission"` // 成交前为0；成交后折算成计价货币的手续费
	Name          string      `json:"name"`           // "b1" 或 "s1"
	TargetPrice   float64     `json:"target_price"`   // 棘轮目标价，行情向有利方向移动时更新
	Sibling       int         `json:"sibling"`        // 同一配对中另一条腿的句柄
	PT            int         `json:"pt"`             // 所属 PerfectTrade 的句柄
}

// NewOrderUID 生成一个16位十六进制的客户端订单ID。
func NewOrderUID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand 在可用系统上不返回错误；失败时退化为全零也能保持格式
		return "0000000000000000"
	}
	return hex.EncodeToString(buf)
}
