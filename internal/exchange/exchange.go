package exchange

import "binance-pt-bot-go/internal/models"

// Exchange 定义了所有交易所实现必须提供的通用方法。
// 这使得引擎可以在真实交易和模拟器之间轻松切换。
type Exchange interface {
	// Start 建立连接并开始向 Events 通道推送事件。
	Start() error

	// Events 返回归一化后的事件流（行情、成交回报、余额更新）。
	Events() <-chan models.StreamEvent

	// PlaceLimit 挂一个限价单；成功时填入 order.ExchangeID。
	PlaceLimit(order *models.Order) error

	// PlaceMarket 下一个市价单；成功时填入 order.ExchangeID，
	// 并在成交均价可得时更新 order.Price。
	PlaceMarket(order *models.Order) error

	// Cancel 取消一个订单。
	Cancel(order *models.Order) error

	// GetAllSymbolInfo 获取交易对的过滤器信息。
	GetAllSymbolInfo(symbol string) (models.SymbolFilters, error)

	// GetAccount 返回全部资产余额。
	GetAccount() ([]models.Account, error)

	// GetAssetBalance 返回单个资产的余额。
	GetAssetBalance(asset string) (models.Account, error)

	// GetAvgPrice 返回交易对的当前均价。
	GetAvgPrice(symbol string) (float64, error)

	// GetOpenOrders 返回交易所侧仍然挂着的全部订单。
	GetOpenOrders() ([]models.OpenOrder, error)

	// Close 释放连接与后台协程。
	Close() error
}
