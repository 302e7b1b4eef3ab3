package models

import "time"

// IsolatedOrder is an order still live on the exchange after the session
// that created it has ended. It is owned by the isolated-orders manager
// and reconciled when a fill for its client order id arrives.
type IsolatedOrder struct {
	UID            string    `json:"uid"`
	Symbol         string    `json:"symbol"`
	Side           Side      `json:"side"`
	Price          float64   `json:"price"`
	Amount         float64   `json:"amount"`
	ExpectedProfit float64   `json:"expected_profit"`
	CreatedAt      time.Time `json:"created_at"`
}
