package exchange

import (
	"fmt"
	"math"

	"binance-pt-bot-go/internal/models"
)

// AdjustToStep 把数值向下取整到步长的整数倍。
// 价格用 TickSize，数量用 StepSize。取整只发生在下单边界。
func AdjustToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	// 加一个极小量抵消浮点除法误差，避免 0.07/0.01 落到 6 步
	return math.Floor(value/step+1e-9) * step
}

// ValidateOrder 在取整后的价格/数量上做 PRICE_FILTER、LOT_SIZE 和
// MIN_NOTIONAL 校验，违反时返回描述性错误。
func ValidateOrder(f models.SymbolFilters, price, qty float64) error {
	if f.MinPrice > 0 && price < f.MinPrice {
		return fmt.Errorf("price %.8f below PRICE_FILTER min %.8f", price, f.MinPrice)
	}
	if f.MaxPrice > 0 && price > f.MaxPrice {
		return fmt.Errorf("price %.8f above PRICE_FILTER max %.8f", price, f.MaxPrice)
	}
	if f.MinQty > 0 && qty < f.MinQty {
		return fmt.Errorf("quantity %.8f below LOT_SIZE min %.8f", qty, f.MinQty)
	}
	if f.MaxQty > 0 && qty > f.MaxQty {
		return fmt.Errorf("quantity %.8f above LOT_SIZE max %.8f", qty, f.MaxQty)
	}
	if f.MinNotional > 0 && price*qty <= f.MinNotional {
		return fmt.Errorf("notional %.8f does not exceed MIN_NOTIONAL %.8f", price*qty, f.MinNotional)
	}
	return nil
}
