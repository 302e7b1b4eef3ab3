package exchange

import (
	"testing"

	"binance-pt-bot-go/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestAdjustToStep(t *testing.T) {
	assert.InDelta(t, 40000.56, AdjustToStep(40000.567, 0.01), 1e-9)
	assert.InDelta(t, 0.023, AdjustToStep(0.0234, 0.001), 1e-9)

	// 0.07/0.01 的浮点结果略小于 7，不能被取整到 0.06
	assert.InDelta(t, 0.07, AdjustToStep(0.07, 0.01), 1e-9)

	// 已对齐的值保持不变
	assert.InDelta(t, 40000, AdjustToStep(40000, 0.01), 1e-9)

	// 无步长时原样返回
	assert.Equal(t, 123.456, AdjustToStep(123.456, 0))
	assert.Equal(t, 123.456, AdjustToStep(123.456, -1))
}

func TestValidateOrder(t *testing.T) {
	f := models.SymbolFilters{
		MinPrice:    0.01,
		MaxPrice:    1000000,
		MinQty:      0.00001,
		MaxQty:      9000,
		MinNotional: 10,
	}

	assert.NoError(t, ValidateOrder(f, 40000, 0.02))

	err := ValidateOrder(f, 0.001, 0.02)
	assert.ErrorContains(t, err, "PRICE_FILTER")

	err = ValidateOrder(f, 2000000, 0.02)
	assert.ErrorContains(t, err, "PRICE_FILTER")

	err = ValidateOrder(f, 40000, 0.000001)
	assert.ErrorContains(t, err, "LOT_SIZE")

	err = ValidateOrder(f, 40000, 10000)
	assert.ErrorContains(t, err, "LOT_SIZE")

	// 名义金额必须严格大于 MIN_NOTIONAL，恰好等于也拒绝
	err = ValidateOrder(f, 1000, 0.01)
	assert.ErrorContains(t, err, "MIN_NOTIONAL")

	err = ValidateOrder(f, 100, 0.001)
	assert.ErrorContains(t, err, "MIN_NOTIONAL")

	// 未配置的过滤器不参与校验
	assert.NoError(t, ValidateOrder(models.SymbolFilters{}, 1, 1))
}
