package pt

import (
	"errors"
	"math"
)

// ErrCompensationImpossible 表示在当前 cmp/gap 下无法构造补偿配对
// （分母趋于零）。调用方视为"此价位无法补偿"，不是致命错误。
var ErrCompensationImpossible = errors.New("compensation impossible at this cmp/gap")

// ComputePair 根据参考市场价、目标净收益和固定数量计算对称的买卖价格。
//
// 两条腿都按各自价格成交时，扣除线性手续费后实现的净计价货币收益为 neb：
//
//	buyPrice  = mp*(1-fee) - neb/(2*quantity)
//	sellPrice = mp*(1+fee) + neb/(2*quantity)
//
// 约定：neb >= 0 时恒有 sellPrice > buyPrice。
// 这里不做任何取整，tick/lot 取整在下单边界处理。
func ComputePair(marketPrice, netQuoteBalance, quantity, fee float64) (buyPrice, sellPrice, qty float64) {
	half := netQuoteBalance / (2 * quantity)
	buyPrice = marketPrice*(1-fee) - half
	sellPrice = marketPrice*(1+fee) + half
	return buyPrice, sellPrice, quantity
}

// Compensate 根据剩余的持仓失衡 (qtyBalance, priceBalance) 推导一个
// 以 cmp±gap 为中心的新配对，使其成交后在手续费范围内抵消该失衡。
//
// 求解的是数量守恒与计价货币守恒联立方程：
//
//	b1Qty - s1Qty = -qtyBalance
//	priceBalance - b1P*(1+buyFee)*b1Qty + s1P*(1-sellFee)*s1Qty = 0
//
// 分母趋于零时返回 ErrCompensationImpossible。
func Compensate(cmp, gap, qtyBalance, priceBalance, buyFee, sellFee float64) (s1P, b1P, s1Qty, b1Qty float64, err error) {
	s1P = cmp + gap
	b1P = cmp - gap

	den := s1P*(1-sellFee) - b1P*(1+buyFee)
	if math.Abs(den) < 1e-12 {
		return 0, 0, 0, 0, ErrCompensationImpossible
	}

	s1Qty = -(priceBalance + b1P*(1+buyFee)*qtyBalance) / den
	b1Qty = s1Qty - qtyBalance
	return s1P, b1P, s1Qty, b1Qty, nil
}

// ExpectedProfit 计算一个配对两条腿都按挂单价成交时的净收益
// （已扣除两侧线性手续费）。创建配对时记录为 original_expected_profit。
func ExpectedProfit(buyPrice, sellPrice, quantity, fee float64) float64 {
	return (sellPrice*(1-fee) - buyPrice*(1+fee)) * quantity
}
