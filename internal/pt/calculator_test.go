package pt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputePair(t *testing.T) {
	// Literal values from the BTCEUR reference scenario.
	buy, sell, qty := ComputePair(40000, 0.0, 0.02, 0.001)

	assert.InDelta(t, 39960.0, buy, 1e-9, "buy price should be mp*(1-fee)")
	assert.InDelta(t, 40040.0, sell, 1e-9, "sell price should be mp*(1+fee)")
	assert.Equal(t, 0.02, qty)
}

func TestComputePairWithNetQuoteBalance(t *testing.T) {
	buy, sell, _ := ComputePair(40000, 4.0, 0.02, 0.001)

	// neb/(2*qty) = 100 is split symmetrically on both sides.
	assert.InDelta(t, 39860.0, buy, 1e-9)
	assert.InDelta(t, 40140.0, sell, 1e-9)
}

func TestComputePairSpreadCoversFees(t *testing.T) {
	// With neb = 0 the spread must still cover both fee legs:
	// sell - buy >= 2*mp*fee.
	cases := []struct {
		mp  float64
		fee float64
	}{
		{40000, 0.001},
		{1.2345, 0.00075},
		{250000, 0.002},
	}
	for _, c := range cases {
		buy, sell, _ := ComputePair(c.mp, 0, 0.02, c.fee)
		assert.GreaterOrEqual(t, sell-buy, 2*c.mp*c.fee-1e-9,
			"spread must cover both fee legs at mp=%v fee=%v", c.mp, c.fee)
		assert.Greater(t, sell, buy)
	}
}

func TestCompensateZeroesImbalance(t *testing.T) {
	cmp, gap := 40000.0, 80.0
	qtyBal, priceBal := 0.01, -350.0
	buyFee, sellFee := 0.001, 0.001

	s1P, b1P, s1Qty, b1Qty, err := Compensate(cmp, gap, qtyBal, priceBal, buyFee, sellFee)
	require.NoError(t, err)

	assert.InDelta(t, cmp+gap, s1P, 1e-9)
	assert.InDelta(t, cmp-gap, b1P, 1e-9)

	// Executing both legs has to zero both balances.
	assert.InDelta(t, 0.0, qtyBal+b1Qty-s1Qty, 1e-9, "base imbalance must be zeroed")
	quoteAfter := priceBal - b1P*(1+buyFee)*b1Qty + s1P*(1-sellFee)*s1Qty
	assert.InDelta(t, 0.0, quoteAfter, 1e-6, "quote imbalance must be zeroed")
}

func TestCompensateVanishingDenominator(t *testing.T) {
	// gap = 0 and no fees puts both legs at the same effective price.
	_, _, _, _, err := Compensate(40000, 0, 0.01, -400, 0, 0)
	require.ErrorIs(t, err, ErrCompensationImpossible)
}

func TestExpectedProfitMatchesNetQuoteBalance(t *testing.T) {
	// For a pair built by ComputePair the realized net profit is close to
	// the requested neb (exact up to the fee-on-neb second-order term).
	mp, neb, qty, fee := 40000.0, 1.6, 0.02, 0.001
	buy, sell, _ := ComputePair(mp, neb, qty, fee)
	got := ExpectedProfit(buy, sell, qty, fee)
	assert.InDelta(t, neb, got, neb*fee*2+1e-9)
}
