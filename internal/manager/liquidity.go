package manager

import "sync"

// liquidityBook aggregates the liquidity each active session needs to
// trade all its live orders. Each symbol worker republishes its session's
// needs after every event; admission gates read the cross-session sums.
type liquidityBook struct {
	mu       sync.RWMutex
	bySymbol map[string]map[string]float64 // symbol -> asset -> amount needed
}

func newLiquidityBook() *liquidityBook {
	return &liquidityBook{bySymbol: make(map[string]map[string]float64)}
}

// Publish replaces one symbol's liquidity needs.
func (b *liquidityBook) Publish(symbol, baseAsset string, baseNeeded float64, quoteAsset string, quoteNeeded float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bySymbol[symbol] = map[string]float64{
		baseAsset:  baseNeeded,
		quoteAsset: quoteNeeded,
	}
}

// Drop removes a stopped symbol from the book.
func (b *liquidityBook) Drop(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bySymbol, symbol)
}

// LiquidityNeeded sums one asset's needs across all active sessions.
func (b *liquidityBook) LiquidityNeeded(asset string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total float64
	for _, needs := range b.bySymbol {
		total += needs[asset]
	}
	return total
}

// cmpCache keeps the latest ticker price per symbol, including the
// helper symbols used for commission conversion.
type cmpCache struct {
	mu   sync.RWMutex
	last map[string]float64
}

func newCmpCache() *cmpCache {
	return &cmpCache{last: make(map[string]float64)}
}

func (c *cmpCache) Set(symbol string, cmp float64) {
	c.mu.Lock()
	c.last[symbol] = cmp
	c.mu.Unlock()
}

func (c *cmpCache) Get(symbol string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last[symbol]
}
