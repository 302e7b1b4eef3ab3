package manager

import (
	"strconv"
	"sync"

	"binance-pt-bot-go/internal/models"
)

// AccountManager holds the process-wide balance view. Updates come only
// from the exchange's account-position events (plus the initial seed),
// so all readers see a consistent snapshot per event boundary.
type AccountManager struct {
	mu       sync.RWMutex
	accounts map[string]models.Account
}

// NewAccountManager creates an empty account manager.
func NewAccountManager() *AccountManager {
	return &AccountManager{accounts: make(map[string]models.Account)}
}

// Seed replaces the balance view with the result of a full account query.
func (a *AccountManager) Seed(accounts []models.Account) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accounts = make(map[string]models.Account, len(accounts))
	for _, acc := range accounts {
		a.accounts[acc.AssetName] = acc
	}
}

// Apply folds an outboundAccountPosition event into the balance view.
func (a *AccountManager) Apply(ev *models.AccountPositionEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range ev.Balances {
		free, err := strconv.ParseFloat(b.Free, 64)
		if err != nil {
			continue
		}
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		a.accounts[b.Asset] = models.Account{AssetName: b.Asset, Free: free, Locked: locked}
	}
}

// AssetAvailable returns the free balance of an asset. Unknown assets
// report zero, which the admission gates treat as no liquidity.
func (a *AccountManager) AssetAvailable(asset string) (float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.accounts[asset].Free, nil
}

// Snapshot returns a copy of all balances for read-only use.
func (a *AccountManager) Snapshot() []models.Account {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]models.Account, 0, len(a.accounts))
	for _, acc := range a.accounts {
		out = append(out, acc)
	}
	return out
}
