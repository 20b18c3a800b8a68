package ledger

import (
	"github.com/shopspring/decimal"
)

// SeedBalance is a test helper that sets a currency balance directly when
// using the in-memory store.
func SeedBalance(s Store, walletID, currency string, amount decimal.Decimal) {
	if mem, ok := s.(*inMemoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		w, exists := mem.wallets[walletID]
		if !exists {
			return
		}
		w.Balances[currency] = amount
		mem.wallets[walletID] = w
	}
}

// SeedCounters is a test helper that overwrites the in-memory limit counters.
func SeedCounters(s Store, walletID string, dayCount int, dayAmount decimal.Decimal) {
	if mem, ok := s.(*inMemoryStore); ok {
		mem.mu.Lock()
		defer mem.mu.Unlock()
		w, exists := mem.wallets[walletID]
		if !exists {
			return
		}
		w.DayCount = dayCount
		w.DayAmount = dayAmount
		mem.wallets[walletID] = w
	}
}
