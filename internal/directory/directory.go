// Package directory resolves recipient handles (phone numbers, wallet
// numbers) to wallet identifiers. The authoritative user directory is an
// external collaborator; this package holds the port and local fallbacks.
package directory

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/tuma-pay/tuma_pay/internal/ledger"
)

// ErrNotFound indicates no wallet is registered for the handle.
var ErrNotFound = errors.New("recipient not found")

// Directory resolves a recipient handle to a wallet id.
type Directory interface {
	ResolveWalletByHandle(ctx context.Context, handle string) (string, error)
}

// Memory is an in-process directory for tests and development.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemory constructs an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]string)}
}

// Register binds a handle to a wallet id.
func (m *Memory) Register(handle, walletID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[handle] = walletID
}

// ResolveWalletByHandle looks the handle up in the local table.
func (m *Memory) ResolveWalletByHandle(_ context.Context, handle string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.entries[handle]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

// WalletNumber resolves handles that are platform wallet numbers (the
// TM-prefixed handle printed on every wallet) straight from the ledger,
// falling back to a delegate for phone-style handles.
type WalletNumber struct {
	store    ledger.Store
	fallback Directory
}

// NewWalletNumber builds a wallet-number resolver. fallback may be nil.
func NewWalletNumber(store ledger.Store, fallback Directory) *WalletNumber {
	return &WalletNumber{store: store, fallback: fallback}
}

// ResolveWalletByHandle resolves TM-prefixed wallet numbers locally and
// delegates anything else.
func (d *WalletNumber) ResolveWalletByHandle(ctx context.Context, handle string) (string, error) {
	if strings.HasPrefix(handle, "TM") {
		w, err := d.store.GetWalletByNumber(ctx, handle)
		if err != nil {
			if errors.Is(err, ledger.ErrWalletNotFound) {
				return "", ErrNotFound
			}
			return "", err
		}
		return w.ID, nil
	}
	if d.fallback == nil {
		return "", ErrNotFound
	}
	return d.fallback.ResolveWalletByHandle(ctx, handle)
}
