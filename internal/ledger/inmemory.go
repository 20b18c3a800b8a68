package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type inMemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]Wallet
	// records in append order, with lookup indexes kept alongside.
	records  []TransactionRecord
	byID     map[string]int
	byIdem   map[string]int
	byGwRef  map[string]int
	byOwner  map[string]string
	byNumber map[string]string
}

// NewInMemory creates a concurrency-safe in-memory store. It backs unit tests
// and local development without Postgres.
func NewInMemory() Store {
	return &inMemoryStore{
		wallets:  make(map[string]Wallet),
		byID:     make(map[string]int),
		byIdem:   make(map[string]int),
		byGwRef:  make(map[string]int),
		byOwner:  make(map[string]string),
		byNumber: make(map[string]string),
	}
}

func cloneWallet(w Wallet) Wallet {
	out := w
	out.Balances = make(map[string]decimal.Decimal, len(w.Balances))
	for c, b := range w.Balances {
		out.Balances[c] = b
	}
	if w.PinHash != nil {
		out.PinHash = append([]byte(nil), w.PinHash...)
	}
	return out
}

func (s *inMemoryStore) CreateWallet(_ context.Context, w Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.wallets[w.ID]; exists {
		return ErrWalletExists
	}
	if _, exists := s.byOwner[w.OwnerID]; exists {
		return ErrWalletExists
	}
	if w.Balances == nil {
		w.Balances = make(map[string]decimal.Decimal)
	}
	s.wallets[w.ID] = cloneWallet(w)
	s.byOwner[w.OwnerID] = w.ID
	s.byNumber[w.WalletNumber] = w.ID
	return nil
}

func (s *inMemoryStore) GetWallet(_ context.Context, id string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[id]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return cloneWallet(w), nil
}

func (s *inMemoryStore) GetWalletByOwner(_ context.Context, ownerID string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOwner[ownerID]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return cloneWallet(s.wallets[id]), nil
}

func (s *inMemoryStore) GetWalletByNumber(_ context.Context, number string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byNumber[number]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return cloneWallet(s.wallets[id]), nil
}

func (s *inMemoryStore) UpdatePinHash(_ context.Context, walletID string, hash []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[walletID]
	if !ok {
		return ErrWalletNotFound
	}
	w.PinHash = append([]byte(nil), hash...)
	w.UpdatedAt = time.Now().UTC()
	s.wallets[walletID] = w
	return nil
}

func (s *inMemoryStore) ApplyMutation(_ context.Context, walletID string, expectedVersion int64, delta BalanceDelta, limit LimitDelta) (Wallet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletID]
	if !ok {
		return Wallet{}, false, ErrWalletNotFound
	}
	if w.Version != expectedVersion {
		return cloneWallet(w), false, nil
	}

	next := cloneWallet(w)
	balance := next.Balance(delta.Currency).Add(delta.Amount)
	if balance.IsNegative() {
		return Wallet{}, false, ErrNegativeBalance
	}
	next.Balances[delta.Currency] = balance

	if limit.ResetDay {
		next.DayCount = 0
		next.DayAmount = decimal.Zero
		next.DayStart = limit.DayStart
	}
	if limit.ResetMonth {
		next.MonthCount = 0
		next.MonthAmount = decimal.Zero
		next.MonthStart = limit.MonthStart
	}
	next.DayCount += limit.Count
	next.DayAmount = next.DayAmount.Add(limit.Amount)
	next.MonthCount += limit.Count
	next.MonthAmount = next.MonthAmount.Add(limit.Amount)

	next.Version++
	next.UpdatedAt = time.Now().UTC()
	s.wallets[walletID] = next
	return cloneWallet(next), true, nil
}

func (s *inMemoryStore) AppendRecord(_ context.Context, rec TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byIdem[rec.IdempotencyKey]; exists {
		return ErrDuplicateKey
	}
	idx := len(s.records)
	s.records = append(s.records, rec)
	s.byID[rec.ID] = idx
	s.byIdem[rec.IdempotencyKey] = idx
	if rec.GatewayRef != "" {
		s.byGwRef[rec.GatewayRef] = idx
	}
	return nil
}

func (s *inMemoryStore) FindByIdempotencyKey(_ context.Context, key string) (TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byIdem[key]
	if !ok {
		return TransactionRecord{}, ErrRecordNotFound
	}
	return s.records[idx], nil
}

func (s *inMemoryStore) FindByGatewayRef(_ context.Context, ref string) (TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byGwRef[ref]
	if !ok {
		return TransactionRecord{}, ErrRecordNotFound
	}
	return s.records[idx], nil
}

func (s *inMemoryStore) SetGatewayRef(_ context.Context, recordID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[recordID]
	if !ok {
		return ErrRecordNotFound
	}
	s.records[idx].GatewayRef = ref
	s.byGwRef[ref] = idx
	return nil
}

func (s *inMemoryStore) UpdateRecordStatus(_ context.Context, recordID string, status Status, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[recordID]
	if !ok {
		return ErrRecordNotFound
	}
	if s.records[idx].Status != StatusPending {
		return ErrNotPending
	}
	s.records[idx].Status = status
	at := completedAt
	s.records[idx].CompletedAt = &at
	return nil
}

func (s *inMemoryStore) ListRecords(_ context.Context, walletID string, limit int) ([]TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []TransactionRecord
	for i := len(s.records) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.records[i].WalletID == walletID {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}
