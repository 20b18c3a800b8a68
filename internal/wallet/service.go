package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tuma-pay/tuma_pay/internal/ledger"
	"github.com/tuma-pay/tuma_pay/internal/pin"
)

var (
	// ErrPinMismatch indicates the current PIN supplied for a rotation did
	// not verify.
	ErrPinMismatch = errors.New("current pin does not match")

	// ErrPinNotSet indicates a rotation was requested before any PIN existed.
	ErrPinNotSet = errors.New("pin not set")

	// ErrInvalidAmount indicates a deposit amount that is zero or negative.
	ErrInvalidAmount = errors.New("amount must be positive")
)

const depositCASAttempts = 5

// Service exposes wallet lifecycle operations on top of the ledger store.
type Service struct {
	store ledger.Store
}

// NewService builds a wallet service.
func NewService(store ledger.Store) *Service {
	return &Service{store: store}
}

// walletNumber derives a human-shareable wallet number: TM, the trailing
// eight digits of the unix timestamp, and six random hex characters.
func walletNumber(now time.Time) string {
	ts := fmt.Sprintf("%d", now.Unix())
	if len(ts) > 8 {
		ts = ts[len(ts)-8:]
	}
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return "TM" + ts + suffix
}

// CreateInput captures data required to open a wallet.
type CreateInput struct {
	OwnerID  string
	Currency string
	Pin      string
}

// Create provisions a wallet for the owner. Each owner holds exactly one
// wallet; a second create reports ledger.ErrWalletExists.
func (s *Service) Create(ctx context.Context, input CreateInput) (ledger.Wallet, error) {
	if input.OwnerID == "" {
		return ledger.Wallet{}, fmt.Errorf("owner id is required")
	}
	currency := input.Currency
	if currency == "" {
		currency = "KES"
	}

	var hash []byte
	if input.Pin != "" {
		h, err := pin.Hash(input.Pin)
		if err != nil {
			return ledger.Wallet{}, err
		}
		hash = h
	}

	now := time.Now().UTC()
	w := ledger.Wallet{
		ID:           uuid.NewString(),
		OwnerID:      input.OwnerID,
		WalletNumber: walletNumber(now),
		Balances:     map[string]decimal.Decimal{currency: decimal.Zero},
		PinHash:      hash,
		DayStart:     now,
		MonthStart:   now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateWallet(ctx, w); err != nil {
		return ledger.Wallet{}, err
	}
	return w, nil
}

// Get retrieves a wallet by id.
func (s *Service) Get(ctx context.Context, id string) (ledger.Wallet, error) {
	return s.store.GetWallet(ctx, id)
}

// GetByOwner retrieves the owner's wallet.
func (s *Service) GetByOwner(ctx context.Context, ownerID string) (ledger.Wallet, error) {
	return s.store.GetWalletByOwner(ctx, ownerID)
}

// Balance reports the wallet's balance in the given currency.
func (s *Service) Balance(ctx context.Context, id, currency string) (decimal.Decimal, error) {
	if currency == "" {
		currency = "KES"
	}
	w, err := s.store.GetWallet(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance(currency), nil
}

// SetPin sets the wallet PIN for the first time. Rotation of an existing PIN
// goes through RotatePin so the current PIN is always proven.
func (s *Service) SetPin(ctx context.Context, walletID, newPin string) error {
	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return err
	}
	if len(w.PinHash) != 0 {
		return ErrPinMismatch
	}
	hash, err := pin.Hash(newPin)
	if err != nil {
		return err
	}
	return s.store.UpdatePinHash(ctx, walletID, hash)
}

// RotatePin replaces the PIN after verifying the current one.
func (s *Service) RotatePin(ctx context.Context, walletID, currentPin, newPin string) error {
	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return err
	}
	if len(w.PinHash) == 0 {
		return ErrPinNotSet
	}
	if !pin.Verify(w.PinHash, currentPin) {
		return ErrPinMismatch
	}
	hash, err := pin.Hash(newPin)
	if err != nil {
		return err
	}
	return s.store.UpdatePinHash(ctx, walletID, hash)
}

// DepositInput captures a funding request against a wallet.
type DepositInput struct {
	WalletID       string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

// Deposit credits external funds into the wallet and appends a completed
// deposit entry. Replays of the same idempotency key return the original
// record without crediting again.
func (s *Service) Deposit(ctx context.Context, input DepositInput) (ledger.TransactionRecord, error) {
	if !input.Amount.IsPositive() {
		return ledger.TransactionRecord{}, ErrInvalidAmount
	}
	currency := input.Currency
	if currency == "" {
		currency = "KES"
	}
	key := input.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	if existing, err := s.store.FindByIdempotencyKey(ctx, key); err == nil {
		return existing, nil
	} else if !errors.Is(err, ledger.ErrRecordNotFound) {
		return ledger.TransactionRecord{}, fmt.Errorf("check deposit key: %w", err)
	}

	w, err := s.store.GetWallet(ctx, input.WalletID)
	if err != nil {
		return ledger.TransactionRecord{}, err
	}

	// Deposits do not count toward transfer limits, so only the balance moves.
	before, after, err := s.creditWithRetry(ctx, w, ledger.BalanceDelta{Currency: currency, Amount: input.Amount})
	if err != nil {
		return ledger.TransactionRecord{}, fmt.Errorf("credit deposit: %w", err)
	}

	now := time.Now().UTC()
	rec := ledger.TransactionRecord{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		WalletID:       input.WalletID,
		Direction:      ledger.DirectionCredit,
		Kind:           ledger.KindDeposit,
		Amount:         input.Amount,
		Fee:            decimal.Zero,
		Currency:       currency,
		BalanceBefore:  before.Balance(currency),
		BalanceAfter:   after.Balance(currency),
		Status:         ledger.StatusCompleted,
		CreatedAt:      now,
		CompletedAt:    &now,
	}
	if err := s.store.AppendRecord(ctx, rec); err != nil {
		s.reverseCredit(ctx, input.WalletID, currency, input.Amount)
		if errors.Is(err, ledger.ErrDuplicateKey) {
			// A concurrent deposit with the same key won the append.
			return s.store.FindByIdempotencyKey(ctx, key)
		}
		return ledger.TransactionRecord{}, fmt.Errorf("record deposit: %w", err)
	}
	return rec, nil
}

func (s *Service) creditWithRetry(ctx context.Context, w ledger.Wallet, delta ledger.BalanceDelta) (ledger.Wallet, ledger.Wallet, error) {
	for attempt := 0; attempt < depositCASAttempts; attempt++ {
		fresh, ok, err := s.store.ApplyMutation(ctx, w.ID, w.Version, delta, ledger.LimitDelta{})
		if err != nil {
			return ledger.Wallet{}, ledger.Wallet{}, err
		}
		if ok {
			return w, fresh, nil
		}
		w = fresh
	}
	return ledger.Wallet{}, ledger.Wallet{}, fmt.Errorf("version conflict persisted")
}

// reverseCredit takes back a deposit credit that never became a ledger entry.
func (s *Service) reverseCredit(ctx context.Context, walletID, currency string, amount decimal.Decimal) {
	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return
	}
	_, _, _ = s.creditWithRetry(ctx, w, ledger.BalanceDelta{Currency: currency, Amount: amount.Neg()})
}

// History lists the wallet's most recent transactions, newest first.
func (s *Service) History(ctx context.Context, walletID string, limit int) ([]ledger.TransactionRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if _, err := s.store.GetWallet(ctx, walletID); err != nil {
		return nil, err
	}
	return s.store.ListRecords(ctx, walletID, limit)
}
