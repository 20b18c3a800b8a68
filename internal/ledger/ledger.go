package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrWalletNotFound occurs when no wallet exists for the requested identifier.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrWalletExists indicates the owner already holds a wallet.
	ErrWalletExists = errors.New("wallet already exists")

	// ErrRecordNotFound occurs when no transaction record matches the lookup.
	ErrRecordNotFound = errors.New("transaction record not found")

	// ErrDuplicateKey indicates the idempotency key is already taken by an
	// existing record. Callers should fetch and return that record instead.
	ErrDuplicateKey = errors.New("duplicate idempotency key")

	// ErrNotPending indicates a status transition was attempted on a record
	// that already reached a terminal state.
	ErrNotPending = errors.New("record is not pending")

	// ErrNegativeBalance is the storage-level backstop against a mutation
	// that would drive any currency balance below zero.
	ErrNegativeBalance = errors.New("mutation would produce negative balance")
)

// Status is the lifecycle state of a transaction record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Direction marks which side of a movement a record describes.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// Kind tags the destination class of a transaction.
type Kind string

const (
	KindP2P         Kind = "p2p"
	KindBank        Kind = "bank"
	KindMobileMoney Kind = "mobile_money"
	KindRefund      Kind = "refund"
	KindDeposit     Kind = "deposit"
)

// External reports whether the kind settles through an outside rail.
func (k Kind) External() bool {
	return k == KindBank || k == KindMobileMoney
}

// Wallet is a stored-value account. Balances never go negative and Version
// increments on every committed mutation.
type Wallet struct {
	ID           string
	OwnerID      string
	WalletNumber string
	Balances     map[string]decimal.Decimal
	PinHash      []byte
	Locked       bool
	Suspended    bool
	Version      int64

	DayCount    int
	DayAmount   decimal.Decimal
	DayStart    time.Time
	MonthCount  int
	MonthAmount decimal.Decimal
	MonthStart  time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Balance returns the wallet's balance in the given currency, zero if the
// currency has never been credited.
func (w Wallet) Balance(currency string) decimal.Decimal {
	if b, ok := w.Balances[currency]; ok {
		return b
	}
	return decimal.Zero
}

// Available reports whether the wallet may originate transfers.
func (w Wallet) Available() bool {
	return !w.Locked && !w.Suspended
}

// TransactionRecord is one immutable ledger entry. Only Status and
// CompletedAt may change after insertion, and only away from pending.
type TransactionRecord struct {
	ID             string
	IdempotencyKey string
	WalletID       string
	Direction      Direction
	Kind           Kind
	Amount         decimal.Decimal
	Fee            decimal.Decimal
	Currency       string
	BalanceBefore  decimal.Decimal
	BalanceAfter   decimal.Decimal
	Status         Status

	// P2P legs only.
	CounterpartyWalletID string
	RecipientHandle      string

	// External rails only.
	BankCode      string
	AccountNumber string
	AccountName   string
	GatewayRef    string

	// Set on compensating entries, referencing the reversed record.
	ReversalOf string

	Memo        string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Total is the full economic effect of the record on its wallet.
func (r TransactionRecord) Total() decimal.Decimal {
	return r.Amount.Add(r.Fee)
}

// BalanceDelta is a signed balance adjustment in one currency.
type BalanceDelta struct {
	Currency string
	Amount   decimal.Decimal
}

// LimitDelta adjusts the rolling transfer counters alongside a balance
// mutation. Reset flags zero the window before the increment is applied,
// implementing the lazy window rollover.
type LimitDelta struct {
	Count      int
	Amount     decimal.Decimal
	ResetDay   bool
	ResetMonth bool
	DayStart   time.Time
	MonthStart time.Time
}

// Store is the single authority over wallet and transaction persistence.
// ApplyMutation is the only way any component changes a balance.
type Store interface {
	CreateWallet(ctx context.Context, w Wallet) error
	GetWallet(ctx context.Context, id string) (Wallet, error)
	GetWalletByOwner(ctx context.Context, ownerID string) (Wallet, error)
	GetWalletByNumber(ctx context.Context, number string) (Wallet, error)
	UpdatePinHash(ctx context.Context, walletID string, hash []byte) error

	// ApplyMutation atomically applies the balance and limit deltas if the
	// wallet's current version equals expectedVersion. It returns ok=false
	// without mutating on a version mismatch; callers reload and retry.
	ApplyMutation(ctx context.Context, walletID string, expectedVersion int64, delta BalanceDelta, limit LimitDelta) (Wallet, bool, error)

	AppendRecord(ctx context.Context, rec TransactionRecord) error
	FindByIdempotencyKey(ctx context.Context, key string) (TransactionRecord, error)
	FindByGatewayRef(ctx context.Context, ref string) (TransactionRecord, error)
	SetGatewayRef(ctx context.Context, recordID, ref string) error
	UpdateRecordStatus(ctx context.Context, recordID string, status Status, completedAt time.Time) error
	ListRecords(ctx context.Context, walletID string, limit int) ([]TransactionRecord, error)
}
