package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Schema documents the tables this store expects. Applied out of band.
const Schema = `
CREATE TABLE IF NOT EXISTS wallets (
    id            UUID PRIMARY KEY,
    owner_id      UUID NOT NULL UNIQUE,
    wallet_number TEXT NOT NULL UNIQUE,
    balances      JSONB NOT NULL DEFAULT '{}',
    pin_hash      BYTEA,
    locked        BOOLEAN NOT NULL DEFAULT FALSE,
    suspended     BOOLEAN NOT NULL DEFAULT FALSE,
    version       BIGINT NOT NULL DEFAULT 0,
    day_count     INT NOT NULL DEFAULT 0,
    day_amount    NUMERIC(20,4) NOT NULL DEFAULT 0,
    day_start     TIMESTAMPTZ NOT NULL,
    month_count   INT NOT NULL DEFAULT 0,
    month_amount  NUMERIC(20,4) NOT NULL DEFAULT 0,
    month_start   TIMESTAMPTZ NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
    id              UUID PRIMARY KEY,
    idempotency_key TEXT NOT NULL UNIQUE,
    wallet_id       UUID NOT NULL REFERENCES wallets (id),
    direction       TEXT NOT NULL,
    kind            TEXT NOT NULL,
    amount          NUMERIC(20,4) NOT NULL,
    fee             NUMERIC(20,4) NOT NULL DEFAULT 0,
    currency        TEXT NOT NULL,
    balance_before  NUMERIC(20,4) NOT NULL,
    balance_after   NUMERIC(20,4) NOT NULL,
    status          TEXT NOT NULL,
    counterparty_wallet_id UUID,
    recipient_handle TEXT,
    bank_code       TEXT,
    account_number  TEXT,
    account_name    TEXT,
    gateway_ref     TEXT,
    reversal_of     UUID,
    memo            TEXT,
    created_at      TIMESTAMPTZ NOT NULL,
    completed_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_transactions_wallet ON transactions (wallet_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_transactions_gateway_ref ON transactions (gateway_ref) WHERE gateway_ref IS NOT NULL;
`

const pgUniqueViolation = "23505"

// PostgresStore persists wallets and transaction records in PostgreSQL.
// Optimistic concurrency is enforced through the wallets.version column.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func marshalBalances(balances map[string]decimal.Decimal) ([]byte, error) {
	if balances == nil {
		balances = map[string]decimal.Decimal{}
	}
	return json.Marshal(balances)
}

// CreateWallet inserts a wallet row.
func (s *PostgresStore) CreateWallet(ctx context.Context, w Wallet) error {
	balances, err := marshalBalances(w.Balances)
	if err != nil {
		return fmt.Errorf("marshal balances: %w", err)
	}
	_, err = s.db.Exec(ctx, `INSERT INTO wallets
        (id, owner_id, wallet_number, balances, pin_hash, locked, suspended, version,
         day_count, day_amount, day_start, month_count, month_amount, month_start,
         created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		w.ID, w.OwnerID, w.WalletNumber, balances, w.PinHash, w.Locked, w.Suspended, w.Version,
		w.DayCount, w.DayAmount.String(), w.DayStart.UTC(), w.MonthCount, w.MonthAmount.String(), w.MonthStart.UTC(),
		w.CreatedAt.UTC(), w.UpdatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrWalletExists
	}
	return err
}

const walletColumns = `id, owner_id, wallet_number, balances, pin_hash, locked, suspended, version,
    day_count, day_amount::text, day_start, month_count, month_amount::text, month_start, created_at, updated_at`

func scanWallet(row pgx.Row) (Wallet, error) {
	var (
		w         Wallet
		balances  []byte
		dayAmount string
		monthAmt  string
	)
	err := row.Scan(&w.ID, &w.OwnerID, &w.WalletNumber, &balances, &w.PinHash, &w.Locked, &w.Suspended, &w.Version,
		&w.DayCount, &dayAmount, &w.DayStart, &w.MonthCount, &monthAmt, &w.MonthStart, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, err
	}
	if err := json.Unmarshal(balances, &w.Balances); err != nil {
		return Wallet{}, fmt.Errorf("unmarshal balances: %w", err)
	}
	if w.DayAmount, err = decimal.NewFromString(dayAmount); err != nil {
		return Wallet{}, fmt.Errorf("parse day amount: %w", err)
	}
	if w.MonthAmount, err = decimal.NewFromString(monthAmt); err != nil {
		return Wallet{}, fmt.Errorf("parse month amount: %w", err)
	}
	return w, nil
}

// GetWallet fetches a wallet by identifier.
func (s *PostgresStore) GetWallet(ctx context.Context, id string) (Wallet, error) {
	return scanWallet(s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
}

// GetWalletByOwner fetches the wallet held by the given user.
func (s *PostgresStore) GetWalletByOwner(ctx context.Context, ownerID string) (Wallet, error) {
	return scanWallet(s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE owner_id = $1`, ownerID))
}

// GetWalletByNumber fetches a wallet by its human-facing wallet number.
func (s *PostgresStore) GetWalletByNumber(ctx context.Context, number string) (Wallet, error) {
	return scanWallet(s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE wallet_number = $1`, number))
}

// UpdatePinHash overwrites the stored PIN hash. The previous hash is not retained.
func (s *PostgresStore) UpdatePinHash(ctx context.Context, walletID string, hash []byte) error {
	tag, err := s.db.Exec(ctx, `UPDATE wallets SET pin_hash = $2, updated_at = $3 WHERE id = $1`,
		walletID, hash, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// ApplyMutation performs the version-guarded compare-and-swap. The new state
// is computed from a fresh read; the guarded UPDATE only lands if no other
// writer committed in between.
func (s *PostgresStore) ApplyMutation(ctx context.Context, walletID string, expectedVersion int64, delta BalanceDelta, limit LimitDelta) (Wallet, bool, error) {
	current, err := s.GetWallet(ctx, walletID)
	if err != nil {
		return Wallet{}, false, err
	}
	if current.Version != expectedVersion {
		return current, false, nil
	}

	next := current
	next.Balances = make(map[string]decimal.Decimal, len(current.Balances))
	for c, b := range current.Balances {
		next.Balances[c] = b
	}
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
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()

	balances, err := marshalBalances(next.Balances)
	if err != nil {
		return Wallet{}, false, fmt.Errorf("marshal balances: %w", err)
	}

	tag, err := s.db.Exec(ctx, `UPDATE wallets SET
        balances = $2, version = $3,
        day_count = $4, day_amount = $5, day_start = $6,
        month_count = $7, month_amount = $8, month_start = $9,
        updated_at = $10
        WHERE id = $1 AND version = $11`,
		walletID, balances, next.Version,
		next.DayCount, next.DayAmount.String(), next.DayStart.UTC(),
		next.MonthCount, next.MonthAmount.String(), next.MonthStart.UTC(),
		next.UpdatedAt, expectedVersion)
	if err != nil {
		return Wallet{}, false, err
	}
	if tag.RowsAffected() == 0 {
		// Lost the race; return the fresh state so the caller can retry.
		fresh, err := s.GetWallet(ctx, walletID)
		if err != nil {
			return Wallet{}, false, err
		}
		return fresh, false, nil
	}
	return next, true, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// AppendRecord inserts an immutable ledger entry. The unique index on
// idempotency_key is the race-safety backstop behind the engine-level check.
func (s *PostgresStore) AppendRecord(ctx context.Context, rec TransactionRecord) error {
	_, err := s.db.Exec(ctx, `INSERT INTO transactions
        (id, idempotency_key, wallet_id, direction, kind, amount, fee, currency,
         balance_before, balance_after, status, counterparty_wallet_id, recipient_handle,
         bank_code, account_number, account_name, gateway_ref, reversal_of, memo,
         created_at, completed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		rec.ID, rec.IdempotencyKey, rec.WalletID, rec.Direction, rec.Kind,
		rec.Amount.String(), rec.Fee.String(), rec.Currency,
		rec.BalanceBefore.String(), rec.BalanceAfter.String(), rec.Status,
		nullable(rec.CounterpartyWalletID), nullable(rec.RecipientHandle),
		nullable(rec.BankCode), nullable(rec.AccountNumber), nullable(rec.AccountName),
		nullable(rec.GatewayRef), nullable(rec.ReversalOf), nullable(rec.Memo),
		rec.CreatedAt.UTC(), rec.CompletedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateKey
	}
	return err
}

const recordColumns = `id, idempotency_key, wallet_id, direction, kind,
    amount::text, fee::text, currency, balance_before::text, balance_after::text, status,
    counterparty_wallet_id, recipient_handle, bank_code, account_number, account_name,
    gateway_ref, reversal_of, memo, created_at, completed_at`

func scanRecord(row pgx.Row) (TransactionRecord, error) {
	var (
		rec                            TransactionRecord
		amount, fee, before, after     string
		counterparty, handle, bankCode *string
		accountNumber, accountName     *string
		gatewayRef, reversalOf, memo   *string
	)
	err := row.Scan(&rec.ID, &rec.IdempotencyKey, &rec.WalletID, &rec.Direction, &rec.Kind,
		&amount, &fee, &rec.Currency, &before, &after, &rec.Status,
		&counterparty, &handle, &bankCode, &accountNumber, &accountName,
		&gatewayRef, &reversalOf, &memo, &rec.CreatedAt, &rec.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TransactionRecord{}, ErrRecordNotFound
		}
		return TransactionRecord{}, err
	}
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return TransactionRecord{}, fmt.Errorf("parse amount: %w", err)
	}
	if rec.Fee, err = decimal.NewFromString(fee); err != nil {
		return TransactionRecord{}, fmt.Errorf("parse fee: %w", err)
	}
	if rec.BalanceBefore, err = decimal.NewFromString(before); err != nil {
		return TransactionRecord{}, fmt.Errorf("parse balance before: %w", err)
	}
	if rec.BalanceAfter, err = decimal.NewFromString(after); err != nil {
		return TransactionRecord{}, fmt.Errorf("parse balance after: %w", err)
	}
	deref := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	rec.CounterpartyWalletID = deref(counterparty)
	rec.RecipientHandle = deref(handle)
	rec.BankCode = deref(bankCode)
	rec.AccountNumber = deref(accountNumber)
	rec.AccountName = deref(accountName)
	rec.GatewayRef = deref(gatewayRef)
	rec.ReversalOf = deref(reversalOf)
	rec.Memo = deref(memo)
	return rec, nil
}

// FindByIdempotencyKey returns the record bound to the caller-supplied key.
func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) (TransactionRecord, error) {
	return scanRecord(s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM transactions WHERE idempotency_key = $1`, key))
}

// FindByGatewayRef returns the record initiated with the given gateway reference.
func (s *PostgresStore) FindByGatewayRef(ctx context.Context, ref string) (TransactionRecord, error) {
	return scanRecord(s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM transactions WHERE gateway_ref = $1`, ref))
}

// SetGatewayRef stores the external settlement reference on a record.
func (s *PostgresStore) SetGatewayRef(ctx context.Context, recordID, ref string) error {
	tag, err := s.db.Exec(ctx, `UPDATE transactions SET gateway_ref = $2 WHERE id = $1`, recordID, ref)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// UpdateRecordStatus transitions a pending record to a terminal status.
func (s *PostgresStore) UpdateRecordStatus(ctx context.Context, recordID string, status Status, completedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE transactions SET status = $2, completed_at = $3
        WHERE id = $1 AND status = $4`, recordID, status, completedAt.UTC(), StatusPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, recordID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrRecordNotFound
		}
		return ErrNotPending
	}
	return nil
}

// ListRecords returns the wallet's most recent entries, newest first.
func (s *PostgresStore) ListRecords(ctx context.Context, walletID string, limit int) ([]TransactionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `SELECT `+recordColumns+` FROM transactions
        WHERE wallet_id = $1 ORDER BY created_at DESC LIMIT $2`, walletID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransactionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
