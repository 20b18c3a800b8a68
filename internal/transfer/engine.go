package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tuma-pay/tuma_pay/internal/directory"
	"github.com/tuma-pay/tuma_pay/internal/gateway"
	"github.com/tuma-pay/tuma_pay/internal/ledger"
	"github.com/tuma-pay/tuma_pay/internal/limits"
	"github.com/tuma-pay/tuma_pay/internal/notification"
	"github.com/tuma-pay/tuma_pay/internal/pin"
)

const defaultCASAttempts = 5

// Destination selects where a transfer goes: another platform wallet or an
// external rail.
type Destination struct {
	Kind            ledger.Kind
	RecipientHandle string
	BankCode        string
	AccountNumber   string
	AccountName     string
}

// Request is one transfer submission. IdempotencyKey makes retries safe; an
// empty key gets a generated one (the retry guarantee then only covers the
// engine's own internal steps).
type Request struct {
	WalletID       string
	Destination    Destination
	Amount         decimal.Decimal
	Currency       string
	Pin            string
	IdempotencyKey string
	Memo           string
}

// Config tunes the engine's fee schedule and concurrency behaviour.
type Config struct {
	P2PFeeRate      decimal.Decimal
	ExternalFeeRate decimal.Decimal
	Limits          limits.Policy
	CASAttempts     int
}

// DefaultConfig carries the platform fee schedule: 0.5% for wallet-to-wallet,
// 1% for external rails.
func DefaultConfig() Config {
	return Config{
		P2PFeeRate:      decimal.NewFromFloat(0.005),
		ExternalFeeRate: decimal.NewFromFloat(0.01),
		Limits:          limits.DefaultPolicy(),
		CASAttempts:     defaultCASAttempts,
	}
}

// Engine orchestrates transfers end to end: validation, limit enforcement,
// the atomic sender debit, destination routing and compensation. It holds no
// wallet state between calls; every decision re-reads current state.
type Engine struct {
	store    ledger.Store
	gateway  gateway.Gateway
	resolver directory.Directory
	notifier notification.Notifier
	logger   *slog.Logger
	cfg      Config

	now   func() time.Time
	sleep func(time.Duration)
}

// NewEngine builds a transfer engine.
func NewEngine(store ledger.Store, gw gateway.Gateway, resolver directory.Directory, notifier notification.Notifier, logger *slog.Logger, cfg Config) *Engine {
	if cfg.CASAttempts <= 0 {
		cfg.CASAttempts = defaultCASAttempts
	}
	return &Engine{
		store:    store,
		gateway:  gw,
		resolver: resolver,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    time.Sleep,
	}
}

func (e *Engine) feeRate(kind ledger.Kind) decimal.Decimal {
	if kind.External() {
		return e.cfg.ExternalFeeRate
	}
	return e.cfg.P2PFeeRate
}

// backoff sleeps a short, jittered interval before a CAS retry so concurrent
// writers drift apart instead of colliding again.
func (e *Engine) backoff(attempt int) {
	base := time.Duration(attempt+1) * 2 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(2 * time.Millisecond)))
	e.sleep(base + jitter)
}

// Transfer executes one transfer. Rejections before the sender debit leave
// no trace; every failure after it is paired with a reversal entry.
func (e *Engine) Transfer(ctx context.Context, req Request) (ledger.TransactionRecord, error) {
	if !req.Amount.IsPositive() {
		return ledger.TransactionRecord{}, fmt.Errorf("amount must be positive")
	}
	switch req.Destination.Kind {
	case ledger.KindP2P, ledger.KindBank, ledger.KindMobileMoney:
	default:
		return ledger.TransactionRecord{}, fmt.Errorf("unsupported destination kind %q", req.Destination.Kind)
	}
	if req.Currency == "" {
		req.Currency = "KES"
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}

	// Idempotent replay: a key that already produced a record returns that
	// record as-is, pending or terminal.
	if existing, err := e.store.FindByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, ledger.ErrRecordNotFound) {
		return ledger.TransactionRecord{}, err
	}

	wallet, err := e.store.GetWallet(ctx, req.WalletID)
	if err != nil {
		return ledger.TransactionRecord{}, err
	}

	if !pin.Verify(wallet.PinHash, req.Pin) {
		return ledger.TransactionRecord{}, ErrInvalidCredential
	}
	if !wallet.Available() {
		return ledger.TransactionRecord{}, ErrWalletUnavailable
	}

	fee := req.Amount.Mul(e.feeRate(req.Destination.Kind))
	total := req.Amount.Add(fee)

	// Commit the sender leg: limit check, balance check and CAS, re-validated
	// against fresh state on every version conflict.
	var before, after ledger.Wallet
	committed := false
	for attempt := 0; attempt < e.cfg.CASAttempts; attempt++ {
		if !wallet.Available() {
			return ledger.TransactionRecord{}, ErrWalletUnavailable
		}
		decision := e.cfg.Limits.Evaluate(wallet, req.Amount, e.now())
		if !decision.Allowed {
			return e.replayOr(ctx, req.IdempotencyKey, &LimitExceededError{Kind: decision.Kind})
		}
		if wallet.Balance(req.Currency).LessThan(total) {
			return e.replayOr(ctx, req.IdempotencyKey, ErrInsufficientFunds)
		}

		fresh, ok, err := e.store.ApplyMutation(ctx, wallet.ID, wallet.Version,
			ledger.BalanceDelta{Currency: req.Currency, Amount: total.Neg()},
			decision.Delta(req.Amount))
		if err != nil {
			if errors.Is(err, ledger.ErrNegativeBalance) {
				return e.replayOr(ctx, req.IdempotencyKey, ErrInsufficientFunds)
			}
			return ledger.TransactionRecord{}, err
		}
		if ok {
			before, after = wallet, fresh
			committed = true
			break
		}
		wallet = fresh
		e.backoff(attempt)
	}
	if !committed {
		return e.replayOr(ctx, req.IdempotencyKey, ErrConflict)
	}

	rec := ledger.TransactionRecord{
		ID:              uuid.NewString(),
		IdempotencyKey:  req.IdempotencyKey,
		WalletID:        wallet.ID,
		Direction:       ledger.DirectionDebit,
		Kind:            req.Destination.Kind,
		Amount:          req.Amount,
		Fee:             fee,
		Currency:        req.Currency,
		BalanceBefore:   before.Balance(req.Currency),
		BalanceAfter:    after.Balance(req.Currency),
		Status:          ledger.StatusPending,
		RecipientHandle: req.Destination.RecipientHandle,
		BankCode:        req.Destination.BankCode,
		AccountNumber:   req.Destination.AccountNumber,
		AccountName:     req.Destination.AccountName,
		Memo:            req.Memo,
		CreatedAt:       e.now(),
	}

	if err := e.store.AppendRecord(ctx, rec); err != nil {
		if errors.Is(err, ledger.ErrDuplicateKey) {
			// A concurrent submission with the same key won the append race.
			// Undo our debit and hand back the winner's record so both
			// callers observe a single debit and the same transaction id.
			e.undoDebit(ctx, rec)
			return e.store.FindByIdempotencyKey(ctx, req.IdempotencyKey)
		}
		// The debit is committed but unrecorded; reverse it rather than
		// leave money outside the audit trail.
		e.undoDebit(ctx, rec)
		return ledger.TransactionRecord{}, err
	}

	if req.Destination.Kind.External() {
		return e.routeExternal(ctx, rec)
	}
	return e.routeP2P(ctx, rec)
}

// routeP2P credits the recipient and finalizes both legs, compensating the
// sender if the recipient cannot be credited.
func (e *Engine) routeP2P(ctx context.Context, rec ledger.TransactionRecord) (ledger.TransactionRecord, error) {
	recipientID, err := e.resolver.ResolveWalletByHandle(ctx, rec.RecipientHandle)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return e.failWithReversal(ctx, rec, ErrRecipientUnavailable)
		}
		return e.failWithReversal(ctx, rec, fmt.Errorf("resolve recipient: %w", err))
	}
	if recipientID == rec.WalletID {
		return e.failWithReversal(ctx, rec, ErrRecipientUnavailable)
	}

	recipient, err := e.store.GetWallet(ctx, recipientID)
	if err != nil {
		return e.failWithReversal(ctx, rec, ErrRecipientUnavailable)
	}
	if !recipient.Available() {
		return e.failWithReversal(ctx, rec, ErrRecipientUnavailable)
	}

	// Credit leg carries no fee and no limit effect on the recipient.
	recipientBefore, recipientAfter, err := e.creditWithRetry(ctx, recipient, ledger.BalanceDelta{Currency: rec.Currency, Amount: rec.Amount}, ledger.LimitDelta{})
	if err != nil {
		return e.failWithReversal(ctx, rec, err)
	}

	completedAt := e.now()
	if err := e.store.UpdateRecordStatus(ctx, rec.ID, ledger.StatusCompleted, completedAt); err != nil && !errors.Is(err, ledger.ErrNotPending) {
		e.logger.Error("complete sender record", "record_id", rec.ID, "error", err)
	}
	rec.Status = ledger.StatusCompleted
	rec.CompletedAt = &completedAt

	mirror := ledger.TransactionRecord{
		ID:                   uuid.NewString(),
		IdempotencyKey:       rec.IdempotencyKey + ":credit",
		WalletID:             recipientID,
		Direction:            ledger.DirectionCredit,
		Kind:                 ledger.KindP2P,
		Amount:               rec.Amount,
		Fee:                  decimal.Zero,
		Currency:             rec.Currency,
		BalanceBefore:        recipientBefore.Balance(rec.Currency),
		BalanceAfter:         recipientAfter.Balance(rec.Currency),
		Status:               ledger.StatusCompleted,
		CounterpartyWalletID: rec.WalletID,
		Memo:                 rec.Memo,
		CreatedAt:            completedAt,
		CompletedAt:          &completedAt,
	}
	if err := e.store.AppendRecord(ctx, mirror); err != nil && !errors.Is(err, ledger.ErrDuplicateKey) {
		e.logger.Error("append recipient record", "record_id", mirror.ID, "error", err)
	}

	e.notifyTerminal(ctx, rec, rec.BalanceAfter)
	e.notifyTerminal(ctx, mirror, mirror.BalanceAfter)
	return rec, nil
}

// routeExternal hands off to the settlement rail. The sender debit stays
// PENDING until the rail calls back; a synchronous initiation failure is
// compensated immediately so the caller is never short-changed.
func (e *Engine) routeExternal(ctx context.Context, rec ledger.TransactionRecord) (ledger.TransactionRecord, error) {
	rail := "bank"
	if rec.Kind == ledger.KindMobileMoney {
		rail = "mobile_money"
	}
	ref, err := e.gateway.Initiate(ctx, gateway.InitiateInput{
		Amount:   rec.Amount,
		Currency: rec.Currency,
		Destination: gateway.Destination{
			Rail:          rail,
			BankCode:      rec.BankCode,
			AccountNumber: rec.AccountNumber,
			AccountName:   rec.AccountName,
			Phone:         rec.RecipientHandle,
		},
		IdempotencyKey: rec.IdempotencyKey,
		Memo:           rec.Memo,
	})
	if err != nil {
		e.logger.Warn("gateway initiation failed", "record_id", rec.ID, "error", err)
		return e.failWithReversal(ctx, rec, ErrGateway)
	}

	if err := e.store.SetGatewayRef(ctx, rec.ID, ref); err != nil {
		e.logger.Error("store gateway ref", "record_id", rec.ID, "gateway_ref", ref, "error", err)
	}
	rec.GatewayRef = ref
	return rec, nil
}

// replayOr resolves a race between two submissions sharing an idempotency
// key: if the other submission has produced a record by now, return it so
// both callers observe the same transaction. Otherwise surface reject.
func (e *Engine) replayOr(ctx context.Context, key string, reject error) (ledger.TransactionRecord, error) {
	if existing, err := e.store.FindByIdempotencyKey(ctx, key); err == nil {
		return existing, nil
	}
	return ledger.TransactionRecord{}, reject
}

// creditWithRetry applies a credit CAS under the usual retry bound, returning
// the pre and post wallet snapshots.
func (e *Engine) creditWithRetry(ctx context.Context, wallet ledger.Wallet, delta ledger.BalanceDelta, limit ledger.LimitDelta) (ledger.Wallet, ledger.Wallet, error) {
	for attempt := 0; attempt < e.cfg.CASAttempts; attempt++ {
		fresh, ok, err := e.store.ApplyMutation(ctx, wallet.ID, wallet.Version, delta, limit)
		if err != nil {
			return ledger.Wallet{}, ledger.Wallet{}, err
		}
		if ok {
			return wallet, fresh, nil
		}
		wallet = fresh
		e.backoff(attempt)
	}
	return ledger.Wallet{}, ledger.Wallet{}, ErrConflict
}

// undoDebit reverses a committed sender debit that never became a ledger
// record, crediting back amount+fee and rolling the limit counters back.
func (e *Engine) undoDebit(ctx context.Context, rec ledger.TransactionRecord) {
	sender, err := e.store.GetWallet(ctx, rec.WalletID)
	if err != nil {
		e.logger.Error("undo debit: load wallet", "wallet_id", rec.WalletID, "error", err)
		return
	}
	_, _, err = e.creditWithRetry(ctx, sender,
		ledger.BalanceDelta{Currency: rec.Currency, Amount: rec.Total()},
		ledger.LimitDelta{Count: -1, Amount: rec.Amount.Neg()})
	if err != nil {
		e.logger.Error("undo debit: credit back", "wallet_id", rec.WalletID, "error", err)
	}
}

// failWithReversal compensates the sender with a fresh refund entry, marks
// the original record FAILED and surfaces cause. The reversal is a new
// idempotent-keyed entry, never a silent rollback.
func (e *Engine) failWithReversal(ctx context.Context, rec ledger.TransactionRecord, cause error) (ledger.TransactionRecord, error) {
	sender, err := e.store.GetWallet(ctx, rec.WalletID)
	if err != nil {
		e.logger.Error("reversal: load wallet", "wallet_id", rec.WalletID, "error", err)
		return ledger.TransactionRecord{}, cause
	}

	before, after, err := e.creditWithRetry(ctx, sender,
		ledger.BalanceDelta{Currency: rec.Currency, Amount: rec.Total()},
		ledger.LimitDelta{Count: -1, Amount: rec.Amount.Neg()})
	if err != nil {
		e.logger.Error("reversal: credit back", "wallet_id", rec.WalletID, "record_id", rec.ID, "error", err)
		return ledger.TransactionRecord{}, cause
	}

	now := e.now()
	reversal := ledger.TransactionRecord{
		ID:             uuid.NewString(),
		IdempotencyKey: rec.IdempotencyKey + ":reversal",
		WalletID:       rec.WalletID,
		Direction:      ledger.DirectionCredit,
		Kind:           ledger.KindRefund,
		Amount:         rec.Total(),
		Fee:            decimal.Zero,
		Currency:       rec.Currency,
		BalanceBefore:  before.Balance(rec.Currency),
		BalanceAfter:   after.Balance(rec.Currency),
		Status:         ledger.StatusCompleted,
		ReversalOf:     rec.ID,
		CreatedAt:      now,
		CompletedAt:    &now,
	}
	if err := e.store.AppendRecord(ctx, reversal); err != nil && !errors.Is(err, ledger.ErrDuplicateKey) {
		e.logger.Error("reversal: append record", "record_id", reversal.ID, "error", err)
	}

	if err := e.store.UpdateRecordStatus(ctx, rec.ID, ledger.StatusFailed, now); err != nil && !errors.Is(err, ledger.ErrNotPending) {
		e.logger.Error("reversal: fail original", "record_id", rec.ID, "error", err)
	}
	rec.Status = ledger.StatusFailed
	rec.CompletedAt = &now

	e.notifyTerminal(ctx, rec, after.Balance(rec.Currency))
	return rec, cause
}

// notifyTerminal fires best-effort notifications for a terminal record.
func (e *Engine) notifyTerminal(ctx context.Context, rec ledger.TransactionRecord, newBalance decimal.Decimal) {
	if e.notifier == nil {
		return
	}
	kind := notification.KindTransferCompleted
	if rec.Status == ledger.StatusFailed {
		kind = notification.KindTransferFailed
	}
	_ = e.notifier.Send(ctx, notification.Message{
		Kind:          kind,
		WalletID:      rec.WalletID,
		TransactionID: rec.ID,
		NewBalance:    newBalance.String(),
	})
	_ = e.notifier.Send(ctx, notification.Message{
		Kind:       notification.KindBalanceChanged,
		WalletID:   rec.WalletID,
		NewBalance: newBalance.String(),
	})
}
