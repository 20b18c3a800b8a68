package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tuma-pay/tuma_pay/internal/gateway"
	"github.com/tuma-pay/tuma_pay/internal/ledger"
	"github.com/tuma-pay/tuma_pay/internal/notification"
)

const defaultCASAttempts = 5

// Reconciler resolves PENDING external transfers when the settlement rail
// reports an outcome. Callbacks arrive at-least-once and possibly out of
// order, so every path here must be safe to replay.
type Reconciler struct {
	store    ledger.Store
	notifier notification.Notifier
	logger   *slog.Logger

	casAttempts int
	now         func() time.Time
	sleep       func(time.Duration)
}

// NewReconciler builds a settlement reconciler.
func NewReconciler(store ledger.Store, notifier notification.Notifier, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:       store,
		notifier:    notifier,
		logger:      logger,
		casAttempts: defaultCASAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		sleep:       time.Sleep,
	}
}

// Apply processes one gateway callback. Unknown references and already
// resolved records are acknowledged without effect; only a genuine storage
// failure returns an error, signalling the caller to redeliver.
func (r *Reconciler) Apply(ctx context.Context, event gateway.CallbackEvent) error {
	if event.GatewayRef == "" {
		r.logger.Warn("callback without gateway ref dropped")
		return nil
	}

	rec, err := r.store.FindByGatewayRef(ctx, event.GatewayRef)
	if err != nil {
		if errors.Is(err, ledger.ErrRecordNotFound) {
			r.logger.Warn("callback for unknown gateway ref", "gateway_ref", event.GatewayRef)
			return nil
		}
		return fmt.Errorf("load record for callback: %w", err)
	}
	if rec.Status != ledger.StatusPending {
		// Redelivered callback; the first delivery already resolved it.
		return nil
	}

	switch event.Outcome {
	case gateway.OutcomeSuccess:
		return r.settle(ctx, rec)
	case gateway.OutcomeFailure:
		return r.refund(ctx, rec)
	default:
		r.logger.Warn("callback with unknown outcome dropped", "gateway_ref", event.GatewayRef, "outcome", event.Outcome)
		return nil
	}
}

// settle marks the transfer COMPLETED. The sender was debited at initiation,
// so success changes nothing but the record status.
func (r *Reconciler) settle(ctx context.Context, rec ledger.TransactionRecord) error {
	completedAt := r.now()
	if err := r.store.UpdateRecordStatus(ctx, rec.ID, ledger.StatusCompleted, completedAt); err != nil {
		if errors.Is(err, ledger.ErrNotPending) {
			return nil
		}
		return fmt.Errorf("complete record %s: %w", rec.ID, err)
	}
	rec.Status = ledger.StatusCompleted
	rec.CompletedAt = &completedAt

	r.logger.Info("external transfer settled", "record_id", rec.ID, "gateway_ref", rec.GatewayRef)
	r.notify(ctx, rec, rec.BalanceAfter)
	return nil
}

// refund compensates a failed settlement: credit amount+fee back to the
// sender, roll the limit counters back, append a refund entry and mark the
// original FAILED. The refund entry carries no gateway ref of its own; the
// rail's reference must keep resolving to the initiated record, and
// ReversalOf is the cross-reference. Redeliveries must never credit twice,
// so the refund key is checked before the credit and a credit that loses
// the append is taken back out.
func (r *Reconciler) refund(ctx context.Context, rec ledger.TransactionRecord) error {
	refundKey := rec.IdempotencyKey + ":refund"

	// A prior delivery may have credited and recorded the refund but died
	// before the status transition; only that transition is outstanding.
	if _, err := r.store.FindByIdempotencyKey(ctx, refundKey); err == nil {
		return r.finishFailed(ctx, rec)
	} else if !errors.Is(err, ledger.ErrRecordNotFound) {
		return fmt.Errorf("check refund record for %s: %w", rec.ID, err)
	}

	wallet, err := r.store.GetWallet(ctx, rec.WalletID)
	if err != nil {
		return fmt.Errorf("load wallet %s for refund: %w", rec.WalletID, err)
	}

	before, after, err := r.applyWithRetry(ctx, wallet,
		ledger.BalanceDelta{Currency: rec.Currency, Amount: rec.Total()},
		ledger.LimitDelta{Count: -1, Amount: rec.Amount.Neg()})
	if err != nil {
		return fmt.Errorf("refund credit for record %s: %w", rec.ID, err)
	}

	now := r.now()
	refund := ledger.TransactionRecord{
		ID:             uuid.NewString(),
		IdempotencyKey: refundKey,
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
	if err := r.store.AppendRecord(ctx, refund); err != nil {
		// Whether a concurrent delivery recorded its refund first or the
		// append failed outright, the credit just applied is a double and
		// must come back out before leaving.
		r.takeBackCredit(ctx, rec)
		if errors.Is(err, ledger.ErrDuplicateKey) {
			return r.finishFailed(ctx, rec)
		}
		return fmt.Errorf("append refund record for %s: %w", rec.ID, err)
	}

	r.logger.Info("external transfer refunded", "record_id", rec.ID, "gateway_ref", rec.GatewayRef, "refunded", refund.Amount.String())
	return r.failAndNotify(ctx, rec, after.Balance(rec.Currency))
}

// finishFailed completes a refund whose credit is already on the books.
func (r *Reconciler) finishFailed(ctx context.Context, rec ledger.TransactionRecord) error {
	wallet, err := r.store.GetWallet(ctx, rec.WalletID)
	if err != nil {
		return fmt.Errorf("load wallet %s: %w", rec.WalletID, err)
	}
	return r.failAndNotify(ctx, rec, wallet.Balance(rec.Currency))
}

func (r *Reconciler) failAndNotify(ctx context.Context, rec ledger.TransactionRecord, balance decimal.Decimal) error {
	now := r.now()
	if err := r.store.UpdateRecordStatus(ctx, rec.ID, ledger.StatusFailed, now); err != nil && !errors.Is(err, ledger.ErrNotPending) {
		return fmt.Errorf("fail record %s: %w", rec.ID, err)
	}
	rec.Status = ledger.StatusFailed
	rec.CompletedAt = &now
	r.notify(ctx, rec, balance)
	return nil
}

// takeBackCredit reverses a refund credit that never became a ledger entry.
func (r *Reconciler) takeBackCredit(ctx context.Context, rec ledger.TransactionRecord) {
	wallet, err := r.store.GetWallet(ctx, rec.WalletID)
	if err != nil {
		r.logger.Error("take back refund credit: load wallet", "wallet_id", rec.WalletID, "error", err)
		return
	}
	if _, _, err := r.applyWithRetry(ctx, wallet,
		ledger.BalanceDelta{Currency: rec.Currency, Amount: rec.Total().Neg()},
		ledger.LimitDelta{Count: 1, Amount: rec.Amount}); err != nil {
		r.logger.Error("take back refund credit", "wallet_id", rec.WalletID, "record_id", rec.ID, "error", err)
	}
}

func (r *Reconciler) applyWithRetry(ctx context.Context, wallet ledger.Wallet, delta ledger.BalanceDelta, limit ledger.LimitDelta) (ledger.Wallet, ledger.Wallet, error) {
	for attempt := 0; attempt < r.casAttempts; attempt++ {
		fresh, ok, err := r.store.ApplyMutation(ctx, wallet.ID, wallet.Version, delta, limit)
		if err != nil {
			return ledger.Wallet{}, ledger.Wallet{}, err
		}
		if ok {
			return wallet, fresh, nil
		}
		wallet = fresh
		r.backoff(attempt)
	}
	return ledger.Wallet{}, ledger.Wallet{}, fmt.Errorf("version conflict persisted")
}

func (r *Reconciler) backoff(attempt int) {
	base := time.Duration(attempt+1) * 2 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(2 * time.Millisecond)))
	r.sleep(base + jitter)
}

func (r *Reconciler) notify(ctx context.Context, rec ledger.TransactionRecord, newBalance decimal.Decimal) {
	if r.notifier == nil {
		return
	}
	kind := notification.KindTransferCompleted
	if rec.Status == ledger.StatusFailed {
		kind = notification.KindTransferFailed
	}
	_ = r.notifier.Send(ctx, notification.Message{
		Kind:          kind,
		WalletID:      rec.WalletID,
		TransactionID: rec.ID,
		NewBalance:    newBalance.String(),
	})
}
