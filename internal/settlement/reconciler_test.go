package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tuma-pay/tuma_pay/internal/gateway"
	"github.com/tuma-pay/tuma_pay/internal/ledger"
	"github.com/tuma-pay/tuma_pay/internal/logging"
)

// pendingExternal seeds a wallet already debited for an external transfer and
// the matching PENDING record, mirroring the state the transfer engine leaves
// behind at initiation.
func pendingExternal(t *testing.T, store ledger.Store) (ledger.Wallet, ledger.TransactionRecord) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	w := ledger.Wallet{
		ID:         uuid.NewString(),
		OwnerID:    uuid.NewString(),
		Balances:   map[string]decimal.Decimal{},
		DayStart:   now,
		MonthStart: now,
	}
	if err := store.CreateWallet(ctx, w); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	// Balance after a 500 + 5 fee debit out of 1,000.
	ledger.SeedBalance(store, w.ID, "KES", decimal.NewFromInt(495))
	ledger.SeedCounters(store, w.ID, 1, decimal.NewFromInt(500))

	rec := ledger.TransactionRecord{
		ID:             uuid.NewString(),
		IdempotencyKey: uuid.NewString(),
		WalletID:       w.ID,
		Direction:      ledger.DirectionDebit,
		Kind:           ledger.KindBank,
		Amount:         decimal.NewFromInt(500),
		Fee:            decimal.NewFromInt(5),
		Currency:       "KES",
		BalanceBefore:  decimal.NewFromInt(1_000),
		BalanceAfter:   decimal.NewFromInt(495),
		Status:         ledger.StatusPending,
		GatewayRef:     uuid.NewString(),
		CreatedAt:      now,
	}
	if err := store.AppendRecord(ctx, rec); err != nil {
		t.Fatalf("append record: %v", err)
	}
	return w, rec
}

func successEvent(ref string) gateway.CallbackEvent {
	return gateway.CallbackEvent{
		GatewayRef:    ref,
		Outcome:       gateway.OutcomeSuccess,
		SettledAmount: decimal.NewFromInt(500),
		Timestamp:     time.Now().UTC(),
	}
}

func TestApply_SuccessCompletesRecord(t *testing.T) {
	store := ledger.NewInMemory()
	r := NewReconciler(store, nil, logging.Discard())
	ctx := context.Background()
	w, rec := pendingExternal(t, store)

	if err := r.Apply(ctx, successEvent(rec.GatewayRef)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, err := store.FindByGatewayRef(ctx, rec.GatewayRef)
	if err != nil {
		t.Fatalf("reload record: %v", err)
	}
	if got.Status != ledger.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected completed_at set")
	}

	// Success changes nothing about the balance; the debit already happened.
	fresh, _ := store.GetWallet(ctx, w.ID)
	if !fresh.Balance("KES").Equal(decimal.NewFromInt(495)) {
		t.Fatalf("balance moved on success: %s", fresh.Balance("KES"))
	}
}

func TestApply_FailureRefundsSender(t *testing.T) {
	store := ledger.NewInMemory()
	r := NewReconciler(store, nil, logging.Discard())
	ctx := context.Background()
	w, rec := pendingExternal(t, store)

	event := successEvent(rec.GatewayRef)
	event.Outcome = gateway.OutcomeFailure
	if err := r.Apply(ctx, event); err != nil {
		t.Fatalf("apply: %v", err)
	}

	fresh, _ := store.GetWallet(ctx, w.ID)
	if !fresh.Balance("KES").Equal(decimal.NewFromInt(1_000)) {
		t.Fatalf("expected amount+fee refunded to 1000, got %s", fresh.Balance("KES"))
	}
	if fresh.DayCount != 0 {
		t.Fatalf("expected limit counter rolled back, got %d", fresh.DayCount)
	}

	// The rail's reference must keep resolving to the initiated record,
	// never to the compensating entry.
	got, err := store.FindByGatewayRef(ctx, rec.GatewayRef)
	if err != nil {
		t.Fatalf("find by gateway ref: %v", err)
	}
	if got.ID != rec.ID {
		t.Fatalf("gateway ref resolves to %s (%s %s), want original %s", got.ID, got.Status, got.Kind, rec.ID)
	}
	if got.Status != ledger.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}

	refund, err := store.FindByIdempotencyKey(ctx, rec.IdempotencyKey+":refund")
	if err != nil {
		t.Fatalf("refund record missing: %v", err)
	}
	if refund.ReversalOf != rec.ID {
		t.Fatal("refund does not reference the failed transfer")
	}
	if refund.GatewayRef != "" {
		t.Fatalf("refund must not carry the rail reference, got %q", refund.GatewayRef)
	}
	if !refund.Amount.Equal(decimal.NewFromInt(505)) {
		t.Fatalf("expected refund of 505, got %s", refund.Amount)
	}
}

// flakyStore injects transient storage failures around the embedded store.
type flakyStore struct {
	ledger.Store
	failAppends  int
	failStatuses int
}

func (s *flakyStore) AppendRecord(ctx context.Context, rec ledger.TransactionRecord) error {
	if s.failAppends > 0 {
		s.failAppends--
		return errors.New("storage hiccup")
	}
	return s.Store.AppendRecord(ctx, rec)
}

func (s *flakyStore) UpdateRecordStatus(ctx context.Context, recordID string, status ledger.Status, completedAt time.Time) error {
	if s.failStatuses > 0 {
		s.failStatuses--
		return errors.New("storage hiccup")
	}
	return s.Store.UpdateRecordStatus(ctx, recordID, status, completedAt)
}

func TestApply_RedeliveryAfterAppendFailureRefundsOnce(t *testing.T) {
	store := ledger.NewInMemory()
	flaky := &flakyStore{Store: store, failAppends: 1}
	r := NewReconciler(flaky, nil, logging.Discard())
	ctx := context.Background()
	w, rec := pendingExternal(t, store)

	event := successEvent(rec.GatewayRef)
	event.Outcome = gateway.OutcomeFailure
	if err := r.Apply(ctx, event); err == nil {
		t.Fatal("expected error on failed append")
	}

	// The credit that could not be recorded was taken back out.
	fresh, _ := store.GetWallet(ctx, w.ID)
	if !fresh.Balance("KES").Equal(decimal.NewFromInt(495)) {
		t.Fatalf("unrecorded credit left on wallet: %s", fresh.Balance("KES"))
	}
	if fresh.DayCount != 1 {
		t.Fatalf("limit counter drifted: %d", fresh.DayCount)
	}

	if err := r.Apply(ctx, event); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	fresh, _ = store.GetWallet(ctx, w.ID)
	if !fresh.Balance("KES").Equal(decimal.NewFromInt(1_000)) {
		t.Fatalf("expected single refund to 1000, got %s", fresh.Balance("KES"))
	}
	got, _ := store.FindByGatewayRef(ctx, rec.GatewayRef)
	if got.Status != ledger.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestApply_RedeliveryAfterStatusFailureRefundsOnce(t *testing.T) {
	store := ledger.NewInMemory()
	flaky := &flakyStore{Store: store, failStatuses: 1}
	r := NewReconciler(flaky, nil, logging.Discard())
	ctx := context.Background()
	w, rec := pendingExternal(t, store)

	event := successEvent(rec.GatewayRef)
	event.Outcome = gateway.OutcomeFailure
	if err := r.Apply(ctx, event); err == nil {
		t.Fatal("expected error on failed status update")
	}

	// Credit and refund entry landed; the redelivery must only finish the
	// status transition, not credit again.
	if err := r.Apply(ctx, event); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	fresh, _ := store.GetWallet(ctx, w.ID)
	if !fresh.Balance("KES").Equal(decimal.NewFromInt(1_000)) {
		t.Fatalf("redelivery double-refunded: %s", fresh.Balance("KES"))
	}
	got, _ := store.FindByGatewayRef(ctx, rec.GatewayRef)
	if got.Status != ledger.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestApply_DuplicateCallbackIsNoOp(t *testing.T) {
	store := ledger.NewInMemory()
	r := NewReconciler(store, nil, logging.Discard())
	ctx := context.Background()
	w, rec := pendingExternal(t, store)

	event := successEvent(rec.GatewayRef)
	event.Outcome = gateway.OutcomeFailure
	for i := 0; i < 3; i++ {
		if err := r.Apply(ctx, event); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	fresh, _ := store.GetWallet(ctx, w.ID)
	if !fresh.Balance("KES").Equal(decimal.NewFromInt(1_000)) {
		t.Fatalf("redelivery double-refunded: %s", fresh.Balance("KES"))
	}
}

func TestApply_ConflictingOutcomesFirstWins(t *testing.T) {
	store := ledger.NewInMemory()
	r := NewReconciler(store, nil, logging.Discard())
	ctx := context.Background()
	w, rec := pendingExternal(t, store)

	if err := r.Apply(ctx, successEvent(rec.GatewayRef)); err != nil {
		t.Fatalf("success delivery: %v", err)
	}
	late := successEvent(rec.GatewayRef)
	late.Outcome = gateway.OutcomeFailure
	if err := r.Apply(ctx, late); err != nil {
		t.Fatalf("late failure delivery: %v", err)
	}

	got, _ := store.FindByGatewayRef(ctx, rec.GatewayRef)
	if got.Status != ledger.StatusCompleted {
		t.Fatalf("late failure overrode settled record: %s", got.Status)
	}
	fresh, _ := store.GetWallet(ctx, w.ID)
	if !fresh.Balance("KES").Equal(decimal.NewFromInt(495)) {
		t.Fatalf("late failure moved money: %s", fresh.Balance("KES"))
	}
}

func TestApply_UnknownRefIsAcknowledged(t *testing.T) {
	store := ledger.NewInMemory()
	r := NewReconciler(store, nil, logging.Discard())

	if err := r.Apply(context.Background(), successEvent("no-such-ref")); err != nil {
		t.Fatalf("unknown ref must be dropped, got %v", err)
	}
}

func TestApply_UnknownOutcomeIsDropped(t *testing.T) {
	store := ledger.NewInMemory()
	r := NewReconciler(store, nil, logging.Discard())
	ctx := context.Background()
	_, rec := pendingExternal(t, store)

	event := successEvent(rec.GatewayRef)
	event.Outcome = "partial"
	if err := r.Apply(ctx, event); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, _ := store.FindByGatewayRef(ctx, rec.GatewayRef)
	if got.Status != ledger.StatusPending {
		t.Fatalf("unknown outcome changed record state: %s", got.Status)
	}
}
