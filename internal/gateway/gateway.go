// Package gateway defines the contract with external settlement rails (bank
// networks, mobile money). Only the abstract contract lives here; concrete
// connectors are deployment details.
package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Destination describes the external account a transfer settles into.
type Destination struct {
	Rail          string // "bank" or "mobile_money"
	BankCode      string
	AccountNumber string
	AccountName   string
	Phone         string
}

// InitiateInput carries everything a rail needs to start settlement. The
// idempotency key is forwarded so a retried initiation cannot double-send.
type InitiateInput struct {
	Amount         decimal.Decimal
	Currency       string
	Destination    Destination
	IdempotencyKey string
	Memo           string
}

// Gateway initiates settlement with an external rail. Initiate returns the
// rail's reference for the attempt; the outcome arrives later through a
// callback.
type Gateway interface {
	Initiate(ctx context.Context, input InitiateInput) (string, error)
}

// Outcome is the terminal result reported by the rail.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// CallbackEvent is the inbound settlement notification. Delivery is
// at-least-once, possibly duplicated and out of order.
type CallbackEvent struct {
	GatewayRef    string          `json:"gateway_ref"`
	Outcome       Outcome         `json:"outcome"`
	SettledAmount decimal.Decimal `json:"settled_amount"`
	Timestamp     time.Time       `json:"timestamp"`
}

// StaticGateway simulates a rail that accepts every initiation. Used in
// development and tests.
type StaticGateway struct{}

// Initiate approves the settlement request with a synthetic reference.
func (StaticGateway) Initiate(_ context.Context, _ InitiateInput) (string, error) {
	return uuid.NewString(), nil
}
