// Package notification delivers fire-and-forget wallet events. Delivery
// failure must never affect a ledger outcome, so callers ignore Send errors.
package notification

import (
	"context"
	"log/slog"
)

const (
	// KindTransferCompleted signals a transfer reaching COMPLETED.
	KindTransferCompleted = "transfer_completed"
	// KindTransferFailed signals a transfer reaching FAILED.
	KindTransferFailed = "transfer_failed"
	// KindBalanceChanged signals any committed balance mutation.
	KindBalanceChanged = "balance_changed"
)

// Message describes a notification payload.
type Message struct {
	Kind          string `json:"kind"`
	WalletID      string `json:"wallet_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	NewBalance    string `json:"new_balance,omitempty"`
	Body          string `json:"body,omitempty"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the structured logger. It is the
// default sink when no event bus is configured.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		"kind", message.Kind,
		"wallet_id", message.WalletID,
		"transaction_id", message.TransactionID,
		"new_balance", message.NewBalance,
	)
	return nil
}
