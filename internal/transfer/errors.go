package transfer

import (
	"errors"
	"fmt"

	"github.com/tuma-pay/tuma_pay/internal/limits"
)

var (
	// ErrInvalidCredential indicates the supplied PIN did not verify.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrWalletUnavailable indicates the sender wallet is locked or suspended.
	ErrWalletUnavailable = errors.New("wallet unavailable")

	// ErrInsufficientFunds indicates the balance cannot cover amount plus fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrConflict indicates the optimistic retry budget was exhausted.
	ErrConflict = errors.New("concurrent update conflict")

	// ErrRecipientUnavailable indicates the P2P destination wallet could not
	// be credited. The sender has been made whole by a reversal entry.
	ErrRecipientUnavailable = errors.New("recipient unavailable")

	// ErrGateway indicates external settlement initiation failed. The sender
	// has been made whole by a reversal entry.
	ErrGateway = errors.New("gateway initiation failed")

	// ErrLimitExceeded is the errors.Is target for LimitExceededError.
	ErrLimitExceeded = errors.New("transfer limit exceeded")
)

// LimitExceededError reports which ceiling rejected the transfer so callers
// can distinguish count-exceeded from amount-exceeded.
type LimitExceededError struct {
	Kind limits.Kind
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("transfer limit exceeded: %s", e.Kind)
}

// Is makes errors.Is(err, ErrLimitExceeded) match.
func (e *LimitExceededError) Is(target error) bool {
	return target == ErrLimitExceeded
}
