package transfer

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/tuma-pay/tuma_pay/internal/ledger"
)

// Handler exposes the transfer endpoint.
type Handler struct {
	engine *Engine
	store  ledger.Store
}

// NewHandler constructs a transfer handler.
func NewHandler(engine *Engine, store ledger.Store) *Handler {
	return &Handler{engine: engine, store: store}
}

type transferRequest struct {
	Kind            string `json:"kind"`
	RecipientHandle string `json:"recipient_handle"`
	BankCode        string `json:"bank_code"`
	AccountNumber   string `json:"account_number"`
	AccountName     string `json:"account_name"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Pin             string `json:"pin"`
	IdempotencyKey  string `json:"idempotency_key"`
	Memo            string `json:"memo"`
}

type transferResponse struct {
	TransactionID string     `json:"transaction_id"`
	Status        string     `json:"status"`
	Amount        string     `json:"amount"`
	Fee           string     `json:"fee"`
	Total         string     `json:"total"`
	Currency      string     `json:"currency"`
	BalanceAfter  string     `json:"balance_after"`
	GatewayRef    string     `json:"gateway_ref,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func toResponse(rec ledger.TransactionRecord) transferResponse {
	return transferResponse{
		TransactionID: rec.ID,
		Status:        string(rec.Status),
		Amount:        rec.Amount.String(),
		Fee:           rec.Fee.String(),
		Total:         rec.Total().String(),
		Currency:      rec.Currency,
		BalanceAfter:  rec.BalanceAfter.String(),
		GatewayRef:    rec.GatewayRef,
		CreatedAt:     rec.CreatedAt,
		CompletedAt:   rec.CompletedAt,
	}
}

// Submit executes a transfer from the authenticated caller's wallet.
func (h *Handler) Submit(c *fiber.Ctx) error {
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return c.SendStatus(http.StatusUnauthorized)
	}
	wallet, err := h.store.GetWalletByOwner(c.UserContext(), userID)
	if err != nil {
		return fiber.NewError(http.StatusNotFound, "wallet not found")
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid amount")
	}

	rec, err := h.engine.Transfer(c.UserContext(), Request{
		WalletID: wallet.ID,
		Destination: Destination{
			Kind:            ledger.Kind(req.Kind),
			RecipientHandle: req.RecipientHandle,
			BankCode:        req.BankCode,
			AccountNumber:   req.AccountNumber,
			AccountName:     req.AccountName,
		},
		Amount:         amount,
		Currency:       req.Currency,
		Pin:            req.Pin,
		IdempotencyKey: req.IdempotencyKey,
		Memo:           req.Memo,
	})
	if err != nil {
		return h.mapError(err)
	}

	status := http.StatusCreated
	if rec.Status == ledger.StatusPending {
		status = http.StatusAccepted
	}
	return c.Status(status).JSON(toResponse(rec))
}

func (h *Handler) mapError(err error) error {
	var limitErr *LimitExceededError
	switch {
	case errors.Is(err, ErrInvalidCredential):
		return fiber.NewError(http.StatusForbidden, "invalid PIN")
	case errors.Is(err, ErrWalletUnavailable):
		return fiber.NewError(http.StatusUnprocessableEntity, "wallet unavailable")
	case errors.As(err, &limitErr):
		return fiber.NewError(http.StatusUnprocessableEntity, limitErr.Error())
	case errors.Is(err, ErrInsufficientFunds):
		return fiber.NewError(http.StatusBadRequest, "insufficient funds")
	case errors.Is(err, ErrRecipientUnavailable):
		return fiber.NewError(http.StatusBadRequest, "recipient unavailable")
	case errors.Is(err, ErrGateway):
		return fiber.NewError(http.StatusBadGateway, "gateway initiation failed")
	case errors.Is(err, ErrConflict):
		return fiber.NewError(http.StatusConflict, "concurrent update conflict, retry")
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
