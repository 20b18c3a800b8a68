package wallet

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/tuma-pay/tuma_pay/internal/ledger"
	"github.com/tuma-pay/tuma_pay/internal/pin"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func callerID(c *fiber.Ctx) (string, error) {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		return "", fiber.NewError(http.StatusUnauthorized, "missing identity")
	}
	return userID, nil
}

type createRequest struct {
	Currency string `json:"currency"`
	Pin      string `json:"pin"`
}

type walletResponse struct {
	ID           string `json:"id"`
	OwnerID      string `json:"owner_id"`
	WalletNumber string `json:"wallet_number"`
	PinSet       bool   `json:"pin_set"`
	Locked       bool   `json:"locked"`
	CreatedAt    string `json:"created_at"`
}

func toWalletResponse(w ledger.Wallet) walletResponse {
	return walletResponse{
		ID:           w.ID,
		OwnerID:      w.OwnerID,
		WalletNumber: w.WalletNumber,
		PinSet:       len(w.PinHash) != 0,
		Locked:       w.Locked || w.Suspended,
		CreatedAt:    w.CreatedAt.Format(time.RFC3339),
	}
}

// Create provisions the caller's wallet.
func (h *Handler) Create(c *fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	w, err := h.service.Create(c.UserContext(), CreateInput{OwnerID: userID, Currency: req.Currency, Pin: req.Pin})
	if err != nil {
		if errors.Is(err, ledger.ErrWalletExists) {
			return fiber.NewError(http.StatusConflict, "wallet already exists")
		}
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(toWalletResponse(w))
}

// Me returns the caller's wallet.
func (h *Handler) Me(c *fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}
	w, err := h.service.GetByOwner(c.UserContext(), userID)
	if err != nil {
		return fiber.NewError(http.StatusNotFound, "wallet not found")
	}
	return c.JSON(toWalletResponse(w))
}

// Balance returns the caller's balance in the requested currency.
func (h *Handler) Balance(c *fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}
	w, err := h.service.GetByOwner(c.UserContext(), userID)
	if err != nil {
		return fiber.NewError(http.StatusNotFound, "wallet not found")
	}
	currency := c.Query("currency", "KES")
	balance, err := h.service.Balance(c.UserContext(), w.ID, currency)
	if err != nil {
		return fiber.NewError(http.StatusNotFound, err.Error())
	}
	return c.JSON(fiber.Map{
		"wallet_id": w.ID,
		"currency":  currency,
		"balance":   balance.String(),
		"timestamp": time.Now().UTC(),
	})
}

type depositRequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// Deposit funds the caller's wallet from an external source.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}
	var req depositRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid amount")
	}
	w, err := h.service.GetByOwner(c.UserContext(), userID)
	if err != nil {
		return fiber.NewError(http.StatusNotFound, "wallet not found")
	}

	rec, err := h.service.Deposit(c.UserContext(), DepositInput{
		WalletID:       w.ID,
		Amount:         amount,
		Currency:       req.Currency,
		IdempotencyKey: c.Get("Idempotency-Key"),
	})
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"transaction_id": rec.ID,
		"wallet_id":      rec.WalletID,
		"amount":         rec.Amount.String(),
		"currency":       rec.Currency,
		"status":         rec.Status,
		"balance":        rec.BalanceAfter.String(),
	})
}

type setPinRequest struct {
	Pin        string `json:"pin"`
	CurrentPin string `json:"current_pin"`
}

// SetPin sets or rotates the caller's wallet PIN. A request carrying
// current_pin is treated as a rotation.
func (h *Handler) SetPin(c *fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}
	var req setPinRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	w, err := h.service.GetByOwner(c.UserContext(), userID)
	if err != nil {
		return fiber.NewError(http.StatusNotFound, "wallet not found")
	}

	if req.CurrentPin != "" {
		err = h.service.RotatePin(c.UserContext(), w.ID, req.CurrentPin, req.Pin)
	} else {
		err = h.service.SetPin(c.UserContext(), w.ID, req.Pin)
	}
	switch {
	case err == nil:
		return c.SendStatus(http.StatusNoContent)
	case errors.Is(err, ErrPinMismatch):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrPinNotSet), errors.Is(err, pin.ErrWeakPin):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}

// History lists the caller's recent transactions.
func (h *Handler) History(c *fiber.Ctx) error {
	userID, err := callerID(c)
	if err != nil {
		return err
	}
	w, err := h.service.GetByOwner(c.UserContext(), userID)
	if err != nil {
		return fiber.NewError(http.StatusNotFound, "wallet not found")
	}

	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	records, err := h.service.History(c.UserContext(), w.ID, limit)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}

	items := make([]fiber.Map, 0, len(records))
	for _, rec := range records {
		items = append(items, fiber.Map{
			"transaction_id": rec.ID,
			"direction":      rec.Direction,
			"kind":           rec.Kind,
			"amount":         rec.Amount.String(),
			"fee":            rec.Fee.String(),
			"currency":       rec.Currency,
			"status":         rec.Status,
			"created_at":     rec.CreatedAt,
			"completed_at":   rec.CompletedAt,
		})
	}
	return c.JSON(fiber.Map{"wallet_id": w.ID, "transactions": items})
}
