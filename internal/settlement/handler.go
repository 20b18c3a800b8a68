package settlement

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tuma-pay/tuma_pay/internal/gateway"
)

// Handler receives settlement callbacks from the gateway. With a Redis client
// attached the callback is queued for the worker; without one it is applied
// inline, which keeps the in-memory deployment working.
type Handler struct {
	client     *redis.Client
	reconciler *Reconciler
}

// NewHandler constructs a callback handler.
func NewHandler(client *redis.Client, reconciler *Reconciler) *Handler {
	return &Handler{client: client, reconciler: reconciler}
}

// Receive accepts one gateway callback.
func (h *Handler) Receive(c *fiber.Ctx) error {
	var event gateway.CallbackEvent
	if err := c.BodyParser(&event); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if event.GatewayRef == "" {
		return fiber.NewError(http.StatusBadRequest, "gateway_ref is required")
	}

	if h.client != nil {
		if err := Enqueue(c.UserContext(), h.client, event); err != nil {
			return fiber.NewError(http.StatusServiceUnavailable, "callback queue unavailable")
		}
		return c.SendStatus(http.StatusAccepted)
	}

	if err := h.reconciler.Apply(c.UserContext(), event); err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.SendStatus(http.StatusOK)
}
