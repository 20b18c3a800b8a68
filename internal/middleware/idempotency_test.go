package middleware

import (
	"io"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tuma-pay/tuma_pay/internal/logging"
)

func setupIdempotencyApp(t *testing.T) (*fiber.App, *atomic.Int64) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	var calls atomic.Int64
	app := fiber.New()
	app.Use(Idempotency(cache, time.Minute, logging.Discard()))
	app.Post("/transfers", func(c *fiber.Ctx) error {
		calls.Add(1)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"transaction_id": "tx-1"})
	})
	return app, &calls
}

func TestIdempotencyWithoutHeaderPassesThrough(t *testing.T) {
	app, calls := setupIdempotencyApp(t)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(fiber.MethodPost, "/transfers", strings.NewReader("{}"))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		if resp.StatusCode != fiber.StatusCreated {
			t.Fatalf("expected 201, got %d", resp.StatusCode)
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("expected handler invoked twice without header, got %d", calls.Load())
	}
}

func TestIdempotencyReplaysCachedResponse(t *testing.T) {
	app, calls := setupIdempotencyApp(t)

	send := func() (int, string) {
		req := httptest.NewRequest(fiber.MethodPost, "/transfers", strings.NewReader("{}"))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		req.Header.Set(idempotencyKeyHeader, "abc123")
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return resp.StatusCode, string(body)
	}

	status1, body1 := send()
	status2, body2 := send()

	if status1 != fiber.StatusCreated || status2 != status1 {
		t.Fatalf("expected identical 201s, got %d then %d", status1, status2)
	}
	if body1 != body2 {
		t.Fatalf("replay returned a different body: %q vs %q", body1, body2)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected handler invoked once, got %d", calls.Load())
	}
}

func TestTransferRateLimitCapsCaller(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { cache.Close() })

	app := fiber.New()
	app.Use(TrustedIdentity())
	app.Use(TransferRateLimit(cache, 2))
	app.Post("/transfers", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusCreated)
	})

	send := func(user string) int {
		req := httptest.NewRequest(fiber.MethodPost, "/transfers", strings.NewReader("{}"))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		req.Header.Set(userIDHeader, user)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := send("alice"); got != fiber.StatusCreated {
		t.Fatalf("first request: expected 201, got %d", got)
	}
	if got := send("alice"); got != fiber.StatusCreated {
		t.Fatalf("second request: expected 201, got %d", got)
	}
	if got := send("alice"); got != fiber.StatusTooManyRequests {
		t.Fatalf("third request: expected 429, got %d", got)
	}
	// A different caller has an independent budget.
	if got := send("bob"); got != fiber.StatusCreated {
		t.Fatalf("other caller: expected 201, got %d", got)
	}
}

func TestTrustedIdentityRejectsAnonymous(t *testing.T) {
	app := fiber.New()
	app.Use(TrustedIdentity())
	app.Get("/me", func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("user_id").(string))
	})

	req := httptest.NewRequest(fiber.MethodGet, "/me", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	req = httptest.NewRequest(fiber.MethodGet, "/me", nil)
	req.Header.Set(userIDHeader, "user-1")
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "user-1" {
		t.Fatalf("expected identity propagated, got %q", body)
	}
}
