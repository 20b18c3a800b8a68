package routes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/tuma-pay/tuma_pay/internal/config"
	"github.com/tuma-pay/tuma_pay/internal/logging"
	"github.com/tuma-pay/tuma_pay/internal/transfer"
)

func setupApp(t *testing.T) *fiber.App {
	t.Helper()
	app := fiber.New()
	cfg := config.Config{
		AppName:         "TumaPay",
		DefaultCurrency: "KES",
		P2PFeeRate:      transfer.DefaultConfig().P2PFeeRate,
		ExternalFeeRate: transfer.DefaultConfig().ExternalFeeRate,
		Limits:          transfer.DefaultConfig().Limits,
	}
	if _, err := Setup(app, Deps{Cfg: cfg, Logger: logging.Discard()}); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path, userID string, payload any) (int, map[string]any) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var decoded map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp.StatusCode, decoded
}

func TestEndToEndWalletTransfer(t *testing.T) {
	app := setupApp(t)

	status, _ := doJSON(t, app, http.MethodPost, "/api/v1/wallets", "user-a", fiber.Map{"pin": "1234"})
	if status != http.StatusCreated {
		t.Fatalf("create sender wallet: status %d", status)
	}
	status, recipient := doJSON(t, app, http.MethodPost, "/api/v1/wallets", "user-b", fiber.Map{"pin": "5678"})
	if status != http.StatusCreated {
		t.Fatalf("create recipient wallet: status %d", status)
	}
	recipientNumber, _ := recipient["wallet_number"].(string)
	if recipientNumber == "" {
		t.Fatalf("recipient wallet number missing: %v", recipient)
	}

	// A transfer with an empty wallet fails on funds, proving the whole
	// stack is wired: identity, wallet lookup, pin check, ledger.
	status, body := doJSON(t, app, http.MethodPost, "/api/v1/transfers", "user-a", fiber.Map{
		"kind":             "p2p",
		"recipient_handle": recipientNumber,
		"amount":           "100",
		"currency":         "KES",
		"pin":              "1234",
		"idempotency_key":  "e2e-1",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 insufficient funds, got %d (%v)", status, body)
	}

	// Wrong pin is rejected before anything else.
	status, _ = doJSON(t, app, http.MethodPost, "/api/v1/transfers", "user-a", fiber.Map{
		"kind":             "p2p",
		"recipient_handle": recipientNumber,
		"amount":           "100",
		"pin":              "0000",
		"idempotency_key":  "e2e-2",
	})
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for wrong pin, got %d", status)
	}

	status, balance := doJSON(t, app, http.MethodGet, "/api/v1/wallets/me/balance", "user-a", nil)
	if status != http.StatusOK {
		t.Fatalf("balance: status %d", status)
	}
	if balance["balance"] != "0" {
		t.Fatalf("expected zero balance, got %v", balance["balance"])
	}
}

func TestRoutesRequireIdentity(t *testing.T) {
	app := setupApp(t)

	for _, path := range []string{"/api/v1/wallets/me", "/api/v1/wallets/me/balance", "/api/v1/wallets/me/transactions"} {
		status, _ := doJSON(t, app, http.MethodGet, path, "", nil)
		if status != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 without identity, got %d", path, status)
		}
	}
	status, _ := doJSON(t, app, http.MethodPost, "/api/v1/transfers", "", fiber.Map{"amount": "1"})
	if status != http.StatusUnauthorized {
		t.Fatalf("transfers: expected 401 without identity, got %d", status)
	}
}

func TestDuplicateWalletRejected(t *testing.T) {
	app := setupApp(t)

	status, _ := doJSON(t, app, http.MethodPost, "/api/v1/wallets", "user-a", fiber.Map{})
	if status != http.StatusCreated {
		t.Fatalf("first create: status %d", status)
	}
	status, _ = doJSON(t, app, http.MethodPost, "/api/v1/wallets", "user-a", fiber.Map{})
	if status != http.StatusConflict {
		t.Fatalf("second create: expected 409, got %d", status)
	}
}

func TestGatewayCallbackUnknownRefAccepted(t *testing.T) {
	app := setupApp(t)

	// Without Redis the callback applies inline; an unknown reference is
	// acknowledged so the rail stops redelivering.
	status, _ := doJSON(t, app, http.MethodPost, "/api/v1/callbacks/gateway", "", fiber.Map{
		"gateway_ref": fmt.Sprintf("ref-%d", 42),
		"outcome":     "success",
	})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
}
