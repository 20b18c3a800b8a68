package routes

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tuma-pay/tuma_pay/internal/config"
	"github.com/tuma-pay/tuma_pay/internal/directory"
	"github.com/tuma-pay/tuma_pay/internal/gateway"
	"github.com/tuma-pay/tuma_pay/internal/ledger"
	"github.com/tuma-pay/tuma_pay/internal/middleware"
	"github.com/tuma-pay/tuma_pay/internal/notification"
	"github.com/tuma-pay/tuma_pay/internal/settlement"
	"github.com/tuma-pay/tuma_pay/internal/transfer"
	"github.com/tuma-pay/tuma_pay/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger

	// Gateway overrides the settlement connector; nil selects the static
	// development gateway.
	Gateway gateway.Gateway
}

// Wiring holds the long-lived components Setup assembled, so main can start
// background workers against the same instances the handlers use.
type Wiring struct {
	Store      ledger.Store
	Reconciler *settlement.Reconciler
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) (Wiring, error) {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	var store ledger.Store
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB)
	} else {
		store = ledger.NewInMemory()
	}

	var notifier notification.Notifier
	if d.Cache != nil {
		notifier = notification.NewRedisNotifier(d.Cache)
	} else {
		notifier = notification.NewLoggerNotifier(d.Logger)
	}

	gw := d.Gateway
	if gw == nil {
		gw = gateway.StaticGateway{}
	}

	resolver := directory.NewWalletNumber(store, directory.NewMemory())
	engine := transfer.NewEngine(store, gw, resolver, notifier, d.Logger, transfer.Config{
		P2PFeeRate:      d.Cfg.P2PFeeRate,
		ExternalFeeRate: d.Cfg.ExternalFeeRate,
		Limits:          d.Cfg.Limits,
	})
	reconciler := settlement.NewReconciler(store, notifier, d.Logger)

	walletSvc := wallet.NewService(store)
	walletHandler := wallet.NewHandler(walletSvc)
	transferHandler := transfer.NewHandler(engine, store)
	callbackHandler := settlement.NewHandler(d.Cache, reconciler)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Gateway callbacks authenticate out of band, not with a caller identity.
	api.Post("/callbacks/gateway", callbackHandler.Receive)

	protected := api.Group("", middleware.TrustedIdentity())
	if d.Cache != nil {
		protected.Use(middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))
	}

	protected.Post("/wallets", walletHandler.Create)
	protected.Get("/wallets/me", walletHandler.Me)
	protected.Get("/wallets/me/balance", walletHandler.Balance)
	protected.Put("/wallets/me/pin", walletHandler.SetPin)
	protected.Post("/wallets/me/deposits", walletHandler.Deposit)
	protected.Get("/wallets/me/transactions", walletHandler.History)

	protected.Post("/transfers",
		middleware.TransferRateLimit(d.Cache, d.Cfg.TransferPerMin),
		transferHandler.Submit)

	return Wiring{Store: store, Reconciler: reconciler}, nil
}
