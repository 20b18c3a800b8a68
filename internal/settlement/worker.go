package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tuma-pay/tuma_pay/internal/gateway"
)

const (
	// CallbackQueue is the Redis list gateway callbacks are buffered on.
	CallbackQueue = "gateway_callbacks"

	// CallbackDeadLetterQueue holds callbacks that could not be applied.
	CallbackDeadLetterQueue = "gateway_callbacks_dead"

	workerPopTimeout = 5 * time.Second
	workerMaxRetries = 3
)

// Worker drains gateway callbacks off the Redis queue and feeds them to the
// reconciler. Events that keep failing move to a dead-letter list for manual
// inspection instead of blocking the queue.
type Worker struct {
	client     *redis.Client
	reconciler *Reconciler
	logger     *slog.Logger

	sleep func(time.Duration)
}

// NewWorker builds a settlement worker.
func NewWorker(client *redis.Client, reconciler *Reconciler, logger *slog.Logger) *Worker {
	return &Worker{
		client:     client,
		reconciler: reconciler,
		logger:     logger,
		sleep:      time.Sleep,
	}
}

// Enqueue buffers a callback for asynchronous reconciliation.
func Enqueue(ctx context.Context, client *redis.Client, event gateway.CallbackEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return client.RPush(ctx, CallbackQueue, data).Err()
}

// Run consumes the callback queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("settlement worker started", "queue", CallbackQueue)
	for {
		result, err := w.client.BLPop(ctx, workerPopTimeout, CallbackQueue).Result()
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("settlement worker stopped")
				return
			}
			if !errors.Is(err, redis.Nil) {
				w.logger.Error("pop callback", "error", err)
				w.sleep(time.Second)
			}
			continue
		}

		raw := []byte(result[1])
		var event gateway.CallbackEvent
		if err := json.Unmarshal(raw, &event); err != nil {
			w.logger.Error("unmarshal callback", "error", err, "data", string(raw))
			w.deadLetter(ctx, raw)
			continue
		}

		w.handle(ctx, event, raw)
	}
}

func (w *Worker) handle(ctx context.Context, event gateway.CallbackEvent, raw []byte) {
	for attempt := 0; attempt < workerMaxRetries; attempt++ {
		err := w.reconciler.Apply(ctx, event)
		if err == nil {
			return
		}
		w.logger.Warn("apply callback failed",
			"gateway_ref", event.GatewayRef,
			"attempt", attempt+1,
			"error", err)
		w.sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}

	w.logger.Error("callback retries exhausted, dead-lettering", "gateway_ref", event.GatewayRef)
	w.deadLetter(ctx, raw)
}

func (w *Worker) deadLetter(ctx context.Context, raw []byte) {
	if err := w.client.RPush(ctx, CallbackDeadLetterQueue, raw).Err(); err != nil {
		w.logger.Error("push to dead letter queue", "error", err)
	}
}
