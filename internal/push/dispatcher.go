// Package push turns "participant has zero live connections" into a
// best-effort notification. Delivery is an explicitly detached task: the
// sender's request never waits on it and never learns about its failures,
// which are logged and swallowed, never retried.
package push

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nexachat/delivery-service/internal/store"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
)

// Notification is the rendered push content for one logical event.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// Dispatcher resolves tokens and fans pushes out to the gateway behind a
// circuit breaker, so a misbehaving provider fails fast instead of tying up
// goroutines on every message.
type Dispatcher struct {
	tokens  store.TokenDirectory
	gateway store.PushGateway
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	timeout time.Duration

	wg sync.WaitGroup
}

func NewDispatcher(tokens store.TokenDirectory, gateway store.PushGateway, logger *slog.Logger, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		tokens:  tokens,
		gateway: gateway,
		logger:  logger,
		timeout: timeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "push-gateway",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			Timeout: 30 * time.Second,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("push breaker state change", "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Notify dispatches one push attempt per token of every listed user, on a
// detached goroutine. It returns immediately.
func (d *Dispatcher) Notify(userIDs []uuid.UUID, n Notification) {
	if len(userIDs) == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		d.deliver(ctx, userIDs, n)
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, userIDs []uuid.UUID, n Notification) {
	byUser, err := d.tokens.TokensByUserIDs(ctx, userIDs)
	if err != nil {
		d.logger.Warn("push token resolution failed", "users", len(userIDs), "error", err)
		return
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for userID, tokens := range byUser {
		for _, token := range tokens {
			userID, token := userID, token
			g.Go(func() error {
				_, err := d.breaker.Execute(func() (any, error) {
					return nil, d.gateway.Send(gCtx, token, n.Title, n.Body, n.Data)
				})
				if err != nil {
					// Transient delivery failure: log, never retry,
					// never surface to the sender.
					d.logger.Warn("push delivery failed",
						"user_id", userID,
						"error", err,
					)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}

// Close waits for in-flight notifications, bounded by the per-notification
// timeout already applied to each of them.
func (d *Dispatcher) Close() {
	d.wg.Wait()
}
