package push

import (
	"context"
	"log/slog"
	"time"

	"github.com/nexachat/delivery-service/config"
	"github.com/nexachat/delivery-service/internal/store"
	"go.uber.org/fx"
)

var Module = fx.Module("push",
	fx.Provide(
		func(cfg *config.Config) store.PushGateway {
			if cfg.Push.Endpoint == "" {
				return NewNoopGateway()
			}
			return NewHTTPGateway(cfg.Push.Endpoint, time.Duration(cfg.Push.TimeoutMs)*time.Millisecond)
		},
		func(tokens store.TokenDirectory, gateway store.PushGateway, logger *slog.Logger, cfg *config.Config) *Dispatcher {
			return NewDispatcher(tokens, gateway, logger, time.Duration(cfg.Push.TimeoutMs)*time.Millisecond)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, d *Dispatcher) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				d.Close()
				return nil
			},
		})
	}),
)
