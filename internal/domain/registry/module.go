package registry

import (
	"context"
	"time"

	"github.com/nexachat/delivery-service/config"
	"go.uber.org/fx"
)

var Module = fx.Module("registry",
	fx.Provide(
		func(cfg *config.Config) *Registry {
			return New(
				WithMailboxSize(cfg.Registry.MailboxSize),
				WithSendTimeout(time.Duration(cfg.Registry.SendTimeoutMs)*time.Millisecond),
			)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, r *Registry) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				r.Shutdown()
				return nil
			},
		})
	}),
)
