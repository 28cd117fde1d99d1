package roombus

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nexachat/delivery-service/config"
	wsmarshaller "github.com/nexachat/delivery-service/internal/handler/marshaller/ws"
	"go.uber.org/fx"
)

var Module = fx.Module("roombus",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger) *Bus {
			return New(
				watermill.NewSlogLogger(logger),
				wsmarshaller.MarshalDeliveryEvent,
				int64(cfg.Bus.Buffer),
			)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, b *Bus) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return b.Close()
			},
		})
	}),
)
