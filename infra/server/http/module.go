package http

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/nexachat/delivery-service/config"
	"github.com/nexachat/delivery-service/internal/handler/rest"
	"github.com/nexachat/delivery-service/internal/handler/ws"
)

var Module = fx.Module("http-server",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger, wsHandler *ws.WSHandler, history *rest.HistoryHandler) *Server {
			return NewServer(logger, cfg.Server.Addr, wsHandler, history)
		},
	),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				s.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return s.Stop(ctx)
			},
		})
	}),
)
