package admission

import (
	"log/slog"

	"github.com/nexachat/delivery-service/config"
	"go.uber.org/fx"
)

var Module = fx.Module("admission",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger) *Manager {
			return NewManager(cfg.Admission.Limits, cfg.Admission.DefaultLimit, logger)
		},
	),
)
