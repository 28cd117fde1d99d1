package ws

import (
	"go.uber.org/fx"
)

var Module = fx.Module("delivery-ws",
	fx.Provide(
		NewWSHandler,
	),
)
