package rest

import (
	"go.uber.org/fx"

	"github.com/nexachat/delivery-service/internal/paging"
)

var Module = fx.Module("delivery-rest",
	fx.Provide(
		paging.New,
		NewHistoryHandler,
	),
)
