package cmd

import (
	"go.uber.org/fx"

	"github.com/nexachat/delivery-service/config"
	httpsrv "github.com/nexachat/delivery-service/infra/server/http"
	"github.com/nexachat/delivery-service/internal/adapter/roombus"
	"github.com/nexachat/delivery-service/internal/admission"
	"github.com/nexachat/delivery-service/internal/auth"
	"github.com/nexachat/delivery-service/internal/domain/registry"
	"github.com/nexachat/delivery-service/internal/handler/rest"
	wshandler "github.com/nexachat/delivery-service/internal/handler/ws"
	"github.com/nexachat/delivery-service/internal/push"
	"github.com/nexachat/delivery-service/internal/service"
	"github.com/nexachat/delivery-service/internal/store"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
		),
		auth.Module,
		store.Module,
		registry.Module,
		admission.Module,
		roombus.Module,
		push.Module,
		service.Module,
		wshandler.Module,
		rest.Module,
		httpsrv.Module,
	)
}
