package auth

import (
	"go.uber.org/fx"

	"github.com/nexachat/delivery-service/config"
)

var Module = fx.Module("auth",
	fx.Provide(
		fx.Annotate(
			func(cfg *config.Config) *JWTVerifier {
				return NewJWTVerifier([]byte(cfg.Auth.Secret), cfg.Auth.Issuer)
			},
			fx.As(new(Verifier)),
		),
	),
)
