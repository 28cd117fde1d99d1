package store

import (
	"context"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/nexachat/delivery-service/config"
	"go.uber.org/fx"
)

var Module = fx.Module("store",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger) (*badger.DB, error) {
			opts := badger.DefaultOptions(cfg.Store.Path).
				WithInMemory(cfg.Store.InMemory).
				WithLogger(nil)
			return badger.Open(opts)
		},
		NewBadger,
		fx.Annotate(func(b *Badger) *Badger { return b }, fx.As(new(ConversationStore))),
		fx.Annotate(func(b *Badger) *Badger { return b }, fx.As(new(MessageStore))),
		fx.Annotate(func(b *Badger) *Badger { return b }, fx.As(new(TokenDirectory))),
		fx.Annotate(func(b *Badger) *Badger { return b }, fx.As(new(UserDirectory))),
	),
	fx.Invoke(func(lc fx.Lifecycle, db *badger.DB) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return db.Close()
			},
		})
	}),
)
