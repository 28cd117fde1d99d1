package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"

	"github.com/nexachat/delivery-service/config"
	"github.com/nexachat/delivery-service/internal/adapter/roombus"
	"github.com/nexachat/delivery-service/internal/admission"
	"github.com/nexachat/delivery-service/internal/cache"
	"github.com/nexachat/delivery-service/internal/coalesce"
	"github.com/nexachat/delivery-service/internal/domain/model"
	"github.com/nexachat/delivery-service/internal/domain/registry"
	"github.com/nexachat/delivery-service/internal/push"
	"github.com/nexachat/delivery-service/internal/store"
)

var Module = fx.Module("service",
	fx.Provide(
		coalesce.SystemClock,
		newConversationCache,
		newFanout,
		NewPresence,
	),
	fx.Invoke(manageLifecycles),
)

func newConversationCache(cfg *config.Config, lc fx.Lifecycle) (*cache.Cache[uuid.UUID, *model.Conversation], error) {
	c, err := cache.New[uuid.UUID, *model.Conversation](
		cfg.Cache.Capacity,
		time.Duration(cfg.Cache.SweepMs)*time.Millisecond,
	)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { c.Start(); return nil },
		OnStop:  func(context.Context) error { c.Stop(); return nil },
	})
	return c, nil
}

func newFanout(
	cfg *config.Config,
	reg *registry.Registry,
	bus *roombus.Bus,
	convs store.ConversationStore,
	msgs store.MessageStore,
	users store.UserDirectory,
	dispatcher *push.Dispatcher,
	adm *admission.Manager,
	clock coalesce.Clock,
	convCache *cache.Cache[uuid.UUID, *model.Conversation],
	logger *slog.Logger,
) *Fanout {
	return NewFanout(reg, bus, convs, msgs, users, dispatcher, adm, clock, convCache, logger, Options{
		ConversationTTL: time.Duration(cfg.Cache.TTLMs) * time.Millisecond,
		TypingInterval:  time.Duration(cfg.Coalesce.TypingIntervalMs) * time.Millisecond,
		ReadBatchSize:   cfg.Coalesce.ReadBatchSize,
		ReadBatchDelay:  time.Duration(cfg.Coalesce.ReadBatchDelayMs) * time.Millisecond,
	})
}

func manageLifecycles(lc fx.Lifecycle, f *Fanout) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			f.StopCoalescers()
			return nil
		},
	})
}
