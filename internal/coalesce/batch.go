package coalesce

import (
	"log/slog"
	"sync"
	"time"
)

// Processor consumes one flushed batch. A failure affects only this flush;
// other keys and future flushes proceed normally.
type Processor[T any] func(key string, items []T)

type group[T any] struct {
	items []T
	timer Timer
}

// Batcher accumulates items per key and flushes when the pending list
// reaches maxSize or after maxDelay from the first item added to an empty
// list, whichever occurs first. A size-triggered flush cancels the key's
// delay timer.
type Batcher[T any] struct {
	mu       sync.Mutex
	clock    Clock
	logger   *slog.Logger
	maxSize  int
	maxDelay time.Duration
	process  Processor[T]
	groups   map[string]*group[T]
}

func NewBatcher[T any](clock Clock, logger *slog.Logger, maxSize int, maxDelay time.Duration, process Processor[T]) *Batcher[T] {
	return &Batcher[T]{
		clock:    clock,
		logger:   logger,
		maxSize:  maxSize,
		maxDelay: maxDelay,
		process:  process,
		groups:   make(map[string]*group[T]),
	}
}

// Add appends item to the key's pending list, flushing inline when the
// list reaches maxSize.
func (b *Batcher[T]) Add(key string, item T) {
	b.mu.Lock()

	g, ok := b.groups[key]
	if !ok {
		g = &group[T]{}
		b.groups[key] = g
	}

	if len(g.items) == 0 {
		g.timer = b.clock.AfterFunc(b.maxDelay, func() { b.flushDelayed(key) })
	}
	g.items = append(g.items, item)

	if len(g.items) >= b.maxSize {
		items := b.takeLocked(g)
		b.mu.Unlock()
		b.runProcessor(key, items)
		return
	}
	b.mu.Unlock()
}

// Flush forces the key's pending items out immediately.
func (b *Batcher[T]) Flush(key string) {
	b.mu.Lock()
	g, ok := b.groups[key]
	if !ok || len(g.items) == 0 {
		b.mu.Unlock()
		return
	}
	items := b.takeLocked(g)
	b.mu.Unlock()
	b.runProcessor(key, items)
}

// FlushAll drains every key, used on shutdown so no receipt is lost.
func (b *Batcher[T]) FlushAll() {
	b.mu.Lock()
	pending := make(map[string][]T, len(b.groups))
	for key, g := range b.groups {
		if len(g.items) > 0 {
			pending[key] = b.takeLocked(g)
		}
	}
	b.mu.Unlock()

	for key, items := range pending {
		b.runProcessor(key, items)
	}
}

func (b *Batcher[T]) flushDelayed(key string) {
	b.mu.Lock()
	g, ok := b.groups[key]
	if !ok || len(g.items) == 0 {
		b.mu.Unlock()
		return
	}
	g.timer = nil
	items := b.takeLocked(g)
	b.mu.Unlock()
	b.runProcessor(key, items)
}

// takeLocked clears the group and returns its items. Caller holds b.mu.
func (b *Batcher[T]) takeLocked(g *group[T]) []T {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	items := g.items
	g.items = nil
	return items
}

func (b *Batcher[T]) runProcessor(key string, items []T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("batch processor panicked",
				"key", key,
				"items", len(items),
				"panic", r,
			)
		}
	}()
	b.process(key, items)
}
