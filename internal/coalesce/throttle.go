package coalesce

import (
	"log/slog"
	"sync"
	"time"
)

type throttleEntry struct {
	lastRun time.Time
	pending func()
	timer   Timer
}

// Throttler rate-limits callbacks per key. The first call for a key runs
// immediately (leading edge); calls arriving inside the interval replace any
// previously pending callback and fire once the remaining interval elapses
// (trailing edge). Superseded callbacks are dropped entirely, never queued.
type Throttler struct {
	mu      sync.Mutex
	clock   Clock
	logger  *slog.Logger
	entries map[string]*throttleEntry
}

func NewThrottler(clock Clock, logger *slog.Logger) *Throttler {
	return &Throttler{
		clock:   clock,
		logger:  logger,
		entries: make(map[string]*throttleEntry),
	}
}

// Do executes fn now if at least interval has elapsed since the key's last
// execution, otherwise remembers fn as the key's trailing-edge call.
func (t *Throttler) Do(key string, interval time.Duration, fn func()) {
	t.mu.Lock()
	now := t.clock.Now()

	entry, ok := t.entries[key]
	if !ok {
		entry = &throttleEntry{}
		t.entries[key] = entry
	}

	if entry.lastRun.IsZero() || now.Sub(entry.lastRun) >= interval {
		entry.lastRun = now
		// The same timer serves the trailing edge and, when the key goes
		// idle, entry expiry.
		if entry.timer == nil {
			entry.timer = t.clock.AfterFunc(interval, func() { t.fireTrailing(key, interval) })
		}
		t.mu.Unlock()
		t.run(key, fn)
		return
	}

	// Inside the interval: the latest fn wins, earlier pending calls drop.
	entry.pending = fn
	if entry.timer == nil {
		remaining := interval - now.Sub(entry.lastRun)
		entry.timer = t.clock.AfterFunc(remaining, func() { t.fireTrailing(key, interval) })
	}
	t.mu.Unlock()
}

func (t *Throttler) fireTrailing(key string, interval time.Duration) {
	t.mu.Lock()
	entry, ok := t.entries[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	if entry.pending == nil {
		// Idle for a full interval since the last run; drop the entry so
		// one-shot keys do not accumulate for the process lifetime.
		delete(t.entries, key)
		t.mu.Unlock()
		return
	}
	fn := entry.pending
	entry.pending = nil
	entry.lastRun = t.clock.Now()
	entry.timer = t.clock.AfterFunc(interval, func() { t.fireTrailing(key, interval) })
	t.mu.Unlock()

	t.run(key, fn)
}

// run shields the throttler's timer goroutine from callback panics.
func (t *Throttler) run(key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("throttled callback panicked", "key", key, "panic", r)
		}
	}()
	fn()
}

// Stop cancels every pending trailing-edge call. Pending callbacks are
// dropped, matching the primitive's drop-superseded semantics.
func (t *Throttler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	t.entries = make(map[string]*throttleEntry)
}
