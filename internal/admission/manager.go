package admission

import (
	"log/slog"
	"sync"
)

// Category names used across the service. Arbitrary names are allowed; these
// constants just keep call sites consistent.
const (
	CategoryAuth  = "auth"
	CategoryStore = "store"
)

// Manager holds one independent Queue per named category. There is no
// work-stealing across categories: a saturated "auth" queue never borrows
// slots from "store".
type Manager struct {
	mu       sync.Mutex
	queues   map[string]*Queue
	limits   map[string]int
	fallback int
	logger   *slog.Logger
}

func NewManager(limits map[string]int, fallback int, logger *slog.Logger) *Manager {
	if fallback < 1 {
		fallback = 1
	}
	return &Manager{
		queues:   make(map[string]*Queue),
		limits:   limits,
		fallback: fallback,
		logger:   logger,
	}
}

// Queue returns the category's queue, creating it on first use with the
// configured limit (or the fallback limit for unknown categories).
func (m *Manager) Queue(category string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[category]; ok {
		return q
	}
	limit, ok := m.limits[category]
	if !ok {
		limit = m.fallback
	}
	q := New(category, limit, m.logger)
	m.queues[category] = q
	return q
}
