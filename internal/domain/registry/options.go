package registry

import "time"

type settings struct {
	mailboxSize int
	sendTimeout time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithMailboxSize sets the buffer capacity of each session mailbox. It is
// the backpressure threshold: a session whose pump cannot keep up starts
// shedding low-priority events once the buffer fills.
func WithMailboxSize(size int) Option {
	return func(r *Registry) {
		r.settings.mailboxSize = size
	}
}

// WithSendTimeout bounds how long a fanout waits for space in a saturated
// mailbox before dropping a non-ephemeral event.
func WithSendTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.settings.sendTimeout = d
	}
}
