// Package coalesce merges high-frequency signals into fewer downstream
// effects. It offers two independent primitives: a per-key trailing-edge
// throttle and a size-or-delay batcher. Both run their timers through an
// injectable Clock so tests can drive time without sleeping.
package coalesce

import "time"

// Timer is the cancellable handle returned by Clock.AfterFunc.
type Timer interface {
	// Stop cancels the timer; it reports whether the callback was
	// prevented from running.
	Stop() bool
}

// Clock abstracts wall-clock time and delayed execution.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// SystemClock returns the real wall-clock implementation. Its timers are
// best-effort: there is no hard real-time deadline guarantee.
func SystemClock() Clock { return systemClock{} }
