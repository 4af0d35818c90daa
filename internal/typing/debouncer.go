// Package typing tracks ephemeral per-connection typing state and clears it
// after a quiet period, producing the server-side "stop typing" signal.
package typing

import (
	"sync"
	"time"
)

// DefaultQuietPeriod matches the observed client behavior: an indicator
// clears 1.5s after the last keystroke.
const DefaultQuietPeriod = 1500 * time.Millisecond

// Debouncer keeps at most one pending expiry timer per connection. A fresh
// Touch cancels and rearms the timer (debounce, not queue); when the timer
// fires with no further activity, the expire callback runs once. The callback
// must re-validate membership itself: a timer racing a disconnect may fire
// after the connection is gone.
type Debouncer struct {
	mu       sync.Mutex
	quiet    time.Duration
	timers   map[string]*time.Timer
	onExpire func(connID string)
	closed   bool
}

// NewDebouncer creates a debouncer with the given quiet period. onExpire is
// invoked from a timer goroutine, never while the debouncer lock is held.
func NewDebouncer(quiet time.Duration, onExpire func(connID string)) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Debouncer{
		quiet:    quiet,
		timers:   make(map[string]*time.Timer),
		onExpire: onExpire,
	}
}

// Touch records typing activity for a connection, arming the expiry timer or
// pushing a pending one back by the quiet period. It reports whether the
// connection was previously idle, i.e. whether this activity starts a new
// typing burst.
func (d *Debouncer) Touch(connID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return false
	}
	if timer, pending := d.timers[connID]; pending {
		timer.Reset(d.quiet)
		return false
	}
	d.timers[connID] = time.AfterFunc(d.quiet, func() { d.expire(connID) })
	return true
}

// Cancel clears any pending timer for a connection without invoking the
// expire callback. It reports whether a timer was pending, letting the caller
// distinguish an explicit stop of an active burst from a stray signal.
func (d *Debouncer) Cancel(connID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	timer, pending := d.timers[connID]
	if !pending {
		return false
	}
	timer.Stop()
	delete(d.timers, connID)
	return true
}

// Close stops all pending timers. Subsequent Touch calls are no-ops.
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
}

// expire runs on the timer goroutine. The entry is removed before the
// callback so a concurrent Touch starts a new burst rather than extending a
// finished one; a timer already cancelled or superseded does nothing.
func (d *Debouncer) expire(connID string) {
	d.mu.Lock()
	_, pending := d.timers[connID]
	if pending {
		delete(d.timers, connID)
	}
	closed := d.closed
	d.mu.Unlock()

	if !pending || closed || d.onExpire == nil {
		return
	}
	d.onExpire(connID)
}
