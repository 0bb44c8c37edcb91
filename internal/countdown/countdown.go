// Package countdown implements a cancelable whole-second countdown.
package countdown

import (
	"sync"
	"time"
)

// Timer counts down from a budget, calling onTick after every interval and
// onExpire once when the budget reaches zero.
type Timer struct {
	mu      sync.Mutex
	stopped bool
	stop    chan struct{}
	done    chan struct{}
}

// Start begins a countdown of seconds ticks spaced interval apart. onTick
// receives the remaining count after each tick; onExpire runs exactly once,
// after the final tick, unless the timer is stopped first. A non-positive
// budget expires on the first tick.
func Start(seconds int, interval time.Duration, onTick func(remaining int), onExpire func()) *Timer {
	if interval <= 0 {
		interval = time.Second
	}
	t := &Timer{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go t.run(seconds, interval, onTick, onExpire)
	return t
}

func (t *Timer) run(remaining int, interval time.Duration, onTick func(int), onExpire func()) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
		}

		if remaining > 0 {
			remaining--
		}
		if !t.fire(func() {
			if onTick != nil {
				onTick(remaining)
			}
		}) {
			return
		}
		if remaining == 0 {
			t.fire(func() {
				if onExpire != nil {
					onExpire()
				}
			})
			t.markStopped()
			return
		}
	}
}

// fire runs fn unless the timer was stopped. It reports whether fn ran.
func (t *Timer) fire(fn func()) bool {
	t.mu.Lock()
	stopped := t.stopped
	t.mu.Unlock()
	if stopped {
		return false
	}
	fn()
	return true
}

func (t *Timer) markStopped() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// Stop cancels the countdown and returns without waiting. A callback that
// already passed its stop check may still be running or about to run; receive
// from Done to wait until no callback can run. Stop is safe to call more than
// once and from inside a callback, but a callback must not wait on Done.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stop)
}

// Done is closed when the countdown goroutine has exited.
func (t *Timer) Done() <-chan struct{} {
	return t.done
}
