package chat

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of Schedule calls into a single trailing-edge
// invocation. Each Schedule replaces any pending action and restarts the
// window, so only the last action of a burst runs, once the burst goes
// quiet. The zero value is ready to use.
type Debouncer struct {
	mu    sync.Mutex
	timer *time.Timer
	seq   uint64
}

// Schedule arranges for action to run after window elapses with no further
// Schedule or Cancel calls. A pending action is replaced, not queued. A
// non-positive window runs the action immediately on the calling goroutine.
func (d *Debouncer) Schedule(window time.Duration, action func()) {
	if action == nil {
		return
	}
	if window <= 0 {
		d.Cancel()
		action()
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.timer = time.AfterFunc(window, func() {
		d.mu.Lock()
		// A later Schedule or Cancel superseded this firing.
		if d.seq != seq {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		action()
	})
}

// Cancel drops any pending action without running it. Safe to call when
// nothing is pending.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++
}

// Pending reports whether an action is waiting to fire.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
