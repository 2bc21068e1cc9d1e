package assemble

import (
	"sync"
	"time"
)

// Debounce is a single re-armable delayed action. Arm atomically cancels any
// previously pending fire before scheduling the new one, so the action can
// never run twice for one arming sequence and a stale timer can never fire
// after a re-arm.
//
// All methods are safe for concurrent use.
type Debounce struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// Arm schedules fn to run after delay, replacing any pending action. fn runs
// on a timer goroutine; it must not call Arm or Cancel synchronously while
// holding locks that the caller of Arm holds.
func (d *Debounce) Arm(delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen

	d.timer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		// A re-arm or cancel after this timer was scheduled wins.
		if d.gen != gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		fn()
	})
}

// Cancel stops any pending action. It does not wait for an in-flight fn.
func (d *Debounce) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

// Pending reports whether an action is currently scheduled.
func (d *Debounce) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
