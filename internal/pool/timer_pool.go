// Package pool provides pooled timers for the driver's poll and timeout loops.
package pool

import (
	"sync"
	"time"
)

var timerPool sync.Pool

// GetTimer returns a timer armed for duration d, reusing a pooled timer when
// one is available.
//
// Return the timer to the pool with PutTimer once it is no longer needed.
func GetTimer(d time.Duration) *time.Timer {
	if v := timerPool.Get(); v != nil {
		t, _ := v.(*time.Timer) // only *time.Timer values are ever pooled
		if t.Reset(d) {
			// The timer was still active; drain any pending fire so the
			// caller never sees a stale tick.
			select {
			case <-t.C:
			default:
			}
		}
		return t
	}
	return time.NewTimer(d)
}

// PutTimer stops t and returns it to the pool.
//
// t must not be used after it is returned.
func PutTimer(t *time.Timer) {
	if !t.Stop() {
		// Drain t.C in case the timer fired but nobody received the tick.
		select {
		case <-t.C:
		default:
		}
	}
	timerPool.Put(t)
}
