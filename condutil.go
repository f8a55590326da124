package ledger

import (
	"sync"
	"time"
)

// waitOnCondTimeout waits on cond for at most d before returning,
// whichever comes first. The caller must hold cond.L. sync.Cond has no
// native timeout, so a timer goroutine wakes the waiter by
// broadcasting; this is the standard Go idiom for a bounded condition
// wait (no pack dependency offers one, see DESIGN.md).
func waitOnCondTimeout(cond *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
}
