package scanloop

import (
	"math/rand/v2"
	"time"
)

// Run executes fn on a repeating cadence until stopCh is closed. The
// interval is re-evaluated before each wait as: interval() + random([0,
// jitterRange)). The first fire happens after one full interval, never
// immediately.
func Run(stopCh <-chan struct{}, interval func() time.Duration, jitterRange time.Duration, fn func()) {
	if jitterRange < 0 {
		jitterRange = 0
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C // drain initial fire

	for {
		wait := interval()
		if wait <= 0 {
			wait = time.Second
		}
		if jitterRange > 0 {
			wait += time.Duration(rand.Int64N(int64(jitterRange)))
		}

		timer.Reset(wait)
		select {
		case <-stopCh:
			return
		case <-timer.C:
		}
		fn()
	}
}
