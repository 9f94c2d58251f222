package testutil

import (
	"runtime"
	"testing"
	"time"
)

// AssertNoGoroutineLeaks polls until the goroutine count returns to within
// margin of baseline, failing the test if it does not before the deadline.
func AssertNoGoroutineLeaks(t *testing.T, baseline, margin int, deadline time.Duration) {
	t.Helper()
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		if runtime.NumGoroutine() <= baseline+margin {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Errorf("goroutine leak: baseline=%d, current=%d, margin=%d",
		baseline, runtime.NumGoroutine(), margin)
}
