// Package utils holds small shared test helpers.
package utils

import (
	"runtime"
	"testing"
	"time"
)

// CheckGoroutineLeaks fails the test if the goroutine count at cleanup time
// exceeds the count at call time. Transports spawn read loops and reapers;
// this catches the ones that outlive Close.
//
// Counts are sampled a few times with a settle delay because goroutines in
// teardown need a moment to exit.
func CheckGoroutineLeaks(t *testing.T) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	before := runtime.NumGoroutine()

	t.Cleanup(func() {
		var after int
		for i := 0; i < 20; i++ {
			time.Sleep(50 * time.Millisecond)
			after = runtime.NumGoroutine()
			if after <= before {
				return
			}
		}
		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		t.Errorf("goroutine leak: %d before, %d after\n%s", before, after, buf[:n])
	})
}
