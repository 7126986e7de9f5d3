package browser

import (
	"context"
	"time"
)

// SetSleepForTest swaps the retry sleep and returns a restore func.
func SetSleepForTest(fn func(context.Context, time.Duration) error) func() {
	prev := sleepFn
	sleepFn = fn
	return func() { sleepFn = prev }
}
