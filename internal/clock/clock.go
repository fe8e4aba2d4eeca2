// Package clock abstracts time so that ring timeouts and window polling
// can be driven deterministically in tests.
package clock

import "time"

// Clock is injected wherever code would call time.Now, time.AfterFunc
// or time.NewTicker directly.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f after d. The fake clock calls f synchronously
	// from Advance.
	AfterFunc(d time.Duration, f func()) *Timer
	// NewTicker panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer cancels a pending AfterFunc.
type Timer struct {
	stopFunc func() bool
}

// Stop reports whether the call prevented the timer from firing.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Ticker delivers ticks on C, dropping them when the reader lags.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
