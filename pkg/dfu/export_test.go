package dfu

import "time"

// DisableSleep turns off the post-GETSTATUS poll sleep so tests do not
// wait out simulated poll intervals.
func DisableSleep(t *Transport) {
	t.sleep = func(time.Duration) {}
}
