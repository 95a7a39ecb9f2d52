package server

import (
	"context"
	"fmt"
	"time"
)

// nowUnix returns the current time as float unix seconds, the same unit the
// chat log and the ban/rate timestamps use.
func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// formatHMS renders a second count as HH:MM:SS, wrapping at 24 hours.
func formatHMS(seconds float64) string {
	total := int(seconds)
	if total < 0 {
		total = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", total/3600%24, total/60%60, total%60)
}

// sleepFor suspends the calling goroutine for the given number of seconds.
// The wait is cancellable: server shutdown or connection teardown cancels
// the context and the wait returns early with its error.
func sleepFor(ctx context.Context, seconds float64) error {
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
