package jobs

import (
	"math/rand/v2"
	"time"
)

// NextRunDelay returns how long to wait from now until the next time that is
// a whole number of intervals past the Unix epoch shifted by offset. The
// result is never negative.
func NextRunDelay(interval, offset time.Duration, now time.Time) time.Duration {
	if interval <= 0 {
		return 0
	}
	sinceEpoch := time.Duration(now.UnixNano())
	elapsed := sinceEpoch - offset

	periods := elapsed / interval
	if elapsed%interval > 0 {
		periods++
	}
	delay := periods*interval + offset - sinceEpoch
	if delay < 0 {
		return 0
	}
	return delay
}

// defaultJitter spreads queued jobs over 5 to 30 seconds.
func defaultJitter() time.Duration {
	return 5*time.Second + rand.N(25*time.Second+1)
}
