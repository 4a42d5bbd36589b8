package bus

import "time"

// nextBackoff doubles cur up to max.
func nextBackoff(cur, max time.Duration) time.Duration {
	if cur <= 0 {
		return max
	}
	next := cur * 2
	if next > max || next <= 0 {
		return max
	}
	return next
}
