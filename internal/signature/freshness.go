package signature

import "time"

const (
	// RequestTolerance is the default clock skew accepted for validation requests
	RequestTolerance = 15 * time.Second
	// ChallengeTolerance spans the two round trips of challenge-response
	ChallengeTolerance = 60 * time.Second
)

// Clock returns the current time. Tests replace it to pin "now".
type Clock func() time.Time

// IsTimestampValid reports whether |now - ts| <= tolerance, ts in unix seconds
func IsTimestampValid(ts int64, tolerance time.Duration) bool {
	return IsTimestampValidAt(time.Now(), ts, tolerance)
}

// IsTimestampValidAt is IsTimestampValid against an explicit now
func IsTimestampValidAt(now time.Time, ts int64, tolerance time.Duration) bool {
	diff := now.Unix() - ts
	if diff < 0 {
		diff = -diff
	}
	return diff <= int64(tolerance/time.Second)
}
