package pricing

const (
	AbuseFailureThreshold uint64 = 3
	// AbuseWindowSeconds bounds how recent the first failure must be.
	AbuseWindowSeconds int64 = 3600
)

// IsHighAbuse reports whether failures are clustered tightly enough in time to
// switch the identity into high-abuse mode.
func IsHighAbuse(failureCount uint64, firstFailureAt, now int64) bool {
	return failureCount >= AbuseFailureThreshold &&
		firstFailureAt > 0 &&
		now-firstFailureAt < AbuseWindowSeconds
}
