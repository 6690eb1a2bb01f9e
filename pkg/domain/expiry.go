package domain

import "time"

// ComputeExpiry returns nil (never expires) for hours <= 0.
func ComputeExpiry(hours int, now time.Time) *time.Time {
	if hours <= 0 {
		return nil
	}
	t := now.Add(time.Duration(hours) * time.Hour)
	return &t
}

// IsExpired reports whether now is strictly after expiresAt. A nil expiry never
// expires.
func IsExpired(expiresAt *time.Time, now time.Time) bool {
	if expiresAt == nil {
		return false
	}
	return now.After(*expiresAt)
}
