package models

import "time"

// RateLimitDecision is the result of a sliding-window check
type RateLimitDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Time // zero when Allowed
}

// RateLimitWindow summarises the entries currently inside a window
type RateLimitWindow struct {
	Count  int
	Oldest *time.Time
}
