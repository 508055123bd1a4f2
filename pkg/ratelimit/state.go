// Package ratelimit implements both sides of request throttling: the
// upstream pause tracker that honors Retry-After across concurrent callers,
// and the sliding-window limiter guarding the serving API.
package ratelimit

import (
	"time"
)

// Redis key prefixes.
const (
	// RedisKeyUpstreamPause stores the unix-nano instant an authority is
	// paused until. Suffixed with the authority name.
	RedisKeyUpstreamPause = "healthd:upstream:paused_until:"

	// RedisKeyWindow prefixes the sorted set holding one client's
	// request log. Suffixed with the client key.
	RedisKeyWindow = "healthd:ingress:window:"
)

// PauseState is the upstream pause currently in effect for an authority.
type PauseState struct {
	// Authority is the upstream the pause applies to.
	Authority string `json:"authority"`

	// PausedUntil is when requests may resume. Zero means not paused.
	PausedUntil time.Time `json:"paused_until"`
}

// IsPaused reports whether requests must wait at now.
func (s PauseState) IsPaused(now time.Time) bool {
	return now.Before(s.PausedUntil)
}

// TimeUntilResume returns the remaining pause. Returns 0 if the pause has
// already passed.
func (s PauseState) TimeUntilResume(now time.Time) time.Duration {
	d := s.PausedUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
