// Package presence decides which room members count as active.
package presence

import (
	"errors"
	"time"
)

// DefaultTimeout is the lease granted by a join or heartbeat.
const DefaultTimeout = 2 * time.Minute

// ErrInvalidTimeout indicates a non-positive presence timeout.
var ErrInvalidTimeout = errors.New("presence: timeout must be positive")

// Policy holds the single definition of liveness shared by every occupancy reader.
type Policy struct {
	timeout time.Duration
}

// NewPolicy validates the timeout and returns a Policy.
func NewPolicy(timeout time.Duration) (Policy, error) {
	if timeout <= 0 {
		return Policy{}, ErrInvalidTimeout
	}
	return Policy{timeout: timeout}, nil
}

// Timeout returns the configured lease duration.
func (p Policy) Timeout() time.Duration {
	return p.timeout
}

// IsActive reports whether now - lastSeen < timeout.
func (p Policy) IsActive(lastSeen, now time.Time) bool {
	return now.Sub(lastSeen) < p.timeout
}

// Heartbeat is anything carrying a last-seen timestamp.
type Heartbeat interface {
	LastSeen() time.Time
}

// ActiveCount counts the heartbeats that are active at now.
func ActiveCount[T Heartbeat](p Policy, heartbeats []T, now time.Time) int {
	count := 0
	for _, heartbeat := range heartbeats {
		if p.IsActive(heartbeat.LastSeen(), now) {
			count++
		}
	}
	return count
}
