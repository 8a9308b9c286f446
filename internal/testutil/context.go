// Package testutil provides testing utilities shared by certrotor packages.
package testutil

import (
	"context"
	"testing"
	"time"
)

// NewTestContext returns a context that times out after 30 seconds and is
// canceled when the test completes.
func NewTestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Clock is a manually advanced time source.
type Clock struct {
	now time.Time
}

// NewClock starts a clock at now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time { return c.now }

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) { c.now = c.now.Add(d) }
