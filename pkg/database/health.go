package database

import (
	"context"
	"time"
)

// HealthStatus describes database reachability for the status surface.
type HealthStatus struct {
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
}

// Health pings the pool with a short timeout.
func (c *Client) Health(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := c.pool.Ping(ctx); err != nil {
		return HealthStatus{Reachable: false, Latency: time.Since(start), Error: err.Error()}
	}
	return HealthStatus{Reachable: true, Latency: time.Since(start)}
}
