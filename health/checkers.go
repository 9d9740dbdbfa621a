package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-actors/actor"
	"github.com/glimte/mmate-actors/registry"
)

// ConnectionSource lists the broker connections to check. *registry.Registry
// satisfies it.
type ConnectionSource interface {
	Entries() []*registry.Entry
}

// ConnectionChecker reports the state of every connection opened through a registry
type ConnectionChecker struct {
	source ConnectionSource
}

// NewConnectionChecker creates a checker over the connections of source
func NewConnectionChecker(source ConnectionSource) *ConnectionChecker {
	return &ConnectionChecker{source: source}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq_connections"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	entries := c.source.Entries()
	if len(entries) == 0 {
		result.Status = StatusHealthy
		result.Message = "No connections opened yet"
		result.Duration = time.Since(start)
		return result
	}

	var down []string
	for _, e := range entries {
		detail := map[string]any{
			"connected": false,
		}
		if e.Pool != nil {
			detail["pool_size"] = e.Pool.Size()
			detail["in_flight"] = e.Pool.InFlight()
		}
		result.Details[e.Name] = detail

		if !e.Conn.IsConnected() {
			down = append(down, e.Name)
			continue
		}

		// opening a channel proves the connection still talks to the broker
		ch, err := e.Conn.Channel()
		if err != nil {
			detail["error"] = err.Error()
			down = append(down, e.Name)
			continue
		}
		ch.Close()
		detail["connected"] = true
	}

	switch {
	case len(down) == 0:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d connections healthy", len(entries))
	case len(down) == len(entries):
		result.Status = StatusUnhealthy
		result.Message = "All connections are down"
		result.Error = fmt.Sprintf("down: %v", down)
	default:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d of %d connections down", len(down), len(entries))
		result.Error = fmt.Sprintf("down: %v", down)
	}
	result.Duration = time.Since(start)
	return result
}

// Backlog is an actor whose queue depths can be inspected. *actor.Actor
// satisfies it.
type Backlog interface {
	Name() string
	PendingMessagesCount(ctx context.Context) int64
	PendingSidelineMessagesCount(ctx context.Context) int64
}

// BacklogChecker degrades when an actor's queues grow past its thresholds.
// A threshold of zero disables that comparison.
type BacklogChecker struct {
	backlog     Backlog
	maxPending  int64
	maxSideline int64
}

// NewBacklogChecker creates a backlog checker for one actor
func NewBacklogChecker(backlog Backlog, maxPending, maxSideline int64) *BacklogChecker {
	return &BacklogChecker{
		backlog:     backlog,
		maxPending:  maxPending,
		maxSideline: maxSideline,
	}
}

func (c *BacklogChecker) Name() string {
	return "actor_" + c.backlog.Name()
}

func (c *BacklogChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	pending := c.backlog.PendingMessagesCount(ctx)
	sideline := c.backlog.PendingSidelineMessagesCount(ctx)
	result.Duration = time.Since(start)

	if pending == actor.UnknownCount || sideline == actor.UnknownCount {
		result.Status = StatusUnhealthy
		result.Message = "Queue depth unavailable"
		return result
	}
	result.Details["pending"] = pending
	result.Details["sideline"] = sideline

	switch {
	case c.maxPending > 0 && pending > c.maxPending:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d pending messages exceed %d", pending, c.maxPending)
	case c.maxSideline > 0 && sideline > c.maxSideline:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d sidelined messages exceed %d", sideline, c.maxSideline)
	default:
		result.Status = StatusHealthy
		result.Message = "Backlog within limits"
	}
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
