// Package metrics aggregates request and policy statistics from the
// event bus and persists per-request outcomes to a SQLite store.
package metrics

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/normanking/warden/internal/bus"
)

// Collector subscribes to the event bus and aggregates metrics.
type Collector struct {
	bus          *bus.Bus
	store        *Store
	session      *SessionStats
	recentEvents []bus.Event
	mu           sync.RWMutex
	maxEvents    int
	sub          bus.SubscriptionID
	started      bool
	stopped      bool
}

// SessionStats holds current session metrics.
type SessionStats struct {
	StartTime          time.Time
	Requests           int
	Completed          int
	Blocked            int
	Failed             int
	StepsExecuted      int
	StepErrors         int
	PolicyDenials      int
	SecurityViolations int
	ValuesCreated      int
	ValuesEvicted      int
	TotalStepMs        int64
	LastEvent          string
	LastEventTime      time.Time
}

// NewCollector creates a metrics collector. The store may be nil, in
// which case outcomes are kept in memory only.
func NewCollector(eventBus *bus.Bus, store *Store) *Collector {
	return &Collector{
		bus:          eventBus,
		store:        store,
		session:      &SessionStats{StartTime: time.Now()},
		recentEvents: make([]bus.Event, 0),
		maxEvents:    50,
	}
}

// Start begins listening to the event bus.
func (c *Collector) Start() {
	if c.bus == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.stopped {
		return
	}
	c.started = true

	// One wildcard subscription; dispatch happens in handleEvent.
	c.sub = c.bus.Subscribe(bus.EventType(""), c.handleEvent)
}

// Stop stops listening.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true

	if c.started && c.bus != nil {
		c.bus.Unsubscribe(c.sub)
	}
}

// GetSessionStats returns a copy of the current session stats.
func (c *Collector) GetSessionStats() *SessionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := *c.session
	return &stats
}

// GetRecentEvents returns the most recent n events.
func (c *Collector) GetRecentEvents(n int) []bus.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n > len(c.recentEvents) {
		n = len(c.recentEvents)
	}
	start := len(c.recentEvents) - n
	events := make([]bus.Event, n)
	copy(events, c.recentEvents[start:])
	return events
}

func (c *Collector) handleEvent(event bus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recentEvents = append(c.recentEvents, event)
	if len(c.recentEvents) > c.maxEvents {
		c.recentEvents = c.recentEvents[1:]
	}

	c.session.LastEvent = string(event.Type)
	c.session.LastEventTime = event.Timestamp

	switch event.Type {
	case bus.EventRequestReceived:
		c.session.Requests++
	case bus.EventRequestCompleted:
		c.session.Completed++
		c.recordOutcome(event)
	case bus.EventRequestBlocked:
		c.session.Blocked++
		c.recordOutcome(event)
	case bus.EventRequestFailed:
		c.session.Failed++
		c.recordOutcome(event)
	case bus.EventStepComplete:
		c.session.StepsExecuted++
		c.session.TotalStepMs += event.DurationMs
	case bus.EventStepError:
		c.session.StepErrors++
	case bus.EventPolicyDecision:
		if !event.Allowed {
			c.session.PolicyDenials++
		}
	case bus.EventSecurityViolation:
		c.session.SecurityViolations++
	case bus.EventValueCreated:
		c.session.ValuesCreated++
	case bus.EventValueEvicted:
		c.session.ValuesEvicted++
	}
}

// recordOutcome persists a terminal request event. Caller holds c.mu.
func (c *Collector) recordOutcome(event bus.Event) {
	if c.store == nil {
		return
	}
	c.store.RecordRequest(&RequestMetric{
		RequestID: event.RequestID,
		State:     event.State,
		Detail:    event.Details,
		CreatedAt: event.Timestamp,
	})
}

// Summary renders a short human-readable digest of the session.
func (c *Collector) Summary() string {
	s := c.GetSessionStats()

	var b strings.Builder
	fmt.Fprintf(&b, "requests: %d (completed %d, blocked %d, failed %d)\n",
		s.Requests, s.Completed, s.Blocked, s.Failed)
	fmt.Fprintf(&b, "steps: %d executed, %d errored", s.StepsExecuted, s.StepErrors)
	if s.StepsExecuted > 0 {
		fmt.Fprintf(&b, ", avg %.0fms", float64(s.TotalStepMs)/float64(s.StepsExecuted))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "policy: %d denials, %d violations\n", s.PolicyDenials, s.SecurityViolations)
	fmt.Fprintf(&b, "values: %d created, %d evicted\n", s.ValuesCreated, s.ValuesEvicted)
	return b.String()
}
