package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/warden/internal/bus"
)

func publishAndSettle(t *testing.T, b *bus.Bus, events ...bus.Event) {
	t.Helper()
	for _, e := range events {
		require.NoError(t, b.Publish(e))
	}
	// Handlers run on subscription goroutines.
	time.Sleep(50 * time.Millisecond)
}

func TestCollectorAggregatesLifecycle(t *testing.T) {
	b := bus.NewBus()
	defer b.Close()

	c := NewCollector(b, nil)
	c.Start()
	defer c.Stop()

	publishAndSettle(t, b,
		bus.NewRequestEvent(bus.EventRequestReceived, "req-1", "RECEIVED"),
		bus.NewStepEvent(bus.EventStepComplete, "req-1", 0, "tool_call", "echo"),
		bus.NewStepEvent(bus.EventStepComplete, "req-1", 1, "tool_call", "echo"),
		bus.NewRequestEvent(bus.EventRequestCompleted, "req-1", "COMPLETED"),
		bus.NewRequestEvent(bus.EventRequestReceived, "req-2", "RECEIVED"),
		bus.NewSecurityViolationEvent("req-2", "shell", "prompt_injection", "untrusted arg"),
		bus.NewRequestEvent(bus.EventRequestBlocked, "req-2", "BLOCKED"),
	)

	s := c.GetSessionStats()
	assert.Equal(t, 2, s.Requests)
	assert.Equal(t, 1, s.Completed)
	assert.Equal(t, 1, s.Blocked)
	assert.Equal(t, 0, s.Failed)
	assert.Equal(t, 2, s.StepsExecuted)
	assert.Equal(t, 1, s.SecurityViolations)
}

func TestCollectorPolicyDenialsCountOnlyDenies(t *testing.T) {
	b := bus.NewBus()
	defer b.Close()

	c := NewCollector(b, nil)
	c.Start()
	defer c.Stop()

	publishAndSettle(t, b,
		bus.NewPolicyDecisionEvent("req-1", "echo", "", true, ""),
		bus.NewPolicyDecisionEvent("req-1", "shell", "no_shell", false, "shell disabled"),
	)

	s := c.GetSessionStats()
	assert.Equal(t, 1, s.PolicyDenials)
}

func TestCollectorRecentEventsBounded(t *testing.T) {
	b := bus.NewBus()
	defer b.Close()

	c := NewCollector(b, nil)
	c.maxEvents = 5
	c.Start()
	defer c.Stop()

	events := make([]bus.Event, 10)
	for i := range events {
		events[i] = bus.NewRequestEvent(bus.EventRequestReceived, "req", "RECEIVED")
	}
	publishAndSettle(t, b, events...)

	assert.Len(t, c.GetRecentEvents(100), 5)
	assert.Len(t, c.GetRecentEvents(2), 2)
}

func TestCollectorStopUnsubscribes(t *testing.T) {
	b := bus.NewBus()
	defer b.Close()

	c := NewCollector(b, nil)
	c.Start()
	c.Stop()

	publishAndSettle(t, b, bus.NewRequestEvent(bus.EventRequestReceived, "req-1", "RECEIVED"))
	assert.Equal(t, 0, c.GetSessionStats().Requests)
}

func TestStoreRecordAndQuery(t *testing.T) {
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	now := time.Now().UTC()
	require.NoError(t, store.RecordRequest(&RequestMetric{RequestID: "req-1", State: "COMPLETED", CreatedAt: now}))
	require.NoError(t, store.RecordRequest(&RequestMetric{RequestID: "req-2", State: "BLOCKED", Detail: "policy denied", CreatedAt: now}))
	require.NoError(t, store.RecordRequest(&RequestMetric{RequestID: "req-3", State: "FAILED", CreatedAt: now}))

	stats, err := store.GetDailyStats(now.Format("2006-01-02"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Blocked)
	assert.Equal(t, int64(1), stats.Failed)
	assert.InDelta(t, 33.3, stats.BlockRate, 0.5)

	recent, err := store.GetRecentRequests(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "req-3", recent[0].RequestID)
	assert.Equal(t, "policy denied", recent[1].Detail)
}

func TestStoreDailyStatsEmptyDay(t *testing.T) {
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	stats, err := store.GetDailyStats("1999-01-01")
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalRequests)
	assert.Equal(t, float64(0), stats.BlockRate)
}

func TestCollectorPersistsOutcomes(t *testing.T) {
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	b := bus.NewBus()
	defer b.Close()

	c := NewCollector(b, store)
	c.Start()
	defer c.Stop()

	publishAndSettle(t, b, bus.NewRequestEvent(bus.EventRequestBlocked, "req-1", "BLOCKED"))

	recent, err := store.GetRecentRequests(10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "req-1", recent[0].RequestID)
	assert.Equal(t, "BLOCKED", recent[0].State)
}
