package memstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/warden/internal/capability"
	"github.com/normanking/warden/internal/logging"
	"github.com/normanking/warden/pkg/types"
)

func newTestManager(t *testing.T, cfg *Config) *Manager {
	t.Helper()
	log, err := logging.New(&logging.Config{Level: "error"})
	require.NoError(t, err)
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Logger = log
	return NewManager(cfg)
}

func TestStoreAndGet(t *testing.T) {
	m := newTestManager(t, nil)
	arena := capability.NewArena(nil)
	v := arena.CreateUserInput("hello", "alice")

	require.NoError(t, m.StoreValue(v, nil))

	got, ok := m.GetValue(v.ID)
	require.True(t, ok)
	assert.Equal(t, v.ID, got.ID)

	_, ok = m.GetValue("missing")
	assert.False(t, ok)

	st := m.GetStats()
	assert.Equal(t, 1, st.Count)
	assert.InDelta(t, 0.5, st.HitRate, 0.001)
}

func TestRestoreBumpsMetricsInsteadOfDuplicating(t *testing.T) {
	m := newTestManager(t, nil)
	arena := capability.NewArena(nil)
	v := arena.CreateUserInput("hello", "alice")

	require.NoError(t, m.StoreValue(v, nil))
	require.NoError(t, m.StoreValue(v, nil))

	assert.Equal(t, 1, m.Len())
	m.mu.Lock()
	assert.Equal(t, 2, m.entries[v.ID].AccessCount)
	m.mu.Unlock()
}

func TestRetentionScore(t *testing.T) {
	arena := capability.NewArena(nil)

	plain := arena.CreateExternal("x", "example.com", false)
	assert.Equal(t, 0, retentionScore(plain, nil))

	user := arena.CreateUserInput("secret", "alice", capability.WithSensitive())
	derived, err := arena.Transform(user, func(p any) (any, error) { return p, nil }, "copy")
	require.NoError(t, err)

	uctx := &types.UserContext{UserID: "alice", TrustLevel: types.TrustHigh}
	// sensitive +2, user source +3, has deps +1, high trust +1
	assert.Equal(t, 7, retentionScore(derived, uctx))
}

func TestMaxValuesBoundHolds(t *testing.T) {
	m := newTestManager(t, &Config{MaxValues: 3})
	arena := capability.NewArena(nil)

	for i := 0; i < 6; i++ {
		v := arena.CreateExternal(strings.Repeat("x", 10), "example.com", false)
		require.NoError(t, m.StoreValue(v, nil))
	}
	assert.LessOrEqual(t, m.Len(), 3)
}

func TestCompactionRespectsRetentionPolicy(t *testing.T) {
	m := newTestManager(t, nil)
	arena := capability.NewArena(nil)

	keep := arena.CreateUserInput("keep me", "alice")
	drop := arena.CreateExternal("drop me", "example.com", false)
	require.NoError(t, m.StoreValue(keep, nil))
	require.NoError(t, m.StoreValue(drop, nil))

	m.AddRetentionPolicy(RetentionPolicy{
		Name: "protect-user-data",
		Protect: func(e *Entry) bool {
			return e.Value.Capabilities.HasSourceDeep(capability.SourceUser)
		},
	})

	// Age both entries past the aggressive threshold.
	m.mu.Lock()
	for _, e := range m.entries {
		e.StoredAt = time.Now().Add(-time.Hour)
	}
	m.mu.Unlock()

	evicted := m.CompactMemory(TierAggressive)
	assert.Equal(t, 1, evicted)
	assert.True(t, m.Contains(keep.ID))
	assert.False(t, m.Contains(drop.ID))
}

func TestCompactionSkipsFreshAndBusyEntries(t *testing.T) {
	m := newTestManager(t, nil)
	arena := capability.NewArena(nil)

	fresh := arena.CreateExternal("fresh", "example.com", false)
	busy := arena.CreateExternal("busy", "example.com", false)
	require.NoError(t, m.StoreValue(fresh, nil))
	require.NoError(t, m.StoreValue(busy, nil))

	m.mu.Lock()
	m.entries[busy.ID].StoredAt = time.Now().Add(-time.Hour)
	m.entries[busy.ID].AccessCount = 10
	m.mu.Unlock()

	assert.Equal(t, 0, m.CompactMemory(TierAggressive))
	assert.Equal(t, 2, m.Len())
}

func TestEnforceLimitsEvictsLowestScoredFirst(t *testing.T) {
	m := newTestManager(t, &Config{MaxValues: 100})
	arena := capability.NewArena(nil)

	valuable := arena.CreateUserInput("important", "alice", capability.WithSensitive())
	cheap := arena.CreateExternal("noise", "example.com", false)
	require.NoError(t, m.StoreValue(valuable, nil))
	require.NoError(t, m.StoreValue(cheap, nil))

	m.mu.Lock()
	m.cfg.MaxValues = 1
	m.mu.Unlock()

	evicted := m.EnforceMemoryLimits()
	assert.Equal(t, 1, evicted)
	assert.True(t, m.Contains(valuable.ID))
	assert.False(t, m.Contains(cheap.ID))
}

func TestCompressionShrinksAccountedSize(t *testing.T) {
	m := newTestManager(t, &Config{Compression: true, CompressionTimeout: 5 * time.Second})
	arena := capability.NewArena(nil)

	payload := strings.Repeat("the same line over and over\n", 200)
	v := arena.CreateExternal(payload, "example.com", false)
	require.NoError(t, m.StoreValue(v, nil))

	m.mu.Lock()
	e := m.entries[v.ID]
	assert.True(t, e.compressed)
	assert.Less(t, e.SizeBytes, len(payload))
	m.mu.Unlock()

	// Round trip proves the blob is intact.
	raw, err := gunzipBytes(e.blob)
	require.NoError(t, err)
	assert.Equal(t, payload, string(raw))
}

func TestExportImportRoundTrip(t *testing.T) {
	m := newTestManager(t, nil)
	arena := capability.NewArena(nil)

	a := arena.CreateUserInput("one", "alice")
	b := arena.CreateExternal("two", "example.com", true)
	require.NoError(t, m.StoreValue(a, nil))
	require.NoError(t, m.StoreValue(b, nil))
	m.GetValue(a.ID)

	data, err := m.ExportState()
	require.NoError(t, err)

	restored := newTestManager(t, nil)
	require.NoError(t, restored.ImportState(data, arena))

	assert.Equal(t, 2, restored.Len())
	restored.mu.Lock()
	assert.Equal(t, 2, restored.entries[a.ID].AccessCount)
	restored.mu.Unlock()
}

func TestImportSkipsValuesMissingFromArena(t *testing.T) {
	m := newTestManager(t, nil)
	arena := capability.NewArena(nil)
	v := arena.CreateUserInput("one", "alice")
	require.NoError(t, m.StoreValue(v, nil))

	data, err := m.ExportState()
	require.NoError(t, err)

	empty := capability.NewArena(nil)
	restored := newTestManager(t, nil)
	require.NoError(t, restored.ImportState(data, empty))
	assert.Equal(t, 0, restored.Len())
}

func TestBackgroundCompactionStops(t *testing.T) {
	m := newTestManager(t, &Config{CompactionInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()
	m.Cleanup()
	assert.Equal(t, 0, m.Len())
}
