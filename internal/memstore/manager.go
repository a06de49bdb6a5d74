// Package memstore is the bounded store of live values. It tracks access
// metrics per entry, evicts on multi-factor retention scoring, and runs an
// optional periodic light compaction that serializes with foreground
// mutation behind the manager mutex.
package memstore

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/normanking/warden/internal/capability"
	"github.com/normanking/warden/internal/logging"
	"github.com/normanking/warden/pkg/types"
)

// Defaults for the store budgets.
const (
	DefaultMaxValues          = 1000
	DefaultMaxBytes           = 64 << 20 // 64 MiB
	DefaultCompactionInterval = time.Minute
)

// Entry is a stored value plus its mutable metrics.
type Entry struct {
	Value *capability.Value

	AccessCount    int
	LastAccess     time.Time
	StoredAt       time.Time
	SizeBytes      int
	RetentionScore int

	// blob is the serialized payload used for size accounting and
	// export; compressed marks it as gzip data.
	blob       []byte
	compressed bool
}

// CompactionTier selects how aggressively CompactMemory evicts.
type CompactionTier string

const (
	TierLight      CompactionTier = "light"
	TierMedium     CompactionTier = "medium"
	TierAggressive CompactionTier = "aggressive"
)

// tierThresholds maps a tier to its age and minimum-access-count cutoffs.
// An entry is evicted only when it is older than the age threshold AND has
// fewer accesses than the access threshold.
type tierThresholds struct {
	maxAge    time.Duration
	minAccess int
}

var tiers = map[CompactionTier]tierThresholds{
	TierLight:      {maxAge: time.Hour, minAccess: 2},
	TierMedium:     {maxAge: 15 * time.Minute, minAccess: 3},
	TierAggressive: {maxAge: time.Minute, minAccess: 5},
}

// RetentionPolicy can veto eviction of an entry regardless of its age and
// usage metrics.
type RetentionPolicy struct {
	Name    string
	Protect func(*Entry) bool
}

// Config configures the memory manager.
type Config struct {
	// MaxValues bounds the entry count; 0 uses DefaultMaxValues.
	MaxValues int
	// MaxBytes bounds the total serialized size; 0 uses DefaultMaxBytes.
	MaxBytes int64
	// CompactionInterval is the period of the background light
	// compaction; 0 uses DefaultCompactionInterval.
	CompactionInterval time.Duration
	// Compression enables best-effort payload blob compression.
	Compression bool
	// CompressionTimeout bounds a single compression attempt.
	CompressionTimeout time.Duration

	Logger *logging.Logger
}

// Stats summarizes the store.
type Stats struct {
	Count      int       `json:"count" yaml:"count"`
	TotalBytes int64     `json:"total_bytes" yaml:"total_bytes"`
	Oldest     time.Time `json:"oldest,omitempty" yaml:"oldest,omitempty"`
	Newest     time.Time `json:"newest,omitempty" yaml:"newest,omitempty"`
	AvgSize    float64   `json:"avg_size" yaml:"avg_size"`
	HitRate    float64   `json:"hit_rate" yaml:"hit_rate"`
}

// Manager is the bounded value store. All mutation, including the
// background compaction tick, serializes behind mu.
type Manager struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	totalBytes int64
	hits       uint64
	misses     uint64
	policies   []RetentionPolicy

	cfg    Config
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *logging.Logger
}

// NewManager creates a memory manager. The background compaction task is
// not started until Start is called; the host application owns its
// lifecycle.
func NewManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	if c.MaxValues <= 0 {
		c.MaxValues = DefaultMaxValues
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = DefaultMaxBytes
	}
	if c.CompactionInterval <= 0 {
		c.CompactionInterval = DefaultCompactionInterval
	}
	if c.CompressionTimeout <= 0 {
		c.CompressionTimeout = 2 * time.Second
	}
	log := c.Logger
	if log == nil {
		log = logging.Global()
	}
	return &Manager{
		entries: make(map[string]*Entry),
		cfg:     c,
		log:     log.WithComponent("memstore"),
	}
}

// Start launches the periodic light compaction task. It stops when ctx is
// cancelled or Cleanup is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CompactionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := m.CompactMemory(TierLight); n > 0 {
					m.log.Debug("background compaction evicted %d entries", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ═══════════════════════════════════════════════════════════════════════════════
// STORE / GET
// ═══════════════════════════════════════════════════════════════════════════════

// StoreValue inserts a value, or bumps its access metrics if it is
// already present. When the store is over its byte or count budget the
// limits are enforced before inserting.
func (m *Manager) StoreValue(v *capability.Value, uctx *types.UserContext) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("memstore: value must have an id")
	}

	m.mu.Lock()
	if e, ok := m.entries[v.ID]; ok {
		e.AccessCount++
		e.LastAccess = time.Now()
		m.mu.Unlock()
		return nil
	}

	blob := encodePayload(v.Payload)
	if m.totalBytes+int64(len(blob)) > m.cfg.MaxBytes || len(m.entries)+1 > m.cfg.MaxValues {
		m.enforceLimitsLocked(int64(len(blob)))
	}

	now := time.Now()
	e := &Entry{
		Value:          v,
		AccessCount:    1,
		LastAccess:     now,
		StoredAt:       now,
		SizeBytes:      len(blob),
		RetentionScore: retentionScore(v, uctx),
		blob:           blob,
	}
	m.entries[v.ID] = e
	m.totalBytes += int64(e.SizeBytes)
	m.mu.Unlock()

	if m.cfg.Compression {
		m.compressAsync(v.ID)
	}
	return nil
}

// GetValue returns the stored value and bumps its access metrics.
func (m *Manager) GetValue(id string) (*capability.Value, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		m.misses++
		return nil, false
	}
	m.hits++
	e.AccessCount++
	e.LastAccess = time.Now()
	return e.Value, true
}

// Contains reports presence without touching access metrics.
func (m *Manager) Contains(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[id]
	return ok
}

// retentionScore computes the initial keep-longer score: +2 if sensitive,
// +3 if any source is user-tagged, +1 if the value has dependencies, +1
// if created under a high-trust context.
func retentionScore(v *capability.Value, uctx *types.UserContext) int {
	score := 0
	if v.Capabilities.Sensitive {
		score += 2
	}
	if v.Capabilities.HasSourceDeep(capability.SourceUser) {
		score += 3
	}
	if len(v.Dependencies) > 0 {
		score++
	}
	if uctx != nil && uctx.TrustLevel.AtLeast(types.TrustHigh) {
		score++
	}
	return score
}

// ═══════════════════════════════════════════════════════════════════════════════
// EVICTION
// ═══════════════════════════════════════════════════════════════════════════════

// AddRetentionPolicy registers a policy that can veto eviction.
func (m *Manager) AddRetentionPolicy(p RetentionPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies = append(m.policies, p)
}

// CompactMemory evicts entries that exceed the tier's age threshold AND
// fall below its access threshold AND are not protected by any retention
// policy. Returns the number of evicted entries.
func (m *Manager) CompactMemory(tier CompactionTier) int {
	th, ok := tiers[tier]
	if !ok {
		th = tiers[TierLight]
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compactLocked(th)
}

func (m *Manager) compactLocked(th tierThresholds) int {
	now := time.Now()
	evicted := 0
	for id, e := range m.entries {
		if now.Sub(e.StoredAt) <= th.maxAge {
			continue
		}
		if e.AccessCount >= th.minAccess {
			continue
		}
		if m.protectedLocked(e) {
			continue
		}
		m.dropLocked(id, e)
		evicted++
	}
	return evicted
}

// protectedLocked runs the retention policies; any veto wins.
func (m *Manager) protectedLocked(e *Entry) bool {
	for _, p := range m.policies {
		if p.Protect != nil && p.Protect(e) {
			return true
		}
	}
	return false
}

func (m *Manager) dropLocked(id string, e *Entry) {
	delete(m.entries, id)
	m.totalBytes -= int64(e.SizeBytes)
}

// EnforceMemoryLimits brings the store back within its budgets: over the
// byte budget it runs aggressive compaction first; if still over either
// budget it ranks the remaining entries by retention score weighted by
// recency-adjusted access frequency and inverse log size, evicting the
// lowest-scoring entries until within budget.
func (m *Manager) EnforceMemoryLimits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enforceLimitsLocked(0)
}

func (m *Manager) enforceLimitsLocked(incoming int64) int {
	evicted := 0
	if m.totalBytes+incoming > m.cfg.MaxBytes {
		evicted += m.compactLocked(tiers[TierAggressive])
	}

	if m.totalBytes+incoming <= m.cfg.MaxBytes && len(m.entries) < m.cfg.MaxValues {
		return evicted
	}

	type scored struct {
		id    string
		entry *Entry
		score float64
	}
	ranked := make([]scored, 0, len(m.entries))
	for id, e := range m.entries {
		if m.protectedLocked(e) {
			continue
		}
		ranked = append(ranked, scored{id: id, entry: e, score: evictionScore(e)})
	}
	// Lowest score evicts first.
	for i := 0; i < len(ranked); i++ {
		for j := i + 1; j < len(ranked); j++ {
			if ranked[j].score < ranked[i].score {
				ranked[i], ranked[j] = ranked[j], ranked[i]
			}
		}
	}

	for _, s := range ranked {
		if m.totalBytes+incoming <= m.cfg.MaxBytes && len(m.entries) < m.cfg.MaxValues {
			break
		}
		m.dropLocked(s.id, s.entry)
		evicted++
	}
	if evicted > 0 {
		m.log.Debug("limit enforcement evicted %d entries, %d remain", evicted, len(m.entries))
	}
	return evicted
}

// evictionScore ranks entries for limit enforcement:
// retentionScore × recency-weighted access frequency × 1/log(size+1).
func evictionScore(e *Entry) float64 {
	idleMinutes := time.Since(e.LastAccess).Minutes()
	freq := float64(e.AccessCount) / (1 + idleMinutes)
	return float64(e.RetentionScore+1) * freq / math.Log(float64(e.SizeBytes)+2)
}

// ═══════════════════════════════════════════════════════════════════════════════
// STATS / LIFECYCLE
// ═══════════════════════════════════════════════════════════════════════════════

// GetStats returns store statistics.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{Count: len(m.entries), TotalBytes: m.totalBytes}
	for _, e := range m.entries {
		if st.Oldest.IsZero() || e.StoredAt.Before(st.Oldest) {
			st.Oldest = e.StoredAt
		}
		if e.StoredAt.After(st.Newest) {
			st.Newest = e.StoredAt
		}
	}
	if st.Count > 0 {
		st.AvgSize = float64(st.TotalBytes) / float64(st.Count)
	}
	if total := m.hits + m.misses; total > 0 {
		st.HitRate = float64(m.hits) / float64(total)
	}
	return st
}

// Len returns the number of stored entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Cleanup stops the background task and clears all state.
func (m *Manager) Cleanup() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Entry)
	m.totalBytes = 0
	m.hits = 0
	m.misses = 0
}
