// Package provenance keeps the append-only audit ledger of Warden: one
// record per operation on a value, linked to the records of the value's
// dependencies. Records carry a blake2b digest chained through their
// parents, so tampering with a stored record is detectable.
package provenance

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/normanking/warden/internal/capability"
	"github.com/normanking/warden/internal/logging"
)

// DefaultMaxRecords bounds the in-memory ledger.
const DefaultMaxRecords = 10000

// Record is one audit-ledger entry linking a value to the operation and
// actor that produced it, with a snapshot of the value's provenance at
// record time.
type Record struct {
	ID        string    `yaml:"id" json:"id"`
	ValueID   string    `yaml:"value_id" json:"value_id"`
	Operation string    `yaml:"operation" json:"operation"`
	Timestamp time.Time `yaml:"timestamp" json:"timestamp"`
	Actor     string    `yaml:"actor" json:"actor"`

	// Sources and Transformations snapshot the value's capabilities at
	// record time; the value itself may gain further derivations later.
	Sources         []capability.Source `yaml:"sources,omitempty" json:"sources,omitempty"`
	Transformations []string            `yaml:"transformations,omitempty" json:"transformations,omitempty"`

	// ParentIDs are the ids of records already associated with the
	// value's dependencies.
	ParentIDs []string `yaml:"parent_ids,omitempty" json:"parent_ids,omitempty"`

	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// Digest is the hex blake2b-256 over the record's identity fields and
	// its sorted parent digests.
	Digest string `yaml:"digest" json:"digest"`
}

// Config configures the tracker.
type Config struct {
	// MaxRecords bounds the ledger; 0 uses DefaultMaxRecords.
	MaxRecords int

	Logger *logging.Logger
}

// Tracker is the process-wide provenance ledger. All mutation serializes
// behind a single mutex to preserve record ordering.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*Record
	byValue map[string][]string // value id -> record ids, oldest first
	max     int

	checks []AuditCheck
	log    *logging.Logger
}

// NewTracker creates a ledger with the default audit checks registered.
func NewTracker(cfg *Config) *Tracker {
	if cfg == nil {
		cfg = &Config{}
	}
	max := cfg.MaxRecords
	if max <= 0 {
		max = DefaultMaxRecords
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Global()
	}
	return &Tracker{
		records: make(map[string]*Record),
		byValue: make(map[string][]string),
		max:     max,
		checks:  defaultAuditChecks(),
		log:     log.WithComponent("provenance"),
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// RECORDING
// ═══════════════════════════════════════════════════════════════════════════════

// RecordOperation appends a record for the given value and operation. The
// new record's parents are the records already associated with the value's
// dependencies, deduplicated. When the ledger is at capacity the single
// oldest record is evicted first.
func (t *Tracker) RecordOperation(v *capability.Value, operation, actor string, metadata map[string]any) (*Record, error) {
	if v == nil || v.ID == "" {
		return nil, fmt.Errorf("provenance: value must have an id")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	parentSeen := make(map[string]struct{})
	var parents []string
	for _, depID := range v.Dependencies {
		for _, recID := range t.byValue[depID] {
			if _, ok := parentSeen[recID]; ok {
				continue
			}
			parentSeen[recID] = struct{}{}
			parents = append(parents, recID)
		}
	}

	rec := &Record{
		ID:              uuid.NewString(),
		ValueID:         v.ID,
		Operation:       operation,
		Timestamp:       time.Now(),
		Actor:           actor,
		Sources:         append([]capability.Source(nil), v.Capabilities.Sources...),
		Transformations: append([]string(nil), v.Capabilities.Transformations...),
		ParentIDs:       parents,
		Metadata:        metadata,
	}
	rec.Digest = t.digestLocked(rec)

	if len(t.records) >= t.max {
		t.evictOldestLocked()
	}

	t.records[rec.ID] = rec
	t.byValue[v.ID] = append(t.byValue[v.ID], rec.ID)
	t.log.Debug("recorded operation=%s value=%s actor=%s parents=%d", operation, v.ID, actor, len(parents))
	return rec, nil
}

// evictOldestLocked removes the single oldest record by timestamp.
func (t *Tracker) evictOldestLocked() {
	var oldest *Record
	for _, rec := range t.records {
		if oldest == nil || rec.Timestamp.Before(oldest.Timestamp) {
			oldest = rec
		}
	}
	if oldest == nil {
		return
	}
	delete(t.records, oldest.ID)
	t.byValue[oldest.ValueID] = removeID(t.byValue[oldest.ValueID], oldest.ID)
	if len(t.byValue[oldest.ValueID]) == 0 {
		delete(t.byValue, oldest.ValueID)
	}
}

// digestLocked computes the blake2b-256 digest over the record's identity
// fields and the sorted digests of its parents.
func (t *Tracker) digestLocked(rec *Record) string {
	parentDigests := make([]string, 0, len(rec.ParentIDs))
	for _, pid := range rec.ParentIDs {
		if parent, ok := t.records[pid]; ok {
			parentDigests = append(parentDigests, parent.Digest)
		}
	}
	sort.Strings(parentDigests)

	var b strings.Builder
	b.WriteString(rec.ID)
	b.WriteByte('|')
	b.WriteString(rec.ValueID)
	b.WriteByte('|')
	b.WriteString(rec.Operation)
	b.WriteByte('|')
	b.WriteString(rec.Actor)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(rec.Timestamp.UnixNano(), 10))
	for _, d := range parentDigests {
		b.WriteByte('|')
		b.WriteString(d)
	}
	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// VerifyChain recomputes the digest of every record in a value's chain and
// reports the first mismatch. A nil error means the chain is intact.
func (t *Tracker) VerifyChain(valueID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, rec := range t.chainLocked(valueID) {
		if got := t.digestLocked(rec); got != rec.Digest {
			return fmt.Errorf("provenance: record %s for value %s fails digest verification", rec.ID, rec.ValueID)
		}
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// QUERIES
// ═══════════════════════════════════════════════════════════════════════════════

// GetProvenanceChain returns every record reachable from the value's
// records through parent links, sorted ascending by timestamp.
func (t *Tracker) GetProvenanceChain(valueID string) []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chainLocked(valueID)
}

func (t *Tracker) chainLocked(valueID string) []*Record {
	visited := make(map[string]struct{})
	var out []*Record

	var walk func(ids []string)
	walk = func(ids []string) {
		for _, id := range ids {
			if _, ok := visited[id]; ok {
				continue
			}
			visited[id] = struct{}{}
			rec, ok := t.records[id]
			if !ok {
				continue
			}
			out = append(out, rec)
			walk(rec.ParentIDs)
		}
	}
	walk(t.byValue[valueID])

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Filter selects records for Query. Zero fields match everything.
type Filter struct {
	ValueID           string
	OperationContains string
	Actor             string
	SourceKind        capability.SourceKind
	Since             time.Time
	Until             time.Time

	// ExpandTransitive includes the full parent closure of every match.
	ExpandTransitive bool
}

// QueryProvenance returns records matching the filter, ascending by
// timestamp.
func (t *Tracker) QueryProvenance(f Filter) []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	matched := make(map[string]*Record)
	for _, rec := range t.records {
		if !f.matches(rec) {
			continue
		}
		matched[rec.ID] = rec
	}

	if f.ExpandTransitive {
		var expand func(ids []string)
		expand = func(ids []string) {
			for _, id := range ids {
				rec, ok := t.records[id]
				if !ok {
					continue
				}
				if _, done := matched[id]; done {
					continue
				}
				matched[id] = rec
				expand(rec.ParentIDs)
			}
		}
		for _, rec := range matched {
			expand(rec.ParentIDs)
		}
	}

	out := make([]*Record, 0, len(matched))
	for _, rec := range matched {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (f *Filter) matches(rec *Record) bool {
	if f.ValueID != "" && rec.ValueID != f.ValueID {
		return false
	}
	if f.OperationContains != "" && !strings.Contains(rec.Operation, f.OperationContains) {
		return false
	}
	if f.Actor != "" && rec.Actor != f.Actor {
		return false
	}
	if f.SourceKind != "" {
		found := false
		for _, s := range rec.Sources {
			if s.HasKindDeep(f.SourceKind) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// ClearOldRecords purges records older than maxAge and returns the number
// removed.
func (t *Tracker) ClearOldRecords(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, rec := range t.records {
		if rec.Timestamp.Before(cutoff) {
			delete(t.records, id)
			t.byValue[rec.ValueID] = removeID(t.byValue[rec.ValueID], id)
			if len(t.byValue[rec.ValueID]) == 0 {
				delete(t.byValue, rec.ValueID)
			}
			removed++
		}
	}
	return removed
}

// Len returns the number of stored records.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

func removeID(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
