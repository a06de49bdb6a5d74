package memstore

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/normanking/warden/internal/capability"
)

// exportedEntry carries an entry's metrics; the value itself is
// rehydrated from the arena on import, which remains the owner of value
// state.
type exportedEntry struct {
	ValueID        string    `yaml:"value_id"`
	AccessCount    int       `yaml:"access_count"`
	LastAccess     time.Time `yaml:"last_access"`
	StoredAt       time.Time `yaml:"stored_at"`
	RetentionScore int       `yaml:"retention_score"`
}

type state struct {
	Entries []exportedEntry `yaml:"entries"`
}

// ExportState serializes the store's entry metrics.
func (m *Manager) ExportState() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := state{Entries: make([]exportedEntry, 0, len(m.entries))}
	for id, e := range m.entries {
		st.Entries = append(st.Entries, exportedEntry{
			ValueID:        id,
			AccessCount:    e.AccessCount,
			LastAccess:     e.LastAccess,
			StoredAt:       e.StoredAt,
			RetentionScore: e.RetentionScore,
		})
	}
	return yaml.Marshal(&st)
}

// ImportState restores entries from exported metrics, rehydrating each
// value from the arena. Entries whose value no longer exists in the arena
// are skipped. Existing store contents are replaced.
func (m *Manager) ImportState(data []byte, arena *capability.Arena) error {
	var st state
	if err := yaml.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("memstore: decode state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]*Entry, len(st.Entries))
	m.totalBytes = 0
	skipped := 0
	for _, ee := range st.Entries {
		v, ok := arena.Get(ee.ValueID)
		if !ok {
			skipped++
			continue
		}
		blob := encodePayload(v.Payload)
		e := &Entry{
			Value:          v,
			AccessCount:    ee.AccessCount,
			LastAccess:     ee.LastAccess,
			StoredAt:       ee.StoredAt,
			SizeBytes:      len(blob),
			RetentionScore: ee.RetentionScore,
			blob:           blob,
		}
		m.entries[ee.ValueID] = e
		m.totalBytes += int64(e.SizeBytes)
	}
	if skipped > 0 {
		m.log.Warn("import skipped %d entries missing from the arena", skipped)
	}
	return nil
}
