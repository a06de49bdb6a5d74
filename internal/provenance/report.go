package provenance

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// GenerateLineageReport produces a human-readable chronological summary of
// a value's provenance chain.
func (t *Tracker) GenerateLineageReport(valueID string) string {
	chain := t.GetProvenanceChain(valueID)

	var b strings.Builder
	fmt.Fprintf(&b, "Lineage report for value %s\n", valueID)
	if len(chain) == 0 {
		b.WriteString("  no records\n")
		return b.String()
	}

	fmt.Fprintf(&b, "  %d record(s), %s .. %s\n\n",
		len(chain),
		chain[0].Timestamp.Format("2006-01-02 15:04:05.000"),
		chain[len(chain)-1].Timestamp.Format("2006-01-02 15:04:05.000"))

	for i, rec := range chain {
		fmt.Fprintf(&b, "  %2d. [%s] %s by %s (value %s)\n",
			i+1, rec.Timestamp.Format("15:04:05.000"), rec.Operation, rec.Actor, rec.ValueID)
		if len(rec.Sources) > 0 {
			parts := make([]string, len(rec.Sources))
			for j, s := range rec.Sources {
				parts[j] = s.String()
			}
			fmt.Fprintf(&b, "      sources: %s\n", strings.Join(parts, ", "))
		}
		if len(rec.Transformations) > 0 {
			fmt.Fprintf(&b, "      transformations: %s\n", strings.Join(rec.Transformations, " → "))
		}
		if len(rec.ParentIDs) > 0 {
			fmt.Fprintf(&b, "      parents: %d\n", len(rec.ParentIDs))
		}
	}
	return b.String()
}

// state is the structural serialization of the ledger.
type state struct {
	Records []*Record `yaml:"records"`
}

// ExportState serializes the ledger structurally. Adequate for process
// restart or debugging; not a cross-version wire format.
func (t *Tracker) ExportState() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := state{Records: make([]*Record, 0, len(t.records))}
	for _, rec := range t.records {
		st.Records = append(st.Records, rec)
	}
	// Oldest first keeps the export stable and readable.
	sortRecords(st.Records)
	return yaml.Marshal(&st)
}

// ImportState replaces the ledger content with a previously exported
// state. Records beyond the configured bound are dropped oldest-first.
func (t *Tracker) ImportState(data []byte) error {
	var st state
	if err := yaml.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("provenance: decode state: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = make(map[string]*Record, len(st.Records))
	t.byValue = make(map[string][]string)

	sortRecords(st.Records)
	start := 0
	if len(st.Records) > t.max {
		start = len(st.Records) - t.max
	}
	for _, rec := range st.Records[start:] {
		if rec == nil || rec.ID == "" {
			continue
		}
		t.records[rec.ID] = rec
		t.byValue[rec.ValueID] = append(t.byValue[rec.ValueID], rec.ID)
	}
	return nil
}

func sortRecords(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.Before(records[j].Timestamp)
		}
		return records[i].ID < records[j].ID
	})
}
