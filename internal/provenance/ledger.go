package provenance

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/normanking/warden/internal/logging"
)

//go:embed migrations/001_provenance.sql
var ledgerSchema string

// Ledger is the SQLite-backed persistence for provenance records. It is
// optional: the Tracker is fully functional in memory; the ledger exists
// so audits survive process restarts.
type Ledger struct {
	db  *sql.DB
	log *logging.Logger
}

// OpenLedger opens (creating if needed) the ledger database at path and
// applies the schema. Use ":memory:" for an ephemeral ledger in tests.
func OpenLedger(path string, log *logging.Logger) (*Ledger, error) {
	if log == nil {
		log = logging.Global()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// Serialized writes; the ledger shares the tracker's single-writer model.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}

	return &Ledger{db: db, log: log.WithComponent("ledger")}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// SaveRecord persists one record, replacing any previous row with the same
// id.
func (l *Ledger) SaveRecord(ctx context.Context, rec *Record) error {
	sources, err := json.Marshal(rec.Sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	transformations, err := json.Marshal(rec.Transformations)
	if err != nil {
		return fmt.Errorf("encode transformations: %w", err)
	}
	parents, err := json.Marshal(rec.ParentIDs)
	if err != nil {
		return fmt.Errorf("encode parents: %w", err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO provenance_records
			(id, value_id, operation, actor, timestamp_ns, sources, transformations, parent_ids, metadata, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ValueID, rec.Operation, rec.Actor, rec.Timestamp.UnixNano(),
		string(sources), string(transformations), string(parents), string(metadata), rec.Digest,
	)
	if err != nil {
		return fmt.Errorf("save record %s: %w", rec.ID, err)
	}
	return nil
}

// SaveAll persists the tracker's current records in one transaction.
func (l *Ledger) SaveAll(ctx context.Context, t *Tracker) error {
	records := t.QueryProvenance(Filter{})

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO provenance_records
			(id, value_id, operation, actor, timestamp_ns, sources, transformations, parent_ids, metadata, digest)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare ledger insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		sources, _ := json.Marshal(rec.Sources)
		transformations, _ := json.Marshal(rec.Transformations)
		parents, _ := json.Marshal(rec.ParentIDs)
		metadata, _ := json.Marshal(rec.Metadata)
		if _, err := stmt.ExecContext(ctx,
			rec.ID, rec.ValueID, rec.Operation, rec.Actor, rec.Timestamp.UnixNano(),
			string(sources), string(transformations), string(parents), string(metadata), rec.Digest,
		); err != nil {
			return fmt.Errorf("save record %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	l.log.Debug("persisted %d provenance records", len(records))
	return nil
}

// LoadAll reads every persisted record, oldest first.
func (l *Ledger) LoadAll(ctx context.Context) ([]*Record, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, value_id, operation, actor, timestamp_ns, sources, transformations, parent_ids, metadata, digest
		FROM provenance_records
		ORDER BY timestamp_ns ASC`)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var (
			rec                                       Record
			tsNano                                    int64
			sources, transformations, parents, metadata string
		)
		if err := rows.Scan(&rec.ID, &rec.ValueID, &rec.Operation, &rec.Actor, &tsNano,
			&sources, &transformations, &parents, &metadata, &rec.Digest); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Timestamp = time.Unix(0, tsNano)
		if err := json.Unmarshal([]byte(sources), &rec.Sources); err != nil {
			return nil, fmt.Errorf("decode sources for %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(transformations), &rec.Transformations); err != nil {
			return nil, fmt.Errorf("decode transformations for %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(parents), &rec.ParentIDs); err != nil {
			return nil, fmt.Errorf("decode parents for %s: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", rec.ID, err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Restore loads persisted records into a fresh tracker.
func (l *Ledger) Restore(ctx context.Context, t *Tracker) error {
	records, err := l.LoadAll(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range records {
		if len(t.records) >= t.max {
			t.evictOldestLocked()
		}
		t.records[rec.ID] = rec
		t.byValue[rec.ValueID] = append(t.byValue[rec.ValueID], rec.ID)
	}
	return nil
}
