package metrics

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS TYPES
// ═══════════════════════════════════════════════════════════════════════════════

// RequestMetric records the terminal outcome of a single routed request.
type RequestMetric struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"request_id"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DailyStats contains aggregated outcomes for a single day.
type DailyStats struct {
	Date          string  `json:"date"` // YYYY-MM-DD
	TotalRequests int64   `json:"total_requests"`
	Completed     int64   `json:"completed"`
	Blocked       int64   `json:"blocked"`
	Failed        int64   `json:"failed"`
	BlockRate     float64 `json:"block_rate"`
}

// ═══════════════════════════════════════════════════════════════════════════════
// STORE
// ═══════════════════════════════════════════════════════════════════════════════

// Store persists request outcomes to SQLite so block rates survive
// process restarts.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	requestCount int64
	blockedCount int64
}

// OpenStore opens (creating if needed) the metrics database at path.
// Use ":memory:" for an ephemeral store in tests.
func OpenStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create metrics directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metrics database: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS request_outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			state TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_outcomes_created ON request_outcomes(created_at);
		CREATE INDEX IF NOT EXISTS idx_outcomes_state ON request_outcomes(state);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply metrics schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRequest persists one request outcome.
func (s *Store) RecordRequest(m *RequestMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	res, err := s.db.Exec(`
		INSERT INTO request_outcomes (request_id, state, detail, created_at)
		VALUES (?, ?, ?, ?)
	`, m.RequestID, m.State, m.Detail, created.Format("2006-01-02 15:04:05"))
	if err != nil {
		return fmt.Errorf("record request outcome: %w", err)
	}

	m.ID, _ = res.LastInsertId()
	s.requestCount++
	if m.State == "BLOCKED" {
		s.blockedCount++
	}
	return nil
}

// GetDailyStats returns aggregated outcomes for the given day (YYYY-MM-DD).
func (s *Store) GetDailyStats(date string) (*DailyStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &DailyStats{Date: date}
	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       SUM(CASE WHEN state = 'COMPLETED' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN state = 'BLOCKED' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN state = 'FAILED' THEN 1 ELSE 0 END)
		FROM request_outcomes
		WHERE date(created_at) = ?
	`, date).Scan(&stats.TotalRequests, &nullInt{&stats.Completed}, &nullInt{&stats.Blocked}, &nullInt{&stats.Failed})
	if err != nil {
		return nil, fmt.Errorf("query daily stats: %w", err)
	}

	if stats.TotalRequests > 0 {
		stats.BlockRate = float64(stats.Blocked) / float64(stats.TotalRequests) * 100
	}
	return stats, nil
}

// GetTodayStats returns stats for today.
func (s *Store) GetTodayStats() (*DailyStats, error) {
	return s.GetDailyStats(time.Now().Format("2006-01-02"))
}

// GetRecentRequests returns the most recent N request outcomes.
func (s *Store) GetRecentRequests(limit int) ([]RequestMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, request_id, state, detail, created_at
		FROM request_outcomes
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []RequestMetric
	for rows.Next() {
		var m RequestMetric
		var detail sql.NullString
		var created string
		if err := rows.Scan(&m.ID, &m.RequestID, &m.State, &detail, &created); err != nil {
			return nil, err
		}
		if detail.Valid {
			m.Detail = detail.String
		}
		m.CreatedAt, _ = time.Parse("2006-01-02 15:04:05", created)
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

// nullInt scans a nullable aggregate into an int64, treating NULL as 0.
type nullInt struct {
	v *int64
}

func (n *nullInt) Scan(src any) error {
	if src == nil {
		*n.v = 0
		return nil
	}
	switch x := src.(type) {
	case int64:
		*n.v = x
	case float64:
		*n.v = int64(x)
	default:
		return fmt.Errorf("unexpected aggregate type %T", src)
	}
	return nil
}
