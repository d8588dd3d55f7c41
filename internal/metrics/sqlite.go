package metrics

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
)

// EnsureSchema creates the metrics table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS metrics (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  category TEXT NOT NULL,
  name TEXT NOT NULL,
  value TEXT NOT NULL,
  recorded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_metrics_category_name ON metrics(category, name, recorded_at);
`
	_, err := db.Exec(schema)
	return err
}

// Sample is one recorded metric value.
type Sample struct {
	Category   string    `json:"category"`
	Name       string    `json:"name"`
	Value      any       `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// SQLiteRecorder persists metrics to a SQLite table. Writes are synchronous
// but failures are only logged; the recorder never propagates errors.
type SQLiteRecorder struct{ db *sql.DB }

func NewSQLiteRecorder(db *sql.DB) *SQLiteRecorder { return &SQLiteRecorder{db: db} }

func (r *SQLiteRecorder) Record(category, name string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		raw = []byte(`null`)
	}
	_, err = r.db.Exec(`
INSERT INTO metrics (category, name, value, recorded_at) VALUES (?,?,?,CURRENT_TIMESTAMP)
`, category, name, string(raw))
	if err != nil {
		log.Debug().Err(err).Str("category", category).Str("name", name).Msg("metric write failed")
	}
}

// Recent returns the newest samples for a category, newest first.
func (r *SQLiteRecorder) Recent(category string, limit int) ([]Sample, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
SELECT category, name, value, recorded_at
FROM metrics WHERE category=? ORDER BY recorded_at DESC, id DESC LIMIT ?`, category, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var s Sample
		var raw string
		if err := rows.Scan(&s.Category, &s.Name, &raw, &s.RecordedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(raw), &s.Value)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
