package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    metric TEXT NOT NULL,
    status TEXT NOT NULL,
    total_time REAL NOT NULL DEFAULT 0,
    world_size INTEGER NOT NULL DEFAULT 1,
    timestamp TEXT NOT NULL,
    record TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_metric ON results(metric, id);
CREATE INDEX IF NOT EXISTS idx_results_run ON results(run_id);
`

// Index is a sqlite mirror of the results log for querying across runs.
type Index struct {
	db *sql.DB
}

// OpenIndex opens or creates the index at path.
func OpenIndex(path string) (*Index, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "create index directory")
		}
	}

	dsn := path
	if !strings.Contains(dsn, "_busy_timeout") {
		if strings.Contains(dsn, "?") {
			dsn += "&_busy_timeout=5000"
		} else {
			dsn += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open results index")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create results table")
	}
	return &Index{db: db}, nil
}

// Insert adds rec.
func (x *Index) Insert(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode result")
	}
	_, err = x.db.ExecContext(ctx,
		`INSERT INTO results (run_id, metric, status, total_time, world_size, timestamp, record)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Metric, string(rec.Status), rec.TotalTime, rec.WorldSize,
		rec.Timestamp.Format(time.RFC3339Nano), string(data))
	if err != nil {
		return errors.Wrap(err, "insert result")
	}
	return nil
}

// Metrics lists the distinct metric names, sorted.
func (x *Index) Metrics(ctx context.Context) ([]string, error) {
	rows, err := x.db.QueryContext(ctx, `SELECT DISTINCT metric FROM results ORDER BY metric`)
	if err != nil {
		return nil, errors.Wrap(err, "query metrics")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "scan metric")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Records returns matching records in insertion order.
func (x *Index) Records(ctx context.Context, q Query) ([]Record, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.Metric != "" {
		where = append(where, "metric = ?")
		args = append(args, q.Metric)
	}
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}

	stmt := "SELECT record FROM results"
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY id DESC"
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := x.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query results")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, "scan result")
		}
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, errors.Wrap(err, "decode result")
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close closes the database.
func (x *Index) Close() error {
	if x.db != nil {
		return x.db.Close()
	}
	return nil
}

var _ Store = (*Index)(nil)
