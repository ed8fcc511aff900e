// Package results persists metric outcomes: one JSON line per metric and run
// in <run_dir>/metric-<name>.jsonl, optionally mirrored into a sqlite index.
package results

import (
	"context"
	"time"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/metrics"
)

// Status is the outcome of one metric in a run.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Record is one line of the results log.
type Record struct {
	RunID      string                   `json:"run_id"`
	Metric     string                   `json:"metric"`
	Status     Status                   `json:"status"`
	Error      string                   `json:"error,omitempty"`
	Results    map[string]float64       `json:"results"`
	Neighbours []metrics.NeighbourGroup `json:"neighbours,omitempty"`
	Synthetic  string                   `json:"synthetic"`
	Real       string                   `json:"real"`
	WorldSize  int                      `json:"world_size"`
	// TotalTime is in seconds.
	TotalTime    float64   `json:"total_time"`
	TotalTimeStr string    `json:"total_time_str"`
	Timestamp    time.Time `json:"timestamp"`
}

// Source describes the datasets and topology of a run.
type Source struct {
	RunID     string
	Synthetic string
	Real      string
	WorldSize int
}

// NewRecord builds the record of a computed metric.
func NewRecord(src Source, res *metrics.Result, elapsed time.Duration) Record {
	rec := newRecord(src, res.Kind.String(), StatusOK, elapsed)
	rec.Results = res.Values
	rec.Neighbours = res.Neighbours
	return rec
}

// FailedRecord builds the record of a metric that failed or was skipped.
func FailedRecord(src Source, metric string, status Status, err error, elapsed time.Duration) Record {
	rec := newRecord(src, metric, status, elapsed)
	rec.Results = map[string]float64{}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

func newRecord(src Source, metric string, status Status, elapsed time.Duration) Record {
	return Record{
		RunID:        src.RunID,
		Metric:       metric,
		Status:       status,
		Synthetic:    src.Synthetic,
		Real:         src.Real,
		WorldSize:    src.WorldSize,
		TotalTime:    elapsed.Seconds(),
		TotalTimeStr: elapsed.Round(time.Millisecond).String(),
		Timestamp:    time.Now().UTC(),
	}
}

// Query selects records. Zero fields match everything; Limit keeps the most
// recent records.
type Query struct {
	Metric string
	RunID  string
	Status Status
	Limit  int
}

func (q Query) matches(rec Record) bool {
	if q.Metric != "" && rec.Metric != q.Metric {
		return false
	}
	if q.RunID != "" && rec.RunID != q.RunID {
		return false
	}
	if q.Status != "" && rec.Status != q.Status {
		return false
	}
	return true
}

// Store reads persisted records.
type Store interface {
	// Metrics lists the metric names that have records.
	Metrics(ctx context.Context) ([]string, error)
	// Records returns matching records, oldest first.
	Records(ctx context.Context, q Query) ([]Record, error)
}
