package results

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/observability"
)

const (
	filePrefix = "metric-"
	fileSuffix = ".jsonl"
	// IndexFileName is the sqlite index inside the run directory.
	IndexFileName = "results.db"
)

// Options configures a Log.
type Options struct {
	// SQLite mirrors every record into <dir>/results.db.
	SQLite bool
	Logger *observability.Logger
}

// Log appends records to per-metric JSONL files in one directory.
type Log struct {
	dir    string
	index  *Index
	logger *observability.Logger

	mu sync.Mutex
}

// Open creates dir if needed and opens the log in it.
func Open(dir string, opts Options) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create results directory %s", dir)
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	l := &Log{dir: dir, logger: logger.WithField("component", "results")}
	if opts.SQLite {
		index, err := OpenIndex(filepath.Join(dir, IndexFileName))
		if err != nil {
			return nil, err
		}
		l.index = index
	}
	return l, nil
}

// Dir returns the directory of the log.
func (l *Log) Dir() string { return l.dir }

// Index returns the sqlite index, or nil when disabled.
func (l *Log) Index() *Index { return l.index }

// Path returns the file holding the records of metric.
func (l *Log) Path(metric string) string {
	return filepath.Join(l.dir, filePrefix+metric+fileSuffix)
}

// Append writes rec as one line of its metric file and mirrors it into the
// index. The line is written with a single write call.
func (l *Log) Append(ctx context.Context, rec Record) error {
	if rec.Metric == "" || strings.ContainsAny(rec.Metric, `/\`) {
		return errors.Errorf("invalid metric name %q", rec.Metric)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode result")
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.Path(rec.Metric), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open results file")
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return errors.Wrap(err, "write results file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close results file")
	}

	if l.index != nil {
		if err := l.index.Insert(ctx, rec); err != nil {
			return err
		}
	}
	l.logger.Debug("Recorded result", map[string]interface{}{"metric": rec.Metric, "status": string(rec.Status)})
	return nil
}

// Metrics lists the metrics with a results file, sorted by name.
func (l *Log) Metrics(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, errors.Wrap(err, "list results files")
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		names = append(names, strings.TrimSuffix(strings.TrimPrefix(base, filePrefix), fileSuffix))
	}
	sort.Strings(names)
	return names, nil
}

// Records reads matching records, oldest first. Lines that do not decode are
// skipped with a warning.
func (l *Log) Records(ctx context.Context, q Query) ([]Record, error) {
	names := []string{q.Metric}
	if q.Metric == "" {
		var err error
		if names, err = l.Metrics(ctx); err != nil {
			return nil, err
		}
	}

	var out []Record
	for _, name := range names {
		recs, err := l.readFile(l.Path(name))
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if q.matches(rec) {
				out = append(out, rec)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func (l *Log) readFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open results file")
	}
	defer f.Close()

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			l.logger.Warn("Skipping malformed result line", map[string]interface{}{
				"file": filepath.Base(path),
				"line": lineNo,
			})
			continue
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	return out, nil
}

// Close closes the index.
func (l *Log) Close() error {
	if l.index != nil {
		return l.index.Close()
	}
	return nil
}

var _ Store = (*Log)(nil)
