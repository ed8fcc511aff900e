package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/therealutkarshpriyadarshi/synthmetrics/pkg/observability"
)

// ErrNotFound is returned by a Backend when no entry exists for a key.
var ErrNotFound = errors.New("cache entry not found")

// Backend persists opaque cache entries by key.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Put must be atomic: a reader never observes a partially written entry.
	Put(ctx context.Context, key string, data []byte) error
	Close() error
}

// FileBackend stores one file per key in a directory shared by all ranks.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create cache directory %s", dir)
	}
	return &FileBackend{dir: dir}, nil
}

// Path returns the file holding key.
func (b *FileBackend) Path(key string) string {
	return filepath.Join(b.dir, key+".msgpack")
}

// Get reads the entry for key.
func (b *FileBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.Path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, errors.Wrapf(err, "read cache entry %s", key)
}

// Put writes to a temporary file in the cache directory, syncs it and renames
// it over the final name.
func (b *FileBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(b.dir, "."+key+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp cache file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp cache file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync temp cache file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp cache file")
	}
	return errors.Wrap(os.Rename(tmpName, b.Path(key)), "publish cache file")
}

// Close is a no-op.
func (b *FileBackend) Close() error { return nil }

// BadgerBackend stores entries in a badger key-value directory. Writes are
// transactional.
type BadgerBackend struct {
	db *badger.DB
}

type badgerLogger struct {
	logger *observability.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// NewBadgerBackend opens (or creates) a badger database in dir.
func NewBadgerBackend(dir string, logger *observability.Logger) (*BadgerBackend, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, errors.Wrapf(err, "create cache directory %s", dir)
	}
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.WithField("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger cache")
	}
	return &BadgerBackend{db: db}, nil
}

// Get reads the entry for key.
func (b *BadgerBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return data, errors.Wrapf(err, "read cache entry %s", key)
}

// Put stores data under key in one transaction.
func (b *BadgerBackend) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrapf(b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	}), "write cache entry %s", key)
}

// Close closes the database.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
