package deadletter

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/chreez/skelly-jelly-sub001/errors"
)

const keyPrefix = "dlq/"

// StoreConfig configures the embedded entry store.
type StoreConfig struct {
	// Path is the directory for database files. Ignored when InMemory
	// is set.
	Path string

	// InMemory keeps entries in memory only; they are lost on close.
	InMemory bool

	// SyncWrites forces a sync per write for durability.
	SyncWrites bool

	// Logger receives the store's internal log output. Nil disables it.
	Logger *slog.Logger
}

// Store persists dead letter entries in BadgerDB. Safe for concurrent use.
type Store struct {
	db        *badger.DB
	closeOnce sync.Once
	closeErr  error
}

// badgerLogger adapts slog to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
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

// OpenStore opens the entry store at cfg.Path, creating the directory
// if needed, or in memory when cfg.InMemory is set.
func OpenStore(cfg StoreConfig) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.WrapInvalid(errors.ErrMissingConfig, "DeadLetterStore", "OpenStore",
				"path is required for a persistent store")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, errors.WrapFatal(err, "DeadLetterStore", "OpenStore",
				fmt.Sprintf("creating store directory %s", cfg.Path))
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.WrapFatal(err, "DeadLetterStore", "OpenStore", "opening badger database")
	}
	return &Store{db: db}, nil
}

// Put writes an entry, replacing any existing entry with the same id.
func (s *Store) Put(e *Entry) error {
	data, err := e.encode()
	if err != nil {
		return errors.WrapInvalid(err, "DeadLetterStore", "Put", "encoding entry")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyPrefix+e.ID), data)
	})
	if err != nil {
		return errors.WrapTransient(err, "DeadLetterStore", "Put", "writing entry")
	}
	return nil
}

// Get returns the entry for id, or ErrEntryNotFound.
func (s *Store) Get(id string) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			entry, err = decodeEntry(val)
			return err
		})
	})
	if err != nil {
		if stderrors.Is(err, badger.ErrKeyNotFound) {
			return nil, errors.WrapInvalid(errors.ErrEntryNotFound, "DeadLetterStore", "Get", id)
		}
		return nil, errors.WrapTransient(err, "DeadLetterStore", "Get", "reading entry")
	}
	return entry, nil
}

// Delete removes the entry for id. Deleting a missing entry is not an
// error.
func (s *Store) Delete(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + id))
	})
	if err != nil {
		return errors.WrapTransient(err, "DeadLetterStore", "Delete", "removing entry")
	}
	return nil
}

// Each iterates all entries in key order, invoking fn for each. A
// false return stops the iteration.
func (s *Store) Each(fn func(*Entry) bool) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var entry *Entry
			err := it.Item().Value(func(val []byte) error {
				var derr error
				entry, derr = decodeEntry(val)
				return derr
			})
			if err != nil {
				return err
			}
			if !fn(entry) {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, "DeadLetterStore", "Each", "iterating entries")
	}
	return nil
}

// Count returns the number of stored entries.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, errors.WrapTransient(err, "DeadLetterStore", "Count", "counting entries")
	}
	return n, nil
}

// Close flushes and closes the underlying database. Subsequent calls
// return the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if err := s.db.Close(); err != nil {
			s.closeErr = errors.WrapTransient(err, "DeadLetterStore", "Close", "closing badger database")
		}
	})
	return s.closeErr
}

// RunGC performs one value-log garbage collection pass. Only useful
// for persistent stores; an in-memory store ignores it.
func (s *Store) RunGC(discardRatio float64) {
	// badger returns ErrNoRewrite when there is nothing to collect.
	_ = s.db.RunValueLogGC(discardRatio)
}
