// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/aitwin-labs/aitwin/services/router/datatypes"
)

const threadKeyPrefix = "thread/"

// Config holds configuration for the Badger-backed store.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory is
	// true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful for
	// testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log output. If nil, internal
	// logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Default: 5 minutes. Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: synchronous writes, 5-minute
// GC interval, 50% discard ratio.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests: in-memory, async writes,
// no GC.
func InMemoryConfig() Config {
	return Config{
		InMemory:   true,
		SyncWrites: false,
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
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
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore implements Store over an embedded BadgerDB.
//
// # Description
//
// Each thread is one key holding a JSON snapshot of its full state. Saves
// for the same thread are serialized through a per-thread lock so
// concurrent writers queue instead of racing; badger itself provides
// snapshot-isolated reads, so Load needs no lock.
//
// # Thread Safety
//
// BadgerStore is safe for concurrent use.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger

	// locks serializes Save/Delete per thread.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	gcStop chan struct{}
	gcDone chan struct{}
}

// Open creates a Badger-backed store with the given configuration.
func Open(cfg Config) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
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
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		logger: cfg.Logger,
		locks:  make(map[string]*sync.Mutex),
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}

	return s, nil
}

// OpenInMemory opens a store for testing. Data is lost on Close.
func OpenInMemory() (*BadgerStore, error) {
	return Open(InMemoryConfig())
}

// threadLock returns the lock for one threadID, creating it on first use.
func (s *BadgerStore) threadLock(threadID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.locks[threadID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[threadID] = lock
	}
	return lock
}

// Load implements Store.
func (s *BadgerStore) Load(ctx context.Context, threadID string) (*datatypes.ConversationState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var state datatypes.ConversationState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(threadKey(threadID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &state)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", datatypes.ErrThreadNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	return &state, nil
}

// Save implements Store.
func (s *BadgerStore) Save(ctx context.Context, threadID string, state *datatypes.ConversationState) error {
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode thread %s: %w", threadID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(threadKey(threadID), data)
	})
	if err != nil {
		return fmt.Errorf("save thread %s: %w", threadID, err)
	}
	return nil
}

// List implements Store.
func (s *BadgerStore) List(ctx context.Context, limit int) ([]datatypes.ThreadInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var infos []datatypes.ThreadInfo
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(threadKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var state datatypes.ConversationState
				if err := json.Unmarshal(val, &state); err != nil {
					return err
				}
				infos = append(infos, datatypes.ThreadInfo{
					ThreadID:     state.ThreadID,
					MessageCount: len(state.Messages),
					LastAnswer:   state.FinalAnswer,
					CreatedAt:    state.CreatedAt,
					UpdatedAt:    state.UpdatedAt,
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt > infos[j].UpdatedAt
	})
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(ctx context.Context, threadID string) error {
	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(threadKey(threadID))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}

	s.locksMu.Lock()
	delete(s.locks, threadID)
	s.locksMu.Unlock()
	return nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
	}
	return s.db.Close()
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// RunValueLogGC returns ErrNoRewrite when nothing needed GC.
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				if s.logger != nil {
					s.logger.Warn("checkpoint value log GC error", slog.String("error", err.Error()))
				}
			}
		}
	}
}

func threadKey(threadID string) []byte {
	return []byte(threadKeyPrefix + threadID)
}

var _ Store = (*BadgerStore)(nil)
