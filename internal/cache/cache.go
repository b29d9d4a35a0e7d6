// Package cache provides an optional badger-backed accelerator for recent
// thread history. It sits in front of store reads with get/set/invalidate
// semantics only; a miss or a cache failure always falls through to the
// store, so the cache is never part of correctness.
package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/threadline-ai/threadline/internal/config"
	"github.com/threadline-ai/threadline/internal/store"
)

// HistoryCache caches the recent-message window per thread. A nil
// *HistoryCache is valid and behaves as a cache that always misses.
type HistoryCache struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
}

// New opens the cache under cfg.Dir. An empty Dir disables caching and
// returns (nil, nil).
func New(cfg config.CacheConfig, logger *slog.Logger) (*HistoryCache, error) {
	if cfg.Dir == "" {
		return nil, nil
	}

	opts := badger.DefaultOptions(cfg.Dir).
		WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history cache: %w", err)
	}

	return &HistoryCache{
		db:     db,
		ttl:    cfg.HistoryTTL.Duration,
		logger: logger.With("component", "cache"),
	}, nil
}

// Close closes the underlying database.
func (c *HistoryCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// GetHistory returns the cached message window for a thread, if present.
func (c *HistoryCache) GetHistory(threadID string) ([]store.Message, bool) {
	if c == nil {
		return nil, false
	}

	var msgs []store.Message
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(historyKey(threadID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msgs)
		})
	})
	if err != nil {
		if err != badger.ErrKeyNotFound {
			c.logger.Debug("history cache read failed", "thread_id", threadID, "error", err)
		}
		return nil, false
	}
	return msgs, true
}

// PutHistory stores the message window for a thread, expiring after the
// configured TTL. Failures are logged and dropped.
func (c *HistoryCache) PutHistory(threadID string, msgs []store.Message) {
	if c == nil {
		return
	}

	data, err := json.Marshal(msgs)
	if err != nil {
		c.logger.Warn("history cache encode failed", "thread_id", threadID, "error", err)
		return
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(historyKey(threadID), data)
		if c.ttl > 0 {
			entry = entry.WithTTL(c.ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		c.logger.Warn("history cache write failed", "thread_id", threadID, "error", err)
	}
}

// Invalidate drops the cached window for a thread. Called after any write
// that changes the thread's history.
func (c *HistoryCache) Invalidate(threadID string) {
	if c == nil {
		return
	}

	err := c.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(historyKey(threadID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		c.logger.Warn("history cache invalidate failed", "thread_id", threadID, "error", err)
	}
}

func historyKey(threadID string) []byte {
	return []byte("history:" + threadID)
}
