package capcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"mediaflow/internal/stage"
)

const (
	keyPrefix              = "cap/"
	defaultCleanupInterval = time.Hour
)

type entry struct {
	Capability stage.Capability `json:"capability"`
	Endpoint   string           `json:"endpoint"`
	FetchedAt  time.Time        `json:"fetched_at"`
	ExpiresAt  time.Time        `json:"expires_at"`
}

// Cache stores capability descriptors keyed by stage and endpoint URL.
type Cache struct {
	db          *leveldb.DB
	ttl         time.Duration
	now         func() time.Time
	mu          sync.RWMutex
	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// Option customizes the cache.
type Option func(*Cache)

// WithClock overrides the time source (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// Open opens (or creates) the LevelDB directory at path.
func Open(path string, ttl time.Duration, opts ...Option) (*Cache, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("capability cache path is empty")
	}
	db, err := leveldb.OpenFile(path, &opt.Options{
		CompactionTableSize: 1 << 20,
		WriteBuffer:         256 << 10,
	})
	if err != nil {
		return nil, fmt.Errorf("open capability cache: %w", err)
	}
	cache := &Cache{
		db:          db,
		ttl:         ttl,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	for _, apply := range opts {
		apply(cache)
	}
	go cache.cleanupLoop(defaultCleanupInterval)
	return cache, nil
}

// Close stops the cleanup routine and closes the database.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopCleanup)
		err = c.db.Close()
	})
	return err
}

// Get returns the cached descriptor for (name, endpoint) if present and
// not expired.
func (c *Cache) Get(name stage.Name, endpoint string) (stage.Capability, bool, error) {
	key := cacheKey(name, endpoint)
	c.mu.RLock()
	data, err := c.db.Get(key, nil)
	c.mu.RUnlock()
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return stage.Capability{}, false, nil
		}
		return stage.Capability{}, false, fmt.Errorf("read capability cache: %w", err)
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		_ = c.delete(key)
		return stage.Capability{}, false, nil
	}
	if !c.now().Before(e.ExpiresAt) {
		_ = c.delete(key)
		return stage.Capability{}, false, nil
	}
	return e.Capability, true, nil
}

// Put stores capability for (name, endpoint) for one TTL.
func (c *Cache) Put(name stage.Name, endpoint string, capability stage.Capability) error {
	if c.ttl <= 0 {
		return nil
	}
	now := c.now()
	data, err := json.Marshal(entry{
		Capability: capability,
		Endpoint:   endpoint,
		FetchedAt:  now,
		ExpiresAt:  now.Add(c.ttl),
	})
	if err != nil {
		return fmt.Errorf("encode capability: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Put(cacheKey(name, endpoint), data, nil)
}

// Invalidate drops every cached descriptor for name.
func (c *Cache) Invalidate(name stage.Name) error {
	prefix := []byte(keyPrefix + name.String() + "|")
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteMatching(prefix, func([]byte) bool { return true })
}

// Purge removes expired entries and reports how many were removed.
func (c *Cache) Purge() (int, error) {
	now := c.now()
	removed := 0
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.deleteMatching([]byte(keyPrefix), func(value []byte) bool {
		var e entry
		if err := json.Unmarshal(value, &e); err != nil || !now.Before(e.ExpiresAt) {
			removed++
			return true
		}
		return false
	})
	return removed, err
}

func (c *Cache) deleteMatching(prefix []byte, match func(value []byte) bool) error {
	iter := c.db.NewIterator(util.BytesPrefix(prefix), nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		if match(iter.Value()) {
			key := append([]byte(nil), iter.Key()...)
			batch.Delete(key)
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("scan capability cache: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	return c.db.Write(batch, nil)
}

func (c *Cache) delete(key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Delete(key, nil)
}

func (c *Cache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = c.Purge()
		case <-c.stopCleanup:
			return
		}
	}
}

func cacheKey(name stage.Name, endpoint string) []byte {
	return []byte(keyPrefix + name.String() + "|" + strings.TrimRight(strings.TrimSpace(endpoint), "/"))
}
