// Package cache stores text embeddings so repeated prompts skip the encoder.
package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/krau/clipworker/config"
)

// VectorCache maps a key to an embedding. A miss is (nil, false, nil).
type VectorCache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vec []float32) error
	Close() error
}

// Key derives the cache key for text embedded by model.
func Key(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return model + ":" + hex.EncodeToString(sum[:])
}

// FromConfig picks Redis when redis_addr is set, otherwise an in-memory LRU
// of text_cache_size entries. It returns nil when caching is disabled.
func FromConfig(cfg config.Config) (VectorCache, error) {
	if cfg.RedisAddr != "" {
		r, err := NewRedis(cfg.RedisAddr, time.Duration(cfg.RedisTTLSeconds)*time.Second)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	if cfg.TextCacheSize > 0 {
		return NewLRU(cfg.TextCacheSize), nil
	}
	return nil, nil
}

// LRU is an in-process least-recently-used cache.
type LRU struct {
	capacity int
	items    map[string]*list.Element
	order    *list.List
	mu       sync.Mutex
}

type entry struct {
	key string
	vec []float32
}

func NewLRU(capacity int) *LRU {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (c *LRU) Get(_ context.Context, key string) ([]float32, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		return elem.Value.(*entry).vec, true, nil
	}
	return nil, false, nil
}

func (c *LRU) Set(_ context.Context, key string, vec []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*entry).vec = vec
		return nil
	}
	c.items[key] = c.order.PushFront(&entry{key: key, vec: vec})

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*entry).key)
	}
	return nil
}

func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *LRU) Close() error { return nil }

var _ VectorCache = (*LRU)(nil)
