package util

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

// Generic LRUCache interface.
type LRUCache interface {
	// Add adds a key-value pair to the cache.
	Add(key, value interface{})

	// Get returns a key value for the given cache. If ok is true
	// the fetch was succesfull.
	Get(key interface{}) (value interface{}, ok bool)

	// Len returns the current size of the cache.
	Len() int

	// Keys returns the keys of the entries currently in the cache.
	Keys() []interface{}

	// Remove removes a key value pair from the cache.
	Remove(key interface{})
}

// MemLRUCache is an in-memory, size-bounded LRUCache.
type MemLRUCache struct {
	cache *lru.Cache
	keys  map[interface{}]bool
	mutex sync.Mutex
}

func NewMemLRUCache(maxEntries int) *MemLRUCache {
	ret := &MemLRUCache{
		keys: map[interface{}]bool{},
	}
	ret.cache = lru.New(maxEntries)
	// Called by the underlying cache with the mutex held.
	ret.cache.OnEvicted = func(key lru.Key, value interface{}) {
		delete(ret.keys, key)
	}
	return ret
}

func (m *MemLRUCache) Add(key, value interface{}) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.keys[key] = true
	m.cache.Add(key, value)
}

// Get retrieves a value. Exclusive lock since lru.Cache.Get updates recency.
func (m *MemLRUCache) Get(key interface{}) (value interface{}, ok bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.cache.Get(key)
}

func (m *MemLRUCache) Len() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.cache.Len()
}

func (m *MemLRUCache) Keys() []interface{} {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	ret := make([]interface{}, 0, len(m.keys))
	for k := range m.keys {
		ret = append(ret, k)
	}
	return ret
}

func (m *MemLRUCache) Remove(key interface{}) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.cache.Remove(key)
}

var _ LRUCache = (*MemLRUCache)(nil)
