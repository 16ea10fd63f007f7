// Package rtcache provides a read-through cache backed by a priority work
// queue. Items that are not in the cache are generated by a worker function,
// with concurrent requests for the same item sharing one calculation.
package rtcache

import (
	"time"
)

// ReadThroughFunc defines the function that is called when an item is not in
// the cache. It generates the item identified by 'id'. Implementations must
// be safe for concurrent use.
type ReadThroughFunc func(priority int64, id string) (interface{}, error)

// ReadThroughCache defines a caching work queue with priorities. If the item
// identified by 'id' is not in the cache then the ReadThroughFunc provided at
// construction is called to calculate it.
type ReadThroughCache interface {
	// Get returns the item identified by 'id' or an error if it cannot be
	// generated. If the item is not in the cache it is queued for generation
	// with the given priority, where a smaller value means it is generated
	// sooner. Get blocks until the item is available.
	Get(priority int64, id string) (interface{}, error)

	// Warm schedules generation of the item identified by 'id' and blocks
	// until it is in the cache. The returned error is the error returned by
	// the read-through function, if any.
	Warm(priority int64, id string) error

	// Contains returns true if the identified item is currently cached.
	Contains(id string) bool

	// Keys returns the ids of all items currently in the cache.
	Keys() []string

	// Remove removes the items with the given ids from the cache.
	Remove(ids []string)

	// Shutdown stops the worker goroutines. Queued items that have not
	// started are abandoned; their waiters are never unblocked, so callers
	// must not call Get concurrently with Shutdown.
	Shutdown()
}

// PriorityTimeCombined combines the given priority with the current time so
// that requests with the same priority are processed roughly in arrival
// order. The priority occupies the upper bits and a millisecond timestamp the
// lower 32 bits.
func PriorityTimeCombined(priority int64) int64 {
	return (priority << 32) | ((time.Now().UnixNano() / int64(time.Millisecond)) & 0xffffffff)
}
