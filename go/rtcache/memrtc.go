package rtcache

import (
	"container/heap"
	"sync"
	"time"

	ttlcache "github.com/patrickmn/go-cache"

	"github.com/infernokun/inferno-comics-match/go/skerr"
	"github.com/infernokun/inferno-comics-match/go/util"
)

const (
	// errCacheExpiration is how long errors from the read-through function
	// are remembered before the item is retried.
	errCacheExpiration = 30 * time.Minute

	// errCacheCleanup is how often expired entries are removed from the
	// error cache.
	errCacheCleanup = 5 * time.Minute
)

// workResult is the outcome of one call to the read-through function.
type workResult struct {
	val interface{}
	err error
}

// workItem is a single unit of work in the priority queue. Concurrent
// requests for the same id share one workItem.
type workItem struct {
	id       string
	priority int64
	waiters  []chan<- workResult

	// index is maintained by the heap.Interface methods.
	index int
}

// priorityQueue implements heap.Interface. The item with the smallest
// priority value is popped first.
type priorityQueue []*workItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool { return pq[i].priority < pq[j].priority }

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x interface{}) {
	item := x.(*workItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// MemReadThroughCache implements the ReadThroughCache interface, keeping the
// generated items in an in-memory LRU cache. Errors returned by the
// read-through function are cached for a limited time so that a failing item
// does not get recalculated on every request.
type MemReadThroughCache struct {
	workerFn     ReadThroughFunc
	cache        util.LRUCache
	errCache     *ttlcache.Cache
	pq           *priorityQueue
	pqItemLookup map[string]*workItem
	inProgress   map[string]*workItem
	finished     bool

	// mutex protects pq, pqItemLookup, inProgress and finished.
	mutex     sync.Mutex
	emptyCond *sync.Cond
}

// New returns a ReadThroughCache that keeps at most maxSize items in RAM,
// where maxSize <= 0 means unbounded. nWorkers defines how many calls to
// workerFn may run concurrently.
func New(workerFn ReadThroughFunc, maxSize int, nWorkers int) (ReadThroughCache, error) {
	if workerFn == nil {
		return nil, skerr.Fmt("a read-through function is required")
	}
	if maxSize < 0 {
		maxSize = 0
	}
	if nWorkers < 1 {
		nWorkers = 1
	}
	ret := &MemReadThroughCache{
		workerFn:     workerFn,
		cache:        util.NewMemLRUCache(maxSize),
		errCache:     ttlcache.New(errCacheExpiration, errCacheCleanup),
		pq:           &priorityQueue{},
		pqItemLookup: map[string]*workItem{},
		inProgress:   map[string]*workItem{},
	}
	ret.emptyCond = sync.NewCond(&ret.mutex)
	for i := 0; i < nWorkers; i++ {
		go ret.worker()
	}
	return ret, nil
}

// Get implements the ReadThroughCache interface.
func (m *MemReadThroughCache) Get(priority int64, id string) (interface{}, error) {
	m.mutex.Lock()
	if val, ok := m.cache.Get(id); ok {
		m.mutex.Unlock()
		return val, nil
	}
	if err, ok := m.errCache.Get(id); ok {
		m.mutex.Unlock()
		return nil, err.(error)
	}
	resCh := make(chan workResult, 1)
	m.enqueue(priority, id, resCh)
	m.mutex.Unlock()

	res := <-resCh
	return res.val, res.err
}

// Warm implements the ReadThroughCache interface.
func (m *MemReadThroughCache) Warm(priority int64, id string) error {
	_, err := m.Get(priority, id)
	return err
}

// Contains implements the ReadThroughCache interface.
func (m *MemReadThroughCache) Contains(id string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.cache.Get(id)
	return ok
}

// Keys implements the ReadThroughCache interface.
func (m *MemReadThroughCache) Keys() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	keys := m.cache.Keys()
	ret := make([]string, 0, len(keys))
	for _, k := range keys {
		ret = append(ret, k.(string))
	}
	return ret
}

// Remove implements the ReadThroughCache interface.
func (m *MemReadThroughCache) Remove(ids []string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, id := range ids {
		m.cache.Remove(id)
		m.errCache.Delete(id)
	}
}

// enqueue adds a request for the given id to the work queue, or attaches it
// to an existing request for the same id. The caller must hold m.mutex.
func (m *MemReadThroughCache) enqueue(priority int64, id string, resCh chan<- workResult) {
	// Results of in-flight work are delivered to late arrivals as well.
	if item, ok := m.inProgress[id]; ok {
		item.waiters = append(item.waiters, resCh)
		return
	}
	if item, ok := m.pqItemLookup[id]; ok {
		item.waiters = append(item.waiters, resCh)
		if priority < item.priority {
			item.priority = priority
			heap.Fix(m.pq, item.index)
		}
		return
	}
	item := &workItem{
		id:       id,
		priority: priority,
		waiters:  []chan<- workResult{resCh},
	}
	heap.Push(m.pq, item)
	m.pqItemLookup[id] = item
	m.emptyCond.Signal()
}

// worker pulls items off the priority queue and runs the read-through
// function until shutdown is called.
func (m *MemReadThroughCache) worker() {
	for {
		m.mutex.Lock()
		for m.pq.Len() == 0 && !m.finished {
			m.emptyCond.Wait()
		}
		if m.finished {
			m.mutex.Unlock()
			return
		}
		item := heap.Pop(m.pq).(*workItem)
		delete(m.pqItemLookup, item.id)
		m.inProgress[item.id] = item
		m.mutex.Unlock()

		val, err := m.workerFn(item.priority, item.id)

		m.mutex.Lock()
		delete(m.inProgress, item.id)
		if err != nil {
			m.errCache.Set(item.id, err, ttlcache.DefaultExpiration)
		} else {
			m.cache.Add(item.id, val)
		}
		waiters := item.waiters
		item.waiters = nil
		m.mutex.Unlock()

		for _, ch := range waiters {
			ch <- workResult{val: val, err: err}
		}
	}
}

// Shutdown implements the ReadThroughCache interface.
func (m *MemReadThroughCache) Shutdown() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.finished = true
	m.emptyCond.Broadcast()
}

var _ ReadThroughCache = (*MemReadThroughCache)(nil)
