package ingest

import (
	"container/list"
	"sync"

	"github.com/otcheredev/dicom-archive/internal/dicom"
)

// DatasetProvider loads a parsed dataset on cache miss, typically by reading
// the DICOM attachment and parsing it.
type DatasetProvider func(publicID string) (*dicom.Dataset, error)

// DatasetCache is a bounded LRU of parsed datasets keyed by instance public
// id. A single mutex covers the LRU and the datasets; the guard returned by
// Access holds it, so callers get single-reader exclusivity and must keep
// guards short-lived — no I/O under a guard.
type DatasetCache struct {
	mu       sync.Mutex
	capacity int
	provider DatasetProvider
	order    *list.List // front = most recently used
	entries  map[string]*list.Element
}

type datasetEntry struct {
	key string
	ds  *dicom.Dataset
}

// DefaultDatasetCacheCapacity bounds the parsed-instance cache.
const DefaultDatasetCacheCapacity = 2

// NewDatasetCache builds a cache of the given capacity.
func NewDatasetCache(capacity int, provider DatasetProvider) *DatasetCache {
	if capacity <= 0 {
		capacity = DefaultDatasetCacheCapacity
	}
	return &DatasetCache{
		capacity: capacity,
		provider: provider,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// DatasetGuard gives scoped access to a cached dataset. The underlying
// entry cannot be evicted while the guard is held. Release it promptly.
type DatasetGuard struct {
	cache *DatasetCache
	ds    *dicom.Dataset
}

// Dataset returns the guarded dataset.
func (g *DatasetGuard) Dataset() *dicom.Dataset {
	return g.ds
}

// Release drops the guard. The guard must not be used afterwards.
func (g *DatasetGuard) Release() {
	g.cache.mu.Unlock()
	g.cache = nil
	g.ds = nil
}

// Access returns a guard over the dataset of an instance, loading it through
// the provider on miss. Misses are serialized behind the cache lock, so a
// concurrent caller for the same id observes the value produced by the
// first.
func (c *DatasetCache) Access(publicID string) (*DatasetGuard, error) {
	c.mu.Lock()

	if el, ok := c.entries[publicID]; ok {
		c.order.MoveToFront(el)
		return &DatasetGuard{cache: c, ds: el.Value.(*datasetEntry).ds}, nil
	}

	ds, err := c.provider(publicID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.insert(publicID, ds)
	return &DatasetGuard{cache: c, ds: ds}, nil
}

// Put installs a freshly ingested dataset, transferring ownership to the
// cache.
func (c *DatasetCache) Put(publicID string, ds *dicom.Dataset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[publicID]; ok {
		el.Value.(*datasetEntry).ds = ds
		c.order.MoveToFront(el)
		return
	}
	c.insert(publicID, ds)
}

// insert assumes the lock is held.
func (c *DatasetCache) insert(publicID string, ds *dicom.Dataset) {
	el := c.order.PushFront(&datasetEntry{key: publicID, ds: ds})
	c.entries[publicID] = el
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*datasetEntry).key)
	}
}

// Invalidate drops an entry, keeping the cache coherent with the index when
// an instance is deleted.
func (c *DatasetCache) Invalidate(publicID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[publicID]; ok {
		c.order.Remove(el)
		delete(c.entries, publicID)
	}
}

// Len reports the number of resident entries.
func (c *DatasetCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
