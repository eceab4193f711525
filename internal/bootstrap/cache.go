package bootstrap

import (
	"container/list"
	"sync"

	"github.com/example/shared-state-engine/internal/sequence"
	"github.com/example/shared-state-engine/internal/types"
	"github.com/example/shared-state-engine/internal/wire"
)

type cacheKey struct {
	Document types.DocumentID
	LSN      int64
}

// cacheEntry stores a reusable hydrated state at a particular op-log position.
type cacheEntry struct {
	LSN        int64
	LastOp     types.OperationID
	Ops        []sequence.Op
	Properties []wire.PropertyRecord
}

type stateCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[cacheKey]*list.Element
}

func newStateCache(capacity int) *stateCache {
	if capacity < 1 {
		capacity = 1
	}
	return &stateCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[cacheKey]*list.Element),
	}
}

// Get returns the newest cached state for the document, if any. The returned
// slices are copies so callers can feed them straight into a fresh replica.
func (c *stateCache) Get(docID types.DocumentID) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bestKey cacheKey
	var bestItem *list.Element

	for key, item := range c.items {
		if key.Document != docID {
			continue
		}
		if bestItem == nil || key.LSN > bestKey.LSN {
			bestKey = key
			bestItem = item
		}
	}

	if bestItem == nil {
		return cacheEntry{}, false
	}

	c.ll.MoveToFront(bestItem)
	entry := bestItem.Value.(cacheEntry)
	entry.Ops = append([]sequence.Op(nil), entry.Ops...)
	entry.Properties = append([]wire.PropertyRecord(nil), entry.Properties...)
	return entry, true
}

func (c *stateCache) Put(docID types.DocumentID, entry cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{Document: docID, LSN: entry.LSN}
	if element, ok := c.items[key]; ok {
		element.Value = entry
		c.ll.MoveToFront(element)
		return
	}

	element := c.ll.PushFront(entry)
	c.items[key] = element

	if c.ll.Len() > c.capacity {
		last := c.ll.Back()
		if last != nil {
			c.ll.Remove(last)
			for k, v := range c.items {
				if v == last {
					delete(c.items, k)
					break
				}
			}
		}
	}
}
