package engine

import (
	"container/list"
	"fmt"
)

// IdempotencyChecker implements two-tier transport deduplication: an
// in-memory LRU backed by a Postgres lookup. This is transport-level dedup
// for redelivered requests — distinct from the nonce registry, which is a
// protocol primitive with permanent consumption.
type IdempotencyChecker struct {
	lru       *idempotencyLRU
	dbChecker DBIdempotencyChecker
}

// DBIdempotencyChecker is the interface for the cold-tier Postgres lookup
type DBIdempotencyChecker interface {
	IsDuplicate(requestType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

// IsDuplicate checks if the request has been processed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(requestType string, idempotencyKey string) bool {
	compositeKey := fmt.Sprintf("%s:%s", requestType, idempotencyKey)

	if ic.lru.contains(compositeKey) {
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(requestType, idempotencyKey)
		if err != nil {
			// Conservative: a DB error must not block request processing;
			// the request is treated as new and the log write dedups it.
			return false
		}
		if isDup {
			ic.lru.add(compositeKey)
			return true
		}
	}

	return false
}

// InMemoryDuplicate checks the LRU tier only. Used during log replay, when
// the database tier cannot be consulted: it reads the settlement log, so it
// would report every record being replayed as already processed.
func (ic *IdempotencyChecker) InMemoryDuplicate(requestType string, idempotencyKey string) bool {
	return ic.lru.contains(fmt.Sprintf("%s:%s", requestType, idempotencyKey))
}

// MarkProcessed adds the key to the LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(requestType string, idempotencyKey string) {
	ic.lru.add(fmt.Sprintf("%s:%s", requestType, idempotencyKey))
}

// WarmLRU loads recent composite keys on restart, avoiding cold-path DB
// lookups for recently processed requests.
func (ic *IdempotencyChecker) WarmLRU(keys []string) {
	for _, key := range keys {
		ic.lru.add(key)
	}
}

// Keys returns all cached composite keys for snapshotting.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.keys()
}

// --- LRU implementation ---

// idempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe — only accessed from the single-writer settlement core.
type idempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
}

type lruEntry struct {
	key string
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

func (lru *idempotencyLRU) contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

func (lru *idempotencyLRU) add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	entry := &lruEntry{key: key}
	elem := lru.lruList.PushFront(entry)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		oldest := lru.lruList.Back()
		if oldest != nil {
			lru.lruList.Remove(oldest)
			delete(lru.cache, oldest.Value.(*lruEntry).key)
		}
	}
}

func (lru *idempotencyLRU) keys() []string {
	out := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*lruEntry).key)
	}
	return out
}
