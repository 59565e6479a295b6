package core

import (
	"container/list"
	"fmt"
)

// RequestLRU remembers the request ids of applied commands so transport
// redeliveries are answered without a second state change.
// Not thread-safe: only the coordinating loop touches it.
type RequestLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key string
}

func NewRequestLRU(capacity int) *RequestLRU {
	if capacity < 1 {
		capacity = 1
	}
	return &RequestLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

func requestKey(commandType, requestID string) string {
	return fmt.Sprintf("%s:%s", commandType, requestID)
}

// Seen checks whether the request was applied (promotes to front).
func (lru *RequestLRU) Seen(commandType, requestID string) bool {
	elem, exists := lru.cache[requestKey(commandType, requestID)]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Mark records an applied request and reports whether an older entry was
// evicted to make room.
func (lru *RequestLRU) Mark(commandType, requestID string) bool {
	key := requestKey(commandType, requestID)
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return false
	}

	elem := lru.lruList.PushFront(&lruEntry{key: key})
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
		return true
	}
	return false
}

func (lru *RequestLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// Size returns current number of entries
func (lru *RequestLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *RequestLRU) Evictions() int64 {
	return lru.evictions
}
