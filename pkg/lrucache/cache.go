// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package lrucache provides a size-bounded LRU cache with compute-once
// semantics: concurrent Gets for the same missing key run the compute
// closure exactly once and share its result. The query planner uses it
// to cache decoded tier chunks.
package lrucache

import "sync"

// ComputeValue produces the value for a missing key together with a
// size estimate in bytes.
type ComputeValue func() (value any, size int)

type cacheEntry struct {
	key   string
	value any
	size  int

	computing bool
	waiters   int

	next, prev *cacheEntry
}

// Cache is an in-memory LRU bounded by the summed size estimates of
// its entries.
type Cache struct {
	mutex                 sync.Mutex
	cond                  *sync.Cond
	maxmemory, usedmemory int
	entries               map[string]*cacheEntry
	head, tail            *cacheEntry
}

// New returns a cache that holds at most maxmemory bytes worth of
// entries, going by the sizes reported by the compute closures.
func New(maxmemory int) *Cache {
	c := &Cache{
		maxmemory: maxmemory,
		entries:   map[string]*cacheEntry{},
	}
	c.cond = sync.NewCond(&c.mutex)
	return c
}

// Get returns the cached value for key, calling computeValue to fill a
// miss. If another goroutine is computing the same key, the result is
// waited for instead of computed twice. A nil computeValue probes the
// cache and returns nil on a miss.
func (c *Cache) Get(key string, computeValue ComputeValue) any {
	c.mutex.Lock()

	if entry, ok := c.entries[key]; ok {
		for entry.computing {
			entry.waiters++
			c.cond.Wait()
			entry.waiters--
		}

		if entry != c.head {
			c.unlink(entry)
			c.insertFront(entry)
		}
		value := entry.value
		c.mutex.Unlock()
		return value
	}

	if computeValue == nil {
		c.mutex.Unlock()
		return nil
	}

	entry := &cacheEntry{key: key, computing: true}
	c.entries[key] = entry
	c.mutex.Unlock()

	ok := false
	defer func() {
		if !ok {
			// The compute closure paniced; do not leave a stuck entry.
			c.mutex.Lock()
			delete(c.entries, key)
			entry.computing = false
			c.cond.Broadcast()
			c.mutex.Unlock()
		}
	}()

	value, size := computeValue()
	ok = true

	c.mutex.Lock()
	entry.value = value
	entry.size = size
	entry.computing = false
	if entry.waiters > 0 {
		c.cond.Broadcast()
	}

	c.usedmemory += size
	c.insertFront(entry)

	for c.usedmemory > c.maxmemory && c.tail != nil {
		victim := c.tail
		if victim == entry || victim.computing || victim.waiters > 0 {
			break
		}
		c.evict(victim)
	}

	c.mutex.Unlock()
	return value
}

// Del removes key from the cache. Returns whether it was present.
func (c *Cache) Del(key string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.computing {
		return false
	}
	c.evict(entry)
	return true
}

// UsedMemory reports the summed size estimates of all entries.
func (c *Cache) UsedMemory() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.usedmemory
}

func (c *Cache) evict(entry *cacheEntry) {
	c.unlink(entry)
	delete(c.entries, entry.key)
	c.usedmemory -= entry.size
}

func (c *Cache) insertFront(entry *cacheEntry) {
	entry.next = c.head
	entry.prev = nil
	if c.head != nil {
		c.head.prev = entry
	}
	c.head = entry
	if c.tail == nil {
		c.tail = entry
	}
}

func (c *Cache) unlink(entry *cacheEntry) {
	if entry.prev != nil {
		entry.prev.next = entry.next
	} else if c.head == entry {
		c.head = entry.next
	}
	if entry.next != nil {
		entry.next.prev = entry.prev
	} else if c.tail == entry {
		c.tail = entry.prev
	}
	entry.next, entry.prev = nil, nil
}
