// Package lru provides the least-recently-used replacement policy:
// per-size-class ordered chains, lazy expiration, and chunk reclamation
// under memory pressure.
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package lru

import (
	"container/list"
	"sync"

	"github.com/golang/glog"
	"github.com/memkv/memkv/clock"
	"github.com/memkv/memkv/cmn/debug"
	"github.com/memkv/memkv/core"
	"github.com/memkv/memkv/stats"
)

// The LRU module keeps one doubly-linked chain per slab size class, ordered
// most-recently-used first. Every linked item is on exactly one chain.
// Reclaim walks a bounded number of items from the cold end; the first
// eligible one is handed to the caller-provided evict callback, which
// re-validates under the table lock and performs the actual unlink+free
// (the lock order is table bucket before chain, so the walk itself only
// snapshots candidates).

// tunables
const (
	// bounded tail scan per reclaim attempt
	ScanDepth = 50

	// a successful get moves the item to the warm end unless it was
	// already bumped within this window, seconds
	BumpWindow = 60
)

type (
	// EvictFn re-validates a pinned candidate under the item-table lock
	// and, when still eligible, unlinks it. Returns false when the
	// candidate got away (re-referenced, already gone, re-linked).
	EvictFn func(it *core.Item) bool

	// ReleaseFn drops the pin Reclaim put on a candidate.
	ReleaseFn func(it *core.Item)

	chain struct {
		mu sync.Mutex
		ll *list.List // front = most recently used
	}

	// Chains is the set of per-class LRU chains.
	Chains struct {
		classes []chain
		statsT  stats.Tracker
	}
)

func New(numClasses int, statsT stats.Tracker) *Chains {
	c := &Chains{
		classes: make([]chain, numClasses),
		statsT:  statsT,
	}
	for i := range c.classes {
		c.classes[i].ll = list.New()
	}
	return c
}

// Link pushes a newly stored item at the warm end of its class chain.
func (c *Chains) Link(it *core.Item) {
	ch := &c.classes[it.ClsID()]
	ch.mu.Lock()
	debug.Assert(it.ChainElem() == nil)
	it.SetChainElem(ch.ll.PushFront(it))
	ch.mu.Unlock()
	it.SetLastBump(clock.Now())
}

// Unlink removes the item from its class chain.
func (c *Chains) Unlink(it *core.Item) {
	ch := &c.classes[it.ClsID()]
	ch.mu.Lock()
	if le := it.ChainElem(); le != nil {
		ch.ll.Remove(le)
		it.SetChainElem(nil)
	}
	ch.mu.Unlock()
}

// Bump moves the item to the warm end. Bumps within BumpWindow of the
// previous one are suppressed to keep the chain lock out of the hot path.
func (c *Chains) Bump(it *core.Item, now uint32) {
	last := it.LastBump()
	if now < last+BumpWindow {
		return
	}
	if !it.IsLinked() {
		return
	}
	ch := &c.classes[it.ClsID()]
	ch.mu.Lock()
	if le := it.ChainElem(); le != nil {
		ch.ll.MoveToFront(le)
		it.SetLastBump(now)
	}
	ch.mu.Unlock()
}

// Len returns the number of linked items in the given class.
func (c *Chains) Len(cls int) int {
	ch := &c.classes[cls]
	ch.mu.Lock()
	n := ch.ll.Len()
	ch.mu.Unlock()
	return n
}

// Oldest returns the link-time of the coldest item in the class (0 if empty).
func (c *Chains) Oldest(cls int) (linkTime uint32) {
	ch := &c.classes[cls]
	ch.mu.Lock()
	if le := ch.ll.Back(); le != nil {
		linkTime = le.Value.(*core.Item).LinkTime
	}
	ch.mu.Unlock()
	return
}

// Reclaim attempts to make one chunk of the given class available: it
// walks at most ScanDepth items from the cold end and evicts the first
// eligible one. Expired items encountered along the way are reaped
// opportunistically. Returns false when no victim was found.
//
// Candidates are pinned (extra reference) while the chain lock is held, so
// that the evict callback can safely read their keys and take the table
// lock; release drops the pin afterwards.
func (c *Chains) Reclaim(cls int, evict EvictFn, release ReleaseFn) bool {
	var (
		candidates [ScanDepth]*core.Item
		n          int
		now        = clock.Now()
		ch         = &c.classes[cls]
	)
	ch.mu.Lock()
	scanned := 0
	for le := ch.ll.Back(); le != nil && scanned < ScanDepth; le = le.Prev() {
		scanned++
		it := le.Value.(*core.Item)
		if it.RefCount() != 1 { // an outstanding handle pins the item
			continue
		}
		it.IncRef()
		candidates[n] = it
		n++
	}
	ch.mu.Unlock()

	reclaimed := false
	for i := 0; i < n; i++ {
		it := candidates[i]
		expired := it.Expired(now)
		if !expired && reclaimed {
			continue // have a chunk already - reap expired only
		}
		if evict(it) {
			if expired {
				c.statsT.Add(stats.Reclaimed, 1)
			} else {
				c.statsT.Add(stats.Evictions, 1)
			}
			reclaimed = true
		}
	}
	for i := 0; i < n; i++ {
		release(candidates[i])
	}
	if !reclaimed && bool(glog.V(4)) {
		glog.Infof("reclaim: no victim in class %d (scanned %d)", cls, scanned)
	}
	return reclaimed
}

// ReapExpired removes up to ScanDepth expired items from the cold end of
// the class chain. Correctness never depends on it - lazy expiration
// stands on its own - but reaping ahead of demand keeps chunks available.
func (c *Chains) ReapExpired(cls int, evict EvictFn, release ReleaseFn) (reaped int) {
	var (
		candidates [ScanDepth]*core.Item
		n          int
		now        = clock.Now()
		ch         = &c.classes[cls]
	)
	ch.mu.Lock()
	scanned := 0
	for le := ch.ll.Back(); le != nil && scanned < ScanDepth; le = le.Prev() {
		scanned++
		it := le.Value.(*core.Item)
		if it.RefCount() != 1 || !it.Expired(now) {
			continue
		}
		it.IncRef()
		candidates[n] = it
		n++
	}
	ch.mu.Unlock()

	for i := 0; i < n; i++ {
		if evict(candidates[i]) {
			c.statsT.Add(stats.Reclaimed, 1)
			reaped++
		}
	}
	for i := 0; i < n; i++ {
		release(candidates[i])
	}
	return
}
