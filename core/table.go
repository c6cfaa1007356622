// Package core implements the cache item and the hash-indexed item table.
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package core

import (
	"bytes"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/golang/glog"
	"github.com/memkv/memkv/cmn"
	"github.com/memkv/memkv/cmn/debug"
	"go.uber.org/atomic"
)

const (
	// Number of lock stripes; the table is never smaller than this (see
	// MinTableSize), so a bucket index always determines its stripe
	// (idx & stripeMask).
	numStripes = 0x40
	stripeMask = numStripes - 1

	MinTableSize = 1024

	// grow when count > loadFactorNum/loadFactorDen * size
	loadFactorNum = 3
	loadFactorDen = 2

	// old-table buckets migrated per operation while rehashing
	migrateStep = 2
)

// Table maps key bytes to a live item. Buckets are chained; locking is
// striped by the low bits of the key hash. Growth is incremental: a second
// table is installed and old buckets migrate a few at a time, so lookups
// consult both until migration completes.
//
// Lock order everywhere in the engine: table bucket (stripe) before class
// (chain) lock.
type Table struct {
	resizeMu sync.RWMutex // guards the header fields below vs. grow()
	buckets  []*Item
	old      []*Item // non-nil while rehashing
	mask     uint64
	oldMask  uint64

	stripes [numStripes]sync.Mutex

	migrateMu sync.Mutex
	cursor    int // next old bucket to migrate

	count atomic.Int64
}

func NewTable(size int) *Table {
	if size < MinTableSize {
		size = MinTableSize
	}
	size = int(cmn.NextPow2(uint64(size)))
	t := &Table{
		buckets: make([]*Item, size),
		mask:    uint64(size - 1),
	}
	return t
}

// KeyHash is the bucket address of a key.
func (t *Table) KeyHash(key []byte) uint64 { return xxhash.Checksum64(key) }

// Lock takes the stripe covering hash, in both tables.
func (t *Table) Lock(hash uint64) {
	t.resizeMu.RLock()
	t.stripes[hash&stripeMask].Lock()
}

func (t *Table) Unlock(hash uint64) {
	t.stripes[hash&stripeMask].Unlock()
	rehashing := t.old != nil
	t.resizeMu.RUnlock()
	if rehashing {
		t.migrate(migrateStep)
	}
}

// LookupLocked finds the live entry for key; the stripe must be held.
func (t *Table) LookupLocked(key []byte, hash uint64) *Item {
	for it := t.buckets[hash&t.mask]; it != nil; it = it.hnext {
		if bytes.Equal(it.Key(), key) {
			return it
		}
	}
	if t.old != nil {
		for it := t.old[hash&t.oldMask]; it != nil; it = it.hnext {
			if bytes.Equal(it.Key(), key) {
				return it
			}
		}
	}
	return nil
}

// LinkLocked inserts it; the stripe must be held and the key absent.
func (t *Table) LinkLocked(it *Item, hash uint64) {
	if debug.Enabled {
		debug.Assert(t.LookupLocked(it.Key(), hash) == nil)
	}
	idx := hash & t.mask
	it.hnext = t.buckets[idx]
	t.buckets[idx] = it
	it.SetLinked()
	t.count.Inc()
}

// UnlinkLocked removes it from whichever table holds it; stripe must be held.
func (t *Table) UnlinkLocked(it *Item, hash uint64) {
	if t.unlinkFrom(t.buckets, hash&t.mask, it) {
		it.ClearLinked()
		t.count.Dec()
		return
	}
	if t.old != nil && t.unlinkFrom(t.old, hash&t.oldMask, it) {
		it.ClearLinked()
		t.count.Dec()
		return
	}
	debug.AssertMsg(false, "unlink of an item that is not in the table")
}

func (t *Table) unlinkFrom(buckets []*Item, idx uint64, it *Item) bool {
	prev := &buckets[idx]
	for cur := *prev; cur != nil; cur = cur.hnext {
		if cur == it {
			*prev = cur.hnext
			cur.hnext = nil
			return true
		}
		prev = &cur.hnext
	}
	return false
}

func (t *Table) Count() int64 { return t.count.Load() }
func (t *Table) Size() int    { return len(t.buckets) }

// Rehashing reports whether an incremental migration is in progress.
func (t *Table) Rehashing() bool {
	t.resizeMu.RLock()
	r := t.old != nil
	t.resizeMu.RUnlock()
	return r
}

// MaybeGrow doubles the table when the load factor is exceeded.
// Call without any stripe held.
func (t *Table) MaybeGrow() {
	t.resizeMu.RLock()
	need := t.old == nil && t.count.Load()*loadFactorDen > int64(len(t.buckets))*loadFactorNum
	t.resizeMu.RUnlock()
	if !need {
		return
	}
	t.resizeMu.Lock()
	if t.old != nil || t.count.Load()*loadFactorDen <= int64(len(t.buckets))*loadFactorNum {
		t.resizeMu.Unlock()
		return
	}
	newSize := len(t.buckets) * 2
	t.old, t.oldMask = t.buckets, t.mask
	t.buckets = make([]*Item, newSize)
	t.mask = uint64(newSize - 1)
	t.cursor = 0
	t.resizeMu.Unlock()
	glog.Infof("item table: rehashing %d => %d buckets", newSize/2, newSize)
}

// migrate moves up to n old buckets into the current table.
func (t *Table) migrate(n int) {
	t.resizeMu.RLock()
	defer t.resizeMu.RUnlock()
	if t.old == nil {
		return
	}
	t.migrateMu.Lock()
	for ; n > 0 && t.cursor < len(t.old); n-- {
		idx := t.cursor
		t.cursor++
		stripe := &t.stripes[uint64(idx)&stripeMask]
		stripe.Lock()
		for it := t.old[idx]; it != nil; {
			next := it.hnext
			h := t.KeyHash(it.Key())
			nidx := h & t.mask
			it.hnext = t.buckets[nidx]
			t.buckets[nidx] = it
			it = next
		}
		t.old[idx] = nil
		stripe.Unlock()
	}
	done := t.cursor >= len(t.old)
	t.migrateMu.Unlock()
	if done {
		// promote: drop the old table (needs the write lock)
		t.resizeMu.RUnlock()
		t.resizeMu.Lock()
		if t.old != nil && t.cursor >= len(t.old) {
			t.old, t.oldMask = nil, 0
			glog.Infof("item table: rehash complete, %d buckets", len(t.buckets))
		}
		t.resizeMu.Unlock()
		t.resizeMu.RLock() // restore for the deferred unlock
	}
}
