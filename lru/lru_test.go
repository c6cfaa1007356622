// Package lru provides the least-recently-used replacement policy.
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package lru_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/memkv/memkv/clock"
	"github.com/memkv/memkv/core"
	"github.com/memkv/memkv/lru"
	"github.com/memkv/memkv/stats"
	"github.com/memkv/memkv/tutils/tassert"
)

// mkItem returns an item whose single reference stands in for the table's;
// like a linked engine item with no outstanding handles, RefCount is 1.
func mkItem(key string, exptime uint32) *core.Item {
	chunk := make([]byte, len(key)+16)
	return core.NewItem(chunk, []byte(key), 1, 0, exptime, 0)
}

func TestChainOrder(t *testing.T) {
	chains := lru.New(4, stats.NewTrackerMock())

	items := make([]*core.Item, 0, 10)
	for i := 0; i < 10; i++ {
		it := mkItem(fmt.Sprintf("k%d", i), 0)
		chains.Link(it)
		items = append(items, it)
	}
	tassert.Fatalf(t, chains.Len(0) == 10, "chain length: %d", chains.Len(0))

	// the reclaim scan must see the oldest item first
	var victims []*core.Item
	ok := chains.Reclaim(0, func(it *core.Item) bool {
		victims = append(victims, it)
		chains.Unlink(it)
		it.DecRef() // the table's reference
		return true
	}, func(it *core.Item) { it.DecRef() })
	tassert.Fatalf(t, ok, "reclaim found no victim")
	tassert.Fatalf(t, len(victims) == 1, "one live victim expected, got %d", len(victims))
	tassert.Fatalf(t, victims[0] == items[0], "victim is not the coldest item")
	tassert.Fatalf(t, chains.Len(0) == 9, "chain length after reclaim: %d", chains.Len(0))
}

func TestReclaimSkipsReferenced(t *testing.T) {
	chains := lru.New(1, stats.NewTrackerMock())

	pinned := mkItem("pinned", 0)
	pinned.IncRef() // an outstanding caller handle
	chains.Link(pinned)

	free := mkItem("free", 0)
	chains.Link(free)

	var victim *core.Item
	ok := chains.Reclaim(0, func(it *core.Item) bool {
		victim = it
		chains.Unlink(it)
		it.DecRef()
		return true
	}, func(it *core.Item) { it.DecRef() })
	tassert.Fatalf(t, ok, "reclaim found no victim")
	tassert.Fatalf(t, victim == free, "reclaim must skip the referenced item")
}

func TestReclaimReapsExpired(t *testing.T) {
	statsT := stats.New()
	chains := lru.New(1, statsT)
	clock.Sync()

	expired := mkItem("gone", 1)
	chains.Link(expired)
	live := mkItem("alive", 0)
	chains.Link(live)

	time.Sleep(1100 * time.Millisecond) // let rel-time pass the exptime
	clock.Sync()

	evicted := 0
	ok := chains.Reclaim(0, func(it *core.Item) bool {
		evicted++
		chains.Unlink(it)
		it.DecRef()
		return true
	}, func(it *core.Item) { it.DecRef() })
	tassert.Fatalf(t, ok, "reclaim failed")
	// the cold-end item goes first; one chunk suffices and the live
	// one survives
	tassert.Fatalf(t, evicted == 1, "evicted %d", evicted)
	tassert.Fatalf(t, chains.Len(0) == 1, "chain length: %d", chains.Len(0))
	tassert.Fatalf(t, statsT.Get(stats.Reclaimed)+statsT.Get(stats.Evictions) == 1, "stats accounting")
}

func TestReapExpiredOnly(t *testing.T) {
	chains := lru.New(1, stats.New())

	dead := mkItem("dead", 1)
	chains.Link(dead)
	live := mkItem("live", 0)
	chains.Link(live)

	time.Sleep(1100 * time.Millisecond) // let rel-time pass the exptime
	clock.Sync()

	reaped := chains.ReapExpired(0, func(it *core.Item) bool {
		chains.Unlink(it)
		it.DecRef()
		return true
	}, func(it *core.Item) { it.DecRef() })
	tassert.Fatalf(t, reaped == 1, "reaped %d", reaped)
	tassert.Fatalf(t, chains.Len(0) == 1, "chain length: %d", chains.Len(0))
}

func TestBumpSuppression(t *testing.T) {
	chains := lru.New(1, stats.NewTrackerMock())
	clock.Sync()
	now := clock.Now()

	a := mkItem("a", 0)
	b := mkItem("b", 0)
	chains.Link(a)
	chains.Link(b)
	// chain is now [b, a] warm to cold

	// a bump within the window is suppressed: a stays cold
	chains.Bump(a, now)
	var first *core.Item
	chains.Reclaim(0, func(it *core.Item) bool {
		first = it
		return false // observe only
	}, func(it *core.Item) { it.DecRef() })
	tassert.Fatalf(t, first == a, "suppressed bump must leave the cold end unchanged")

	// past the window the bump moves a to the warm end
	chains.Bump(a, now+lru.BumpWindow+1)
	first = nil
	chains.Reclaim(0, func(it *core.Item) bool {
		if first == nil {
			first = it
		}
		return false
	}, func(it *core.Item) { it.DecRef() })
	tassert.Fatalf(t, first == b, "bump did not move the item off the cold end")
}
