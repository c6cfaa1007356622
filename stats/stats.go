// Package stats provides engine counters and the tracker interface
// consumed by the storage, eviction, and façade layers.
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"sort"
	"sync"

	"go.uber.org/atomic"
)

// metric names
const (
	GetCount    = "cmd_get"
	GetHits     = "get_hits"
	GetMisses   = "get_misses"
	GetExpired  = "get_expired"
	GetFlushed  = "get_flushed"
	SetCount    = "cmd_set"
	ArithCount  = "cmd_arith"
	FlushCount  = "cmd_flush"
	StoreHits   = "store_hits"
	StoreMisses = "store_misses"
	CasHits     = "cas_hits"
	CasMisses   = "cas_misses"
	CasBadval   = "cas_badval"
	DeleteHits  = "delete_hits"
	Evictions   = "evictions"
	Reclaimed   = "reclaimed"
	TotalItems  = "total_items"
	OOMErrors   = "oom_errors"
	Deferred    = "deferred_ops"
)

type (
	// Tracker is the write-side interface handed to the engine internals.
	Tracker interface {
		Add(name string, val int64)
	}

	// CoreStats is the concrete tracker: a registry of atomic counters,
	// seeded with the metric names above; Add registers unknown names on
	// first use.
	CoreStats struct {
		mu       sync.RWMutex
		counters map[string]*atomic.Int64
	}

	// TrackerMock discards everything (tests).
	TrackerMock struct{}
)

// interface guard
var (
	_ Tracker = &CoreStats{}
	_ Tracker = &TrackerMock{}
)

func NewTrackerMock() Tracker          { return &TrackerMock{} }
func (*TrackerMock) Add(string, int64) {}

func New() *CoreStats {
	s := &CoreStats{counters: make(map[string]*atomic.Int64, 24)}
	for _, name := range []string{
		GetCount, GetHits, GetMisses, GetExpired, GetFlushed,
		SetCount, ArithCount, FlushCount, StoreHits, StoreMisses,
		CasHits, CasMisses, CasBadval, DeleteHits,
		Evictions, Reclaimed, TotalItems, OOMErrors, Deferred,
	} {
		s.counters[name] = atomic.NewInt64(0)
	}
	return s
}

func (s *CoreStats) Add(name string, val int64) {
	s.mu.RLock()
	c, ok := s.counters[name]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if c, ok = s.counters[name]; !ok {
			c = atomic.NewInt64(0)
			s.counters[name] = c
		}
		s.mu.Unlock()
	}
	c.Add(val)
}

func (s *CoreStats) Get(name string) int64 {
	s.mu.RLock()
	c, ok := s.counters[name]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.Load()
}

// Reset zeroes all counters.
func (s *CoreStats) Reset() {
	s.mu.RLock()
	for _, c := range s.counters {
		c.Store(0)
	}
	s.mu.RUnlock()
}

// Range visits the counters in name order.
func (s *CoreStats) Range(f func(name string, val int64)) {
	s.mu.RLock()
	names := make([]string, 0, len(s.counters))
	for name := range s.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f(name, s.counters[name].Load())
	}
	s.mu.RUnlock()
}
