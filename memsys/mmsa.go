// Package memsys provides a slab allocator: fixed-size chunks carved out of
// page-granular allocations, organized into geometric size classes and
// bounded by a global memory budget.
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package memsys

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/memkv/memkv/cmn"
	"github.com/memkv/memkv/cmn/debug"
	"github.com/memkv/memkv/hk"
	"go.uber.org/atomic"
)

// ================= Memory Manager Slab Allocator =============================
//
// MMSA carves fixed-size chunks out of page-size regions taken from a global
// reserve. Chunk sizes grow geometrically: given the base size and the growth
// factor, class c serves any request in (size(c-1), size(c)].
//
// A typical initialization sequence includes 2 steps:
// 1) construct:
// 	mm := &memsys.MMSA{Name: ..., MaxBytes: ..., ChunkMin: ..., Factor: ...}
// 2) initialize:
// 	err := mm.Init()
//
// Once initialized, select a class via SelectClass() or allocate directly via
// Alloc(). Each Slab can then be used via its own Alloc() and Free() methods.
//
// When neither the class free list nor the global reserve can satisfy an
// allocation, Alloc fails with ErrNoChunk - the caller is expected to
// reclaim (evict) and retry, or surface out-of-memory.
//
// ==============================================================================

const (
	PageSize = cmn.MiB // unit of allocation from the global reserve

	DefChunkMin = 96   // base (smallest) chunk size
	DefFactor   = 1.25 // geometric growth between consecutive classes
	DefMaxBytes = 64 * cmn.MiB

	MaxClasses = 64

	chunkAlign = 8
)

const deadBEEF = "DEADBEEF"

const hkIval = 90 * time.Second

// ErrNoChunk: class free list is empty and the global reserve is exhausted.
var ErrNoChunk = errors.New("memsys: no chunk")

type (
	Slab struct {
		m            *MMSA
		tag          string
		get, put     [][]byte
		pages        [][]byte // pages owned by this class, fully carved
		cur          []byte   // page being carved
		muget, muput sync.Mutex
		chunkSize    int64
		curOff       int64
		perPage      int64
		carved       atomic.Int64 // chunks handed out of pages, ever
		hits         atomic.Uint64
		pos          int
		id           int
	}
	MMSA struct {
		// public: construction parameters
		Name     string
		MaxBytes int64   // global memory budget, bytes
		ChunkMin int64   // smallest class chunk size
		MaxChunk int64   // largest class chunk size (largest storable footprint)
		Factor   float64 // growth between consecutive classes
		Prealloc bool    // reserve one page per class at init time
		// private
		rings []*Slab
		used  atomic.Int64 // bytes taken from the reserve
	}
	SlabStats struct {
		ChunkSize  int64  `json:"chunk_size"`
		PerPage    int64  `json:"chunks_per_page"`
		TotalPages int64  `json:"total_pages"`
		UsedChunks int64  `json:"used_chunks"`
		FreeChunks int64  `json:"free_chunks"`
		Hits       uint64 `json:"get_hits"`
	}
)

//////////////
// MMSA API //
//////////////

// Init precomputes size classes and, optionally, preallocates.
func (r *MMSA) Init() error {
	cmn.Assert(r.Name != "")
	if r.MaxBytes == 0 {
		r.MaxBytes = DefMaxBytes
	}
	if r.ChunkMin == 0 {
		r.ChunkMin = DefChunkMin
	}
	if r.Factor == 0 {
		r.Factor = DefFactor
	}
	if r.MaxChunk == 0 {
		r.MaxChunk = PageSize
	}
	if r.Factor <= 1 {
		return fmt.Errorf("%s: invalid growth factor %f", r.Name, r.Factor)
	}
	if r.ChunkMin < chunkAlign || r.ChunkMin > r.MaxChunk {
		return fmt.Errorf("%s: invalid chunk size %d", r.Name, r.ChunkMin)
	}
	if r.MaxChunk > PageSize {
		return fmt.Errorf("%s: max chunk %d exceeds page size %d", r.Name, r.MaxChunk, PageSize)
	}
	if r.MaxBytes < PageSize {
		return fmt.Errorf("%s: budget %s below one page", r.Name, cmn.B2S(r.MaxBytes, 0))
	}

	r.rings = make([]*Slab, 0, MaxClasses)
	size := align(r.ChunkMin)
	for i := 0; i < MaxClasses; i++ {
		if size > r.MaxChunk {
			size = r.MaxChunk
		}
		slab := &Slab{
			m:         r,
			id:        i,
			chunkSize: size,
			perPage:   PageSize / size,
			tag:       r.Name + "." + cmn.B2S(size, 0),
			get:       make([][]byte, 0, 64),
			put:       make([][]byte, 0, 64),
		}
		r.rings = append(r.rings, slab)
		if size == r.MaxChunk {
			break
		}
		size = align(int64(float64(size) * r.Factor))
	}
	last := r.rings[len(r.rings)-1]
	if last.chunkSize < r.MaxChunk {
		return fmt.Errorf("%s: %d classes cannot reach max chunk %d", r.Name, MaxClasses, r.MaxChunk)
	}

	if r.Prealloc {
		for _, s := range r.rings {
			s.muput.Lock()
			if !s.addPage() {
				s.muput.Unlock()
				return fmt.Errorf("%s: preallocation over budget %s: %w", r.Name, cmn.B2S(r.MaxBytes, 0), ErrNoChunk)
			}
			s.muput.Unlock()
		}
	}
	hk.Reg(r.Name+".hk", r.housekeep, hkIval)
	glog.Infof("%s started: %d classes, chunk %s..%s, budget %s",
		r.Name, len(r.rings), cmn.B2S(r.rings[0].chunkSize, 0), cmn.B2S(last.chunkSize, 0), cmn.B2S(r.MaxBytes, 0))
	return nil
}

// Terminate this MMSA instance: drop all pages and GC.
func (r *MMSA) Terminate() {
	hk.Unreg(r.Name + ".hk")
	var freed int64
	for _, s := range r.rings {
		freed += s.cleanup()
	}
	r.used.Store(0)
	runtime.GC()
	glog.Infof("%s terminated, freed %s", r.Name, cmn.B2S(freed, 1))
}

// NumClasses returns the number of precomputed size classes.
func (r *MMSA) NumClasses() int { return len(r.rings) }

// Slab returns the size class by its id.
func (r *MMSA) Slab(id int) *Slab {
	cmn.Assert(id >= 0 && id < len(r.rings))
	return r.rings[id]
}

// SelectClass returns the smallest class whose chunk fits size.
func (r *MMSA) SelectClass(size int64) (*Slab, error) {
	if size > r.MaxChunk {
		return nil, fmt.Errorf("%s: size %d exceeds max chunk %d", r.Name, size, r.MaxChunk)
	}
	// rings are sorted by chunk size; binary search is not worth it for <=64
	for _, s := range r.rings {
		if s.chunkSize >= size {
			return s, nil
		}
	}
	return r.rings[len(r.rings)-1], nil
}

// Alloc returns a chunk of the smallest class that fits size.
func (r *MMSA) Alloc(size int64) (buf []byte, slab *Slab, err error) {
	slab, err = r.SelectClass(size)
	if err != nil {
		return
	}
	buf, err = slab.Alloc()
	return
}

// Used returns bytes currently taken from the global reserve.
func (r *MMSA) Used() int64 { return r.used.Load() }

// reservePage charges one page against the budget; false when exhausted.
func (r *MMSA) reservePage() bool {
	for {
		u := r.used.Load()
		if u+PageSize > r.MaxBytes {
			return false
		}
		if r.used.CAS(u, u+PageSize) {
			return true
		}
	}
}

//////////////
// Slab API //
//////////////

func (s *Slab) Size() int64 { return s.chunkSize }
func (s *Slab) ID() int     { return s.id }
func (s *Slab) Tag() string { return s.tag }
func (s *Slab) MMSA() *MMSA { return s.m }

func (s *Slab) Alloc() (buf []byte, err error) {
	s.muget.Lock()
	buf, err = s._alloc()
	s.muget.Unlock()
	return
}

func (s *Slab) Free(bufs ...[]byte) {
	s.muput.Lock()
	for _, buf := range bufs {
		size := cap(buf)
		b := buf[:size] // always freeing the original (full) size
		if debug.Enabled {
			debug.Assert(int64(size) == s.Size())
			for i := 0; i < len(b); i += len(deadBEEF) {
				copy(b[i:], deadBEEF)
			}
		}
		s.put = append(s.put, b)
	}
	s.muput.Unlock()
}

// Stats returns a point-in-time snapshot for this class.
func (s *Slab) Stats() (st SlabStats) {
	st.ChunkSize = s.chunkSize
	st.PerPage = s.perPage
	st.Hits = s.hits.Load()
	s.muget.Lock()
	s.muput.Lock()
	freeList := int64(len(s.get)-s.pos) + int64(len(s.put))
	pages := int64(len(s.pages))
	uncarved := int64(0)
	if s.cur != nil {
		pages++
		uncarved = (PageSize - s.curOff) / s.chunkSize
	}
	st.UsedChunks = s.carved.Load() - freeList
	s.muput.Unlock()
	s.muget.Unlock()
	st.TotalPages = pages
	st.FreeChunks = freeList + uncarved
	return
}

/////////////////////
// private methods //
/////////////////////

func align(size int64) int64 {
	return (size + chunkAlign - 1) &^ (chunkAlign - 1)
}

func (s *Slab) _alloc() (buf []byte, err error) {
	if len(s.get) > s.pos { // fast path
		buf = s.get[s.pos]
		s.pos++
		s.hitsInc()
		return
	}
	return s._allocSlow()
}

// NOTE: entered with muget held.
func (s *Slab) _allocSlow() (buf []byte, err error) {
	debug.Assert(len(s.get) == s.pos)

	s.muput.Lock()
	if len(s.put) == 0 && !s.carve() {
		s.muput.Unlock()
		return nil, ErrNoChunk
	}
	s.get, s.put = s.put, s.get
	s.put = s.put[:0]
	s.muput.Unlock()

	s.pos = 0
	buf = s.get[s.pos]
	s.pos++
	s.hitsInc()
	return
}

// carve replenishes the put list from the current page, taking a new page
// from the global reserve when the current one is exhausted.
// NOTE: entered with muput held.
func (s *Slab) carve() bool {
	if s.cur == nil && !s.addPage() {
		return false
	}
	for s.curOff+s.chunkSize <= PageSize {
		chunk := s.cur[s.curOff : s.curOff+s.chunkSize : s.curOff+s.chunkSize]
		s.put = append(s.put, chunk)
		s.curOff += s.chunkSize
		s.carved.Inc()
	}
	s.pages = append(s.pages, s.cur)
	s.cur, s.curOff = nil, 0
	return true
}

// NOTE: entered with muput held.
func (s *Slab) addPage() bool {
	if !s.m.reservePage() {
		if glog.V(4) {
			glog.Infof("%s: reserve exhausted at %s", s.tag, cmn.B2S(s.m.Used(), 1))
		}
		return false
	}
	s.cur = make([]byte, PageSize)
	s.curOff = 0
	return true
}

func (s *Slab) cleanup() (freed int64) {
	s.muget.Lock()
	s.muput.Lock()
	freed = int64(len(s.pages)) * PageSize
	if s.cur != nil {
		freed += PageSize
	}
	s.get, s.put, s.pages, s.cur = nil, nil, nil, nil
	s.pos, s.curOff = 0, 0
	s.muput.Unlock()
	s.muget.Unlock()
	return
}

func (s *Slab) hitsInc() { s.hits.Inc() }

func (r *MMSA) housekeep() time.Duration {
	if glog.V(4) {
		for _, s := range r.rings {
			st := s.Stats()
			if st.TotalPages == 0 {
				continue
			}
			glog.Infof("%s: pages %d, used %d, free %d, hits %d",
				s.tag, st.TotalPages, st.UsedChunks, st.FreeChunks, st.Hits)
		}
	}
	return hkIval
}
