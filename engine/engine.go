// Package engine implements the storage-engine façade.
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/memkv/memkv/clock"
	"github.com/memkv/memkv/cmn"
	"github.com/memkv/memkv/core"
	"github.com/memkv/memkv/hk"
	"github.com/memkv/memkv/lru"
	"github.com/memkv/memkv/memsys"
	"github.com/memkv/memkv/stats"
	"go.uber.org/atomic"
)

// engine lifecycle
const (
	stateCreated = iota
	stateRunning
	stateDestroyed
)

// bounded inline reclamation before surfacing NoMemory (or deferring)
const inlineReclaimRounds = 3

// interval of the background expired-item scrubber
const scrubIval = 30 * time.Second

type Engine struct {
	id     string
	info   string
	server ServerAPI
	config Config

	mm     *memsys.MMSA
	table  *core.Table
	chains *lru.Chains
	statsT *stats.CoreStats
	comp   *completions

	casID   atomic.Uint64
	linkSeq atomic.Uint64 // stamps every link; drives the immediate-flush horizon

	flushSeq atomic.Uint64 // items with seq <= flushSeq are gone
	flushAt  atomic.Uint32 // scheduled flush horizon, rel-time; 0 = none

	state atomic.Int32
}

// interface guard
var _ V1 = &Engine{}

func newEngine(server ServerAPI) *Engine {
	e := &Engine{
		id:     cmn.GenUUID(),
		server: server,
	}
	e.info = fmt.Sprintf("memkv cache engine v%d [%s]", InterfaceVersion, e.id)
	return e
}

func (e *Engine) Version() int    { return InterfaceVersion }
func (e *Engine) GetInfo() string { return e.info }

func (e *Engine) Initialize(config string) Status {
	cfg, err := ParseConfig(config)
	if err != nil {
		glog.Errorf("%s: %v", e.id, err)
		return InvalidArg
	}
	if !e.state.CAS(stateCreated, stateRunning) {
		return Failed
	}
	e.config = cfg

	maxChunk := cmn.MinI64(memsys.PageSize, core.Footprint(core.KeyMaxLen, int(cfg.ItemSizeMax)))
	e.mm = &memsys.MMSA{
		Name:     "mm." + e.id,
		MaxBytes: cfg.CacheSize,
		ChunkMin: cfg.ChunkSize,
		MaxChunk: maxChunk,
		Factor:   cfg.Factor,
		Prealloc: cfg.Preallocate,
	}
	if err := e.mm.Init(); err != nil {
		e.state.Store(stateDestroyed)
		glog.Errorf("%s: %v", e.id, err)
		if errors.Is(err, memsys.ErrNoChunk) {
			return NoMemory
		}
		return InvalidArg
	}
	e.statsT = stats.New()
	e.table = core.NewTable(core.MinTableSize)
	e.chains = lru.New(e.mm.NumClasses(), e.statsT)
	e.comp = newCompletions(e)
	clock.Run()
	hk.Reg("scrub."+e.id, e.scrub, scrubIval)
	glog.Infof("%s initialized: %s", e.info, cfg.String())
	return Success
}

// scrub reaps expired items ahead of demand; lazy expiration does not
// depend on it.
func (e *Engine) scrub() time.Duration {
	if !e.running() {
		return scrubIval
	}
	reaped := 0
	for cls := 0; cls < e.mm.NumClasses(); cls++ {
		reaped += e.chains.ReapExpired(cls, e.evictCb, e.unpin)
	}
	if reaped > 0 && glog.V(4) {
		glog.Infof("%s: scrubbed %d expired items", e.id, reaped)
	}
	return scrubIval
}

func (e *Engine) Destroy() {
	if !e.state.CAS(stateRunning, stateDestroyed) {
		return
	}
	hk.Unreg("scrub." + e.id)
	e.comp.stop()
	e.mm.Terminate()
	glog.Infof("%s destroyed", e.info)
}

func (e *Engine) running() bool { return e.state.Load() == stateRunning }

//
// item lifecycle
//

// Allocate reserves a detached item for key + nbytes of value. The caller
// fills the value and commits with Store; refcount is 1 on return.
func (e *Engine) Allocate(cookie Cookie, key []byte, nbytes int, flags uint32, exptime int64) (*core.Item, Status) {
	if !e.running() {
		return nil, Failed
	}
	if len(key) < 1 || len(key) > core.KeyMaxLen || nbytes < 0 {
		return nil, InvalidArg
	}
	if int64(nbytes) > e.config.ItemSizeMax {
		return nil, TooBig
	}
	// re-drive of a deferred allocation
	if cookie != 0 && e.comp != nil {
		if res, ok := e.comp.take(cookie); ok {
			return res.it, res.status
		}
	}
	exp := clock.Realtime(exptime)
	it, st := e.allocateItem(key, nbytes, flags, exp)
	if st == NoMemory && cookie != 0 && e.server != nil {
		// hand off to the completion worker for a deeper reclamation pass
		if e.comp.submitAlloc(cookie, key, nbytes, flags, exp) {
			e.statsT.Add(stats.Deferred, 1)
			return nil, WouldBlock
		}
	}
	return it, st
}

func (e *Engine) allocateItem(key []byte, nbytes int, flags, exp uint32) (*core.Item, Status) {
	fp := core.Footprint(len(key), nbytes)
	slab, err := e.mm.SelectClass(fp)
	if err != nil {
		return nil, TooBig
	}
	buf, st := e.allocChunk(slab, inlineReclaimRounds)
	if st != Success {
		return nil, st
	}
	return core.NewItem(buf, key, nbytes, flags, exp, slab.ID()), Success
}

// allocChunk takes a chunk from the class, reclaiming via the eviction
// engine up to the given number of rounds.
func (e *Engine) allocChunk(slab *memsys.Slab, rounds int) ([]byte, Status) {
	for i := 0; ; i++ {
		buf, err := slab.Alloc()
		if err == nil {
			return buf, Success
		}
		if !e.config.Eviction || i >= rounds || !e.chains.Reclaim(slab.ID(), e.evictCb, e.unpin) {
			e.statsT.Add(stats.OOMErrors, 1)
			return nil, NoMemory
		}
	}
}

// evictCb re-validates a pinned reclamation candidate under the table lock
// and unlinks it when still eligible.
func (e *Engine) evictCb(it *core.Item) bool {
	hash := e.table.KeyHash(it.Key())
	e.table.Lock(hash)
	// the pin accounts for one reference, the table for another
	if !it.IsLinked() || it.RefCount() != 2 {
		e.table.Unlock(hash)
		return false
	}
	e.unlinkLocked(it, hash)
	e.table.Unlock(hash)
	return true
}

// unpin drops the reclamation-scan reference.
func (e *Engine) unpin(it *core.Item) {
	if it.DecRef() == 0 {
		e.freeChunk(it)
	}
}

// unlinkLocked removes the item from the table and its class chain and
// drops the table's reference; the bucket stripe must be held.
// NOTE: the chain unlink must precede the ref drop - the reclamation scan
// pins items it finds on a chain.
func (e *Engine) unlinkLocked(it *core.Item, hash uint64) {
	e.table.UnlinkLocked(it, hash)
	e.chains.Unlink(it)
	if it.DecRef() == 0 {
		e.freeChunk(it)
	}
}

func (e *Engine) freeChunk(it *core.Item) {
	e.mm.Slab(it.ClsID()).Free(it.Chunk())
}

// Get returns a live item with an incremented refcount, or KeyNotFound.
// Expired and flushed items are lazily unlinked here.
func (e *Engine) Get(cookie Cookie, key []byte) (*core.Item, Status) {
	if !e.running() {
		return nil, Failed
	}
	if len(key) < 1 || len(key) > core.KeyMaxLen {
		return nil, InvalidArg
	}
	e.statsT.Add(stats.GetCount, 1)
	var (
		hash = e.table.KeyHash(key)
		now  = clock.Now()
	)
	e.table.Lock(hash)
	it := e.table.LookupLocked(key, hash)
	if it == nil {
		e.table.Unlock(hash)
		e.statsT.Add(stats.GetMisses, 1)
		return nil, KeyNotFound
	}
	if it.Expired(now) || e.flushed(it, now) {
		expired := it.Expired(now)
		e.unlinkLocked(it, hash)
		e.table.Unlock(hash)
		if expired {
			e.statsT.Add(stats.GetExpired, 1)
		} else {
			e.statsT.Add(stats.GetFlushed, 1)
		}
		e.statsT.Add(stats.GetMisses, 1)
		return nil, KeyNotFound
	}
	it.IncRef()
	e.table.Unlock(hash)
	e.chains.Bump(it, now)
	e.statsT.Add(stats.GetHits, 1)
	return it, Success
}

// Release drops a caller handle; the last drop of an unlinked item frees
// its chunk.
func (e *Engine) Release(it *core.Item) {
	if it == nil {
		return
	}
	if it.DecRef() == 0 {
		e.freeChunk(it)
	}
}

// Remove unlinks the item; the chunk is physically freed when the last
// handle goes away. The caller still owns (and must Release) its handle.
func (e *Engine) Remove(cookie Cookie, it *core.Item) Status {
	if !e.running() {
		return Failed
	}
	hash := e.table.KeyHash(it.Key())
	e.table.Lock(hash)
	if !it.IsLinked() {
		e.table.Unlock(hash)
		return KeyNotFound
	}
	e.unlinkLocked(it, hash)
	e.table.Unlock(hash)
	e.statsT.Add(stats.DeleteHits, 1)
	return Success
}

// flushed applies both flush horizons: the link-sequence one (immediate
// flush) and the relative-time one (scheduled flush).
func (e *Engine) flushed(it *core.Item, now uint32) bool {
	if fs := e.flushSeq.Load(); fs != 0 && it.Seq() <= fs {
		return true
	}
	if fa := e.flushAt.Load(); fa != 0 && now >= fa && it.LinkTime < fa {
		return true
	}
	return false
}
