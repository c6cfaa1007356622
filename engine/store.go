// Package engine implements the storage-engine façade.
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package engine

import (
	"strconv"

	"github.com/memkv/memkv/clock"
	"github.com/memkv/memkv/core"
	"github.com/memkv/memkv/stats"
)

// Store commits a previously allocated item under the given semantics.
// On success the engine-wide CAS counter advances and the new version is
// returned. The item is consumed: it must not be stored again (the caller
// keeps its handle and must still Release it).
func (e *Engine) Store(cookie Cookie, it *core.Item, op StoreOp) (uint64, Status) {
	if !e.running() {
		return 0, Failed
	}
	e.statsT.Add(stats.SetCount, 1)
	switch op {
	case OpAdd, OpSet, OpReplace, OpCAS:
		cas, st := e.storeItem(it, op)
		e.storeStats(op, st)
		return cas, st
	case OpAppend, OpPrepend:
		cas, st := e.concat(cookie, it, op)
		e.storeStats(op, st)
		return cas, st
	}
	return 0, InvalidArg
}

func (e *Engine) storeStats(op StoreOp, st Status) {
	if op == OpCAS {
		switch st {
		case Success:
			e.statsT.Add(stats.CasHits, 1)
		case KeyExists:
			e.statsT.Add(stats.CasBadval, 1)
		case KeyNotFound:
			e.statsT.Add(stats.CasMisses, 1)
		}
		return
	}
	switch st {
	case Success:
		e.statsT.Add(stats.StoreHits, 1)
	case NotStored:
		e.statsT.Add(stats.StoreMisses, 1)
	}
}

// storeItem handles Add/Set/Replace/Cas. For OpCAS the compare value is the
// CAS stamp the front-end placed on the item (SetCAS).
func (e *Engine) storeItem(it *core.Item, op StoreOp) (uint64, Status) {
	if op == OpCAS && !e.config.CasEnabled {
		return 0, NotSupp
	}
	var (
		hash = e.table.KeyHash(it.Key())
		now  = clock.Now()
	)
	e.table.Lock(hash)
	cur := e.table.LookupLocked(it.Key(), hash)
	if cur != nil && (cur.Expired(now) || e.flushed(cur, now)) {
		e.unlinkLocked(cur, hash)
		cur = nil
	}
	switch op {
	case OpAdd:
		if cur != nil {
			e.table.Unlock(hash)
			return 0, NotStored
		}
	case OpReplace:
		if cur == nil {
			e.table.Unlock(hash)
			return 0, NotStored
		}
	case OpCAS:
		if cur == nil {
			e.table.Unlock(hash)
			return 0, KeyNotFound
		}
		if cur.CAS() != it.CAS() {
			e.table.Unlock(hash)
			return 0, KeyExists
		}
	}
	cas := e.linkLocked(it, cur, hash, now)
	e.table.Unlock(hash)
	e.table.MaybeGrow()
	e.statsT.Add(stats.TotalItems, 1)
	return cas, Success
}

// replaceIf atomically swaps prev for it, failing when the table entry is
// no longer prev. Used by the internal read-modify-write paths (concat,
// arithmetic), which must linearise regardless of cas_enabled.
func (e *Engine) replaceIf(it, prev *core.Item) (uint64, Status) {
	var (
		hash = e.table.KeyHash(it.Key())
		now  = clock.Now()
	)
	e.table.Lock(hash)
	cur := e.table.LookupLocked(it.Key(), hash)
	if cur == nil {
		e.table.Unlock(hash)
		return 0, KeyNotFound
	}
	if cur != prev {
		e.table.Unlock(hash)
		return 0, KeyExists
	}
	cas := e.linkLocked(it, cur, hash, now)
	e.table.Unlock(hash)
	e.statsT.Add(stats.TotalItems, 1)
	return cas, Success
}

// linkLocked stamps and links it, replacing cur when non-nil; the bucket
// stripe must be held.
func (e *Engine) linkLocked(it, cur *core.Item, hash uint64, now uint32) (cas uint64) {
	if e.config.CasEnabled {
		cas = e.casID.Inc()
	}
	it.SetCAS(cas)
	it.SetSeq(e.linkSeq.Inc())
	it.LinkTime = now
	if cur != nil {
		e.unlinkLocked(cur, hash)
	}
	it.IncRef() // the table's reference
	e.table.LinkLocked(it, hash)
	e.chains.Link(it)
	return
}

// concat implements append/prepend: read the existing value, build the
// concatenation in a fresh item of the correct class, swap atomically.
// Flags and exptime inherit from the existing item.
func (e *Engine) concat(cookie Cookie, nit *core.Item, op StoreOp) (uint64, Status) {
	key := nit.Key()
	for {
		cur, st := e.Get(cookie, key)
		if st != Success {
			if st == KeyNotFound {
				return 0, NotStored
			}
			return 0, st
		}
		total := cur.NBytes() + nit.NBytes()
		if int64(total) > e.config.ItemSizeMax {
			e.Release(cur)
			return 0, TooBig
		}
		combined, ast := e.allocateItem(key, total, cur.Flags, cur.Exptime)
		if ast != Success {
			e.Release(cur)
			return 0, ast
		}
		v := combined.Value()
		if op == OpAppend {
			copy(v, cur.Value())
			copy(v[cur.NBytes():], nit.Value())
		} else {
			copy(v, nit.Value())
			copy(v[nit.NBytes():], cur.Value())
		}
		cas, sst := e.replaceIf(combined, cur)
		e.Release(cur)
		e.Release(combined)
		if sst == Success {
			return cas, Success
		}
		// raced with a concurrent mutation or removal - start over
	}
}

// Arithmetic atomically applies delta to the ASCII-decimal value of key.
// Decrements saturate at zero; increments wrap at 2^64. When the key is
// absent and create is set, the item is created with the initial value.
func (e *Engine) Arithmetic(cookie Cookie, key []byte, increment, create bool, delta, initial uint64,
	exptime int64) (result, cas uint64, st Status) {
	if !e.running() {
		return 0, 0, Failed
	}
	if len(key) < 1 || len(key) > core.KeyMaxLen {
		return 0, 0, InvalidArg
	}
	e.statsT.Add(stats.ArithCount, 1)
	for {
		cur, gst := e.Get(cookie, key)
		if gst == KeyNotFound {
			if !create {
				return 0, 0, KeyNotFound
			}
			val := strconv.FormatUint(initial, 10)
			nit, ast := e.allocateItem(key, len(val), 0, clock.Realtime(exptime))
			if ast != Success {
				return 0, 0, ast
			}
			copy(nit.Value(), val)
			_, sst := e.storeItem(nit, OpAdd)
			if sst == Success {
				ncas := nit.CAS()
				e.Release(nit)
				return initial, ncas, Success
			}
			e.Release(nit)
			if sst == NotStored {
				continue // lost the creation race - retry against the winner
			}
			return 0, 0, sst
		}
		if gst != Success {
			return 0, 0, gst
		}
		old, perr := parseDecimal(cur.Value())
		if perr != Success {
			e.Release(cur)
			return 0, 0, perr
		}
		var nv uint64
		if increment {
			nv = old + delta // wraps by design of unsigned arithmetic
		} else if old < delta {
			nv = 0
		} else {
			nv = old - delta
		}
		val := strconv.FormatUint(nv, 10)
		nit, ast := e.allocateItem(key, len(val), cur.Flags, cur.Exptime)
		if ast != Success {
			e.Release(cur)
			return 0, 0, ast
		}
		copy(nit.Value(), val)
		ncas, sst := e.replaceIf(nit, cur)
		e.Release(cur)
		if sst == Success {
			e.Release(nit)
			return nv, ncas, Success
		}
		e.Release(nit)
		// raced - retry
	}
}

// parseDecimal accepts an ASCII unsigned 64-bit integer and nothing else.
func parseDecimal(b []byte) (uint64, Status) {
	if len(b) == 0 || len(b) > 20 {
		return 0, InvalidArg
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, InvalidArg
	}
	return v, Success
}

// Flush discards everything stored before the flush point: immediately
// when when == 0, otherwise once relative time reaches clock.Realtime(when)
// (when is an offset from now, or an absolute Unix time). Reclamation
// is lazy - flushed items are reaped on access or by the eviction engine.
func (e *Engine) Flush(cookie Cookie, when int64) Status {
	if !e.running() {
		return Failed
	}
	e.statsT.Add(stats.FlushCount, 1)
	if when == 0 {
		e.flushSeq.Store(e.linkSeq.Load())
		return Success
	}
	e.flushAt.Store(clock.Realtime(when))
	return Success
}
