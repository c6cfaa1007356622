// Package core implements the cache item and the hash-indexed item table.
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package core

import (
	"container/list"
	"unsafe"

	"go.uber.org/atomic"
)

const (
	// KeyMaxLen is the hard limit on key length, bytes.
	KeyMaxLen = 250
)

// internal flag bits; the low byte is reserved to the core
const (
	iflagLinked = 1 << 0 // item is in the table and on its class chain
)

// HdrSize is the per-item header charge used for size-class accounting.
const HdrSize = int64(unsafe.Sizeof(Item{}))

// Item is the unit of storage. The data slice is a slab chunk holding the
// key followed by the value. Everything except ref, iflag and lastBump is
// immutable once the item is linked; mutations replace the whole item.
type (
	Item struct {
		hnext    *Item         // hash bucket chain
		elem     *list.Element // class chain element; nil when unlinked
		data     []byte        // slab chunk: key then value
		cas      uint64
		ref      atomic.Int32  // caller handles + one for the table while linked
		iflag    atomic.Uint32 // low byte reserved (see above)
		lastBump atomic.Uint32 // rel-time of the last MRU move
		seq      uint64        // link sequence, for the flush horizon
		Flags    uint32        // opaque, returned verbatim
		Exptime  uint32        // rel-time; 0 = never
		LinkTime uint32        // rel-time the item was linked
		nkey     uint16
		clsID    uint16
		nbytes   int
	}
)

// NewItem wraps a slab chunk. The caller copies the key in; the value part
// is filled by the caller before the item is stored.
func NewItem(chunk []byte, key []byte, nbytes int, flags, exptime uint32, clsID int) *Item {
	it := &Item{
		data:    chunk[:len(key)+nbytes],
		Flags:   flags,
		Exptime: exptime,
		nkey:    uint16(len(key)),
		clsID:   uint16(clsID),
		nbytes:  nbytes,
	}
	copy(it.data, key)
	it.ref.Store(1) // the allocating caller's handle
	return it
}

func (it *Item) Key() []byte   { return it.data[:it.nkey] }
func (it *Item) Value() []byte { return it.data[it.nkey : int(it.nkey)+it.nbytes] }
func (it *Item) NKey() int     { return int(it.nkey) }
func (it *Item) NBytes() int   { return it.nbytes }
func (it *Item) ClsID() int    { return int(it.clsID) }

// Chunk returns the full backing slab chunk (for releasing to its class).
func (it *Item) Chunk() []byte { return it.data[:cap(it.data)] }

func (it *Item) CAS() uint64       { return it.cas }
func (it *Item) SetCAS(cas uint64) { it.cas = cas }

func (it *Item) Seq() uint64       { return it.seq }
func (it *Item) SetSeq(seq uint64) { it.seq = seq }

// Ref management: the item is freed by whoever drops the count to zero.
func (it *Item) IncRef() int32   { return it.ref.Inc() }
func (it *Item) DecRef() int32   { return it.ref.Dec() }
func (it *Item) RefCount() int32 { return it.ref.Load() }

func (it *Item) IsLinked() bool { return it.iflag.Load()&iflagLinked != 0 }
func (it *Item) SetLinked()     { it.iflag.Store(it.iflag.Load() | iflagLinked) }
func (it *Item) ClearLinked()   { it.iflag.Store(it.iflag.Load() &^ iflagLinked) }

// Expired is the lazy-expiration predicate.
func (it *Item) Expired(now uint32) bool {
	return it.Exptime != 0 && it.Exptime <= now
}

func (it *Item) LastBump() uint32       { return it.lastBump.Load() }
func (it *Item) SetLastBump(now uint32) { it.lastBump.Store(now) }

// ChainElem accessors are used by the eviction engine only.
func (it *Item) ChainElem() *list.Element      { return it.elem }
func (it *Item) SetChainElem(le *list.Element) { it.elem = le }

// Footprint is the size-class charge for a (key, value) pair.
func Footprint(nkey, nbytes int) int64 {
	return HdrSize + int64(nkey) + int64(nbytes)
}
