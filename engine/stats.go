// Package engine implements the storage-engine façade.
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package engine

import (
	"strconv"

	jsoniter "github.com/json-iterator/go"
	"github.com/memkv/memkv/clock"
)

// GetStats emits key/value statistics through the add-stat callback.
// The empty stat key emits the general set; recognized sub-keys are
// "slabs", "items", "sizes", and "reset".
func (e *Engine) GetStats(cookie Cookie, statKey string, addStat AddStatFn) Status {
	if !e.running() {
		return Failed
	}
	switch statKey {
	case "":
		e.generalStats(cookie, addStat)
	case "slabs":
		e.slabStats(cookie, addStat)
	case "items":
		e.itemStats(cookie, addStat)
	case "sizes":
		e.sizeStats(cookie, addStat)
	case "reset":
		e.ResetStats()
	default:
		return KeyNotFound
	}
	return Success
}

func (e *Engine) ResetStats() {
	if e.statsT != nil {
		e.statsT.Reset()
	}
}

// UnknownCommand is the engine-specific extension point; this engine
// defines no extensions.
func (e *Engine) UnknownCommand(cookie Cookie, req *RequestHeader, addResponse AddResponseFn) Status {
	return NotSupp
}

func (e *Engine) generalStats(cookie Cookie, addStat AddStatFn) {
	now := clock.Now()
	addStat("engine", e.info, cookie)
	addStat("uptime", utoa(uint64(now)), cookie)
	addStat("time", itoa(clock.StartEpoch()+int64(now)), cookie)
	addStat("curr_items", itoa(e.table.Count()), cookie)
	addStat("bytes", itoa(e.mm.Used()), cookie)
	addStat("engine_maxbytes", itoa(e.config.CacheSize), cookie)
	addStat("hash_buckets", itoa(int64(e.table.Size())), cookie)
	addStat("rehash_in_progress", btoa(e.table.Rehashing()), cookie)
	e.statsT.Range(func(name string, val int64) {
		addStat(name, itoa(val), cookie)
	})
}

func (e *Engine) slabStats(cookie Cookie, addStat AddStatFn) {
	var (
		active     int64
		totalPages int64
	)
	for i := 0; i < e.mm.NumClasses(); i++ {
		st := e.mm.Slab(i).Stats()
		if st.TotalPages == 0 {
			continue
		}
		active++
		totalPages += st.TotalPages
		prefix := strconv.Itoa(i) + ":"
		addStat(prefix+"chunk_size", itoa(st.ChunkSize), cookie)
		addStat(prefix+"chunks_per_page", itoa(st.PerPage), cookie)
		addStat(prefix+"total_pages", itoa(st.TotalPages), cookie)
		addStat(prefix+"used_chunks", itoa(st.UsedChunks), cookie)
		addStat(prefix+"free_chunks", itoa(st.FreeChunks), cookie)
		addStat(prefix+"get_hits", utoa(st.Hits), cookie)
	}
	addStat("active_slabs", itoa(active), cookie)
	addStat("total_pages", itoa(totalPages), cookie)
	addStat("total_malloced", itoa(e.mm.Used()), cookie)
}

func (e *Engine) itemStats(cookie Cookie, addStat AddStatFn) {
	now := clock.Now()
	for i := 0; i < e.mm.NumClasses(); i++ {
		n := e.chains.Len(i)
		if n == 0 {
			continue
		}
		prefix := "items:" + strconv.Itoa(i) + ":"
		addStat(prefix+"number", itoa(int64(n)), cookie)
		if oldest := e.chains.Oldest(i); oldest != 0 && now > oldest {
			addStat(prefix+"age", utoa(uint64(now-oldest)), cookie)
		}
	}
}

// sizeStats emits one JSON document: linked item counts keyed by class
// chunk size.
func (e *Engine) sizeStats(cookie Cookie, addStat AddStatFn) {
	hist := make(map[string]int, e.mm.NumClasses())
	for i := 0; i < e.mm.NumClasses(); i++ {
		if n := e.chains.Len(i); n > 0 {
			hist[itoa(e.mm.Slab(i).Size())] = n
		}
	}
	b, err := jsoniter.Marshal(hist)
	if err != nil {
		return
	}
	addStat("sizes", string(b), cookie)
}

func itoa(v int64) string  { return strconv.FormatInt(v, 10) }
func utoa(v uint64) string { return strconv.FormatUint(v, 10) }

func btoa(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
