// Package clock publishes the process-wide relative time - a low-resolution,
// monotonic counter of seconds since process start - and implements the
// conversion of client-supplied expiration inputs to relative time.
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package clock

import (
	"sync"
	"time"

	"github.com/memkv/memkv/hk"
	"go.uber.org/atomic"
)

// Expiration inputs less or equal RelThreshold are offsets from now;
// anything larger is an absolute Unix time.
const RelThreshold = 60 * 60 * 24 * 30

const hkName = "clock.tick"

var (
	current    atomic.Uint32 // seconds since start, read lock-free by everyone
	started    = time.Now()
	startEpoch = started.Unix()
	runOnce    sync.Once
)

// Run registers the once-per-second tick with the housekeeper. Idempotent.
func Run() {
	runOnce.Do(func() {
		hk.Reg(hkName, tick, time.Second)
	})
}

func tick() time.Duration {
	Sync()
	return time.Second
}

// Sync recomputes relative time from the monotonic wall reading.
// Relative time never goes backwards.
func Sync() {
	elapsed := uint32(time.Since(started) / time.Second)
	for {
		cur := current.Load()
		if elapsed <= cur {
			return
		}
		if current.CAS(cur, elapsed) {
			return
		}
	}
}

// Now returns the current relative time. Reads may be up to one tick stale.
func Now() uint32 { return current.Load() }

// StartEpoch returns the Unix time at which the clock started.
func StartEpoch() int64 { return startEpoch }

// Realtime converts an expiration input to relative time:
// 0 means never-expires; inputs within RelThreshold are offsets from now;
// larger inputs are absolute Unix times (an absolute time in the past
// maps to 1 second after start, i.e. already expired).
func Realtime(exptime int64) uint32 {
	if exptime == 0 {
		return 0
	}
	if exptime < 0 {
		return 1
	}
	if exptime > RelThreshold {
		if exptime <= startEpoch {
			return 1
		}
		return uint32(exptime - startEpoch)
	}
	return uint32(exptime) + Now()
}
