// Package cmn provides common low-level types and utilities for all memkv packages
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"math/rand"
	"sync"
	"time"

	"github.com/teris-io/shortid"
)

var (
	sid     *shortid.Shortid
	sidOnce sync.Once
)

// GenUUID returns a compact unique identifier (engine instances, task tags).
func GenUUID() string {
	sidOnce.Do(func() {
		seed := uint64(time.Now().UnixNano() & 0xffffffff)
		sid = shortid.MustNew(4 /*worker*/, shortid.DefaultABC, seed)
		rand.Seed(int64(seed))
	})
	return sid.MustGenerate()
}
