// Package cmn provides common low-level types and utilities for all memkv packages
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"fmt"
)

const assertMsg = "assertion failed"

// NOTE: Not to be used in the datapath - consider debug.Assert instead.

func Assert(cond bool) {
	if !cond {
		panic(assertMsg)
	}
}

func AssertMsg(cond bool, msg string) {
	if !cond {
		panic(assertMsg + ": " + msg)
	}
}

func AssertNoErr(err error) {
	if err != nil {
		panic(err)
	}
}

func Assertf(cond bool, format string, a ...interface{}) {
	if !cond {
		AssertMsg(cond, fmt.Sprintf(format, a...))
	}
}
