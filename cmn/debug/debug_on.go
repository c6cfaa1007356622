// +build debug

// Package debug provides debug-build assertions and logging that compile away in production
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"fmt"

	"github.com/golang/glog"
)

const Enabled = true

func Assert(cond bool) {
	if !cond {
		glog.Flush()
		panic("debug assertion failed")
	}
}

func AssertMsg(cond bool, msg string) {
	if !cond {
		glog.Flush()
		panic("debug assertion failed: " + msg)
	}
}

func AssertNoErr(err error) {
	if err != nil {
		glog.Flush()
		panic(err)
	}
}

func Assertf(cond bool, f string, a ...interface{}) {
	if !cond {
		AssertMsg(cond, fmt.Sprintf(f, a...))
	}
}

func Infof(format string, a ...interface{}) {
	glog.InfoDepth(1, fmt.Sprintf("[DEBUG] "+format, a...))
}

func Errorf(format string, a ...interface{}) {
	glog.ErrorDepth(1, fmt.Sprintf("[DEBUG] "+format, a...))
}
