// +build !debug

// Package debug provides debug-build assertions and logging that compile away in production
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package debug

const Enabled = false

func Assert(bool) {}

func AssertMsg(bool, string) {}

func AssertNoErr(error) {}

func Assertf(bool, string, ...interface{}) {}

func Infof(string, ...interface{}) {}

func Errorf(string, ...interface{}) {}
