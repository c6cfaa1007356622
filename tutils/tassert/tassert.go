// Package tassert provides common asserts for tests
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package tassert

import (
	"testing"
)

func CheckFatal(t *testing.T, err error) {
	if err != nil {
		t.Helper()
		t.Fatal(err)
	}
}

func CheckError(t *testing.T, err error) {
	if err != nil {
		t.Helper()
		t.Error(err)
	}
}

func Fatalf(t *testing.T, cond bool, msg string, args ...interface{}) {
	if !cond {
		t.Helper()
		t.Fatalf(msg, args...)
	}
}

func Errorf(t *testing.T, cond bool, msg string, args ...interface{}) {
	if !cond {
		t.Helper()
		t.Errorf(msg, args...)
	}
}
