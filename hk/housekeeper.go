// Package hk provides mechanism for registering cleanup
// functions which are invoked at specified intervals.
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package hk

import (
	"container/heap"
	"time"

	"github.com/memkv/memkv/cmn"
	"github.com/memkv/memkv/cmn/mono"
)

const DayInterval = 24 * time.Hour

type (
	// CleanupFunc is invoked at its scheduled time and returns
	// the interval after which it must be invoked again.
	CleanupFunc func() time.Duration

	request struct {
		registering     bool
		name            string
		f               CleanupFunc
		initialInterval time.Duration
	}

	timedAction struct {
		name       string
		f          CleanupFunc
		updateTime int64
	}
	timedActions []timedAction

	housekeeper struct {
		stopCh  *cmn.StopCh
		actions *timedActions
		timer   *time.Timer
		workCh  chan request
		running bool
	}
)

var DefaultHK *housekeeper

func init() {
	DefaultHK = &housekeeper{
		workCh:  make(chan request, 16),
		stopCh:  cmn.NewStopCh(),
		actions: &timedActions{},
	}
	heap.Init(DefaultHK.actions)
}

func (tc timedActions) Len() int            { return len(tc) }
func (tc timedActions) Less(i, j int) bool  { return tc[i].updateTime < tc[j].updateTime }
func (tc timedActions) Swap(i, j int)       { tc[i], tc[j] = tc[j], tc[i] }
func (tc timedActions) Peek() *timedAction  { return &tc[0] }
func (tc *timedActions) Push(x interface{}) { *tc = append(*tc, x.(timedAction)) }
func (tc *timedActions) Pop() interface{} {
	old := *tc
	n := len(old)
	item := old[n-1]
	*tc = old[0 : n-1]
	return item
}

// Reg registers a cleanup callback under a unique name; initialInterval
// (optional) delays the first invocation.
func Reg(name string, f CleanupFunc, initialInterval ...time.Duration) {
	var interval time.Duration
	if len(initialInterval) > 0 {
		interval = initialInterval[0]
	}
	DefaultHK.workCh <- request{
		registering:     true,
		name:            name,
		f:               f,
		initialInterval: interval,
	}
}

func Unreg(name string) {
	DefaultHK.workCh <- request{
		registering: false,
		name:        name,
	}
}

func (hk *housekeeper) Stop() { hk.stopCh.Close() }

func (hk *housekeeper) Run() {
	hk.running = true
	hk.timer = time.NewTimer(time.Hour)
	defer hk.timer.Stop()
	for {
		select {
		case <-hk.stopCh.Listen():
			return
		case <-hk.timer.C:
			if hk.actions.Len() == 0 {
				break
			}
			// Run callbacks due now; re-push with the returned interval.
			now := mono.NanoTime()
			for hk.actions.Len() > 0 && hk.actions.Peek().updateTime <= now {
				item := heap.Pop(hk.actions).(timedAction)
				interval := item.f()
				item.updateTime = now + interval.Nanoseconds()
				heap.Push(hk.actions, item)
			}
			hk.updateTimer()
		case req := <-hk.workCh:
			if req.registering {
				cmn.AssertMsg(req.f != nil, req.name)
				initial := req.initialInterval
				if initial == 0 {
					initial = req.f()
				}
				nt := mono.NanoTime() + initial.Nanoseconds()
				heap.Push(hk.actions, timedAction{name: req.name, f: req.f, updateTime: nt})
			} else {
				foundIdx := -1
				for idx, tc := range *hk.actions {
					if tc.name == req.name {
						foundIdx = idx
						break
					}
				}
				if foundIdx != -1 {
					heap.Remove(hk.actions, foundIdx)
				}
			}
			hk.updateTimer()
		}
	}
}

func (hk *housekeeper) updateTimer() {
	if hk.actions.Len() == 0 {
		hk.timer.Reset(time.Hour)
		return
	}
	d := time.Duration(hk.actions.Peek().updateTime - mono.NanoTime())
	if d < 0 {
		d = time.Millisecond
	}
	hk.timer.Reset(d)
}
