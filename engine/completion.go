// Package engine implements the storage-engine façade.
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package engine

import (
	"runtime"
	"sync"

	"github.com/golang/glog"
	"github.com/memkv/memkv/cmn"
	"github.com/memkv/memkv/core"
	"github.com/memkv/memkv/stats"
	"go.uber.org/atomic"
)

// An operation that cannot complete inline may return WouldBlock, after
// which the engine owes the front-end exactly one NotifyIOComplete for the
// cookie. The result is cached against the cookie so that the re-driven
// request is idempotent; a cancelled cookie's result is discarded before
// signalling.

const (
	compQueueDepth = 256

	// the background pass works harder than the inline one
	deferredReclaimRounds = 16
)

type (
	compTask struct {
		cookie   Cookie
		key      []byte
		nbytes   int
		flags    uint32
		exptime  uint32
		canceled atomic.Bool
	}
	compResult struct {
		it     *core.Item
		status Status
	}
	completions struct {
		e       *Engine
		mu      sync.Mutex
		pending map[Cookie]*compTask
		done    map[Cookie]compResult
		workCh  chan *compTask
		stopCh  *cmn.StopCh
		wg      sync.WaitGroup
	}
)

func newCompletions(e *Engine) *completions {
	c := &completions{
		e:       e,
		pending: make(map[Cookie]*compTask),
		done:    make(map[Cookie]compResult),
		workCh:  make(chan *compTask, compQueueDepth),
		stopCh:  cmn.NewStopCh(),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// submitAlloc queues a deferred allocation; false when the cookie already
// has a pending operation or the queue is full (the caller then fails
// synchronously).
func (c *completions) submitAlloc(cookie Cookie, key []byte, nbytes int, flags, exptime uint32) bool {
	task := &compTask{
		cookie:  cookie,
		key:     append([]byte(nil), key...),
		nbytes:  nbytes,
		flags:   flags,
		exptime: exptime,
	}
	c.mu.Lock()
	if _, dup := c.pending[cookie]; dup {
		c.mu.Unlock()
		return false
	}
	if _, dup := c.done[cookie]; dup {
		c.mu.Unlock()
		return false
	}
	c.pending[cookie] = task
	c.mu.Unlock()

	select {
	case c.workCh <- task:
		return true
	default:
		c.mu.Lock()
		delete(c.pending, cookie)
		c.mu.Unlock()
		return false
	}
}

// take pops a completed result for the re-driven request.
func (c *completions) take(cookie Cookie) (compResult, bool) {
	c.mu.Lock()
	res, ok := c.done[cookie]
	if ok {
		delete(c.done, cookie)
	}
	c.mu.Unlock()
	return res, ok
}

// cancel discards any pending or completed work for a dead cookie.
func (c *completions) cancel(cookie Cookie) {
	c.mu.Lock()
	if task, ok := c.pending[cookie]; ok {
		task.canceled.Store(true)
		delete(c.pending, cookie)
	}
	res, ok := c.done[cookie]
	if ok {
		delete(c.done, cookie)
	}
	c.mu.Unlock()
	if ok && res.it != nil {
		c.e.Release(res.it)
	}
}

func (c *completions) stop() {
	c.stopCh.Close()
	c.wg.Wait()
	// drop anything nobody will ever re-drive
	c.mu.Lock()
	for cookie, res := range c.done {
		if res.it != nil {
			c.e.Release(res.it)
		}
		delete(c.done, cookie)
	}
	c.mu.Unlock()
}

func (c *completions) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh.Listen():
			return
		case task := <-c.workCh:
			res := c.e.deferredAlloc(task)
			c.mu.Lock()
			delete(c.pending, task.cookie)
			if task.canceled.Load() {
				c.mu.Unlock()
				if res.it != nil {
					c.e.Release(res.it)
				}
				continue
			}
			c.done[task.cookie] = res
			c.mu.Unlock()
			if glog.V(4) {
				glog.Infof("deferred alloc for cookie %d: %s", task.cookie, res.status)
			}
			c.e.server.NotifyIOComplete(task.cookie, res.status)
		}
	}
}

// deferredAlloc is the background allocation pass: same contract as the
// inline path, with a deeper reclamation budget.
func (e *Engine) deferredAlloc(task *compTask) compResult {
	fp := core.Footprint(len(task.key), task.nbytes)
	slab, err := e.mm.SelectClass(fp)
	if err != nil {
		return compResult{status: TooBig}
	}
	for round := 0; round < deferredReclaimRounds; round++ {
		buf, aerr := slab.Alloc()
		if aerr == nil {
			it := core.NewItem(buf, task.key, task.nbytes, task.flags, task.exptime, slab.ID())
			return compResult{it: it, status: Success}
		}
		if !e.config.Eviction {
			break
		}
		if !e.chains.Reclaim(slab.ID(), e.evictCb, e.unpin) {
			runtime.Gosched()
		}
	}
	e.statsT.Add(stats.OOMErrors, 1)
	return compResult{status: NoMemory}
}

// Cancel discards deferred work for a cookie whose front-end request died.
// Out-of-band with respect to the v1 operation table.
func (e *Engine) Cancel(cookie Cookie) {
	if e.comp != nil {
		e.comp.cancel(cookie)
	}
}
