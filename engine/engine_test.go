// Package engine implements the storage-engine façade.
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package engine_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/memkv/memkv/clock"
	"github.com/memkv/memkv/cmn"
	"github.com/memkv/memkv/core"
	"github.com/memkv/memkv/engine"
	"github.com/memkv/memkv/hk"
	"golang.org/x/sync/errgroup"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestEngineMain(t *testing.T) {
	RegisterFailHandler(Fail)
	go hk.DefaultHK.Run()
	RunSpecs(t, "Engine Suite")
}

type notif struct {
	cookie engine.Cookie
	status engine.Status
}

type testServer struct {
	ch chan notif
}

func newTestServer() *testServer { return &testServer{ch: make(chan notif, 8)} }

func (s *testServer) NotifyIOComplete(cookie engine.Cookie, status engine.Status) {
	s.ch <- notif{cookie, status}
}

//
// helpers driving the façade the way a front-end would
//

func mkEngine(config string, server engine.ServerAPI) engine.V1 {
	eng, st := engine.CreateInstance(engine.InterfaceVersion, server)
	Expect(st).To(Equal(engine.Success))
	Expect(eng.Initialize(config)).To(Equal(engine.Success))
	return eng
}

func store(eng engine.V1, op engine.StoreOp, key, val string, flags uint32, exptime int64, casIn uint64) (uint64, engine.Status) {
	it, st := eng.Allocate(0, []byte(key), len(val), flags, exptime)
	if st != engine.Success {
		return 0, st
	}
	copy(it.Value(), val)
	if casIn != 0 {
		it.SetCAS(casIn)
	}
	cas, st := eng.Store(0, it, op)
	eng.Release(it)
	return cas, st
}

func set(eng engine.V1, key, val string) (uint64, engine.Status) {
	return store(eng, engine.OpSet, key, val, 0, 0, 0)
}

func get(eng engine.V1, key string) (val string, flags uint32, cas uint64, st engine.Status) {
	it, st := eng.Get(0, []byte(key))
	if st != engine.Success {
		return "", 0, 0, st
	}
	val, flags, cas = string(it.Value()), it.Flags, it.CAS()
	eng.Release(it)
	return
}

var _ = Describe("Engine", func() {
	var eng engine.V1

	BeforeEach(func() {
		eng = mkEngine("cache_size=8MiB", nil)
	})
	AfterEach(func() {
		eng.Destroy()
	})

	Describe("create_instance", func() {
		It("negotiates the interface version", func() {
			h, st := engine.CreateInstance(2, nil)
			Expect(st).To(Equal(engine.Success))
			Expect(h.Version()).To(Equal(1))
			Expect(h.GetInfo()).To(ContainSubstring("memkv"))

			_, st = engine.CreateInstance(0, nil)
			Expect(st).To(Equal(engine.NotSupp))
		})
		It("rejects malformed configuration", func() {
			h, _ := engine.CreateInstance(1, nil)
			Expect(h.Initialize("cache_size=")).To(Equal(engine.InvalidArg))
			h, _ = engine.CreateInstance(1, nil)
			Expect(h.Initialize("no_such_option=1")).To(Equal(engine.InvalidArg))
		})
	})

	Describe("store and get", func() {
		It("round-trips value, flags and a nonzero cas", func() {
			cas, st := store(eng, engine.OpSet, "foo", "bar", 7, 0, 0)
			Expect(st).To(Equal(engine.Success))
			Expect(cas).NotTo(BeZero())

			val, flags, gcas, st := get(eng, "foo")
			Expect(st).To(Equal(engine.Success))
			Expect(val).To(Equal("bar"))
			Expect(flags).To(Equal(uint32(7)))
			Expect(gcas).To(Equal(cas))
		})
		It("add succeeds once and only once", func() {
			cas1, st := store(eng, engine.OpAdd, "foo", "1", 0, 0, 0)
			Expect(st).To(Equal(engine.Success))

			val, _, gcas, st := get(eng, "foo")
			Expect(st).To(Equal(engine.Success))
			Expect(val).To(Equal("1"))
			Expect(gcas).To(Equal(cas1))

			_, st = store(eng, engine.OpAdd, "foo", "2", 0, 0, 0)
			Expect(st).To(Equal(engine.NotStored))
			val, _, _, _ = get(eng, "foo")
			Expect(val).To(Equal("1"))
		})
		It("replace requires a live key", func() {
			_, st := store(eng, engine.OpReplace, "nope", "v", 0, 0, 0)
			Expect(st).To(Equal(engine.NotStored))

			set(eng, "k", "old")
			_, st = store(eng, engine.OpReplace, "k", "new", 0, 0, 0)
			Expect(st).To(Equal(engine.Success))
			val, _, _, _ := get(eng, "k")
			Expect(val).To(Equal("new"))
		})
		It("cas values increase across mutations", func() {
			var prev uint64
			for i := 0; i < 10; i++ {
				cas, st := set(eng, "k", fmt.Sprintf("v%d", i))
				Expect(st).To(Equal(engine.Success))
				Expect(cas).To(BeNumerically(">", prev))
				prev = cas
			}
		})
		It("enforces key and value limits", func() {
			_, st := eng.Allocate(0, nil, 1, 0, 0)
			Expect(st).To(Equal(engine.InvalidArg))

			long := make([]byte, core.KeyMaxLen+1)
			_, st = eng.Allocate(0, long, 1, 0, 0)
			Expect(st).To(Equal(engine.InvalidArg))

			_, st = eng.Allocate(0, []byte("k"), 2*cmn.MiB, 0, 0)
			Expect(st).To(Equal(engine.TooBig))
		})
	})

	Describe("compare-and-swap", func() {
		It("linearises two stores on the same version", func() {
			cas0, st := set(eng, "k", "v")
			Expect(st).To(Equal(engine.Success))

			cas1, st := store(eng, engine.OpCAS, "k", "w", 0, 0, cas0)
			Expect(st).To(Equal(engine.Success))
			Expect(cas1).To(BeNumerically(">", cas0))

			_, st = store(eng, engine.OpCAS, "k", "x", 0, 0, cas0)
			Expect(st).To(Equal(engine.KeyExists))

			val, _, _, _ := get(eng, "k")
			Expect(val).To(Equal("w"))
		})
		It("fails on an absent key", func() {
			_, st := store(eng, engine.OpCAS, "absent", "v", 0, 0, 42)
			Expect(st).To(Equal(engine.KeyNotFound))
		})
		It("is refused when cas is disabled", func() {
			nce := mkEngine("cache_size=8MiB;cas_enabled=off", nil)
			defer nce.Destroy()
			cas, st := set(nce, "k", "v")
			Expect(st).To(Equal(engine.Success))
			Expect(cas).To(BeZero())
			_, st = store(nce, engine.OpCAS, "k", "w", 0, 0, 1)
			Expect(st).To(Equal(engine.NotSupp))
		})
	})

	Describe("append and prepend", func() {
		It("concatenates preserving flags and exptime", func() {
			store(eng, engine.OpSet, "k", "abc", 9, 0, 0)
			_, st := store(eng, engine.OpAppend, "k", "de", 0, 0, 0)
			Expect(st).To(Equal(engine.Success))
			val, flags, _, _ := get(eng, "k")
			Expect(val).To(Equal("abcde"))
			Expect(flags).To(Equal(uint32(9)))

			_, st = store(eng, engine.OpPrepend, "k", "01", 0, 0, 0)
			Expect(st).To(Equal(engine.Success))
			val, _, _, _ = get(eng, "k")
			Expect(val).To(Equal("01abcde"))
		})
		It("does not create missing keys", func() {
			_, st := store(eng, engine.OpAppend, "absent", "x", 0, 0, 0)
			Expect(st).To(Equal(engine.NotStored))
		})
	})

	Describe("arithmetic", func() {
		It("adds and saturates", func() {
			set(eng, "n", "10")
			res, cas, st := eng.Arithmetic(0, []byte("n"), true, false, 5, 0, 0)
			Expect(st).To(Equal(engine.Success))
			Expect(res).To(Equal(uint64(15)))
			Expect(cas).NotTo(BeZero())
			val, _, _, _ := get(eng, "n")
			Expect(val).To(Equal("15"))

			res, _, st = eng.Arithmetic(0, []byte("n"), false, false, 100, 0, 0)
			Expect(st).To(Equal(engine.Success))
			Expect(res).To(Equal(uint64(0)))
		})
		It("creates with the initial value on demand", func() {
			_, _, st := eng.Arithmetic(0, []byte("cnt"), true, false, 1, 7, 0)
			Expect(st).To(Equal(engine.KeyNotFound))

			res, _, st := eng.Arithmetic(0, []byte("cnt"), true, true, 1, 7, 0)
			Expect(st).To(Equal(engine.Success))
			Expect(res).To(Equal(uint64(7)))

			res, _, st = eng.Arithmetic(0, []byte("cnt"), true, true, 1, 7, 0)
			Expect(st).To(Equal(engine.Success))
			Expect(res).To(Equal(uint64(8)))
		})
		It("rejects non-numeric values", func() {
			set(eng, "s", "abc")
			_, _, st := eng.Arithmetic(0, []byte("s"), true, false, 1, 0, 0)
			Expect(st).To(Equal(engine.InvalidArg))
		})
	})

	Describe("remove", func() {
		It("unlinks and defers the physical free", func() {
			set(eng, "k", "v")
			it, st := eng.Get(0, []byte("k"))
			Expect(st).To(Equal(engine.Success))

			Expect(eng.Remove(0, it)).To(Equal(engine.Success))
			_, _, _, st = get(eng, "k")
			Expect(st).To(Equal(engine.KeyNotFound))

			// the held handle still reads the old bytes
			Expect(string(it.Value())).To(Equal("v"))
			eng.Release(it)

			Expect(eng.Remove(0, it)).To(Equal(engine.KeyNotFound))
		})
	})

	Describe("expiration", func() {
		It("expires lazily", func() {
			store(eng, engine.OpSet, "k", "v", 7, 1, 0)
			_, _, _, st := get(eng, "k")
			Expect(st).To(Equal(engine.Success))

			time.Sleep(1200 * time.Millisecond)
			clock.Sync()
			_, _, _, st = get(eng, "k")
			Expect(st).To(Equal(engine.KeyNotFound))
		})
	})

	Describe("flush", func() {
		It("hides everything stored before an immediate flush", func() {
			set(eng, "a", "1")
			set(eng, "b", "2")
			Expect(eng.Flush(0, 0)).To(Equal(engine.Success))

			_, _, _, st := get(eng, "a")
			Expect(st).To(Equal(engine.KeyNotFound))
			_, _, _, st = get(eng, "b")
			Expect(st).To(Equal(engine.KeyNotFound))

			// stores after the flush are unaffected
			_, st = set(eng, "a", "3")
			Expect(st).To(Equal(engine.Success))
			val, _, _, _ := get(eng, "a")
			Expect(val).To(Equal("3"))
		})
		It("honors a scheduled flush horizon", func() {
			set(eng, "a", "1")
			Expect(eng.Flush(0, 1)).To(Equal(engine.Success))

			_, _, _, st := get(eng, "a")
			Expect(st).To(Equal(engine.Success))

			time.Sleep(1200 * time.Millisecond)
			clock.Sync()
			_, _, _, st = get(eng, "a")
			Expect(st).To(Equal(engine.KeyNotFound))
		})
	})

	Describe("eviction", func() {
		const valSize = 200 * cmn.KiB

		fill := func(e engine.V1, n int) (stored int) {
			payload := string(make([]byte, valSize))
			for i := 0; i < n; i++ {
				if _, st := set(e, fmt.Sprintf("bulk-%d", i), payload); st != engine.Success {
					return stored
				}
				stored++
			}
			return
		}

		It("evicts the least recently used item under pressure", func() {
			small := mkEngine("cache_size=2MiB", nil)
			defer small.Destroy()

			n := fill(small, 40)
			Expect(n).To(Equal(40)) // all stores succeed, LRU makes room

			_, _, _, st := get(small, "bulk-0")
			Expect(st).To(Equal(engine.KeyNotFound))
			val, _, _, st := get(small, "bulk-39")
			Expect(st).To(Equal(engine.Success))
			Expect(len(val)).To(Equal(valSize))
		})
		It("fails with no-memory when eviction is off", func() {
			small := mkEngine("cache_size=2MiB;eviction=off", nil)
			defer small.Destroy()

			n := fill(small, 40)
			Expect(n).To(BeNumerically("<", 40))
			_, st := set(small, "one-more", "x")
			// the tiny item lands in a different class; the budget is
			// exhausted either way
			Expect(st).To(Equal(engine.NoMemory))
		})
	})

	Describe("deferred completion", func() {
		It("notifies exactly once and caches the result for the re-drive", func() {
			srv := newTestServer()
			small := mkEngine("cache_size=2MiB;eviction=off", srv)
			defer small.Destroy()

			payload := string(make([]byte, 200*cmn.KiB))
			for i := 0; ; i++ {
				if _, st := set(small, fmt.Sprintf("fill-%d", i), payload); st != engine.Success {
					break
				}
			}

			const cookie = engine.Cookie(42)
			_, st := small.Allocate(cookie, []byte("deferred"), 200*cmn.KiB, 0, 0)
			Expect(st).To(Equal(engine.WouldBlock))

			var n notif
			Eventually(srv.ch, 5*time.Second).Should(Receive(&n))
			Expect(n.cookie).To(Equal(cookie))
			Expect(n.status).To(Equal(engine.NoMemory))
			Consistently(srv.ch, 200*time.Millisecond).ShouldNot(Receive())

			// the re-driven request finds the cached outcome
			_, st = small.Allocate(cookie, []byte("deferred"), 200*cmn.KiB, 0, 0)
			Expect(st).To(Equal(engine.NoMemory))
		})
	})

	Describe("statistics", func() {
		collect := func(e engine.V1, key string) map[string]string {
			out := make(map[string]string)
			st := e.GetStats(0, key, func(k, v string, _ engine.Cookie) { out[k] = v })
			Expect(st).To(Equal(engine.Success))
			return out
		}
		It("emits the general set and the sub-keys", func() {
			set(eng, "k", "v")
			get(eng, "k")

			general := collect(eng, "")
			Expect(general).To(HaveKey("curr_items"))
			Expect(general["curr_items"]).To(Equal("1"))
			Expect(general["cmd_get"]).To(Equal("1"))
			Expect(general["get_hits"]).To(Equal("1"))

			slabs := collect(eng, "slabs")
			Expect(slabs).To(HaveKey("total_malloced"))

			items := collect(eng, "items")
			Expect(items).NotTo(BeEmpty())

			sizes := collect(eng, "sizes")
			Expect(sizes).To(HaveKey("sizes"))

			Expect(eng.GetStats(0, "bogus", func(string, string, engine.Cookie) {})).To(
				Equal(engine.KeyNotFound))
		})
		It("resets counters", func() {
			get(eng, "missing")
			eng.ResetStats()
			general := collect(eng, "")
			Expect(general["cmd_get"]).To(Equal("0"))
		})
	})

	Describe("unknown command", func() {
		It("is not supported by this engine", func() {
			st := eng.UnknownCommand(0, &engine.RequestHeader{Opcode: 0xf0}, nil)
			Expect(st).To(Equal(engine.NotSupp))
		})
	})
})

var _ = Describe("Engine concurrency", func() {
	var eng engine.V1

	BeforeEach(func() {
		eng = mkEngine("cache_size=8MiB", nil)
	})
	AfterEach(func() {
		eng.Destroy()
	})

	It("admits at most one concurrent add", func() {
		const workers = 16
		var (
			group   errgroup.Group
			results [workers]engine.Status
		)
		for w := 0; w < workers; w++ {
			w := w
			group.Go(func() error {
				_, results[w] = store(eng, engine.OpAdd, "contended", fmt.Sprintf("v%d", w), 0, 0, 0)
				return nil
			})
		}
		Expect(group.Wait()).To(BeNil())

		wins := 0
		for _, st := range results {
			switch st {
			case engine.Success:
				wins++
			case engine.NotStored, engine.KeyExists:
			default:
				Fail(fmt.Sprintf("unexpected add status %s", st))
			}
		}
		Expect(wins).To(Equal(1))
	})

	It("admits at most one concurrent cas per version", func() {
		cas0, st := set(eng, "k", "v")
		Expect(st).To(Equal(engine.Success))

		const workers = 8
		var (
			group   errgroup.Group
			results [workers]engine.Status
		)
		for w := 0; w < workers; w++ {
			w := w
			group.Go(func() error {
				_, results[w] = store(eng, engine.OpCAS, "k", fmt.Sprintf("w%d", w), 0, 0, cas0)
				return nil
			})
		}
		Expect(group.Wait()).To(BeNil())

		wins := 0
		for _, st := range results {
			switch st {
			case engine.Success:
				wins++
			case engine.KeyExists:
			default:
				Fail(fmt.Sprintf("unexpected cas status %s", st))
			}
		}
		Expect(wins).To(Equal(1))
	})

	It("keeps arithmetic linearisable", func() {
		const (
			workers = 8
			perW    = 200
		)
		set(eng, "cnt", "0")
		var group errgroup.Group
		for w := 0; w < workers; w++ {
			group.Go(func() error {
				for i := 0; i < perW; i++ {
					if _, _, st := eng.Arithmetic(0, []byte("cnt"), true, false, 1, 0, 0); st != engine.Success {
						return fmt.Errorf("arithmetic: %s", st)
					}
				}
				return nil
			})
		}
		Expect(group.Wait()).To(BeNil())
		val, _, _, st := get(eng, "cnt")
		Expect(st).To(Equal(engine.Success))
		Expect(val).To(Equal(fmt.Sprintf("%d", workers*perW)))
	})
})
