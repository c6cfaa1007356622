// kvnode boots the memkv storage engine as a standalone daemon with an
// HTTP statistics endpoint. The cache wire protocol front-end attaches
// through the engine interface (see the engine package).
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"
	"github.com/memkv/memkv/engine"
	"github.com/memkv/memkv/hk"
	"github.com/urfave/cli"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"
)

type nodeConfig struct {
	CacheSize   string  `yaml:"cache_size"`
	ChunkSize   string  `yaml:"chunk_size"`
	ItemSizeMax string  `yaml:"item_size_max"`
	Factor      float64 `yaml:"factor"`
	Preallocate bool    `yaml:"preallocate"`
	Eviction    string  `yaml:"eviction"`
	CasEnabled  string  `yaml:"cas_enabled"`
	Verbose     int     `yaml:"verbose"`
	StatsAddr   string  `yaml:"stats_addr"`
}

// notifier receives deferred-operation completions; with no protocol
// front-end attached they are only logged.
type notifier struct{}

func (*notifier) NotifyIOComplete(cookie engine.Cookie, status engine.Status) {
	glog.Infof("io complete: cookie %d, status %s", cookie, status)
}

func main() {
	app := cli.NewApp()
	app.Name = "kvnode"
	app.Usage = "in-memory key-value cache node"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "YAML configuration file"},
		cli.StringFlag{Name: "engine-config, e", Usage: "engine configuration string (name=value;name=value)"},
		cli.StringFlag{Name: "stats-addr", Value: "127.0.0.1:8091", Usage: "address of the statistics endpoint"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	_ = flag.Set("logtostderr", "true")
	defer glog.Flush()

	var (
		cfg       nodeConfig
		statsAddr = c.String("stats-addr")
	)
	if fname := c.String("config"); fname != "" {
		b, err := ioutil.ReadFile(fname)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return fmt.Errorf("%s: %v", fname, err)
		}
		if cfg.StatsAddr != "" {
			statsAddr = cfg.StatsAddr
		}
	}
	engineCfg := c.String("engine-config")
	if engineCfg == "" {
		engineCfg = cfg.engineString()
	}

	eng, st := engine.CreateInstance(engine.InterfaceVersion, &notifier{})
	if st != engine.Success {
		return fmt.Errorf("create instance: %s", st)
	}
	if st := eng.Initialize(engineCfg); st != engine.Success {
		return fmt.Errorf("initialize (%q): %s", engineCfg, st)
	}
	go hk.DefaultHK.Run()
	defer func() {
		eng.Destroy()
		hk.DefaultHK.Stop()
	}()
	glog.Infof("%s listening on %s", eng.GetInfo(), statsAddr)

	srv := &fasthttp.Server{Handler: statsHandler(eng)}
	group := &errgroup.Group{}
	group.Go(func() error {
		return srv.ListenAndServe(statsAddr)
	})
	group.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		s := <-sigCh
		glog.Infof("caught %v, shutting down", s)
		return srv.Shutdown()
	})
	return group.Wait()
}

func statsHandler(eng engine.V1) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/v1/health":
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBodyString("ok")
		case "/v1/stats":
			statKey := string(ctx.QueryArgs().Peek("key"))
			out := make(map[string]string, 64)
			st := eng.GetStats(0, statKey, func(key, val string, _ engine.Cookie) {
				out[key] = val
			})
			if st != engine.Success {
				ctx.SetStatusCode(fasthttp.StatusNotFound)
				ctx.SetBodyString(st.String())
				return
			}
			b, err := jsoniter.Marshal(out)
			if err != nil {
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				return
			}
			ctx.SetContentType("application/json")
			ctx.SetBody(b)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
}

// engineString renders the YAML node config in the engine's textual form,
// skipping unset fields so the engine defaults apply.
func (cfg *nodeConfig) engineString() string {
	var pairs []string
	add := func(name, val string) {
		if val != "" {
			pairs = append(pairs, name+"="+val)
		}
	}
	add("cache_size", cfg.CacheSize)
	add("chunk_size", cfg.ChunkSize)
	add("item_size_max", cfg.ItemSizeMax)
	if cfg.Factor != 0 {
		add("factor", fmt.Sprintf("%g", cfg.Factor))
	}
	if cfg.Preallocate {
		add("preallocate", "on")
	}
	add("eviction", cfg.Eviction)
	add("cas_enabled", cfg.CasEnabled)
	if cfg.Verbose != 0 {
		add("verbose", fmt.Sprintf("%d", cfg.Verbose))
	}
	return strings.Join(pairs, ";")
}
