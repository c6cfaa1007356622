// Package engine implements the storage-engine façade.
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/memkv/memkv/cmn"
)

// Config is the parsed engine configuration. The textual form is a
// semicolon-separated list of name=value pairs, e.g.
// "cache_size=64MiB;factor=1.25;eviction=on".
type Config struct {
	CacheSize   int64   // global memory budget, bytes
	ChunkSize   int64   // base size-class chunk
	ItemSizeMax int64   // maximum value size; header+key+value must also fit one memsys.PageSize chunk, else TooBig
	Factor      float64 // size-class growth factor
	Preallocate bool    // reserve one page per size class at init; further pages are taken on demand
	Eviction    bool    // off: NoMemory instead of LRU eviction
	CasEnabled  bool    // items carry a CAS stamp
	Verbose     int     // diagnostic level
}

func DefaultConfig() Config {
	return Config{
		CacheSize:   64 * cmn.MiB,
		ChunkSize:   96,
		ItemSizeMax: cmn.MiB,
		Factor:      1.25,
		Eviction:    true,
		CasEnabled:  true,
	}
}

// ParseConfig parses the textual configuration on top of the defaults.
func ParseConfig(s string) (Config, error) {
	cfg := DefaultConfig()
	s = strings.TrimSpace(s)
	if s == "" {
		return cfg, nil
	}
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return cfg, fmt.Errorf("malformed config pair %q", pair)
		}
		name, value := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		var err error
		switch name {
		case "cache_size":
			cfg.CacheSize, err = cmn.S2B(value)
		case "chunk_size":
			cfg.ChunkSize, err = cmn.S2B(value)
		case "item_size_max":
			cfg.ItemSizeMax, err = cmn.S2B(value)
		case "factor":
			cfg.Factor, err = strconv.ParseFloat(value, 64)
		case "preallocate":
			cfg.Preallocate, err = parseBool(value)
		case "eviction":
			cfg.Eviction, err = parseBool(value)
		case "cas_enabled":
			cfg.CasEnabled, err = parseBool(value)
		case "verbose":
			cfg.Verbose, err = strconv.Atoi(value)
		default:
			return cfg, fmt.Errorf("unrecognized config option %q", name)
		}
		if err != nil {
			return cfg, fmt.Errorf("config option %q: invalid value %q", name, value)
		}
	}
	if cfg.CacheSize <= 0 || cfg.ChunkSize <= 0 || cfg.ItemSizeMax <= 0 || cfg.Factor <= 1 {
		return cfg, fmt.Errorf("config out of range: %+v", cfg)
	}
	return cfg, nil
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", v)
}

// String renders the config back in its textual form.
func (c Config) String() string {
	onOff := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}
	return fmt.Sprintf("cache_size=%d;chunk_size=%d;item_size_max=%d;factor=%g;preallocate=%s;eviction=%s;cas_enabled=%s;verbose=%d",
		c.CacheSize, c.ChunkSize, c.ItemSizeMax, c.Factor, onOff(c.Preallocate), onOff(c.Eviction), onOff(c.CasEnabled), c.Verbose)
}
