// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config holds the runtime configuration, loaded from TOML.
package config

import (
	"os"
	"sort"

	"github.com/BurntSushi/toml"
	"golang.org/x/xerrors"
)

// Config of a VM.  Use Default to get a usable starting point; Load overlays
// a file on top of the defaults.
type Config struct {
	Heap       Heap            `toml:"heap"`
	Executable Executable      `toml:"executable"`
	Cache      Cache           `toml:"cache"`
	Tier       string          `toml:"tier"`
	Tiers      map[string]Tier `toml:"tiers"`
	Log        Log             `toml:"log"`
}

type Heap struct {
	Size            int `toml:"size"`
	CopiedBlockSize int `toml:"copied-block-size"`
	FrameStackSize  int `toml:"frame-stack-size"`
}

type Executable struct {
	Limit int `toml:"limit"`
}

// Cache policy, shared by all tiers.
type Cache struct {
	// ListCapacity is the number of stubs in a polymorphic list.
	ListCapacity int `toml:"list-capacity"`

	// WarmupMisses are ignored by a site before it tries to cache.
	WarmupMisses int `toml:"warmup-misses"`

	// ClosureCalls enables closure call stubs.
	ClosureCalls bool `toml:"closure-calls"`
}

// Tier describes the code generation conventions of a compiler tier.  Sites
// compiled by different tiers share the caching policy but differ in register
// usage and capabilities.
type Tier struct {
	// Layout is "unified" (one register per value) or "split" (payload and
	// tag in separate registers).
	Layout string `toml:"layout"`

	// FlushRegisters spills live registers around property access sites,
	// which allows accessor calls to be cached.
	FlushRegisters bool `toml:"flush-registers"`

	// TransitionWatchpoints guard prototype chains out-of-band when possible.
	TransitionWatchpoints bool `toml:"transition-watchpoints"`

	// WriteBarrierProfiling counts the barriers executed by stubs.
	WriteBarrierProfiling bool `toml:"write-barrier-profiling"`

	// ReplaceWithJump turns a site's structure check into a direct jump once
	// a stub has been installed.
	ReplaceWithJump bool `toml:"replace-with-jump"`

	// CompactDisplacement is the largest byte displacement which can be
	// patched into a site's load or store.  Zero means unlimited.
	CompactDisplacement int32 `toml:"compact-displacement"`

	// Registers limits the number of allocatable registers.  Zero means all.
	Registers int `toml:"registers"`
}

type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

const (
	DefaultListCapacity = 8

	Baseline   = "baseline"
	Optimizing = "optimizing"
)

// Default configuration has a baseline tier which flushes registers and
// profiles write barriers, and an optimizing tier which relies on
// watchpoints.
func Default() Config {
	return Config{
		Cache: Cache{
			ListCapacity: DefaultListCapacity,
			ClosureCalls: true,
		},
		Tier: Optimizing,
		Tiers: map[string]Tier{
			Baseline: {
				Layout:                "unified",
				FlushRegisters:        true,
				WriteBarrierProfiling: true,
				ReplaceWithJump:       true,
			},
			Optimizing: {
				Layout:                "unified",
				TransitionWatchpoints: true,
				ReplaceWithJump:       true,
			},
		},
	}
}

// Load a TOML file on top of the defaults.
func Load(path string) (c Config, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		err = xerrors.Errorf("cannot read %s: %w", path, err)
		return
	}

	c, err = Parse(data)
	if err != nil {
		err = xerrors.Errorf("%s: %w", path, err)
	}
	return
}

// Parse TOML on top of the defaults.
func Parse(data []byte) (c Config, err error) {
	c = Default()
	if err = toml.Unmarshal(data, &c); err != nil {
		err = xerrors.Errorf("parse error: %w", err)
		return
	}
	err = c.Validate()
	return
}

// Validate and fill in zero values.
func (c *Config) Validate() error {
	if c.Cache.ListCapacity <= 0 {
		c.Cache.ListCapacity = DefaultListCapacity
	}
	if c.Cache.WarmupMisses < 0 {
		return xerrors.Errorf("negative cache warmup: %d", c.Cache.WarmupMisses)
	}
	if c.Tier == "" {
		c.Tier = Optimizing
	}
	if _, found := c.Tiers[c.Tier]; !found {
		return xerrors.Errorf("unknown tier: %q", c.Tier)
	}
	for name, t := range c.Tiers {
		switch t.Layout {
		case "":
			t.Layout = "unified"
			c.Tiers[name] = t

		case "unified", "split":

		default:
			return xerrors.Errorf("tier %s: unknown layout: %q", name, t.Layout)
		}
		if t.CompactDisplacement < 0 || t.Registers < 0 {
			return xerrors.Errorf("tier %s: negative limit", name)
		}
	}
	return nil
}

// TierNames in sorted order.
func (c *Config) TierNames() (names []string) {
	for name := range c.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return
}
