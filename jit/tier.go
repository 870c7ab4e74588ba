// Copyright (c) 2026 Timo Savola. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package jit

import (
	"gate.computer/jsic/config"
	"gate.computer/jsic/internal/isa/in"
	"gate.computer/jsic/internal/isa/reg"
)

// Tier holds the conventions of a compiler tier.  Caching decisions are made
// by the same code for all tiers; the tier only affects what the emitted code
// looks like and what it may rely on.
type Tier struct {
	Name   string
	Layout *reg.Layout

	FlushRegisters        bool
	TransitionWatchpoints bool
	WriteBarrierProfiling bool
	ReplaceWithJump       bool
	CompactDisplacement   int32 // zero means unlimited
	Registers             int   // virtual register limit; zero means all
}

func NewTier(name string, c config.Tier) *Tier {
	layout := &reg.Unified
	if c.Layout == "split" {
		layout = &reg.Split
	}

	return &Tier{
		Name:                  name,
		Layout:                layout,
		FlushRegisters:        c.FlushRegisters,
		TransitionWatchpoints: c.TransitionWatchpoints,
		WriteBarrierProfiling: c.WriteBarrierProfiling,
		ReplaceWithJump:       c.ReplaceWithJump,
		CompactDisplacement:   c.CompactDisplacement,
		Registers:             c.Registers,
	}
}

// IsCompact reports whether a displacement can be patched into a site.
func (t *Tier) IsCompact(disp int32) bool {
	if t.CompactDisplacement == 0 {
		return true
	}
	return disp >= -t.CompactDisplacement && disp <= t.CompactDisplacement
}

// BarrierFlags for WBAR instructions.
func (t *Tier) BarrierFlags() (flags uint32) {
	if t.WriteBarrierProfiling {
		flags |= in.BarrierProfile
	}
	return
}
