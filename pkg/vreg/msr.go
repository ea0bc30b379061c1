// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package vreg implements the register virtualization policy for model
// specific registers and control registers.
package vreg

import (
	"errors"
	"fmt"

	"github.com/google/btree"
)

// Action is the policy for a register access.
type Action int

// Policy actions.
const (
	// Deny injects #GP(0) into the guest.
	Deny Action = iota

	// Allow forwards the access to the hosting layer.
	Allow

	// Emulate handles the access locally.
	Emulate

	// Direct lets the guest access the register without an exit.
	Direct
)

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a {
	case Deny:
		return "deny"
	case Allow:
		return "allow"
	case Emulate:
		return "emulate"
	case Direct:
		return "direct"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// ParseAction parses the String form of an action.
func ParseAction(s string) (Action, error) {
	for _, a := range []Action{Deny, Allow, Emulate, Direct} {
		if a.String() == s {
			return a, nil
		}
	}
	return Deny, fmt.Errorf("unknown MSR action %q", s)
}

// Architectural MSRs referenced by the default policy.
const (
	MSRTSC            = 0x10
	MSRPlatformID     = 0x17
	MSRAPICBase       = 0x1b
	MSRFeatureControl = 0x3a
	MSRSpecCtrl       = 0x48
	MSRPredCmd        = 0x49
	MSRMTRRCap        = 0xfe
	MSRMiscEnable     = 0x1a0
	MSRPAT            = 0x277
	MSRTSCDeadline    = 0x6e0
	MSRX2APICFirst    = 0x800
	MSRX2APICLast     = 0x8ff
	MSREFER           = 0xc0000080
	MSRStar           = 0xc0000081
	MSRLStar          = 0xc0000082
	MSRCStar          = 0xc0000083
	MSRSyscallMask    = 0xc0000084
	MSRFSBase         = 0xc0000100
	MSRGSBase         = 0xc0000101
	MSRKernelGSBase   = 0xc0000102
	MSRTSCAux         = 0xc0000103
)

// Range is an inclusive MSR range with a single action.
type Range struct {
	First  uint32
	Last   uint32
	Action Action
	Name   string
}

// Contains returns true iff msr is in r.
func (r Range) Contains(msr uint32) bool {
	return r.First <= msr && msr <= r.Last
}

// ErrOverlap is returned when adding a range that overlaps an existing one.
var ErrOverlap = errors.New("overlapping MSR range")

func rangeLess(a, b Range) bool {
	return a.First < b.First
}

// Policy maps MSRs to actions. Ranges never overlap; MSRs outside every range
// get the default action.
type Policy struct {
	def    Action
	ranges *btree.BTreeG[Range]
}

// NewPolicy returns an empty policy with the given default.
func NewPolicy(def Action) *Policy {
	return &Policy{
		def:    def,
		ranges: btree.NewG(8, rangeLess),
	}
}

// DefaultPolicy returns the standard policy: the local APIC and timer
// registers are emulated, the syscall and segment base registers are
// accessed directly, a small set of harmless registers are forwarded to the
// hosting layer, and everything else is denied.
func DefaultPolicy() *Policy {
	p := NewPolicy(Deny)
	for _, r := range []Range{
		{First: MSRTSC, Last: MSRTSC, Action: Allow, Name: "IA32_TSC"},
		{First: MSRPlatformID, Last: MSRPlatformID, Action: Emulate, Name: "IA32_PLATFORM_ID"},
		{First: MSRAPICBase, Last: MSRAPICBase, Action: Emulate, Name: "IA32_APIC_BASE"},
		{First: MSRSpecCtrl, Last: MSRPredCmd, Action: Direct, Name: "IA32_SPEC_CTRL"},
		{First: MSRMTRRCap, Last: MSRMTRRCap, Action: Emulate, Name: "IA32_MTRRCAP"},
		{First: MSRMiscEnable, Last: MSRMiscEnable, Action: Emulate, Name: "IA32_MISC_ENABLE"},
		{First: MSRPAT, Last: MSRPAT, Action: Allow, Name: "IA32_PAT"},
		{First: MSRTSCDeadline, Last: MSRTSCDeadline, Action: Emulate, Name: "IA32_TSC_DEADLINE"},
		{First: MSRX2APICFirst, Last: MSRX2APICLast, Action: Emulate, Name: "x2APIC"},
		{First: MSREFER, Last: MSREFER, Action: Emulate, Name: "IA32_EFER"},
		{First: MSRStar, Last: MSRSyscallMask, Action: Direct, Name: "syscall"},
		{First: MSRFSBase, Last: MSRTSCAux, Action: Direct, Name: "segment bases"},
	} {
		if err := p.Add(r); err != nil {
			panic(fmt.Sprintf("default MSR policy: %v", err))
		}
	}
	return p
}

// Default returns the action for MSRs outside every range.
func (p *Policy) Default() Action {
	return p.def
}

// Add adds r to the policy.
func (p *Policy) Add(r Range) error {
	if r.Last < r.First {
		return fmt.Errorf("MSR range %#x-%#x is empty", r.First, r.Last)
	}
	var conflict *Range
	p.ranges.DescendLessOrEqual(Range{First: r.Last}, func(prev Range) bool {
		if prev.Last >= r.First {
			conflict = &prev
		}
		return false
	})
	if conflict != nil {
		return fmt.Errorf("%#x-%#x conflicts with %s (%#x-%#x): %w",
			r.First, r.Last, conflict.Name, conflict.First, conflict.Last, ErrOverlap)
	}
	p.ranges.ReplaceOrInsert(r)
	return nil
}

// Lookup returns the range containing msr, if any.
func (p *Policy) Lookup(msr uint32) (Range, bool) {
	var found Range
	ok := false
	p.ranges.DescendLessOrEqual(Range{First: msr}, func(r Range) bool {
		if r.Contains(msr) {
			found, ok = r, true
		}
		return false
	})
	return found, ok
}

// Action returns the action for msr.
func (p *Policy) Action(msr uint32) Action {
	if r, ok := p.Lookup(msr); ok {
		return r.Action
	}
	return p.def
}

// Ranges returns all ranges in ascending order.
func (p *Policy) Ranges() []Range {
	rs := make([]Range, 0, p.ranges.Len())
	p.ranges.Ascend(func(r Range) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// Overlapping returns the ranges intersecting [first, last].
func (p *Policy) Overlapping(first, last uint32) []Range {
	var rs []Range
	// The range starting at or below first may still cover it.
	p.ranges.DescendLessOrEqual(Range{First: first}, func(r Range) bool {
		if r.Last >= first {
			rs = append(rs, r)
		}
		return false
	})
	p.ranges.AscendGreaterOrEqual(Range{First: first + 1}, func(r Range) bool {
		if r.First > last {
			return false
		}
		rs = append(rs, r)
		return true
	})
	return rs
}
