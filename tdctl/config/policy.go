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


package config

import (
	"fmt"
	"strconv"

	"github.com/BurntSushi/toml"
	"gvisor.dev/tdvisor/pkg/cpuid"
	"gvisor.dev/tdvisor/pkg/percpu"
	"gvisor.dev/tdvisor/pkg/tdcall"
	"gvisor.dev/tdvisor/pkg/trap"
	"gvisor.dev/tdvisor/pkg/vmexit"
	"gvisor.dev/tdvisor/pkg/vreg"
)

// Address is a linear address. In the policy file it may be written as an
// integer or, for canonical upper-half addresses that do not fit a TOML
// integer, as a string such as "0xffffffff81000000".
type Address uint64

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(b []byte) error {
	v, err := strconv.ParseUint(string(b), 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", b, err)
	}
	*a = Address(v)
	return nil
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Policy is the content of the policy file.
type Policy struct {
	// Processors is the number of logical processors.
	Processors int `toml:"processors"`

	// Selector is the kernel code segment selector of every gate.
	Selector uint16 `toml:"selector"`

	// HandlerBase is where the entry stubs are placed.
	HandlerBase Address `toml:"handler_base"`

	// Dispatcher is the generic dispatcher entry point.
	Dispatcher Address `toml:"dispatcher"`

	// TableBase is where the descriptor table is placed.
	TableBase Address `toml:"table_base"`

	// IST maps vectors, by name ("#DF") or number, to interrupt stacks.
	IST map[string]uint8 `toml:"ist"`

	// BusyRetries is the operand-busy retry budget of trust-domain calls.
	BusyRetries int `toml:"busy_retries"`

	// IOAPICPins is the number of IOAPIC redirection entries. Zero means
	// apic.DefaultIOAPICPins.
	IOAPICPins int `toml:"ioapic_pins"`

	// Hypercalls are the guest hypercalls forwarded to the host, by name
	// ("map_gpa") or number. Empty means the standard set.
	Hypercalls []string `toml:"hypercalls"`

	// Exceptions overrides the guest exception policy for a vector:
	// "escalate", "reinject" or "resolve".
	Exceptions map[string]string `toml:"exceptions"`

	MSR   MSRPolicy   `toml:"msr"`
	CPUID CPUIDPolicy `toml:"cpuid"`
}

// MSRPolicy describes the MSR policy table.
type MSRPolicy struct {
	// Default is the action for MSRs outside every range. If empty, the
	// standard table is used and Ranges are added to it.
	Default string `toml:"default"`

	Ranges []MSRRange `toml:"range"`
}

// MSRRange is an inclusive MSR range.
type MSRRange struct {
	First  uint32 `toml:"first"`
	Last   uint32 `toml:"last"`
	Action string `toml:"action"`
	Name   string `toml:"name"`
}

// CPUIDPolicy adjusts the guest CPUID table.
type CPUIDPolicy struct {
	// Expose lists blocked features exposed anyway.
	Expose []string `toml:"expose"`

	// PhysAddrBits overrides the physical address width.
	PhysAddrBits uint8 `toml:"phys_addr_bits"`

	// Override replaces whole leaves after virtualization.
	Override []CPUIDOverride `toml:"override"`
}

// CPUIDOverride is a fixed leaf.
type CPUIDOverride struct {
	Leaf    uint32 `toml:"leaf"`
	Subleaf uint32 `toml:"subleaf"`
	Eax     uint32 `toml:"eax"`
	Ebx     uint32 `toml:"ebx"`
	Ecx     uint32 `toml:"ecx"`
	Edx     uint32 `toml:"edx"`
}

// DefaultPolicy returns the policy used without a policy file.
func DefaultPolicy() *Policy {
	return &Policy{
		Selector:    0x10,
		HandlerBase: 0xffffffff81000000,
		Dispatcher:  0xffffffff81100000,
		TableBase:   0xffffffff82000000,
		IST: map[string]uint8{
			trap.NMI.String():          1,
			trap.DoubleFault.String():  2,
			trap.MachineCheck.String(): 3,
		},
	}
}

// LoadPolicy reads a policy file. Fields it does not set keep the values of
// DefaultPolicy.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	md, err := toml.DecodeFile(path, p)
	if err != nil {
		return nil, fmt.Errorf("reading policy %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("policy %q: unknown keys %v", path, undecoded)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("policy %q: %w", path, err)
	}
	return p, nil
}

func (p *Policy) validate() error {
	if p.Processors < 0 {
		return fmt.Errorf("processors must be positive: %d", p.Processors)
	}
	if p.IOAPICPins < 0 || p.IOAPICPins > 256 {
		return fmt.Errorf("invalid number of IOAPIC pins: %d", p.IOAPICPins)
	}
	if _, err := p.PlatformOpts(); err != nil {
		return err
	}
	if _, err := p.MSRPolicy(); err != nil {
		return err
	}
	if _, err := p.ExceptionPolicy(); err != nil {
		return err
	}
	if _, err := p.HypercallSet(); err != nil {
		return err
	}
	_, err := p.CPUIDOptions()
	return err
}

// ParseVector parses a vector name as printed by trap.Vector.String, or a
// number.
func ParseVector(s string) (trap.Vector, error) {
	for i := 0; i < trap.NumVectors; i++ {
		if trap.Vector(i).String() == s {
			return trap.Vector(i), nil
		}
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid vector %q", s)
	}
	return trap.Vector(v), nil
}

// PlatformOpts returns the trap machinery bring-up parameters.
func (p *Policy) PlatformOpts() (percpu.PlatformOpts, error) {
	opts := percpu.PlatformOpts{
		ImageBase:  uint64(p.HandlerBase),
		Dispatcher: uint64(p.Dispatcher),
		TableBase:  uint64(p.TableBase),
		Selector:   p.Selector,
	}
	if len(p.IST) > 0 {
		opts.IST = make(map[trap.Vector]uint8, len(p.IST))
	}
	for name, ist := range p.IST {
		v, err := ParseVector(name)
		if err != nil {
			return percpu.PlatformOpts{}, err
		}
		if ist > trap.MaxIST {
			return percpu.PlatformOpts{}, fmt.Errorf("interrupt stack %d for %v out of range", ist, v)
		}
		opts.IST[v] = ist
	}
	return opts, nil
}

// MSRPolicy returns the MSR policy table.
func (p *Policy) MSRPolicy() (*vreg.Policy, error) {
	var t *vreg.Policy
	if p.MSR.Default == "" {
		t = vreg.DefaultPolicy()
	} else {
		def, err := vreg.ParseAction(p.MSR.Default)
		if err != nil {
			return nil, err
		}
		t = vreg.NewPolicy(def)
	}
	for _, r := range p.MSR.Ranges {
		a, err := vreg.ParseAction(r.Action)
		if err != nil {
			return nil, err
		}
		if r.Last < r.First {
			return nil, fmt.Errorf("MSR range %q: last %#x before first %#x", r.Name, r.Last, r.First)
		}
		if err := t.Add(vreg.Range{First: r.First, Last: r.Last, Action: a, Name: r.Name}); err != nil {
			return nil, fmt.Errorf("MSR range %q: %w", r.Name, err)
		}
	}
	return t, nil
}

var exceptionActions = map[string]vmexit.ExceptionAction{
	"escalate": vmexit.Escalate,
	"reinject": vmexit.Reinject,
	"resolve":  vmexit.ResolveFault,
}

// ExceptionPolicy returns the guest exception policy.
func (p *Policy) ExceptionPolicy() (vmexit.ExceptionPolicy, error) {
	e := vmexit.DefaultExceptionPolicy()
	for name, action := range p.Exceptions {
		v, err := ParseVector(name)
		if err != nil {
			return nil, err
		}
		if !v.IsException() {
			return nil, fmt.Errorf("vector %v is not an exception", v)
		}
		a, ok := exceptionActions[action]
		if !ok {
			return nil, fmt.Errorf("unknown exception action %q for %v", action, v)
		}
		e[v] = a
	}
	return e, nil
}

var hypercalls = []tdcall.SubFunction{
	tdcall.SubCPUID,
	tdcall.SubHLT,
	tdcall.SubIO,
	tdcall.SubRDMSR,
	tdcall.SubWRMSR,
	tdcall.SubMMIO,
	tdcall.SubMapGPA,
	tdcall.SubGetQuote,
	tdcall.SubSetupEventNotify,
}

// HypercallSet returns the guest hypercalls forwarded to the host, or nil
// for the standard set.
func (p *Policy) HypercallSet() ([]vmexit.Hypercall, error) {
	var hs []vmexit.Hypercall
outer:
	for _, name := range p.Hypercalls {
		for _, h := range hypercalls {
			if h.String() == name {
				hs = append(hs, h)
				continue outer
			}
		}
		n, err := strconv.ParseUint(name, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("unknown hypercall %q", name)
		}
		hs = append(hs, vmexit.Hypercall(n))
	}
	return hs, nil
}

// CPUIDOptions returns the virtualization options of the CPUID table.
func (p *Policy) CPUIDOptions() (cpuid.VirtOptions, error) {
	opts := cpuid.VirtOptions{PhysAddrBits: p.CPUID.PhysAddrBits}
	for _, name := range p.CPUID.Expose {
		f, ok := cpuid.FeatureFromString(name)
		if !ok {
			return cpuid.VirtOptions{}, fmt.Errorf("unknown CPUID feature %q", name)
		}
		opts.Expose = append(opts.Expose, f)
	}
	return opts, nil
}

// CPUID returns the guest CPUID table: the host or baseline table,
// virtualized, with the policy's overrides applied.
func (c *Config) CPUID() (cpuid.Static, error) {
	opts, err := c.Policy.CPUIDOptions()
	if err != nil {
		return nil, err
	}
	var src cpuid.Static
	if c.HostCPUID {
		src = cpuid.HostStatic()
	} else {
		src = cpuid.FromFlags(cpuid.HostFlags{})
	}
	s := cpuid.Virtualize(src, opts)
	for _, o := range c.Policy.CPUID.Override {
		s.Set(cpuid.In{Eax: o.Leaf, Ecx: o.Subleaf}, cpuid.Out{Eax: o.Eax, Ebx: o.Ebx, Ecx: o.Ecx, Edx: o.Edx})
	}
	return s, nil
}
