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

package sim

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
	"gvisor.dev/tdvisor/pkg/gmem"
	"gvisor.dev/tdvisor/pkg/vcpu"
	"gvisor.dev/tdvisor/pkg/vmexit"
)

// Trace is a scripted run: the guest memory layout, the host state and, for
// every virtual CPU, the exits its guest takes in order.
type Trace struct {
	Name   string        `yaml:"name"`
	Memory []MemoryRange `yaml:"memory"`
	Host   HostState     `yaml:"host"`
	VCPUs  []VCPUTrace   `yaml:"vcpus"`

	// IOAPIC are redirection entries programmed before the run, by pin.
	IOAPIC map[int]uint64 `yaml:"ioapic"`
}

// MemoryRange is a tracked guest physical range.
type MemoryRange struct {
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`

	// State is one of unaccepted, accepted or shared.
	State string `yaml:"state"`
}

// HostState seeds the simulated host.
type HostState struct {
	GPAWidth uint              `yaml:"gpa_width"`
	Ports    map[uint16]uint32 `yaml:"ports"`
	MSRs     map[uint32]uint64 `yaml:"msrs"`
	MMIO     map[uint64]uint64 `yaml:"mmio"`
}

// VCPUTrace scripts one virtual CPU.
type VCPUTrace struct {
	ID    int    `yaml:"id"`
	CPU   int    `yaml:"cpu"`
	Entry uint64 `yaml:"entry"`
	Steps []Step `yaml:"steps"`
}

// Step is one guest run ending in a VM-exit.
type Step struct {
	// Exit is the exit reason, by name (e.g. "cpuid") or number.
	Exit string `yaml:"exit"`

	Qualification uint64 `yaml:"qualification"`
	GPA           uint64 `yaml:"gpa"`
	GLA           uint64 `yaml:"gla"`
	Length        uint32 `yaml:"length"`
	Interruption  uint32 `yaml:"interruption"`
	ErrorCode     uint32 `yaml:"error_code"`

	// Regs are the guest registers at the exit, by name.
	Regs map[string]uint64 `yaml:"regs"`

	// RFLAGS, if set, is the guest RFLAGS at the exit.
	RFLAGS *uint64 `yaml:"rflags"`

	// Insn is the faulting instruction as hex bytes, for MMIO decoding.
	Insn string `yaml:"insn"`

	// Traps are host traps taken while the guest runs.
	Traps []HostTrap `yaml:"traps"`

	// Raise are interrupts sent to virtual CPUs while the guest runs.
	Raise []Raise `yaml:"raise"`

	// IRQ are IOAPIC pins asserted while the guest runs.
	IRQ []IRQ `yaml:"irq"`
}

// HostTrap is a trap taken by the host.
type HostTrap struct {
	Vector    uint8  `yaml:"vector"`
	ErrorCode uint64 `yaml:"error_code"`
}

// Raise sends Vector to the local controller with ID APIC.
type Raise struct {
	APIC   uint32 `yaml:"apic"`
	Vector uint8  `yaml:"vector"`
}

// IRQ changes the level of an IOAPIC pin.
type IRQ struct {
	Pin   int  `yaml:"pin"`
	Level bool `yaml:"level"`
}

// ErrEndOfTrace is returned by the simulated hardware once a virtual CPU
// has taken every scripted exit.
var ErrEndOfTrace = errors.New("end of trace")

// ParseTrace reads a YAML trace. Unknown keys are rejected.
func ParseTrace(r io.Reader) (*Trace, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var t Trace
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decoding trace: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// LoadTrace reads the trace at path.
func LoadTrace(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := ParseTrace(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Validate checks that every name and encoding in t resolves.
func (t *Trace) Validate() error {
	for _, m := range t.Memory {
		if _, err := ParseState(m.State); err != nil {
			return err
		}
	}
	ids := make(map[int]bool)
	cpus := make(map[int]bool)
	for _, v := range t.VCPUs {
		if ids[v.ID] {
			return fmt.Errorf("vcpu %d listed twice", v.ID)
		}
		if cpus[v.CPU] {
			return fmt.Errorf("cpu %d hosts two virtual CPUs", v.CPU)
		}
		ids[v.ID], cpus[v.CPU] = true, true
		for i, s := range v.Steps {
			if _, err := s.compile(); err != nil {
				return fmt.Errorf("vcpu %d step %d: %w", v.ID, i, err)
			}
		}
	}
	return nil
}

// ParseState parses a memory state name.
func ParseState(s string) (gmem.State, error) {
	for _, st := range []gmem.State{gmem.Unaccepted, gmem.Accepted, gmem.Shared} {
		if strings.EqualFold(s, st.String()) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown memory state %q", s)
}

// ParseReason parses an exit reason given by name or number.
func ParseReason(s string) (vmexit.Reason, error) {
	if n, err := strconv.ParseUint(s, 0, 32); err == nil {
		return vmexit.Reason(n), nil
	}
	for r := vmexit.Reason(0); r < vmexit.NumReasons; r++ {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown exit reason %q", s)
}

var registerNames = map[string]int{
	"rax": vcpu.RAX, "rcx": vcpu.RCX, "rdx": vcpu.RDX, "rbx": vcpu.RBX,
	"rsp": vcpu.RSP, "rbp": vcpu.RBP, "rsi": vcpu.RSI, "rdi": vcpu.RDI,
	"r8": vcpu.R8, "r9": vcpu.R9, "r10": vcpu.R10, "r11": vcpu.R11,
	"r12": vcpu.R12, "r13": vcpu.R13, "r14": vcpu.R14, "r15": vcpu.R15,
}

// exit is a step with its names resolved.
type exit struct {
	Step
	reason vmexit.Reason
	regs   map[int]uint64
	insn   []byte
}

func (s Step) compile() (exit, error) {
	e := exit{Step: s, regs: make(map[int]uint64, len(s.Regs))}
	var err error
	if e.reason, err = ParseReason(s.Exit); err != nil {
		return exit{}, err
	}
	for name, v := range s.Regs {
		n, ok := registerNames[strings.ToLower(name)]
		if !ok {
			return exit{}, fmt.Errorf("unknown register %q", name)
		}
		e.regs[n] = v
	}
	if s.Insn != "" {
		if e.insn, err = hex.DecodeString(strings.ReplaceAll(s.Insn, " ", "")); err != nil {
			return exit{}, fmt.Errorf("instruction %q: %w", s.Insn, err)
		}
	}
	return e, nil
}
