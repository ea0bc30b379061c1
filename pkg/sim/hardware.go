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
	"errors"

	"gvisor.dev/tdvisor/pkg/apic"
	"gvisor.dev/tdvisor/pkg/log"
	"gvisor.dev/tdvisor/pkg/percpu"
	"gvisor.dev/tdvisor/pkg/trap"
	"gvisor.dev/tdvisor/pkg/vcpu"
	"gvisor.dev/tdvisor/pkg/vmcs"
	"gvisor.dev/tdvisor/pkg/vmexit"
)

// kernelCS is the code segment of simulated host traps.
const kernelCS = 0x10

// ErrNoInstruction is returned when an exit needs the faulting instruction
// and the step carries none.
var ErrNoInstruction = errors.New("step has no instruction bytes")

// Entry records one VM-entry.
type Entry struct {
	// RIP is the guest instruction pointer at entry.
	RIP uint64

	// Injected is the entry interruption information, zero if nothing
	// was injected.
	Injected uint32

	// Exit is the reason of the exit that ended the run.
	Exit vmexit.Reason
}

// Hardware plays back the exits of one virtual CPU. It implements
// percpu.Hardware over a control structure backend.
type Hardware struct {
	control vmcs.Backend
	image   *trap.Image
	bus     *apic.Bus
	ioapic  *apic.IOAPIC
	steps   []exit
	insn    []byte
	entries []Entry
}

// NewHardware returns hardware playing steps against control. Host traps go
// through image; raised interrupts through bus and ioapic.
func NewHardware(control vmcs.Backend, image *trap.Image, bus *apic.Bus, ioapic *apic.IOAPIC, steps []Step) (*Hardware, error) {
	h := &Hardware{control: control, image: image, bus: bus, ioapic: ioapic}
	for _, s := range steps {
		e, err := s.compile()
		if err != nil {
			return nil, err
		}
		h.steps = append(h.steps, e)
	}
	return h, nil
}

// Remaining returns the number of exits not yet taken.
func (h *Hardware) Remaining() int {
	return len(h.steps)
}

// Entries returns the VM-entries performed so far.
func (h *Hardware) Entries() []Entry {
	return h.entries
}

// Prepare implements percpu.Hardware.Prepare.
func (h *Hardware) Prepare(*vcpu.VCPU) error {
	if len(h.steps) == 0 {
		return ErrEndOfTrace
	}
	return nil
}

func (h *Hardware) read(f vmcs.Field) uint64 {
	v, _ := h.control.ReadField(f)
	return v
}

func (h *Hardware) write(f vmcs.Field, v uint64) {
	h.control.WriteField(f, v)
}

// Run implements percpu.Hardware.Run.
func (h *Hardware) Run(v *vcpu.VCPU, _ *vmcs.Accessor, traps percpu.TrapSink) {
	s := h.steps[0]
	h.steps = h.steps[1:]

	rip := h.read(vmcs.GuestRIP)
	injected := uint32(h.read(vmcs.EntryInterruptionInfo))
	// Delivery consumes the event; the valid bit is clear on every exit.
	h.write(vmcs.EntryInterruptionInfo, 0)
	h.entries = append(h.entries, Entry{RIP: rip, Injected: injected, Exit: s.reason})

	for _, r := range s.Raise {
		if h.bus.Send(r.APIC, apic.DestPhysical, r.Vector, false) == 0 {
			log.Warningf("sim: no APIC %d for vector %d", r.APIC, r.Vector)
		}
	}
	for _, irq := range s.IRQ {
		h.ioapic.SetIRQ(irq.Pin, irq.Level)
	}
	for _, t := range s.Traps {
		f, err := h.image.Enter(trap.Vector(t.Vector), &trap.Frame{Rip: rip, Cs: kernelCS, Rflags: 2}, t.ErrorCode)
		if err != nil {
			log.Warningf("sim: delivering vector %d: %v", t.Vector, err)
			continue
		}
		traps.HandleTrap(f)
	}

	for n, val := range s.regs {
		if n == vcpu.RSP {
			h.write(vmcs.GuestRSP, val)
			continue
		}
		*v.Regs.Ref(n) = val
	}
	if s.RFLAGS != nil {
		h.write(vmcs.GuestRFLAGS, *s.RFLAGS)
	}
	h.insn = s.insn
	h.write(vmcs.ExitReason, uint64(s.reason))
	h.write(vmcs.ExitQualification, s.Qualification)
	h.write(vmcs.GuestPhysicalAddress, s.GPA)
	h.write(vmcs.GuestLinearAddress, s.GLA)
	h.write(vmcs.ExitInstructionLength, uint64(s.Length))
	h.write(vmcs.ExitInterruptionInfo, uint64(s.Interruption))
	h.write(vmcs.ExitInterruptionErrorCode, uint64(s.ErrorCode))
}

// FetchInstruction implements vmexit.InstructionFetcher. It returns the
// instruction bytes of the current exit.
func (h *Hardware) FetchInstruction(*vcpu.VCPU, *vmcs.Accessor) ([]byte, error) {
	if len(h.insn) == 0 {
		return nil, ErrNoInstruction
	}
	return h.insn, nil
}

var (
	_ percpu.Hardware           = (*Hardware)(nil)
	_ vmexit.InstructionFetcher = (*Hardware)(nil)
)
