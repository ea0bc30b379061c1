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

// Package vcpu implements the virtual CPU: its lifecycle, register mirror,
// control structure and interrupt state.
package vcpu

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/tdvisor/pkg/apic"
	"gvisor.dev/tdvisor/pkg/cpuid"
	"gvisor.dev/tdvisor/pkg/log"
	"gvisor.dev/tdvisor/pkg/vmcs"
	"gvisor.dev/tdvisor/pkg/vreg"
)

// Exit is the raw information recorded for the last VM-exit.
type Exit struct {
	// Reason is the exit reason field: basic reason in bits 0-15 and
	// the entry-failure flag in bit 31.
	Reason uint32

	Qualification     uint64
	GuestLinear       uint64
	GuestPhysical     uint64
	InstructionLength uint32
	InterruptionInfo  uint32
	ErrorCode         uint32
}

// Event is an event queued for injection at the next VM-entry.
type Event struct {
	Vector       uint8
	Type         uint8
	HasErrorCode bool
	ErrorCode    uint32

	// InstructionLength is used for software events.
	InstructionLength uint32
}

// Info returns the entry interruption information encoding of e.
func (e Event) Info() uint32 {
	info := uint32(vmcs.InterruptionValid) | uint32(e.Type)<<vmcs.InterruptionTypeShift | uint32(e.Vector)
	if e.HasErrorCode {
		info |= vmcs.InterruptionDeliverError
	}
	return info
}

// String implements fmt.Stringer.
func (e Event) String() string {
	if e.HasErrorCode {
		return fmt.Sprintf("vector %d type %d error %#x", e.Vector, e.Type, e.ErrorCode)
	}
	return fmt.Sprintf("vector %d type %d", e.Vector, e.Type)
}

// Config configures a virtual CPU.
type Config struct {
	// ID is the virtual CPU index.
	ID int

	// CPU is the logical processor hosting the virtual CPU.
	CPU int

	// APICID is the x2APIC ID. If nil, ID is used.
	APICID *uint32

	// Backend stores the control structure. Defaults to an in-memory
	// backend.
	Backend vmcs.Backend

	// Bus carries inter-processor interrupts.
	Bus *apic.Bus

	// EOI is told about level-triggered EOIs.
	EOI apic.EOIHandler

	// CPUID is the table the guest observes. It is specialized for this
	// virtual CPU.
	CPUID cpuid.Static

	// Policy is the MSR policy. Defaults to vreg.DefaultPolicy.
	Policy *vreg.Policy
}

// VCPU is a virtual CPU. It is owned by the processor hosting it; only the
// lifecycle state and the doorbell may be touched from elsewhere.
type VCPU struct {
	id     int
	cpu    int
	state  atomic.Uint32
	log    log.Logger
	vmcs   *vmcs.Structure
	lapic  *apic.LAPIC
	msrs   *vreg.MSRStore
	cpuid  cpuid.Static
	policy *vreg.Policy
	bitmap *vreg.Bitmap

	// Regs is the register mirror.
	Regs Registers

	exit     Exit
	exits    uint64
	pending  *Event
	observer func(from, to State)
}

// New returns a virtual CPU in the Created state.
func New(cfg Config) (*VCPU, error) {
	apicID := uint32(cfg.ID)
	if cfg.APICID != nil {
		apicID = *cfg.APICID
	}
	if cfg.Backend == nil {
		cfg.Backend = vmcs.NewMemory()
	}
	if cfg.Policy == nil {
		cfg.Policy = vreg.DefaultPolicy()
	}
	if cfg.CPUID == nil {
		cfg.CPUID = cpuid.Virtualize(cpuid.HostStatic(), cpuid.VirtOptions{})
	}
	l, err := apic.New(apic.Config{ID: apicID, Bus: cfg.Bus, EOI: cfg.EOI})
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: %w", cfg.ID, err)
	}
	return &VCPU{
		id:     cfg.ID,
		cpu:    cfg.CPU,
		log:    log.CPULogger(cfg.CPU),
		vmcs:   vmcs.New(cfg.CPU, cfg.Backend),
		lapic:  l,
		msrs:   vreg.NewMSRStore(cfg.ID == 0),
		cpuid:  cfg.CPUID.ForVCPU(apicID),
		policy: cfg.Policy,
		bitmap: cfg.Policy.Bitmap(),
	}, nil
}

// ID returns the virtual CPU index.
func (v *VCPU) ID() int { return v.id }

// CPU returns the hosting processor.
func (v *VCPU) CPU() int { return v.cpu }

// Control returns the control structure.
func (v *VCPU) Control() *vmcs.Structure { return v.vmcs }

// LAPIC returns the local interrupt controller.
func (v *VCPU) LAPIC() *apic.LAPIC { return v.lapic }

// MSRs returns the emulated MSR store.
func (v *VCPU) MSRs() *vreg.MSRStore { return v.msrs }

// CPUID returns the CPUID table the guest observes.
func (v *VCPU) CPUID() cpuid.Static { return v.cpuid }

// Policy returns the MSR policy.
func (v *VCPU) Policy() *vreg.Policy { return v.policy }

// Bitmap returns the MSR bitmap derived from the policy.
func (v *VCPU) Bitmap() *vreg.Bitmap { return v.bitmap }

// State returns the lifecycle state.
func (v *VCPU) State() State {
	return State(v.state.Load())
}

// SetObserver installs a function called after every transition. It must
// be set before the virtual CPU is started.
func (v *VCPU) SetObserver(fn func(from, to State)) {
	v.observer = fn
}

// transition moves from → to, failing if the current state is not from or
// the transition is illegal.
func (v *VCPU) transition(from, to State) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	if !v.state.CompareAndSwap(uint32(from), uint32(to)) {
		return &TransitionError{From: v.State(), To: to}
	}
	if v.observer != nil {
		v.observer(from, to)
	}
	return nil
}

// Start programs the control structure through a, which must be loaded on
// the hosting processor, and makes the virtual CPU Runnable.
func (v *VCPU) Start(a *vmcs.Accessor, entry uint64) error {
	if s := v.State(); s != Created {
		return &TransitionError{From: s, To: Runnable}
	}
	if err := vreg.InitCRs(a); err != nil {
		return err
	}
	for _, w := range []struct {
		f   vmcs.Field
		val uint64
	}{
		{vmcs.ProcBasedControls, vmcs.ProcHLTExiting | vmcs.ProcUseMSRBitmaps | vmcs.ProcActivateSecondary},
		{vmcs.VPID, uint64(v.id + 1)},
		{vmcs.GuestRIP, entry},
		{vmcs.GuestRFLAGS, 0x2},
		{vmcs.GuestActivityState, vmcs.ActivityActive},
		{vmcs.GuestIA32EFER, vreg.EFERSCE | vreg.EFERLME | vreg.EFERLMA | vreg.EFERNXE},
	} {
		if err := a.Write(w.f, w.val); err != nil {
			return fmt.Errorf("vcpu %d: programming %v: %w", v.id, w.f, err)
		}
	}
	return v.transition(Created, Runnable)
}

// Enter marks the virtual CPU Running. It is called immediately before
// VM-entry.
func (v *VCPU) Enter() error {
	if s := v.State(); s != Runnable {
		return fmt.Errorf("vcpu %d is %v: %w", v.id, s, ErrNotRunnable)
	}
	return v.transition(Runnable, Running)
}

// Exit records a VM-exit and marks the virtual CPU ExitPending.
func (v *VCPU) Exit(e Exit) error {
	if err := v.transition(Running, ExitPending); err != nil {
		return err
	}
	v.exit = e
	v.exits++
	return nil
}

// LastExit returns the last recorded exit.
func (v *VCPU) LastExit() Exit {
	return v.exit
}

// Exits returns the number of exits recorded.
func (v *VCPU) Exits() uint64 {
	return v.exits
}

// Resume marks a handled exit Runnable.
func (v *VCPU) Resume() error {
	return v.transition(ExitPending, Runnable)
}

// Halt marks a handled exit Halted.
func (v *VCPU) Halt() error {
	return v.transition(ExitPending, Halted)
}

// Wake makes a Halted virtual CPU Runnable. It returns false if the
// virtual CPU was not Halted.
func (v *VCPU) Wake() bool {
	return v.transition(Halted, Runnable) == nil
}

// WakeIfPending wakes a Halted virtual CPU that has something to take at
// the next VM-entry: a queued event, or an interrupt the controller would
// deliver at the current priority. Interrupts are only considered if
// interruptsEnabled, which is the guest's RFLAGS.IF. It must be called on
// the hosting processor.
func (v *VCPU) WakeIfPending(interruptsEnabled bool) bool {
	if v.State() != Halted {
		return false
	}
	if v.pending == nil {
		if !interruptsEnabled {
			return false
		}
		v.lapic.Sync()
		if _, ok := v.lapic.NextInjectable(); !ok {
			return false
		}
	}
	return v.Wake()
}

// Destroy moves the virtual CPU to Destroyed. A Running virtual CPU cannot
// be destroyed; it must exit first.
func (v *VCPU) Destroy() error {
	for {
		s := v.State()
		if s == Destroyed {
			return nil
		}
		if !CanTransition(s, Destroyed) {
			return &TransitionError{From: s, To: Destroyed}
		}
		if err := v.transition(s, Destroyed); err == nil {
			break
		}
	}
	v.vmcs.Release()
	v.lapic.Close()
	v.log.Debugf("vcpu %d destroyed after %d exits", v.id, v.exits)
	return nil
}

// QueueEvent queues e for injection at the next VM-entry.
func (v *VCPU) QueueEvent(e Event) error {
	if v.pending != nil {
		return fmt.Errorf("queueing %v over %v: %w", e, *v.pending, ErrEventPending)
	}
	v.pending = &e
	return nil
}

// QueueException queues hardware exception vector. The error code is
// delivered iff the vector carries one.
func (v *VCPU) QueueException(vector uint8, hasErrorCode bool, errorCode uint32) error {
	return v.QueueEvent(Event{
		Vector:       vector,
		Type:         vmcs.InterruptionTypeHardware,
		HasErrorCode: hasErrorCode,
		ErrorCode:    errorCode,
	})
}

// PendingEvent returns the queued event, if any.
func (v *VCPU) PendingEvent() (Event, bool) {
	if v.pending == nil {
		return Event{}, false
	}
	return *v.pending, true
}

// TakeEvent removes and returns the queued event.
func (v *VCPU) TakeEvent() (Event, bool) {
	e, ok := v.PendingEvent()
	v.pending = nil
	return e, ok
}

// ReadGPR reads general-purpose register n, taking RSP from the control
// structure.
func (v *VCPU) ReadGPR(a *vmcs.Accessor, n int) (uint64, error) {
	if n == RSP {
		return a.Read(vmcs.GuestRSP)
	}
	return v.Regs.Get(n)
}

// WriteGPR writes general-purpose register n, storing RSP in the control
// structure.
func (v *VCPU) WriteGPR(a *vmcs.Accessor, n int, val uint64) error {
	if n == RSP {
		return a.Write(vmcs.GuestRSP, val)
	}
	return v.Regs.Set(n, val)
}

// AdvanceRIP skips the instruction that caused the last exit.
func (v *VCPU) AdvanceRIP(a *vmcs.Accessor) error {
	rip, err := a.Read(vmcs.GuestRIP)
	if err != nil {
		return err
	}
	if err := a.Write(vmcs.GuestRIP, rip+uint64(v.exit.InstructionLength)); err != nil {
		return err
	}
	// Skipping an instruction ends STI and MOV SS blocking.
	return a.ClearBits(vmcs.GuestInterruptibility, vmcs.BlockingBySTI|vmcs.BlockingByMovSS)
}
