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

package percpu

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"gvisor.dev/tdvisor/pkg/log"
	"gvisor.dev/tdvisor/pkg/tdcall"
	"gvisor.dev/tdvisor/pkg/trap"
	"gvisor.dev/tdvisor/pkg/vcpu"
	"gvisor.dev/tdvisor/pkg/vmcs"
	"gvisor.dev/tdvisor/pkg/vmexit"
)

// MaxTrapDepth is the deepest trap nesting tolerated. One level of nesting
// covers a fault taken while servicing an interrupt.
const MaxTrapDepth = 2

var (
	// ErrNotLoaded is returned when running before the descriptor table
	// is loaded.
	ErrNotLoaded = errors.New("descriptor table not loaded on this processor")

	// ErrBusy is returned when attaching a second virtual CPU.
	ErrBusy = errors.New("processor already hosts a virtual CPU")

	// ErrWrongProcessor is returned when attaching a virtual CPU bound to
	// another processor.
	ErrWrongProcessor = errors.New("virtual CPU bound to another processor")

	// ErrNoVCPU is returned when running without a virtual CPU.
	ErrNoVCPU = errors.New("no virtual CPU attached")

	// ErrTrapRecursion is raised when traps nest deeper than
	// MaxTrapDepth.
	ErrTrapRecursion = errors.New("trap nesting too deep")
)

// TrapSink receives traps taken by the host.
type TrapSink interface {
	HandleTrap(f *trap.Frame)
}

// Hardware performs VM-entry.
type Hardware interface {
	// Prepare is called before VM-entry and before waiting on a halted
	// virtual CPU. An error stops the run loop without entering the
	// guest.
	Prepare(v *vcpu.VCPU) error

	// Run executes v until the next VM-exit and returns with the exit
	// information in the control structure. Traps taken by the host
	// while the guest runs are delivered to traps. A failed VM-entry is
	// reported as an exit with the entry-failure flag set.
	Run(v *vcpu.VCPU, a *vmcs.Accessor, traps TrapSink)
}

// Config configures a Context.
type Config struct {
	// ID is the logical processor number.
	ID int

	Platform   *Platform
	Hardware   Hardware
	Dispatcher *vmexit.Dispatcher

	// Caller issues calls to the hosting layer on behalf of this
	// processor. If nil, virtualization exceptions are fatal.
	Caller *tdcall.Caller

	// Memory resolves virtualization exceptions on unaccepted memory.
	Memory vmexit.Memory

	// Halter receives fatal conditions. Defaults to SpinHalter.
	Halter Halter

	// TrapObserver, if set, is called for every trap.
	TrapObserver func(trap.Vector)
}

// Context is the state of one logical processor. It is never shared: every
// method must be called on the processor it represents.
type Context struct {
	id       int
	log      log.Logger
	platform *Platform
	hw       Hardware
	exits    *vmexit.Dispatcher
	traps    *trap.Dispatcher
	caller   *tdcall.Caller
	memory   vmexit.Memory
	halter   Halter

	loaded bool
	active *vcpu.VCPU
	depth  int
	wakes  uint64
}

// New returns the context of processor cfg.ID and installs its host trap
// handlers.
func New(cfg Config) (*Context, error) {
	if cfg.Platform == nil || cfg.Hardware == nil || cfg.Dispatcher == nil {
		return nil, errors.New("percpu: platform, hardware and dispatcher are required")
	}
	c := &Context{
		id:       cfg.ID,
		log:      log.CPULogger(cfg.ID),
		platform: cfg.Platform,
		hw:       cfg.Hardware,
		exits:    cfg.Dispatcher,
		caller:   cfg.Caller,
		memory:   cfg.Memory,
		halter:   cfg.Halter,
	}
	if c.halter == nil {
		c.halter = SpinHalter{}
	}
	c.traps = trap.NewDispatcher(cfg.Platform.Table, c.fatalTrap)
	if cfg.TrapObserver != nil {
		c.traps.SetObserver(cfg.TrapObserver)
	}
	if err := c.traps.Register(WakeVector, c.handleWake); err != nil {
		return nil, err
	}
	if c.caller != nil && c.memory != nil {
		if err := c.traps.Register(trap.VirtualizationException, c.handleVE); err != nil {
			return nil, err
		}
	}
	if c.caller != nil {
		// The host raises WakeVector when it has something for this
		// processor.
		if err := c.caller.SetupEventNotify(uint8(WakeVector)); err != nil {
			return nil, fmt.Errorf("cpu %d: registering wake vector: %w", c.id, err)
		}
	}
	return c, nil
}

// ID returns the processor number.
func (c *Context) ID() int { return c.id }

// Traps returns the processor's trap dispatcher.
func (c *Context) Traps() *trap.Dispatcher { return c.traps }

// Active returns the hosted virtual CPU, if any.
func (c *Context) Active() *vcpu.VCPU { return c.active }

// Wakes returns the number of wake interrupts taken.
func (c *Context) Wakes() uint64 { return c.wakes }

// LoadTable loads the shared descriptor table through l. It must be called
// before the processor enables interrupts.
func (c *Context) LoadTable(l trap.Loader) error {
	if err := c.platform.Table.Load(l); err != nil {
		return fmt.Errorf("cpu %d: %w", c.id, err)
	}
	c.loaded = true
	c.log.Debugf("descriptor table loaded at %#x", c.platform.Table.Descriptor().Base)
	return nil
}

// Attach makes v the processor's virtual CPU. v must be bound to this
// processor, and any previous virtual CPU must be destroyed.
func (c *Context) Attach(v *vcpu.VCPU) error {
	if v.CPU() != c.id {
		return fmt.Errorf("vcpu %d on cpu %d, attaching to cpu %d: %w", v.ID(), v.CPU(), c.id, ErrWrongProcessor)
	}
	if c.active != nil && c.active.State() != vcpu.Destroyed {
		return fmt.Errorf("cpu %d hosts vcpu %d: %w", c.id, c.active.ID(), ErrBusy)
	}
	c.active = v
	return nil
}

// HandleTrap implements TrapSink.HandleTrap. It is the per-processor entry
// of the generic dispatcher.
func (c *Context) HandleTrap(f *trap.Frame) {
	c.depth++
	defer func() { c.depth-- }()
	if c.depth > MaxTrapDepth {
		c.fatalTrap(f, fmt.Errorf("%w: depth %d", ErrTrapRecursion, c.depth))
		return
	}
	c.traps.Dispatch(f)
}

func (c *Context) fatalTrap(f *trap.Frame, err error) {
	if c.log.IsLogging(log.Warning) {
		var buf bytes.Buffer
		f.Dump(&buf)
		c.log.Warningf("fatal trap: %v\n%s", err, buf.String())
	}
	c.halter.Halt(c.id, err)
}

func (c *Context) handleWake(*trap.Frame) error {
	c.wakes++
	if v := c.active; v != nil && v.State() == vcpu.Halted {
		enabled, err := c.interruptsEnabled(v)
		if err != nil {
			return err
		}
		v.WakeIfPending(enabled)
	}
	return nil
}

// interruptsEnabled returns the RFLAGS.IF of v, which must not be running.
func (c *Context) interruptsEnabled(v *vcpu.VCPU) (bool, error) {
	a, err := v.Control().Load(c.id)
	if err != nil {
		return false, err
	}
	defer a.Release()
	rflags, err := a.Read(vmcs.GuestRFLAGS)
	if err != nil {
		return false, err
	}
	return rflags&vmcs.RFLAGSInterruptEnable != 0, nil
}

// handleVE services a virtualization exception taken by the host itself:
// a touch of private memory that has not been accepted yet.
func (c *Context) handleVE(f *trap.Frame) error {
	info, err := c.caller.VEInfo()
	if err != nil {
		return fmt.Errorf("reading #VE information: %w", err)
	}
	if vmexit.Reason(info.ExitReason).Basic() == vmexit.EPTViolation && c.memory.GuestOwned(info.GuestPhysical) {
		return c.memory.Resolve(info.GuestPhysical)
	}
	return fmt.Errorf("unhandled #VE: %v at gpa %#x rip %#x", vmexit.Reason(info.ExitReason), info.GuestPhysical, f.Rip)
}

// Run runs the attached virtual CPU until it is destroyed, ctx is done, the
// hardware stops or a fatal condition returns from the halter.
func (c *Context) Run(ctx context.Context) error {
	v := c.active
	if v == nil {
		return ErrNoVCPU
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch v.State() {
		case vcpu.Destroyed:
			return nil
		case vcpu.Halted:
			if err := c.hw.Prepare(v); err != nil {
				return err
			}
			if err := c.idle(ctx, v); err != nil {
				return err
			}
			continue
		}
		if _, err := c.Step(); err != nil {
			return err
		}
	}
}

// idle waits until v has an event to take or is destroyed. Unless v can be
// woken right away, the processor is first handed back to the host.
func (c *Context) idle(ctx context.Context, v *vcpu.VCPU) error {
	// RFLAGS cannot change while the guest is halted.
	enabled, err := c.interruptsEnabled(v)
	if err != nil {
		return err
	}
	if v.WakeIfPending(enabled) {
		return nil
	}
	if c.caller != nil {
		if err := c.caller.Halt(!enabled); err != nil {
			return fmt.Errorf("cpu %d: halting: %w", c.id, err)
		}
	}
	for v.State() == vcpu.Halted && !v.WakeIfPending(enabled) {
		select {
		case <-v.LAPIC().Doorbell().Notify():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Step performs one VM-entry, handles the resulting exit and returns the
// decision.
func (c *Context) Step() (vmexit.Action, error) {
	v := c.active
	if v == nil {
		return vmexit.Fatal, ErrNoVCPU
	}
	if !c.loaded {
		return vmexit.Fatal, ErrNotLoaded
	}
	a, err := v.Control().Load(c.id)
	if err != nil {
		return vmexit.Fatal, err
	}
	defer a.Release()

	if err := c.hw.Prepare(v); err != nil {
		return vmexit.Fatal, err
	}
	if err := c.inject(v, a); err != nil {
		return c.stop(err)
	}
	if err := v.Enter(); err != nil {
		return vmexit.Fatal, err
	}
	c.hw.Run(v, a, c)
	e, err := vmexit.ReadExit(a)
	if err != nil {
		// The virtual CPU is Running with no way out; this processor is
		// done.
		return c.stop(err)
	}
	if err := v.Exit(e); err != nil {
		return c.stop(err)
	}
	act, err := c.exits.HandleExit(v, a)
	if err != nil {
		return c.stop(err)
	}
	c.log.Debugf("vcpu %d: %v -> %v", v.ID(), vmexit.Reason(e.Reason), act)
	return act, nil
}

// stop escalates err. If the halter returns, the error is returned to the
// run loop.
func (c *Context) stop(err error) (vmexit.Action, error) {
	c.halter.Halt(c.id, err)
	return vmexit.Fatal, err
}

// inject programs the event delivered at the next VM-entry. A queued event
// goes first; otherwise the highest deliverable interrupt is taken from the
// controller if the guest can accept it, and interrupt-window exiting is
// requested if it cannot.
func (c *Context) inject(v *vcpu.VCPU, a *vmcs.Accessor) error {
	l := v.LAPIC()
	l.Sync()
	if e, ok := v.TakeEvent(); ok {
		if err := writeEvent(a, e); err != nil {
			return err
		}
		if _, ok := l.NextInjectable(); ok {
			return a.SetBits(vmcs.ProcBasedControls, vmcs.ProcInterruptWindowExiting)
		}
		return nil
	}
	vec, ok := l.NextInjectable()
	if !ok {
		return nil
	}
	open, err := interruptible(a)
	if err != nil {
		return err
	}
	if !open {
		return a.SetBits(vmcs.ProcBasedControls, vmcs.ProcInterruptWindowExiting)
	}
	l.Acknowledge(vec)
	return writeEvent(a, vcpu.Event{Vector: vec, Type: vmcs.InterruptionTypeExternal})
}

// interruptible returns true iff the guest accepts an external interrupt
// now.
func interruptible(a *vmcs.Accessor) (bool, error) {
	rflags, err := a.Read(vmcs.GuestRFLAGS)
	if err != nil {
		return false, err
	}
	if rflags&vmcs.RFLAGSInterruptEnable == 0 {
		return false, nil
	}
	blocking, err := a.Read(vmcs.GuestInterruptibility)
	if err != nil {
		return false, err
	}
	return blocking&(vmcs.BlockingBySTI|vmcs.BlockingByMovSS) == 0, nil
}

func writeEvent(a *vmcs.Accessor, e vcpu.Event) error {
	if err := a.Write(vmcs.EntryInterruptionInfo, uint64(e.Info())); err != nil {
		return err
	}
	if e.HasErrorCode {
		if err := a.Write(vmcs.EntryExceptionErrorCode, uint64(e.ErrorCode)); err != nil {
			return err
		}
	}
	if vmcs.NeedsInstructionLength(e.Type) {
		if err := a.Write(vmcs.EntryInstructionLength, uint64(e.InstructionLength)); err != nil {
			return err
		}
	}
	return nil
}
