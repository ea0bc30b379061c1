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

package vmexit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gvisor.dev/tdvisor/pkg/apic"
	"gvisor.dev/tdvisor/pkg/log"
	"gvisor.dev/tdvisor/pkg/vcpu"
	"gvisor.dev/tdvisor/pkg/vmcs"
)

// Action is the outcome of handling an exit.
type Action int

// Actions.
const (
	// Resume makes the virtual CPU Runnable.
	Resume Action = iota

	// Halt makes the virtual CPU Halted.
	Halt

	// Fatal stops the virtual CPU. It is accompanied by a FatalError.
	Fatal
)

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a {
	case Resume:
		return "resume"
	case Halt:
		return "halt"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// FatalError describes an exit that cannot be handled.
type FatalError struct {
	VCPU   int
	Reason Reason
	RIP    uint64
	Err    error
}

// Error implements error.Error.
func (e *FatalError) Error() string {
	return fmt.Sprintf("vcpu %d: fatal %v exit at rip %#x: %v", e.VCPU, e.Reason, e.RIP, e.Err)
}

// Unwrap returns the underlying error.
func (e *FatalError) Unwrap() error {
	return e.Err
}

var (
	// ErrUnknownReason is returned for exit reasons without a handler.
	ErrUnknownReason = errors.New("unhandled exit reason")

	// ErrHandlerExists is returned when registering a second handler for
	// an exit reason.
	ErrHandlerExists = errors.New("exit handler already registered")
)

// Host is the hosting layer, used for accesses that leave the trust domain.
type Host interface {
	In(port uint16, size int) (uint32, error)
	Out(port uint16, size int, val uint32) error
	ReadMSR(msr uint32) (uint64, error)
	WriteMSR(msr uint32, val uint64) error
	ReadMMIO(gpa uint64, size int) (uint64, error)
	WriteMMIO(gpa uint64, size int, val uint64) error
	MapGPA(gpa, size uint64) error
	GetQuote(gpa, size uint64) error
}

// Memory is the guest memory collaborator.
type Memory interface {
	// GuestOwned returns true iff gpa is private guest memory.
	GuestOwned(gpa uint64) bool

	// Resolve resolves a fault on gpa, or returns an error if the fault
	// is not a memory-state fault.
	Resolve(gpa uint64) error
}

// Translator maps guest linear addresses to guest physical addresses.
type Translator interface {
	Translate(v *vcpu.VCPU, a *vmcs.Accessor, gla uint64) (uint64, error)
}

// Context is the state handed to an exit handler.
type Context struct {
	VCPU   *vcpu.VCPU
	VMCS   *vmcs.Accessor
	Exit   vcpu.Exit
	Reason Reason

	d *Dispatcher
}

// Handler services one exit reason.
type Handler func(c *Context) (Action, error)

// Config configures a Dispatcher. Host and Memory are required.
type Config struct {
	Host       Host
	Memory     Memory
	Translator Translator
	Decoder    Decoder
	IOAPIC     *apic.IOAPIC

	// Exceptions overrides the default guest exception policy.
	Exceptions ExceptionPolicy

	// Hypercalls is the set of guest hypercalls forwarded to the host.
	// Defaults to DefaultHypercalls.
	Hypercalls []Hypercall
}

// Dispatcher maps exit reasons to handlers. It is shared by all
// processors; handlers are registered during bring-up.
type Dispatcher struct {
	host       Host
	memory     Memory
	translator Translator
	decoder    Decoder
	ioapic     *apic.IOAPIC
	exceptions ExceptionPolicy
	hypercalls map[Hypercall]bool
	spurious   log.Logger

	mu       sync.RWMutex
	handlers [NumReasons]Handler
	onExit   func(v *vcpu.VCPU, r Reason, a Action)
}

// NewDispatcher returns a dispatcher with the standard handlers installed.
func NewDispatcher(cfg Config) *Dispatcher {
	d := &Dispatcher{
		host:       cfg.Host,
		memory:     cfg.Memory,
		translator: cfg.Translator,
		decoder:    cfg.Decoder,
		ioapic:     cfg.IOAPIC,
		exceptions: cfg.Exceptions,
		hypercalls: make(map[Hypercall]bool),
		spurious:   log.BasicRateLimitedLogger(time.Second),
	}
	if d.translator == nil {
		d.translator = Identity{}
	}
	if d.decoder == nil {
		d.decoder = &X86Decoder{}
	}
	if d.exceptions == nil {
		d.exceptions = DefaultExceptionPolicy()
	}
	hcs := cfg.Hypercalls
	if hcs == nil {
		hcs = DefaultHypercalls
	}
	for _, h := range hcs {
		d.hypercalls[h] = true
	}
	for r, h := range map[Reason]Handler{
		ExceptionOrNMI:    handleException,
		ExternalInterrupt: handleExternalInterrupt,
		InterruptWindow:   handleInterruptWindow,
		CPUID:             handleCPUID,
		HLT:               handleHLT,
		VMCALL:            handleVMCALL,
		CRAccess:          handleCR,
		IOInstruction:     handleIO,
		RDMSR:             handleRDMSR,
		WRMSR:             handleWRMSR,
		EPTViolation:      handleEPTViolation,
	} {
		d.handlers[r] = h
	}
	return d
}

// Register installs h for r.
func (d *Dispatcher) Register(r Reason, h Handler) error {
	if r.Basic() >= NumReasons {
		return fmt.Errorf("exit reason %d out of range", uint32(r))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers[r.Basic()] != nil {
		return fmt.Errorf("%v: %w", r, ErrHandlerExists)
	}
	d.handlers[r.Basic()] = h
	return nil
}

// Replace installs h for r, replacing any existing handler.
func (d *Dispatcher) Replace(r Reason, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[r.Basic()] = h
}

// SetObserver installs fn to be called with the outcome of every exit.
func (d *Dispatcher) SetObserver(fn func(v *vcpu.VCPU, r Reason, a Action)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onExit = fn
}

// ReadExit reads the exit information from the control structure.
func ReadExit(a *vmcs.Accessor) (vcpu.Exit, error) {
	var e vcpu.Exit
	for _, r := range []struct {
		f   vmcs.Field
		dst any
	}{
		{vmcs.ExitReason, &e.Reason},
		{vmcs.ExitQualification, &e.Qualification},
		{vmcs.GuestLinearAddress, &e.GuestLinear},
		{vmcs.GuestPhysicalAddress, &e.GuestPhysical},
		{vmcs.ExitInstructionLength, &e.InstructionLength},
		{vmcs.ExitInterruptionInfo, &e.InterruptionInfo},
		{vmcs.ExitInterruptionErrorCode, &e.ErrorCode},
	} {
		v, err := a.Read(r.f)
		if err != nil {
			return vcpu.Exit{}, err
		}
		switch p := r.dst.(type) {
		case *uint32:
			*p = uint32(v)
		case *uint64:
			*p = v
		}
	}
	return e, nil
}

// HandleExit handles the exit recorded in v, which must be ExitPending,
// and applies the decision: Resume makes v Runnable, Halt makes it Halted
// and Fatal destroys it and returns a *FatalError.
func (d *Dispatcher) HandleExit(v *vcpu.VCPU, a *vmcs.Accessor) (Action, error) {
	if s := v.State(); s != vcpu.ExitPending {
		return Fatal, fmt.Errorf("handling exit of vcpu %d in state %v: %w", v.ID(), s, vcpu.ErrInvalidTransition)
	}
	c := &Context{VCPU: v, VMCS: a, Exit: v.LastExit(), d: d}
	c.Reason = Reason(c.Exit.Reason)

	d.mu.RLock()
	var h Handler
	if b := c.Reason.Basic(); b < NumReasons {
		h = d.handlers[b]
	}
	observe := d.onExit
	d.mu.RUnlock()

	act, err := Fatal, error(nil)
	switch {
	case c.Reason.EntryFailure():
		err = errors.New("VM-entry failed")
	case h == nil:
		err = ErrUnknownReason
	default:
		act, err = h(c)
	}
	if act == Fatal && err == nil {
		err = errors.New("handler requested stop")
	}
	if err != nil {
		act = Fatal
	}
	if observe != nil {
		observe(v, c.Reason, act)
	}

	switch act {
	case Resume:
		err = v.Resume()
	case Halt:
		err = v.Halt()
	}
	if err == nil {
		return act, nil
	}
	fe := c.fatal(err)
	if err := v.Destroy(); err != nil {
		log.Warningf("vcpu %d: destroying after fatal exit: %v", v.ID(), err)
	}
	return Fatal, fe
}

func (c *Context) fatal(err error) *FatalError {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe
	}
	fe = &FatalError{VCPU: c.VCPU.ID(), Reason: c.Reason, Err: err}
	fe.RIP, _ = c.VMCS.Read(vmcs.GuestRIP)
	return fe
}

// InjectGP queues #GP(0) and resumes.
func (c *Context) InjectGP() (Action, error) {
	return c.inject(13, true, 0)
}

// InjectUD queues #UD and resumes.
func (c *Context) InjectUD() (Action, error) {
	return c.inject(6, false, 0)
}

func (c *Context) inject(vector uint8, hasErr bool, code uint32) (Action, error) {
	if err := c.VCPU.QueueException(vector, hasErr, code); err != nil {
		return Fatal, err
	}
	return Resume, nil
}

// skip advances past the exiting instruction and resumes.
func (c *Context) skip() (Action, error) {
	if err := c.VCPU.AdvanceRIP(c.VMCS); err != nil {
		return Fatal, err
	}
	return Resume, nil
}
