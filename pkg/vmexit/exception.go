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

	"gvisor.dev/tdvisor/pkg/trap"
	"gvisor.dev/tdvisor/pkg/vcpu"
	"gvisor.dev/tdvisor/pkg/vmcs"
)

// ExceptionAction is the handling of a guest exception that caused an
// exit.
type ExceptionAction int

// Exception actions.
const (
	// Escalate stops the virtual CPU.
	Escalate ExceptionAction = iota

	// Reinject delivers the exception to the guest unchanged.
	Reinject

	// ResolveFault asks the memory collaborator to resolve the fault and
	// reinjects it if the collaborator declines.
	ResolveFault
)

// ExceptionPolicy maps exception vectors to actions. Vectors absent from
// the policy escalate.
type ExceptionPolicy map[trap.Vector]ExceptionAction

// DefaultExceptionPolicy returns the standard policy: page faults on
// unaccepted guest memory are resolved, architectural faults the guest can
// handle are reinjected, and #DF, #MC and #VE escalate.
func DefaultExceptionPolicy() ExceptionPolicy {
	p := ExceptionPolicy{trap.PageFault: ResolveFault}
	for _, v := range []trap.Vector{
		trap.DivideByZero,
		trap.Debug,
		trap.Breakpoint,
		trap.Overflow,
		trap.BoundRangeExceeded,
		trap.InvalidOpcode,
		trap.DeviceNotAvailable,
		trap.InvalidTSS,
		trap.SegmentNotPresent,
		trap.StackSegmentFault,
		trap.GeneralProtectionFault,
		trap.X87FloatingPointException,
		trap.AlignmentCheck,
		trap.SIMDFloatingPointException,
		trap.ControlProtectionException,
	} {
		p[v] = Reinject
	}
	return p
}

func handleException(c *Context) (Action, error) {
	info := Interruption(c.Exit.InterruptionInfo)
	if !info.Valid() {
		return Fatal, errors.New("exception exit without valid interruption information")
	}
	if info.Type() == vmcs.InterruptionTypeNMI {
		// Host NMIs are handled by the host; reflect guest-visible ones.
		return Resume, c.VCPU.QueueEvent(vcpu.Event{Vector: info.Vector(), Type: vmcs.InterruptionTypeNMI})
	}
	v := trap.Vector(info.Vector())
	// Software exceptions never carry an error code.
	want := info.Type() == vmcs.InterruptionTypeHardware && v.DeliversErrorCode()
	if info.HasErrorCode() != want {
		return Fatal, fmt.Errorf("%v exit with error code flag %t", v, info.HasErrorCode())
	}
	switch c.d.exceptions[v] {
	case ResolveFault:
		if c.resolveFault() {
			return Resume, nil
		}
		return c.reinject(info)
	case Reinject:
		return c.reinject(info)
	default:
		return Fatal, &trap.UnexpectedError{Vector: v, Reason: "guest exception not recoverable"}
	}
}

// resolveFault returns true iff the memory collaborator resolved the page
// fault in the exit.
func (c *Context) resolveFault() bool {
	// For page faults the qualification holds the faulting linear address.
	gpa, err := c.d.translator.Translate(c.VCPU, c.VMCS, c.Exit.Qualification)
	if err != nil {
		c.d.spurious.Warningf("vcpu %d: translating fault address %#x: %v", c.VCPU.ID(), c.Exit.Qualification, err)
		return false
	}
	if !c.d.memory.GuestOwned(gpa) {
		return false
	}
	if err := c.d.memory.Resolve(gpa); err != nil {
		return false
	}
	return true
}

func (c *Context) reinject(info Interruption) (Action, error) {
	e := vcpu.Event{
		Vector:       info.Vector(),
		Type:         info.Type(),
		HasErrorCode: info.HasErrorCode(),
		ErrorCode:    c.Exit.ErrorCode,
	}
	if vmcs.NeedsInstructionLength(e.Type) {
		e.InstructionLength = c.Exit.InstructionLength
	}
	if err := c.VCPU.QueueEvent(e); err != nil {
		return Fatal, err
	}
	return Resume, nil
}
