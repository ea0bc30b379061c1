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

package vcpu

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/tdvisor/pkg/cpuid"
	"gvisor.dev/tdvisor/pkg/vmcs"
	"gvisor.dev/tdvisor/pkg/vreg"
)

type transition struct {
	From, To State
}

func newVCPU(t *testing.T) (*VCPU, *[]transition) {
	t.Helper()
	v, err := New(Config{ID: 1, CPU: 0, CPUID: cpuid.FromFlags(cpuid.HostFlags{})})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	var trace []transition
	v.SetObserver(func(from, to State) {
		trace = append(trace, transition{from, to})
	})
	return v, &trace
}

func start(t *testing.T, v *VCPU) {
	t.Helper()
	a, err := v.Control().Load(v.CPU())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer a.Release()
	if err := v.Start(a, 0x100000); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	legal := map[transition]bool{
		{Created, Runnable}:      true,
		{Created, Destroyed}:     true,
		{Runnable, Running}:      true,
		{Runnable, Destroyed}:    true,
		{Running, ExitPending}:   true,
		{ExitPending, Runnable}:  true,
		{ExitPending, Halted}:    true,
		{ExitPending, Destroyed}: true,
		{Halted, Runnable}:       true,
		{Halted, Destroyed}:      true,
	}
	for from := Created; from < numStates; from++ {
		for to := Created; to < numStates; to++ {
			if got, want := CanTransition(from, to), legal[transition{from, to}]; got != want {
				t.Errorf("CanTransition(%v, %v): got %t, want %t", from, to, got, want)
			}
		}
	}
	// Nothing leaves Running except through ExitPending.
	for to := Created; to < numStates; to++ {
		if to != ExitPending && CanTransition(Running, to) {
			t.Errorf("Running -> %v allowed", to)
		}
	}
}

func TestLifecycle(t *testing.T) {
	v, trace := newVCPU(t)
	if err := v.Enter(); !errors.Is(err, ErrNotRunnable) {
		t.Errorf("Enter from Created: got %v, want ErrNotRunnable", err)
	}
	start(t, v)

	for _, step := range []struct {
		name string
		fn   func() error
	}{
		{"enter", v.Enter},
		{"exit", func() error { return v.Exit(Exit{Reason: 10, InstructionLength: 2}) }},
		{"resume", v.Resume},
		{"enter", v.Enter},
		{"exit", func() error { return v.Exit(Exit{Reason: 12, InstructionLength: 1}) }},
		{"halt", v.Halt},
	} {
		if err := step.fn(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
	}
	if err := v.Enter(); !errors.Is(err, ErrNotRunnable) {
		t.Errorf("Enter while Halted: got %v, want ErrNotRunnable", err)
	}
	if !v.Wake() {
		t.Errorf("Wake from Halted failed")
	}
	if v.Wake() {
		t.Errorf("Wake from Runnable succeeded")
	}
	if got := v.LastExit().Reason; got != 12 {
		t.Errorf("LastExit: got reason %d, want 12", got)
	}

	want := []transition{
		{Created, Runnable},
		{Runnable, Running},
		{Running, ExitPending},
		{ExitPending, Runnable},
		{Runnable, Running},
		{Running, ExitPending},
		{ExitPending, Halted},
		{Halted, Runnable},
	}
	if diff := cmp.Diff(want, *trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalidTransitions(t *testing.T) {
	v, _ := newVCPU(t)
	start(t, v)
	if err := v.Resume(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume from Runnable: got %v, want ErrInvalidTransition", err)
	}
	if err := v.Exit(Exit{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Exit from Runnable: got %v, want ErrInvalidTransition", err)
	}
	if err := v.Enter(); err != nil {
		t.Fatalf("Enter failed: %v", err)
	}
	if err := v.Halt(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Halt from Running: got %v, want ErrInvalidTransition", err)
	}
	if err := v.Destroy(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Destroy from Running: got %v, want ErrInvalidTransition", err)
	}
	var te *TransitionError
	if err := v.Resume(); !errors.As(err, &te) || te.From != Running {
		t.Errorf("Resume from Running: got %v", err)
	}
}

func TestDestroy(t *testing.T) {
	v, trace := newVCPU(t)
	start(t, v)
	if err := v.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if err := v.Destroy(); err != nil {
		t.Errorf("second Destroy: %v", err)
	}
	if err := v.Enter(); !errors.Is(err, ErrNotRunnable) {
		t.Errorf("Enter after Destroy: got %v", err)
	}
	if err := v.Exit(Exit{}); err == nil {
		t.Errorf("Exit after Destroy succeeded")
	}
	if v.Exits() != 0 {
		t.Errorf("Destroyed vcpu recorded %d exits", v.Exits())
	}
	if _, err := v.Control().Load(v.CPU()); !errors.Is(err, vmcs.ErrReleased) {
		t.Errorf("Load after Destroy: got %v, want ErrReleased", err)
	}
	if last := (*trace)[len(*trace)-1]; last.To != Destroyed {
		t.Errorf("last transition: got %+v", last)
	}
}

func TestStartProgramsControlStructure(t *testing.T) {
	v, _ := newVCPU(t)
	start(t, v)
	a, err := v.Control().Load(v.CPU())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer a.Release()
	for f, want := range map[vmcs.Field]uint64{
		vmcs.GuestRIP:         0x100000,
		vmcs.CR0GuestHostMask: vreg.CR0HostOwned,
		vmcs.VPID:             2,
	} {
		if got, err := a.Read(f); err != nil || got != want {
			t.Errorf("%v: got %#x, %v; want %#x", f, got, err, want)
		}
	}
	if err := v.Start(a, 0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Start: got %v, want ErrInvalidTransition", err)
	}
}

func TestWakeIfPending(t *testing.T) {
	v, _ := newVCPU(t)
	start(t, v)
	for _, fn := range []func() error{v.Enter, func() error { return v.Exit(Exit{Reason: 12}) }, v.Halt} {
		if err := fn(); err != nil {
			t.Fatalf("step failed: %v", err)
		}
	}
	if v.WakeIfPending(true) {
		t.Errorf("woke with nothing pending")
	}
	v.LAPIC().Doorbell().Post(0x40, false)
	if v.WakeIfPending(false) {
		t.Errorf("woke with interrupts disabled")
	}
	v.LAPIC().SetTPR(0x50)
	if v.WakeIfPending(true) {
		t.Errorf("woke for an interrupt masked by the task priority")
	}
	v.LAPIC().SetTPR(0)
	if !v.WakeIfPending(true) {
		t.Errorf("did not wake with a posted interrupt")
	}
	if v.State() != Runnable {
		t.Errorf("state: got %v, want Runnable", v.State())
	}
}

func TestWakeForQueuedEvent(t *testing.T) {
	v, _ := newVCPU(t)
	start(t, v)
	for _, fn := range []func() error{v.Enter, func() error { return v.Exit(Exit{Reason: 12}) }, v.Halt} {
		if err := fn(); err != nil {
			t.Fatalf("step failed: %v", err)
		}
	}
	if err := v.QueueEvent(Event{Vector: 2, Type: vmcs.InterruptionTypeNMI}); err != nil {
		t.Fatalf("QueueEvent failed: %v", err)
	}
	if !v.WakeIfPending(false) {
		t.Errorf("NMI did not wake with interrupts disabled")
	}
}

func TestAPICID(t *testing.T) {
	v, err := New(Config{ID: 3, CPUID: cpuid.FromFlags(cpuid.HostFlags{})})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if got := v.LAPIC().ID(); got != 3 {
		t.Errorf("default APIC ID: got %d, want 3", got)
	}
	zero := uint32(0)
	v, err = New(Config{ID: 3, APICID: &zero, CPUID: cpuid.FromFlags(cpuid.HostFlags{})})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if got := v.LAPIC().ID(); got != 0 {
		t.Errorf("explicit APIC ID: got %d, want 0", got)
	}
}

func TestEvents(t *testing.T) {
	v, _ := newVCPU(t)
	if err := v.QueueException(14, true, 0x6); err != nil {
		t.Fatalf("QueueException failed: %v", err)
	}
	if err := v.QueueException(13, true, 0); !errors.Is(err, ErrEventPending) {
		t.Errorf("second event: got %v, want ErrEventPending", err)
	}
	e, ok := v.TakeEvent()
	if !ok {
		t.Fatalf("no event pending")
	}
	if got, want := e.Info(), uint32(0x80000b0e); got != want {
		t.Errorf("Info: got %#x, want %#x", got, want)
	}
	if _, ok := v.PendingEvent(); ok {
		t.Errorf("event still pending after TakeEvent")
	}
}

func TestGPR(t *testing.T) {
	v, _ := newVCPU(t)
	a, err := v.Control().Load(v.CPU())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer a.Release()
	for n := RAX; n <= R15; n++ {
		if err := v.WriteGPR(a, n, uint64(n)*0x100); err != nil {
			t.Fatalf("WriteGPR(%d): %v", n, err)
		}
	}
	for n := RAX; n <= R15; n++ {
		got, err := v.ReadGPR(a, n)
		if err != nil || got != uint64(n)*0x100 {
			t.Errorf("ReadGPR(%d): got %#x, %v", n, got, err)
		}
	}
	if v.Regs.Rbx != 0x300 || v.Regs.R15 != 0xf00 {
		t.Errorf("mirror: got %+v", v.Regs)
	}
	if _, err := v.Regs.Get(RSP); err == nil {
		t.Errorf("RSP read from mirror succeeded")
	}
}
