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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/tdvisor/pkg/apic"
	"gvisor.dev/tdvisor/pkg/cpuid"
	"gvisor.dev/tdvisor/pkg/gmem"
	"gvisor.dev/tdvisor/pkg/tdcall"
	"gvisor.dev/tdvisor/pkg/trap"
	"gvisor.dev/tdvisor/pkg/vcpu"
	"gvisor.dev/tdvisor/pkg/vmcs"
	"gvisor.dev/tdvisor/pkg/vmexit"
)

const (
	testImageBase  = 0xffffffff81000000
	testDispatcher = 0xffffffff81100000
	testTableBase  = 0xffffffff82000000
	testSelector   = 0x10
	testEntry      = 0x100000

	reasonHLT   = 12
	reasonCPUID = 10
)

var errEndOfTrace = errors.New("end of trace")

type recordingLoader struct {
	loaded []trap.Descriptor
}

func (l *recordingLoader) LoadIDT(d trap.Descriptor) error {
	l.loaded = append(l.loaded, d)
	return nil
}

// fakeHardware exits with each reason in turn, recording the interruption
// information programmed for every entry.
type fakeHardware struct {
	mem      *vmcs.Memory
	reasons  []uint64
	injected []uint64
	onRun    func(traps TrapSink)
}

func (h *fakeHardware) Prepare(*vcpu.VCPU) error {
	if len(h.reasons) == 0 {
		return errEndOfTrace
	}
	return nil
}

func (h *fakeHardware) Run(_ *vcpu.VCPU, _ *vmcs.Accessor, traps TrapSink) {
	info, _ := h.mem.ReadField(vmcs.EntryInterruptionInfo)
	h.injected = append(h.injected, info)
	h.mem.WriteField(vmcs.EntryInterruptionInfo, 0)
	h.mem.WriteField(vmcs.ExitReason, h.reasons[0])
	h.mem.WriteField(vmcs.ExitInstructionLength, 1)
	h.reasons = h.reasons[1:]
	if h.onRun != nil {
		h.onRun(traps)
	}
}

type fakeMemHost struct {
	accepted []uint64
}

func (h *fakeMemHost) AcceptRange(gpa, size uint64) error {
	h.accepted = append(h.accepted, gpa)
	return nil
}

func (h *fakeMemHost) MapGPA(gpa, size uint64) error { return nil }

type fixture struct {
	platform *Platform
	hw       *fakeHardware
	mem      *vmcs.Memory
	v        *vcpu.VCPU
	halter   *RecordingHalter
	ctx      *Context
}

func newPlatform(t *testing.T) *Platform {
	t.Helper()
	p, err := NewPlatform(PlatformOpts{
		ImageBase:  testImageBase,
		Dispatcher: testDispatcher,
		TableBase:  testTableBase,
		Selector:   testSelector,
	})
	if err != nil {
		t.Fatalf("NewPlatform failed: %v", err)
	}
	return p
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		platform: newPlatform(t),
		mem:      vmcs.NewMemory(),
		halter:   &RecordingHalter{},
	}
	f.hw = &fakeHardware{mem: f.mem}
	v, err := vcpu.New(vcpu.Config{
		Backend: f.mem,
		Bus:     apic.NewBus(),
		CPUID:   cpuid.FromFlags(cpuid.HostFlags{}),
	})
	if err != nil {
		t.Fatalf("vcpu.New failed: %v", err)
	}
	a, err := v.Control().Load(0)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := v.Start(a, testEntry); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	a.Release()
	f.v = v

	cfg.Platform = f.platform
	cfg.Hardware = f.hw
	cfg.Dispatcher = vmexit.NewDispatcher(vmexit.Config{})
	cfg.Halter = f.halter
	f.ctx, err = New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := f.ctx.LoadTable(&recordingLoader{}); err != nil {
		t.Fatalf("LoadTable failed: %v", err)
	}
	if err := f.ctx.Attach(v); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	return f
}

// enableInterrupts sets RFLAGS.IF in the guest.
func (f *fixture) enableInterrupts(t *testing.T) {
	t.Helper()
	if err := f.mem.WriteField(vmcs.GuestRFLAGS, 2|vmcs.RFLAGSInterruptEnable); err != nil {
		t.Fatalf("WriteField failed: %v", err)
	}
}

func external(v uint8) uint64 {
	return uint64(vcpu.Event{Vector: v, Type: vmcs.InterruptionTypeExternal}.Info())
}

func TestPlatformSharedByProcessors(t *testing.T) {
	p := newPlatform(t)
	for _, v := range []trap.Vector{trap.DivideByZero, trap.PageFault, WakeVector, 255} {
		e := p.Table.Entry(v)
		if !e.Present() {
			t.Errorf("vector %v not present", v)
		}
		if got, want := e.Target(), uint64(testImageBase)+uint64(v)*trap.StubStride; got != want {
			t.Errorf("vector %v: target %#x, want %#x", v, got, want)
		}
	}

	var loaders [2]recordingLoader
	for i := range loaders {
		c, err := New(Config{ID: i, Platform: p, Hardware: &fakeHardware{}, Dispatcher: vmexit.NewDispatcher(vmexit.Config{})})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if err := c.LoadTable(&loaders[i]); err != nil {
			t.Fatalf("LoadTable failed: %v", err)
		}
	}
	if diff := cmp.Diff(loaders[0].loaded, loaders[1].loaded); diff != "" {
		t.Errorf("processors loaded different tables (-cpu0 +cpu1):\n%s", diff)
	}
}

func TestStepBeforeLoad(t *testing.T) {
	p := newPlatform(t)
	c, err := New(Config{Platform: p, Hardware: &fakeHardware{}, Dispatcher: vmexit.NewDispatcher(vmexit.Config{})})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	v, err := vcpu.New(vcpu.Config{})
	if err != nil {
		t.Fatalf("vcpu.New failed: %v", err)
	}
	if err := c.Attach(v); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if _, err := c.Step(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Step: got %v, want %v", err, ErrNotLoaded)
	}
}

func TestAttach(t *testing.T) {
	f := newFixture(t, Config{})
	other, err := vcpu.New(vcpu.Config{ID: 1})
	if err != nil {
		t.Fatalf("vcpu.New failed: %v", err)
	}
	if err := f.ctx.Attach(other); !errors.Is(err, ErrBusy) {
		t.Errorf("Attach while busy: got %v, want %v", err, ErrBusy)
	}
	remote, err := vcpu.New(vcpu.Config{ID: 2, CPU: 3})
	if err != nil {
		t.Fatalf("vcpu.New failed: %v", err)
	}
	if err := f.ctx.Attach(remote); !errors.Is(err, ErrWrongProcessor) {
		t.Errorf("Attach remote: got %v, want %v", err, ErrWrongProcessor)
	}
	if err := f.v.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if err := f.ctx.Attach(other); err != nil {
		t.Errorf("Attach after Destroy: %v", err)
	}
}

func TestInjectionByPriority(t *testing.T) {
	f := newFixture(t, Config{})
	f.enableInterrupts(t)
	f.hw.reasons = []uint64{reasonCPUID, reasonCPUID, reasonCPUID}

	l := f.v.LAPIC()
	l.Doorbell().Post(32, false)
	l.Doorbell().Post(200, false)

	if _, err := f.ctx.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	// 32 is blocked while 200 is in service.
	if _, err := f.ctx.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	l.EndOfInterrupt(200)
	if _, err := f.ctx.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	want := []uint64{external(200), 0, external(32)}
	if diff := cmp.Diff(want, f.hw.injected); diff != "" {
		t.Errorf("injected (-want +got):\n%s", diff)
	}
	if !l.InService(32) || l.InService(200) {
		t.Errorf("in service: 32=%v 200=%v, want true false", l.InService(32), l.InService(200))
	}
}

func TestInterruptWindow(t *testing.T) {
	f := newFixture(t, Config{})
	f.hw.reasons = []uint64{reasonCPUID}
	f.v.LAPIC().Doorbell().Post(48, false)

	// Interrupts are disabled after Start.
	if _, err := f.ctx.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if got := f.hw.injected[0]; got != 0 {
		t.Errorf("injected %#x with interrupts disabled", got)
	}
	ctl, _ := f.mem.ReadField(vmcs.ProcBasedControls)
	if ctl&vmcs.ProcInterruptWindowExiting == 0 {
		t.Errorf("interrupt-window exiting not requested: controls %#x", ctl)
	}
	if !f.v.LAPIC().Pending(48) {
		t.Errorf("vector 48 no longer pending")
	}
}

func TestQueuedEventFirst(t *testing.T) {
	f := newFixture(t, Config{})
	f.enableInterrupts(t)
	f.hw.reasons = []uint64{reasonCPUID}
	f.v.LAPIC().Doorbell().Post(64, false)
	if err := f.v.QueueException(uint8(trap.GeneralProtectionFault), true, 0x18); err != nil {
		t.Fatalf("QueueException failed: %v", err)
	}
	if _, err := f.ctx.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	gp := vcpu.Event{Vector: uint8(trap.GeneralProtectionFault), Type: vmcs.InterruptionTypeHardware, HasErrorCode: true}
	if got, want := f.hw.injected[0], uint64(gp.Info()); got != want {
		t.Errorf("injected %#x, want %#x", got, want)
	}
	if code, _ := f.mem.ReadField(vmcs.EntryExceptionErrorCode); code != 0x18 {
		t.Errorf("error code %#x, want 0x18", code)
	}
	ctl, _ := f.mem.ReadField(vmcs.ProcBasedControls)
	if ctl&vmcs.ProcInterruptWindowExiting == 0 {
		t.Errorf("interrupt-window exiting not requested behind a queued event")
	}
}

func TestVirtualizationException(t *testing.T) {
	const gpa = 0x5000
	host := &fakeMemHost{}
	mem := gmem.NewTracker(host, 0)
	if err := mem.Add(0, 0x10000, gmem.Unaccepted); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	caller := tdcall.NewCaller(tdcall.IssuerFunc(func(r *tdcall.Registers) {
		if tdcall.Leaf(r.RAX) == tdcall.VEInfoGet {
			r.RCX = reasonEPTViolation
			r.R9 = gpa
		}
		r.RAX = 0
	}), tdcall.CallerOpts{})
	f := newFixture(t, Config{Caller: caller, Memory: mem})

	frame, err := f.platform.Image.Enter(trap.VirtualizationException, &trap.Frame{Rip: 0x1234}, 0)
	if err != nil {
		t.Fatalf("Enter failed: %v", err)
	}
	f.ctx.HandleTrap(frame)
	if errs := f.halter.Errors(); len(errs) != 0 {
		t.Fatalf("fatal errors: %v", errs)
	}
	if s, _ := mem.State(gpa); s != gmem.Accepted {
		t.Errorf("state after #VE: %v, want %v", s, gmem.Accepted)
	}
}

const reasonEPTViolation = 48

func TestUnexpectedTrap(t *testing.T) {
	f := newFixture(t, Config{})
	frame, err := f.platform.Image.Enter(trap.PageFault, &trap.Frame{}, 2)
	if err != nil {
		t.Fatalf("Enter failed: %v", err)
	}
	f.ctx.HandleTrap(frame)
	errs := f.halter.Errors()
	var ue *trap.UnexpectedError
	if len(errs) != 1 || !errors.As(errs[0], &ue) || ue.Vector != trap.PageFault {
		t.Errorf("got %v, want one unexpected #PF", errs)
	}
}

func TestTrapRecursion(t *testing.T) {
	f := newFixture(t, Config{})
	nested := 0
	if err := f.ctx.Traps().Register(trap.Breakpoint, func(fr *trap.Frame) error {
		nested++
		f.ctx.HandleTrap(fr)
		return nil
	}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	f.ctx.HandleTrap(&trap.Frame{Vector: uint64(trap.Breakpoint)})
	if nested != MaxTrapDepth {
		t.Errorf("handler ran %d times, want %d", nested, MaxTrapDepth)
	}
	errs := f.halter.Errors()
	if len(errs) != 1 || !errors.Is(errs[0], ErrTrapRecursion) {
		t.Errorf("got %v, want %v", errs, ErrTrapRecursion)
	}
}

func TestWakeVector(t *testing.T) {
	f := newFixture(t, Config{})
	f.enableInterrupts(t)
	f.hw.reasons = []uint64{reasonHLT}
	if act, err := f.ctx.Step(); err != nil || act != vmexit.Halt {
		t.Fatalf("Step: got %v, %v, want %v", act, err, vmexit.Halt)
	}
	f.v.LAPIC().Doorbell().Post(80, false)
	f.ctx.HandleTrap(&trap.Frame{Vector: uint64(WakeVector)})
	if got := f.v.State(); got != vcpu.Runnable {
		t.Errorf("state after wake: %v, want %v", got, vcpu.Runnable)
	}
	if f.ctx.Wakes() != 1 {
		t.Errorf("wakes: %d, want 1", f.ctx.Wakes())
	}
}

func TestRunHaltsUntilDoorbell(t *testing.T) {
	f := newFixture(t, Config{})
	f.enableInterrupts(t)
	f.hw.reasons = []uint64{reasonHLT, reasonCPUID}

	halted := make(chan struct{}, 1)
	f.v.SetObserver(func(_, to vcpu.State) {
		if to == vcpu.Halted {
			halted <- struct{}{}
		}
	})
	done := make(chan error, 1)
	go func() { done <- f.ctx.Run(context.Background()) }()

	select {
	case <-halted:
	case <-time.After(5 * time.Second):
		t.Fatalf("vcpu never halted")
	}
	f.v.LAPIC().Doorbell().Post(100, false)

	select {
	case err := <-done:
		if !errors.Is(err, errEndOfTrace) {
			t.Fatalf("Run: got %v, want %v", err, errEndOfTrace)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
	if f.v.Exits() != 2 {
		t.Errorf("exits: %d, want 2", f.v.Exits())
	}
}

func TestRunCancelWhileHalted(t *testing.T) {
	f := newFixture(t, Config{})
	f.hw.reasons = []uint64{reasonHLT, reasonCPUID}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.ctx.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run: got %v, want %v", err, context.Canceled)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
}

func TestRunFatalExit(t *testing.T) {
	f := newFixture(t, Config{})
	f.hw.reasons = []uint64{2} // triple fault
	err := f.ctx.Run(context.Background())
	var fe *vmexit.FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("Run: got %v, want *vmexit.FatalError", err)
	}
	if got := f.halter.Errors(); len(got) != 1 {
		t.Errorf("halter saw %d errors, want 1", len(got))
	}
	if got := f.v.State(); got != vcpu.Destroyed {
		t.Errorf("state: %v, want %v", got, vcpu.Destroyed)
	}
	// A destroyed virtual CPU has nothing left to run.
	if err := f.ctx.Run(context.Background()); err != nil {
		t.Errorf("Run after destroy: %v", err)
	}
}

func TestWakeVectorInterruptsDisabled(t *testing.T) {
	f := newFixture(t, Config{})
	f.hw.reasons = []uint64{reasonHLT}
	if act, err := f.ctx.Step(); err != nil || act != vmexit.Halt {
		t.Fatalf("Step: got %v, %v, want %v", act, err, vmexit.Halt)
	}
	f.v.LAPIC().Doorbell().Post(80, false)
	f.ctx.HandleTrap(&trap.Frame{Vector: uint64(WakeVector)})
	if got := f.v.State(); got != vcpu.Halted {
		t.Errorf("state after wake with RFLAGS.IF clear: %v, want %v", got, vcpu.Halted)
	}
	if errs := f.halter.Errors(); len(errs) != 0 {
		t.Errorf("fatal errors: %v", errs)
	}
}

func TestSoftwareEventLength(t *testing.T) {
	for _, e := range []vcpu.Event{
		{Vector: 0x80, Type: vmcs.InterruptionTypeSoftware, InstructionLength: 2},
		{Vector: uint8(trap.Debug), Type: vmcs.InterruptionTypePrivSoft, InstructionLength: 1},
		{Vector: uint8(trap.Breakpoint), Type: vmcs.InterruptionTypeSoftExc, InstructionLength: 1},
	} {
		f := newFixture(t, Config{})
		f.hw.reasons = []uint64{reasonCPUID}
		if err := f.v.QueueEvent(e); err != nil {
			t.Fatalf("QueueEvent failed: %v", err)
		}
		if _, err := f.ctx.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		if got, want := f.hw.injected[0], uint64(e.Info()); got != want {
			t.Errorf("%v: injected %#x, want %#x", e, got, want)
		}
		if got, _ := f.mem.ReadField(vmcs.EntryInstructionLength); got != uint64(e.InstructionLength) {
			t.Errorf("%v: instruction length %d, want %d", e, got, e.InstructionLength)
		}
	}
}

func TestRunHaltsOnHost(t *testing.T) {
	var (
		f     *fixture
		halts []uint64
	)
	caller := tdcall.NewCaller(tdcall.IssuerFunc(func(r *tdcall.Registers) {
		if tdcall.Leaf(r.RAX) == tdcall.VMCall && tdcall.SubFunction(r.R11) == tdcall.SubHLT {
			halts = append(halts, r.R12)
			// The host returns once an interrupt arrives.
			f.v.LAPIC().Doorbell().Post(100, false)
		}
		r.RAX = 0
		r.R10 = 0
	}), tdcall.CallerOpts{})
	f = newFixture(t, Config{Caller: caller})
	f.enableInterrupts(t)
	f.hw.reasons = []uint64{reasonHLT, reasonCPUID}

	if err := f.ctx.Run(context.Background()); !errors.Is(err, errEndOfTrace) {
		t.Fatalf("Run: got %v, want %v", err, errEndOfTrace)
	}
	if diff := cmp.Diff([]uint64{0}, halts); diff != "" {
		t.Errorf("host halts (-want +got):\n%s", diff)
	}
	if f.v.Exits() != 2 {
		t.Errorf("exits: %d, want 2", f.v.Exits())
	}
}
