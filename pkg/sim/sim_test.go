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
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/tdvisor/pkg/apic"
	"gvisor.dev/tdvisor/pkg/gmem"
	"gvisor.dev/tdvisor/pkg/metric"
	"gvisor.dev/tdvisor/pkg/percpu"
	"gvisor.dev/tdvisor/pkg/tdcall"
	"gvisor.dev/tdvisor/pkg/trap"
	"gvisor.dev/tdvisor/pkg/vcpu"
	"gvisor.dev/tdvisor/pkg/vmcs"
	"gvisor.dev/tdvisor/pkg/vmexit"
)

var testPlatform = percpu.PlatformOpts{
	ImageBase:  0xffffffff81000000,
	Dispatcher: 0xffffffff81100000,
	TableBase:  0xffffffff82000000,
	Selector:   0x10,
}

func TestParseTraceErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown key",
			yaml: "vcpus:\n  - id: 0\n    color: red\n",
			want: "color",
		},
		{
			name: "unknown reason",
			yaml: "vcpus:\n  - id: 0\n    steps:\n      - exit: teleport\n",
			want: "teleport",
		},
		{
			name: "unknown register",
			yaml: "vcpus:\n  - id: 0\n    steps:\n      - exit: cpuid\n        regs: {rip: 1}\n",
			want: "rip",
		},
		{
			name: "bad instruction",
			yaml: "vcpus:\n  - id: 0\n    steps:\n      - exit: ept-violation\n        insn: 8z\n",
			want: "instruction",
		},
		{
			name: "duplicate vcpu",
			yaml: "vcpus:\n  - id: 0\n    cpu: 0\n  - id: 0\n    cpu: 1\n",
			want: "listed twice",
		},
		{
			name: "shared processor",
			yaml: "vcpus:\n  - id: 0\n    cpu: 0\n  - id: 1\n    cpu: 0\n",
			want: "two virtual CPUs",
		},
		{
			name: "memory state",
			yaml: "memory:\n  - start: 0\n    size: 0x1000\n    state: borrowed\n",
			want: "borrowed",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseTrace(strings.NewReader(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("ParseTrace: got %v, want error mentioning %q", err, tc.want)
			}
		})
	}
}

func TestParseReason(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want vmexit.Reason
	}{
		{"cpuid", vmexit.CPUID},
		{"ept-violation", vmexit.EPTViolation},
		{"12", vmexit.HLT},
		{"0x80000021", vmexit.Reason(0x80000021)},
	} {
		got, err := ParseReason(tc.in)
		if err != nil || got != tc.want {
			t.Errorf("ParseReason(%q) = %v, %v, want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestModuleAccept(t *testing.T) {
	m := NewModule()
	c := tdcall.NewCaller(m.Issuer(0), tdcall.CallerOpts{})
	if err := c.AcceptPage(0x1000, tdcall.Level4K); err != nil {
		t.Fatalf("AcceptPage failed: %v", err)
	}
	if err := c.AcceptPage(0x1000, tdcall.Level4K); err != nil {
		t.Errorf("accepting an accepted page: %v", err)
	}
	// The 2M page holding 0x1000 is refused; the range falls back to 4K.
	if err := c.AcceptRange(0, tdcall.PageSize2M); err != nil {
		t.Fatalf("AcceptRange failed: %v", err)
	}
	if got, want := m.Calls(tdcall.MemPageAccept), uint64(2+1+512); got != want {
		t.Errorf("accept calls: %d, want %d", got, want)
	}
	if !m.Accepted(tdcall.PageSize2M - 1) {
		t.Errorf("last page not accepted")
	}
}

func TestModuleBusyAndVE(t *testing.T) {
	m := NewModule()
	c := tdcall.NewCaller(m.Issuer(3), tdcall.CallerOpts{})
	m.Busy(tdcall.VEInfoGet, 2)
	m.QueueVE(3, tdcall.VEInfo{ExitReason: uint32(vmexit.EPTViolation), GuestPhysical: 0x5000, InstructionLength: 3})
	info, err := c.VEInfo()
	if err != nil {
		t.Fatalf("VEInfo failed: %v", err)
	}
	want := tdcall.VEInfo{ExitReason: uint32(vmexit.EPTViolation), GuestPhysical: 0x5000, InstructionLength: 3}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("VEInfo mismatch (-want +got):\n%s", diff)
	}
	if got := m.Calls(tdcall.VEInfoGet); got != 3 {
		t.Errorf("VEInfoGet issued %d times, want 3", got)
	}
	if _, err := c.VEInfo(); !errors.Is(err, &tdcall.CallError{Leaf: tdcall.VEInfoGet, Status: tdcall.StatusNoVEInfo}) {
		t.Errorf("empty VEInfo: got %v, want %v", err, tdcall.StatusNoVEInfo)
	}
	ti, err := c.Info()
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if ti.VCPUIndex != 3 {
		t.Errorf("VCPUIndex = %d, want 3", ti.VCPUIndex)
	}
}

func TestModuleVMCalls(t *testing.T) {
	m := NewModule()
	m.MapGPAChunk = 0x2000
	c := tdcall.NewCaller(m.Issuer(0), tdcall.CallerOpts{})
	m.SetPort(0x60, 0x1c)
	if v, err := c.In(0x60, 1); err != nil || v != 0x1c {
		t.Errorf("In = %#x, %v, want 0x1c", v, err)
	}
	if err := c.Out(0x80, 1, 0x42); err != nil {
		t.Errorf("Out failed: %v", err)
	}
	if _, err := c.ReadMSR(0x1234); err == nil {
		t.Errorf("ReadMSR of an unknown MSR succeeded")
	}
	if err := c.WriteMSR(0x1234, 9); err != nil {
		t.Errorf("WriteMSR failed: %v", err)
	}
	if v, err := c.ReadMSR(0x1234); err != nil || v != 9 {
		t.Errorf("ReadMSR = %d, %v, want 9", v, err)
	}
	if err := c.MapGPA(0x10000, 0x5000); err != nil {
		t.Fatalf("MapGPA failed: %v", err)
	}
	want := [][2]uint64{{0x10000, 0x2000}, {0x12000, 0x2000}, {0x14000, 0x1000}}
	if diff := cmp.Diff(want, m.Mapped()); diff != "" {
		t.Errorf("MapGPA chunks (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]IOWrite{{Port: 0x80, Size: 1, Val: 0x42}}, m.Writes()); diff != "" {
		t.Errorf("port writes (-want +got):\n%s", diff)
	}
	if err := c.SetupEventNotify(0xf2); err != nil || m.EventNotifyVector() != 0xf2 {
		t.Errorf("SetupEventNotify: %v, vector %#x", err, m.EventNotifyVector())
	}
}

func TestHardwareInjectsAndTraps(t *testing.T) {
	m, err := NewMachine(&Trace{
		Memory: []MemoryRange{{Start: 0, Size: 0x10000, State: "unaccepted"}},
		VCPUs: []VCPUTrace{{
			Entry: 0x1000,
			Steps: []Step{
				{Exit: "cpuid", Length: 2, Traps: []HostTrap{{Vector: uint8(trap.VirtualizationException)}}},
			},
		}},
	}, Options{Platform: testPlatform})
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	cpu := m.CPUs[0]
	m.Module.QueueVE(0, tdcall.VEInfo{ExitReason: uint32(vmexit.EPTViolation), GuestPhysical: 0x7000})
	if _, err := cpu.Context.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	if s, _ := m.Memory.State(0x7000); s != gmem.Accepted {
		t.Errorf("page touched by the host is %v, want %v", s, gmem.Accepted)
	}
	if got, _ := cpu.Control.ReadField(vmcs.GuestRIP); got != 0x1002 {
		t.Errorf("RIP = %#x, want 0x1002", got)
	}
	if got := cpu.Hardware.Entries(); len(got) != 1 || got[0].RIP != 0x1000 {
		t.Errorf("entries = %+v", got)
	}
	if cpu.Loaded.Base != testPlatform.TableBase {
		t.Errorf("loaded table at %#x, want %#x", cpu.Loaded.Base, testPlatform.TableBase)
	}
	if _, err := cpu.Context.Step(); !errors.Is(err, ErrEndOfTrace) {
		t.Errorf("Step past the trace: got %v, want %v", err, ErrEndOfTrace)
	}
}

func TestMachineRun(t *testing.T) {
	tr, err := LoadTrace("testdata/smp.yaml")
	if err != nil {
		t.Fatalf("LoadTrace failed: %v", err)
	}
	reg := metric.NewRegistry()
	metrics, err := metric.NewVMM(reg)
	if err != nil {
		t.Fatalf("NewVMM failed: %v", err)
	}
	m, err := NewMachine(tr, Options{Platform: testPlatform, Metrics: metrics})
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	results, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := []Result{
		{CPU: 0, VCPU: 0, Exits: 5, State: vcpu.Runnable},
		{CPU: 1, VCPU: 1, Exits: 1, State: vcpu.Runnable},
	}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	// Vector 48 reaches vcpu 0 exactly once, whenever vcpu 1 sent it.
	injected := 0
	for _, e := range m.CPUs[0].Hardware.Entries() {
		if e.Injected == 0x80000030 {
			injected++
		}
	}
	if injected != 1 {
		t.Errorf("vector 48 injected %d times, want 1", injected)
	}
	if !m.CPUs[0].VCPU.LAPIC().InService(48) {
		t.Errorf("vector 48 not in service")
	}
	if s, _ := m.Memory.State(0x3000); s != gmem.Accepted || !m.Module.Accepted(0x3000) {
		t.Errorf("0x3000 is %v after the fault, want %v", s, gmem.Accepted)
	}
	if s, _ := m.Memory.State(0x4000); s != gmem.Unaccepted {
		t.Errorf("0x4000 is %v, want %v", s, gmem.Unaccepted)
	}
	if !m.Module.Accepted(0x2ff000) {
		t.Errorf("accepted range not accepted by the module")
	}
	if diff := cmp.Diff([]IOWrite{{Port: 0x80, Size: 1, Val: 0x42}}, m.Module.Writes()); diff != "" {
		t.Errorf("port writes (-want +got):\n%s", diff)
	}
	if got := metrics.Exits.Value("cpuid", "resume"); got != 3 {
		t.Errorf("cpuid exits = %d, want 3", got)
	}
	if got := metrics.Exits.Value("ept-violation", "resume"); got != 1 {
		t.Errorf("ept-violation exits = %d, want 1", got)
	}
	if errs := m.Halter.(*percpu.RecordingHalter).Errors(); len(errs) != 0 {
		t.Errorf("fatal errors: %v", errs)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	for _, c := range m.CPUs {
		if s := c.VCPU.State(); s != vcpu.Destroyed {
			t.Errorf("vcpu %d after Close: %v, want %v", c.VCPU.ID(), s, vcpu.Destroyed)
		}
	}
	if n := m.Bus.Send(0, apic.DestPhysical, 48, false); n != 0 {
		t.Errorf("IPI reached %d controllers after Close, want 0", n)
	}
}

func TestMachineRunMetadataControl(t *testing.T) {
	tr, err := LoadTrace("testdata/smp.yaml")
	if err != nil {
		t.Fatalf("LoadTrace failed: %v", err)
	}
	m, err := NewMachine(tr, Options{Platform: testPlatform, MetadataControl: true})
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	if got, want := m.Module.EventNotifyVector(), uint8(percpu.WakeVector); got != want {
		t.Errorf("notification vector %#x, want %#x", got, want)
	}
	results, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := []Result{
		{CPU: 0, VCPU: 0, Exits: 5, State: vcpu.Runnable},
		{CPU: 1, VCPU: 1, Exits: 1, State: vcpu.Runnable},
	}
	if diff := cmp.Diff(want, results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
	if m.Module.Calls(tdcall.VPWrite) == 0 || m.Module.Calls(tdcall.VPRead) == 0 {
		t.Errorf("control structures not accessed through metadata calls")
	}
	// Each virtual CPU sees only its own fields.
	rip0, _ := m.CPUs[0].Control.ReadField(vmcs.GuestRIP)
	rip1, _ := m.CPUs[1].Control.ReadField(vmcs.GuestRIP)
	if rip0 != 0x100000+2+2+1+2 || rip1 != 0x100000+2 {
		t.Errorf("RIPs = %#x, %#x; want %#x, %#x", rip0, rip1, 0x100000+7, 0x100000+2)
	}
}

func TestMachineRunFatal(t *testing.T) {
	m, err := NewMachine(&Trace{
		VCPUs: []VCPUTrace{
			{ID: 0, CPU: 0, Steps: []Step{{Exit: "triple-fault"}}},
			{ID: 1, CPU: 1, Steps: []Step{{Exit: "hlt", Length: 1}, {Exit: "cpuid", Length: 2}}},
		},
	}, Options{Platform: testPlatform})
	if err != nil {
		t.Fatalf("NewMachine failed: %v", err)
	}
	_, err = m.Run(context.Background())
	var fe *vmexit.FatalError
	if !errors.As(err, &fe) {
		t.Fatalf("Run: got %v, want *vmexit.FatalError", err)
	}
	if fe.VCPU != 0 {
		t.Errorf("fatal vcpu %d, want 0", fe.VCPU)
	}
	if s := m.CPUs[0].VCPU.State(); s != vcpu.Destroyed {
		t.Errorf("failed vcpu is %v, want %v", s, vcpu.Destroyed)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}
