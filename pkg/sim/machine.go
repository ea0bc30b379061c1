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
	"fmt"

	"golang.org/x/sync/errgroup"
	"gvisor.dev/tdvisor/pkg/apic"
	"gvisor.dev/tdvisor/pkg/cpuid"
	"gvisor.dev/tdvisor/pkg/gmem"
	"gvisor.dev/tdvisor/pkg/log"
	"gvisor.dev/tdvisor/pkg/metric"
	"gvisor.dev/tdvisor/pkg/percpu"
	"gvisor.dev/tdvisor/pkg/tdcall"
	"gvisor.dev/tdvisor/pkg/trap"
	"gvisor.dev/tdvisor/pkg/vcpu"
	"gvisor.dev/tdvisor/pkg/vmcs"
	"gvisor.dev/tdvisor/pkg/vmexit"
	"gvisor.dev/tdvisor/pkg/vreg"
)

// DefaultGPAWidth is the guest physical address width reported when the
// trace does not set one.
const DefaultGPAWidth = 48

// Options configure a Machine.
type Options struct {
	// Platform are the trap machinery bring-up parameters.
	Platform percpu.PlatformOpts

	// CPUID is the table guests observe. Defaults to the virtualized
	// baseline table.
	CPUID cpuid.Static

	// Policy is the MSR policy. Defaults to vreg.DefaultPolicy.
	Policy *vreg.Policy

	// Exceptions is the guest exception policy.
	Exceptions vmexit.ExceptionPolicy

	// Hypercalls are the guest hypercalls forwarded to the host.
	Hypercalls []vmexit.Hypercall

	// BusyRetries is the operand-busy retry budget of every caller.
	BusyRetries int

	// IOAPICPins is the number of IOAPIC pins.
	IOAPICPins int

	// MetadataControl places every control structure behind the module's
	// virtual-CPU metadata calls instead of in local memory.
	MetadataControl bool

	// Metrics, if set, receives exit, trap and wake counts.
	Metrics *metric.VMM

	// Halter receives fatal conditions. Defaults to a RecordingHalter.
	Halter percpu.Halter
}

// CPU is one simulated processor and the virtual CPU it hosts.
type CPU struct {
	Context  *percpu.Context
	VCPU     *vcpu.VCPU
	Hardware *Hardware
	Control  vmcs.Backend
	Caller   *tdcall.Caller
	Loaded   trap.Descriptor
}

// LoadIDT implements trap.Loader.
func (c *CPU) LoadIDT(d trap.Descriptor) error {
	c.Loaded = d
	return nil
}

// Machine is a complete simulated trust domain built from a trace.
type Machine struct {
	Module   *Module
	Platform *percpu.Platform
	Bus      *apic.Bus
	IOAPIC   *apic.IOAPIC
	Memory   *gmem.Tracker
	CPUs     []*CPU
	Halter   percpu.Halter
}

// NewMachine builds the machine described by t and brings up every
// processor.
func NewMachine(t *Trace, opts Options) (*Machine, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if opts.CPUID == nil {
		opts.CPUID = cpuid.Virtualize(cpuid.FromFlags(cpuid.HostFlags{}), cpuid.VirtOptions{})
	}
	if opts.Halter == nil {
		opts.Halter = &percpu.RecordingHalter{}
	}

	m := &Machine{Module: NewModule(), Bus: apic.NewBus(), Halter: opts.Halter}
	m.Module.GPAWidth = t.Host.GPAWidth
	if m.Module.GPAWidth == 0 {
		m.Module.GPAWidth = DefaultGPAWidth
	}
	m.Module.NumVCPUs = uint32(len(t.VCPUs))
	m.Module.CPUID = opts.CPUID
	for port, v := range t.Host.Ports {
		m.Module.SetPort(port, v)
	}
	for msr, v := range t.Host.MSRs {
		m.Module.SetMSR(msr, v)
	}
	for gpa, v := range t.Host.MMIO {
		m.Module.SetMMIO(gpa, v)
	}

	var err error
	if m.Platform, err = percpu.NewPlatform(opts.Platform); err != nil {
		return nil, err
	}
	m.IOAPIC = apic.NewIOAPIC(opts.IOAPICPins, m.Bus)
	for pin, r := range t.IOAPIC {
		if err := m.IOAPIC.SetRedirection(pin, apic.Redirection(r)); err != nil {
			return nil, err
		}
	}
	if err := m.initMemory(t, opts); err != nil {
		return nil, err
	}
	for i, vt := range t.VCPUs {
		c, err := m.newCPU(i, vt, opts)
		if err != nil {
			return nil, fmt.Errorf("vcpu %d: %w", vt.ID, err)
		}
		m.CPUs = append(m.CPUs, c)
	}
	log.Infof("Machine %q: %d virtual CPUs, shared bit %#x", t.Name, len(m.CPUs), m.Memory.SharedMask())
	return m, nil
}

// initMemory builds the memory tracker. Its caller serves every processor;
// the tracker serializes its host calls.
func (m *Machine) initMemory(t *Trace, opts Options) error {
	c := tdcall.NewCaller(m.Module.Issuer(0), tdcall.CallerOpts{BusyRetries: opts.BusyRetries})
	info, err := c.Info()
	if err != nil {
		return fmt.Errorf("reading trust domain info: %w", err)
	}
	m.Memory = gmem.NewTracker(c, info.SharedMask())
	for _, r := range t.Memory {
		st, err := ParseState(r.State)
		if err != nil {
			return err
		}
		add := st
		if st == gmem.Accepted {
			add = gmem.Unaccepted
		}
		if err := m.Memory.Add(r.Start, r.Size, add); err != nil {
			return err
		}
		if st == gmem.Accepted {
			if err := m.Memory.Accept(r.Start, r.Size); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Machine) newCPU(index int, vt VCPUTrace, opts Options) (*CPU, error) {
	callerOpts := tdcall.CallerOpts{
		BusyRetries: opts.BusyRetries,
		Logger:      log.CPULogger(vt.CPU),
	}
	c := &CPU{Caller: tdcall.NewCaller(m.Module.Issuer(index), callerOpts)}
	if opts.MetadataControl {
		// Control structure accesses get their own caller so that they
		// never overlap a call in flight on c.Caller.
		c.Control = tdcall.NewBackend(tdcall.NewCaller(m.Module.Issuer(index), callerOpts))
	} else {
		c.Control = vmcs.NewMemory()
	}
	v, err := vcpu.New(vcpu.Config{
		ID:      vt.ID,
		CPU:     vt.CPU,
		Backend: c.Control,
		Bus:     m.Bus,
		EOI:     m.IOAPIC,
		CPUID:   opts.CPUID,
		Policy:  opts.Policy,
	})
	if err != nil {
		return nil, err
	}
	c.VCPU = v
	if c.Hardware, err = NewHardware(c.Control, m.Platform.Image, m.Bus, m.IOAPIC, vt.Steps); err != nil {
		return nil, err
	}
	d := vmexit.NewDispatcher(vmexit.Config{
		Host:       c.Caller,
		Memory:     m.Memory,
		Decoder:    &vmexit.X86Decoder{Fetch: c.Hardware},
		IOAPIC:     m.IOAPIC,
		Exceptions: opts.Exceptions,
		Hypercalls: opts.Hypercalls,
	})
	cfg := percpu.Config{
		ID:         vt.CPU,
		Platform:   m.Platform,
		Hardware:   c.Hardware,
		Dispatcher: d,
		Caller:     c.Caller,
		Memory:     m.Memory,
		Halter:     m.Halter,
	}
	if opts.Metrics != nil {
		d.SetObserver(opts.Metrics.ObserveExit)
		v.SetObserver(opts.Metrics.ObserveState)
		cfg.TrapObserver = opts.Metrics.ObserveTrap
	}
	if c.Context, err = percpu.New(cfg); err != nil {
		return nil, err
	}

	a, err := v.Control().Load(vt.CPU)
	if err != nil {
		return nil, err
	}
	err = v.Start(a, vt.Entry)
	a.Release()
	if err != nil {
		return nil, err
	}
	if err := c.Context.LoadTable(c); err != nil {
		return nil, err
	}
	if err := c.Context.Attach(v); err != nil {
		return nil, err
	}
	return c, nil
}

// Result is the outcome of one processor's run.
type Result struct {
	CPU   int
	VCPU  int
	Exits uint64
	State vcpu.State
	Err   error
}

// Run runs every processor on its own goroutine until its trace is done.
// The first processor to fail cancels the others.
func (m *Machine) Run(ctx context.Context) ([]Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	results := make([]Result, len(m.CPUs))
	for i, c := range m.CPUs {
		g.Go(func() error {
			err := c.Context.Run(gctx)
			if errors.Is(err, ErrEndOfTrace) {
				err = nil
			}
			results[i] = Result{
				CPU:   c.Context.ID(),
				VCPU:  c.VCPU.ID(),
				Exits: c.VCPU.Exits(),
				State: c.VCPU.State(),
				Err:   err,
			}
			return err
		})
	}
	err := g.Wait()
	return results, err
}

// Close destroys every virtual CPU, releasing its control structure and
// detaching its interrupt controller from the bus. It must not be called
// while Run is in progress.
func (m *Machine) Close() error {
	var errs []error
	for _, c := range m.CPUs {
		if err := c.VCPU.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("vcpu %d: %w", c.VCPU.ID(), err))
		}
	}
	return errors.Join(errs...)
}
