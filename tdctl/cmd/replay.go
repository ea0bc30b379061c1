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


package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/tdvisor/pkg/log"
	"gvisor.dev/tdvisor/pkg/metric"
	"gvisor.dev/tdvisor/pkg/percpu"
	"gvisor.dev/tdvisor/pkg/sim"
	"gvisor.dev/tdvisor/tdctl/config"
)

// Replay implements subcommands.Command for the "replay" command.
type Replay struct {
	metrics string
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Replay) Name() string {
	return "replay"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Replay) Synopsis() string {
	return "run a recorded exit trace on simulated processors"
}

// Usage implements subcommands.Command.Usage.
func (*Replay) Usage() string {
	return `replay [flags] <trace.yaml> - run every virtual CPU of the trace on its own
simulated processor until the trace is exhausted, and print the outcome.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Replay) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.metrics, "metrics", "", "write exit and trap counters in Prometheus text format to this file, or '-' for stdout.")
	f.DurationVar(&r.timeout, "timeout", 0, "stop the replay after this long. Zero means no limit.")
}

// Execute implements subcommands.Command.Execute.
func (r *Replay) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	t, err := sim.LoadTrace(f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if err := r.run(ctx, conf, t, os.Stdout); err != nil {
		log.Warningf("Replay of %q failed: %v", t.Name, err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// MachineOptions returns the simulated machine options described by conf.
func MachineOptions(conf *config.Config) (sim.Options, error) {
	p := conf.Policy
	var (
		opts sim.Options
		err  error
	)
	if opts.Platform, err = p.PlatformOpts(); err != nil {
		return sim.Options{}, err
	}
	if opts.CPUID, err = conf.CPUID(); err != nil {
		return sim.Options{}, err
	}
	if opts.Policy, err = p.MSRPolicy(); err != nil {
		return sim.Options{}, err
	}
	if opts.Exceptions, err = p.ExceptionPolicy(); err != nil {
		return sim.Options{}, err
	}
	if opts.Hypercalls, err = p.HypercallSet(); err != nil {
		return sim.Options{}, err
	}
	opts.BusyRetries = conf.Retries()
	opts.IOAPICPins = p.IOAPICPins
	opts.MetadataControl = conf.MetadataControl
	return opts, nil
}

func (r *Replay) run(ctx context.Context, conf *config.Config, t *sim.Trace, w io.Writer) error {
	n := conf.NumProcessors()
	for _, vt := range t.VCPUs {
		if vt.CPU < 0 || vt.CPU >= n {
			return fmt.Errorf("virtual CPU %d is placed on processor %d, but only %d processors are configured", vt.ID, vt.CPU, n)
		}
	}
	opts, err := MachineOptions(conf)
	if err != nil {
		return err
	}
	reg := metric.NewRegistry()
	if opts.Metrics, err = metric.NewVMM(reg); err != nil {
		return err
	}
	halter := &percpu.RecordingHalter{}
	opts.Halter = halter

	m, err := sim.NewMachine(t, opts)
	if err != nil {
		return fmt.Errorf("building machine: %w", err)
	}
	start := time.Now()
	results, runErr := m.Run(ctx)
	log.Infof("Replay of %q finished in %v", t.Name, time.Since(start))
	if err := m.Close(); err != nil {
		log.Warningf("Tearing down machine: %v", err)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprint(tw, "CPU\tVCPU\tEXITS\tSTATE\tERROR\n")
	for _, res := range results {
		errStr := "-"
		if res.Err != nil {
			errStr = res.Err.Error()
		}
		fmt.Fprintf(tw, "%d\t%d\t%d\t%v\t%s\n", res.CPU, res.VCPU, res.Exits, res.State, errStr)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, err := range halter.Errors() {
		fmt.Fprintf(w, "halted: %v\n", err)
	}
	if err := r.writeMetrics(reg, w); err != nil {
		return err
	}
	return runErr
}

func (r *Replay) writeMetrics(reg *metric.Registry, stdout io.Writer) error {
	switch r.metrics {
	case "":
		return nil
	case "-":
		return reg.WriteText(stdout)
	}
	f, err := os.Create(r.metrics)
	if err != nil {
		return fmt.Errorf("creating metrics file: %w", err)
	}
	if err := reg.WriteText(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
