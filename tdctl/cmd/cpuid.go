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

	"github.com/google/subcommands"
	"gvisor.dev/tdvisor/pkg/cpuid"
	"gvisor.dev/tdvisor/tdctl/config"
)

// CPUID implements subcommands.Command for the "cpuid" command.
type CPUID struct {
	apicID int
}

// Name implements subcommands.Command.Name.
func (*CPUID) Name() string {
	return "cpuid"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*CPUID) Synopsis() string {
	return "print the CPUID table guests observe"
}

// Usage implements subcommands.Command.Usage.
func (*CPUID) Usage() string {
	return `cpuid [flags] - print the virtualized CPUID table.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *CPUID) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.apicID, "apic-id", -1, "specialize the table for the virtual CPU with this APIC ID.")
}

// Execute implements subcommands.Command.Execute.
func (c *CPUID) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	s, err := conf.CPUID()
	if err != nil {
		Fatalf("building CPUID table: %v", err)
	}
	if c.apicID >= 0 {
		s = s.ForVCPU(uint32(c.apicID))
	}
	if err := printCPUID(os.Stdout, s); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func printCPUID(w io.Writer, s cpuid.Static) error {
	fmt.Fprintf(w, "vendor: %s\n", s.VendorID())
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprint(tw, "LEAF\tSUBLEAF\tEAX\tEBX\tECX\tEDX\n")
	for _, in := range s.Inputs() {
		out := s.Query(in)
		fmt.Fprintf(tw, "%#08x\t%d\t%#08x\t%#08x\t%#08x\t%#08x\n", in.Eax, in.Ecx, out.Eax, out.Ebx, out.Ecx, out.Edx)
	}
	return tw.Flush()
}
