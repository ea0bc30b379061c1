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
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/tdvisor/pkg/trap"
	"gvisor.dev/tdvisor/tdctl/config"
)

// IDT implements subcommands.Command for the "idt" command.
type IDT struct {
	vector int
	raw    bool
}

// Name implements subcommands.Command.Name.
func (*IDT) Name() string {
	return "idt"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*IDT) Synopsis() string {
	return "print the trap descriptor table"
}

// Usage implements subcommands.Command.Usage.
func (*IDT) Usage() string {
	return `idt [flags] - print the trap descriptor table built from the policy.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *IDT) SetFlags(f *flag.FlagSet) {
	f.IntVar(&i.vector, "vector", -1, "print only this vector.")
	f.BoolVar(&i.raw, "raw", false, "print the in-memory image as a hex dump.")
}

// Execute implements subcommands.Command.Execute.
func (i *IDT) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	p, err := newPlatform(conf)
	if err != nil {
		Fatalf("building trap table: %v", err)
	}
	if err := i.print(os.Stdout, p.Table); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (i *IDT) print(w io.Writer, t *trap.Table) error {
	if i.vector >= trap.NumVectors {
		return fmt.Errorf("vector %d out of range", i.vector)
	}
	if i.raw {
		b := t.Bytes()
		if i.vector >= 0 {
			b = b[i.vector*trap.EntrySize : (i.vector+1)*trap.EntrySize]
		}
		_, err := io.WriteString(w, hex.Dump(b))
		return err
	}
	d := t.Descriptor()
	fmt.Fprintf(w, "base=%#x limit=%#x\n", d.Base, d.Limit)
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprint(tw, "VECTOR\tNAME\tENTRY\n")
	for v := 0; v < trap.NumVectors; v++ {
		if i.vector >= 0 && v != i.vector {
			continue
		}
		fmt.Fprintf(tw, "%d\t%v\t%v\n", v, trap.Vector(v), t.Entry(trap.Vector(v)))
	}
	return tw.Flush()
}
