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

	"github.com/google/subcommands"
	"gvisor.dev/tdvisor/pkg/trap"
	"gvisor.dev/tdvisor/tdctl/config"
)

// Stubs implements subcommands.Command for the "stubs" command.
type Stubs struct {
	vector   int
	prologue bool
}

// Name implements subcommands.Command.Name.
func (*Stubs) Name() string {
	return "stubs"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stubs) Synopsis() string {
	return "print the generated trap entry stubs"
}

// Usage implements subcommands.Command.Usage.
func (*Stubs) Usage() string {
	return `stubs [flags] - print the trap entry stubs and the shared prologue.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stubs) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.vector, "vector", -1, "print only the stub of this vector.")
	f.BoolVar(&s.prologue, "prologue", false, "print the shared prologue.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stubs) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	p, err := newPlatform(conf)
	if err != nil {
		Fatalf("generating entry image: %v", err)
	}
	if err := s.print(os.Stdout, p.Image); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}

func (s *Stubs) print(w io.Writer, img *trap.Image) error {
	if s.vector >= trap.NumVectors {
		return fmt.Errorf("vector %d out of range", s.vector)
	}
	for _, stub := range img.Stubs {
		if s.vector >= 0 && int(stub.Vector) != s.vector {
			continue
		}
		errCode := "cpu"
		if stub.SyntheticErrorCode {
			errCode = "synthetic"
		}
		fmt.Fprintf(w, "%#016x %3d %-12v error=%-9s %s\n", img.Base+stub.Offset, stub.Vector, stub.Vector, errCode, hex.EncodeToString(stub.Code))
	}
	if s.prologue {
		off := uint64(trap.NumVectors * trap.StubStride)
		fmt.Fprintf(w, "prologue at %#016x:\n%s", img.Base+off, hex.Dump(img.Code[off:]))
	}
	return nil
}
