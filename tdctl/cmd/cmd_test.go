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
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
	"gvisor.dev/tdvisor/pkg/sim"
	"gvisor.dev/tdvisor/tdctl/config"
)

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(testFlags)
	conf, err := config.NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	return conf
}

func TestIDT(t *testing.T) {
	p, err := newPlatform(defaultConfig(t))
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	i := IDT{vector: -1}
	if err := i.print(&buf, p.Table); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{
		"base=0xffffffff82000000 limit=0xfff",
		"target=0xffffffff810001c0 sel=0x10 ist=0",
		"target=0xffffffff81000100 sel=0x10 ist=2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	// Header, descriptor and one line per vector.
	if got, want := strings.Count(out, "\n"), 2+256; got != want {
		t.Errorf("got %d lines, want %d", got, want)
	}

	buf.Reset()
	i = IDT{vector: 14, raw: true}
	if err := i.print(&buf, p.Table); err != nil {
		t.Fatal(err)
	}
	if got := strings.Count(buf.String(), "\n"); got != 1 {
		t.Errorf("raw dump of one entry has %d lines, want 1:\n%s", got, buf.String())
	}

	i = IDT{vector: 256}
	if err := i.print(&buf, p.Table); err == nil {
		t.Errorf("print of vector 256 succeeded")
	}
}

func TestStubs(t *testing.T) {
	p, err := newPlatform(defaultConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		vector int
		want   []string
	}{
		{vector: 3, want: []string{"0xffffffff81000060", "#BP", "error=synthetic", "6a006a03e9"}},
		{vector: 14, want: []string{"0xffffffff810001c0", "#PF", "error=cpu", "6a0ee9"}},
	} {
		var buf bytes.Buffer
		s := Stubs{vector: tc.vector}
		if err := s.print(&buf, p.Image); err != nil {
			t.Fatal(err)
		}
		out := buf.String()
		if got := strings.Count(out, "\n"); got != 1 {
			t.Errorf("vector %d: got %d lines, want 1", tc.vector, got)
		}
		for _, want := range tc.want {
			if !strings.Contains(out, want) {
				t.Errorf("vector %d: output missing %q: %s", tc.vector, want, out)
			}
		}
	}

	var buf bytes.Buffer
	s := Stubs{vector: -1, prologue: true}
	if err := s.print(&buf, p.Image); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "prologue at 0xffffffff81002000:") {
		t.Errorf("prologue missing:\n%s", buf.String())
	}
}

func TestPrintCPUID(t *testing.T) {
	s, err := defaultConfig(t).CPUID()
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := printCPUID(&buf, s); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "vendor: ") {
		t.Errorf("output does not start with the vendor:\n%s", out)
	}
	if !strings.Contains(out, "0x40000000") {
		t.Errorf("hypervisor leaf missing:\n%s", out)
	}
	// Vendor, header and one line per leaf.
	if got, want := strings.Count(out, "\n"), 2+len(s.Inputs()); got != want {
		t.Errorf("got %d lines, want %d", got, want)
	}
}

const singleTrace = `
name: single
memory:
  - start: 0x0
    size: 0x100000
    state: accepted
vcpus:
  - id: 0
    cpu: 0
    entry: 0x1000
    steps:
      - exit: cpuid
        length: 2
        regs: {rax: 0}
      - exit: cpuid
        length: 2
        regs: {rax: 1}
`

func TestReplay(t *testing.T) {
	tr, err := sim.ParseTrace(strings.NewReader(singleTrace))
	if err != nil {
		t.Fatal(err)
	}
	metrics := filepath.Join(t.TempDir(), "metrics.txt")
	r := Replay{metrics: metrics}
	var buf bytes.Buffer
	if err := r.run(context.Background(), defaultConfig(t), tr, &buf); err != nil {
		t.Fatalf("run failed: %v\n%s", err, buf.String())
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), buf.String())
	}
	if diff := cmp.Diff([]string{"0", "0", "2", "Runnable", "-"}, strings.Fields(lines[1])); diff != "" {
		t.Errorf("result line mismatch (-want +got):\n%s", diff)
	}

	f, err := os.Open(metrics)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(f)
	if err != nil {
		t.Fatalf("parsing metrics: %v", err)
	}
	mf, ok := parsed["tdvisor_vmexit_exits"]
	if !ok {
		t.Fatalf("exit counter missing: %v", parsed)
	}
	var total float64
	for _, m := range mf.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	if total != 2 {
		t.Errorf("exported %v exits, want 2", total)
	}
}

func TestReplayMetadataControl(t *testing.T) {
	tr, err := sim.ParseTrace(strings.NewReader(singleTrace))
	if err != nil {
		t.Fatal(err)
	}
	conf := defaultConfig(t)
	conf.MetadataControl = true
	opts, err := MachineOptions(conf)
	if err != nil {
		t.Fatalf("MachineOptions failed: %v", err)
	}
	if !opts.MetadataControl {
		t.Errorf("metadata control not passed to the machine")
	}
	var buf bytes.Buffer
	if err := (&Replay{}).run(context.Background(), conf, tr, &buf); err != nil {
		t.Fatalf("run failed: %v\n%s", err, buf.String())
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), buf.String())
	}
	if diff := cmp.Diff([]string{"0", "0", "2", "Runnable", "-"}, strings.Fields(lines[1])); diff != "" {
		t.Errorf("result line mismatch (-want +got):\n%s", diff)
	}
}

func TestReplayTooFewProcessors(t *testing.T) {
	tr, err := sim.ParseTrace(strings.NewReader(strings.Replace(singleTrace, "cpu: 0", "cpu: 3", 1)))
	if err != nil {
		t.Fatal(err)
	}
	var r Replay
	var buf bytes.Buffer
	err = r.run(context.Background(), defaultConfig(t), tr, &buf)
	if err == nil || !strings.Contains(err.Error(), "only 1 processors") {
		t.Errorf("run() = %v, want processor count error", err)
	}
}
