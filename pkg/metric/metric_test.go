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

package metric

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/expfmt"
	"gvisor.dev/tdvisor/pkg/trap"
	"gvisor.dev/tdvisor/pkg/vcpu"
	"gvisor.dev/tdvisor/pkg/vmexit"
)

const (
	fooDescription     = "Foo!"
	counterDescription = "Counter"
)

func TestRegister(t *testing.T) {
	r := NewRegistry()
	if _, err := r.NewUint64Metric("/foo", fooDescription); err != nil {
		t.Fatalf("NewUint64Metric got err %v want nil", err)
	}
	if _, err := r.NewUint64Metric("/foo", fooDescription); !errors.Is(err, ErrNameInUse) {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrNameInUse)
	}
	for _, name := range []string{"foo", "/Foo", "/foo/", "/foo bar", ""} {
		if _, err := r.NewUint64Metric(name, fooDescription); !errors.Is(err, ErrInvalidName) {
			t.Errorf("NewUint64Metric(%q) got err %v want %v", name, err, ErrInvalidName)
		}
	}
	if _, err := r.NewUint64Metric("/empty", fooDescription, NewField("f", nil)); !errors.Is(err, ErrFieldHasNoAllowedValues) {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrFieldHasNoAllowedValues)
	}
	big := make([]string, 300)
	for i := range big {
		big[i] = strings.Repeat("x", i+1)
	}
	if _, err := r.NewUint64Metric("/big", fooDescription, NewField("a", big), NewField("b", big)); !errors.Is(err, ErrTooManyFieldCombinations) {
		t.Errorf("NewUint64Metric got err %v want %v", err, ErrTooManyFieldCombinations)
	}
}

func TestFieldLookup(t *testing.T) {
	r := NewRegistry()
	m := r.MustCreateNewUint64Metric("/counter", counterDescription,
		NewField("color", []string{"red", "green", "blue"}),
		NewField("size", []string{"small", "large"}))

	m.Increment("green", "large")
	m.IncrementBy(5, "blue", "small")
	m.Increment("green", "large")

	for _, tc := range []struct {
		color, size string
		want        uint64
	}{
		{"red", "small", 0},
		{"green", "large", 2},
		{"blue", "small", 5},
		{"blue", "large", 0},
	} {
		if got := m.Value(tc.color, tc.size); got != tc.want {
			t.Errorf("Value(%s, %s) = %d, want %d", tc.color, tc.size, got, tc.want)
		}
	}
	want := []Sample{
		{Fields: []string{"green", "large"}, Value: 2},
		{Fields: []string{"blue", "small"}, Value: 5},
	}
	if diff := cmp.Diff(want, m.Samples()); diff != "" {
		t.Errorf("Samples mismatch (-want +got):\n%s", diff)
	}
}

func TestDisallowedValuePanics(t *testing.T) {
	r := NewRegistry()
	m := r.MustCreateNewUint64Metric("/counter", counterDescription, NewField("color", []string{"red"}))
	defer func() {
		if recover() == nil {
			t.Errorf("Increment with a disallowed value did not panic")
		}
	}()
	m.Increment("purple")
}

func TestPrometheusName(t *testing.T) {
	if got, want := PrometheusName("/vmexit/exits"), "tdvisor_vmexit_exits"; got != want {
		t.Errorf("PrometheusName = %q, want %q", got, want)
	}
}

func TestWriteText(t *testing.T) {
	r := NewRegistry()
	plain := r.MustCreateNewUint64Metric("/plain", fooDescription)
	plain.IncrementBy(7)
	fielded := r.MustCreateNewUint64Metric("/fielded", counterDescription, NewField("kind", []string{"a", "b"}))
	fielded.Increment("b")
	r.MustCreateNewUint64Metric("/unused", counterDescription, NewField("kind", []string{"a"}))

	var buf bytes.Buffer
	if err := r.WriteText(&buf); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	parsed, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("parsing exported text: %v", err)
	}
	got := make(map[string]float64)
	for name, mf := range parsed {
		for _, m := range mf.GetMetric() {
			key := name
			for _, l := range m.GetLabel() {
				key += "{" + l.GetName() + "=" + l.GetValue() + "}"
			}
			got[key] = m.GetCounter().GetValue()
		}
	}
	want := map[string]float64{
		"tdvisor_plain":            7,
		"tdvisor_fielded{kind=b}": 1,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("exported metrics mismatch (-want +got):\n%s", diff)
	}
	if help := parsed["tdvisor_plain"].GetHelp(); help != fooDescription {
		t.Errorf("help = %q, want %q", help, fooDescription)
	}
}

func TestVMM(t *testing.T) {
	r := NewRegistry()
	m, err := NewVMM(r)
	if err != nil {
		t.Fatalf("NewVMM failed: %v", err)
	}
	m.ObserveExit(nil, vmexit.CPUID, vmexit.Resume)
	m.ObserveExit(nil, vmexit.CPUID, vmexit.Resume)
	m.ObserveExit(nil, vmexit.HLT, vmexit.Halt)
	m.ObserveExit(nil, vmexit.Reason(0x8000_0021), vmexit.Fatal)
	m.ObserveExit(nil, vmexit.Reason(0x1234), vmexit.Fatal)
	m.ObserveTrap(trap.PageFault)
	m.ObserveTrap(200)
	m.ObserveState(vcpu.Halted, vcpu.Runnable)
	m.ObserveState(vcpu.Running, vcpu.ExitPending)

	for _, tc := range []struct {
		reason vmexit.Reason
		action vmexit.Action
		want   uint64
	}{
		{vmexit.CPUID, vmexit.Resume, 2},
		{vmexit.HLT, vmexit.Halt, 1},
		{vmexit.EntryFailGuestState, vmexit.Fatal, 1},
		{vmexit.HLT, vmexit.Resume, 0},
	} {
		if got := m.Exits.Value(tc.reason.String(), tc.action.String()); got != tc.want {
			t.Errorf("exits{%v, %v} = %d, want %d", tc.reason, tc.action, got, tc.want)
		}
	}
	if got := m.Exits.Value(otherReason, vmexit.Fatal.String()); got != 1 {
		t.Errorf("exits{other, fatal} = %d, want 1", got)
	}
	if got := m.Traps.Value(trap.Vector(200).String()); got != 1 {
		t.Errorf("traps{irq(200)} = %d, want 1", got)
	}
	if got := m.Wakes.Value(); got != 1 {
		t.Errorf("wakes = %d, want 1", got)
	}
	if _, err := NewVMM(r); !errors.Is(err, ErrNameInUse) {
		t.Errorf("second NewVMM: got %v, want %v", err, ErrNameInUse)
	}
}
