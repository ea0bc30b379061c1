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
	"gvisor.dev/tdvisor/pkg/trap"
	"gvisor.dev/tdvisor/pkg/vcpu"
	"gvisor.dev/tdvisor/pkg/vmexit"
)

// otherReason is the field value of exit reasons outside the known range.
const otherReason = "other"

// VMM holds the counters updated on the exit and trap paths.
type VMM struct {
	// Exits counts handled exits by basic reason and outcome.
	Exits *Uint64Metric

	// Traps counts host traps by vector.
	Traps *Uint64Metric

	// Wakes counts halted virtual CPUs made runnable.
	Wakes *Uint64Metric
}

// NewVMM registers the exit and trap counters in r.
func NewVMM(r *Registry) (*VMM, error) {
	reasons := make([]string, 0, vmexit.NumReasons+1)
	for i := vmexit.Reason(0); i < vmexit.NumReasons; i++ {
		reasons = append(reasons, i.String())
	}
	reasons = append(reasons, otherReason)
	actions := []string{vmexit.Resume.String(), vmexit.Halt.String(), vmexit.Fatal.String()}
	vectors := make([]string, 0, trap.NumVectors)
	for i := 0; i < trap.NumVectors; i++ {
		vectors = append(vectors, trap.Vector(i).String())
	}

	exits, err := r.NewUint64Metric("/vmexit/exits", "Number of VM-exits handled, by basic exit reason and outcome.",
		NewField("reason", reasons), NewField("action", actions))
	if err != nil {
		return nil, err
	}
	traps, err := r.NewUint64Metric("/trap/traps", "Number of traps taken by the host, by vector.",
		NewField("vector", vectors))
	if err != nil {
		return nil, err
	}
	wakes, err := r.NewUint64Metric("/vcpu/wakes", "Number of halted virtual CPUs made runnable.")
	if err != nil {
		return nil, err
	}
	return &VMM{Exits: exits, Traps: traps, Wakes: wakes}, nil
}

// ObserveExit counts one handled exit. It has the signature of an exit
// dispatcher observer.
func (m *VMM) ObserveExit(_ *vcpu.VCPU, r vmexit.Reason, a vmexit.Action) {
	reason := otherReason
	if b := r.Basic(); b < vmexit.NumReasons {
		reason = b.String()
	}
	m.Exits.Increment(reason, a.String())
}

// ObserveTrap counts one host trap. It has the signature of a trap
// dispatcher observer.
func (m *VMM) ObserveTrap(v trap.Vector) {
	m.Traps.Increment(v.String())
}

// ObserveState counts wake-ups. It has the signature of a virtual CPU state
// observer.
func (m *VMM) ObserveState(from, to vcpu.State) {
	if from == vcpu.Halted && to == vcpu.Runnable {
		m.Wakes.Increment()
	}
}
