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

package vcpu

import (
	"errors"
	"fmt"
)

// State is a virtual CPU lifecycle state.
type State uint32

// Lifecycle states.
const (
	// Created is the state after construction. The control structure has
	// not been programmed.
	Created State = iota

	// Runnable may be entered.
	Runnable

	// Running is executing guest code. The only way out is a VM-exit.
	Running

	// ExitPending has exited and is being handled.
	ExitPending

	// Halted waits for an interrupt or an explicit wake.
	Halted

	// Destroyed is terminal.
	Destroyed

	numStates
)

var stateNames = [numStates]string{
	Created:     "Created",
	Runnable:    "Runnable",
	Running:     "Running",
	ExitPending: "ExitPending",
	Halted:      "Halted",
	Destroyed:   "Destroyed",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// transitions is the set of legal transitions, indexed by source state.
var transitions = [numStates]uint32{
	Created:     1<<Runnable | 1<<Destroyed,
	Runnable:    1<<Running | 1<<Destroyed,
	Running:     1 << ExitPending,
	ExitPending: 1<<Runnable | 1<<Halted | 1<<Destroyed,
	Halted:      1<<Runnable | 1<<Destroyed,
	Destroyed:   0,
}

// CanTransition returns true iff from → to is legal.
func CanTransition(from, to State) bool {
	return from < numStates && to < numStates && transitions[from]&(1<<to) != 0
}

var (
	// ErrInvalidTransition is returned for transitions not in the
	// lifecycle.
	ErrInvalidTransition = errors.New("invalid virtual CPU state transition")

	// ErrNotRunnable is returned when entering a virtual CPU that is not
	// Runnable.
	ErrNotRunnable = errors.New("virtual CPU not runnable")

	// ErrEventPending is returned when an event is already queued for
	// the next VM-entry.
	ErrEventPending = errors.New("event already pending injection")
)

// TransitionError describes a rejected transition.
type TransitionError struct {
	From State
	To   State
}

// Error implements error.Error.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %v -> %v", ErrInvalidTransition, e.From, e.To)
}

// Unwrap returns ErrInvalidTransition.
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
