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

// Package trap implements the trap descriptor table, the generated per-vector
// entry stubs, the normalized trap frame and the generic trap dispatcher.
//
// Nothing in this package executes privileged instructions directly. The
// descriptor load and the entry image are handed to the bring-up code through
// the Loader interface and the generated machine code, respectively.
package trap

import "fmt"

// Vector is an exception or interrupt vector.
type Vector uint8

// Architectural exception vectors.
const (
	DivideByZero               Vector = 0
	Debug                      Vector = 1
	NMI                        Vector = 2
	Breakpoint                 Vector = 3
	Overflow                   Vector = 4
	BoundRangeExceeded         Vector = 5
	InvalidOpcode              Vector = 6
	DeviceNotAvailable         Vector = 7
	DoubleFault                Vector = 8
	CoprocessorSegmentOverrun  Vector = 9
	InvalidTSS                 Vector = 10
	SegmentNotPresent          Vector = 11
	StackSegmentFault          Vector = 12
	GeneralProtectionFault     Vector = 13
	PageFault                  Vector = 14
	X87FloatingPointException  Vector = 16
	AlignmentCheck             Vector = 17
	MachineCheck               Vector = 18
	SIMDFloatingPointException Vector = 19
	VirtualizationException    Vector = 20
	ControlProtectionException Vector = 21
	VMMCommunicationException  Vector = 29
)

const (
	// NumVectors is the number of descriptor table entries.
	NumVectors = 256

	// NumExceptions is the number of vectors reserved for architectural
	// exceptions. Vectors at or above this are external or software
	// interrupts.
	NumExceptions = 32

	// FirstExternal is the first vector available to external interrupts.
	FirstExternal Vector = NumExceptions
)

// errorCodeVectors is the set of exception vectors for which the processor
// pushes an error code: #DF, #TS, #NP, #SS, #GP, #PF and #AC.
const errorCodeVectors uint32 = 1<<DoubleFault |
	1<<InvalidTSS |
	1<<SegmentNotPresent |
	1<<StackSegmentFault |
	1<<GeneralProtectionFault |
	1<<PageFault |
	1<<AlignmentCheck

// HasErrorCode returns true iff the processor pushes an error code for v.
//
// All other vectors get a synthetic zero from their entry stub so that the
// frame layout is identical for every vector.
func (v Vector) HasErrorCode() bool {
	return v < NumExceptions && errorCodeVectors&(1<<v) != 0
}

// exitErrorCodeVectors adds #CP and #VC, which report an error code in the
// exit information even though their entry stubs push a synthetic one.
const exitErrorCodeVectors = errorCodeVectors |
	1<<ControlProtectionException |
	1<<VMMCommunicationException

// DeliversErrorCode returns true iff a guest exception on v carries an
// error code when it causes a VM-exit or is injected.
func (v Vector) DeliversErrorCode() bool {
	return v < NumExceptions && exitErrorCodeVectors&(1<<v) != 0
}

// IsException returns true for the architecturally reserved vectors.
func (v Vector) IsException() bool {
	return v < NumExceptions
}

var vectorNames = map[Vector]string{
	DivideByZero:               "#DE",
	Debug:                      "#DB",
	NMI:                        "NMI",
	Breakpoint:                 "#BP",
	Overflow:                   "#OF",
	BoundRangeExceeded:         "#BR",
	InvalidOpcode:              "#UD",
	DeviceNotAvailable:         "#NM",
	DoubleFault:                "#DF",
	CoprocessorSegmentOverrun:  "CSO",
	InvalidTSS:                 "#TS",
	SegmentNotPresent:          "#NP",
	StackSegmentFault:          "#SS",
	GeneralProtectionFault:     "#GP",
	PageFault:                  "#PF",
	X87FloatingPointException:  "#MF",
	AlignmentCheck:             "#AC",
	MachineCheck:               "#MC",
	SIMDFloatingPointException: "#XM",
	VirtualizationException:    "#VE",
	ControlProtectionException: "#CP",
	VMMCommunicationException:  "#VC",
}

// String implements fmt.Stringer.
func (v Vector) String() string {
	if name, ok := vectorNames[v]; ok {
		return name
	}
	if v.IsException() {
		return fmt.Sprintf("reserved(%d)", uint8(v))
	}
	return fmt.Sprintf("irq(%d)", uint8(v))
}
