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

// Package vmexit decodes VM-exits and dispatches them to handlers that
// decide whether the virtual CPU resumes, halts or is stopped.
package vmexit

import "fmt"

// Reason is the exit reason field.
type Reason uint32

// Basic exit reasons.
const (
	ExceptionOrNMI      Reason = 0
	ExternalInterrupt   Reason = 1
	TripleFault         Reason = 2
	InitSignal          Reason = 3
	InterruptWindow     Reason = 7
	NMIWindow           Reason = 8
	CPUID               Reason = 10
	HLT                 Reason = 12
	INVLPG              Reason = 14
	RDTSC               Reason = 16
	VMCALL              Reason = 18
	CRAccess            Reason = 28
	IOInstruction       Reason = 30
	RDMSR               Reason = 31
	WRMSR               Reason = 32
	EntryFailGuestState Reason = 33
	EntryFailMSRLoad    Reason = 34
	MachineCheck        Reason = 41
	TPRBelowThreshold   Reason = 43
	APICAccess          Reason = 44
	EPTViolation        Reason = 48
	EPTMisconfig        Reason = 49
	XSETBV              Reason = 55

	// NumReasons bounds the basic exit reasons.
	NumReasons = 76
)

const (
	basicReasonMask  = 0xffff
	entryFailureFlag = 1 << 31
)

var reasonNames = map[Reason]string{
	ExceptionOrNMI:      "exception",
	ExternalInterrupt:   "external-interrupt",
	TripleFault:         "triple-fault",
	InitSignal:          "init",
	InterruptWindow:     "interrupt-window",
	NMIWindow:           "nmi-window",
	CPUID:               "cpuid",
	HLT:                 "hlt",
	INVLPG:              "invlpg",
	RDTSC:               "rdtsc",
	VMCALL:              "vmcall",
	CRAccess:            "cr-access",
	IOInstruction:       "io",
	RDMSR:               "rdmsr",
	WRMSR:               "wrmsr",
	EntryFailGuestState: "entry-fail-guest-state",
	EntryFailMSRLoad:    "entry-fail-msr-load",
	MachineCheck:        "machine-check",
	TPRBelowThreshold:   "tpr-below-threshold",
	APICAccess:          "apic-access",
	EPTViolation:        "ept-violation",
	EPTMisconfig:        "ept-misconfig",
	XSETBV:              "xsetbv",
}

// Basic returns the basic exit reason.
func (r Reason) Basic() Reason {
	return r & basicReasonMask
}

// EntryFailure returns true iff the exit reports a failed VM-entry.
func (r Reason) EntryFailure() bool {
	return r&entryFailureFlag != 0
}

// String implements fmt.Stringer.
func (r Reason) String() string {
	name, ok := reasonNames[r.Basic()]
	if !ok {
		name = fmt.Sprintf("reason(%d)", uint32(r.Basic()))
	}
	if r.EntryFailure() {
		return name + "(entry-failure)"
	}
	return name
}
