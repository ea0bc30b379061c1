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

package tdcall

import (
	"errors"
	"fmt"
)

// SubFunction is a guest-host VMCALL sub-function number, passed in R11.
type SubFunction uint64

// Sub-functions.
const (
	SubCPUID            SubFunction = 10
	SubHLT              SubFunction = 12
	SubIO               SubFunction = 30
	SubRDMSR            SubFunction = 31
	SubWRMSR            SubFunction = 32
	SubMMIO             SubFunction = 48
	SubMapGPA           SubFunction = 0x10001
	SubGetQuote         SubFunction = 0x10002
	SubSetupEventNotify SubFunction = 0x10004
)

var subNames = map[SubFunction]string{
	SubCPUID:            "cpuid",
	SubHLT:              "hlt",
	SubIO:               "io",
	SubRDMSR:            "rdmsr",
	SubWRMSR:            "wrmsr",
	SubMMIO:             "mmio",
	SubMapGPA:           "map_gpa",
	SubGetQuote:         "get_quote",
	SubSetupEventNotify: "setup_event_notify",
}

// String implements fmt.Stringer.
func (s SubFunction) String() string {
	if n, ok := subNames[s]; ok {
		return n
	}
	return fmt.Sprintf("vmcall(%#x)", uint64(s))
}

// VMCallStatus is the status the host returns in R10.
type VMCallStatus uint64

// VMCALL statuses.
const (
	VMCallSuccess        VMCallStatus = 0
	VMCallRetry          VMCallStatus = 1
	VMCallInvalidOperand VMCallStatus = 0x8000000000000000
	VMCallGPAInUse       VMCallStatus = 0x8000000000000001
	VMCallAlignError     VMCallStatus = 0x8000000000000002
)

// VMCallError is a non-success status returned by the host for a VMCALL.
type VMCallError struct {
	Leaf   SubFunction
	Status VMCallStatus
}

// Error implements error.Error.
func (e *VMCallError) Error() string {
	return fmt.Sprintf("vmcall %v failed: status %#x", e.Leaf, uint64(e.Status))
}

// vmcallExposeMask exposes RCX..R15 except RSP (bits 2..15 minus RSP) to the
// host.
const vmcallExposeMask = 0xfc00

// IO directions.
const (
	DirRead  = 0
	DirWrite = 1
)

// ErrBadSize is returned for access sizes other than 1, 2, 4 or 8 bytes.
var ErrBadSize = errors.New("invalid access size")

// vmcall issues sub with up to four arguments in R12..R15 and returns the
// output registers.
func (c *Caller) vmcall(sub SubFunction, args ...uint64) (*Registers, error) {
	var a [4]uint64
	copy(a[:], args)
	regs, err := c.issue(VMCall, []uint64{
		vmcallExposeMask, 0, 0, 0, 0, uint64(sub), a[0], a[1], a[2], a[3],
	})
	if err != nil {
		return nil, err
	}
	if st := VMCallStatus(regs.R10); st != VMCallSuccess {
		return regs, &VMCallError{Leaf: sub, Status: st}
	}
	return regs, nil
}

// CPUID asks the host for the given leaf.
func (c *Caller) CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32, err error) {
	regs, err := c.vmcall(SubCPUID, uint64(leaf), uint64(subleaf))
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return uint32(regs.R12), uint32(regs.R13), uint32(regs.R14), uint32(regs.R15), nil
}

// Halt asks the host to deschedule this virtual CPU until an interrupt
// arrives. If irqsBlocked, the host must not wake it for interrupts.
func (c *Caller) Halt(irqsBlocked bool) error {
	var b uint64
	if irqsBlocked {
		b = 1
	}
	_, err := c.vmcall(SubHLT, b)
	return err
}

func checkSize(size int, allowQuad bool) error {
	switch size {
	case 1, 2, 4:
		return nil
	case 8:
		if allowQuad {
			return nil
		}
	}
	return fmt.Errorf("%d bytes: %w", size, ErrBadSize)
}

func sizeMask(size int) uint64 {
	if size == 8 {
		return ^uint64(0)
	}
	return 1<<(8*size) - 1
}

// In reads size bytes from port.
func (c *Caller) In(port uint16, size int) (uint32, error) {
	if err := checkSize(size, false); err != nil {
		return 0, err
	}
	regs, err := c.vmcall(SubIO, uint64(size), DirRead, uint64(port), 0)
	if err != nil {
		return 0, err
	}
	return uint32(regs.R11 & sizeMask(size)), nil
}

// Out writes size bytes of val to port.
func (c *Caller) Out(port uint16, size int, val uint32) error {
	if err := checkSize(size, false); err != nil {
		return err
	}
	_, err := c.vmcall(SubIO, uint64(size), DirWrite, uint64(port), uint64(val)&sizeMask(size))
	return err
}

// ReadMSR reads an MSR through the host.
func (c *Caller) ReadMSR(msr uint32) (uint64, error) {
	regs, err := c.vmcall(SubRDMSR, uint64(msr))
	if err != nil {
		return 0, err
	}
	return regs.R11, nil
}

// WriteMSR writes an MSR through the host.
func (c *Caller) WriteMSR(msr uint32, val uint64) error {
	_, err := c.vmcall(SubWRMSR, uint64(msr), val)
	return err
}

// ReadMMIO reads size bytes of emulated MMIO at gpa.
func (c *Caller) ReadMMIO(gpa uint64, size int) (uint64, error) {
	if err := checkSize(size, true); err != nil {
		return 0, err
	}
	regs, err := c.vmcall(SubMMIO, uint64(size), DirRead, gpa, 0)
	if err != nil {
		return 0, err
	}
	return regs.R11 & sizeMask(size), nil
}

// WriteMMIO writes size bytes of val to emulated MMIO at gpa.
func (c *Caller) WriteMMIO(gpa uint64, size int, val uint64) error {
	if err := checkSize(size, true); err != nil {
		return err
	}
	_, err := c.vmcall(SubMMIO, uint64(size), DirWrite, gpa, val&sizeMask(size))
	return err
}

// MapGPA converts [gpa, gpa+size) between private and shared. The shared
// bit of gpa selects the direction. A retry status resumes from the address
// reported by the host.
func (c *Caller) MapGPA(gpa, size uint64) error {
	end := gpa + size
	for gpa < end {
		regs, err := c.vmcall(SubMapGPA, gpa, end-gpa)
		if err == nil {
			return nil
		}
		var ve *VMCallError
		if !errors.As(err, &ve) || ve.Status != VMCallRetry {
			return err
		}
		if regs.R11 <= gpa || regs.R11 > end {
			return fmt.Errorf("map_gpa retry at %#x outside [%#x, %#x): %w", regs.R11, gpa, end, err)
		}
		gpa = regs.R11
	}
	return nil
}

// GetQuote asks the host to turn the report in the shared buffer at gpa
// into a quote.
func (c *Caller) GetQuote(gpa, size uint64) error {
	_, err := c.vmcall(SubGetQuote, gpa, size)
	return err
}

// SetupEventNotify registers vector as the host's notification interrupt.
func (c *Caller) SetupEventNotify(vector uint8) error {
	_, err := c.vmcall(SubSetupEventNotify, uint64(vector))
	return err
}
