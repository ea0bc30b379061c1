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

// Package vmcs provides owned, typed access to a virtual CPU's control
// structure.
//
// Fields are addressed by their architectural encoding and validated against
// a fixed catalogue. A Structure belongs to exactly one virtual CPU bound to
// one processor, and may only be read or written through an Accessor obtained
// by loading it on that processor.
package vmcs

import "fmt"

// Field is an architectural control structure field encoding.
type Field uint32

// Field encoding layout.
const (
	fieldHighBit    = 1 << 0
	fieldIndexShift = 1
	fieldIndexMask  = 0x1ff
	fieldTypeShift  = 10
	fieldTypeMask   = 0x3
	fieldWidthShift = 13
	fieldWidthMask  = 0x3
)

// Type is the field type encoded in bits 10-11.
type Type uint8

// Field types.
const (
	TypeControl Type = iota
	TypeExitInfo
	TypeGuest
	TypeHost
)

// Width is the field width encoded in bits 13-14.
type Width uint8

// Field widths.
const (
	Width16 Width = iota
	Width64
	Width32
	WidthNatural
)

// Mask returns the value mask for fields of width w.
func (w Width) Mask() uint64 {
	switch w {
	case Width16:
		return 0xffff
	case Width32:
		return 0xffffffff
	default:
		return ^uint64(0)
	}
}

// Type returns the field type.
func (f Field) Type() Type {
	return Type((f >> fieldTypeShift) & fieldTypeMask)
}

// Width returns the field width.
func (f Field) Width() Width {
	return Width((f >> fieldWidthShift) & fieldWidthMask)
}

// Index returns the field index.
func (f Field) Index() uint32 {
	return uint32(f>>fieldIndexShift) & fieldIndexMask
}

// High returns true for the high-half alias of a 64-bit field.
func (f Field) High() bool {
	return f&fieldHighBit != 0
}

// ReadOnly returns true for exit information fields.
func (f Field) ReadOnly() bool {
	return f.Type() == TypeExitInfo
}

// String implements fmt.Stringer.
func (f Field) String() string {
	if name, ok := catalogue[f]; ok {
		return name
	}
	return fmt.Sprintf("field(%#x)", uint32(f))
}

// 16-bit fields.
const (
	VPID                        Field = 0x0000
	PostedInterruptNotification Field = 0x0002
	GuestCSSelector             Field = 0x0802
	GuestSSSelector             Field = 0x0804
	GuestInterruptStatus        Field = 0x0810
	HostCSSelector              Field = 0x0c02
	HostSSSelector              Field = 0x0c04
	HostTRSelector              Field = 0x0c0c
)

// 64-bit fields.
const (
	IOBitmapA               Field = 0x2000
	IOBitmapB               Field = 0x2002
	MSRBitmap               Field = 0x2004
	TSCOffset               Field = 0x2010
	VirtualAPICAddress      Field = 0x2012
	PostedInterruptDescAddr Field = 0x2016
	EPTPointer              Field = 0x201a
	GuestPhysicalAddress    Field = 0x2400
	VMCSLinkPointer         Field = 0x2800
	GuestIA32EFER           Field = 0x2806
	HostIA32EFER            Field = 0x2c02
)

// 32-bit fields.
const (
	PinBasedControls           Field = 0x4000
	ProcBasedControls          Field = 0x4002
	ExceptionBitmap            Field = 0x4004
	ExitControls               Field = 0x400c
	EntryControls              Field = 0x4012
	EntryInterruptionInfo      Field = 0x4016
	EntryExceptionErrorCode    Field = 0x4018
	EntryInstructionLength     Field = 0x401a
	TPRThreshold               Field = 0x401c
	SecondaryProcBasedControls Field = 0x401e
	InstructionError           Field = 0x4400
	ExitReason                 Field = 0x4402
	ExitInterruptionInfo       Field = 0x4404
	ExitInterruptionErrorCode  Field = 0x4406
	IDTVectoringInfo           Field = 0x4408
	IDTVectoringErrorCode      Field = 0x440a
	ExitInstructionLength      Field = 0x440c
	ExitInstructionInfo        Field = 0x440e
	GuestInterruptibility      Field = 0x4824
	GuestActivityState         Field = 0x4826
)

// Natural-width fields.
const (
	CR0GuestHostMask   Field = 0x6000
	CR4GuestHostMask   Field = 0x6002
	CR0ReadShadow      Field = 0x6004
	CR4ReadShadow      Field = 0x6006
	ExitQualification  Field = 0x6400
	GuestLinearAddress Field = 0x640a
	GuestCR0           Field = 0x6800
	GuestCR3           Field = 0x6802
	GuestCR4           Field = 0x6804
	GuestRSP           Field = 0x681c
	GuestRIP           Field = 0x681e
	GuestRFLAGS        Field = 0x6820
	HostCR0            Field = 0x6c00
	HostCR3            Field = 0x6c02
	HostCR4            Field = 0x6c04
	HostRSP            Field = 0x6c14
	HostRIP            Field = 0x6c16
)

// catalogue is the set of fields this package will access.
var catalogue = map[Field]string{
	VPID:                        "VPID",
	PostedInterruptNotification: "PostedInterruptNotification",
	GuestCSSelector:             "GuestCSSelector",
	GuestSSSelector:             "GuestSSSelector",
	GuestInterruptStatus:        "GuestInterruptStatus",
	HostCSSelector:              "HostCSSelector",
	HostSSSelector:              "HostSSSelector",
	HostTRSelector:              "HostTRSelector",
	IOBitmapA:                   "IOBitmapA",
	IOBitmapB:                   "IOBitmapB",
	MSRBitmap:                   "MSRBitmap",
	TSCOffset:                   "TSCOffset",
	VirtualAPICAddress:          "VirtualAPICAddress",
	PostedInterruptDescAddr:     "PostedInterruptDescAddr",
	EPTPointer:                  "EPTPointer",
	GuestPhysicalAddress:        "GuestPhysicalAddress",
	VMCSLinkPointer:             "VMCSLinkPointer",
	GuestIA32EFER:               "GuestIA32EFER",
	HostIA32EFER:                "HostIA32EFER",
	PinBasedControls:            "PinBasedControls",
	ProcBasedControls:           "ProcBasedControls",
	ExceptionBitmap:             "ExceptionBitmap",
	ExitControls:                "ExitControls",
	EntryControls:               "EntryControls",
	EntryInterruptionInfo:       "EntryInterruptionInfo",
	EntryExceptionErrorCode:     "EntryExceptionErrorCode",
	EntryInstructionLength:      "EntryInstructionLength",
	TPRThreshold:                "TPRThreshold",
	SecondaryProcBasedControls:  "SecondaryProcBasedControls",
	InstructionError:            "InstructionError",
	ExitReason:                  "ExitReason",
	ExitInterruptionInfo:        "ExitInterruptionInfo",
	ExitInterruptionErrorCode:   "ExitInterruptionErrorCode",
	IDTVectoringInfo:            "IDTVectoringInfo",
	IDTVectoringErrorCode:       "IDTVectoringErrorCode",
	ExitInstructionLength:       "ExitInstructionLength",
	ExitInstructionInfo:         "ExitInstructionInfo",
	GuestInterruptibility:       "GuestInterruptibility",
	GuestActivityState:          "GuestActivityState",
	CR0GuestHostMask:            "CR0GuestHostMask",
	CR4GuestHostMask:            "CR4GuestHostMask",
	CR0ReadShadow:               "CR0ReadShadow",
	CR4ReadShadow:               "CR4ReadShadow",
	ExitQualification:           "ExitQualification",
	GuestLinearAddress:          "GuestLinearAddress",
	GuestCR0:                    "GuestCR0",
	GuestCR3:                    "GuestCR3",
	GuestCR4:                    "GuestCR4",
	GuestRSP:                    "GuestRSP",
	GuestRIP:                    "GuestRIP",
	GuestRFLAGS:                 "GuestRFLAGS",
	HostCR0:                     "HostCR0",
	HostCR3:                     "HostCR3",
	HostCR4:                     "HostCR4",
	HostRSP:                     "HostRSP",
	HostRIP:                     "HostRIP",
}

// Known returns true iff f is in the catalogue.
func Known(f Field) bool {
	_, ok := catalogue[f]
	return ok
}

// Fields returns all catalogued fields.
func Fields() []Field {
	fs := make([]Field, 0, len(catalogue))
	for f := range catalogue {
		fs = append(fs, f)
	}
	return fs
}

// Execution control bits used by the exit engine.
const (
	// ProcBasedControls.
	ProcInterruptWindowExiting = 1 << 2
	ProcHLTExiting             = 1 << 7
	ProcUseTPRShadow           = 1 << 21
	ProcUseIOBitmaps           = 1 << 25
	ProcUseMSRBitmaps          = 1 << 28
	ProcActivateSecondary      = 1 << 31

	// EntryInterruptionInfo.
	InterruptionValid         = 1 << 31
	InterruptionDeliverError  = 1 << 11
	InterruptionTypeShift     = 8
	InterruptionTypeExternal  = 0
	InterruptionTypeNMI       = 2
	InterruptionTypeHardware  = 3
	InterruptionTypeSoftware  = 4
	InterruptionTypePrivSoft  = 5
	InterruptionTypeSoftExc   = 6
	InterruptionVectorMask    = 0xff
	InterruptionTypeFieldMask = 0x7

	// GuestInterruptibility.
	BlockingBySTI   = 1 << 0
	BlockingByMovSS = 1 << 1
	BlockingByNMI   = 1 << 3

	// GuestActivityState.
	ActivityActive = 0
	ActivityHLT    = 1

	// GuestRFLAGS.
	RFLAGSInterruptEnable = 1 << 9
)

// NeedsInstructionLength returns true iff an injected event of interruption
// type t reads EntryInstructionLength: software interrupts, privileged
// software exceptions and software exceptions.
func NeedsInstructionLength(t uint8) bool {
	switch t {
	case InterruptionTypeSoftware, InterruptionTypePrivSoft, InterruptionTypeSoftExc:
		return true
	}
	return false
}
