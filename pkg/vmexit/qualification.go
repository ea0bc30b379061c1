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

package vmexit

import "gvisor.dev/tdvisor/pkg/vmcs"

// CR access types.
const (
	CRMovTo   = 0
	CRMovFrom = 1
	CRCLTS    = 2
	CRLMSW    = 3
)

// CRQualification is the exit qualification of a control register access.
type CRQualification uint64

// CR returns the control register number.
func (q CRQualification) CR() int { return int(q & 0xf) }

// AccessType returns one of CRMovTo, CRMovFrom, CRCLTS, CRLMSW.
func (q CRQualification) AccessType() int { return int(q>>4) & 0x3 }

// Register returns the general-purpose register operand.
func (q CRQualification) Register() int { return int(q>>8) & 0xf }

// LMSWSource returns the LMSW source data.
func (q CRQualification) LMSWSource() uint16 { return uint16(q >> 16) }

// IOQualification is the exit qualification of an I/O instruction.
type IOQualification uint64

// Size returns the access size in bytes.
func (q IOQualification) Size() int { return int(q&0x7) + 1 }

// In returns true iff the access is a read from the port.
func (q IOQualification) In() bool { return q&(1<<3) != 0 }

// StringOp returns true for INS and OUTS.
func (q IOQualification) StringOp() bool { return q&(1<<4) != 0 }

// Rep returns true for REP-prefixed string instructions.
func (q IOQualification) Rep() bool { return q&(1<<5) != 0 }

// Port returns the port number.
func (q IOQualification) Port() uint16 { return uint16(q >> 16) }

// EPTQualification is the exit qualification of an EPT violation.
type EPTQualification uint64

// Read returns true iff the access was a data read.
func (q EPTQualification) Read() bool { return q&(1<<0) != 0 }

// Write returns true iff the access was a data write.
func (q EPTQualification) Write() bool { return q&(1<<1) != 0 }

// Fetch returns true iff the access was an instruction fetch.
func (q EPTQualification) Fetch() bool { return q&(1<<2) != 0 }

// LinearValid returns true iff the guest linear address is valid.
func (q EPTQualification) LinearValid() bool { return q&(1<<7) != 0 }

// Interruption is decoded exit interruption information.
type Interruption uint32

// Valid returns true iff the information is valid.
func (i Interruption) Valid() bool { return i&vmcs.InterruptionValid != 0 }

// Vector returns the vector.
func (i Interruption) Vector() uint8 { return uint8(i & vmcs.InterruptionVectorMask) }

// Type returns the interruption type.
func (i Interruption) Type() uint8 {
	return uint8(i>>vmcs.InterruptionTypeShift) & vmcs.InterruptionTypeFieldMask
}

// HasErrorCode returns true iff an error code was delivered.
func (i Interruption) HasErrorCode() bool { return i&vmcs.InterruptionDeliverError != 0 }
