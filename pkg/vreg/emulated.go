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

package vreg

import (
	"errors"
	"fmt"
)

// APIC base register layout.
const (
	APICBaseDefault = 0xfee00000
	APICBaseBSP     = 1 << 8
	APICBaseX2APIC  = 1 << 10
	APICBaseEnable  = 1 << 11
)

// EFER bits.
const (
	EFERSCE = 1 << 0
	EFERLME = 1 << 8
	EFERLMA = 1 << 10
	EFERNXE = 1 << 11
)

const eferAllowed = EFERSCE | EFERLME | EFERLMA | EFERNXE

// Misc enable bits reported to the guest.
const miscEnableFastStrings = 1 << 0

// ErrInvalidValue is returned for writes of values the register does not
// accept. It is surfaced to the guest as #GP(0).
var ErrInvalidValue = errors.New("invalid MSR value")

// ErrNotEmulated is returned for MSRs the store does not handle.
var ErrNotEmulated = errors.New("MSR not emulated")

// MSRStore holds the emulated, non-APIC MSRs of one virtual CPU. It is
// accessed only by the processor hosting the virtual CPU.
type MSRStore struct {
	apicBase    uint64
	efer        uint64
	tscDeadline uint64
	miscEnable  uint64
}

// NewMSRStore returns the reset state of a virtual CPU. The bootstrap
// processor gets the BSP flag in its APIC base.
func NewMSRStore(bsp bool) *MSRStore {
	s := &MSRStore{
		apicBase:   APICBaseDefault | APICBaseEnable | APICBaseX2APIC,
		efer:       EFERSCE | EFERLME | EFERLMA | EFERNXE,
		miscEnable: miscEnableFastStrings,
	}
	if bsp {
		s.apicBase |= APICBaseBSP
	}
	return s
}

// Read returns the value of msr.
func (s *MSRStore) Read(msr uint32) (uint64, error) {
	switch msr {
	case MSRAPICBase:
		return s.apicBase, nil
	case MSREFER:
		return s.efer, nil
	case MSRTSCDeadline:
		return s.tscDeadline, nil
	case MSRMiscEnable:
		return s.miscEnable, nil
	case MSRPlatformID, MSRMTRRCap:
		return 0, nil
	default:
		return 0, fmt.Errorf("read %#x: %w", msr, ErrNotEmulated)
	}
}

// Write sets msr to v.
func (s *MSRStore) Write(msr uint32, v uint64) error {
	switch msr {
	case MSRAPICBase:
		// The local APIC stays in x2APIC mode at its fixed base; only
		// the BSP flag is guest-visible state and it is read-only.
		if v&^APICBaseBSP != s.apicBase&^APICBaseBSP {
			return fmt.Errorf("write %#x to IA32_APIC_BASE: %w", v, ErrInvalidValue)
		}
		return nil
	case MSREFER:
		if v&^eferAllowed != 0 || v&EFERLME == 0 {
			return fmt.Errorf("write %#x to IA32_EFER: %w", v, ErrInvalidValue)
		}
		s.efer = v
		return nil
	case MSRTSCDeadline:
		s.tscDeadline = v
		return nil
	case MSRMiscEnable:
		if v != s.miscEnable {
			return fmt.Errorf("write %#x to IA32_MISC_ENABLE: %w", v, ErrInvalidValue)
		}
		return nil
	case MSRPlatformID, MSRMTRRCap:
		return fmt.Errorf("write to read-only %#x: %w", msr, ErrInvalidValue)
	default:
		return fmt.Errorf("write %#x: %w", msr, ErrNotEmulated)
	}
}

// TSCDeadline returns the armed timer deadline, or zero.
func (s *MSRStore) TSCDeadline() uint64 {
	return s.tscDeadline
}
