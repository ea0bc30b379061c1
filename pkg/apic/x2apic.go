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

package apic

import (
	"errors"
	"fmt"
)

// x2APIC MSR numbers.
const (
	MSRID      = 0x802
	MSRVersion = 0x803
	MSRTPR     = 0x808
	MSRPPR     = 0x80a
	MSREOI     = 0x80b
	MSRLDR     = 0x80d
	MSRSVR     = 0x80f
	MSRISR0    = 0x810
	MSRTMR0    = 0x818
	MSRIRR0    = 0x820
	MSRESR     = 0x828
	MSRLVTCMCI = 0x82f
	MSRICR     = 0x830
	MSRLVT0    = 0x832 // Timer.
	MSRLVTLast = 0x837 // Error.
	MSRTimerIC = 0x838
	MSRTimerCC = 0x839
	MSRTimerDC = 0x83e
	MSRSelfIPI = 0x83f

	MSRFirst = 0x800
	MSRLast  = 0x8ff
)

const (
	// version reports 7 LVT entries (max LVT index 6), EOI broadcast
	// suppression, version 0x15.
	version = 0x15 | 6<<16

	lvtCount  = MSRLVTLast - MSRLVT0 + 2 // Including CMCI.
	lvtMasked = 1 << 16

	esrSendIllegal    = 1 << 5
	esrReceiveIllegal = 1 << 6

	icrVectorMask       = 0xff
	icrDeliveryShift    = 8
	icrDeliveryMask     = 0x7
	icrShorthandShift   = 18
	icrShorthandMask    = 0x3
	icrDestinationShift = 32
	icrReservedMask     = 0xfff33000 // Bits 12, 13, 16, 17 and 20-31 of the low word.

	shorthandNone        = 0
	shorthandSelf        = 1
	shorthandAll         = 2
	shorthandAllButSelf  = 3
	deliveryFixed        = 0
	selfIPIVectorMask    = 0xff
	divideConfigWritable = 0xb
)

var (
	// ErrWriteOnly is returned when reading a write-only register.
	ErrWriteOnly = errors.New("x2APIC register is write-only")

	// ErrReadOnlyReg is returned when writing a read-only register.
	ErrReadOnlyReg = errors.New("x2APIC register is read-only")

	// ErrReservedBits is returned when a write sets reserved bits.
	ErrReservedBits = errors.New("x2APIC write sets reserved bits")

	// ErrUnknownRegister is returned for unimplemented registers.
	ErrUnknownRegister = errors.New("unknown x2APIC register")
)

// IsMSR returns true iff msr is in the x2APIC range.
func IsMSR(msr uint32) bool {
	return msr >= MSRFirst && msr <= MSRLast
}

// lvtIndex maps an LVT MSR to its slot.
func lvtIndex(msr uint32) (int, bool) {
	switch {
	case msr == MSRLVTCMCI:
		return lvtCount - 1, true
	case msr >= MSRLVT0 && msr <= MSRLVTLast:
		return int(msr - MSRLVT0), true
	default:
		return 0, false
	}
}

// ReadMSR reads an x2APIC register. Any error is a #GP in the guest.
func (l *LAPIC) ReadMSR(msr uint32) (uint64, error) {
	if i, ok := lvtIndex(msr); ok {
		return uint64(l.lvt[i]), nil
	}
	switch {
	case msr == MSRID:
		return uint64(l.id), nil
	case msr == MSRVersion:
		return version, nil
	case msr == MSRTPR:
		return uint64(l.tpr), nil
	case msr == MSRPPR:
		return uint64(l.PPR()), nil
	case msr == MSRLDR:
		// Cluster ID in 31:16, one-hot position in 15:0.
		return uint64((l.id>>4)<<16 | 1<<(l.id&0xf)), nil
	case msr == MSRSVR:
		return uint64(l.svr), nil
	case msr >= MSRISR0 && msr < MSRISR0+8:
		return uint64(l.isr.Word32(int(msr - MSRISR0))), nil
	case msr >= MSRTMR0 && msr < MSRTMR0+8:
		return uint64(l.tmr.Word32(int(msr - MSRTMR0))), nil
	case msr >= MSRIRR0 && msr < MSRIRR0+8:
		return uint64(l.irr.Word32(int(msr - MSRIRR0))), nil
	case msr == MSRESR:
		return uint64(l.esr), nil
	case msr == MSRICR:
		return l.icr, nil
	case msr == MSRTimerIC:
		return uint64(l.timerInitial), nil
	case msr == MSRTimerCC:
		// The timer is not emulated; it never counts.
		return 0, nil
	case msr == MSRTimerDC:
		return uint64(l.timerDivide), nil
	case msr == MSREOI, msr == MSRSelfIPI:
		return 0, fmt.Errorf("%#x: %w", msr, ErrWriteOnly)
	default:
		return 0, fmt.Errorf("%#x: %w", msr, ErrUnknownRegister)
	}
}

// WriteMSR writes an x2APIC register. Any error is a #GP in the guest.
func (l *LAPIC) WriteMSR(msr uint32, v uint64) error {
	if i, ok := lvtIndex(msr); ok {
		if v>>32 != 0 {
			return fmt.Errorf("%#x: %w", msr, ErrReservedBits)
		}
		l.lvt[i] = uint32(v)
		if !l.Enabled() {
			l.lvt[i] |= lvtMasked
		}
		return nil
	}
	switch msr {
	case MSRTPR:
		if v&^0xff != 0 {
			return fmt.Errorf("TPR %#x: %w", v, ErrReservedBits)
		}
		l.SetTPR(uint8(v))
	case MSREOI:
		if v != 0 {
			return fmt.Errorf("EOI %#x: %w", v, ErrReservedBits)
		}
		l.EOI()
	case MSRSVR:
		if v&^svrWritableMask != 0 {
			return fmt.Errorf("SVR %#x: %w", v, ErrReservedBits)
		}
		l.svr = uint32(v)
		if !l.Enabled() {
			for i := range l.lvt {
				l.lvt[i] |= lvtMasked
			}
		}
	case MSRESR:
		if v != 0 {
			return fmt.Errorf("ESR %#x: %w", v, ErrReservedBits)
		}
		l.esr = 0
	case MSRICR:
		return l.writeICR(v)
	case MSRTimerIC:
		l.timerInitial = uint32(v)
	case MSRTimerDC:
		l.timerDivide = uint32(v) & divideConfigWritable
	case MSRSelfIPI:
		if v&^selfIPIVectorMask != 0 {
			return fmt.Errorf("SELF IPI %#x: %w", v, ErrReservedBits)
		}
		_, err := l.Raise(uint8(v))
		return err
	case MSRID, MSRVersion, MSRPPR, MSRLDR, MSRTimerCC:
		return fmt.Errorf("%#x: %w", msr, ErrReadOnlyReg)
	default:
		if msr >= MSRISR0 && msr < MSRIRR0+8 {
			return fmt.Errorf("%#x: %w", msr, ErrReadOnlyReg)
		}
		return fmt.Errorf("%#x: %w", msr, ErrUnknownRegister)
	}
	return nil
}

// writeICR sends an interrupt as described by the interrupt command.
func (l *LAPIC) writeICR(v uint64) error {
	if uint32(v)&icrReservedMask != 0 {
		return fmt.Errorf("ICR %#x: %w", v, ErrReservedBits)
	}
	l.icr = v
	vector := uint8(v & icrVectorMask)
	if mode := (v >> icrDeliveryShift) & icrDeliveryMask; mode != deliveryFixed {
		// Only fixed delivery is emulated; INIT/SIPI are owned by
		// bring-up.
		return fmt.Errorf("ICR delivery mode %d unsupported: %w", mode, ErrReservedBits)
	}
	dest := uint32(v >> icrDestinationShift)
	switch (v >> icrShorthandShift) & icrShorthandMask {
	case shorthandSelf:
		return l.SendIPI(l.id, vector)
	case shorthandAll:
		if err := l.SendIPI(l.id, vector); err != nil {
			return err
		}
		return l.broadcast(vector)
	case shorthandAllButSelf:
		return l.broadcast(vector)
	default:
		return l.SendIPI(dest, vector)
	}
}

func (l *LAPIC) broadcast(v uint8) error {
	if v < FirstValidVector {
		l.esr |= esrSendIllegal
		return fmt.Errorf("IPI vector %d: %w", v, ErrIllegalVector)
	}
	if l.bus == nil {
		return nil
	}
	for _, d := range l.bus.targets(BroadcastID, DestPhysical) {
		if d != l.doorbell {
			d.Post(v, false)
		}
	}
	return nil
}
