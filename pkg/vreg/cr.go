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

	"gvisor.dev/tdvisor/pkg/vmcs"
)

// CR0 bits.
const (
	CR0PE = 1 << 0
	CR0MP = 1 << 1
	CR0EM = 1 << 2
	CR0TS = 1 << 3
	CR0ET = 1 << 4
	CR0NE = 1 << 5
	CR0WP = 1 << 16
	CR0AM = 1 << 18
	CR0NW = 1 << 29
	CR0CD = 1 << 30
	CR0PG = 1 << 31
)

// CR4 bits.
const (
	CR4VME        = 1 << 0
	CR4PVI        = 1 << 1
	CR4TSD        = 1 << 2
	CR4DE         = 1 << 3
	CR4PSE        = 1 << 4
	CR4PAE        = 1 << 5
	CR4MCE        = 1 << 6
	CR4PGE        = 1 << 7
	CR4PCE        = 1 << 8
	CR4OSFXSR     = 1 << 9
	CR4OSXMMEXCPT = 1 << 10
	CR4UMIP       = 1 << 11
	CR4LA57       = 1 << 12
	CR4VMXE       = 1 << 13
	CR4SMXE       = 1 << 14
	CR4FSGSBASE   = 1 << 16
	CR4PCIDE      = 1 << 17
	CR4OSXSAVE    = 1 << 18
	CR4SMEP       = 1 << 20
	CR4SMAP       = 1 << 21
	CR4PKE        = 1 << 22
)

const (
	cr0Defined = CR0PE | CR0MP | CR0EM | CR0TS | CR0ET | CR0NE | CR0WP | CR0AM | CR0NW | CR0CD | CR0PG

	cr4Defined = CR4VME | CR4PVI | CR4TSD | CR4DE | CR4PSE | CR4PAE | CR4MCE | CR4PGE |
		CR4PCE | CR4OSFXSR | CR4OSXMMEXCPT | CR4UMIP | CR4LA57 | CR4VMXE | CR4SMXE |
		CR4FSGSBASE | CR4PCIDE | CR4OSXSAVE | CR4SMEP | CR4PKE | CR4SMAP

	// CR0HostOwned are the CR0 bits whose guest writes exit.
	CR0HostOwned = CR0NE | CR0NW | CR0CD | CR0PG | CR0PE

	// CR4HostOwned are the CR4 bits whose guest writes exit.
	CR4HostOwned = CR4VMXE | CR4SMXE | CR4MCE | CR4PAE | CR4LA57

	// cr0Forced are always set in the hardware value.
	cr0Forced = CR0NE

	// cr4Forced are always set in the hardware value.
	cr4Forced = CR4MCE
)

// ErrInvalidCR is returned for control register writes that fault in the
// guest with #GP(0).
var ErrInvalidCR = errors.New("invalid control register value")

// CRValue is the result of a virtualized control register write: the value
// loaded into hardware and the value the guest reads back.
type CRValue struct {
	Hardware uint64
	Shadow   uint64
}

// WriteCR0 validates a guest write of v to CR0.
func WriteCR0(v uint64) (CRValue, error) {
	switch {
	case v&^cr0Defined != 0:
		return CRValue{}, fmt.Errorf("CR0 %#x sets reserved bits: %w", v, ErrInvalidCR)
	case v&CR0PG != 0 && v&CR0PE == 0:
		return CRValue{}, fmt.Errorf("CR0 %#x sets PG without PE: %w", v, ErrInvalidCR)
	case v&CR0NW != 0 && v&CR0CD == 0:
		return CRValue{}, fmt.Errorf("CR0 %#x sets NW without CD: %w", v, ErrInvalidCR)
	case v&CR0PG == 0:
		// Leaving long mode is not supported.
		return CRValue{}, fmt.Errorf("CR0 %#x clears PG: %w", v, ErrInvalidCR)
	}
	// Caching stays enabled in hardware whatever the guest asks for.
	return CRValue{Hardware: v&^(CR0CD|CR0NW) | cr0Forced, Shadow: v}, nil
}

// WriteCR4 validates a guest write of v to CR4.
func WriteCR4(v uint64) (CRValue, error) {
	switch {
	case v&^cr4Defined != 0:
		return CRValue{}, fmt.Errorf("CR4 %#x sets reserved bits: %w", v, ErrInvalidCR)
	case v&(CR4VMXE|CR4SMXE) != 0:
		return CRValue{}, fmt.Errorf("CR4 %#x enables VMX or SMX: %w", v, ErrInvalidCR)
	case v&CR4PAE == 0:
		return CRValue{}, fmt.Errorf("CR4 %#x clears PAE: %w", v, ErrInvalidCR)
	}
	return CRValue{Hardware: v | cr4Forced, Shadow: v}, nil
}

// CR8 is the architectural alias of the task priority: CR8[3:0] holds
// TPR[7:4].

// CR8ToTPR converts a CR8 value to a task priority register value.
func CR8ToTPR(cr8 uint64) (uint8, error) {
	if cr8&^0xf != 0 {
		return 0, fmt.Errorf("CR8 %#x sets reserved bits: %w", cr8, ErrInvalidCR)
	}
	return uint8(cr8 << 4), nil
}

// TPRToCR8 converts a task priority register value to CR8.
func TPRToCR8(tpr uint8) uint64 {
	return uint64(tpr >> 4)
}

// Initial guest control register values.
const (
	InitialCR0 = CR0PE | CR0MP | CR0ET | CR0NE | CR0WP | CR0AM | CR0PG
	InitialCR4 = CR4PAE | CR4MCE | CR4PGE | CR4OSFXSR | CR4OSXMMEXCPT | CR4OSXSAVE
)

// InitCRs programs the control register masks, read shadows and initial
// guest values into a control structure.
func InitCRs(a *vmcs.Accessor) error {
	cr0, err := WriteCR0(InitialCR0)
	if err != nil {
		return err
	}
	cr4, err := WriteCR4(InitialCR4)
	if err != nil {
		return err
	}
	for _, w := range []struct {
		f vmcs.Field
		v uint64
	}{
		{vmcs.CR0GuestHostMask, CR0HostOwned},
		{vmcs.CR4GuestHostMask, CR4HostOwned},
		{vmcs.CR0ReadShadow, cr0.Shadow},
		{vmcs.CR4ReadShadow, cr4.Shadow},
		{vmcs.GuestCR0, cr0.Hardware},
		{vmcs.GuestCR4, cr4.Hardware},
	} {
		if err := a.Write(w.f, w.v); err != nil {
			return fmt.Errorf("initializing control registers: %w", err)
		}
	}
	return nil
}

// ApplyCR writes a validated value for control register n (0 or 4) to the
// control structure.
func ApplyCR(a *vmcs.Accessor, n int, v CRValue) error {
	var hw, shadow vmcs.Field
	switch n {
	case 0:
		hw, shadow = vmcs.GuestCR0, vmcs.CR0ReadShadow
	case 4:
		hw, shadow = vmcs.GuestCR4, vmcs.CR4ReadShadow
	default:
		return fmt.Errorf("CR%d is not shadowed", n)
	}
	if err := a.Write(hw, v.Hardware); err != nil {
		return err
	}
	return a.Write(shadow, v.Shadow)
}
