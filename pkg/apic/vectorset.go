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

// Package apic implements the virtual interrupt controller: a local APIC per
// virtual CPU with its x2APIC register interface, a shared I/O APIC, and the
// posted-interrupt doorbell used to raise interrupts from other processors.
package apic

import "math/bits"

// NumVectors is the number of interrupt vectors.
const NumVectors = 256

// VectorSet is a 256-bit set with one bit per vector.
type VectorSet [NumVectors / 64]uint64

// Add adds v to the set.
func (s *VectorSet) Add(v uint8) {
	s[v/64] |= 1 << (v % 64)
}

// Remove removes v from the set.
func (s *VectorSet) Remove(v uint8) {
	s[v/64] &^= 1 << (v % 64)
}

// Has returns true iff v is in the set.
func (s *VectorSet) Has(v uint8) bool {
	return s[v/64]&(1<<(v%64)) != 0
}

// IsEmpty returns true iff the set is empty.
func (s *VectorSet) IsEmpty() bool {
	return s[0]|s[1]|s[2]|s[3] == 0
}

// Maximum returns the largest vector in the set.
func (s *VectorSet) Maximum() (uint8, bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if w := s[i]; w != 0 {
			r := bits.LeadingZeros64(w)
			return uint8(i*64 + 63 - r), true
		}
	}
	return 0, false
}

// Word32 returns bits [32*i, 32*i+32), the layout of the ISR, TMR and IRR
// register banks.
func (s *VectorSet) Word32(i int) uint32 {
	return uint32(s[i/2] >> (32 * (i % 2)))
}

// Vectors returns the members in ascending order.
func (s *VectorSet) Vectors() []uint8 {
	var vs []uint8
	for i, w := range s {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			vs = append(vs, uint8(i*64+b))
			w &^= 1 << b
		}
	}
	return vs
}

// PriorityClass returns the priority class of v. Higher classes take
// precedence; within a class the higher vector wins.
func PriorityClass(v uint8) uint8 {
	return v >> 4
}
