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

// Package cpuid provides the CPU identification table presented to guests.
//
// Guests never observe raw hardware identification. Every CPUID exit is
// answered from a Function, normally a Static table seeded from the host and
// passed through Virtualize. Leaves absent from the table read as all zeros.
package cpuid

import (
	"fmt"
	"sort"
)

// cpuidFunction is a useful type wrapper.
type cpuidFunction uint32

// The "standard" functions used here.
const (
	vendorID                      cpuidFunction = 0x0 // Returns vendor ID and largest standard function.
	featureInfo                   cpuidFunction = 0x1 // Returns basic feature bits and processor signature.
	intelCacheDescriptors         cpuidFunction = 0x2 // Returns list of cache descriptors. Intel only.
	intelDeterministicCacheParams cpuidFunction = 0x4 // Returns deterministic cache information. Intel only.
	monitorMwaitParams            cpuidFunction = 0x5 // Returns information about monitor/mwait instructions.
	powerParams                   cpuidFunction = 0x6 // Returns information about power management and thermal sensors.
	extendedFeatureInfo           cpuidFunction = 0x7 // Returns extended feature bits.
	intelPMCInfo                  cpuidFunction = 0xa // Returns information about performance monitoring features.
	intelX2APICInfo               cpuidFunction = 0xb // Returns core/logical processor topology.
	xSaveInfo                     cpuidFunction = 0xd // Returns information about extended state management.
	intelSGXInfo                  cpuidFunction = 0x12
	intelTDXInfo                  cpuidFunction = 0x21
)

// Hypervisor range.
const (
	hypervisorStart cpuidFunction = 0x40000000
	hypervisorLimit cpuidFunction = 0x400000ff
)

// The "extended" functions.
const (
	extendedStart         cpuidFunction = 0x80000000
	extendedFunctionInfo  cpuidFunction = extendedStart + 0 // Returns highest available extended function in eax.
	extendedFeatures      cpuidFunction = extendedStart + 1 // Returns some extended feature bits in edx and ecx.
	processorBrandString2 cpuidFunction = extendedStart + 2
	processorBrandString3 cpuidFunction = extendedStart + 3
	processorBrandString4 cpuidFunction = extendedStart + 4
	addressSizes          cpuidFunction = extendedStart + 8 // Physical and virtual address sizes.
)

// In is input to the Query function.
type In struct {
	Eax uint32
	Ecx uint32
}

// normalize drops irrelevant Ecx values.
func (i *In) normalize() {
	switch cpuidFunction(i.Eax) {
	case intelDeterministicCacheParams, extendedFeatureInfo, intelX2APICInfo, xSaveInfo, intelSGXInfo:
		// Preserve i.Ecx.
	default:
		i.Ecx = 0 // Ignore.
	}
}

// String implements fmt.Stringer.
func (i In) String() string {
	return fmt.Sprintf("%#x.%#x", i.Eax, i.Ecx)
}

// Out is output from the Query function.
type Out struct {
	Eax uint32
	Ebx uint32
	Ecx uint32
	Edx uint32
}

// Function executes a CPUID function.
//
// This is typically a Static definition.
type Function interface {
	Query(In) Out
}

// Static is a static CPUID function.
type Static map[In]Out

// Query implements Function.Query. Unknown leaves return all zeros.
func (s Static) Query(in In) Out {
	in.normalize()
	return s[in]
}

// Lookup returns the output for in and whether the table defines it.
func (s Static) Lookup(in In) (Out, bool) {
	in.normalize()
	out, ok := s[in]
	return out, ok
}

// Set sets the output for in.
func (s Static) Set(in In, out Out) {
	in.normalize()
	s[in] = out
}

// Delete removes in from the table.
func (s Static) Delete(in In) {
	in.normalize()
	delete(s, in)
}

// Clone returns a copy of s.
func (s Static) Clone() Static {
	ns := make(Static, len(s))
	for k, v := range s {
		ns[k] = v
	}
	return ns
}

// Inputs returns the defined inputs in ascending order.
func (s Static) Inputs() []In {
	ins := make([]In, 0, len(s))
	for in := range s {
		ins = append(ins, in)
	}
	sort.Slice(ins, func(i, j int) bool {
		if ins[i].Eax != ins[j].Eax {
			return ins[i].Eax < ins[j].Eax
		}
		return ins[i].Ecx < ins[j].Ecx
	})
	return ins
}

// Add adds a feature.
func (s Static) Add(feature Feature) Static {
	feature.set(s, true)
	return s
}

// Remove removes a feature.
func (s Static) Remove(feature Feature) Static {
	feature.set(s, false)
	return s
}

// Has returns true iff the feature bit is set.
func (s Static) Has(feature Feature) bool {
	return feature.check(s)
}

// VendorID is the 12-char string returned in ebx:edx:ecx for eax=0.
func (s Static) VendorID() string {
	out := s.Query(In{Eax: uint32(vendorID)})
	var r [12]byte
	for i := uint(0); i < 4; i++ {
		r[i] = byte(out.Ebx >> (i * 8))
		r[4+i] = byte(out.Edx >> (i * 8))
		r[8+i] = byte(out.Ecx >> (i * 8))
	}
	return string(r[:])
}

// regsFromString packs a 12-byte signature into ebx, ecx, edx.
func regsFromString(sig string) (bx, cx, dx uint32) {
	var r [12]byte
	copy(r[:], sig)
	for i := uint(0); i < 4; i++ {
		bx |= uint32(r[i]) << (i * 8)
		cx |= uint32(r[4+i]) << (i * 8)
		dx |= uint32(r[8+i]) << (i * 8)
	}
	return
}

// maxLeaves recomputes the maximum standard and extended leaves.
func (s Static) maxLeaves() {
	var maxBasic, maxExt uint32
	for in := range s {
		switch {
		case in.Eax >= uint32(extendedStart):
			if in.Eax > maxExt {
				maxExt = in.Eax
			}
		case in.Eax < uint32(hypervisorStart):
			if in.Eax > maxBasic {
				maxBasic = in.Eax
			}
		}
	}
	in := In{Eax: uint32(vendorID)}
	out := s[in]
	out.Eax = maxBasic
	s[in] = out
	if maxExt != 0 {
		in := In{Eax: uint32(extendedFunctionInfo)}
		out := s[in]
		out.Eax = maxExt
		s[in] = out
	}
}
