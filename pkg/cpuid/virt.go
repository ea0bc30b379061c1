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

package cpuid

// HypervisorSignature is reported in leaf 0x40000000.
const HypervisorSignature = "TDVisorTDVis"

// allowedLeaves are the inputs copied from the source table. Everything
// else, including the trust domain enumeration leaf, is dropped.
var allowedLeaves = []In{
	{Eax: uint32(vendorID)},
	{Eax: uint32(featureInfo)},
	{Eax: uint32(intelDeterministicCacheParams), Ecx: 0},
	{Eax: uint32(intelDeterministicCacheParams), Ecx: 1},
	{Eax: uint32(intelDeterministicCacheParams), Ecx: 2},
	{Eax: uint32(intelDeterministicCacheParams), Ecx: 3},
	{Eax: uint32(extendedFeatureInfo)},
	{Eax: uint32(xSaveInfo), Ecx: 0},
	{Eax: uint32(xSaveInfo), Ecx: 1},
	{Eax: uint32(extendedFunctionInfo)},
	{Eax: uint32(extendedFeatures)},
	{Eax: uint32(processorBrandString2)},
	{Eax: uint32(processorBrandString3)},
	{Eax: uint32(processorBrandString4)},
	{Eax: uint32(addressSizes)},
}

// VirtOptions controls Virtualize.
type VirtOptions struct {
	// PhysAddrBits, if non-zero, overrides the guest physical address
	// width.
	PhysAddrBits uint8

	// Expose lists blocked features that are exposed anyway.
	Expose []Feature
}

// Virtualize derives the guest table from src: only allowed leaves are
// kept, blocked features are cleared, and the hypervisor and x2APIC bits
// and the hypervisor leaves are added.
func Virtualize(src Function, opts VirtOptions) Static {
	s := make(Static)
	for _, in := range allowedLeaves {
		out := src.Query(in)
		if out == (Out{}) {
			continue
		}
		s[in] = out
	}
	for _, f := range allFeatures {
		if f.block {
			f.set(s, false)
		}
	}
	for _, f := range opts.Expose {
		f.set(s, true)
	}
	s.Add(X86FeatureHypervisor)
	s.Add(X86FeatureX2APIC)

	// Leaf 1 ebx carries per-processor topology; it is filled in by
	// ForVCPU.
	in := In{Eax: uint32(featureInfo)}
	out := s[in]
	out.Ebx = 0
	s[in] = out

	if opts.PhysAddrBits != 0 {
		in := In{Eax: uint32(addressSizes)}
		out := s[in]
		out.Eax = out.Eax&^0xff | uint32(opts.PhysAddrBits)
		s[in] = out
	}

	bx, cx, dx := regsFromString(HypervisorSignature)
	s[In{Eax: uint32(hypervisorStart)}] = Out{Eax: uint32(hypervisorStart) + 1, Ebx: bx, Ecx: cx, Edx: dx}
	s[In{Eax: uint32(hypervisorStart) + 1}] = Out{}

	s.maxLeaves()
	return s
}

// ForVCPU returns a copy of s specialized for the virtual CPU with the
// given APIC ID.
func (s Static) ForVCPU(apicID uint32) Static {
	ns := s.Clone()
	in := In{Eax: uint32(featureInfo)}
	out := ns[in]
	out.Ebx = out.Ebx&0x00ffffff | (apicID&0xff)<<24
	ns[in] = out
	// The x2APIC topology leaf reports the full ID in edx of every
	// subleaf.
	for _, sub := range []uint32{0, 1} {
		in := In{Eax: uint32(intelX2APICInfo), Ecx: sub}
		out := ns[in]
		out.Edx = apicID
		ns[in] = out
	}
	ns.maxLeaves()
	return ns
}

// InHypervisorRange returns true iff leaf is a hypervisor leaf.
func InHypervisorRange(leaf uint32) bool {
	return leaf >= uint32(hypervisorStart) && leaf <= uint32(hypervisorLimit)
}
