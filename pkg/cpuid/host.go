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

import (
	"sync"

	"golang.org/x/sys/cpu"
)

// Defaults for values the host does not report.
const (
	defaultVendorID  = "GenuineIntel"
	defaultSignature = 0x000806f8 // Family 6, model 0x8f.
	defaultPhysBits  = 52
	defaultVirtBits  = 48
)

// HostFlags are the host feature flags used to seed a table.
type HostFlags struct {
	SSE2, SSE3, SSSE3, SSE41, SSE42 bool
	AES, PCLMULQDQ, POPCNT, FMA     bool
	AVX, AVX2, AVX512F, OSXSAVE     bool
	BMI1, BMI2, ADX, ERMS           bool
	RDRAND, RDSEED                  bool
}

// DetectHost returns the flags reported by golang.org/x/sys/cpu.
func DetectHost() HostFlags {
	return HostFlags{
		SSE2:      cpu.X86.HasSSE2,
		SSE3:      cpu.X86.HasSSE3,
		SSSE3:     cpu.X86.HasSSSE3,
		SSE41:     cpu.X86.HasSSE41,
		SSE42:     cpu.X86.HasSSE42,
		AES:       cpu.X86.HasAES,
		PCLMULQDQ: cpu.X86.HasPCLMULQDQ,
		POPCNT:    cpu.X86.HasPOPCNT,
		FMA:       cpu.X86.HasFMA,
		AVX:       cpu.X86.HasAVX,
		AVX2:      cpu.X86.HasAVX2,
		AVX512F:   cpu.X86.HasAVX512F,
		OSXSAVE:   cpu.X86.HasOSXSAVE,
		BMI1:      cpu.X86.HasBMI1,
		BMI2:      cpu.X86.HasBMI2,
		ADX:       cpu.X86.HasADX,
		ERMS:      cpu.X86.HasERMS,
		RDRAND:    cpu.X86.HasRDRAND,
		RDSEED:    cpu.X86.HasRDSEED,
	}
}

var (
	hostOnce   sync.Once
	hostStatic Static
)

// HostStatic returns a table describing the host processor. The result is
// shared and must not be modified; use Clone.
func HostStatic() Static {
	hostOnce.Do(func() {
		hostStatic = FromFlags(DetectHost())
	})
	return hostStatic
}

// FromFlags builds a table from the given flags. Features every 64-bit
// processor has are always present.
func FromFlags(h HostFlags) Static {
	s := make(Static)
	bx, cx, dx := regsFromString(defaultVendorID)
	s[In{Eax: uint32(vendorID)}] = Out{Ebx: bx, Ecx: cx, Edx: dx}
	s[In{Eax: uint32(featureInfo)}] = Out{Eax: defaultSignature}
	s[In{Eax: uint32(extendedFeatureInfo)}] = Out{}
	s[In{Eax: uint32(extendedFeatures)}] = Out{}
	s[In{Eax: uint32(addressSizes)}] = Out{Eax: defaultPhysBits | defaultVirtBits<<8}

	for _, f := range []Feature{
		X86FeatureFPU, X86FeatureTSC, X86FeatureMSR, X86FeaturePAE, X86FeatureAPIC,
		X86FeatureSSE, X86FeatureSYSCALL, X86FeatureNX, X86FeatureLM,
	} {
		s.Add(f)
	}
	for f, ok := range map[Feature]bool{
		X86FeatureSSE2:     h.SSE2,
		X86FeatureSSE3:     h.SSE3,
		X86FeatureSSSE3:    h.SSSE3,
		X86FeatureSSE4_1:   h.SSE41,
		X86FeatureSSE4_2:   h.SSE42,
		X86FeatureAES:      h.AES,
		X86FeaturePCLMULDQ: h.PCLMULQDQ,
		X86FeaturePOPCNT:   h.POPCNT,
		X86FeatureFMA:      h.FMA,
		X86FeatureAVX:      h.AVX,
		X86FeatureAVX2:     h.AVX2,
		X86FeatureAVX512F:  h.AVX512F,
		X86FeatureXSAVE:    h.OSXSAVE,
		X86FeatureOSXSAVE:  h.OSXSAVE,
		X86FeatureBMI1:     h.BMI1,
		X86FeatureBMI2:     h.BMI2,
		X86FeatureADX:      h.ADX,
		X86FeatureERMS:     h.ERMS,
		X86FeatureRDRAND:   h.RDRAND,
		X86FeatureRDSEED:   h.RDSEED,
	} {
		if ok {
			s.Add(f)
		}
	}
	s.maxLeaves()
	return s
}
