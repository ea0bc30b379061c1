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

import "fmt"

// register is a CPUID output register.
type register int

const (
	regEax register = iota
	regEbx
	regEcx
	regEdx
)

// Feature is a single CPUID feature bit.
type Feature struct {
	fn    cpuidFunction
	sub   uint32
	reg   register
	bit   uint
	name  string
	block bool
}

// Features used by this package. The block flag marks features that are
// never exposed to guests.
var (
	X86FeatureSSE3       = Feature{fn: featureInfo, reg: regEcx, bit: 0, name: "sse3"}
	X86FeaturePCLMULDQ   = Feature{fn: featureInfo, reg: regEcx, bit: 1, name: "pclmulqdq"}
	X86FeatureMONITOR    = Feature{fn: featureInfo, reg: regEcx, bit: 3, name: "monitor", block: true}
	X86FeatureVMX        = Feature{fn: featureInfo, reg: regEcx, bit: 5, name: "vmx", block: true}
	X86FeatureSMX        = Feature{fn: featureInfo, reg: regEcx, bit: 6, name: "smx", block: true}
	X86FeatureSSSE3      = Feature{fn: featureInfo, reg: regEcx, bit: 9, name: "ssse3"}
	X86FeatureFMA        = Feature{fn: featureInfo, reg: regEcx, bit: 12, name: "fma"}
	X86FeaturePDCM       = Feature{fn: featureInfo, reg: regEcx, bit: 15, name: "pdcm", block: true}
	X86FeaturePCID       = Feature{fn: featureInfo, reg: regEcx, bit: 17, name: "pcid"}
	X86FeatureSSE4_1     = Feature{fn: featureInfo, reg: regEcx, bit: 19, name: "sse4_1"}
	X86FeatureSSE4_2     = Feature{fn: featureInfo, reg: regEcx, bit: 20, name: "sse4_2"}
	X86FeatureX2APIC     = Feature{fn: featureInfo, reg: regEcx, bit: 21, name: "x2apic"}
	X86FeaturePOPCNT     = Feature{fn: featureInfo, reg: regEcx, bit: 23, name: "popcnt"}
	X86FeatureTSCD       = Feature{fn: featureInfo, reg: regEcx, bit: 24, name: "tsc_deadline_timer"}
	X86FeatureAES        = Feature{fn: featureInfo, reg: regEcx, bit: 25, name: "aes"}
	X86FeatureXSAVE      = Feature{fn: featureInfo, reg: regEcx, bit: 26, name: "xsave"}
	X86FeatureOSXSAVE    = Feature{fn: featureInfo, reg: regEcx, bit: 27, name: "osxsave"}
	X86FeatureAVX        = Feature{fn: featureInfo, reg: regEcx, bit: 28, name: "avx"}
	X86FeatureRDRAND     = Feature{fn: featureInfo, reg: regEcx, bit: 30, name: "rdrand"}
	X86FeatureHypervisor = Feature{fn: featureInfo, reg: regEcx, bit: 31, name: "hypervisor"}
	X86FeatureFPU        = Feature{fn: featureInfo, reg: regEdx, bit: 0, name: "fpu"}
	X86FeatureTSC        = Feature{fn: featureInfo, reg: regEdx, bit: 4, name: "tsc"}
	X86FeatureMSR        = Feature{fn: featureInfo, reg: regEdx, bit: 5, name: "msr"}
	X86FeaturePAE        = Feature{fn: featureInfo, reg: regEdx, bit: 6, name: "pae"}
	X86FeatureAPIC       = Feature{fn: featureInfo, reg: regEdx, bit: 9, name: "apic"}
	X86FeatureMTRR       = Feature{fn: featureInfo, reg: regEdx, bit: 12, name: "mtrr", block: true}
	X86FeatureSSE        = Feature{fn: featureInfo, reg: regEdx, bit: 25, name: "sse"}
	X86FeatureSSE2       = Feature{fn: featureInfo, reg: regEdx, bit: 26, name: "sse2"}
	X86FeatureSGX        = Feature{fn: extendedFeatureInfo, reg: regEbx, bit: 2, name: "sgx", block: true}
	X86FeatureBMI1       = Feature{fn: extendedFeatureInfo, reg: regEbx, bit: 3, name: "bmi1"}
	X86FeatureHLE        = Feature{fn: extendedFeatureInfo, reg: regEbx, bit: 4, name: "hle", block: true}
	X86FeatureAVX2       = Feature{fn: extendedFeatureInfo, reg: regEbx, bit: 5, name: "avx2"}
	X86FeatureSMEP       = Feature{fn: extendedFeatureInfo, reg: regEbx, bit: 7, name: "smep"}
	X86FeatureBMI2       = Feature{fn: extendedFeatureInfo, reg: regEbx, bit: 8, name: "bmi2"}
	X86FeatureERMS       = Feature{fn: extendedFeatureInfo, reg: regEbx, bit: 9, name: "erms"}
	X86FeatureRTM        = Feature{fn: extendedFeatureInfo, reg: regEbx, bit: 11, name: "rtm", block: true}
	X86FeatureAVX512F    = Feature{fn: extendedFeatureInfo, reg: regEbx, bit: 16, name: "avx512f"}
	X86FeatureRDSEED     = Feature{fn: extendedFeatureInfo, reg: regEbx, bit: 18, name: "rdseed"}
	X86FeatureADX        = Feature{fn: extendedFeatureInfo, reg: regEbx, bit: 19, name: "adx"}
	X86FeatureSMAP       = Feature{fn: extendedFeatureInfo, reg: regEbx, bit: 20, name: "smap"}
	X86FeatureWAITPKG    = Feature{fn: extendedFeatureInfo, reg: regEcx, bit: 5, name: "waitpkg", block: true}
	X86FeatureLA57       = Feature{fn: extendedFeatureInfo, reg: regEcx, bit: 16, name: "la57"}
	X86FeatureSYSCALL    = Feature{fn: extendedFeatures, reg: regEdx, bit: 11, name: "syscall"}
	X86FeatureNX         = Feature{fn: extendedFeatures, reg: regEdx, bit: 20, name: "nx"}
	X86FeatureLM         = Feature{fn: extendedFeatures, reg: regEdx, bit: 29, name: "lm"}
)

// allFeatures is the set of known features.
var allFeatures = []Feature{
	X86FeatureSSE3, X86FeaturePCLMULDQ, X86FeatureMONITOR, X86FeatureVMX, X86FeatureSMX,
	X86FeatureSSSE3, X86FeatureFMA, X86FeaturePDCM, X86FeaturePCID, X86FeatureSSE4_1,
	X86FeatureSSE4_2, X86FeatureX2APIC, X86FeaturePOPCNT, X86FeatureTSCD, X86FeatureAES,
	X86FeatureXSAVE, X86FeatureOSXSAVE, X86FeatureAVX, X86FeatureRDRAND, X86FeatureHypervisor,
	X86FeatureFPU, X86FeatureTSC, X86FeatureMSR, X86FeaturePAE, X86FeatureAPIC, X86FeatureMTRR,
	X86FeatureSSE, X86FeatureSSE2, X86FeatureSGX, X86FeatureBMI1, X86FeatureHLE, X86FeatureAVX2,
	X86FeatureSMEP, X86FeatureBMI2, X86FeatureERMS, X86FeatureRTM, X86FeatureAVX512F,
	X86FeatureRDSEED, X86FeatureADX, X86FeatureSMAP, X86FeatureWAITPKG, X86FeatureLA57,
	X86FeatureSYSCALL, X86FeatureNX, X86FeatureLM,
}

// FeatureFromString returns the feature with the given name.
func FeatureFromString(name string) (Feature, bool) {
	for _, f := range allFeatures {
		if f.name == name {
			return f, true
		}
	}
	return Feature{}, false
}

// String implements fmt.Stringer.
func (f Feature) String() string {
	if f.name != "" {
		return f.name
	}
	return fmt.Sprintf("cpuid(%#x).%d[%d]", uint32(f.fn), f.reg, f.bit)
}

// Blocked returns true for features never exposed to guests.
func (f Feature) Blocked() bool {
	return f.block
}

func (f Feature) reference(out *Out) *uint32 {
	switch f.reg {
	case regEax:
		return &out.Eax
	case regEbx:
		return &out.Ebx
	case regEcx:
		return &out.Ecx
	default:
		return &out.Edx
	}
}

func (f Feature) set(s Static, v bool) {
	in := In{Eax: uint32(f.fn), Ecx: f.sub}
	out := s[in]
	r := f.reference(&out)
	if v {
		*r |= 1 << f.bit
	} else {
		*r &^= 1 << f.bit
	}
	s[in] = out
}

func (f Feature) check(fn Function) bool {
	out := fn.Query(In{Eax: uint32(f.fn), Ecx: f.sub})
	return *f.reference(&out)&(1<<f.bit) != 0
}
