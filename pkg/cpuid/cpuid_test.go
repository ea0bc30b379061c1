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
	"testing"

	"github.com/google/go-cmp/cmp"
)

var allFlags = HostFlags{
	SSE2: true, SSE3: true, SSSE3: true, SSE41: true, SSE42: true,
	AES: true, PCLMULQDQ: true, POPCNT: true, FMA: true,
	AVX: true, AVX2: true, AVX512F: true, OSXSAVE: true,
	BMI1: true, BMI2: true, ADX: true, ERMS: true,
	RDRAND: true, RDSEED: true,
}

func TestUnknownLeafIsZero(t *testing.T) {
	s := Virtualize(FromFlags(allFlags), VirtOptions{})
	for _, in := range []In{
		{Eax: 0x1f},
		{Eax: uint32(intelTDXInfo)},
		{Eax: uint32(intelSGXInfo)},
		{Eax: 0x8000001f},
		{Eax: 0xdeadbeef, Ecx: 3},
	} {
		if got := s.Query(in); got != (Out{}) {
			t.Errorf("Query(%v): got %+v, want zero", in, got)
		}
	}
}

func TestNormalize(t *testing.T) {
	s := make(Static)
	s.Set(In{Eax: uint32(featureInfo), Ecx: 7}, Out{Eax: 1})
	if got := s.Query(In{Eax: uint32(featureInfo), Ecx: 3}); got.Eax != 1 {
		t.Errorf("subleaf not ignored for leaf 1: got %+v", got)
	}
	s.Set(In{Eax: uint32(extendedFeatureInfo), Ecx: 1}, Out{Eax: 2})
	if got := s.Query(In{Eax: uint32(extendedFeatureInfo)}); got.Eax != 0 {
		t.Errorf("subleaf ignored for leaf 7: got %+v", got)
	}
}

func TestFromFlags(t *testing.T) {
	s := FromFlags(HostFlags{SSE2: true, AVX: true})
	for _, f := range []Feature{X86FeatureFPU, X86FeatureLM, X86FeatureSSE2, X86FeatureAVX} {
		if !s.Has(f) {
			t.Errorf("missing %v", f)
		}
	}
	for _, f := range []Feature{X86FeatureAVX2, X86FeatureAES, X86FeatureHypervisor} {
		if s.Has(f) {
			t.Errorf("unexpected %v", f)
		}
	}
	if got := s.VendorID(); got != defaultVendorID {
		t.Errorf("VendorID: got %q, want %q", got, defaultVendorID)
	}
	if got := s.Query(In{Eax: 0}).Eax; got != uint32(extendedFeatureInfo) {
		t.Errorf("max basic leaf: got %#x, want %#x", got, uint32(extendedFeatureInfo))
	}
}

func TestHostStatic(t *testing.T) {
	s := HostStatic()
	if !s.Has(X86FeatureFPU) || !s.Has(X86FeatureLM) {
		t.Errorf("host table lacks baseline features")
	}
}

func TestVirtualize(t *testing.T) {
	src := FromFlags(allFlags)
	src.Add(X86FeatureVMX).Add(X86FeatureMONITOR).Add(X86FeatureRTM).Add(X86FeatureWAITPKG)
	src.Set(In{Eax: uint32(intelTDXInfo)}, Out{Ebx: 1})

	s := Virtualize(src, VirtOptions{PhysAddrBits: 47, Expose: []Feature{X86FeatureRTM}})
	for _, f := range []Feature{X86FeatureVMX, X86FeatureMONITOR, X86FeatureWAITPKG} {
		if s.Has(f) {
			t.Errorf("blocked feature %v exposed", f)
		}
	}
	for _, f := range []Feature{X86FeatureHypervisor, X86FeatureX2APIC, X86FeatureRTM, X86FeatureAVX2} {
		if !s.Has(f) {
			t.Errorf("feature %v missing", f)
		}
	}
	if _, ok := s.Lookup(In{Eax: uint32(intelTDXInfo)}); ok {
		t.Errorf("trust domain leaf leaked")
	}
	if got := s.Query(In{Eax: uint32(addressSizes)}).Eax & 0xff; got != 47 {
		t.Errorf("physical address bits: got %d, want 47", got)
	}
	hv := s.Query(In{Eax: uint32(hypervisorStart)})
	bx, cx, dx := regsFromString(HypervisorSignature)
	if want := (Out{Eax: uint32(hypervisorStart) + 1, Ebx: bx, Ecx: cx, Edx: dx}); hv != want {
		t.Errorf("hypervisor leaf: got %+v, want %+v", hv, want)
	}
	if !InHypervisorRange(0x40000001) || InHypervisorRange(0x80000000) {
		t.Errorf("InHypervisorRange misclassifies")
	}
	// The source is untouched.
	if !src.Has(X86FeatureVMX) {
		t.Errorf("Virtualize modified its source")
	}
}

func TestForVCPU(t *testing.T) {
	base := Virtualize(FromFlags(allFlags), VirtOptions{})
	s := base.ForVCPU(3)
	if got := s.Query(In{Eax: uint32(featureInfo)}).Ebx >> 24; got != 3 {
		t.Errorf("leaf 1 APIC ID: got %d, want 3", got)
	}
	if got := s.Query(In{Eax: uint32(intelX2APICInfo), Ecx: 1}).Edx; got != 3 {
		t.Errorf("leaf 0xb x2APIC ID: got %d, want 3", got)
	}
	if got := s.Query(In{Eax: 0}).Eax; got != uint32(intelX2APICInfo) {
		t.Errorf("max basic leaf: got %#x, want %#x", got, uint32(intelX2APICInfo))
	}
	if _, ok := base.Lookup(In{Eax: uint32(intelX2APICInfo)}); ok {
		t.Errorf("ForVCPU modified the shared table")
	}
}

func TestInputs(t *testing.T) {
	s := make(Static)
	s.Set(In{Eax: 0x80000001}, Out{})
	s.Set(In{Eax: 7, Ecx: 1}, Out{})
	s.Set(In{Eax: 7}, Out{})
	s.Set(In{Eax: 1}, Out{})
	want := []In{{Eax: 1}, {Eax: 7}, {Eax: 7, Ecx: 1}, {Eax: 0x80000001}}
	if diff := cmp.Diff(want, s.Inputs()); diff != "" {
		t.Errorf("Inputs mismatch (-want +got):\n%s", diff)
	}
}

func TestFeatureFromString(t *testing.T) {
	f, ok := FeatureFromString("avx2")
	if !ok || f != X86FeatureAVX2 {
		t.Errorf("FeatureFromString(avx2): got %v, %t", f, ok)
	}
	if _, ok := FeatureFromString("bogus"); ok {
		t.Errorf("FeatureFromString(bogus) succeeded")
	}
}
