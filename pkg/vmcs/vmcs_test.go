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

package vmcs

import (
	"errors"
	"testing"
)

func TestFieldDecoding(t *testing.T) {
	for _, tc := range []struct {
		f     Field
		typ   Type
		width Width
	}{
		{VPID, TypeControl, Width16},
		{HostCSSelector, TypeHost, Width16},
		{MSRBitmap, TypeControl, Width64},
		{GuestPhysicalAddress, TypeExitInfo, Width64},
		{ExitReason, TypeExitInfo, Width32},
		{GuestInterruptibility, TypeGuest, Width32},
		{ExitQualification, TypeExitInfo, WidthNatural},
		{GuestRIP, TypeGuest, WidthNatural},
		{HostRIP, TypeHost, WidthNatural},
	} {
		if got := tc.f.Type(); got != tc.typ {
			t.Errorf("%v: type got %d, want %d", tc.f, got, tc.typ)
		}
		if got := tc.f.Width(); got != tc.width {
			t.Errorf("%v: width got %d, want %d", tc.f, got, tc.width)
		}
		if tc.f.High() {
			t.Errorf("%v: unexpected high access bit", tc.f)
		}
	}
	if got := GuestRIP.Index(); got != 0xf {
		t.Errorf("GuestRIP index: got %#x, want 0xf", got)
	}
	if !Field(MSRBitmap | 1).High() {
		t.Errorf("MSRBitmap|1 should be a high access")
	}
}

func TestCatalogueConsistent(t *testing.T) {
	for _, f := range Fields() {
		if f.High() {
			t.Errorf("%v: catalogue contains a high alias", f)
		}
		if f&(1<<12) != 0 || f>>15 != 0 {
			t.Errorf("%v: reserved encoding bits set", f)
		}
	}
}

func TestOwnership(t *testing.T) {
	s := New(2, NewMemory())
	if _, err := s.Load(1); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Load on wrong cpu: got %v, want %v", err, ErrNotOwner)
	}
	a, err := s.Load(2)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := s.Load(2); !errors.Is(err, ErrAlreadyLoaded) {
		t.Errorf("second Load: got %v, want %v", err, ErrAlreadyLoaded)
	}
	a.Release()
	if _, err := a.Read(GuestRIP); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Read after Release: got %v, want %v", err, ErrNotLoaded)
	}
	a2, err := s.Load(2)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	// A stale accessor's release must not unload the live one.
	a.Release()
	if !s.Loaded() {
		t.Errorf("stale Release unloaded the structure")
	}
	s.Release()
	if err := a2.Write(GuestRIP, 1); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Write after structure Release: got %v, want %v", err, ErrNotLoaded)
	}
	if _, err := s.Load(2); !errors.Is(err, ErrReleased) {
		t.Errorf("Load after Release: got %v, want %v", err, ErrReleased)
	}
}

func TestAccessorValidation(t *testing.T) {
	s := New(0, NewMemory())
	a, err := s.Load(0)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer a.Release()

	if _, err := a.Read(Field(0x6842)); !errors.Is(err, ErrUnknownField) {
		t.Errorf("Read unknown: got %v, want %v", err, ErrUnknownField)
	}
	if err := a.Write(ExitReason, 1); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Write exit info: got %v, want %v", err, ErrReadOnly)
	}
	var we *WidthError
	if err := a.Write(VPID, 0x10000); !errors.As(err, &we) {
		t.Errorf("Write wide VPID: got %v, want WidthError", err)
	}
	if err := a.Write(GuestRIP, 0xffffffff81000000); err != nil {
		t.Fatalf("Write GuestRIP failed: %v", err)
	}
	if v, err := a.Read(GuestRIP); err != nil || v != 0xffffffff81000000 {
		t.Errorf("Read GuestRIP: got %#x, %v", v, err)
	}
	if err := a.SetBits(ProcBasedControls, ProcHLTExiting|ProcInterruptWindowExiting); err != nil {
		t.Fatalf("SetBits failed: %v", err)
	}
	if err := a.ClearBits(ProcBasedControls, ProcInterruptWindowExiting); err != nil {
		t.Fatalf("ClearBits failed: %v", err)
	}
	if v, err := a.Read32(ProcBasedControls); err != nil || v != ProcHLTExiting {
		t.Errorf("Read32 ProcBasedControls: got %#x, %v", v, err)
	}
	if _, err := a.Read16(GuestRIP); err == nil {
		t.Errorf("Read16 of natural-width field succeeded")
	}
}

func TestBackendWritesExitInfo(t *testing.T) {
	m := NewMemory()
	s := New(0, m)
	// Exit information is produced by the processor, i.e. the backend.
	if err := m.WriteField(ExitReason, 10); err != nil {
		t.Fatalf("WriteField failed: %v", err)
	}
	a, err := s.Load(0)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer a.Release()
	if v, err := a.Read32(ExitReason); err != nil || v != 10 {
		t.Errorf("Read32 ExitReason: got %d, %v", v, err)
	}
}
