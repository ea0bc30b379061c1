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

package vcpu

import "fmt"

// Register numbers as encoded in instructions and exit qualifications.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// Registers mirrors the guest general-purpose registers that the control
// structure does not hold. RSP, RIP and RFLAGS live in the control
// structure.
type Registers struct {
	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// Ref returns a pointer to register n, or nil for RSP.
func (r *Registers) Ref(n int) *uint64 {
	switch n {
	case RAX:
		return &r.Rax
	case RCX:
		return &r.Rcx
	case RDX:
		return &r.Rdx
	case RBX:
		return &r.Rbx
	case RBP:
		return &r.Rbp
	case RSI:
		return &r.Rsi
	case RDI:
		return &r.Rdi
	case R8:
		return &r.R8
	case R9:
		return &r.R9
	case R10:
		return &r.R10
	case R11:
		return &r.R11
	case R12:
		return &r.R12
	case R13:
		return &r.R13
	case R14:
		return &r.R14
	case R15:
		return &r.R15
	}
	return nil
}

// Get returns register n. RSP is not mirrored.
func (r *Registers) Get(n int) (uint64, error) {
	p := r.Ref(n)
	if p == nil {
		return 0, fmt.Errorf("register %d not mirrored", n)
	}
	return *p, nil
}

// Set sets register n. RSP is not mirrored.
func (r *Registers) Set(n int, v uint64) error {
	p := r.Ref(n)
	if p == nil {
		return fmt.Errorf("register %d not mirrored", n)
	}
	*p = v
	return nil
}

// SetLow sets the low 32 bits of register n and clears the upper half, as
// a 32-bit register write does.
func (r *Registers) SetLow(n int, v uint32) error {
	return r.Set(n, uint64(v))
}
