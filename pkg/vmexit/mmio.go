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

package vmexit

import (
	"errors"
	"fmt"

	"gvisor.dev/tdvisor/pkg/vcpu"
	"gvisor.dev/tdvisor/pkg/vmcs"
)

// MMIOAccess is a decoded device memory access.
type MMIOAccess struct {
	// Write is true for stores.
	Write bool

	// Size is the access size in bytes.
	Size int

	// Register is the register operand.
	Register int

	// Immediate is the stored value for immediate stores.
	Immediate    uint64
	HasImmediate bool

	// ZeroExtend is true for loads that clear the rest of the register.
	ZeroExtend bool

	// Length is the instruction length.
	Length int
}

// Decoder decodes the instruction that caused an MMIO exit.
type Decoder interface {
	Decode(v *vcpu.VCPU, a *vmcs.Accessor) (MMIOAccess, error)
}

// InstructionFetcher returns the instruction bytes at the guest RIP.
type InstructionFetcher interface {
	FetchInstruction(v *vcpu.VCPU, a *vmcs.Accessor) ([]byte, error)
}

// ErrDecode is returned for instructions the decoder does not emulate.
var ErrDecode = errors.New("cannot decode MMIO instruction")

// ErrNoFetcher is returned when no instruction fetcher is configured.
var ErrNoFetcher = errors.New("no instruction fetcher")

// X86Decoder decodes the MOV forms compilers emit for device register
// accesses: MOV to and from memory, MOV of an immediate, and MOVZX loads.
type X86Decoder struct {
	Fetch InstructionFetcher
}

// Decode implements Decoder.Decode.
func (d *X86Decoder) Decode(v *vcpu.VCPU, a *vmcs.Accessor) (MMIOAccess, error) {
	if d.Fetch == nil {
		return MMIOAccess{}, ErrNoFetcher
	}
	insn, err := d.Fetch.FetchInstruction(v, a)
	if err != nil {
		return MMIOAccess{}, err
	}
	return DecodeMMIO(insn)
}

// Maximum instruction length.
const maxInstructionLength = 15

type insnReader struct {
	b   []byte
	pos int
}

func (r *insnReader) next() (byte, error) {
	if r.pos >= len(r.b) || r.pos >= maxInstructionLength {
		return 0, fmt.Errorf("truncated instruction % x: %w", r.b, ErrDecode)
	}
	c := r.b[r.pos]
	r.pos++
	return c, nil
}

func (r *insnReader) skip(n int) error {
	for i := 0; i < n; i++ {
		if _, err := r.next(); err != nil {
			return err
		}
	}
	return nil
}

func (r *insnReader) imm(n int) (uint64, error) {
	var v uint64
	for i := 0; i < n; i++ {
		c, err := r.next()
		if err != nil {
			return 0, err
		}
		v |= uint64(c) << (8 * i)
	}
	return v, nil
}

// DecodeMMIO decodes insn.
func DecodeMMIO(insn []byte) (MMIOAccess, error) {
	r := &insnReader{b: insn}
	var (
		opsize16 bool
		rex      byte
		op       byte
		err      error
	)
prefixes:
	for {
		if op, err = r.next(); err != nil {
			return MMIOAccess{}, err
		}
		switch {
		case op == 0x66:
			opsize16 = true
		case op == 0x67, op == 0x26, op == 0x2e, op == 0x36, op == 0x3e, op == 0x64, op == 0x65:
		case op&0xf0 == 0x40:
			rex = op
			if op, err = r.next(); err != nil {
				return MMIOAccess{}, err
			}
			break prefixes
		default:
			break prefixes
		}
	}

	size := 4
	switch {
	case rex&0x8 != 0:
		size = 8
	case opsize16:
		size = 2
	}

	var acc MMIOAccess
	twoByte := false
	if op == 0x0f {
		twoByte = true
		if op, err = r.next(); err != nil {
			return MMIOAccess{}, err
		}
	}
	switch {
	case !twoByte && op == 0x88:
		acc = MMIOAccess{Write: true, Size: 1}
	case !twoByte && op == 0x89:
		acc = MMIOAccess{Write: true, Size: size}
	case !twoByte && op == 0x8a:
		acc = MMIOAccess{Size: 1}
	case !twoByte && op == 0x8b:
		acc = MMIOAccess{Size: size}
	case !twoByte && op == 0xc6:
		acc = MMIOAccess{Write: true, Size: 1, HasImmediate: true}
	case !twoByte && op == 0xc7:
		acc = MMIOAccess{Write: true, Size: size, HasImmediate: true}
	case twoByte && op == 0xb6:
		acc = MMIOAccess{Size: 1, ZeroExtend: true}
	case twoByte && op == 0xb7:
		acc = MMIOAccess{Size: 2, ZeroExtend: true}
	default:
		return MMIOAccess{}, fmt.Errorf("opcode %#x: %w", op, ErrDecode)
	}

	modrm, err := r.next()
	if err != nil {
		return MMIOAccess{}, err
	}
	mod, reg, rm := modrm>>6, int(modrm>>3)&7, modrm&7
	if mod == 3 {
		return MMIOAccess{}, fmt.Errorf("register operand: %w", ErrDecode)
	}
	if rex&0x4 != 0 {
		reg += 8
	}
	acc.Register = reg
	if acc.HasImmediate {
		if reg&7 != 0 {
			return MMIOAccess{}, fmt.Errorf("opcode %#x /%d: %w", op, reg&7, ErrDecode)
		}
		acc.Register = 0
	} else if acc.Size == 1 && rex == 0 && reg >= 4 && !acc.ZeroExtend {
		// AH, CH, DH and BH.
		return MMIOAccess{}, fmt.Errorf("high byte register: %w", ErrDecode)
	}

	// Memory operand: SIB and displacement.
	if rm == 4 {
		sib, err := r.next()
		if err != nil {
			return MMIOAccess{}, err
		}
		if mod == 0 && sib&7 == 5 {
			if err := r.skip(4); err != nil {
				return MMIOAccess{}, err
			}
		}
	}
	switch {
	case mod == 0 && rm == 5:
		err = r.skip(4)
	case mod == 1:
		err = r.skip(1)
	case mod == 2:
		err = r.skip(4)
	}
	if err != nil {
		return MMIOAccess{}, err
	}

	if acc.HasImmediate {
		n := acc.Size
		if n == 8 {
			n = 4
		}
		v, err := r.imm(n)
		if err != nil {
			return MMIOAccess{}, err
		}
		if acc.Size == 8 {
			v = uint64(int64(int32(uint32(v))))
		}
		acc.Immediate = v
	}
	acc.Length = r.pos
	return acc, nil
}

// Identity translates guest linear addresses one to one.
type Identity struct{}

// Translate implements Translator.Translate.
func (Identity) Translate(_ *vcpu.VCPU, _ *vmcs.Accessor, gla uint64) (uint64, error) {
	return gla, nil
}
