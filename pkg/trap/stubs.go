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

package trap

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Register numbers as encoded in x86-64 instructions.
const (
	regRAX = iota
	regRCX
	regRDX
	regRBX
	regRSP
	regRBP
	regRSI
	regRDI
	regR8
	regR9
	regR10
	regR11
	regR12
	regR13
	regR14
	regR15
)

// pushOrder is the order in which the prologue saves registers. The
// resulting frame has r15 at the lowest address.
var pushOrder = [SavedRegisters]int{
	regRAX, regRBX, regRCX, regRDX, regRSI, regRDI, regRBP,
	regR8, regR9, regR10, regR11, regR12, regR13, regR14, regR15,
}

// Opcodes emitted by the generator.
const (
	opPushImm8  = 0x6a
	opPushImm32 = 0x68
	opPushReg   = 0x50
	opPopReg    = 0x58
	opREXB      = 0x41
	opREXW      = 0x48
	opJmpRel32  = 0xe9
	opCallRel32 = 0xe8
	opInt3      = 0xcc
)

var (
	insnMovRDIRSP  = []byte{opREXW, 0x89, 0xe7}
	insnAddRSP16   = []byte{opREXW, 0x83, 0xc4, 0x10}
	insnIRETQ      = []byte{opREXW, 0xcf}
	prologueOffset = uint64(NumVectors * StubStride)
)

// Stub describes the entry trampoline for a single vector.
type Stub struct {
	Vector Vector

	// Offset is the offset of the stub from the start of the image.
	Offset uint64

	// SyntheticErrorCode is set when the stub pushes a zero error code.
	SyntheticErrorCode bool

	// Code is exactly StubStride bytes, padded with int3.
	Code []byte
}

// NewStub generates the stub for v, located at offset and jumping to a
// prologue at prologue (both relative to the image start).
func NewStub(v Vector, offset, prologue uint64) (Stub, error) {
	s := Stub{
		Vector:             v,
		Offset:             offset,
		SyntheticErrorCode: !v.HasErrorCode(),
	}
	code := make([]byte, 0, StubStride)
	if s.SyntheticErrorCode {
		code = append(code, opPushImm8, 0)
	}
	if v < 0x80 {
		code = append(code, opPushImm8, byte(v))
	} else {
		// push imm8 sign-extends, so use the imm32 form.
		code = append(code, opPushImm32)
		code = binary.LittleEndian.AppendUint32(code, uint32(v))
	}
	rel, err := rel32(offset+uint64(len(code))+5, prologue)
	if err != nil {
		return Stub{}, fmt.Errorf("stub for vector %d: %w", v, err)
	}
	code = append(code, opJmpRel32)
	code = binary.LittleEndian.AppendUint32(code, uint32(rel))
	for len(code) < StubStride {
		code = append(code, opInt3)
	}
	s.Code = code
	return s, nil
}

// GenerateStubs returns the stubs for all vectors at the fixed stride,
// jumping to a prologue immediately following the last stub.
func GenerateStubs() ([]Stub, error) {
	stubs := make([]Stub, 0, NumVectors)
	for i := 0; i < NumVectors; i++ {
		s, err := NewStub(Vector(i), uint64(i)*StubStride, prologueOffset)
		if err != nil {
			return nil, err
		}
		stubs = append(stubs, s)
	}
	return stubs, nil
}

// Prologue generates the shared prologue located at offset within an image
// based at base, calling the dispatcher at the absolute address dispatcher.
func Prologue(base, offset, dispatcher uint64) ([]byte, error) {
	var code []byte
	for _, r := range pushOrder {
		code = appendRegOp(code, opPushReg, r)
	}
	code = append(code, insnMovRDIRSP...)
	rel, err := rel32(base+offset+uint64(len(code))+5, dispatcher)
	if err != nil {
		return nil, fmt.Errorf("prologue: %w", err)
	}
	code = append(code, opCallRel32)
	code = binary.LittleEndian.AppendUint32(code, uint32(rel))
	for i := len(pushOrder) - 1; i >= 0; i-- {
		code = appendRegOp(code, opPopReg, pushOrder[i])
	}
	code = append(code, insnAddRSP16...)
	code = append(code, insnIRETQ...)
	return code, nil
}

// Image is the complete entry image: all stubs followed by the prologue.
type Image struct {
	// Base is the linear address of the image, which is also the
	// HandlerBase passed to Table.Build.
	Base  uint64
	Stubs []Stub
	Code  []byte
}

// NewImage generates an entry image at base whose prologue calls the
// dispatcher entry point at dispatcher.
func NewImage(base, dispatcher uint64) (*Image, error) {
	stubs, err := GenerateStubs()
	if err != nil {
		return nil, err
	}
	prologue, err := Prologue(base, prologueOffset, dispatcher)
	if err != nil {
		return nil, err
	}
	code := make([]byte, 0, int(prologueOffset)+len(prologue))
	for _, s := range stubs {
		code = append(code, s.Code...)
	}
	code = append(code, prologue...)
	return &Image{Base: base, Stubs: stubs, Code: code}, nil
}

// Options returns table build options targeting this image.
func (img *Image) Options(tableBase uint64, selector uint16, ist map[Vector]uint8) Options {
	return Options{
		HandlerBase: img.Base,
		Base:        tableBase,
		Selector:    selector,
		IST:         ist,
	}
}

func appendRegOp(code []byte, op byte, r int) []byte {
	if r >= regR8 {
		code = append(code, opREXB)
	}
	return append(code, op+byte(r&7))
}

// rel32 computes the displacement from next, the address of the following
// instruction, to target.
func rel32(next, target uint64) (int32, error) {
	d := int64(target - next)
	if d < math.MinInt32 || d > math.MaxInt32 {
		return 0, fmt.Errorf("target %#x out of rel32 range from %#x", target, next)
	}
	return int32(d), nil
}
