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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Frame is the uniform trap frame built by the entry stub and the shared
// prologue. Field order is the in-memory order, lowest address first: the
// general-purpose registers pushed by the prologue (r15 last pushed, so
// first), then the vector and error code pushed by the stub, then the frame
// pushed by the processor.
type Frame struct {
	R15 uint64
	R14 uint64
	R13 uint64
	R12 uint64
	R11 uint64
	R10 uint64
	R9  uint64
	R8  uint64
	Rbp uint64
	Rdi uint64
	Rsi uint64
	Rdx uint64
	Rcx uint64
	Rbx uint64
	Rax uint64

	Vector    uint64
	ErrorCode uint64

	Rip    uint64
	Cs     uint64
	Rflags uint64
	Rsp    uint64
	Ss     uint64
}

// Frame layout.
const (
	// FrameWords is the number of 8-byte words in a Frame.
	FrameWords = 22

	// FrameSize is the size of a Frame in bytes.
	FrameSize = FrameWords * 8

	// SavedRegisters is the number of registers pushed by the prologue.
	SavedRegisters = 15

	OffsetRax       = (SavedRegisters - 1) * 8
	OffsetVector    = SavedRegisters * 8
	OffsetErrorCode = OffsetVector + 8
	OffsetRip       = OffsetErrorCode + 8
	OffsetCs        = OffsetRip + 8
	OffsetRflags    = OffsetCs + 8
	OffsetRsp       = OffsetRflags + 8
	OffsetSs        = OffsetRsp + 8
)

// DecodeFrame decodes a frame from its in-memory image.
func DecodeFrame(b []byte) (*Frame, error) {
	if len(b) < FrameSize {
		return nil, fmt.Errorf("short trap frame: %d bytes, want %d", len(b), FrameSize)
	}
	f := new(Frame)
	if err := binary.Read(bytes.NewReader(b[:FrameSize]), binary.LittleEndian, f); err != nil {
		return nil, fmt.Errorf("decoding trap frame: %w", err)
	}
	return f, nil
}

// Bytes returns the in-memory image of the frame.
func (f *Frame) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(FrameSize)
	// Writes to a bytes.Buffer of a fixed-size struct cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, f)
	return buf.Bytes()
}

// Trap returns the vector that produced the frame.
func (f *Frame) Trap() Vector {
	return Vector(f.Vector)
}

// CPL returns the privilege level the trap was taken from.
func (f *Frame) CPL() uint8 {
	return uint8(f.Cs & 3)
}

// Dump writes a register dump.
func (f *Frame) Dump(w io.Writer) {
	fmt.Fprintf(w, "trap %v (vector %d) error %#x\n", f.Trap(), f.Vector, f.ErrorCode)
	fmt.Fprintf(w, "RAX = %016x RBX = %016x\n", f.Rax, f.Rbx)
	fmt.Fprintf(w, "RCX = %016x RDX = %016x\n", f.Rcx, f.Rdx)
	fmt.Fprintf(w, "RSI = %016x RDI = %016x\n", f.Rsi, f.Rdi)
	fmt.Fprintf(w, "RBP = %016x\n", f.Rbp)
	fmt.Fprintf(w, "R8  = %016x R9  = %016x\n", f.R8, f.R9)
	fmt.Fprintf(w, "R10 = %016x R11 = %016x\n", f.R10, f.R11)
	fmt.Fprintf(w, "R12 = %016x R13 = %016x\n", f.R12, f.R13)
	fmt.Fprintf(w, "R14 = %016x R15 = %016x\n", f.R14, f.R15)
	fmt.Fprintf(w, "RIP = %016x CS  = %04x\n", f.Rip, f.Cs)
	fmt.Fprintf(w, "RSP = %016x SS  = %04x\n", f.Rsp, f.Ss)
	fmt.Fprintf(w, "RFL = %016x\n", f.Rflags)
}
