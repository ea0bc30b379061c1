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
)

// maxEntrySteps bounds the number of instructions interpreted by Enter.
const maxEntrySteps = 64

// Enter models exception delivery through img for vector v: the processor
// pushes its frame (and hwError for vectors that carry one), then the stub
// and prologue run up to the dispatcher call. The general-purpose registers
// and the pre-trap state are taken from state; its Vector and ErrorCode are
// ignored.
//
// The returned frame is the one the dispatcher would receive.
func (img *Image) Enter(v Vector, state *Frame, hwError uint64) (*Frame, error) {
	m := entryMachine{}
	m.regs = [16]uint64{
		regRAX: state.Rax, regRCX: state.Rcx, regRDX: state.Rdx, regRBX: state.Rbx,
		regRSP: state.Rsp, regRBP: state.Rbp, regRSI: state.Rsi, regRDI: state.Rdi,
		regR8: state.R8, regR9: state.R9, regR10: state.R10, regR11: state.R11,
		regR12: state.R12, regR13: state.R13, regR14: state.R14, regR15: state.R15,
	}
	m.push(state.Ss)
	m.push(state.Rsp)
	m.push(state.Rflags)
	m.push(state.Cs)
	m.push(state.Rip)
	if v.HasErrorCode() {
		m.push(hwError)
	}

	pc := uint64(v) * StubStride
	for step := 0; ; step++ {
		if step == maxEntrySteps {
			return nil, fmt.Errorf("vector %d: entry did not reach the dispatcher", v)
		}
		if pc >= uint64(len(img.Code)) {
			return nil, fmt.Errorf("vector %d: pc %#x outside image", v, pc)
		}
		code := img.Code[pc:]
		switch op := code[0]; {
		case op == opPushImm8 && len(code) >= 2:
			m.push(uint64(int64(int8(code[1]))))
			pc += 2
		case op == opPushImm32 && len(code) >= 5:
			m.push(uint64(int64(int32(binary.LittleEndian.Uint32(code[1:])))))
			pc += 5
		case op == opJmpRel32 && len(code) >= 5:
			pc += 5 + uint64(int64(int32(binary.LittleEndian.Uint32(code[1:]))))
		case op >= opPushReg && op < opPushReg+8:
			m.push(m.regs[op-opPushReg])
			pc++
		case op == opREXB && len(code) >= 2 && code[1] >= opPushReg && code[1] < opPushReg+8:
			m.push(m.regs[regR8+int(code[1]-opPushReg)])
			pc += 2
		case op == opREXW && len(code) >= 3 && code[1] == insnMovRDIRSP[1] && code[2] == insnMovRDIRSP[2]:
			pc += 3
		case op == opCallRel32:
			return m.frame()
		default:
			return nil, fmt.Errorf("vector %d: unexpected opcode %#x at %#x", v, op, pc)
		}
	}
}

// entryMachine is the minimal machine state needed to interpret entry code.
type entryMachine struct {
	regs  [16]uint64
	stack []uint64
}

func (m *entryMachine) push(val uint64) {
	m.stack = append(m.stack, val)
}

// frame returns the top FrameWords of the stack as a Frame.
func (m *entryMachine) frame() (*Frame, error) {
	if len(m.stack) != FrameWords {
		return nil, fmt.Errorf("entry pushed %d words, want %d", len(m.stack), FrameWords)
	}
	b := make([]byte, 0, FrameSize)
	for i := len(m.stack) - 1; i >= 0; i-- {
		b = binary.LittleEndian.AppendUint64(b, m.stack[i])
	}
	return DecodeFrame(b)
}
