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

package sim

import (
	"sync"

	"gvisor.dev/tdvisor/pkg/cpuid"
	"gvisor.dev/tdvisor/pkg/log"
	"gvisor.dev/tdvisor/pkg/tdcall"
)

// IOWrite is a port write seen by the host.
type IOWrite struct {
	Port uint16
	Size int
	Val  uint32
}

// Module simulates the trust-domain module together with the untrusted host
// behind it. It is safe for concurrent use by the callers of every virtual
// CPU.
type Module struct {
	// GPAWidth is reported by TDG.VP.INFO.
	GPAWidth uint

	// NumVCPUs is reported by TDG.VP.INFO.
	NumVCPUs uint32

	// CPUID answers VMCALL CPUID requests.
	CPUID cpuid.Static

	// MapGPAChunk, if non-zero, limits how much one MapGPA VMCALL
	// converts before asking the guest to retry.
	MapGPAChunk uint64

	mu       sync.Mutex
	accepted map[uint64]bool
	metadata map[metadataKey]uint64
	ports    map[uint16]uint32
	msrs     map[uint32]uint64
	mmio     map[uint64]uint64
	ve       map[int][]tdcall.VEInfo
	busy     map[tdcall.Leaf]int
	calls    map[tdcall.Leaf]uint64
	writes   []IOWrite
	mapped   [][2]uint64
	notify   uint8
}

// metadataKey names a metadata field. Trust domain scope fields have vcpu
// -1; virtual-CPU scope fields are private to each virtual CPU.
type metadataKey struct {
	vcpu int
	id   uint64
}

func newMetadataKey(index int, leaf tdcall.Leaf, id uint64) metadataKey {
	if leaf == tdcall.VMRead || leaf == tdcall.VMWrite {
		index = -1
	}
	return metadataKey{vcpu: index, id: id}
}

// NewModule returns a module with empty host state.
func NewModule() *Module {
	return &Module{
		accepted: make(map[uint64]bool),
		metadata: make(map[metadataKey]uint64),
		ports:    make(map[uint16]uint32),
		msrs:     make(map[uint32]uint64),
		mmio:     make(map[uint64]uint64),
		ve:       make(map[int][]tdcall.VEInfo),
		busy:     make(map[tdcall.Leaf]int),
		calls:    make(map[tdcall.Leaf]uint64),
	}
}

// Issuer returns the call instruction of virtual CPU index.
func (m *Module) Issuer(index int) tdcall.Issuer {
	return tdcall.IssuerFunc(func(r *tdcall.Registers) { m.issue(index, r) })
}

// SetPort sets the value read from an I/O port.
func (m *Module) SetPort(port uint16, val uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ports[port] = val
}

// SetMSR sets an MSR the host answers for.
func (m *Module) SetMSR(msr uint32, val uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msrs[msr] = val
}

// MSR returns an MSR as last written through the host.
func (m *Module) MSR(msr uint32) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.msrs[msr]
	return v, ok
}

// SetMMIO sets an emulated MMIO location.
func (m *Module) SetMMIO(gpa, val uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mmio[gpa] = val
}

// MMIO returns an emulated MMIO location.
func (m *Module) MMIO(gpa uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mmio[gpa]
}

// QueueVE makes info the pending virtualization exception information of
// virtual CPU index.
func (m *Module) QueueVE(index int, info tdcall.VEInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ve[index] = append(m.ve[index], info)
}

// Busy makes the next n calls of leaf report an operand-busy status.
func (m *Module) Busy(leaf tdcall.Leaf, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy[leaf] = n
}

// Accepted returns true iff the 4K page at gpa was accepted.
func (m *Module) Accepted(gpa uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepted[gpa&^(tdcall.PageSize4K-1)]
}

// Calls returns how many times leaf was issued.
func (m *Module) Calls(leaf tdcall.Leaf) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[leaf]
}

// Writes returns the port writes seen so far.
func (m *Module) Writes() []IOWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]IOWrite(nil), m.writes...)
}

// Mapped returns the GPA conversions seen so far as [gpa, size] pairs.
func (m *Module) Mapped() [][2]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][2]uint64(nil), m.mapped...)
}

func (m *Module) issue(index int, r *tdcall.Registers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	leaf := tdcall.Leaf(r.RAX)
	m.calls[leaf]++
	if m.busy[leaf] > 0 {
		m.busy[leaf]--
		r.RAX = uint64(tdcall.StatusOperandBusy)
		return
	}
	status := tdcall.StatusSuccess
	switch leaf {
	case tdcall.VPInfo:
		r.RCX = uint64(m.GPAWidth)
		r.RDX = 0
		r.R8 = uint64(m.NumVCPUs) | uint64(m.NumVCPUs)<<32
		r.R9 = uint64(index)
	case tdcall.VEInfoGet:
		q := m.ve[index]
		if len(q) == 0 {
			status = tdcall.StatusNoVEInfo
			break
		}
		info := q[0]
		m.ve[index] = q[1:]
		r.RCX = uint64(info.ExitReason)
		r.RDX = info.ExitQualification
		r.R8 = info.GuestLinear
		r.R9 = info.GuestPhysical
		r.R10 = uint64(info.InstructionLength) | uint64(info.InstructionInfo)<<32
	case tdcall.MemPageAccept:
		status = m.accept(r.RCX)
	case tdcall.VMRead, tdcall.VPRead:
		r.R8 = m.metadata[newMetadataKey(index, leaf, r.RDX)]
	case tdcall.VMWrite, tdcall.VPWrite:
		k := newMetadataKey(index, leaf, r.RDX)
		old := m.metadata[k]
		m.metadata[k] = old&^r.R9 | r.R8&r.R9
		r.R8 = old
	case tdcall.RTMRExtend, tdcall.MRReport, tdcall.CPUIDVESet:
	case tdcall.VMCall:
		m.vmcall(r)
	default:
		status = tdcall.StatusOperandInvalid
	}
	r.RAX = uint64(status)
}

// accept accepts the page described by arg: the page address with the
// level in the low bits. A large page that overlaps accepted small pages is
// refused with a page-size mismatch.
func (m *Module) accept(arg uint64) tdcall.Status {
	level := tdcall.PageLevel(arg & 0x7)
	gpa := arg &^ 0xfff
	pages := level.Size() / tdcall.PageSize4K
	n := uint64(0)
	for i := uint64(0); i < pages; i++ {
		if m.accepted[gpa+i*tdcall.PageSize4K] {
			n++
		}
	}
	switch {
	case n == pages:
		return tdcall.StatusPageAlreadyAccepted
	case n != 0:
		return tdcall.StatusPageSizeMismatch
	}
	for i := uint64(0); i < pages; i++ {
		m.accepted[gpa+i*tdcall.PageSize4K] = true
	}
	return tdcall.StatusSuccess
}

// vmcall serves a guest-host call: sub-function in R11, arguments in
// R12..R15 and the status in R10.
func (m *Module) vmcall(r *tdcall.Registers) {
	status := tdcall.VMCallSuccess
	switch sub := tdcall.SubFunction(r.R11); sub {
	case tdcall.SubCPUID:
		out := m.CPUID.Query(cpuid.In{Eax: uint32(r.R12), Ecx: uint32(r.R13)})
		r.R12, r.R13, r.R14, r.R15 = uint64(out.Eax), uint64(out.Ebx), uint64(out.Ecx), uint64(out.Edx)
	case tdcall.SubHLT, tdcall.SubGetQuote:
	case tdcall.SubIO:
		size, port := int(r.R12), uint16(r.R14)
		if r.R13 == tdcall.DirRead {
			r.R11 = uint64(m.ports[port])
		} else {
			m.writes = append(m.writes, IOWrite{Port: port, Size: size, Val: uint32(r.R15)})
			m.ports[port] = uint32(r.R15)
		}
	case tdcall.SubRDMSR:
		v, ok := m.msrs[uint32(r.R12)]
		if !ok {
			status = tdcall.VMCallInvalidOperand
			break
		}
		r.R11 = v
	case tdcall.SubWRMSR:
		m.msrs[uint32(r.R12)] = r.R13
	case tdcall.SubMMIO:
		if r.R13 == tdcall.DirRead {
			r.R11 = m.mmio[r.R14]
		} else {
			m.mmio[r.R14] = r.R15
		}
	case tdcall.SubMapGPA:
		gpa, size := r.R12, r.R13
		if m.MapGPAChunk != 0 && size > m.MapGPAChunk {
			size = m.MapGPAChunk
			status = tdcall.VMCallRetry
			r.R11 = gpa + size
		}
		m.mapped = append(m.mapped, [2]uint64{gpa, size})
	case tdcall.SubSetupEventNotify:
		m.notify = uint8(r.R12)
	default:
		log.Debugf("sim: unsupported vmcall %v", sub)
		status = tdcall.VMCallInvalidOperand
	}
	r.R10 = uint64(status)
}

// EventNotifyVector returns the vector registered with SetupEventNotify.
func (m *Module) EventNotifyVector() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notify
}
