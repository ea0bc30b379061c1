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
	"encoding/binary"
	"errors"
	"fmt"

	"gvisor.dev/tdvisor/pkg/apic"
	"gvisor.dev/tdvisor/pkg/cpuid"
	"gvisor.dev/tdvisor/pkg/tdcall"
	"gvisor.dev/tdvisor/pkg/vcpu"
	"gvisor.dev/tdvisor/pkg/vmcs"
	"gvisor.dev/tdvisor/pkg/vreg"
)

// errDenied marks accesses refused by policy.
var errDenied = errors.New("access denied by policy")

// hostFailure returns true iff err is a failure of the call interface
// itself rather than a status reported by the host for the request.
func hostFailure(err error) bool {
	var ce *tdcall.CallError
	return errors.As(err, &ce)
}

func handleExternalInterrupt(c *Context) (Action, error) {
	// The host interrupt was serviced by the trap dispatcher on the way
	// out of the guest.
	return Resume, nil
}

func handleInterruptWindow(c *Context) (Action, error) {
	if err := c.VMCS.ClearBits(vmcs.ProcBasedControls, vmcs.ProcInterruptWindowExiting); err != nil {
		return Fatal, err
	}
	return Resume, nil
}

func handleCPUID(c *Context) (Action, error) {
	r := &c.VCPU.Regs
	out := c.VCPU.CPUID().Query(cpuid.In{Eax: uint32(r.Rax), Ecx: uint32(r.Rcx)})
	r.Rax, r.Rbx, r.Rcx, r.Rdx = uint64(out.Eax), uint64(out.Ebx), uint64(out.Ecx), uint64(out.Edx)
	return c.skip()
}

func handleHLT(c *Context) (Action, error) {
	if _, err := c.skip(); err != nil {
		return Fatal, err
	}
	l := c.VCPU.LAPIC()
	l.Sync()
	rflags, err := c.VMCS.Read(vmcs.GuestRFLAGS)
	if err != nil {
		return Fatal, err
	}
	if _, ok := l.NextInjectable(); ok && rflags&vmcs.RFLAGSInterruptEnable != 0 {
		return Resume, nil
	}
	return Halt, nil
}

func handleCR(c *Context) (Action, error) {
	q := CRQualification(c.Exit.Qualification)
	switch q.AccessType() {
	case CRMovTo:
		val, err := c.VCPU.ReadGPR(c.VMCS, q.Register())
		if err != nil {
			return Fatal, err
		}
		if err := c.writeCR(q.CR(), val); err != nil {
			if errors.Is(err, vreg.ErrInvalidCR) {
				return c.InjectGP()
			}
			return Fatal, err
		}
	case CRMovFrom:
		var val uint64
		switch q.CR() {
		case 3:
			v, err := c.VMCS.Read(vmcs.GuestCR3)
			if err != nil {
				return Fatal, err
			}
			val = v
		case 8:
			val = vreg.TPRToCR8(c.VCPU.LAPIC().TPR())
		default:
			return Fatal, fmt.Errorf("unexpected read of CR%d", q.CR())
		}
		if err := c.VCPU.WriteGPR(c.VMCS, q.Register(), val); err != nil {
			return Fatal, err
		}
	case CRCLTS:
		for _, f := range []vmcs.Field{vmcs.GuestCR0, vmcs.CR0ReadShadow} {
			if err := c.VMCS.ClearBits(f, vreg.CR0TS); err != nil {
				return Fatal, err
			}
		}
	case CRLMSW:
		shadow, err := c.VMCS.Read(vmcs.CR0ReadShadow)
		if err != nil {
			return Fatal, err
		}
		// LMSW can set but never clear PE.
		src := uint64(q.LMSWSource()) & (vreg.CR0PE | vreg.CR0MP | vreg.CR0EM | vreg.CR0TS)
		val := shadow&^(vreg.CR0MP|vreg.CR0EM|vreg.CR0TS) | src
		if err := c.writeCR(0, val); err != nil {
			if errors.Is(err, vreg.ErrInvalidCR) {
				return c.InjectGP()
			}
			return Fatal, err
		}
	}
	return c.skip()
}

func (c *Context) writeCR(n int, val uint64) error {
	switch n {
	case 0:
		cr, err := vreg.WriteCR0(val)
		if err != nil {
			return err
		}
		return vreg.ApplyCR(c.VMCS, 0, cr)
	case 3:
		return c.VMCS.Write(vmcs.GuestCR3, val)
	case 4:
		cr, err := vreg.WriteCR4(val)
		if err != nil {
			return err
		}
		return vreg.ApplyCR(c.VMCS, 4, cr)
	case 8:
		tpr, err := vreg.CR8ToTPR(val)
		if err != nil {
			return err
		}
		c.VCPU.LAPIC().SetTPR(tpr)
		return nil
	default:
		return fmt.Errorf("unexpected write of CR%d", n)
	}
}

func sizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*size) - 1
}

// mergeResult stores a size-byte result into *reg the way a MOV or IN of
// that width does: 4-byte results zero-extend, narrower ones merge.
func mergeResult(reg *uint64, size int, val uint64) {
	switch size {
	case 4:
		*reg = val & sizeMask(4)
	case 8:
		*reg = val
	default:
		m := sizeMask(size)
		*reg = *reg&^m | val&m
	}
}

func handleIO(c *Context) (Action, error) {
	q := IOQualification(c.Exit.Qualification)
	if q.StringOp() {
		c.d.spurious.Warningf("vcpu %d: string I/O on port %#x refused", c.VCPU.ID(), q.Port())
		return c.InjectGP()
	}
	size := q.Size()
	if size == 3 {
		return Fatal, fmt.Errorf("invalid I/O size encoding in qualification %#x", uint64(q))
	}
	r := &c.VCPU.Regs
	if q.In() {
		val, err := c.d.host.In(q.Port(), size)
		if err != nil {
			if hostFailure(err) {
				return Fatal, err
			}
			c.d.spurious.Warningf("vcpu %d: in %#x: %v", c.VCPU.ID(), q.Port(), err)
			val = ^uint32(0)
		}
		mergeResult(&r.Rax, size, uint64(val))
	} else {
		if err := c.d.host.Out(q.Port(), size, uint32(r.Rax&sizeMask(size))); err != nil {
			if hostFailure(err) {
				return Fatal, err
			}
			c.d.spurious.Warningf("vcpu %d: out %#x: %v", c.VCPU.ID(), q.Port(), err)
		}
	}
	return c.skip()
}

func (c *Context) readMSR(msr uint32) (uint64, error) {
	switch c.VCPU.Policy().Action(msr) {
	case vreg.Allow, vreg.Direct:
		return c.d.host.ReadMSR(msr)
	case vreg.Emulate:
		if apic.IsMSR(msr) {
			return c.VCPU.LAPIC().ReadMSR(msr)
		}
		return c.VCPU.MSRs().Read(msr)
	default:
		return 0, fmt.Errorf("rdmsr %#x: %w", msr, errDenied)
	}
}

func (c *Context) writeMSR(msr uint32, val uint64) error {
	switch c.VCPU.Policy().Action(msr) {
	case vreg.Allow, vreg.Direct:
		return c.d.host.WriteMSR(msr, val)
	case vreg.Emulate:
		if apic.IsMSR(msr) {
			return c.VCPU.LAPIC().WriteMSR(msr, val)
		}
		return c.VCPU.MSRs().Write(msr, val)
	default:
		return fmt.Errorf("wrmsr %#x: %w", msr, errDenied)
	}
}

func handleRDMSR(c *Context) (Action, error) {
	r := &c.VCPU.Regs
	val, err := c.readMSR(uint32(r.Rcx))
	if err != nil {
		if hostFailure(err) {
			return Fatal, err
		}
		c.d.spurious.Debugf("vcpu %d: %v", c.VCPU.ID(), err)
		return c.InjectGP()
	}
	r.Rax, r.Rdx = val&0xffffffff, val>>32
	return c.skip()
}

func handleWRMSR(c *Context) (Action, error) {
	r := &c.VCPU.Regs
	val := r.Rdx<<32 | r.Rax&0xffffffff
	if err := c.writeMSR(uint32(r.Rcx), val); err != nil {
		if hostFailure(err) {
			return Fatal, err
		}
		c.d.spurious.Debugf("vcpu %d: %v", c.VCPU.ID(), err)
		return c.InjectGP()
	}
	return c.skip()
}

// Hypercall is a guest hypercall. Guests use the VMCALL sub-function
// numbering: R10 zero, the hypercall in R11, arguments in R12 to R15 and
// the status returned in R10.
type Hypercall = tdcall.SubFunction

// DefaultHypercalls are the hypercalls guests may issue.
var DefaultHypercalls = []Hypercall{tdcall.SubCPUID, tdcall.SubMapGPA, tdcall.SubGetQuote}

func handleVMCALL(c *Context) (Action, error) {
	r := &c.VCPU.Regs
	hc := Hypercall(r.R11)
	status := tdcall.VMCallSuccess
	var err error
	switch {
	case r.R10 != 0 || !c.d.hypercalls[hc]:
		status = tdcall.VMCallInvalidOperand
	case hc == tdcall.SubCPUID:
		out := c.VCPU.CPUID().Query(cpuid.In{Eax: uint32(r.R12), Ecx: uint32(r.R13)})
		r.R12, r.R13, r.R14, r.R15 = uint64(out.Eax), uint64(out.Ebx), uint64(out.Ecx), uint64(out.Edx)
	case hc == tdcall.SubMapGPA:
		err = c.d.host.MapGPA(r.R12, r.R13)
	case hc == tdcall.SubGetQuote:
		err = c.d.host.GetQuote(r.R12, r.R13)
	default:
		status = tdcall.VMCallInvalidOperand
	}
	if err != nil {
		var ve *tdcall.VMCallError
		if !errors.As(err, &ve) {
			return Fatal, err
		}
		status = ve.Status
	}
	r.R10 = uint64(status)
	return c.skip()
}

func handleEPTViolation(c *Context) (Action, error) {
	gpa := c.Exit.GuestPhysical
	if c.d.memory.GuestOwned(gpa) {
		if err := c.d.memory.Resolve(gpa); err != nil {
			return Fatal, err
		}
		return Resume, nil
	}
	return c.emulateMMIO(gpa)
}

// emulateMMIO emulates the instruction that accessed device memory at gpa.
func (c *Context) emulateMMIO(gpa uint64) (Action, error) {
	acc, err := c.d.decoder.Decode(c.VCPU, c.VMCS)
	if err != nil {
		return Fatal, fmt.Errorf("decoding MMIO access to %#x: %w", gpa, err)
	}
	local := c.d.ioapic != nil && c.d.ioapic.Contains(gpa, acc.Size)
	if acc.Write {
		val := acc.Immediate
		if !acc.HasImmediate {
			v, err := c.VCPU.ReadGPR(c.VMCS, acc.Register)
			if err != nil {
				return Fatal, err
			}
			val = v
		}
		val &= sizeMask(acc.Size)
		if local {
			err = c.d.ioapic.WriteMMIO(gpa, le(val, acc.Size))
		} else {
			err = c.d.host.WriteMMIO(gpa, acc.Size, val)
		}
		if err != nil {
			if hostFailure(err) || local {
				return Fatal, err
			}
			c.d.spurious.Warningf("vcpu %d: mmio write %#x: %v", c.VCPU.ID(), gpa, err)
		}
	} else {
		var val uint64
		if local {
			buf := make([]byte, acc.Size)
			if err := c.d.ioapic.ReadMMIO(gpa, buf); err != nil {
				return Fatal, err
			}
			val = fromLE(buf)
		} else if val, err = c.d.host.ReadMMIO(gpa, acc.Size); err != nil {
			if hostFailure(err) {
				return Fatal, err
			}
			c.d.spurious.Warningf("vcpu %d: mmio read %#x: %v", c.VCPU.ID(), gpa, err)
			val = ^uint64(0)
		}
		if acc.Register == vcpu.RSP {
			return Fatal, errors.New("MMIO load into RSP")
		}
		reg := c.VCPU.Regs.Ref(acc.Register)
		if acc.ZeroExtend {
			*reg = val & sizeMask(acc.Size)
		} else {
			mergeResult(reg, acc.Size, val)
		}
	}
	if err := c.advance(uint64(acc.Length)); err != nil {
		return Fatal, err
	}
	return Resume, nil
}

func (c *Context) advance(n uint64) error {
	rip, err := c.VMCS.Read(vmcs.GuestRIP)
	if err != nil {
		return err
	}
	return c.VMCS.Write(vmcs.GuestRIP, rip+n)
}

func le(v uint64, size int) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:size]
}

func fromLE(b []byte) uint64 {
	var w [8]byte
	copy(w[:], b)
	return binary.LittleEndian.Uint64(w[:])
}
