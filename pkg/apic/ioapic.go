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

package apic

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// I/O APIC register window.
const (
	IOAPICBase       uint64 = 0xfec00000
	IOAPICWindowSize uint64 = 0x20

	ioregsel = 0x00
	iowin    = 0x10

	ioapicID           = 0x00
	ioapicVersion      = 0x01
	ioapicArbitration  = 0x02
	ioapicRedirectBase = 0x10

	ioapicVersionValue = 0x11

	// DefaultIOAPICPins is the number of redirection entries.
	DefaultIOAPICPins = 24
)

// Redirection entry bits.
const (
	redirVectorMask    = 0xff
	redirDeliveryShift = 8
	redirDestModeBit   = 1 << 11
	redirPolarityBit   = 1 << 13
	redirRemoteIRRBit  = 1 << 14
	redirTriggerBit    = 1 << 15
	redirMaskBit       = 1 << 16
	redirDestShift     = 56

	deliveryModeFixed          = 0x0
	deliveryModeLowestPriority = 0x1

	// redirWritable are the bits the guest may write.
	redirWritable uint64 = 0xff000000000000ff |
		0x7<<redirDeliveryShift |
		redirDestModeBit |
		redirPolarityBit |
		redirTriggerBit |
		redirMaskBit
)

// Routing receives interrupts leaving the I/O APIC.
type Routing interface {
	// Assert delivers vector to dest. destMode is DestPhysical or
	// DestLogical.
	Assert(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool)
}

// Redirection is a decoded redirection table entry.
type Redirection uint64

// Vector returns the vector delivered for the pin.
func (r Redirection) Vector() uint8 { return uint8(r & redirVectorMask) }

// DeliveryMode returns the delivery mode.
func (r Redirection) DeliveryMode() uint8 { return uint8(r>>redirDeliveryShift) & 0x7 }

// Logical returns true for logical destination mode.
func (r Redirection) Logical() bool { return r&redirDestModeBit != 0 }

// ActiveLow returns true when the pin is active low.
func (r Redirection) ActiveLow() bool { return r&redirPolarityBit != 0 }

// RemoteIRR returns true while a level interrupt awaits EOI.
func (r Redirection) RemoteIRR() bool { return r&redirRemoteIRRBit != 0 }

// Level returns true for level-triggered pins.
func (r Redirection) Level() bool { return r&redirTriggerBit != 0 }

// Masked returns true when the pin is masked.
func (r Redirection) Masked() bool { return r&redirMaskBit != 0 }

// Destination returns the destination field.
func (r Redirection) Destination() uint8 { return uint8(r >> redirDestShift) }

func (r Redirection) levelCapable() bool {
	if !r.Level() {
		return false
	}
	mode := r.DeliveryMode()
	return mode == deliveryModeFixed || mode == deliveryModeLowestPriority
}

func (r *Redirection) setRemoteIRR(v bool) {
	if v {
		*r |= redirRemoteIRRBit
	} else {
		*r &^= redirRemoteIRRBit
	}
}

// pin is one I/O APIC input.
type pin struct {
	redir Redirection
	// asserted is the logical line state after polarity.
	asserted bool
}

// IOAPIC is the I/O interrupt controller shared by all virtual CPUs. Unlike
// the local APICs it may be driven from any processor and carries its own
// lock.
type IOAPIC struct {
	mu      sync.Mutex
	pins    []pin
	index   uint8
	id      uint8
	routing Routing

	delivered []uint64
}

// NewIOAPIC returns an I/O APIC with n pins, all masked.
func NewIOAPIC(n int, routing Routing) *IOAPIC {
	if n <= 0 {
		n = DefaultIOAPICPins
	}
	io := &IOAPIC{
		pins:      make([]pin, n),
		routing:   routing,
		delivered: make([]uint64, n),
	}
	for i := range io.pins {
		io.pins[i].redir = redirMaskBit
	}
	return io
}

// Pins returns the number of redirection entries.
func (io *IOAPIC) Pins() int {
	return len(io.pins)
}

// Redirection returns the redirection entry for pin p.
func (io *IOAPIC) Redirection(p int) Redirection {
	io.mu.Lock()
	defer io.mu.Unlock()
	return io.pins[p].redir
}

// SetRedirection programs pin p directly, as firmware tables do.
func (io *IOAPIC) SetRedirection(p int, r Redirection) error {
	io.mu.Lock()
	defer io.mu.Unlock()
	if p < 0 || p >= len(io.pins) {
		return fmt.Errorf("ioapic: pin %d out of range", p)
	}
	io.write(p, uint64(r)&redirWritable)
	return nil
}

// Delivered returns the number of interrupts delivered from pin p.
func (io *IOAPIC) Delivered(p int) uint64 {
	io.mu.Lock()
	defer io.mu.Unlock()
	return io.delivered[p]
}

// SetIRQ sets the electrical level of pin p. Polarity is applied before
// trigger mode.
func (io *IOAPIC) SetIRQ(p int, high bool) {
	io.mu.Lock()
	defer io.mu.Unlock()
	if p < 0 || p >= len(io.pins) {
		return
	}
	e := &io.pins[p]
	asserted := high != e.redir.ActiveLow()
	if asserted {
		edge := !e.asserted
		e.asserted = true
		io.evaluate(p, edge)
	} else {
		e.asserted = false
	}
}

// HandleEOI implements EOIHandler: remote IRR is cleared for every pin
// delivering vector and still-asserted level pins fire again.
func (io *IOAPIC) HandleEOI(vector uint32) {
	io.mu.Lock()
	defer io.mu.Unlock()
	for p := range io.pins {
		e := &io.pins[p]
		if uint32(e.redir.Vector()) == vector && e.redir.RemoteIRR() {
			e.redir.setRemoteIRR(false)
			io.evaluate(p, false)
		}
	}
}

// evaluate delivers pin p if its state warrants it. edge is set on an
// inactive to active transition.
func (io *IOAPIC) evaluate(p int, edge bool) {
	e := &io.pins[p]
	if e.redir.Masked() {
		return
	}
	level := e.redir.levelCapable()
	switch {
	case level && (!e.asserted || e.redir.RemoteIRR()):
		return
	case !level && !edge:
		return
	}
	e.redir.setRemoteIRR(level)
	io.delivered[p]++
	if io.routing == nil {
		return
	}
	destMode := uint8(DestPhysical)
	if e.redir.Logical() {
		destMode = DestLogical
	}
	io.routing.Assert(e.redir.Vector(), e.redir.Destination(), destMode, e.redir.DeliveryMode(), level)
}

// write replaces the writable bits of pin p's entry.
func (io *IOAPIC) write(p int, val uint64) {
	e := &io.pins[p]
	wasMasked := e.redir.Masked()
	e.redir = Redirection(uint64(e.redir)&^redirWritable | val&redirWritable)
	// Unmasking an asserted edge pin delivers it.
	io.evaluate(p, wasMasked && !e.redir.Masked() && e.asserted)
}

// Contains returns true iff the access lies in the register window.
func (io *IOAPIC) Contains(addr uint64, size int) bool {
	return addr >= IOAPICBase && addr+uint64(size) <= IOAPICBase+IOAPICWindowSize
}

// ReadMMIO reads from the register window.
func (io *IOAPIC) ReadMMIO(addr uint64, data []byte) error {
	if !io.Contains(addr, len(data)) {
		return fmt.Errorf("ioapic: read outside MMIO window: %#x", addr)
	}
	io.mu.Lock()
	var value uint32
	switch addr - IOAPICBase {
	case ioregsel:
		value = uint32(io.index)
	case iowin:
		value = io.readRegister(io.index)
	default:
		io.mu.Unlock()
		return fmt.Errorf("ioapic: invalid read offset %#x", addr-IOAPICBase)
	}
	io.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	copy(data, buf[:])
	return nil
}

// WriteMMIO writes to the register window.
func (io *IOAPIC) WriteMMIO(addr uint64, data []byte) error {
	if !io.Contains(addr, len(data)) {
		return fmt.Errorf("ioapic: write outside MMIO window: %#x", addr)
	}
	io.mu.Lock()
	defer io.mu.Unlock()
	switch addr - IOAPICBase {
	case ioregsel:
		if len(data) == 0 {
			return fmt.Errorf("ioapic: empty write to select register")
		}
		io.index = data[0]
	case iowin:
		if len(data) != 4 && len(data) != 8 {
			return fmt.Errorf("ioapic: invalid data register write size %d", len(data))
		}
		io.writeRegister(io.index, binary.LittleEndian.Uint32(data))
	default:
		return fmt.Errorf("ioapic: invalid write offset %#x", addr-IOAPICBase)
	}
	return nil
}

func (io *IOAPIC) readRegister(index uint8) uint32 {
	switch {
	case index == ioapicID:
		return uint32(io.id&0x0f) << 24
	case index == ioapicVersion:
		return ioapicVersionValue | uint32(len(io.pins)-1)<<16
	case index == ioapicArbitration:
		return 0
	case index >= ioapicRedirectBase:
		p := int(index-ioapicRedirectBase) / 2
		if p >= len(io.pins) {
			return 0
		}
		raw := uint64(io.pins[p].redir)
		if index&1 == 1 {
			return uint32(raw >> 32)
		}
		return uint32(raw)
	default:
		return 0
	}
}

func (io *IOAPIC) writeRegister(index uint8, value uint32) {
	switch {
	case index == ioapicID:
		io.id = uint8(value>>24) & 0x0f
	case index >= ioapicRedirectBase:
		p := int(index-ioapicRedirectBase) / 2
		if p >= len(io.pins) {
			return
		}
		raw := uint64(io.pins[p].redir)
		if index&1 == 1 {
			raw = raw&0xffffffff | uint64(value)<<32
		} else {
			raw = raw&^0xffffffff | uint64(value)
		}
		io.write(p, raw&redirWritable)
	}
	// Version and arbitration are read-only.
}
