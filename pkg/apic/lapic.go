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
	"errors"
	"fmt"
)

// FirstValidVector is the lowest vector that may be raised. Vectors below it
// are reserved for exceptions; posting one is an illegal-vector error.
const FirstValidVector = 16

// Spurious vector register bits.
const (
	svrEnable       = 1 << 8
	svrDefault      = 0xff
	svrWritableMask = 0x1ff
)

// ErrIllegalVector is returned when raising a reserved vector.
var ErrIllegalVector = errors.New("illegal interrupt vector")

// EOIHandler is told about the end of a level-triggered interrupt.
type EOIHandler interface {
	HandleEOI(vector uint32)
}

// LAPIC is the local interrupt controller of one virtual CPU.
//
// A LAPIC is touched only by the processor owning its virtual CPU; no lock is
// taken. Other processors raise interrupts through its Doorbell.
type LAPIC struct {
	id uint32

	irr VectorSet
	isr VectorSet
	tmr VectorSet

	// mask holds locally masked vectors; raising one is dropped.
	mask VectorSet

	tpr uint8
	svr uint32
	esr uint32
	icr uint64
	lvt [lvtCount]uint32

	timerInitial uint32
	timerDivide  uint32

	doorbell *Doorbell
	bus      *Bus
	eoi      EOIHandler
}

// Config configures a LAPIC.
type Config struct {
	// ID is the x2APIC ID.
	ID uint32

	// Bus, if set, carries inter-processor interrupts.
	Bus *Bus

	// EOI, if set, is told about level-triggered EOIs.
	EOI EOIHandler
}

// New returns a LAPIC in its reset state, with software enable set. If
// cfg.Bus is set, the LAPIC's doorbell is attached to it.
func New(cfg Config) (*LAPIC, error) {
	l := &LAPIC{
		id:       cfg.ID,
		svr:      svrDefault | svrEnable,
		doorbell: NewDoorbell(),
		bus:      cfg.Bus,
		eoi:      cfg.EOI,
	}
	for i := range l.lvt {
		l.lvt[i] = lvtMasked
	}
	if l.bus != nil {
		if err := l.bus.Attach(l.id, l.doorbell); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// ID returns the x2APIC ID.
func (l *LAPIC) ID() uint32 {
	return l.id
}

// Doorbell returns the LAPIC's posted-interrupt doorbell.
func (l *LAPIC) Doorbell() *Doorbell {
	return l.doorbell
}

// Enabled returns true iff the LAPIC is software enabled.
func (l *LAPIC) Enabled() bool {
	return l.svr&svrEnable != 0
}

// Raise makes v pending. It returns false if v is locally masked.
func (l *LAPIC) Raise(v uint8) (bool, error) {
	return l.raise(v, false)
}

// RaiseLevel makes v pending as a level-triggered interrupt.
func (l *LAPIC) RaiseLevel(v uint8) (bool, error) {
	return l.raise(v, true)
}

func (l *LAPIC) raise(v uint8, level bool) (bool, error) {
	if v < FirstValidVector {
		l.esr |= esrReceiveIllegal
		return false, fmt.Errorf("vector %d: %w", v, ErrIllegalVector)
	}
	if l.mask.Has(v) {
		return false, nil
	}
	l.irr.Add(v)
	if level {
		l.tmr.Add(v)
	} else {
		l.tmr.Remove(v)
	}
	return true, nil
}

// Mask locally masks v.
func (l *LAPIC) Mask(v uint8) {
	l.mask.Add(v)
}

// Unmask removes the local mask for v.
func (l *LAPIC) Unmask(v uint8) {
	l.mask.Remove(v)
}

// Sync drains the doorbell into the pending set. It returns true if any
// vector was drained.
func (l *LAPIC) Sync() bool {
	pending, level := l.doorbell.Drain()
	if pending.IsEmpty() {
		return false
	}
	for _, v := range pending.Vectors() {
		// Illegal vectors are recorded in the error status.
		l.raise(v, level.Has(v))
	}
	return true
}

// TPR returns the task priority.
func (l *LAPIC) TPR() uint8 {
	return l.tpr
}

// SetTPR sets the task priority.
func (l *LAPIC) SetTPR(tpr uint8) {
	l.tpr = tpr
}

// PPR returns the processor priority: the higher of the task priority and
// the class of the highest in-service vector.
func (l *LAPIC) PPR() uint8 {
	isrv, ok := l.isr.Maximum()
	if !ok || PriorityClass(l.tpr) >= PriorityClass(isrv) {
		return l.tpr
	}
	return isrv & 0xf0
}

// NextInjectable returns the highest-priority pending vector that may be
// delivered now.
func (l *LAPIC) NextInjectable() (uint8, bool) {
	if !l.Enabled() {
		return 0, false
	}
	v, ok := l.irr.Maximum()
	if !ok {
		return 0, false
	}
	if PriorityClass(v) <= PriorityClass(l.PPR()) {
		return 0, false
	}
	return v, true
}

// HasPending returns true iff any vector is pending, whether or not it is
// currently deliverable.
func (l *LAPIC) HasPending() bool {
	return !l.irr.IsEmpty()
}

// Pending returns true iff v is pending.
func (l *LAPIC) Pending(v uint8) bool {
	return l.irr.Has(v)
}

// InService returns true iff v is in service.
func (l *LAPIC) InService(v uint8) bool {
	return l.isr.Has(v)
}

// Acknowledge moves v from pending to in-service. It must be called exactly
// when v is injected at VM-entry.
func (l *LAPIC) Acknowledge(v uint8) {
	l.irr.Remove(v)
	l.isr.Add(v)
}

// EndOfInterrupt clears v from in-service. Repeated calls have no further
// effect.
func (l *LAPIC) EndOfInterrupt(v uint8) {
	if !l.isr.Has(v) {
		return
	}
	l.isr.Remove(v)
	if l.tmr.Has(v) {
		l.tmr.Remove(v)
		if l.eoi != nil {
			l.eoi.HandleEOI(uint32(v))
		}
	}
}

// EOI ends the highest-priority in-service interrupt, as a write to the EOI
// register does.
func (l *LAPIC) EOI() {
	if v, ok := l.isr.Maximum(); ok {
		l.EndOfInterrupt(v)
	}
}

// SendIPI delivers a fixed interrupt to dest. Self-targeted interrupts are
// raised locally; others go over the bus.
func (l *LAPIC) SendIPI(dest uint32, v uint8) error {
	if v < FirstValidVector {
		l.esr |= esrSendIllegal
		return fmt.Errorf("IPI vector %d: %w", v, ErrIllegalVector)
	}
	if dest == l.id {
		_, err := l.Raise(v)
		return err
	}
	if l.bus == nil || l.bus.Send(dest, DestPhysical, v, false) == 0 {
		return fmt.Errorf("no APIC with ID %d", dest)
	}
	return nil
}

// Close detaches the LAPIC from its bus and rings the doorbell so a waiting
// owner notices.
func (l *LAPIC) Close() {
	if l.bus != nil {
		l.bus.Detach(l.id)
	}
	l.doorbell.Ring()
}
