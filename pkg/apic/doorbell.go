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
	"fmt"
	"sync"
	"sync/atomic"
)

// Doorbell is a posted-interrupt descriptor. Any processor may post vectors
// into it; only the processor owning the target virtual CPU drains it into
// the local APIC. Posting never touches the local APIC state directly.
type Doorbell struct {
	pir   [NumVectors / 64]atomic.Uint64
	level [NumVectors / 64]atomic.Uint64

	// outstanding is set from the first post until the next Drain, so
	// only one notification is sent per batch.
	outstanding atomic.Bool
	notify      chan struct{}
}

// NewDoorbell returns an empty doorbell.
func NewDoorbell() *Doorbell {
	return &Doorbell{notify: make(chan struct{}, 1)}
}

// Post records v as pending and signals the owner. It returns false if v
// was already posted and not yet drained.
func (d *Doorbell) Post(v uint8, level bool) bool {
	bit := uint64(1) << (v % 64)
	if level {
		d.level[v/64].Or(bit)
	}
	if d.pir[v/64].Or(bit)&bit != 0 {
		return false
	}
	if d.outstanding.CompareAndSwap(false, true) {
		select {
		case d.notify <- struct{}{}:
		default:
		}
	}
	return true
}

// Pending returns true iff posts are waiting to be drained.
func (d *Doorbell) Pending() bool {
	for i := range d.pir {
		if d.pir[i].Load() != 0 {
			return true
		}
	}
	return false
}

// Drain atomically takes all posted vectors.
func (d *Doorbell) Drain() (pending, level VectorSet) {
	d.outstanding.Store(false)
	for i := range d.pir {
		pending[i] = d.pir[i].Swap(0)
		level[i] = d.level[i].Swap(0) & pending[i]
	}
	return pending, level
}

// Notify returns the channel that receives a value when the first vector of
// a batch is posted. Halted virtual CPUs wait on it.
func (d *Doorbell) Notify() <-chan struct{} {
	return d.notify
}

// Ring wakes the owner without posting a vector.
func (d *Doorbell) Ring() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Destination modes.
const (
	DestPhysical = 0
	DestLogical  = 1
)

// BroadcastID is the physical destination that addresses every APIC.
const BroadcastID = 0xff

// Bus routes interrupts to doorbells by APIC ID. It implements Routing for
// the I/O APIC and is used for inter-processor interrupts.
type Bus struct {
	mu        sync.RWMutex
	doorbells map[uint32]*Doorbell
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{doorbells: make(map[uint32]*Doorbell)}
}

// Attach registers the doorbell for an APIC ID.
func (b *Bus) Attach(id uint32, d *Doorbell) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.doorbells[id]; ok {
		return fmt.Errorf("APIC ID %d already attached", id)
	}
	b.doorbells[id] = d
	return nil
}

// Detach removes the doorbell for an APIC ID.
func (b *Bus) Detach(id uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.doorbells, id)
}

// targets returns the doorbells addressed by dest in the given mode. Logical
// mode uses the flat model: bit i of dest selects APIC ID i.
func (b *Bus) targets(dest uint32, destMode uint8) []*Doorbell {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var ds []*Doorbell
	switch {
	case destMode == DestPhysical && dest == BroadcastID:
		for _, d := range b.doorbells {
			ds = append(ds, d)
		}
	case destMode == DestPhysical:
		if d, ok := b.doorbells[dest]; ok {
			ds = append(ds, d)
		}
	default:
		for id, d := range b.doorbells {
			if id < 32 && dest&(1<<id) != 0 {
				ds = append(ds, d)
			}
		}
	}
	return ds
}

// Send posts v to every APIC addressed by dest. It returns the number of
// targets.
func (b *Bus) Send(dest uint32, destMode uint8, v uint8, level bool) int {
	ds := b.targets(dest, destMode)
	for _, d := range ds {
		d.Post(v, level)
	}
	return len(ds)
}

// Assert implements Routing.Assert.
func (b *Bus) Assert(vector uint8, dest uint8, destMode uint8, deliveryMode uint8, level bool) {
	b.Send(uint32(dest), destMode, vector, level)
}
