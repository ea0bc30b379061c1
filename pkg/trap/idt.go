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
	"errors"
	"fmt"
	"sync"
)

// StubStride is the fixed size in bytes of each per-vector entry stub.
const StubStride = 32

// EntrySize is the size in bytes of a single descriptor table entry.
const EntrySize = 16

// TableSize is the size in bytes of the full descriptor table.
const TableSize = NumVectors * EntrySize

// Descriptor table entry layout.
const (
	gateTypeInterrupt = 0xE

	entryOffsetLowMask  = 0xffff
	entryOffsetMidMask  = 0xffff0000
	entryOffsetMidShift = 32 // bits 16-31 of the target land at bits 48-63.
	entrySelectorShift  = 16
	entryISTShift       = 32
	entryISTMask        = 0x7
	entryTypeShift      = 40
	entryTypeMask       = 0xf
	entryPresentBit     = 1 << 47
)

// MaxIST is the largest valid stack-switch index.
const MaxIST = entryISTMask

// Entry is a single 16-byte interrupt gate.
//
// Only interrupt gates are supported; trap and task gates are never produced.
type Entry struct {
	Low  uint64
	High uint64
}

// NoHandler returns an all-zero, non-present entry.
func NoHandler() Entry {
	return Entry{}
}

// NewEntry encodes an interrupt gate for the given target.
func NewEntry(target uint64, selector uint16, ist uint8) Entry {
	var e Entry
	e.Low = target&entryOffsetLowMask |
		(target&entryOffsetMidMask)<<entryOffsetMidShift |
		uint64(selector)<<entrySelectorShift |
		uint64(ist&entryISTMask)<<entryISTShift |
		gateTypeInterrupt<<entryTypeShift |
		entryPresentBit
	e.High = target >> 32
	return e
}

// Present returns true iff the present bit is set.
func (e Entry) Present() bool {
	return e.Low&entryPresentBit != 0
}

// Target decodes the handler address.
func (e Entry) Target() uint64 {
	return e.Low&entryOffsetLowMask |
		(e.Low>>entryOffsetMidShift)&entryOffsetMidMask |
		e.High<<32
}

// Selector returns the code segment selector.
func (e Entry) Selector() uint16 {
	return uint16(e.Low >> entrySelectorShift)
}

// IST returns the stack-switch index; zero means no switch.
func (e Entry) IST() uint8 {
	return uint8(e.Low>>entryISTShift) & entryISTMask
}

// Type returns the gate type.
func (e Entry) Type() uint8 {
	return uint8(e.Low>>entryTypeShift) & entryTypeMask
}

func (e Entry) withPresent(present bool) Entry {
	if present {
		e.Low |= entryPresentBit
	} else {
		e.Low &^= entryPresentBit
	}
	return e
}

// String implements fmt.Stringer.
func (e Entry) String() string {
	if !e.Present() && e == (Entry{}) {
		return "<none>"
	}
	return fmt.Sprintf("target=%#016x sel=%#x ist=%d type=%#x present=%t",
		e.Target(), e.Selector(), e.IST(), e.Type(), e.Present())
}

// Descriptor is the operand of the table load instruction.
type Descriptor struct {
	Limit uint16
	Base  uint64
}

// Bytes returns the packed 10-byte in-memory form.
func (d Descriptor) Bytes() []byte {
	b := make([]byte, 10)
	binary.LittleEndian.PutUint16(b[0:], d.Limit)
	binary.LittleEndian.PutUint64(b[2:], d.Base)
	return b
}

// Loader issues the privileged descriptor table load on the calling
// processor.
type Loader interface {
	LoadIDT(d Descriptor) error
}

// Options are the initialization parameters supplied by bring-up.
type Options struct {
	// HandlerBase is the address of the stub for vector 0. The stub for
	// vector i is at HandlerBase + i*StubStride.
	HandlerBase uint64

	// Base is the linear address at which the table itself resides.
	Base uint64

	// Selector is the kernel code segment selector.
	Selector uint16

	// IST optionally maps vectors to a stack-switch index. Vectors not
	// present use index zero.
	IST map[Vector]uint8
}

var (
	// ErrAlreadyBuilt is returned by Build on a table that was already
	// built.
	ErrAlreadyBuilt = errors.New("descriptor table already built")

	// ErrNotBuilt is returned by operations that require a built table.
	ErrNotBuilt = errors.New("descriptor table not built")
)

// Table is the 256-entry trap descriptor table.
//
// A Table is built exactly once during bring-up and is read-only afterwards,
// except for per-entry present toggles. The same Table is handed to every
// processor, which loads it with Load before enabling interrupts.
type Table struct {
	// mu serializes Build and the present toggles. Readers of a built
	// table never take it.
	mu sync.Mutex

	built   bool
	base    uint64
	entries [NumVectors]Entry
}

// NewTable returns a table whose entries are all NoHandler.
func NewTable() *Table {
	t := &Table{}
	for i := range t.entries {
		t.entries[i] = NoHandler()
	}
	return t
}

// Build fills all entries. Entry i targets opts.HandlerBase + i*StubStride.
func (t *Table) Build(opts Options) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.built {
		return ErrAlreadyBuilt
	}
	for v, ist := range opts.IST {
		if ist > MaxIST {
			return fmt.Errorf("vector %v: stack-switch index %d out of range", v, ist)
		}
	}
	for i := 0; i < NumVectors; i++ {
		v := Vector(i)
		t.entries[i] = NewEntry(opts.HandlerBase+uint64(i)*StubStride, opts.Selector, opts.IST[v])
	}
	t.base = opts.Base
	t.built = true
	return nil
}

// Built returns true once Build has succeeded.
func (t *Table) Built() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.built
}

// Entry returns the entry for v.
func (t *Table) Entry(v Vector) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[v]
}

// Enable sets the present bit for v.
func (t *Table) Enable(v Vector) error {
	return t.setPresent(v, true)
}

// Disable clears the present bit for v. A raised vector whose entry is
// disabled is treated as unexpected by the dispatcher.
func (t *Table) Disable(v Vector) error {
	return t.setPresent(v, false)
}

func (t *Table) setPresent(v Vector, present bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.built {
		return ErrNotBuilt
	}
	t.entries[v] = t.entries[v].withPresent(present)
	return nil
}

// Descriptor returns the load descriptor for the table.
func (t *Table) Descriptor() Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Descriptor{Limit: TableSize - 1, Base: t.base}
}

// Bytes returns the in-memory image of the table.
func (t *Table) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := make([]byte, TableSize)
	for i, e := range t.entries {
		binary.LittleEndian.PutUint64(b[i*EntrySize:], e.Low)
		binary.LittleEndian.PutUint64(b[i*EntrySize+8:], e.High)
	}
	return b
}

// Load installs the table on the calling processor via l. It must be called
// on every processor before that processor enables interrupts.
func (t *Table) Load(l Loader) error {
	if !t.Built() {
		return ErrNotBuilt
	}
	if err := l.LoadIDT(t.Descriptor()); err != nil {
		return fmt.Errorf("loading descriptor table: %w", err)
	}
	return nil
}
