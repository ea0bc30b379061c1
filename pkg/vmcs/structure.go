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

package vmcs

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotOwner is returned when a structure is loaded on a processor
	// other than the one its virtual CPU is bound to.
	ErrNotOwner = errors.New("control structure not owned by this processor")

	// ErrAlreadyLoaded is returned when loading a structure that already
	// has a live accessor.
	ErrAlreadyLoaded = errors.New("control structure already loaded")

	// ErrNotLoaded is returned by an accessor used after Release.
	ErrNotLoaded = errors.New("control structure not loaded")

	// ErrReleased is returned when loading a released structure.
	ErrReleased = errors.New("control structure released")

	// ErrUnknownField is returned for fields outside the catalogue.
	ErrUnknownField = errors.New("unknown control structure field")

	// ErrReadOnly is returned when writing an exit information field.
	ErrReadOnly = errors.New("control structure field is read-only")
)

// WidthError is returned when a value does not fit the field width.
type WidthError struct {
	Field Field
	Value uint64
}

// Error implements error.Error.
func (e *WidthError) Error() string {
	return fmt.Sprintf("value %#x does not fit %v", e.Value, e.Field)
}

// Backend is the raw field store behind a Structure. On hardware this is the
// processor's control structure access path; Memory is used elsewhere.
//
// Backends do not validate fields.
type Backend interface {
	ReadField(f Field) (uint64, error)
	WriteField(f Field, v uint64) error
}

// Memory is an in-memory Backend.
type Memory struct {
	mu     sync.Mutex
	fields map[Field]uint64
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{fields: make(map[Field]uint64)}
}

// ReadField implements Backend.ReadField. Unwritten fields read as zero.
func (m *Memory) ReadField(f Field) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fields[f], nil
}

// WriteField implements Backend.WriteField.
func (m *Memory) WriteField(f Field, v uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields[f] = v
	return nil
}

// Structure is a control structure exclusively owned by one virtual CPU.
type Structure struct {
	cpu     int
	backend Backend

	mu       sync.Mutex
	loaded   *Accessor
	released bool
}

// New returns a structure bound to processor cpu.
func New(cpu int, b Backend) *Structure {
	return &Structure{cpu: cpu, backend: b}
}

// CPU returns the processor the structure is bound to.
func (s *Structure) CPU() int {
	return s.cpu
}

// Load makes the structure current on processor cpu and returns the only
// accessor through which it may be used. The accessor must be released
// before the structure can be loaded again.
func (s *Structure) Load(cpu int) (*Accessor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, ErrReleased
	}
	if cpu != s.cpu {
		return nil, fmt.Errorf("load on cpu %d, bound to cpu %d: %w", cpu, s.cpu, ErrNotOwner)
	}
	if s.loaded != nil {
		return nil, ErrAlreadyLoaded
	}
	s.loaded = &Accessor{s: s}
	return s.loaded, nil
}

// Loaded returns true iff an accessor is live.
func (s *Structure) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded != nil
}

// Release permanently retires the structure. Any live accessor is
// invalidated.
func (s *Structure) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded != nil {
		s.loaded.s = nil
		s.loaded = nil
	}
	s.released = true
}

func (s *Structure) unload(a *Accessor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded == a {
		s.loaded = nil
	}
}

// Accessor is the typed view of a loaded Structure. It is not safe for
// concurrent use; it belongs to the processor that loaded it.
type Accessor struct {
	s *Structure
}

// Release unloads the structure. The accessor is unusable afterwards.
func (a *Accessor) Release() {
	if a.s == nil {
		return
	}
	s := a.s
	a.s = nil
	s.unload(a)
}

func (a *Accessor) check(f Field) error {
	if a.s == nil {
		return ErrNotLoaded
	}
	if !Known(f) {
		return fmt.Errorf("%#x: %w", uint32(f), ErrUnknownField)
	}
	return nil
}

// Read reads f.
func (a *Accessor) Read(f Field) (uint64, error) {
	if err := a.check(f); err != nil {
		return 0, err
	}
	v, err := a.s.backend.ReadField(f)
	if err != nil {
		return 0, fmt.Errorf("reading %v: %w", f, err)
	}
	return v & f.Width().Mask(), nil
}

// Write writes v to f.
func (a *Accessor) Write(f Field, v uint64) error {
	if err := a.check(f); err != nil {
		return err
	}
	if f.ReadOnly() {
		return fmt.Errorf("%v: %w", f, ErrReadOnly)
	}
	if v&^f.Width().Mask() != 0 {
		return &WidthError{Field: f, Value: v}
	}
	if err := a.s.backend.WriteField(f, v); err != nil {
		return fmt.Errorf("writing %v: %w", f, err)
	}
	return nil
}

// SetBits sets bits in f.
func (a *Accessor) SetBits(f Field, bits uint64) error {
	v, err := a.Read(f)
	if err != nil {
		return err
	}
	return a.Write(f, v|bits)
}

// ClearBits clears bits in f.
func (a *Accessor) ClearBits(f Field, bits uint64) error {
	v, err := a.Read(f)
	if err != nil {
		return err
	}
	return a.Write(f, v&^bits)
}

// Read16 reads a 16-bit field.
func (a *Accessor) Read16(f Field) (uint16, error) {
	if f.Width() != Width16 {
		return 0, fmt.Errorf("%v is not 16-bit", f)
	}
	v, err := a.Read(f)
	return uint16(v), err
}

// Read32 reads a 32-bit field.
func (a *Accessor) Read32(f Field) (uint32, error) {
	if f.Width() != Width32 {
		return 0, fmt.Errorf("%v is not 32-bit", f)
	}
	v, err := a.Read(f)
	return uint32(v), err
}
