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
	"errors"
	"fmt"
	"sync"
)

// Handler services a single trap. A nil return resumes the interrupted
// context; any error is fatal.
//
// Handlers run with interrupts suppressed and must not block.
type Handler func(f *Frame) error

// FatalFunc is invoked for unexpected vectors and failed handlers. In
// production it does not return.
type FatalFunc func(f *Frame, err error)

// ErrHandlerExists is returned when registering a second handler for a
// vector.
var ErrHandlerExists = errors.New("handler already registered")

// UnexpectedError describes a vector that had no business being raised.
type UnexpectedError struct {
	Vector Vector
	Reason string
}

// Error implements error.Error.
func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("unexpected trap %v (vector %d): %s", e.Vector, uint8(e.Vector), e.Reason)
}

// Dispatcher is the generic trap dispatcher called by the shared prologue.
type Dispatcher struct {
	table *Table
	fatal FatalFunc

	// onTrap, if set, is called for every dispatched trap.
	onTrap func(Vector)

	mu       sync.RWMutex
	handlers [NumVectors]Handler
}

// NewDispatcher returns a dispatcher over t that escalates to fatal.
func NewDispatcher(t *Table, fatal FatalFunc) *Dispatcher {
	return &Dispatcher{table: t, fatal: fatal}
}

// SetObserver installs fn to be called for every dispatched trap.
func (d *Dispatcher) SetObserver(fn func(Vector)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onTrap = fn
}

// Register installs h for v. Handlers are registered during bring-up.
func (d *Dispatcher) Register(v Vector, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers[v] != nil {
		return fmt.Errorf("vector %v: %w", v, ErrHandlerExists)
	}
	d.handlers[v] = h
	return nil
}

// Registered returns true iff a handler is installed for v.
func (d *Dispatcher) Registered(v Vector) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[v] != nil
}

// Dispatch services the trap described by f. Vectors whose entry is not
// present, vectors without a handler and handler failures all reach the
// fatal path; nothing is silently ignored.
func (d *Dispatcher) Dispatch(f *Frame) {
	v := f.Trap()
	d.mu.RLock()
	h, observe := d.handlers[v], d.onTrap
	d.mu.RUnlock()

	if observe != nil {
		observe(v)
	}
	if !d.table.Entry(v).Present() {
		d.fatal(f, &UnexpectedError{Vector: v, Reason: "descriptor not present"})
		return
	}
	if h == nil {
		d.fatal(f, &UnexpectedError{Vector: v, Reason: "no handler"})
		return
	}
	if err := h(f); err != nil {
		d.fatal(f, fmt.Errorf("trap %v: %w", v, err))
	}
}
