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

// Package percpu implements the per-processor context: descriptor table
// hand-off, trap re-entrancy, event injection at VM-entry and the virtual
// CPU run loop.
package percpu

import (
	"fmt"
	"sync"

	"gvisor.dev/tdvisor/pkg/log"
	"gvisor.dev/tdvisor/pkg/trap"
)

// Host vectors with dedicated handlers.
const (
	// WakeVector is raised by the host to wake a processor whose virtual
	// CPU is halted.
	WakeVector trap.Vector = 0xf2
)

// PlatformOpts are the bring-up parameters of the trap machinery.
type PlatformOpts struct {
	// ImageBase is the linear address of the entry stubs.
	ImageBase uint64

	// Dispatcher is the linear address of the generic dispatcher entry.
	Dispatcher uint64

	// TableBase is the linear address of the descriptor table.
	TableBase uint64

	// Selector is the kernel code segment selector.
	Selector uint16

	// IST assigns interrupt stacks to vectors.
	IST map[trap.Vector]uint8
}

// Platform is the init-once state shared by every processor: the entry
// image and the descriptor table that targets it.
type Platform struct {
	Image *trap.Image
	Table *trap.Table
}

// NewPlatform generates the entry image and builds the descriptor table.
func NewPlatform(opts PlatformOpts) (*Platform, error) {
	img, err := trap.NewImage(opts.ImageBase, opts.Dispatcher)
	if err != nil {
		return nil, fmt.Errorf("generating entry image: %w", err)
	}
	tbl := trap.NewTable()
	if err := tbl.Build(img.Options(opts.TableBase, opts.Selector, opts.IST)); err != nil {
		return nil, err
	}
	log.Infof("Trap table built at %#x for %d vectors, stubs at %#x", opts.TableBase, trap.NumVectors, opts.ImageBase)
	return &Platform{Image: img, Table: tbl}, nil
}

// Halter is the destination of fatal conditions.
type Halter interface {
	// Halt stops processor cpu after err. Production implementations do
	// not return.
	Halt(cpu int, err error)
}

// SpinHalter logs the error and spins forever.
type SpinHalter struct{}

// Halt implements Halter.Halt.
func (SpinHalter) Halt(cpu int, err error) {
	log.Warningf("CPU %d halted: %v", cpu, err)
	for {
	}
}

// RecordingHalter records fatal conditions and returns, stopping only the
// processor's run loop.
type RecordingHalter struct {
	mu     sync.Mutex
	errors []error
}

// Halt implements Halter.Halt.
func (h *RecordingHalter) Halt(cpu int, err error) {
	log.Warningf("CPU %d stopped: %v", cpu, err)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, err)
}

// Errors returns the recorded errors.
func (h *RecordingHalter) Errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errors...)
}
