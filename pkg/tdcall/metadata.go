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

package tdcall

import (
	"gvisor.dev/tdvisor/pkg/vmcs"
)

// Metadata field identifier layout.
const (
	mdContextShift = 52
	mdContextVCPU  = 2 << mdContextShift
	mdClassShift   = 56
	mdClassVMCS    = 0 << mdClassShift
)

// VMCSFieldID returns the metadata identifier of a control structure field.
func VMCSFieldID(f vmcs.Field) uint64 {
	return mdContextVCPU | mdClassVMCS | uint64(f)
}

// ReadVP reads a virtual-CPU scope metadata field.
func (c *Caller) ReadVP(id uint64) (uint64, error) {
	out, err := c.Call(VPRead, 0, id)
	if err != nil {
		return 0, err
	}
	return out[2], nil
}

// WriteVP writes the bits of val selected by mask into a virtual-CPU scope
// metadata field and returns the previous value.
func (c *Caller) WriteVP(id, val, mask uint64) (uint64, error) {
	out, err := c.Call(VPWrite, 0, id, val, mask)
	if err != nil {
		return 0, err
	}
	return out[2], nil
}

// Backend exposes the control structure of a nested virtual CPU through
// virtual-CPU metadata reads and writes.
type Backend struct {
	c *Caller
}

// NewBackend returns a vmcs.Backend that issues calls through c.
func NewBackend(c *Caller) *Backend {
	return &Backend{c: c}
}

// ReadField implements vmcs.Backend.ReadField.
func (b *Backend) ReadField(f vmcs.Field) (uint64, error) {
	return b.c.ReadVP(VMCSFieldID(f))
}

// WriteField implements vmcs.Backend.WriteField.
func (b *Backend) WriteField(f vmcs.Field, v uint64) error {
	_, err := b.c.WriteVP(VMCSFieldID(f), v, ^uint64(0))
	return err
}

var _ vmcs.Backend = (*Backend)(nil)
