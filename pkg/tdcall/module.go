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
	"errors"
	"fmt"
)

// PageLevel is the size class of an accepted page.
type PageLevel uint64

// Page levels.
const (
	Level4K PageLevel = 0
	Level2M PageLevel = 1
)

// Page sizes.
const (
	PageSize4K = 1 << 12
	PageSize2M = 1 << 21
)

// Size returns the number of bytes in a page of level l.
func (l PageLevel) Size() uint64 {
	if l == Level2M {
		return PageSize2M
	}
	return PageSize4K
}

// ErrUnaligned is returned for ranges not aligned to 4K.
var ErrUnaligned = errors.New("address not page aligned")

// AcceptPage accepts one private page. A page that is already accepted
// completes with a warning status and counts as success.
func (c *Caller) AcceptPage(gpa uint64, level PageLevel) error {
	if gpa&(level.Size()-1) != 0 {
		return fmt.Errorf("%#x: %w", gpa, ErrUnaligned)
	}
	_, err := c.Call(MemPageAccept, gpa|uint64(level))
	return err
}

// AcceptRange accepts [gpa, gpa+size), using 2M pages where the range
// allows and falling back to 4K pages when the host reports a page-size
// mismatch.
func (c *Caller) AcceptRange(gpa, size uint64) error {
	if gpa&(PageSize4K-1) != 0 || size&(PageSize4K-1) != 0 {
		return fmt.Errorf("[%#x, +%#x): %w", gpa, size, ErrUnaligned)
	}
	end := gpa + size
	for gpa < end {
		if gpa&(PageSize2M-1) == 0 && end-gpa >= PageSize2M {
			err := c.AcceptPage(gpa, Level2M)
			if err == nil {
				gpa += PageSize2M
				continue
			}
			if st, ok := StatusOf(err); !ok || st.Class() != StatusPageSizeMismatch.Class() {
				return err
			}
		}
		if err := c.AcceptPage(gpa, Level4K); err != nil {
			return err
		}
		gpa += PageSize4K
	}
	return nil
}

// TDInfo is the result of TDG.VP.INFO.
type TDInfo struct {
	GPAWidth   uint
	Attributes uint64
	NumVCPUs   uint32
	MaxVCPUs   uint32
	VCPUIndex  uint32
}

// SharedMask returns the GPA bit that marks a page as shared.
func (i TDInfo) SharedMask() uint64 {
	if i.GPAWidth == 0 {
		return 0
	}
	return 1 << (i.GPAWidth - 1)
}

// Info returns the trust domain's execution environment.
func (c *Caller) Info() (TDInfo, error) {
	out, err := c.Call(VPInfo)
	if err != nil {
		return TDInfo{}, err
	}
	return TDInfo{
		GPAWidth:   uint(out[0] & 0x3f),
		Attributes: out[1],
		NumVCPUs:   uint32(out[2]),
		MaxVCPUs:   uint32(out[2] >> 32),
		VCPUIndex:  uint32(out[3]),
	}, nil
}

// VEInfo is the diagnostic information of the last virtualization exception.
type VEInfo struct {
	ExitReason        uint32
	ExitQualification uint64
	GuestLinear       uint64
	GuestPhysical     uint64
	InstructionLength uint32
	InstructionInfo   uint32
}

// VEInfo fetches and clears the pending virtualization exception
// information.
func (c *Caller) VEInfo() (VEInfo, error) {
	out, err := c.Call(VEInfoGet)
	if err != nil {
		return VEInfo{}, err
	}
	return VEInfo{
		ExitReason:        uint32(out[0]),
		ExitQualification: out[1],
		GuestLinear:       out[2],
		GuestPhysical:     out[3],
		InstructionLength: uint32(out[4]),
		InstructionInfo:   uint32(out[4] >> 32),
	}, nil
}
