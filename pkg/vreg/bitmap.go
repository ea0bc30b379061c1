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

package vreg

// BitmapSize is the size of an MSR bitmap page.
const BitmapSize = 4096

// MSR bitmap layout: four 1 KiB quarters, each one bit per MSR.
const (
	bitmapReadLow   = 0x000
	bitmapReadHigh  = 0x400
	bitmapWriteLow  = 0x800
	bitmapWriteHigh = 0xc00

	lowMSRLast   = 0x1fff
	highMSRFirst = 0xc0000000
	highMSRLast  = 0xc0001fff
)

// Bitmap is an MSR bitmap. A set bit causes the access to exit.
type Bitmap [BitmapSize]byte

// bitmapOffset returns the bit offset of msr within a quarter, and false if
// msr is outside both bitmap ranges. Accesses to such MSRs always exit.
func bitmapOffset(msr uint32) (quarter int, bit uint32, ok bool) {
	switch {
	case msr <= lowMSRLast:
		return 0, msr, true
	case msr >= highMSRFirst && msr <= highMSRLast:
		return 1, msr - highMSRFirst, true
	default:
		return 0, 0, false
	}
}

func (b *Bitmap) set(base int, bit uint32, exit bool) {
	idx := base + int(bit/8)
	if exit {
		b[idx] |= 1 << (bit % 8)
	} else {
		b[idx] &^= 1 << (bit % 8)
	}
}

// SetIntercept sets whether reads and writes of msr exit.
func (b *Bitmap) SetIntercept(msr uint32, read, write bool) {
	q, bit, ok := bitmapOffset(msr)
	if !ok {
		return
	}
	readBase, writeBase := bitmapReadLow, bitmapWriteLow
	if q == 1 {
		readBase, writeBase = bitmapReadHigh, bitmapWriteHigh
	}
	b.set(readBase, bit, read)
	b.set(writeBase, bit, write)
}

// Intercepted returns whether the given access to msr exits.
func (b *Bitmap) Intercepted(msr uint32, write bool) bool {
	q, bit, ok := bitmapOffset(msr)
	if !ok {
		return true
	}
	base := bitmapReadLow
	switch {
	case q == 0 && write:
		base = bitmapWriteLow
	case q == 1 && !write:
		base = bitmapReadHigh
	case q == 1 && write:
		base = bitmapWriteHigh
	}
	return b[base+int(bit/8)]&(1<<(bit%8)) != 0
}

// Bitmap derives the MSR bitmap from the policy: only Direct MSRs are
// accessed without an exit.
func (p *Policy) Bitmap() *Bitmap {
	b := new(Bitmap)
	for i := range b {
		b[i] = 0xff
	}
	for _, r := range p.Ranges() {
		if r.Action != Direct {
			continue
		}
		for _, span := range [][2]uint32{{0, lowMSRLast}, {highMSRFirst, highMSRLast}} {
			first, last := max(r.First, span[0]), min(r.Last, span[1])
			for msr := first; msr <= last; msr++ {
				b.SetIntercept(msr, false, false)
			}
		}
	}
	return b
}
