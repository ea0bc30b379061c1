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

// Package gmem tracks the acceptance state of guest physical memory and
// resolves faults on private pages that have not been accepted yet.
package gmem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"gvisor.dev/tdvisor/pkg/log"
)

// PageSize is the granularity of tracking.
const PageSize = 1 << 12

// State is the state of a guest physical range.
type State int

// States.
const (
	// Unaccepted is private memory the trust domain has not accepted.
	Unaccepted State = iota

	// Accepted is private memory that may be used.
	Accepted

	// Shared is memory visible to the host.
	Shared
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Unaccepted:
		return "unaccepted"
	case Accepted:
		return "accepted"
	case Shared:
		return "shared"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Host is the hosting layer interface used to change page state.
type Host interface {
	// AcceptRange accepts a private range.
	AcceptRange(gpa, size uint64) error

	// MapGPA converts a range between private and shared. The shared bit
	// of gpa selects the direction.
	MapGPA(gpa, size uint64) error
}

var (
	// ErrOverlap is returned when a range overlaps a tracked range.
	ErrOverlap = errors.New("range overlaps tracked memory")

	// ErrNotTracked is returned for addresses outside all tracked ranges.
	ErrNotTracked = errors.New("address not tracked")

	// ErrNotResolvable is returned when a fault is not caused by an
	// unaccepted private page.
	ErrNotResolvable = errors.New("fault not caused by unaccepted memory")
)

// Range is a tracked range [Start, End).
type Range struct {
	Start uint64
	End   uint64
	State State
}

// Size returns the number of bytes in r.
func (r Range) Size() uint64 {
	return r.End - r.Start
}

// Contains returns true iff gpa is within r.
func (r Range) Contains(gpa uint64) bool {
	return r.Start <= gpa && gpa < r.End
}

func rangeLess(a, b Range) bool {
	return a.Start < b.Start
}

// Tracker tracks guest physical memory. It is shared by all processors.
type Tracker struct {
	host       Host
	sharedMask uint64

	mu     sync.Mutex
	ranges *btree.BTreeG[Range]
	faults uint64
}

// NewTracker returns an empty tracker. sharedMask is the GPA bit marking
// shared pages; it is stripped from every address passed in.
func NewTracker(host Host, sharedMask uint64) *Tracker {
	return &Tracker{
		host:       host,
		sharedMask: sharedMask,
		ranges:     btree.NewG(8, rangeLess),
	}
}

// SharedMask returns the shared GPA bit.
func (t *Tracker) SharedMask() uint64 {
	return t.sharedMask
}

func pageAligned(v uint64) bool {
	return v&(PageSize-1) == 0
}

// Add starts tracking [start, start+size) in state s.
func (t *Tracker) Add(start, size uint64, s State) error {
	start &^= t.sharedMask
	if size == 0 || !pageAligned(start) || !pageAligned(size) {
		return fmt.Errorf("range [%#x, +%#x) not page aligned", start, size)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r := Range{Start: start, End: start + size, State: s}
	if len(t.overlapping(r.Start, r.End)) != 0 {
		return fmt.Errorf("[%#x, %#x): %w", r.Start, r.End, ErrOverlap)
	}
	t.insert(r)
	return nil
}

// Lookup returns the range containing gpa.
func (t *Tracker) Lookup(gpa uint64) (Range, bool) {
	gpa &^= t.sharedMask
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.find(gpa)
}

// State returns the state of the page containing gpa.
func (t *Tracker) State(gpa uint64) (State, error) {
	r, ok := t.Lookup(gpa)
	if !ok {
		return 0, fmt.Errorf("%#x: %w", gpa, ErrNotTracked)
	}
	return r.State, nil
}

// GuestOwned returns true iff gpa is tracked private memory.
func (t *Tracker) GuestOwned(gpa uint64) bool {
	if gpa&t.sharedMask != 0 {
		return false
	}
	r, ok := t.Lookup(gpa)
	return ok && r.State != Shared
}

// Ranges returns all tracked ranges in address order.
func (t *Tracker) Ranges() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()
	var rs []Range
	t.ranges.Ascend(func(r Range) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// Resolved returns the number of faults resolved by accepting memory.
func (t *Tracker) Resolved() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.faults
}

// Resolve handles a fault on gpa. If gpa is an unaccepted private page the
// page is accepted and the fault is resolved; otherwise ErrNotResolvable is
// returned and the caller must deliver the fault.
func (t *Tracker) Resolve(gpa uint64) error {
	if gpa&t.sharedMask != 0 {
		return fmt.Errorf("%#x is shared: %w", gpa, ErrNotResolvable)
	}
	page := gpa &^ (PageSize - 1)

	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.find(page)
	if !ok {
		return fmt.Errorf("%#x: %w", gpa, ErrNotTracked)
	}
	if r.State != Unaccepted {
		return fmt.Errorf("%#x is %v: %w", gpa, r.State, ErrNotResolvable)
	}
	if err := t.host.AcceptRange(page, PageSize); err != nil {
		return fmt.Errorf("accepting %#x: %w", page, err)
	}
	t.set(page, page+PageSize, Accepted)
	t.faults++
	log.Debugf("gmem: accepted %#x on fault", page)
	return nil
}

// Accept accepts [start, start+size). Every page must be tracked private
// memory; pages already accepted are left alone.
func (t *Tracker) Accept(start, size uint64) error {
	start &^= t.sharedMask
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.covered(start, start+size); err != nil {
		return err
	}
	for _, r := range t.overlapping(start, start+size) {
		lo, hi := max(r.Start, start), min(r.End, start+size)
		switch r.State {
		case Shared:
			return fmt.Errorf("[%#x, %#x) is shared", lo, hi)
		case Unaccepted:
			if err := t.host.AcceptRange(lo, hi-lo); err != nil {
				return fmt.Errorf("accepting [%#x, %#x): %w", lo, hi, err)
			}
			t.set(lo, hi, Accepted)
		}
	}
	return nil
}

// Convert changes [start, start+size) to shared or private memory through
// the host. Memory converted to private must be accepted again.
func (t *Tracker) Convert(start, size uint64, shared bool) error {
	start &^= t.sharedMask
	if !pageAligned(start) || !pageAligned(size) {
		return fmt.Errorf("range [%#x, +%#x) not page aligned", start, size)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.covered(start, start+size); err != nil {
		return err
	}
	gpa, to := start, Unaccepted
	if shared {
		gpa, to = start|t.sharedMask, Shared
	}
	if err := t.host.MapGPA(gpa, size); err != nil {
		return fmt.Errorf("converting [%#x, +%#x) to %v: %w", start, size, to, err)
	}
	t.set(start, start+size, to)
	return nil
}

// find returns the range containing gpa. t.mu must be held.
func (t *Tracker) find(gpa uint64) (Range, bool) {
	var found Range
	ok := false
	t.ranges.DescendLessOrEqual(Range{Start: gpa}, func(r Range) bool {
		if r.Contains(gpa) {
			found, ok = r, true
		}
		return false
	})
	return found, ok
}

// overlapping returns the ranges intersecting [start, end). t.mu must be
// held.
func (t *Tracker) overlapping(start, end uint64) []Range {
	var rs []Range
	if r, ok := t.find(start); ok {
		rs = append(rs, r)
	}
	t.ranges.AscendRange(Range{Start: start + 1}, Range{Start: end}, func(r Range) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// covered checks that [start, end) is entirely tracked. t.mu must be held.
func (t *Tracker) covered(start, end uint64) error {
	next := start
	for _, r := range t.overlapping(start, end) {
		if r.Start > next {
			break
		}
		next = r.End
	}
	if next < end {
		return fmt.Errorf("%#x: %w", next, ErrNotTracked)
	}
	return nil
}

// set changes the state of [start, end), which must be covered, splitting
// and merging ranges as needed. t.mu must be held.
func (t *Tracker) set(start, end uint64, s State) {
	for _, r := range t.overlapping(start, end) {
		t.ranges.Delete(r)
		if r.Start < start {
			t.ranges.ReplaceOrInsert(Range{Start: r.Start, End: start, State: r.State})
		}
		if r.End > end {
			t.ranges.ReplaceOrInsert(Range{Start: end, End: r.End, State: r.State})
		}
	}
	t.insert(Range{Start: start, End: end, State: s})
}

// insert adds r, merging it with adjacent ranges in the same state. t.mu
// must be held.
func (t *Tracker) insert(r Range) {
	if r.Start > 0 {
		if prev, ok := t.find(r.Start - 1); ok && prev.State == r.State {
			t.ranges.Delete(prev)
			r.Start = prev.Start
		}
	}
	if next, ok := t.ranges.Get(Range{Start: r.End}); ok && next.State == r.State {
		t.ranges.Delete(next)
		r.End = next.End
	}
	t.ranges.ReplaceOrInsert(r)
}
