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

// Package tdcall implements the trust domain call interface: the register
// ABI of the hosting layer, the leaf catalogue with declared arities, typed
// status errors and the guest-host VMCALL sub-functions.
package tdcall

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cenkalti/backoff"
	"gvisor.dev/tdvisor/pkg/log"
)

// Registers is the register file exchanged with the hosting layer. The leaf
// goes in RAX and the status comes back in RAX.
type Registers struct {
	RAX uint64
	RCX uint64
	RDX uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// Issuer executes the privileged call instruction with regs, updating regs in
// place. It blocks until the hosting layer responds.
type Issuer interface {
	Issue(regs *Registers)
}

// IssuerFunc adapts a function to Issuer.
type IssuerFunc func(regs *Registers)

// Issue implements Issuer.Issue.
func (f IssuerFunc) Issue(regs *Registers) {
	f(regs)
}

// argRegs are the argument registers in order.
func (r *Registers) argRegs() []*uint64 {
	return []*uint64{&r.RCX, &r.RDX, &r.R8, &r.R9, &r.R10, &r.R11, &r.R12, &r.R13, &r.R14, &r.R15}
}

// MaxArgs is the maximum number of argument words.
const MaxArgs = 10

// Leaf is a call leaf number.
type Leaf uint64

// Leaves.
const (
	VMCall        Leaf = 0
	VPInfo        Leaf = 1
	RTMRExtend    Leaf = 2
	VEInfoGet     Leaf = 3
	MRReport      Leaf = 4
	CPUIDVESet    Leaf = 5
	MemPageAccept Leaf = 6
	VMRead        Leaf = 7
	VMWrite       Leaf = 8
	VPRead        Leaf = 9
	VPWrite       Leaf = 10
)

// arity is the declared shape of a leaf.
type arity struct {
	name string
	in   int
	out  int
}

// leaves is the leaf catalogue. Outputs are taken from RCX, RDX, R8, R9,
// R10, R11 in order; VMCALL returns all ten argument registers.
var leaves = map[Leaf]arity{
	VMCall:        {name: "TDG.VP.VMCALL", in: 10, out: 10},
	VPInfo:        {name: "TDG.VP.INFO", in: 0, out: 6},
	RTMRExtend:    {name: "TDG.MR.RTMR.EXTEND", in: 2, out: 0},
	VEInfoGet:     {name: "TDG.VP.VEINFO.GET", in: 0, out: 5},
	MRReport:      {name: "TDG.MR.REPORT", in: 3, out: 0},
	CPUIDVESet:    {name: "TDG.VP.CPUIDVE.SET", in: 1, out: 0},
	MemPageAccept: {name: "TDG.MEM.PAGE.ACCEPT", in: 1, out: 0},
	VMRead:        {name: "TDG.VM.RD", in: 2, out: 3},
	VMWrite:       {name: "TDG.VM.WR", in: 4, out: 3},
	VPRead:        {name: "TDG.VP.RD", in: 2, out: 3},
	VPWrite:       {name: "TDG.VP.WR", in: 4, out: 3},
}

// String implements fmt.Stringer.
func (l Leaf) String() string {
	if a, ok := leaves[l]; ok {
		return a.name
	}
	return fmt.Sprintf("leaf(%d)", uint64(l))
}

// Arity returns the declared argument and result counts of l.
func (l Leaf) Arity() (in, out int, ok bool) {
	a, ok := leaves[l]
	return a.in, a.out, ok
}

// Status is the value returned in RAX.
type Status uint64

// Status values.
const (
	StatusSuccess             Status = 0
	StatusOperandBusy         Status = 0x8000020000000000
	StatusOperandInvalid      Status = 0xc000010000000000
	StatusPageAlreadyAccepted Status = 0x00000b0a00000000
	StatusPageSizeMismatch    Status = 0xc0000b0b00000000
	StatusNoVEInfo            Status = 0xc0000b0700000000

	statusErrorBit  = 1 << 63
	statusClassMask = 0xffffffff00000000
)

// Class strips the operand identifier.
func (s Status) Class() Status {
	return s & statusClassMask
}

// IsError returns true iff s is in the error range.
func (s Status) IsError() bool {
	return s&statusErrorBit != 0
}

var (
	// ErrUnknownLeaf is returned for leaves outside the catalogue.
	ErrUnknownLeaf = errors.New("unknown call leaf")

	// ErrConcurrentCall is returned when a call is issued for a virtual
	// CPU that already has one in flight.
	ErrConcurrentCall = errors.New("concurrent call on the same virtual CPU")
)

// ArityError is returned when the argument count does not match the leaf.
type ArityError struct {
	Leaf Leaf
	Got  int
	Want int
}

// Error implements error.Error.
func (e *ArityError) Error() string {
	return fmt.Sprintf("%v takes %d arguments, got %d", e.Leaf, e.Want, e.Got)
}

// CallError is a non-success status returned by the hosting layer.
type CallError struct {
	Leaf   Leaf
	Status Status
}

// Error implements error.Error.
func (e *CallError) Error() string {
	return fmt.Sprintf("%v failed: status %#016x", e.Leaf, uint64(e.Status))
}

// Is matches CallErrors with the same leaf and status class.
func (e *CallError) Is(target error) bool {
	t, ok := target.(*CallError)
	return ok && t.Leaf == e.Leaf && t.Status.Class() == e.Status.Class()
}

// StatusOf returns the status carried by err, if any.
func StatusOf(err error) (Status, bool) {
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Status, true
	}
	return 0, false
}

// DefaultBusyRetries is the number of times a busy call is reissued.
const DefaultBusyRetries = 16

// Caller issues calls on behalf of one virtual CPU.
type Caller struct {
	issuer  Issuer
	log     log.Logger
	retries uint64
	busy    atomic.Bool
	calls   atomic.Uint64
	errs    atomic.Uint64
}

// CallerOpts configures a Caller.
type CallerOpts struct {
	// BusyRetries is the number of reissues on an operand-busy status.
	// Zero means DefaultBusyRetries; a negative value disables retries.
	BusyRetries int

	// Logger is used for call diagnostics. Defaults to the global log.
	Logger log.Logger
}

// NewCaller returns a Caller issuing through i.
func NewCaller(i Issuer, opts CallerOpts) *Caller {
	c := &Caller{issuer: i, log: opts.Logger}
	switch {
	case opts.BusyRetries == 0:
		c.retries = DefaultBusyRetries
	case opts.BusyRetries > 0:
		c.retries = uint64(opts.BusyRetries)
	}
	if c.log == nil {
		c.log = log.Log()
	}
	return c
}

// Stats returns the number of calls issued and the number that failed.
func (c *Caller) Stats() (calls, failed uint64) {
	return c.calls.Load(), c.errs.Load()
}

// Call issues leaf with args and returns the leaf's declared outputs.
func (c *Caller) Call(leaf Leaf, args ...uint64) ([]uint64, error) {
	a, ok := leaves[leaf]
	if !ok {
		return nil, fmt.Errorf("%d: %w", uint64(leaf), ErrUnknownLeaf)
	}
	if len(args) != a.in {
		return nil, &ArityError{Leaf: leaf, Got: len(args), Want: a.in}
	}
	regs, err := c.issue(leaf, args)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, a.out)
	for i, r := range regs.argRegs()[:a.out] {
		out[i] = *r
	}
	return out, nil
}

// issue marshals args, issues the call, retrying while the operand is
// busy, and decodes the status.
func (c *Caller) issue(leaf Leaf, args []uint64) (*Registers, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%v: %w", leaf, ErrConcurrentCall)
	}
	defer c.busy.Store(false)

	var regs Registers
	op := func() error {
		regs = Registers{RAX: uint64(leaf)}
		for i, r := range regs.argRegs()[:len(args)] {
			*r = args[i]
		}
		c.calls.Add(1)
		c.issuer.Issue(&regs)
		status := Status(regs.RAX)
		switch {
		case status == StatusSuccess:
			return nil
		case !status.IsError():
			// Warning classes complete the call and carry extra
			// information, such as a page that was already accepted.
			c.log.Debugf("%v: completed with status %#016x", leaf, uint64(status))
			return nil
		case status.Class() == StatusOperandBusy:
			c.log.Debugf("%v: operand busy, retrying", leaf)
			return &CallError{Leaf: leaf, Status: status}
		default:
			return backoff.Permanent(&CallError{Leaf: leaf, Status: status})
		}
	}
	// Calls run with interrupts suppressed, so retries never sleep.
	var b backoff.BackOff = &backoff.StopBackOff{}
	if c.retries > 0 {
		b = backoff.WithMaxRetries(&backoff.ZeroBackOff{}, c.retries)
	}
	if err := backoff.Retry(op, b); err != nil {
		c.errs.Add(1)
		return &regs, err
	}
	return &regs, nil
}
