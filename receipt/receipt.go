// Copyright 2024 by the Authors
// This file is part of the contractvm library.
//
// The contractvm library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The contractvm library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the contractvm library. If not, see <http://www.gnu.org/licenses/>.

// Package receipt holds the result types a session call produces: the
// call tree, the event log, and the final CallReceipt, modelled on the
// teacher's transaction receipt shape but carrying a call tree in place
// of a flat log list.
package receipt

import "github.com/corevm/contractvm/common"

// Event is one entry emitted by the `emit` host import.
type Event struct {
	SourceContract common.ContractId `json:"sourceContract"`
	Topic          []byte            `json:"topic"`
	Payload        []byte            `json:"payload"`
}

// CallTreeElem records one call frame, root or nested.
type CallTreeElem struct {
	ContractId         common.ContractId `json:"contractId"`
	FunctionName       string            `json:"functionName"`
	GasLimit           uint64            `json:"gasLimit"`
	GasSpent           uint64            `json:"gasSpent"`
	MemoryLengthBefore uint64            `json:"memoryLengthBefore"`
}

// CallReceipt is the outcome of one root-level call, feeder-call, deploy
// or migrate.
type CallReceipt struct {
	ReturnBytes []byte         `json:"returnBytes,omitempty"`
	GasLimit    uint64         `json:"gasLimit"`
	GasSpent    uint64         `json:"gasSpent"`
	Events      []Event        `json:"events,omitempty"`
	CallTree    []CallTreeElem `json:"callTree"`

	// Err is the contract-level error that ended this call, if any. A
	// non-nil Err is not fatal to the session: the caller may continue
	// issuing calls against the same session, per spec §7.
	Err error `json:"-"`
}

// Success reports whether the call completed without a contract-level
// error.
func (r *CallReceipt) Success() bool { return r.Err == nil }

// Builder accumulates a call tree and event log across one root call and
// its nested inter-contract calls, then freezes into a CallReceipt.
type Builder struct {
	gasLimit uint64
	events   []Event
	tree     []CallTreeElem
}

// NewBuilder starts a receipt for a root call with the given gas limit.
func NewBuilder(gasLimit uint64) *Builder {
	return &Builder{gasLimit: gasLimit}
}

// PushFrame records a call frame as it begins. The returned index
// identifies this frame for a later gas-spent update.
func (b *Builder) PushFrame(id common.ContractId, fnName string, gasLimit, memoryLengthBefore uint64) int {
	b.tree = append(b.tree, CallTreeElem{
		ContractId:         id,
		FunctionName:       fnName,
		GasLimit:           gasLimit,
		MemoryLengthBefore: memoryLengthBefore,
	})
	return len(b.tree) - 1
}

// SetGasSpent records how much gas a previously pushed frame consumed.
func (b *Builder) SetGasSpent(frame int, gasSpent uint64) {
	if frame < 0 || frame >= len(b.tree) {
		return
	}
	b.tree[frame].GasSpent = gasSpent
}

// RecordEvent appends one emitted event.
func (b *Builder) RecordEvent(e Event) {
	b.events = append(b.events, e)
}

// EventMark returns a position in the event log that TruncateEvents can
// later roll back to, bracketing a nested call the same way a memory
// snapshot does.
func (b *Builder) EventMark() int { return len(b.events) }

// TruncateEvents drops every event recorded since mark. Events emitted
// inside a failed nested call must not survive it.
func (b *Builder) TruncateEvents(mark int) {
	if mark >= 0 && mark <= len(b.events) {
		b.events = b.events[:mark]
	}
}

// Finish freezes the receipt. gasSpent is the root call's total.
func (b *Builder) Finish(returnBytes []byte, gasSpent uint64, err error) *CallReceipt {
	return &CallReceipt{
		ReturnBytes: returnBytes,
		GasLimit:    b.gasLimit,
		GasSpent:    gasSpent,
		Events:      b.events,
		CallTree:    b.tree,
		Err:         err,
	}
}
