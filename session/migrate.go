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

package session

import (
	"context"

	"github.com/corevm/contractvm/common"
	"github.com/corevm/contractvm/pagemap"
	"github.com/corevm/contractvm/receipt"
)

// Migrate atomically replaces a contract's bytecode, preserving its id and
// owner (unless newOwner is supplied). If resetMemory is set, the
// contract's memory is discarded and replaced with a fresh, zero-filled
// PageMap; otherwise the existing memory (and its dirty-page history) is
// kept as-is. The migration is rejected, with the contract left untouched,
// if the new bytecode's init export would not succeed (spec §4.5 Migrate).
func (s *Session) Migrate(ctx context.Context, id common.ContractId, newBytecode []byte, newOwner []byte, initArg []byte, resetMemory bool, gasLimit uint64) (common.ContractId, *receipt.CallReceipt, error) {
	if err := s.checkOpen(); err != nil {
		return common.ContractId{}, nil, err
	}
	cs, lerr := s.ensureContract(ctx, id)
	if lerr != nil {
		return common.ContractId{}, nil, lerr
	}

	artifact, cerr := s.eng.Compile(ctx, newBytecode)
	if cerr != nil {
		return common.ContractId{}, nil, newErr(KindInvalidBytecode, cerr)
	}

	oldArtifact, oldBytecode, oldMem := cs.artifact, cs.bytecode, cs.mem
	oldBytecodeChanged, oldOwner := cs.bytecodeChanged, cs.owner

	// When memory is kept (not reset), newMem is the very same *PageMap
	// oldMem names, so rolling back on a failed init can't be done by
	// reassigning object references (there would be nothing left to
	// reassign from) — it has to undo the init's writes via a real
	// snapshot, exactly like InterCall brackets a nested call.
	newMem := oldMem
	memHandle := -1
	if resetMemory {
		fresh, perr := pagemap.New(maxPagesFor(cs.bitness), cs.bitness, pagemap.NoLocator{})
		if perr != nil {
			return common.ContractId{}, nil, newErr(KindInvalidMemory, perr)
		}
		newMem = fresh
	} else {
		memHandle = oldMem.Snapshot()
	}

	cs.artifact = artifact
	cs.bytecode = newBytecode
	cs.bytecodeChanged = true
	cs.mem = newMem
	if newOwner != nil {
		cs.owner = newOwner
	}

	s.receipt = receipt.NewBuilder(gasLimit)
	s.receipt.PushFrame(id, reservedInit, gasLimit, newMem.Len())
	s.pushSelf(id)
	out, gasSpent, initErr := s.callInternal(ctx, id, reservedInit, initArg, gasLimit)
	s.popSelf()
	s.receipt.SetGasSpent(0, gasSpent)

	if initErr != nil && initErr.Kind != KindInvalidFunction {
		// Roll back: the new bytecode's init trapped, so the migration
		// never happened.
		if resetMemory {
			_ = newMem.Close()
		} else {
			_ = oldMem.Restore(memHandle)
		}
		cs.artifact, cs.bytecode, cs.bytecodeChanged, cs.mem = oldArtifact, oldBytecode, oldBytecodeChanged, oldMem
		cs.owner = oldOwner
		r := s.receipt.Finish(nil, gasSpent, initErr)
		return common.ContractId{}, r, nil
	}

	if resetMemory {
		// newMem replaced the old mapping for good; release it now rather
		// than at session close.
		_ = oldMem.Close()
	} else {
		_ = oldMem.Discard(memHandle)
	}

	r := s.receipt.Finish(out, gasSpent, nil)
	return id, r, nil
}
