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
	"github.com/corevm/contractvm/common"
	"github.com/corevm/contractvm/params"
	"github.com/corevm/contractvm/store"
)

// Commit flushes the working set to the store against this session's parent
// commit and publishes the new root (spec §4.5 Commit). Metadata set via
// SetMeta never reaches the store — per spec §8's round-trip law (b), it is
// stripped here, not carried into the commit. Once Commit returns, whether
// it errors or not, the session is consumed: ErrSessionConsumed on any
// further call.
func (s *Session) Commit() (common.Root, error) {
	if err := s.checkOpen(); err != nil {
		return common.Root{}, err
	}
	defer s.closeWorkingMemory()
	defer func() { s.state = stateCommitted }()

	ws := store.WorkingSet{Contracts: make([]store.ContractDiff, 0, len(s.working))}
	for id, cs := range s.working {
		ws.Contracts = append(ws.Contracts, store.ContractDiff{
			Id:              id,
			BytecodeChanged: cs.bytecodeChanged,
			Bytecode:        cs.bytecode,
			Dirty:           cs.mem.DirtyPages(),
			PageCount:       cs.mem.Len() / params.PageSize,
			Bitness:         cs.bitness,
			Owner:           cs.owner,
			Hints:           cs.hints,
		})
	}

	root, err := s.st.Write(s.parentView, ws)
	if err != nil {
		return common.Root{}, newErr(KindIo, err)
	}
	return root, nil
}

// Discard releases the session's working set without persisting anything.
// The parent commit is left untouched; any PageMaps materialised into the
// working set are released.
func (s *Session) Discard() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.closeWorkingMemory()
	s.state = stateDiscarded
	return nil
}

func (s *Session) closeWorkingMemory() {
	for _, cs := range s.working {
		_ = cs.mem.Close()
	}
}

// ParentRoot reports the commit this session was opened against. It is the
// zero Root for a genesis session.
func (s *Session) ParentRoot() common.Root { return s.parentRoot }
