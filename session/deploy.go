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
	vmcrypto "github.com/corevm/contractvm/crypto"
	"github.com/corevm/contractvm/pagemap"
	"github.com/corevm/contractvm/receipt"
)

// reservedInit is the export name invoked exactly once, if present, right
// after a contract's bytecode enters the working set.
const reservedInit = "init"

// Deploy adds a new contract to the working set (spec §4.5 Deploy). A
// nil explicitID means the id is derived deterministically from bytecode,
// owner and an internal per-session nonce, retrying on collision with an
// already-known id.
func (s *Session) Deploy(ctx context.Context, bytecode, owner []byte, explicitID *common.ContractId, initArg []byte, gasLimit uint64) (common.ContractId, *receipt.CallReceipt, error) {
	if err := s.checkOpen(); err != nil {
		return common.ContractId{}, nil, err
	}

	artifact, cerr := s.eng.Compile(ctx, bytecode)
	if cerr != nil {
		return common.ContractId{}, nil, newErr(KindInvalidBytecode, cerr)
	}

	var id common.ContractId
	if explicitID != nil {
		id = *explicitID
		if s.exists(id) {
			return common.ContractId{}, nil, errf(KindAlreadyExists, "contract %s already exists", id.Hex())
		}
	} else {
		for {
			id = vmcrypto.DeriveContractId(bytecode, owner, s.deployNonce)
			s.deployNonce++
			if !s.exists(id) {
				break
			}
		}
	}

	pm, perr := pagemap.New(maxPagesFor(pagemap.Bitness32), pagemap.Bitness32, pagemap.NoLocator{})
	if perr != nil {
		return common.ContractId{}, nil, newErr(KindInvalidMemory, perr)
	}

	cs := &contractState{
		id:              id,
		artifact:        artifact,
		mem:             pm,
		bytecode:        bytecode,
		bytecodeChanged: true,
		owner:           owner,
		bitness:         pagemap.Bitness32,
	}
	s.working[id] = cs

	s.receipt = receipt.NewBuilder(gasLimit)
	s.receipt.PushFrame(id, reservedInit, gasLimit, 0)
	s.pushSelf(id)
	out, gasSpent, initErr := s.callInternal(ctx, id, reservedInit, initArg, gasLimit)
	s.popSelf()
	s.receipt.SetGasSpent(0, gasSpent)

	if initErr != nil && initErr.Kind == KindInvalidFunction {
		// No init export: deploying bare bytecode is not an error.
		r := s.receipt.Finish(nil, 0, nil)
		return id, r, nil
	}
	if initErr != nil {
		delete(s.working, id)
		r := s.receipt.Finish(nil, gasSpent, initErr)
		return common.ContractId{}, r, nil
	}
	r := s.receipt.Finish(out, gasSpent, nil)
	return id, r, nil
}
