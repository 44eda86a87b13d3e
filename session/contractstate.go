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
	"github.com/corevm/contractvm/engine"
	"github.com/corevm/contractvm/pagemap"
	"github.com/corevm/contractvm/params"
)

// contractState is one contract's working-set entry: its compiled
// artifact, its live PageMap, and the metadata fields that end up in the
// commit's packed index record if this session commits.
type contractState struct {
	id       common.ContractId
	artifact *engine.Artifact
	mem      *pagemap.PageMap

	bytecode        []byte
	bytecodeChanged bool

	owner []byte
	hints []byte

	bitness pagemap.Bitness
}

func maxPagesFor(bitness pagemap.Bitness) uint64 {
	if bitness == pagemap.Bitness64 {
		return uint64(params.MaxPages64)
	}
	return uint64(params.MaxPages32)
}
