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

package merkle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corevm/contractvm/common"
	vmcrypto "github.com/corevm/contractvm/crypto"
	"github.com/corevm/contractvm/params"
)

func leafFor(seed byte) Leaf {
	id := common.BytesToContractId([]byte{seed})
	return Leaf{
		ContractId: id,
		MemoryHash: vmcrypto.Hash256([]byte{seed, seed}),
	}
}

func TestEmptyIndexHasFixedRoot(t *testing.T) {
	idx := New(0)
	root := idx.Root()
	require.False(t, root.IsZero())
}

func TestRootInsensitiveToInsertionOrder(t *testing.T) {
	leaves := []Leaf{leafFor(1), leafFor(2), leafFor(3)}

	a := New(0)
	for _, l := range leaves {
		a.Upsert(l)
	}

	b := New(0)
	for i := len(leaves) - 1; i >= 0; i-- {
		b.Upsert(leaves[i])
	}

	require.Equal(t, a.Root(), b.Root())
}

func TestUpsertChangesRoot(t *testing.T) {
	idx := New(0)
	before := idx.Root()
	idx.Upsert(leafFor(9))
	after := idx.Root()
	require.NotEqual(t, before, after)
}

func TestRemoveRestoresEmptyRoot(t *testing.T) {
	idx := New(0)
	empty := idx.Root()
	idx.Upsert(leafFor(5))
	idx.Remove(common.BytesToContractId([]byte{5}))
	require.Equal(t, empty, idx.Root())
}

func TestSlotIsDeterministic(t *testing.T) {
	id := common.BytesToContractId([]byte{0x42})
	require.Equal(t, Slot(id), Slot(id))
}

// foldProof rebuilds the root from one leaf digest and its sibling path,
// the verification walk a proof consumer performs.
func foldProof(slot uint64, leaf [vmcrypto.DigestLength]byte, proof [][vmcrypto.DigestLength]byte) common.Root {
	d := leaf
	node := slot
	i := 0
	for level := 0; level < params.MerkleHeight; level++ {
		parent := node / params.MerkleArity
		var children [params.MerkleArity][]byte
		for c := 0; c < params.MerkleArity; c++ {
			child := parent*params.MerkleArity + uint64(c)
			if child == node {
				children[c] = d[:]
			} else {
				children[c] = proof[i][:]
				i++
			}
		}
		d = vmcrypto.Hash256(children[0], children[1], children[2], children[3])
		node = parent
	}
	return common.Root(d)
}

func TestProofRecomputesRoot(t *testing.T) {
	idx := New(0)
	leaves := []Leaf{leafFor(1), leafFor(2), leafFor(3), leafFor(4)}
	for _, l := range leaves {
		idx.Upsert(l)
	}

	target := leaves[2]
	proof, err := idx.Proof(target.ContractId)
	require.NoError(t, err)
	require.Len(t, proof, params.MerkleHeight*(params.MerkleArity-1))
	require.Equal(t, idx.Root(), foldProof(Slot(target.ContractId), leafDigest(target), proof))
}

func TestProofUnknownContractErrors(t *testing.T) {
	idx := New(0)
	idx.Upsert(leafFor(1))
	_, err := idx.Proof(common.BytesToContractId([]byte{0x77}))
	require.Error(t, err)
}
