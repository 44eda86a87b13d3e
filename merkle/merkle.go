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

// Package merkle implements the arity-4, fixed-height sparse Merkle tree
// described in spec §4.3: one leaf per contract slot, each leaf the hash
// of (contract-id, memory-hash, bitness). The tree is keyed by a
// deterministic slot assignment rather than insertion order, so the root
// is a pure function of the leaf set — spec invariant 6.
package merkle

import (
	"encoding/binary"
	"sort"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/pkg/errors"

	"github.com/corevm/contractvm/common"
	vmcrypto "github.com/corevm/contractvm/crypto"
	"github.com/corevm/contractvm/params"
)

// Leaf is one contract's slot content before hashing.
type Leaf struct {
	ContractId common.ContractId
	MemoryHash [vmcrypto.DigestLength]byte
	Is64Bit    bool
}

// leafDigest computes H(contract-id ∥ memory-hash ∥ bitness).
func leafDigest(l Leaf) [vmcrypto.DigestLength]byte {
	var bitness [1]byte
	if l.Is64Bit {
		bitness[0] = 1
	}
	return vmcrypto.Hash256(l.ContractId[:], l.MemoryHash[:], bitness[:])
}

// zeroLeafDigest is the fixed hash every empty leaf of the tree takes.
var zeroLeafDigest = vmcrypto.Hash256([]byte("contractvm/merkle/empty-leaf"))

// Slot deterministically maps a contract id to a leaf index in
// [0, params.MerkleArity^params.MerkleHeight). Slot assignment has to be
// stable across processes (two nodes computing the same commit must agree
// on where a contract's leaf lives), so it is derived from the id's own
// hash rather than insertion order.
func Slot(id common.ContractId) uint64 {
	digest := vmcrypot256(id)
	// Fixed-height sparse tree: take the low bits of the digest, enough to
	// address every leaf, and fold any excess down (MerkleArity^MerkleHeight
	// is not necessarily a power of two multiple of 64 bits in general, but
	// with MerkleArity=4 and MerkleHeight=17 it is exactly 2^34, a clean bit
	// slice).
	const slotBits = 2 * params.MerkleHeight // log2(4) * height
	v := binary.BigEndian.Uint64(digest[:8])
	mask := uint64(1)<<slotBits - 1
	return v & mask
}

func vmcrypot256(id common.ContractId) [vmcrypto.DigestLength]byte {
	return vmcrypto.Hash256(id[:])
}

// Index is the sparse Merkle tree. It is not safe for concurrent
// mutation; callers (the session/store commit path) serialize writes.
type Index struct {
	leaves map[uint64]Leaf
	cache  *fastcache.Cache // internal-node digest cache, keyed by (level,index)
}

// New creates an empty Index. cacheBytes sizes the internal-node digest
// cache; pass 0 for a small default, matching how the teacher sizes its
// trie node cache relative to available memory.
func New(cacheBytes int) *Index {
	if cacheBytes <= 0 {
		cacheBytes = 32 * 1024 * 1024
	}
	return &Index{
		leaves: make(map[uint64]Leaf),
		cache:  fastcache.New(cacheBytes),
	}
}

// Upsert inserts or updates the leaf for a contract slot.
func (idx *Index) Upsert(l Leaf) {
	slot := Slot(l.ContractId)
	idx.leaves[slot] = l
	idx.invalidate(slot)
}

// Remove clears a contract's slot back to the empty leaf.
func (idx *Index) Remove(id common.ContractId) {
	slot := Slot(id)
	delete(idx.leaves, slot)
	idx.invalidate(slot)
}

// invalidate drops the memoized digest of every ancestor of one leaf
// slot. Only the changed slot's path to the apex goes stale on a
// mutation; every other subtree's cached digests stay valid.
func (idx *Index) invalidate(slot uint64) {
	parent := slot
	for level := 0; level < params.MerkleHeight; level++ {
		parent /= params.MerkleArity
		idx.cache.Del(internalNodeKey(level, parent))
	}
}

// defaultDigests[level] is the digest of an entirely-empty subtree rooted
// at that level (level 0 = a single empty leaf).
var defaultDigests = computeDefaultDigests()

func computeDefaultDigests() [params.MerkleHeight + 1][vmcrypto.DigestLength]byte {
	var out [params.MerkleHeight + 1][vmcrypto.DigestLength]byte
	out[0] = zeroLeafDigest
	for level := 1; level <= params.MerkleHeight; level++ {
		child := out[level-1]
		out[level] = vmcrypto.Hash256(child[:], child[:], child[:], child[:])
	}
	return out
}

// internalNodeKey packs (level, slot) into the fastcache key for one
// internal node's digest. Upsert/Remove invalidate the changed slot's
// ancestor chain on every leaf change, so any key found here was computed
// against the tree's current leaf set and is safe to reuse as-is.
func internalNodeKey(level int, slot uint64) []byte {
	key := make([]byte, 9)
	key[0] = byte(level)
	binary.BigEndian.PutUint64(key[1:], slot)
	return key
}

// Root computes the commit root: the digest at the tree's apex. Internal
// (non-leaf) node digests are memoized in idx.cache, keyed by (level,
// slot); repeated Root() calls between mutations reuse every node whose
// subtree hasn't changed instead of rehashing the whole tree.
func (idx *Index) Root() common.Root {
	digests := idx.leafDigests()
	for level := 0; level < params.MerkleHeight; level++ {
		digests = idx.hashLevel(digests, level)
	}
	if d, ok := digests[0]; ok {
		return common.Root(d)
	}
	return common.Root(defaultDigests[params.MerkleHeight])
}

// Proof returns the Merkle inclusion path for a contract's slot: for each
// of the tree's levels, bottom-up, the MerkleArity-1 sibling digests of
// the path node at that level, in ascending child order with the path's
// own child omitted. Empty siblings contribute the level's default
// digest, exactly as Root treats them; together with the slot's leaf
// digest the path recomputes Root. A contract's memory pages are proven
// separately by hashing its ordered page list.
func (idx *Index) Proof(id common.ContractId) ([][vmcrypto.DigestLength]byte, error) {
	slot := Slot(id)
	if _, ok := idx.leaves[slot]; !ok {
		return nil, errors.Errorf("merkle: contract %s has no leaf", id.Hex())
	}

	digests := idx.leafDigests()
	proof := make([][vmcrypto.DigestLength]byte, 0, params.MerkleHeight*(params.MerkleArity-1))
	node := slot
	for level := 0; level < params.MerkleHeight; level++ {
		parent := node / params.MerkleArity
		for c := 0; c < params.MerkleArity; c++ {
			child := parent*params.MerkleArity + uint64(c)
			if child == node {
				continue
			}
			if d, ok := digests[child]; ok {
				proof = append(proof, d)
			} else {
				proof = append(proof, defaultDigests[level])
			}
		}
		digests = idx.hashLevel(digests, level)
		node = parent
	}
	return proof, nil
}

func (idx *Index) leafDigests() map[uint64][vmcrypto.DigestLength]byte {
	digests := make(map[uint64][vmcrypto.DigestLength]byte, len(idx.leaves))
	for slot, leaf := range idx.leaves {
		digests[slot] = leafDigest(leaf)
	}
	return digests
}

// hashLevel folds one level's digests up to their parents, memoizing each
// parent digest in the internal-node cache.
func (idx *Index) hashLevel(digests map[uint64][vmcrypto.DigestLength]byte, level int) map[uint64][vmcrypto.DigestLength]byte {
	next := make(map[uint64][vmcrypto.DigestLength]byte, len(digests))
	for _, parent := range parentsOf(digests) {
		key := internalNodeKey(level, parent)
		if cached, ok := idx.cache.HasGet(nil, key); ok && len(cached) == vmcrypto.DigestLength {
			var d [vmcrypto.DigestLength]byte
			copy(d[:], cached)
			next[parent] = d
			continue
		}
		var children [params.MerkleArity][]byte
		for c := 0; c < params.MerkleArity; c++ {
			child := parent*params.MerkleArity + uint64(c)
			if d, ok := digests[child]; ok {
				children[c] = d[:]
			} else {
				children[c] = defaultDigests[level][:]
			}
		}
		d := vmcrypto.Hash256(children[0], children[1], children[2], children[3])
		idx.cache.Set(key, d[:])
		next[parent] = d
	}
	return next
}

func parentsOf(digests map[uint64][vmcrypto.DigestLength]byte) []uint64 {
	set := make(map[uint64]struct{}, len(digests))
	for slot := range digests {
		set[slot/params.MerkleArity] = struct{}{}
	}
	out := make([]uint64, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len reports the number of non-empty leaves.
func (idx *Index) Len() int { return len(idx.leaves) }

// Leaves returns a copy of the current leaf set, keyed by slot. The map
// has no defined iteration order; store's writeMerkleFile sorts the slots
// itself before persisting them.
func (idx *Index) Leaves() map[uint64]Leaf {
	out := make(map[uint64]Leaf, len(idx.leaves))
	for k, v := range idx.leaves {
		out[k] = v
	}
	return out
}
