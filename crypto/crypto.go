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

// Package crypto wraps blake3, the single hash function this module uses
// for content addressing: page hashes, memory hashes, commit roots,
// derived contract ids, and artifact-cache keys all go through here.
package crypto

import (
	"encoding/binary"

	"lukechampine.com/blake3"

	"github.com/corevm/contractvm/common"
)

const DigestLength = 32

// Hash256 returns the blake3-256 digest of data.
func Hash256(data ...[]byte) [DigestLength]byte {
	h := blake3.New(DigestLength, nil)
	for _, d := range data {
		h.Write(d)
	}
	var out [DigestLength]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DeriveContractId computes the deterministic id for a newly deployed
// contract: blake3(bytecode ∥ owner ∥ nonce), per spec §4.5.
func DeriveContractId(bytecode, owner []byte, nonce uint64) common.ContractId {
	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], nonce)
	return common.ContractId(Hash256(bytecode, owner, nonceBuf[:]))
}

// HashPages computes a contract's memory hash: blake3 over (page-offset,
// page-bytes) pairs in ascending offset order, per spec §4.2.
//
// offsets must already be sorted ascending; the caller (store's
// writeContract) guarantees this rather than sorting defensively here.
func HashPages(pages []PageRecord) [DigestLength]byte {
	h := blake3.New(DigestLength, nil)
	var offBuf [8]byte
	for _, p := range pages {
		binary.BigEndian.PutUint64(offBuf[:], p.Offset)
		h.Write(offBuf[:])
		h.Write(p.Bytes)
	}
	var out [DigestLength]byte
	copy(out[:], h.Sum(nil))
	return out
}

// PageRecord is one (offset, bytes) pair contributing to a memory hash.
type PageRecord struct {
	Offset uint64
	Bytes  []byte
}

// ArtifactCacheKey is the key an engine uses to cache a compiled module,
// keyed by the blake3 hash of its bytecode.
func ArtifactCacheKey(bytecode []byte) [DigestLength]byte {
	return Hash256(bytecode)
}
