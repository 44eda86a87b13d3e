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

// Package params collects the fixed constants shared by every subsystem:
// page geometry, the Merkle tree shape, the argument buffer size, and gas
// costs for host imports.
package params

const (
	// PageSize is the fixed size of one linear-memory page, in bytes.
	PageSize = 64 * 1024

	// MaxPages32 bounds a 32-bit contract's memory: guest addresses must
	// fit in 32 bits, so at most 4GiB / PageSize pages are addressable.
	MaxPages32 = (1 << 32) / PageSize

	// MaxPages64 bounds the 64-bit variant permitted for larger contracts.
	// Kept well below the full 64-bit range since it still has to fit in
	// process address space alongside every other live contract.
	MaxPages64 = 1 << 24

	// ArgBufferSize is the size of the reserved argument buffer exposed to
	// guests at a well-known symbol; oversized arguments fail with
	// ArgBufferOverflow rather than silently truncating.
	ArgBufferSize = 64 * 1024

	// MerkleArity is the branching factor of the MerkleIndex sparse tree.
	MerkleArity = 4

	// MerkleHeight is the fixed height of the MerkleIndex sparse tree,
	// bounding the number of addressable contract slots to MerkleArity^MerkleHeight.
	MerkleHeight = 17
)

const (
	// GasInterContractCall is charged per `c` host import before the
	// sub-call's own gas sub-limit is metered separately.
	GasInterContractCall uint64 = 700

	// GasHostQueryBase is charged per `hq` host import before the query's
	// own registered gas price.
	GasHostQueryBase uint64 = 40

	// GasEmit is charged per `emit` host import, plus GasEmitByte per byte
	// of payload; topic bytes carry no per-byte charge.
	GasEmit     uint64 = 375
	GasEmitByte uint64 = 8

	// GasFeedByte is charged per byte pushed through a feeder call; this is
	// the cooperative backpressure mechanism described in spec §4.5.
	GasFeedByte uint64 = 3

	// GasHostDebug is charged per `hdebug` host import.
	GasHostDebug uint64 = 20

	// GasQueryIdentity covers `owner`, `self_id`, `caller`, and `callstack`.
	GasQueryIdentity uint64 = 5

	// GasMemoryPage is charged on every call, per page by which the call's
	// fresh guest memory must grow to hold the contract's current memory.
	GasMemoryPage uint64 = 3

	// DefaultGasLimit is used when a caller supplies none.
	DefaultGasLimit uint64 = 10_000_000
)
