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

// Package common holds the fixed-size identifier types shared across every
// subsystem: contract ids and commit roots are both 32-byte digests, but
// kept as distinct types so a root can never be passed where a contract id
// is expected and vice versa.
package common

import (
	"encoding/hex"
	"fmt"
)

const HashLength = 32

// ContractId is the 32-byte identifier derived from a contract's bytecode
// and deploy parameters. Equality is byte-equality.
type ContractId [HashLength]byte

// Root is a commit root: a 32-byte digest derived from the MerkleIndex.
type Root [HashLength]byte

var (
	ZeroContractId ContractId
	ZeroRoot       Root
)

func BytesToContractId(b []byte) ContractId {
	var id ContractId
	copy(id[HashLength-len(b):], b)
	return id
}

func BytesToRoot(b []byte) Root {
	var r Root
	copy(r[HashLength-len(b):], b)
	return r
}

func (id ContractId) Bytes() []byte { return id[:] }
func (r Root) Bytes() []byte        { return r[:] }

func (id ContractId) Hex() string { return hex.EncodeToString(id[:]) }
func (r Root) Hex() string        { return hex.EncodeToString(r[:]) }

func (id ContractId) String() string { return id.Hex() }
func (r Root) String() string        { return r.Hex() }

func (id ContractId) IsZero() bool { return id == ZeroContractId }
func (r Root) IsZero() bool        { return r == ZeroRoot }

// ContractIdFromHex parses a 64-hex-character contract id. It errors on any
// other length so truncated or padded ids are never silently accepted.
func ContractIdFromHex(s string) (ContractId, error) {
	var id ContractId
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("common: invalid contract id hex %q: %w", s, err)
	}
	if len(b) != HashLength {
		return id, fmt.Errorf("common: contract id must be %d bytes, got %d", HashLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// RootFromHex parses a 64-hex-character commit root.
func RootFromHex(s string) (Root, error) {
	var r Root
	b, err := hex.DecodeString(s)
	if err != nil {
		return r, fmt.Errorf("common: invalid root hex %q: %w", s, err)
	}
	if len(b) != HashLength {
		return r, fmt.Errorf("common: root must be %d bytes, got %d", HashLength, len(b))
	}
	copy(r[:], b)
	return r, nil
}
