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

import "github.com/corevm/contractvm/pagemap"

// writeArgBuffer serialises data into the reserved argument buffer at
// offset 0 of mem (spec §9: "a fixed 64 KiB buffer at a well-known guest
// symbol"). It grows mem to at least one page if this is the contract's
// first call.
func writeArgBuffer(mem *pagemap.PageMap, data []byte) *Error {
	if uint64(len(data)) > argBufferSize {
		return errf(KindArgBufferOverflow, "argument of %d bytes exceeds the %d byte argument buffer", len(data), argBufferSize)
	}
	if mem.Len() < argBufferSize {
		if err := mem.SetLen(argBufferSize); err != nil {
			return newErr(KindInvalidMemory, err)
		}
	}
	buf, err := mem.PrepareCall()
	if err != nil {
		return newErr(KindInvalidMemory, err)
	}
	for i := uint64(0); i < argBufferSize; i++ {
		buf[i] = 0
	}
	copy(buf[:argBufferSize], data)
	mem.Sync()
	return nil
}

// readArgBuffer reads back n bytes from the start of mem's current
// contents, the convention every host import's "ptr/len into the argument
// buffer" semantics ultimately bottoms out at.
func readArgBuffer(mem *pagemap.PageMap, n uint32) ([]byte, *Error) {
	buf, err := mem.AsSlice()
	if err != nil {
		return nil, newErr(KindInvalidMemory, err)
	}
	if uint64(n) > uint64(len(buf)) {
		return nil, errf(KindMemoryAccessOutOfBounds, "return length %d exceeds memory length %d", n, len(buf))
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}
