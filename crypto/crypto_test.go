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

package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHash256Deterministic(t *testing.T) {
	a := Hash256([]byte("hello"))
	b := Hash256([]byte("hello"))
	require.Equal(t, a, b)

	c := Hash256([]byte("hello!"))
	require.NotEqual(t, a, c)
}

func TestDeriveContractIdVariesWithNonce(t *testing.T) {
	code := []byte{0, 1, 2}
	owner := []byte("owner")

	id1 := DeriveContractId(code, owner, 0)
	id2 := DeriveContractId(code, owner, 1)
	require.NotEqual(t, id1, id2)

	id1Again := DeriveContractId(code, owner, 0)
	require.Equal(t, id1, id1Again)
}

func TestHashPagesOrderSensitive(t *testing.T) {
	pages := []PageRecord{
		{Offset: 0, Bytes: []byte{1, 2, 3}},
		{Offset: 65536, Bytes: []byte{4, 5, 6}},
	}
	reordered := []PageRecord{pages[1], pages[0]}

	require.NotEqual(t, HashPages(pages), HashPages(reordered),
		"HashPages must be sensitive to the order pages are passed in")
}

func TestHashPagesEmpty(t *testing.T) {
	// An all-zero memory with no dirty/sourced pages hashes to the empty digest.
	empty := HashPages(nil)
	require.Equal(t, Hash256(), empty)
}
