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

package pagemap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestMap(t *testing.T, pages uint64) *PageMap {
	t.Helper()
	pm, err := New(pages, Bitness32, NoLocator{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Close() })
	return pm
}

func TestGrowNeverShrinksViaSetLen(t *testing.T) {
	pm := newTestMap(t, 4)
	require.NoError(t, pm.SetLen(2*pm.PageSize()))
	require.Error(t, pm.SetLen(pm.PageSize()))
}

func TestSetLenRejectsOverCapacity(t *testing.T) {
	pm := newTestMap(t, 2)
	require.Error(t, pm.SetLen(3*pm.PageSize()))
}

func TestUnmappedPageReadsZero(t *testing.T) {
	pm := newTestMap(t, 1)
	require.NoError(t, pm.SetLen(pm.PageSize()))
	data, err := pm.AsSlice()
	require.NoError(t, err)
	for _, b := range data {
		require.Equal(t, byte(0), b)
	}
}

func TestWriteMarksPageDirty(t *testing.T) {
	pm := newTestMap(t, 2)
	require.NoError(t, pm.SetLen(2*pm.PageSize()))

	mem, err := pm.PrepareCall()
	require.NoError(t, err)
	mem[0] = 0xAB
	pm.Sync()

	dirty := pm.DirtyPages()
	require.Len(t, dirty, 1)
	require.Equal(t, uint64(0), dirty[0].Offset)
	require.Equal(t, byte(0xAB), dirty[0].Bytes[0])
}

func TestSnapshotRestoreUndoesWrite(t *testing.T) {
	pm := newTestMap(t, 1)
	require.NoError(t, pm.SetLen(pm.PageSize()))

	handle := pm.Snapshot()

	mem, err := pm.PrepareCall()
	require.NoError(t, err)
	mem[10] = 0x42
	pm.Sync()
	require.Len(t, pm.DirtyPages(), 1)

	require.NoError(t, pm.Restore(handle))
	require.Empty(t, pm.DirtyPages())

	mem, err = pm.AsSlice()
	require.NoError(t, err)
	require.Equal(t, byte(0), mem[10])
}

func TestSnapshotDiscardKeepsWriteButLetsOuterRevertIt(t *testing.T) {
	pm := newTestMap(t, 1)
	require.NoError(t, pm.SetLen(pm.PageSize()))

	outer := pm.Snapshot()
	inner := pm.Snapshot()

	mem, err := pm.PrepareCall()
	require.NoError(t, err)
	mem[0] = 7
	pm.Sync()

	require.NoError(t, pm.Discard(inner))
	require.Len(t, pm.DirtyPages(), 1, "discard keeps the write live")

	require.NoError(t, pm.Restore(outer))
	require.Empty(t, pm.DirtyPages(), "outer restore must still undo a discarded inner write")
}

func TestNestedSnapshotsRestoreIndependently(t *testing.T) {
	pm := newTestMap(t, 1)
	require.NoError(t, pm.SetLen(pm.PageSize()))

	outer := pm.Snapshot()
	mem, err := pm.PrepareCall()
	require.NoError(t, err)
	mem[0] = 1
	pm.Sync()

	inner := pm.Snapshot()
	mem, err = pm.PrepareCall()
	require.NoError(t, err)
	mem[1] = 2
	pm.Sync()

	require.NoError(t, pm.Restore(inner))
	mem, err = pm.AsSlice()
	require.NoError(t, err)
	require.Equal(t, byte(1), mem[0], "outer-scope write survives inner restore")
	require.Equal(t, byte(0), mem[1], "inner-scope write is undone")

	require.NoError(t, pm.Restore(outer))
	mem, err = pm.AsSlice()
	require.NoError(t, err)
	require.Equal(t, byte(0), mem[0])
}

func TestDirtyPagesAscendingOffset(t *testing.T) {
	pm := newTestMap(t, 3)
	require.NoError(t, pm.SetLen(3*pm.PageSize()))

	mem, err := pm.PrepareCall()
	require.NoError(t, err)
	mem[2*pm.PageSize()] = 1
	mem[0] = 1
	pm.Sync()

	dirty := pm.DirtyPages()
	require.Len(t, dirty, 2)
	require.Equal(t, uint64(0), dirty[0].Offset)
	require.Equal(t, 2*pm.PageSize(), dirty[1].Offset)
}
