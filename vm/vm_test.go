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

package vm

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corevm/contractvm/internal/wasmtest"
	"github.com/corevm/contractvm/params"
)

func readU64LE(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

func TestEphemeralOpenAndClose(t *testing.T) {
	v, err := Ephemeral()
	require.NoError(t, err)
	require.NotEmpty(t, v.BaseDir())
	require.NoError(t, v.Close(context.Background()))
}

func TestGenesisSessionDeployCallCommit(t *testing.T) {
	v, err := Ephemeral()
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close(context.Background()) })

	s, err := v.Session(nil)
	require.NoError(t, err)

	ctx := context.Background()
	id, r, err := s.Deploy(ctx, wasmtest.CounterContract(), []byte("owner"), nil, nil, params.DefaultGasLimit)
	require.NoError(t, err)
	require.True(t, r.Success())

	r, err = s.CallRaw(ctx, id, "increment", nil, params.DefaultGasLimit)
	require.NoError(t, err)
	require.True(t, r.Success())

	root, err := s.Commit()
	require.NoError(t, err)
	require.False(t, root.IsZero())
	require.Contains(t, v.KnownRoots(), root)
}

func TestReopeningCommittedRootSeesState(t *testing.T) {
	v, err := Ephemeral()
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close(context.Background()) })

	ctx := context.Background()

	s1, err := v.Session(nil)
	require.NoError(t, err)
	id, _, err := s1.Deploy(ctx, wasmtest.CounterContract(), []byte("owner"), nil, nil, params.DefaultGasLimit)
	require.NoError(t, err)
	_, err = s1.CallRaw(ctx, id, "increment", nil, params.DefaultGasLimit)
	require.NoError(t, err)
	root, err := s1.Commit()
	require.NoError(t, err)

	s2, err := v.Session(&root)
	require.NoError(t, err)
	defer func() { _ = s2.Discard() }()

	r, err := s2.CallRaw(ctx, id, "read_value", nil, params.DefaultGasLimit)
	require.NoError(t, err)
	require.True(t, r.Success())
	require.Equal(t, uint64(0xfc+1), readU64LE(r.ReturnBytes))
}

func TestDeleteCommitBlocksUntilReaderReleases(t *testing.T) {
	v, err := Ephemeral()
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close(context.Background()) })

	ctx := context.Background()

	s1, err := v.Session(nil)
	require.NoError(t, err)
	_, _, err = s1.Deploy(ctx, wasmtest.NoInitContract(), []byte("owner"), nil, nil, params.DefaultGasLimit)
	require.NoError(t, err)
	root, err := s1.Commit()
	require.NoError(t, err)

	reader, err := v.Session(&root)
	require.NoError(t, err)
	require.Equal(t, 1, v.ReaderCount(root))

	deleteDone := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		deleteDone <- v.DeleteCommit(context.Background(), root)
	}()

	select {
	case <-deleteDone:
		t.Fatal("DeleteCommit returned before the reader released its reference")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = v.Session(&root)
	require.ErrorIs(t, err, ErrCommitDeleting)

	require.NoError(t, reader.Discard())

	wg.Wait()
	require.NoError(t, <-deleteDone)
	require.NotContains(t, v.KnownRoots(), root)
}

func TestDeleteCommitCancelledByContext(t *testing.T) {
	v, err := Ephemeral()
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close(context.Background()) })

	ctx := context.Background()
	s1, err := v.Session(nil)
	require.NoError(t, err)
	_, _, err = s1.Deploy(ctx, wasmtest.NoInitContract(), []byte("owner"), nil, nil, params.DefaultGasLimit)
	require.NoError(t, err)
	root, err := s1.Commit()
	require.NoError(t, err)

	reader, err := v.Session(&root)
	require.NoError(t, err)
	defer func() { _ = reader.Discard() }()

	cancelCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = v.DeleteCommit(cancelCtx, root)
	require.Error(t, err)
	require.Equal(t, 1, v.ReaderCount(root), "a cancelled delete must not disturb the refcount")

	// Root must still be openable for new sessions after the cancelled delete.
	s3, err := v.Session(&root)
	require.NoError(t, err)
	require.NoError(t, s3.Discard())
}

func TestPersistAndReopenRestoresKnownRoots(t *testing.T) {
	dir := t.TempDir()

	v, err := Open(dir)
	require.NoError(t, err)

	ctx := context.Background()
	s, err := v.Session(nil)
	require.NoError(t, err)
	_, _, err = s.Deploy(ctx, wasmtest.NoInitContract(), []byte("owner"), nil, nil, params.DefaultGasLimit)
	require.NoError(t, err)
	root, err := s.Commit()
	require.NoError(t, err)

	require.NoError(t, v.Persist())
	require.NoError(t, v.Close(ctx))

	v2, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = v2.Close(ctx) })

	require.Contains(t, v2.KnownRoots(), root)

	s2, err := v2.Session(&root)
	require.NoError(t, err)
	require.NoError(t, s2.Discard())
}
