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
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corevm/contractvm/common"
	"github.com/corevm/contractvm/engine"
	"github.com/corevm/contractvm/internal/wasmtest"
	"github.com/corevm/contractvm/params"
	"github.com/corevm/contractvm/store"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	eng, err := engine.New(8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)

	return New(eng, st, engine.NewRegistry(), nil, [32]byte{}, nil)
}

func readU64LE(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

func TestCounterGenesisDeployAndRead(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	id, r, err := s.Deploy(ctx, wasmtest.CounterContract(), []byte("owner"), nil, nil, params.DefaultGasLimit)
	require.NoError(t, err)
	require.True(t, r.Success())

	r, err = s.CallRaw(ctx, id, "read_value", nil, params.DefaultGasLimit)
	require.NoError(t, err)
	require.True(t, r.Success())
	require.Equal(t, uint64(0xfc), readU64LE(r.ReturnBytes))

	r, err = s.CallRaw(ctx, id, "increment", nil, params.DefaultGasLimit)
	require.NoError(t, err)
	require.True(t, r.Success())

	r, err = s.CallRaw(ctx, id, "read_value", nil, params.DefaultGasLimit)
	require.NoError(t, err)
	require.Equal(t, uint64(0xfd), readU64LE(r.ReturnBytes))

	root, err := s.Commit()
	require.NoError(t, err)
	require.False(t, root.IsZero())
}

func TestRevertOnPanicLeavesStateUnchanged(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	id, _, err := s.Deploy(ctx, wasmtest.CounterContract(), []byte("owner"), nil, nil, params.DefaultGasLimit)
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		r, err := s.CallRaw(ctx, id, "increment", nil, params.DefaultGasLimit)
		require.NoError(t, err)
		require.True(t, r.Success())
	}
	r, err := s.CallRaw(ctx, id, "read_value", nil, params.DefaultGasLimit)
	require.NoError(t, err)
	require.Equal(t, uint64(0xfc+7), readU64LE(r.ReturnBytes))

	r, err = s.CallRaw(ctx, id, "bump_then_panic", nil, params.DefaultGasLimit)
	require.NoError(t, err)
	require.False(t, r.Success())
	require.Equal(t, KindPanic, KindOf(r.Err))

	r, err = s.CallRaw(ctx, id, "read_value", nil, params.DefaultGasLimit)
	require.NoError(t, err)
	require.Equal(t, uint64(0xfc+7), readU64LE(r.ReturnBytes), "a trapping call must not leave its write behind")
}

func TestInterContractCallbackBumpsAndEmits(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	b, _, err := s.Deploy(ctx, wasmtest.CounterContract(), []byte("owner-b"), nil, nil, params.DefaultGasLimit)
	require.NoError(t, err)
	a, _, err := s.Deploy(ctx, wasmtest.CallerContract(), []byte("owner-a"), nil, nil, params.DefaultGasLimit)
	require.NoError(t, err)

	r, err := s.CallRaw(ctx, a, "bump_b", wasmtest.BumpArg(b[:]), params.DefaultGasLimit)
	require.NoError(t, err)
	require.True(t, r.Success())

	require.Len(t, r.Events, 1)
	require.Equal(t, []byte("called-b"), r.Events[0].Topic)
	require.Equal(t, a, r.Events[0].SourceContract)

	require.Len(t, r.CallTree, 2, "root frame plus the nested increment frame")
	require.Equal(t, b, r.CallTree[1].ContractId)
	require.Equal(t, "increment", r.CallTree[1].FunctionName)

	r, err = s.CallRaw(ctx, b, "read_value", nil, params.DefaultGasLimit)
	require.NoError(t, err)
	require.Equal(t, uint64(0xfd), readU64LE(r.ReturnBytes))

	root, err := s.Commit()
	require.NoError(t, err)
	require.False(t, root.IsZero())
}

func TestFailedNestedCallRevertsCalleeAndEvents(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	b, _, err := s.Deploy(ctx, wasmtest.CounterContract(), []byte("owner-b"), nil, nil, params.DefaultGasLimit)
	require.NoError(t, err)
	a, _, err := s.Deploy(ctx, wasmtest.CallerContract(), []byte("owner-a"), nil, nil, params.DefaultGasLimit)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		r, err := s.CallRaw(ctx, b, "increment", nil, params.DefaultGasLimit)
		require.NoError(t, err)
		require.True(t, r.Success())
	}

	r, err := s.CallRaw(ctx, a, "call_bad_swallow", wasmtest.SwallowArg(b[:]), params.DefaultGasLimit)
	require.NoError(t, err)
	require.True(t, r.Success(), "the caller swallows the callee's trap")
	require.Empty(t, r.Events, "nothing emitted inside the failed nested call may survive it")
	require.Len(t, r.CallTree, 2)
	require.Positive(t, r.CallTree[1].GasSpent, "the trapping callee still spent gas up to the trap")

	r, err = s.CallRaw(ctx, b, "read_value", nil, params.DefaultGasLimit)
	require.NoError(t, err)
	require.Equal(t, uint64(0xfc+3), readU64LE(r.ReturnBytes), "the trapping callee's write must be rolled back")
}

func TestFeederCallDeliversBytes(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	id, _, err := s.Deploy(ctx, wasmtest.FeederContract(), []byte("owner"), nil, nil, params.DefaultGasLimit)
	require.NoError(t, err)

	data := make(chan []byte, 4)
	done := make(chan struct{})
	arg := []byte("abc")
	r, err := s.FeederCall(ctx, id, "feed_twice", arg, params.DefaultGasLimit, data, done)
	require.NoError(t, err)
	require.True(t, r.Success())

	close(data)
	var got [][]byte
	for chunk := range data {
		got = append(got, chunk)
	}
	require.Equal(t, [][]byte{arg, arg}, got)
}

func TestFeederCallSwallowsClosedConsumer(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	id, _, err := s.Deploy(ctx, wasmtest.FeederContract(), []byte("owner"), nil, nil, params.DefaultGasLimit)
	require.NoError(t, err)

	data := make(chan []byte) // unbuffered: the select always falls through to done
	done := make(chan struct{})
	close(done)
	r, err := s.FeederCall(ctx, id, "feed_twice", []byte("xyz"), params.DefaultGasLimit, data, done)
	require.NoError(t, err)
	require.True(t, r.Success(), "feed reports consumer-closed to the guest, which swallows it")
}

func TestGasExhaustionPinsSpentAtLimit(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	id, _, err := s.Deploy(ctx, wasmtest.SpinContract(), []byte("owner"), nil, nil, params.DefaultGasLimit)
	require.NoError(t, err)

	const limit = 50
	r, err := s.CallRaw(ctx, id, "spin", nil, limit)
	require.NoError(t, err)
	require.False(t, r.Success())
	require.Equal(t, KindOutOfGas, KindOf(r.Err))
	require.Equal(t, uint64(limit), r.GasSpent)
}

func TestMigrateRollsBackMemoryOnFailedInit(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	id, _, err := s.Deploy(ctx, wasmtest.CounterContract(), []byte("owner"), nil, nil, params.DefaultGasLimit)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		r, err := s.CallRaw(ctx, id, "increment", nil, params.DefaultGasLimit)
		require.NoError(t, err)
		require.True(t, r.Success())
	}
	r, err := s.CallRaw(ctx, id, "read_value", nil, params.DefaultGasLimit)
	require.NoError(t, err)
	require.Equal(t, uint64(0xfc+3), readU64LE(r.ReturnBytes))

	newID, mr, err := s.Migrate(ctx, id, wasmtest.BadInitContract(), nil, nil, false, params.DefaultGasLimit)
	require.NoError(t, err)
	require.False(t, mr.Success())
	require.True(t, newID.IsZero(), "a rejected migration must not report a new contract id")

	r, err = s.CallRaw(ctx, id, "read_value", nil, params.DefaultGasLimit)
	require.NoError(t, err)
	require.True(t, r.Success(), "the original bytecode's exports must still work after a rejected migration")
	require.Equal(t, uint64(0xfc+3), readU64LE(r.ReturnBytes), "a rejected migration must not leave the failed init's write behind")
}

func TestDeployWithoutInitExportSucceeds(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	id, r, err := s.Deploy(ctx, wasmtest.NoInitContract(), []byte("owner"), nil, nil, params.DefaultGasLimit)
	require.NoError(t, err)
	require.True(t, r.Success())
	require.False(t, id.IsZero())
}

func TestDeployRejectsDuplicateExplicitID(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	explicit := common.ContractId{9}
	id, _, err := s.Deploy(ctx, wasmtest.NoInitContract(), []byte("owner"), &explicit, nil, params.DefaultGasLimit)
	require.NoError(t, err)
	require.Equal(t, explicit, id)

	_, _, err = s.Deploy(ctx, wasmtest.NoInitContract(), []byte("owner"), &explicit, nil, params.DefaultGasLimit)
	require.Error(t, err)
	require.Equal(t, KindAlreadyExists, KindOf(err))
}

func TestCallingMissingContractFails(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	r, err := s.CallRaw(ctx, [32]byte{1, 2, 3}, "read_value", nil, params.DefaultGasLimit)
	require.NoError(t, err)
	require.False(t, r.Success())
	require.Equal(t, KindDoesNotExist, KindOf(r.Err))
}

func TestMetadataRoundTripsWithinSessionOnly(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.SetMeta("chain-id", []byte("test-chain")))
	v, ok := s.GetMeta("chain-id")
	require.True(t, ok)
	require.Equal(t, []byte("test-chain"), v)

	require.NoError(t, s.RemoveMeta("chain-id"))
	_, ok = s.GetMeta("chain-id")
	require.False(t, ok)
}

func TestOperationsFailAfterCommit(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	_, _, err := s.Deploy(ctx, wasmtest.NoInitContract(), []byte("owner"), nil, nil, params.DefaultGasLimit)
	require.NoError(t, err)
	_, err = s.Commit()
	require.NoError(t, err)

	_, err = s.Commit()
	require.ErrorIs(t, err, ErrSessionConsumed)

	_, _, err = s.Deploy(ctx, wasmtest.NoInitContract(), []byte("owner"), nil, nil, params.DefaultGasLimit)
	require.ErrorIs(t, err, ErrSessionConsumed)
}

func TestDiscardReleasesWithoutCommitting(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	_, _, err := s.Deploy(ctx, wasmtest.CounterContract(), []byte("owner"), nil, nil, params.DefaultGasLimit)
	require.NoError(t, err)
	require.NoError(t, s.Discard())
	require.ErrorIs(t, s.Discard(), ErrSessionConsumed)
}
