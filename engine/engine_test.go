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

package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// emptyModule is the minimal valid wasm binary: magic number and version,
// no sections at all.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestMeterChargeStopsAtLimit(t *testing.T) {
	m := newMeter(10)
	require.True(t, m.charge(4))
	require.True(t, m.charge(4))
	require.False(t, m.charge(4), "charging past the limit must fail")
	require.Equal(t, uint64(10), m.spent, "a failed charge still pins spent at the limit")
	require.Equal(t, uint64(0), m.remaining())
}

func TestMeterRemaining(t *testing.T) {
	m := newMeter(100)
	require.True(t, m.charge(30))
	require.Equal(t, uint64(70), m.remaining())
}

func TestHostImportCostTable(t *testing.T) {
	require.Greater(t, hostImportCost("c"), uint64(0))
	require.Greater(t, hostImportCost("hq"), uint64(0))
	require.Greater(t, hostImportCost("emit"), uint64(0))
	require.Equal(t, uint64(0), hostImportCost("feed"), "feed is priced purely per byte")
	require.Equal(t, hostImportCost("owner"), hostImportCost("self_id"))
}

func TestCompileRejectsInvalidBytecode(t *testing.T) {
	e, err := New(4)
	require.NoError(t, err)
	defer e.Close(context.Background())

	_, err = e.Compile(context.Background(), []byte("not wasm"))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidBytecode))
}

func TestCompileCachesByContentHash(t *testing.T) {
	e, err := New(4)
	require.NoError(t, err)
	defer e.Close(context.Background())

	a1, err := e.Compile(context.Background(), emptyModule)
	require.NoError(t, err)
	a2, err := e.Compile(context.Background(), emptyModule)
	require.NoError(t, err)
	require.Same(t, a1, a2, "identical bytecode must hit the artifact cache")
}

func TestEngineCloses(t *testing.T) {
	e, err := New(1)
	require.NoError(t, err)
	require.NoError(t, e.Close(context.Background()))
}
