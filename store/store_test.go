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

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corevm/contractvm/common"
	vmcrypto "github.com/corevm/contractvm/crypto"
	"github.com/corevm/contractvm/pagemap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestWriteGenesisCreatesCommit(t *testing.T) {
	s := newTestStore(t)
	id := common.BytesToContractId([]byte{1})

	root, err := s.Write(nil, WorkingSet{Contracts: []ContractDiff{
		{
			Id:              id,
			BytecodeChanged: true,
			Bytecode:        []byte("wasm-bytes"),
			Dirty:           []vmcrypto.PageRecord{{Offset: 0, Bytes: make([]byte, 64*1024)}},
			PageCount:       1,
			Bitness:         pagemap.Bitness32,
			Owner:           []byte("owner-1"),
		},
	}})
	require.NoError(t, err)
	require.False(t, root.IsZero())

	view, err := s.OpenCommit(root)
	require.NoError(t, err)
	rec, ok := view.Record(id)
	require.True(t, ok)
	require.Equal(t, uint64(1), rec.PageCount)
	require.Equal(t, []byte("owner-1"), rec.Owner)

	path, ok := view.PageFile(id, 0)
	require.True(t, ok)
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestWriteHardLinksUnmodifiedPages(t *testing.T) {
	s := newTestStore(t)
	id := common.BytesToContractId([]byte{2})

	page0 := make([]byte, 64*1024)
	page0[0] = 0xAA
	root1, err := s.Write(nil, WorkingSet{Contracts: []ContractDiff{
		{
			Id: id, BytecodeChanged: true, Bytecode: []byte("bc"),
			Dirty:     []vmcrypto.PageRecord{{Offset: 0, Bytes: page0}},
			PageCount: 1, Bitness: pagemap.Bitness32,
		},
	}})
	require.NoError(t, err)
	parent, err := s.OpenCommit(root1)
	require.NoError(t, err)

	// Second commit adds an unrelated contract and touches nothing for this
	// one: its page must still be carried forward via hard link, unchanged.
	other := common.BytesToContractId([]byte{0x22})
	root2, err := s.Write(parent, WorkingSet{Contracts: []ContractDiff{
		{Id: other, BytecodeChanged: true, Bytecode: []byte("bc2"), PageCount: 0, Bitness: pagemap.Bitness32},
	}})
	require.NoError(t, err)
	require.NotEqual(t, root1, root2)

	v1, err := s.OpenCommit(root1)
	require.NoError(t, err)
	v2, err := s.OpenCommit(root2)
	require.NoError(t, err)

	p1, _ := v1.PageFile(id, 0)
	p2, _ := v2.PageFile(id, 0)
	info1, err := os.Stat(p1)
	require.NoError(t, err)
	info2, err := os.Stat(p2)
	require.NoError(t, err)
	require.True(t, os.SameFile(info1, info2), "unmodified page must be hard-linked, not copied")

	rec2, ok := v2.Record(id)
	require.True(t, ok)
	rec1, _ := v1.Record(id)
	require.Equal(t, rec1.MemoryHash, rec2.MemoryHash)
}

func TestWriteOnlyRewritesDirtyPage(t *testing.T) {
	s := newTestStore(t)
	id := common.BytesToContractId([]byte{3})

	page0 := make([]byte, 64*1024)
	page1 := make([]byte, 64*1024)
	root1, err := s.Write(nil, WorkingSet{Contracts: []ContractDiff{
		{
			Id: id, BytecodeChanged: true, Bytecode: []byte("bc"),
			Dirty:     []vmcrypto.PageRecord{{Offset: 0, Bytes: page0}, {Offset: 64 * 1024, Bytes: page1}},
			PageCount: 2, Bitness: pagemap.Bitness32,
		},
	}})
	require.NoError(t, err)
	parent, err := s.OpenCommit(root1)
	require.NoError(t, err)

	page1Modified := make([]byte, 64*1024)
	page1Modified[5] = 0x99
	root2, err := s.Write(parent, WorkingSet{Contracts: []ContractDiff{
		{
			Id:        id,
			Dirty:     []vmcrypto.PageRecord{{Offset: 64 * 1024, Bytes: page1Modified}},
			PageCount: 2, Bitness: pagemap.Bitness32,
		},
	}})
	require.NoError(t, err)

	v1, _ := s.OpenCommit(root1)
	v2, _ := s.OpenCommit(root2)

	page0Path1, _ := v1.PageFile(id, 0)
	page0Path2, _ := v2.PageFile(id, 0)
	i1, err := os.Stat(page0Path1)
	require.NoError(t, err)
	i2, err := os.Stat(page0Path2)
	require.NoError(t, err)
	require.True(t, os.SameFile(i1, i2), "page 0 was never touched, must stay hard-linked")

	page1Path2, _ := v2.PageFile(id, 64*1024)
	bytes, err := os.ReadFile(page1Path2)
	require.NoError(t, err)
	require.Equal(t, byte(0x99), bytes[5])

	rec1, _ := v1.Record(id)
	rec2, _ := v2.Record(id)
	require.NotEqual(t, rec1.MemoryHash, rec2.MemoryHash)
}

func TestWriteRejectsNewContractWithoutBytecode(t *testing.T) {
	s := newTestStore(t)
	id := common.BytesToContractId([]byte{4})
	_, err := s.Write(nil, WorkingSet{Contracts: []ContractDiff{
		{Id: id, PageCount: 0, Bitness: pagemap.Bitness32},
	}})
	require.Error(t, err)
}

func TestDeleteRemovesCommitDirectory(t *testing.T) {
	s := newTestStore(t)
	id := common.BytesToContractId([]byte{5})
	root, err := s.Write(nil, WorkingSet{Contracts: []ContractDiff{
		{Id: id, BytecodeChanged: true, Bytecode: []byte("bc"), PageCount: 0, Bitness: pagemap.Bitness32},
	}})
	require.NoError(t, err)

	require.NoError(t, s.Delete(root))
	_, err = os.Stat(filepath.Join(s.BaseDir(), root.Hex()))
	require.True(t, os.IsNotExist(err))
}

func TestIdenticalCommitsShareOneDirectory(t *testing.T) {
	s := newTestStore(t)
	id := common.BytesToContractId([]byte{6})
	diff := ContractDiff{Id: id, BytecodeChanged: true, Bytecode: []byte("bc"), PageCount: 0, Bitness: pagemap.Bitness32}

	root1, err := s.Write(nil, WorkingSet{Contracts: []ContractDiff{diff}})
	require.NoError(t, err)
	root2, err := s.Write(nil, WorkingSet{Contracts: []ContractDiff{diff}})
	require.NoError(t, err)
	require.Equal(t, root1, root2)
}
