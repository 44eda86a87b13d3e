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
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/corevm/contractvm/common"
)

// commitsFileVersion is bumped whenever the on-disk layout of the commits
// file changes; restore rejects any version it does not recognise rather
// than guessing at a layout (spec §6.1: "unknown versions fail the load").
const commitsFileVersion uint32 = 1

const commitsFileName = "commits"

// Persist writes the VM's known-commit-root registry to the `commits` file
// at the base directory, per spec §6.1 and §4.6. It records, for every
// known root, its owning-contract set (read back out of that commit's own
// index) and the reader refcount at the moment of the call; refcounts
// naturally reset to zero on the next process start since no session
// survives a restart.
func (v *VM) Persist() error {
	v.commits.mu.Lock()
	roots := make([]common.Root, 0, len(v.commits.known))
	for root := range v.commits.known {
		roots = append(roots, root)
	}
	refcount := make(map[common.Root]int, len(roots))
	for _, root := range roots {
		refcount[root] = v.commits.refcount[root]
	}
	v.commits.mu.Unlock()

	sort.Slice(roots, func(i, j int) bool { return string(roots[i][:]) < string(roots[j][:]) })

	path := filepath.Join(v.baseDir, commitsFileName)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "vm: create commits file")
	}
	defer os.Remove(tmp)

	w := bufio.NewWriter(f)
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], commitsFileVersion)
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(roots)))
	if _, err := w.Write(hdr[:]); err != nil {
		f.Close()
		return errors.Wrap(err, "vm: write commits header")
	}

	for _, root := range roots {
		owners, err := v.ownersOf(root)
		if err != nil {
			f.Close()
			return err
		}
		if err := writeCommitsEntry(w, root, owners, uint64(refcount[root])); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "vm: flush commits file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "vm: close commits file")
	}
	return os.Rename(tmp, path)
}

func writeCommitsEntry(w *bufio.Writer, root common.Root, owners []common.ContractId, refcount uint64) error {
	if _, err := w.Write(root[:]); err != nil {
		return errors.Wrap(err, "vm: write commits root")
	}
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(owners)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return errors.Wrap(err, "vm: write commits owner count")
	}
	for _, id := range owners {
		if _, err := w.Write(id[:]); err != nil {
			return errors.Wrap(err, "vm: write commits owner id")
		}
	}
	var rcBuf [8]byte
	binary.BigEndian.PutUint64(rcBuf[:], refcount)
	if _, err := w.Write(rcBuf[:]); err != nil {
		return errors.Wrap(err, "vm: write commits refcount")
	}
	return nil
}

func (v *VM) ownersOf(root common.Root) ([]common.ContractId, error) {
	view, err := v.store.OpenCommit(root)
	if err != nil {
		return nil, errors.Wrapf(err, "vm: open commit %s for persist", root.Hex())
	}
	index := view.Index()
	ids := make([]common.ContractId, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return string(ids[i][:]) < string(ids[j][:]) })
	return ids, nil
}

// restore loads the commits file, if one exists, seeding the known-roots
// set. Reader refcounts are never restored: a refcount only means something
// for a session object alive in this process.
func (v *VM) restore() error {
	path := filepath.Join(v.baseDir, commitsFileName)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "vm: open commits file")
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return errors.Wrap(err, "vm: read commits header")
	}
	if version := binary.BigEndian.Uint32(hdr[:4]); version != commitsFileVersion {
		return errors.Errorf("vm: unsupported commits file version %d", version)
	}
	count := binary.BigEndian.Uint32(hdr[4:])

	v.commits.mu.Lock()
	defer v.commits.mu.Unlock()
	for i := uint32(0); i < count; i++ {
		root, _, _, err := readCommitsEntry(r)
		if err != nil {
			return err
		}
		v.commits.known[root] = struct{}{}
	}
	return nil
}

func readCommitsEntry(r *bufio.Reader) (common.Root, []common.ContractId, uint64, error) {
	var root common.Root
	if _, err := io.ReadFull(r, root[:]); err != nil {
		return root, nil, 0, errors.Wrap(err, "vm: read commits root")
	}
	var ownerCountBuf [4]byte
	if _, err := io.ReadFull(r, ownerCountBuf[:]); err != nil {
		return root, nil, 0, errors.Wrap(err, "vm: read commits owner count")
	}
	ownerCount := binary.BigEndian.Uint32(ownerCountBuf[:])
	owners := make([]common.ContractId, ownerCount)
	for i := range owners {
		if _, err := io.ReadFull(r, owners[i][:]); err != nil {
			return root, nil, 0, errors.Wrap(err, "vm: read commits owner id")
		}
	}
	var rcBuf [8]byte
	if _, err := io.ReadFull(r, rcBuf[:]); err != nil {
		return root, nil, 0, errors.Wrap(err, "vm: read commits refcount")
	}
	return root, owners, binary.BigEndian.Uint64(rcBuf[:]), nil
}
