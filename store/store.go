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

// Package store implements the content-addressed commit store described in
// spec §4.2: each commit is a directory holding, per contract, bytecode and
// a page-wise memory directory, plus a packed index and a serialised
// Merkle-leaf snapshot. Unmodified pages and unchanged bytecode are
// hard-linked from the parent commit so storage cost is proportional to
// what actually changed.
package store

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/corevm/contractvm/common"
	vmcrypto "github.com/corevm/contractvm/crypto"
	"github.com/corevm/contractvm/merkle"
	"github.com/corevm/contractvm/pagemap"
)

const (
	bytecodeDir = "bytecode"
	memoryDir   = "memory"
	indexFile   = "index"
	merkleFile  = "merkle"
)

// IndexRecord is one contract's entry in a commit's packed index.
type IndexRecord struct {
	MemoryHash [vmcrypto.DigestLength]byte
	PageCount  uint64
	Bitness    pagemap.Bitness
	Owner      []byte
	Hints      []byte
}

// Store is the on-disk, content-addressed repository of commits rooted at
// baseDir.
type Store struct {
	baseDir string
}

func Open(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "store: create base dir %s", baseDir)
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) BaseDir() string { return s.baseDir }

func (s *Store) commitDir(root common.Root) string {
	return filepath.Join(s.baseDir, root.Hex())
}

// CommitView is a read-only handle on one on-disk commit.
type CommitView struct {
	root  common.Root
	dir   string
	index map[common.ContractId]IndexRecord
}

// MerkleIndex reloads this commit's persisted Merkle leaf set into a fresh
// merkle.Index; Proof uses it to answer inclusion queries.
func (cv *CommitView) MerkleIndex() (*merkle.Index, error) {
	return readMerkleFile(filepath.Join(cv.dir, merkleFile), 0)
}

// Root returns the commit root this view was opened at.
func (cv *CommitView) Root() common.Root { return cv.root }

// Proof returns the Merkle inclusion path for one contract's slot under
// this commit's root, loaded from the commit's persisted leaf set.
func (cv *CommitView) Proof(id common.ContractId) ([][vmcrypto.DigestLength]byte, error) {
	tree, err := cv.MerkleIndex()
	if err != nil {
		return nil, err
	}
	return tree.Proof(id)
}

// Index returns a copy of the commit's contract-id -> record mapping.
func (cv *CommitView) Index() map[common.ContractId]IndexRecord {
	out := make(map[common.ContractId]IndexRecord, len(cv.index))
	for k, v := range cv.index {
		out[k] = v
	}
	return out
}

// Record looks up one contract's index record.
func (cv *CommitView) Record(id common.ContractId) (IndexRecord, bool) {
	r, ok := cv.index[id]
	return r, ok
}

// BytecodePath returns the path to a contract's bytecode file in this
// commit. The caller is expected to have already checked Record(id).
func (cv *CommitView) BytecodePath(id common.ContractId) string {
	return filepath.Join(cv.dir, bytecodeDir, id.Hex())
}

// PageFile resolves the page file backing a contract's memory at the given
// offset in this commit, if any. ForContract wraps it as a pagemap.Locator
// for one contract.
func (cv *CommitView) PageFile(id common.ContractId, offset uint64) (string, bool) {
	path := filepath.Join(cv.dir, memoryDir, id.Hex(), offsetHex(offset))
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

// ForContract returns a pagemap.Locator bound to one contract, for handing
// to pagemap.New.
func (cv *CommitView) ForContract(id common.ContractId) pagemap.Locator {
	return contractLocator{cv: cv, id: id}
}

type contractLocator struct {
	cv *CommitView
	id common.ContractId
}

func (l contractLocator) PageFile(offset uint64) (string, bool) { return l.cv.PageFile(l.id, offset) }

func offsetHex(offset uint64) string { return fmt.Sprintf("%016x", offset) }

// OpenCommit loads the index of an existing commit directory.
func (s *Store) OpenCommit(root common.Root) (*CommitView, error) {
	dir := s.commitDir(root)
	index, err := readIndex(filepath.Join(dir, indexFile))
	if err != nil {
		return nil, errors.Wrapf(err, "store: open commit %s", root.Hex())
	}
	return &CommitView{root: root, dir: dir, index: index}, nil
}

// ContractDiff is one contract's changes as seen by a session about to
// commit.
type ContractDiff struct {
	Id              common.ContractId
	BytecodeChanged bool
	Bytecode        []byte
	Dirty           []vmcrypto.PageRecord
	PageCount       uint64
	Bitness         pagemap.Bitness
	Owner           []byte
	Hints           []byte
}

// WorkingSet is the full set of per-contract diffs a session hands to
// Write at commit time.
type WorkingSet struct {
	Contracts []ContractDiff
}

// Write materialises a new commit directory as parent (if any) plus diff,
// hard-linking everything that didn't change, and returns the new root.
func (s *Store) Write(parent *CommitView, ws WorkingSet) (common.Root, error) {
	tmpDir := filepath.Join(s.baseDir, ".tmp-"+uuid.NewString())
	if err := os.MkdirAll(filepath.Join(tmpDir, bytecodeDir), 0o755); err != nil {
		return common.Root{}, errors.Wrap(err, "store: create tmp bytecode dir")
	}
	if err := os.MkdirAll(filepath.Join(tmpDir, memoryDir), 0o755); err != nil {
		return common.Root{}, errors.Wrap(err, "store: create tmp memory dir")
	}
	defer os.RemoveAll(tmpDir)

	diffByID := make(map[common.ContractId]ContractDiff, len(ws.Contracts))
	for _, d := range ws.Contracts {
		diffByID[d.Id] = d
	}

	index := make(map[common.ContractId]IndexRecord)
	tree := merkle.New(0)

	ids := make([]common.ContractId, 0, len(diffByID))
	if parent != nil {
		for id := range parent.index {
			if _, dup := diffByID[id]; !dup {
				ids = append(ids, id)
			}
		}
	}
	for id := range diffByID {
		ids = append(ids, id)
	}

	// Each contract's bytecode/page files live under its own sub-directory,
	// so the per-contract write-out below has no shared mutable state and
	// runs concurrently, one goroutine per touched/carried-over contract;
	// the index map and Merkle tree (neither safe for concurrent mutation)
	// are only ever touched afterwards, back on this goroutine.
	recs := make([]IndexRecord, len(ids))
	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		diff, touched := diffByID[id]
		g.Go(func() error {
			rec, err := s.writeContract(tmpDir, parent, id, diff, touched)
			if err != nil {
				return err
			}
			recs[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return common.Root{}, err
	}

	for i, id := range ids {
		rec := recs[i]
		index[id] = rec
		tree.Upsert(merkle.Leaf{
			ContractId: id,
			MemoryHash: rec.MemoryHash,
			Is64Bit:    rec.Bitness == pagemap.Bitness64,
		})
	}

	root := tree.Root()

	if err := writeIndex(filepath.Join(tmpDir, indexFile), index); err != nil {
		return common.Root{}, err
	}
	if err := writeMerkleFile(filepath.Join(tmpDir, merkleFile), tree); err != nil {
		return common.Root{}, err
	}

	finalDir := s.commitDir(root)
	if _, err := os.Stat(finalDir); err == nil {
		// Identical root already committed (e.g. a no-op session); the
		// content-addressed directory already exists and is byte-for-byte
		// what we were about to write, so there's nothing left to do.
		return root, nil
	}
	if err := os.Rename(tmpDir, finalDir); err != nil {
		return common.Root{}, errors.Wrapf(err, "store: rename tmp commit into place at %s", finalDir)
	}
	return root, nil
}

func (s *Store) writeContract(tmpDir string, parent *CommitView, id common.ContractId, diff ContractDiff, touched bool) (IndexRecord, error) {
	var parentRec IndexRecord
	var hadParent bool
	if parent != nil {
		parentRec, hadParent = parent.Record(id)
	}

	// bytecode
	bcDst := filepath.Join(tmpDir, bytecodeDir, id.Hex())
	switch {
	case touched && diff.BytecodeChanged:
		if err := os.WriteFile(bcDst, diff.Bytecode, 0o644); err != nil {
			return IndexRecord{}, errors.Wrapf(err, "store: write bytecode for %s", id.Hex())
		}
	case hadParent:
		if err := os.Link(parent.BytecodePath(id), bcDst); err != nil {
			return IndexRecord{}, errors.Wrapf(err, "store: hard-link bytecode for %s", id.Hex())
		}
	default:
		return IndexRecord{}, errors.Errorf("store: contract %s has no bytecode in parent or diff", id.Hex())
	}

	// page set: parent's existing pages union dirty pages from the diff
	dstMemDir := filepath.Join(tmpDir, memoryDir, id.Hex())
	if err := os.MkdirAll(dstMemDir, 0o755); err != nil {
		return IndexRecord{}, errors.Wrapf(err, "store: create memory dir for %s", id.Hex())
	}

	dirtyByOffset := make(map[uint64][]byte, len(diff.Dirty))
	for _, p := range diff.Dirty {
		dirtyByOffset[p.Offset] = p.Bytes
	}

	offsets := make(map[uint64]struct{})
	var srcMemDir string
	if hadParent {
		srcMemDir = filepath.Join(parent.dir, memoryDir, id.Hex())
		existing, err := listPageOffsets(srcMemDir)
		if err != nil {
			return IndexRecord{}, err
		}
		for _, off := range existing {
			offsets[off] = struct{}{}
		}
	}
	for off := range dirtyByOffset {
		offsets[off] = struct{}{}
	}

	ordered := make([]uint64, 0, len(offsets))
	for off := range offsets {
		ordered = append(ordered, off)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	pages := make([]vmcrypto.PageRecord, 0, len(ordered))
	for _, off := range ordered {
		dstPage := filepath.Join(dstMemDir, offsetHex(off))
		if bytes, isDirty := dirtyByOffset[off]; isDirty {
			if err := os.WriteFile(dstPage, bytes, 0o644); err != nil {
				return IndexRecord{}, errors.Wrapf(err, "store: write page %s/%s", id.Hex(), offsetHex(off))
			}
			pages = append(pages, vmcrypto.PageRecord{Offset: off, Bytes: bytes})
			continue
		}
		srcPage := filepath.Join(srcMemDir, offsetHex(off))
		if err := os.Link(srcPage, dstPage); err != nil {
			return IndexRecord{}, errors.Wrapf(err, "store: hard-link page %s/%s", id.Hex(), offsetHex(off))
		}
		bytes, err := os.ReadFile(srcPage)
		if err != nil {
			return IndexRecord{}, errors.Wrapf(err, "store: read parent page %s/%s for hashing", id.Hex(), offsetHex(off))
		}
		pages = append(pages, vmcrypto.PageRecord{Offset: off, Bytes: bytes})
	}

	rec := IndexRecord{
		MemoryHash: vmcrypto.HashPages(pages),
		Owner:      parentRec.Owner,
		Hints:      parentRec.Hints,
	}
	if touched {
		rec.PageCount = diff.PageCount
		rec.Bitness = diff.Bitness
		if diff.Owner != nil {
			rec.Owner = diff.Owner
		}
		if diff.Hints != nil {
			rec.Hints = diff.Hints
		}
	} else {
		rec.PageCount = parentRec.PageCount
		rec.Bitness = parentRec.Bitness
	}
	return rec, nil
}

// Delete removes a commit directory. Safe to call once its reader
// refcount (tracked by vm.VM) has reached zero: pages live on via hard
// links from other commits until every link is gone.
func (s *Store) Delete(root common.Root) error {
	return os.RemoveAll(s.commitDir(root))
}

func listPageOffsets(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "store: list pages in %s", dir)
	}
	out := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, err := hex.DecodeString(e.Name())
		if err != nil || len(b) != 8 {
			continue
		}
		var off uint64
		for _, c := range b {
			off = off<<8 | uint64(c)
		}
		out = append(out, off)
	}
	return out, nil
}
