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
	"bufio"
	"encoding/binary"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/corevm/contractvm/common"
	vmcrypto "github.com/corevm/contractvm/crypto"
	"github.com/corevm/contractvm/merkle"
	"github.com/corevm/contractvm/pagemap"
)

// The index file has no framework serializer behind it (the teacher's own
// rlp package didn't make the cut into this pack), so it is a small
// hand-packed binary format: a record count followed by fixed fields per
// contract plus two length-prefixed blobs for owner and permission hints.
// Per-contract metadata (spec §3) is folded into the index record rather
// than kept in its own file tree, since the packed index already owns the
// per-contract byte layout and the commit's on-disk shape (§6.1) names
// only bytecode/, memory/, index and merkle.

func writeIndex(path string, index map[common.ContractId]IndexRecord) error {
	ids := make([]common.ContractId, 0, len(index))
	for id := range index {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return string(ids[i][:]) < string(ids[j][:]) })

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "store: create index file")
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(ids)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return errors.Wrap(err, "store: write index count")
	}

	for _, id := range ids {
		rec := index[id]
		if err := writeIndexRecord(w, id, rec); err != nil {
			return err
		}
	}
	return w.Flush()
}

func writeIndexRecord(w *bufio.Writer, id common.ContractId, rec IndexRecord) error {
	if _, err := w.Write(id[:]); err != nil {
		return errors.Wrap(err, "store: write index contract id")
	}
	if _, err := w.Write(rec.MemoryHash[:]); err != nil {
		return errors.Wrap(err, "store: write index memory hash")
	}
	var fixed [9]byte
	binary.BigEndian.PutUint64(fixed[:8], rec.PageCount)
	fixed[8] = byte(rec.Bitness)
	if _, err := w.Write(fixed[:]); err != nil {
		return errors.Wrap(err, "store: write index fixed fields")
	}
	if err := writeBlob(w, rec.Owner); err != nil {
		return errors.Wrap(err, "store: write index owner blob")
	}
	if err := writeBlob(w, rec.Hints); err != nil {
		return errors.Wrap(err, "store: write index hints blob")
	}
	return nil
}

func writeBlob(w *bufio.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readIndex(path string) (map[common.ContractId]IndexRecord, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return make(map[common.ContractId]IndexRecord), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: open index file")
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var countBuf [4]byte
	if _, err := readFull(r, countBuf[:]); err != nil {
		return nil, errors.Wrap(err, "store: read index count")
	}
	count := binary.BigEndian.Uint32(countBuf[:])

	out := make(map[common.ContractId]IndexRecord, count)
	for i := uint32(0); i < count; i++ {
		id, rec, err := readIndexRecord(r)
		if err != nil {
			return nil, err
		}
		out[id] = rec
	}
	return out, nil
}

func readIndexRecord(r *bufio.Reader) (common.ContractId, IndexRecord, error) {
	var id common.ContractId
	if _, err := readFull(r, id[:]); err != nil {
		return id, IndexRecord{}, errors.Wrap(err, "store: read index contract id")
	}
	var rec IndexRecord
	if _, err := readFull(r, rec.MemoryHash[:]); err != nil {
		return id, rec, errors.Wrap(err, "store: read index memory hash")
	}
	var fixed [9]byte
	if _, err := readFull(r, fixed[:]); err != nil {
		return id, rec, errors.Wrap(err, "store: read index fixed fields")
	}
	rec.PageCount = binary.BigEndian.Uint64(fixed[:8])
	rec.Bitness = pagemap.Bitness(fixed[8])

	owner, err := readBlob(r)
	if err != nil {
		return id, rec, errors.Wrap(err, "store: read index owner blob")
	}
	rec.Owner = owner

	hints, err := readBlob(r)
	if err != nil {
		return id, rec, errors.Wrap(err, "store: read index hints blob")
	}
	rec.Hints = hints

	return id, rec, nil
}

func readBlob(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// writeMerkleFile persists the tree's non-empty leaves so a later reader
// (CommitView.MerkleIndex) can rebuild a merkle.Index from the stored leaf
// contents; readMerkleFile re-inserts each leaf, recomputing its digest.
func writeMerkleFile(path string, tree *merkle.Index) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "store: create merkle file")
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	leaves := tree.Leaves()
	slots := make([]uint64, 0, len(leaves))
	for slot := range leaves {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(slots)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return errors.Wrap(err, "store: write merkle count")
	}
	for _, slot := range slots {
		leaf := leaves[slot]
		var slotBuf [8]byte
		binary.BigEndian.PutUint64(slotBuf[:], slot)
		if _, err := w.Write(slotBuf[:]); err != nil {
			return errors.Wrap(err, "store: write merkle slot")
		}
		if _, err := w.Write(leaf.ContractId[:]); err != nil {
			return errors.Wrap(err, "store: write merkle leaf contract id")
		}
		if _, err := w.Write(leaf.MemoryHash[:]); err != nil {
			return errors.Wrap(err, "store: write merkle leaf memory hash")
		}
		var bitness [1]byte
		if leaf.Is64Bit {
			bitness[0] = 1
		}
		if _, err := w.Write(bitness[:]); err != nil {
			return errors.Wrap(err, "store: write merkle leaf bitness")
		}
	}
	return w.Flush()
}

// readMerkleFile reconstructs a merkle.Index from a persisted leaf set.
func readMerkleFile(path string, cacheBytes int) (*merkle.Index, error) {
	idx := merkle.New(cacheBytes)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: open merkle file")
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var countBuf [4]byte
	if _, err := readFull(r, countBuf[:]); err != nil {
		return nil, errors.Wrap(err, "store: read merkle count")
	}
	count := binary.BigEndian.Uint32(countBuf[:])

	for i := uint32(0); i < count; i++ {
		var slotBuf [8]byte
		if _, err := readFull(r, slotBuf[:]); err != nil {
			return nil, errors.Wrap(err, "store: read merkle slot")
		}
		var id common.ContractId
		if _, err := readFull(r, id[:]); err != nil {
			return nil, errors.Wrap(err, "store: read merkle leaf contract id")
		}
		var memHash [vmcrypto.DigestLength]byte
		if _, err := readFull(r, memHash[:]); err != nil {
			return nil, errors.Wrap(err, "store: read merkle leaf memory hash")
		}
		var bitness [1]byte
		if _, err := readFull(r, bitness[:]); err != nil {
			return nil, errors.Wrap(err, "store: read merkle leaf bitness")
		}
		idx.Upsert(merkle.Leaf{
			ContractId: id,
			MemoryHash: memHash,
			Is64Bit:    bitness[0] == 1,
		})
	}
	return idx, nil
}
