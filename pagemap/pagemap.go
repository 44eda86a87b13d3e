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

// Package pagemap implements a contract's linear memory: a fixed-size
// virtual address range, reserved up front with an inaccessible anonymous
// mapping, whose pages are mapped in on demand either from a parent
// commit's page file (read-only, copy-on-write) or as zero-filled
// anonymous memory. Dirty pages are detected by bracketing every guest
// call with a real mprotect transition and a post-call byte diff (see
// PrepareCall/Sync), and micro-snapshots let a session revert a failing
// nested call without disturbing the rest of the working set.
package pagemap

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	vmcrypto "github.com/corevm/contractvm/crypto"
	"github.com/corevm/contractvm/params"
)

// Bitness records whether a memory's guest addresses are 32-bit or 64-bit.
type Bitness uint8

const (
	Bitness32 Bitness = iota
	Bitness64
)

// Locator resolves the page file backing a contract's memory, as exposed
// by a store.CommitView. A Locator with no source for an offset means the
// page is logically zero.
type Locator interface {
	PageFile(offset uint64) (path string, ok bool)
}

// NoLocator is a Locator with no pages backed by any file — every page is
// zero-filled. Used for a freshly deployed contract's memory.
type NoLocator struct{}

func (NoLocator) PageFile(uint64) (string, bool) { return "", false }

type residency uint8

const (
	unmapped residency = iota
	resident
)

// PageMap is one contract's linear memory.
type PageMap struct {
	mu sync.Mutex

	pageSize uint64
	maxPages uint64
	length   uint64
	bitness  Bitness

	region   []byte
	locator  Locator
	state    []residency
	baseline map[uint64][]byte // page index -> content as of residency
	dirty    map[uint64]struct{}

	snapshots []*snapshot
	closed    bool
}

type snapshot struct {
	dirtyAtSnapshot map[uint64]struct{}
	stash           map[uint64][]byte
	lengthAtSnap    uint64
}

// New reserves address space for a memory of up to maxPages pages and
// returns a PageMap with length 0. Callers grow it with SetLen.
func New(maxPages uint64, bitness Bitness, locator Locator) (*PageMap, error) {
	if maxPages == 0 {
		return nil, fmt.Errorf("pagemap: maxPages must be > 0")
	}
	limit := uint64(params.MaxPages32)
	if bitness == Bitness64 {
		limit = uint64(params.MaxPages64)
	}
	if maxPages > limit {
		return nil, fmt.Errorf("pagemap: maxPages %d exceeds bitness limit %d", maxPages, limit)
	}
	if locator == nil {
		locator = NoLocator{}
	}
	size := maxPages * params.PageSize
	region, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("pagemap: reserve %d bytes: %w", size, err)
	}
	return &PageMap{
		pageSize: params.PageSize,
		maxPages: maxPages,
		bitness:  bitness,
		region:   region,
		locator:  locator,
		state:    make([]residency, maxPages),
		baseline: make(map[uint64][]byte),
		dirty:    make(map[uint64]struct{}),
	}, nil
}

// Close releases the reserved address space. A PageMap must not be used
// afterwards.
func (pm *PageMap) Close() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed {
		return nil
	}
	pm.closed = true
	return unix.Munmap(pm.region)
}

func (pm *PageMap) pageRange(idx uint64) (uint64, uint64) {
	start := idx * pm.pageSize
	return start, start + pm.pageSize
}

// ensure makes page idx resident: file-backed read-only if the locator
// supplies a source, zero-filled read-only anonymous otherwise. It must be
// called with pm.mu held.
func (pm *PageMap) ensure(idx uint64) error {
	if pm.state[idx] == resident {
		return nil
	}
	start, end := pm.pageRange(idx)
	offset := idx * pm.pageSize

	if path, ok := pm.locator.PageFile(offset); ok {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("pagemap: open source page %s: %w", path, err)
		}
		defer f.Close()
		if err := mmapFixed(uintptr(unsafePointer(pm.region[start:end])), pm.pageSize, int(f.Fd())); err != nil {
			return fmt.Errorf("pagemap: map source page %s: %w", path, err)
		}
	} else {
		if err := unix.Mprotect(pm.region[start:end], unix.PROT_READ); err != nil {
			return fmt.Errorf("pagemap: protect zero page %d: %w", idx, err)
		}
	}

	baseline := make([]byte, pm.pageSize)
	copy(baseline, pm.region[start:end])
	pm.baseline[idx] = baseline
	pm.state[idx] = resident
	return nil
}

// SetLen adjusts the current length L. Growing never truncates data;
// shrinking is rejected — it only ever happens through Restore.
func (pm *PageMap) SetLen(newLen uint64) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.setLenLocked(newLen)
}

func (pm *PageMap) setLenLocked(newLen uint64) error {
	if newLen < pm.length {
		return fmt.Errorf("pagemap: %w: length may not shrink outside of restore", ErrInvalidLength)
	}
	if newLen > pm.maxPages*pm.pageSize {
		return fmt.Errorf("pagemap: %w: %d exceeds capacity %d", ErrOutOfBounds, newLen, pm.maxPages*pm.pageSize)
	}
	firstNewPage := pm.length / pm.pageSize
	if pm.length%pm.pageSize != 0 {
		firstNewPage++
	}
	lastPage := (newLen + pm.pageSize - 1) / pm.pageSize
	for idx := firstNewPage; idx < lastPage; idx++ {
		if err := pm.ensure(idx); err != nil {
			return err
		}
	}
	pm.length = newLen
	return nil
}

// Len reports the current length L, in bytes.
func (pm *PageMap) Len() uint64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.length
}

// AsSlice ensures every page in [0, length) is resident and returns a
// read-only view over it.
func (pm *PageMap) AsSlice() ([]byte, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if err := pm.ensureRangeLocked(0, pm.length); err != nil {
		return nil, err
	}
	return pm.region[:pm.length:pm.length], nil
}

func (pm *PageMap) ensureRangeLocked(off, end uint64) error {
	firstPage := off / pm.pageSize
	lastPage := (end + pm.pageSize - 1) / pm.pageSize
	for idx := firstPage; idx < lastPage; idx++ {
		if err := pm.ensure(idx); err != nil {
			return err
		}
	}
	return nil
}

// PrepareCall makes every resident page within [0, length) writable ahead
// of handing the memory to the engine for one guest call. This is the real
// mprotect half of the write-fault trap described in package docs.
func (pm *PageMap) PrepareCall() ([]byte, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if err := pm.ensureRangeLocked(0, pm.length); err != nil {
		return nil, err
	}
	lastPage := (pm.length + pm.pageSize - 1) / pm.pageSize
	for idx := uint64(0); idx < lastPage; idx++ {
		start, end := pm.pageRange(idx)
		if err := unix.Mprotect(pm.region[start:end], unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return nil, fmt.Errorf("pagemap: mprotect rw page %d: %w", idx, err)
		}
	}
	return pm.region[:pm.length:pm.length], nil
}

// Sync is the diff half of the write-fault trap: called once a guest call
// returns, it compares every resident page against its residency-time
// baseline, folds any that changed into the dirty set and the innermost
// active snapshot's stash, and re-protects unchanged pages back to
// read-only.
func (pm *PageMap) Sync() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	lastPage := (pm.length + pm.pageSize - 1) / pm.pageSize
	for idx := uint64(0); idx < lastPage; idx++ {
		if pm.state[idx] != resident {
			continue
		}
		start, end := pm.pageRange(idx)
		current := pm.region[start:end]
		base := pm.baseline[idx]
		if bytesEqual(current, base) {
			// A page that was dirtied earlier in the session but has since
			// been written back to exactly its pre-session bytes is no
			// longer dirty by invariant 3's own definition, not just a page
			// that was never touched.
			delete(pm.dirty, idx)
			_ = unix.Mprotect(current, unix.PROT_READ)
			continue
		}
		if _, alreadyDirty := pm.dirty[idx]; !alreadyDirty {
			if top := pm.topSnapshot(); top != nil {
				if _, stashed := top.stash[idx]; !stashed {
					top.stash[idx] = append([]byte(nil), base...)
				}
			}
			pm.dirty[idx] = struct{}{}
		}
	}
}

func (pm *PageMap) topSnapshot() *snapshot {
	if len(pm.snapshots) == 0 {
		return nil
	}
	return pm.snapshots[len(pm.snapshots)-1]
}

// Snapshot starts a new revertible scope and returns its handle, an index
// into the session's snapshot stack.
func (pm *PageMap) Snapshot() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	s := &snapshot{
		dirtyAtSnapshot: make(map[uint64]struct{}, len(pm.dirty)),
		stash:           make(map[uint64][]byte),
		lengthAtSnap:    pm.length,
	}
	for idx := range pm.dirty {
		s.dirtyAtSnapshot[idx] = struct{}{}
		start, end := pm.pageRange(idx)
		s.stash[idx] = append([]byte(nil), pm.region[start:end]...)
	}
	pm.snapshots = append(pm.snapshots, s)
	return len(pm.snapshots) - 1
}

// Restore reverts all state changes made since the given snapshot and
// discards it and everything nested inside it.
func (pm *PageMap) Restore(handle int) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if handle < 0 || handle >= len(pm.snapshots) {
		return fmt.Errorf("pagemap: %w: invalid snapshot handle %d", ErrInvalidSnapshot, handle)
	}
	s := pm.snapshots[handle]
	// Pages first dirtied inside a still-open nested snapshot have their
	// pre-images in that snapshot's stash; apply innermost first so the
	// oldest pre-image of each page is the one left in place.
	for i := len(pm.snapshots) - 1; i >= handle; i-- {
		for idx, bytes := range pm.snapshots[i].stash {
			start, end := pm.pageRange(idx)
			if err := unix.Mprotect(pm.region[start:end], unix.PROT_READ|unix.PROT_WRITE); err != nil {
				return fmt.Errorf("pagemap: mprotect rw page %d for restore: %w", idx, err)
			}
			copy(pm.region[start:end], bytes)
			if _, stayDirty := s.dirtyAtSnapshot[idx]; !stayDirty {
				delete(pm.dirty, idx)
				_ = unix.Mprotect(pm.region[start:end], unix.PROT_READ)
			}
		}
	}
	pm.dirty = s.dirtyAtSnapshot
	pm.length = s.lengthAtSnap
	pm.snapshots = pm.snapshots[:handle]
	return nil
}

// Discard drops a snapshot without reverting it; its stashed pre-images
// are folded into the enclosing snapshot (if any) so an outer restore can
// still undo these now-accepted changes.
func (pm *PageMap) Discard(handle int) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if handle < 0 || handle >= len(pm.snapshots) {
		return fmt.Errorf("pagemap: %w: invalid snapshot handle %d", ErrInvalidSnapshot, handle)
	}
	s := pm.snapshots[handle]
	if handle > 0 {
		parent := pm.snapshots[handle-1]
		for idx, bytes := range s.stash {
			if _, has := parent.stash[idx]; !has {
				parent.stash[idx] = bytes
			}
		}
	}
	pm.snapshots = pm.snapshots[:handle]
	return nil
}

// DirtyPages returns the pages whose bytes differ from their baseline, in
// ascending offset order — the exact set store.Write needs to persist.
func (pm *PageMap) DirtyPages() []vmcrypto.PageRecord {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	idxs := make([]uint64, 0, len(pm.dirty))
	for idx := range pm.dirty {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	out := make([]vmcrypto.PageRecord, 0, len(idxs))
	for _, idx := range idxs {
		start, end := pm.pageRange(idx)
		b := make([]byte, pm.pageSize)
		copy(b, pm.region[start:end])
		out = append(out, vmcrypto.PageRecord{Offset: idx * pm.pageSize, Bytes: b})
	}
	return out
}

// BitnessFlag reports whether this memory is 32-bit or 64-bit.
func (pm *PageMap) BitnessFlag() Bitness { return pm.bitness }

// PageSize reports the fixed page size.
func (pm *PageMap) PageSize() uint64 { return pm.pageSize }

// MaxPages reports this memory's page capacity N.
func (pm *PageMap) MaxPages() uint64 { return pm.maxPages }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
