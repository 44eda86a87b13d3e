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
	"sync"

	"github.com/pkg/errors"

	"github.com/corevm/contractvm/common"
)

// ErrCommitDeleting is returned by Session when the requested base root is
// in the middle of DeleteCommit; the caller should retry against a
// different root or wait for the delete to finish.
var ErrCommitDeleting = errors.New("vm: commit is being deleted")

// commitRegistry tracks, per commit root, how many live sessions are
// reading it (spec §4.6, §5 "shared mutability"). Critical sections are
// kept short: increment/decrement, a deleting flag, and the known-roots set
// persisted to the base directory's commits file.
type commitRegistry struct {
	mu   sync.Mutex
	cond *sync.Cond

	refcount map[common.Root]int
	deleting map[common.Root]struct{}
	known    map[common.Root]struct{}
}

func newCommitRegistry() *commitRegistry {
	r := &commitRegistry{
		refcount: make(map[common.Root]int),
		deleting: make(map[common.Root]struct{}),
		known:    make(map[common.Root]struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// acquire takes a reader reference on root for the lifetime of one session.
// It fails if root is currently being deleted; spec §5 only guarantees
// commit-happens-before-open across the *unrelated* root a fresh session
// opens, not against a root mid-delete.
func (r *commitRegistry) acquire(root common.Root) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deleting[root]; ok {
		return ErrCommitDeleting
	}
	r.refcount[root]++
	r.known[root] = struct{}{}
	return nil
}

// release drops one reader reference and wakes any DeleteCommit waiting on
// root's refcount reaching zero.
func (r *commitRegistry) release(root common.Root) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refcount[root] > 0 {
		r.refcount[root]--
	}
	r.cond.Broadcast()
}

// publish registers a freshly written commit root. It starts with no
// readers: the session that produced it has already released its parent
// reference by the time the new root exists.
func (r *commitRegistry) publish(root common.Root) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[root] = struct{}{}
	if _, ok := r.refcount[root]; !ok {
		r.refcount[root] = 0
	}
}

func (r *commitRegistry) beginDelete(root common.Root) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.known[root]; !ok {
		return errors.Errorf("vm: unknown commit %s", root.Hex())
	}
	if _, ok := r.deleting[root]; ok {
		return errors.Errorf("vm: commit %s is already being deleted", root.Hex())
	}
	r.deleting[root] = struct{}{}
	return nil
}

func (r *commitRegistry) cancelDelete(root common.Root) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.deleting, root)
	r.cond.Broadcast()
}

func (r *commitRegistry) finishDelete(root common.Root) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.deleting, root)
	delete(r.refcount, root)
	delete(r.known, root)
	r.cond.Broadcast()
}

// waitZero blocks until root's refcount reaches zero, or returns ctx's
// error if it is cancelled first. A background goroutine rebroadcasts the
// condition variable on ctx cancellation since sync.Cond has no native
// context support.
func (r *commitRegistry) waitZero(ctx context.Context, root common.Root) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		case <-stop:
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()
	for r.refcount[root] > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.cond.Wait()
	}
	return nil
}

func (r *commitRegistry) refcountOf(root common.Root) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refcount[root]
}
