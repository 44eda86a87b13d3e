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
	"sync"

	"github.com/corevm/contractvm/common"
	"github.com/corevm/contractvm/session"
)

// Session wraps session.Session with the one piece of state that belongs
// to the VM, not the session itself: the parent commit's reader reference.
// session.New's own doc comment says as much — "the caller (vm.VM) is
// responsible for holding a reader reference on parentRoot for the
// session's lifetime" — so Commit and Discard here release it before
// deferring to the embedded session for everything else.
type Session struct {
	*session.Session

	vm        *VM
	root      common.Root
	hasParent bool

	mu       sync.Mutex
	released bool
}

// Commit flushes the session and publishes the new root as known to this
// VM, then releases the reference this session held on its parent commit.
func (s *Session) Commit() (common.Root, error) {
	root, err := s.Session.Commit()
	s.releaseParent()
	if err != nil {
		return common.Root{}, err
	}
	if s.vm != nil {
		s.vm.commits.publish(root)
	}
	return root, nil
}

// Discard releases the session's working set and its parent reference
// without publishing anything.
func (s *Session) Discard() error {
	err := s.Session.Discard()
	s.releaseParent()
	return err
}

func (s *Session) releaseParent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released || !s.hasParent {
		return
	}
	s.vm.commits.release(s.root)
	s.released = true
}
