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

	"github.com/corevm/contractvm/common"
	vmcrypto "github.com/corevm/contractvm/crypto"
	"github.com/corevm/contractvm/params"
	"github.com/corevm/contractvm/receipt"
)

// beginRoot starts a fresh receipt and call-stack for one root-level
// operation (call, call-raw, feeder-call).
func (s *Session) beginRoot(id common.ContractId, fnName string, gasLimit uint64) {
	s.receipt = receipt.NewBuilder(gasLimit)
	memLen := uint64(0)
	if cs, ok := s.working[id]; ok {
		memLen = cs.mem.Len()
	}
	s.receipt.PushFrame(id, fnName, gasLimit, memLen)
	s.stack = s.stack[:0]
	s.pushSelf(id)
}

// Call invokes fnName with a serialisable argument and deserialises the
// return into out (spec §4.5 "Call (typed)").
func (s *Session) Call(ctx context.Context, id common.ContractId, fnName string, arg Marshaler, out Unmarshaler, gasLimit uint64) (*receipt.CallReceipt, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var argBytes []byte
	if arg != nil {
		b, merr := arg.MarshalArg()
		if merr != nil {
			return nil, newErr(KindSerialization, merr)
		}
		argBytes = b
	}

	s.beginRoot(id, fnName, gasLimit)
	handles := s.snapshotAll()
	retBytes, gasSpent, callErr := s.callInternal(ctx, id, fnName, argBytes, gasLimit)
	s.popSelf()
	s.receipt.SetGasSpent(0, gasSpent)

	if callErr != nil {
		s.restoreAll(handles)
		return s.receipt.Finish(nil, gasSpent, callErr), nil
	}
	s.discardAll(handles)
	if out != nil {
		if uerr := out.UnmarshalReturn(retBytes); uerr != nil {
			return s.receipt.Finish(retBytes, gasSpent, newErr(KindSerialization, uerr)), nil
		}
	}
	return s.receipt.Finish(retBytes, gasSpent, nil), nil
}

// CallRaw is Call without any (de)serialisation: bytes in, bytes out.
func (s *Session) CallRaw(ctx context.Context, id common.ContractId, fnName string, argBytes []byte, gasLimit uint64) (*receipt.CallReceipt, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.beginRoot(id, fnName, gasLimit)
	handles := s.snapshotAll()
	retBytes, gasSpent, callErr := s.callInternal(ctx, id, fnName, argBytes, gasLimit)
	s.popSelf()
	s.receipt.SetGasSpent(0, gasSpent)

	if callErr != nil {
		s.restoreAll(handles)
		return s.receipt.Finish(nil, gasSpent, callErr), nil
	}
	s.discardAll(handles)
	return s.receipt.Finish(retBytes, gasSpent, nil), nil
}

// FeederCall runs fnName, which is expected to push its output through the
// `feed` host import instead of (or in addition to) returning bytes. data
// receives each pushed chunk; closing done signals the guest's next feed
// to fail instead of blocking, per spec §4.5 "Feeder call".
func (s *Session) FeederCall(ctx context.Context, id common.ContractId, fnName string, argBytes []byte, gasLimit uint64, data chan<- []byte, done <-chan struct{}) (*receipt.CallReceipt, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.activeFeedData = data
	s.activeFeedDone = done
	defer func() {
		s.activeFeedData = nil
		s.activeFeedDone = nil
	}()

	s.beginRoot(id, fnName, gasLimit)
	handles := s.snapshotAll()
	retBytes, gasSpent, callErr := s.callInternal(ctx, id, fnName, argBytes, gasLimit)
	s.popSelf()
	s.receipt.SetGasSpent(0, gasSpent)

	if callErr != nil {
		s.restoreAll(handles)
		return s.receipt.Finish(nil, gasSpent, callErr), nil
	}
	s.discardAll(handles)
	return s.receipt.Finish(retBytes, gasSpent, nil), nil
}

// MemoryLen reports a contract's current memory length in bytes.
func (s *Session) MemoryLen(id common.ContractId) (uint64, bool) {
	if cs, ok := s.working[id]; ok {
		return cs.mem.Len(), true
	}
	if s.parentView != nil {
		if rec, ok := s.parentView.Record(id); ok {
			return rec.PageCount * params.PageSize, true
		}
	}
	return 0, false
}

// MemoryPages returns a contract's full memory as an ordered list of
// (offset, bytes) page records, materialising it into the working set if
// this is the first touch.
func (s *Session) MemoryPages(ctx context.Context, id common.ContractId) ([]vmcrypto.PageRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	cs, lerr := s.ensureContract(ctx, id)
	if lerr != nil {
		return nil, lerr
	}
	buf, aerr := cs.mem.AsSlice()
	if aerr != nil {
		return nil, newErr(KindInvalidMemory, aerr)
	}
	const ps = int(params.PageSize)
	out := make([]vmcrypto.PageRecord, 0, (len(buf)+ps-1)/ps)
	for off := 0; off < len(buf); off += ps {
		end := off + ps
		if end > len(buf) {
			end = len(buf)
		}
		b := make([]byte, end-off)
		copy(b, buf[off:end])
		out = append(out, vmcrypto.PageRecord{Offset: uint64(off), Bytes: b})
	}
	return out, nil
}
