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

// Package session implements the transactional façade described in spec
// §4.5: one session is rooted at a parent commit (or none, for genesis),
// accumulates a working set of touched contracts, and produces at most one
// new commit. A session is single-threaded — spec §5 — so its fields are
// plain, unsynchronized state; the only guard is the Open/Committed/
// Discarded state machine.
package session

import (
	"context"
	"os"

	wazeroapi "github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/corevm/contractvm/common"
	"github.com/corevm/contractvm/engine"
	"github.com/corevm/contractvm/pagemap"
	"github.com/corevm/contractvm/params"
	"github.com/corevm/contractvm/receipt"
	"github.com/corevm/contractvm/store"
)

const argBufferSize = uint64(params.ArgBufferSize)

type sessionState int

const (
	stateOpen sessionState = iota
	stateCommitted
	stateDiscarded
)

// Marshaler serialises a typed call argument into its wire form. The
// argument format itself is contract-defined; the session only moves
// bytes across the host/guest boundary.
type Marshaler interface {
	MarshalArg() ([]byte, error)
}

// Unmarshaler deserialises a typed call's return bytes.
type Unmarshaler interface {
	UnmarshalReturn([]byte) error
}

// Session is the transactional façade over one VM base directory, rooted
// at a single parent commit.
type Session struct {
	state sessionState

	eng      *engine.Engine
	st       *store.Store
	registry *engine.Registry
	log      *zap.Logger

	parentRoot common.Root
	parentView *store.CommitView // nil at genesis

	working     map[common.ContractId]*contractState
	deployNonce uint64
	metadata    map[string][]byte

	stack []common.ContractId // self at top; empty outside any call

	receipt *receipt.Builder

	activeFeedData chan<- []byte
	activeFeedDone <-chan struct{}
}

// New opens a session rooted at parentView (nil for genesis). The caller
// (vm.VM) is responsible for holding a reader reference on parentRoot for
// the session's lifetime.
func New(eng *engine.Engine, st *store.Store, registry *engine.Registry, log *zap.Logger, parentRoot common.Root, parentView *store.CommitView) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		eng:        eng,
		st:         st,
		registry:   registry,
		log:        log,
		parentRoot: parentRoot,
		parentView: parentView,
		working:    make(map[common.ContractId]*contractState),
		metadata:   make(map[string][]byte),
	}
}

func (s *Session) checkOpen() error {
	switch s.state {
	case stateCommitted, stateDiscarded:
		return ErrSessionConsumed
	default:
		return nil
	}
}

func (s *Session) exists(id common.ContractId) bool {
	if _, ok := s.working[id]; ok {
		return true
	}
	if s.parentView != nil {
		_, ok := s.parentView.Record(id)
		return ok
	}
	return false
}

// ensureContract returns the working-set entry for id, materialising it
// from the parent commit's page files on first touch (spec §4.5 Call
// step 1).
func (s *Session) ensureContract(ctx context.Context, id common.ContractId) (*contractState, *Error) {
	if cs, ok := s.working[id]; ok {
		return cs, nil
	}
	if s.parentView == nil {
		return nil, errf(KindDoesNotExist, "contract %s does not exist", id.Hex())
	}
	rec, ok := s.parentView.Record(id)
	if !ok {
		return nil, errf(KindDoesNotExist, "contract %s does not exist", id.Hex())
	}
	bytecode, err := os.ReadFile(s.parentView.BytecodePath(id))
	if err != nil {
		return nil, newErr(KindIo, err)
	}
	artifact, cerr := s.eng.Compile(ctx, bytecode)
	if cerr != nil {
		return nil, newErr(KindInvalidBytecode, cerr)
	}
	pm, perr := pagemap.New(maxPagesFor(rec.Bitness), rec.Bitness, s.parentView.ForContract(id))
	if perr != nil {
		return nil, newErr(KindInvalidMemory, perr)
	}
	if err := pm.SetLen(rec.PageCount * params.PageSize); err != nil {
		return nil, newErr(KindInvalidMemory, err)
	}
	cs := &contractState{
		id:       id,
		artifact: artifact,
		mem:      pm,
		bytecode: bytecode,
		owner:    rec.Owner,
		hints:    rec.Hints,
		bitness:  rec.Bitness,
	}
	s.working[id] = cs
	return cs, nil
}

// callInternal is the shared body of every invocation that actually runs a
// guest function: write the argument, run it under gas, read the return.
func (s *Session) callInternal(ctx context.Context, id common.ContractId, fnName string, arg []byte, gasLimit uint64) ([]byte, uint64, *Error) {
	cs, lookupErr := s.ensureContract(ctx, id)
	if lookupErr != nil {
		return nil, 0, lookupErr
	}
	if err := writeArgBuffer(cs.mem, arg); err != nil {
		return nil, 0, err
	}

	returnLen, gasSpent, callErr := s.eng.Call(ctx, cs.artifact, cs.mem, fnName, uint32(len(arg)), gasLimit, s)
	if callErr != nil {
		return nil, gasSpent, translateEngineErr(callErr)
	}
	out, rerr := readArgBuffer(cs.mem, returnLen)
	if rerr != nil {
		return nil, gasSpent, rerr
	}
	return out, gasSpent, nil
}

func translateEngineErr(err error) *Error {
	switch {
	case err == nil:
		return nil
	case errIs(err, engine.ErrOutOfGas):
		return newErr(KindOutOfGas, err)
	case errIs(err, engine.ErrTrap):
		return newErr(KindPanic, err)
	case errIs(err, engine.ErrInvalidFunction):
		return newErr(KindInvalidFunction, err)
	case errIs(err, engine.ErrInvalidBytecode):
		return newErr(KindInvalidBytecode, err)
	case errIs(err, engine.ErrMemoryOutOfBounds):
		return newErr(KindMemoryAccessOutOfBounds, err)
	case errIs(err, engine.ErrNoMemoryExport):
		return newErr(KindInvalidMemory, err)
	default:
		return newErr(KindRuntime, err)
	}
}

// --- call-stack bookkeeping ---

func (s *Session) pushSelf(id common.ContractId) { s.stack = append(s.stack, id) }

func (s *Session) popSelf() {
	if len(s.stack) > 0 {
		s.stack = s.stack[:len(s.stack)-1]
	}
}

func (s *Session) topSelf() (common.ContractId, bool) {
	if len(s.stack) == 0 {
		return common.ContractId{}, false
	}
	return s.stack[len(s.stack)-1], true
}

func (s *Session) callerOfTop() (common.ContractId, bool) {
	if len(s.stack) < 2 {
		return common.ContractId{}, false
	}
	return s.stack[len(s.stack)-2], true
}

// --- snapshot bracket across the whole working set ---

func (s *Session) snapshotAll() map[common.ContractId]int {
	handles := make(map[common.ContractId]int, len(s.working))
	for id, cs := range s.working {
		handles[id] = cs.mem.Snapshot()
	}
	return handles
}

func (s *Session) restoreAll(handles map[common.ContractId]int) {
	for id, h := range handles {
		if cs, ok := s.working[id]; ok {
			_ = cs.mem.Restore(h)
		}
	}
}

func (s *Session) discardAll(handles map[common.ContractId]int) {
	for id, h := range handles {
		if cs, ok := s.working[id]; ok {
			_ = cs.mem.Discard(h)
		}
	}
}

// --- HostImports ---

var _ engine.HostImports = (*Session)(nil)

func (s *Session) InterCall(ctx context.Context, mod wazeroapi.Module, contractIdPtr, fnNamePtr, fnNameLen, argLen uint32, gasLimit uint64) (int32, uint64, error) {
	idBytes, ok := mod.Memory().Read(contractIdPtr, common.HashLength)
	if !ok {
		return 0, 0, newErr(KindMemoryAccessOutOfBounds, nil)
	}
	var calleeID common.ContractId
	copy(calleeID[:], idBytes)

	nameBytes, ok := mod.Memory().Read(fnNamePtr, fnNameLen)
	if !ok {
		return 0, 0, newErr(KindMemoryAccessOutOfBounds, nil)
	}
	fnName := string(nameBytes)

	argBytes, ok := mod.Memory().Read(0, argLen)
	if !ok {
		return 0, 0, newErr(KindMemoryAccessOutOfBounds, nil)
	}

	memLenBefore := uint64(0)
	if cs, ok := s.working[calleeID]; ok {
		memLenBefore = cs.mem.Len()
	}
	frame := s.receipt.PushFrame(calleeID, fnName, gasLimit, memLenBefore)
	eventMark := s.receipt.EventMark()

	handles := s.snapshotAll()
	s.pushSelf(calleeID)
	out, gasSpent, callErr := s.callInternal(ctx, calleeID, fnName, argBytes, gasLimit)
	s.popSelf()
	s.receipt.SetGasSpent(frame, gasSpent)

	if callErr != nil {
		s.restoreAll(handles)
		s.receipt.TruncateEvents(eventMark)
		return encodeContractError(callErr), gasSpent, nil
	}
	s.discardAll(handles)

	if !mod.Memory().Write(0, out) {
		return 0, gasSpent, newErr(KindMemoryAccessOutOfBounds, nil)
	}
	return int32(len(out)), gasSpent, nil
}

func (s *Session) HostQuery(ctx context.Context, mod wazeroapi.Module, namePtr, nameLen, argLen uint32) (int32, uint64, error) {
	nameBytes, ok := mod.Memory().Read(namePtr, nameLen)
	if !ok {
		return 0, 0, newErr(KindMemoryAccessOutOfBounds, nil)
	}
	entry, ok := s.registry.Lookup(string(nameBytes))
	if !ok {
		return 0, 0, errf(KindMissingHostQuery, "no host query registered for %q", string(nameBytes))
	}
	buf, ok := mod.Memory().Read(0, uint32(mod.Memory().Size()))
	if !ok {
		return 0, 0, newErr(KindMemoryAccessOutOfBounds, nil)
	}
	resultLen, qerr := entry.Fn(buf, argLen)
	if qerr != nil {
		return 0, entry.GasPrice, newErr(KindMissingHostData, qerr)
	}
	if !mod.Memory().Write(0, buf[:resultLen]) {
		return 0, entry.GasPrice, newErr(KindMemoryAccessOutOfBounds, nil)
	}
	return int32(resultLen), entry.GasPrice, nil
}

func (s *Session) Emit(ctx context.Context, mod wazeroapi.Module, topicPtr, topicLen, dataLen uint32) error {
	topic, ok := mod.Memory().Read(topicPtr, topicLen)
	if !ok {
		return newErr(KindMemoryAccessOutOfBounds, nil)
	}
	payload, ok := mod.Memory().Read(0, dataLen)
	if !ok {
		return newErr(KindMemoryAccessOutOfBounds, nil)
	}
	self, _ := s.topSelf()
	s.receipt.RecordEvent(receipt.Event{
		SourceContract: self,
		Topic:          append([]byte(nil), topic...),
		Payload:        append([]byte(nil), payload...),
	})
	return nil
}

func (s *Session) Feed(ctx context.Context, mod wazeroapi.Module, dataLen uint32) error {
	payload, ok := mod.Memory().Read(0, dataLen)
	if !ok {
		return newErr(KindMemoryAccessOutOfBounds, nil)
	}
	if s.activeFeedData == nil {
		return errf(KindMissingHostData, "feed called outside a feeder-call")
	}
	buf := append([]byte(nil), payload...)
	select {
	case s.activeFeedData <- buf:
		return nil
	case <-s.activeFeedDone:
		return errf(KindIo, "feeder: consumer closed")
	}
}

func (s *Session) HostDebug(ctx context.Context, mod wazeroapi.Module, msgPtr, msgLen uint32) error {
	msg, ok := mod.Memory().Read(msgPtr, msgLen)
	if !ok {
		return newErr(KindMemoryAccessOutOfBounds, nil)
	}
	self, _ := s.topSelf()
	s.log.Debug("contract debug", zap.String("contract", self.Hex()), zap.ByteString("message", msg))
	return nil
}

func (s *Session) Owner(ctx context.Context, mod wazeroapi.Module, contractIdPtr uint32) int32 {
	idBytes, ok := mod.Memory().Read(contractIdPtr, common.HashLength)
	if !ok {
		return -1
	}
	var id common.ContractId
	copy(id[:], idBytes)

	var owner []byte
	if cs, ok := s.working[id]; ok {
		owner = cs.owner
	} else if s.parentView != nil {
		if rec, ok := s.parentView.Record(id); ok {
			owner = rec.Owner
		}
	}
	if owner == nil {
		return -1
	}
	if !mod.Memory().Write(0, owner) {
		return -1
	}
	return int32(len(owner))
}

func (s *Session) SelfID(ctx context.Context, mod wazeroapi.Module) int32 {
	self, ok := s.topSelf()
	if !ok {
		return -1
	}
	return writeIdentityBytes(mod, self[:])
}

func (s *Session) Caller(ctx context.Context, mod wazeroapi.Module) int32 {
	caller, ok := s.callerOfTop()
	if !ok {
		return -1
	}
	return writeIdentityBytes(mod, caller[:])
}

// CallStack writes the current call chain, root first, as a concatenation
// of 32-byte contract ids.
func (s *Session) CallStack(ctx context.Context, mod wazeroapi.Module) int32 {
	if len(s.stack) == 0 {
		return -1
	}
	buf := make([]byte, 0, len(s.stack)*common.HashLength)
	for _, id := range s.stack {
		buf = append(buf, id[:]...)
	}
	return writeIdentityBytes(mod, buf)
}

func writeIdentityBytes(mod wazeroapi.Module, b []byte) int32 {
	if !mod.Memory().Write(0, b) {
		return -1
	}
	return int32(len(b))
}

func (s *Session) Panic(ctx context.Context, mod wazeroapi.Module, msgPtr, msgLen uint32) {
	// The engine's host module wrapper reads the message itself and raises
	// the guestPanic; nothing to record here beyond what Emit/HostDebug
	// already capture in the call tree.
}

// encodeContractError packs a contract-level error's Kind into a negative
// int32, per spec §6.3's "return-len < 0 indicates a contract-error code
// packed in the low bits".
func encodeContractError(err *Error) int32 {
	return -(1 + int32(err.Kind))
}

func errIs(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return false
}
