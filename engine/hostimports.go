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

	wazeroapi "github.com/tetratelabs/wazero/api"
)

// HostImports supplies the semantics behind every host function a guest
// can call (spec §6.3). The engine binds these into the module under
// module name "env" and charges each call's fixed gas price itself before
// invoking the method below; HostImports only implements what the call
// actually does. The session orchestrator is the only real implementer.
type HostImports interface {
	// InterCall services the `c` import: an inter-contract call. All
	// pointer/length arguments are offsets into the caller's own argument
	// buffer within mod's linear memory. A negative returnLen packs a
	// contract-error code in its low bits, matching spec §6.3. gasSpent is
	// the sub-call's actual consumption, charged by the engine against the
	// caller's own meter on return so nested calls cannot spend more than
	// the root gas limit allows.
	InterCall(ctx context.Context, mod wazeroapi.Module, contractIdPtr, fnNamePtr, fnNameLen, argLen uint32, gasLimit uint64) (returnLen int32, gasSpent uint64, err error)

	// HostQuery services the `hq` import. gasSpent is the query's own
	// registered price, charged by the engine on top of the fixed base
	// price it already charged before the call.
	HostQuery(ctx context.Context, mod wazeroapi.Module, namePtr, nameLen, argLen uint32) (returnLen int32, gasSpent uint64, err error)

	// Emit services the `emit` import, recording one event.
	Emit(ctx context.Context, mod wazeroapi.Module, topicPtr, topicLen, dataLen uint32) error

	// Feed services the `feed` import: pushes dataLen bytes from the
	// argument buffer into the session-supplied consumer channel. Returns
	// an error when the read is out of bounds, when no feeder-call is
	// active, or when the consumer has closed the channel; the engine
	// reports any error to the guest as a non-zero result and always
	// charges gas first regardless of outcome.
	Feed(ctx context.Context, mod wazeroapi.Module, dataLen uint32) error

	// HostDebug services the `hdebug` import.
	HostDebug(ctx context.Context, mod wazeroapi.Module, msgPtr, msgLen uint32) error

	// Owner services the `owner` import.
	Owner(ctx context.Context, mod wazeroapi.Module, contractIdPtr uint32) int32

	// SelfID, Caller and CallStack service the identity imports: each
	// writes its answer (one 32-byte contract id, or a concatenation of
	// them for CallStack) into the caller's own argument buffer at offset
	// 0 and returns the byte length written, or -1 if there is nothing to
	// report (e.g. Caller at the root of a call tree).
	SelfID(ctx context.Context, mod wazeroapi.Module) int32
	Caller(ctx context.Context, mod wazeroapi.Module) int32
	CallStack(ctx context.Context, mod wazeroapi.Module) int32

	// Panic services the `panic` import: the guest calling this always
	// aborts the call with a Panic-kind error carrying the given message.
	Panic(ctx context.Context, mod wazeroapi.Module, msgPtr, msgLen uint32)
}
