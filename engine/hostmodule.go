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

// buildHostModule instantiates the single, persistent "env" module
// exposing the ten host imports of spec §6.3. It is built once, at Engine
// construction; every Go function below reads the calling invocation's
// meter and HostImports out of ctx (see withCallState) rather than
// closing over them, so one "env" instance correctly serves nested,
// reentrant calls as well as sequential ones.
func (e *Engine) buildHostModule(ctx context.Context) (wazeroapi.Module, error) {
	builder := e.runtime.NewHostModuleBuilder("env")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module, contractIdPtr, fnNamePtr, fnNameLen, argLen uint32, gasLimit uint64) int32 {
			m, hosts := meterFromCtx(ctx), hostsFromCtx(ctx)
			if !m.charge(hostImportCost("c")) {
				panic(outOfGasPanic{})
			}
			sub := gasLimit
			if sub > m.remaining() {
				sub = m.remaining()
			}
			ret, gasSpent, err := hosts.InterCall(ctx, mod, contractIdPtr, fnNamePtr, fnNameLen, argLen, sub)
			if !m.charge(gasSpent) {
				panic(outOfGasPanic{})
			}
			if err != nil {
				panic(guestPanic{msg: err.Error()})
			}
			return ret
		}).
		Export("c")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module, namePtr, nameLen, argLen uint32) int32 {
			m, hosts := meterFromCtx(ctx), hostsFromCtx(ctx)
			if !m.charge(hostImportCost("hq")) {
				panic(outOfGasPanic{})
			}
			ret, gasSpent, err := hosts.HostQuery(ctx, mod, namePtr, nameLen, argLen)
			if !m.charge(gasSpent) {
				panic(outOfGasPanic{})
			}
			if err != nil {
				panic(guestPanic{msg: err.Error()})
			}
			return ret
		}).
		Export("hq")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module, topicPtr, topicLen, dataLen uint32) {
			m, hosts := meterFromCtx(ctx), hostsFromCtx(ctx)
			if !m.charge(hostImportCost("emit") + emitBytesCost(dataLen)) {
				panic(outOfGasPanic{})
			}
			if err := hosts.Emit(ctx, mod, topicPtr, topicLen, dataLen); err != nil {
				panic(guestPanic{msg: err.Error()})
			}
		}).
		Export("emit")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module, dataLen uint32) int32 {
			m, hosts := meterFromCtx(ctx), hostsFromCtx(ctx)
			if !m.charge(feedBytesCost(dataLen)) {
				panic(outOfGasPanic{})
			}
			if err := hosts.Feed(ctx, mod, dataLen); err != nil {
				return 1 // consumer closed; guest decides whether to propagate or swallow
			}
			return 0
		}).
		Export("feed")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module, msgPtr, msgLen uint32) {
			m, hosts := meterFromCtx(ctx), hostsFromCtx(ctx)
			if !m.charge(hostImportCost("hdebug")) {
				panic(outOfGasPanic{})
			}
			_ = hosts.HostDebug(ctx, mod, msgPtr, msgLen)
		}).
		Export("hdebug")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module, contractIdPtr uint32) int32 {
			m, hosts := meterFromCtx(ctx), hostsFromCtx(ctx)
			if !m.charge(hostImportCost("owner")) {
				panic(outOfGasPanic{})
			}
			return hosts.Owner(ctx, mod, contractIdPtr)
		}).
		Export("owner")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module) int32 {
			m, hosts := meterFromCtx(ctx), hostsFromCtx(ctx)
			if !m.charge(hostImportCost("self_id")) {
				panic(outOfGasPanic{})
			}
			return hosts.SelfID(ctx, mod)
		}).
		Export("self_id")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module) int32 {
			m, hosts := meterFromCtx(ctx), hostsFromCtx(ctx)
			if !m.charge(hostImportCost("caller")) {
				panic(outOfGasPanic{})
			}
			return hosts.Caller(ctx, mod)
		}).
		Export("caller")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module) int32 {
			m, hosts := meterFromCtx(ctx), hostsFromCtx(ctx)
			if !m.charge(hostImportCost("callstack")) {
				panic(outOfGasPanic{})
			}
			return hosts.CallStack(ctx, mod)
		}).
		Export("callstack")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod wazeroapi.Module, msgPtr, msgLen uint32) {
			hosts := hostsFromCtx(ctx)
			hosts.Panic(ctx, mod, msgPtr, msgLen)
			msg, _ := mod.Memory().Read(msgPtr, msgLen)
			panic(guestPanic{msg: string(msg)})
		}).
		Export("panic")

	return builder.Instantiate(ctx)
}
