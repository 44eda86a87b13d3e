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

// Package engine is the thin adaptor over wazero described in spec §4.4:
// it compiles bytecode to a content-addressed cached artifact, and for
// every call instantiates a fresh guest module backed by the calling
// contract's PageMap, runs exactly one exported function, and tears the
// instance back down — nothing about a contract's wasm instance survives
// between calls, only its PageMap does.
package engine

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/tetratelabs/wazero"
	wazeroapi "github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"golang.org/x/sync/singleflight"

	vmcrypto "github.com/corevm/contractvm/crypto"
	"github.com/corevm/contractvm/pagemap"
	"github.com/corevm/contractvm/params"
)

// Artifact is a compiled module, cached by the blake3 hash of the
// bytecode it came from.
type Artifact struct {
	hash     [vmcrypto.DigestLength]byte
	compiled wazero.CompiledModule
}

// computeUnitCost is the coarse per-function-call charge standing in for
// true per-opcode fuel: wazero has no instruction-level fuel counter the
// way wasmtime or wasmer do, so guest compute is metered at function-call
// granularity while every host import is metered exactly per its §6.3
// price.
const computeUnitCost = 1

// Engine owns the wazero runtime, the one persistent "env" host module
// every guest imports from, and the compiled-artifact cache shared across
// every session using this VM.
//
// The host module is built once, not per call: its Go functions read the
// active *meter and HostImports out of the call's context rather than
// closing over them, which is what lets an inter-contract call (the `c`
// import) reenter Call from inside a guest's own call without needing a
// second module also named "env" — wazero resolves a guest's imports
// against whichever "env" instance was live when it was instantiated, and
// every guest instance shares this one.
type Engine struct {
	runtime wazero.Runtime
	hostMod wazeroapi.Module

	cacheMu sync.Mutex
	cache   *lru.Cache
	group   singleflight.Group
}

// New creates an Engine with an artifact cache sized for cacheEntries
// compiled modules.
func New(cacheEntries int) (*Engine, error) {
	if cacheEntries <= 0 {
		cacheEntries = 256
	}
	cache, err := lru.New(cacheEntries)
	if err != nil {
		return nil, fmt.Errorf("engine: create artifact cache: %w", err)
	}
	ctx := context.Background()
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig())
	e := &Engine{runtime: rt, cache: cache}
	hostMod, err := e.buildHostModule(ctx)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	e.hostMod = hostMod
	return e, nil
}

// Close releases the wazero runtime and everything compiled against it.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Compile returns the cached Artifact for bytecode, compiling and caching
// it on a miss. Concurrent compiles of the same bytecode are deduplicated.
func (e *Engine) Compile(ctx context.Context, bytecode []byte) (*Artifact, error) {
	key := vmcrypto.ArtifactCacheKey(bytecode)

	e.cacheMu.Lock()
	if v, ok := e.cache.Get(key); ok {
		e.cacheMu.Unlock()
		return v.(*Artifact), nil
	}
	e.cacheMu.Unlock()

	v, err, _ := e.group.Do(string(key[:]), func() (interface{}, error) {
		// wazero resolves the function-listener factory from the compile
		// context, not the call context; the listener itself reads the
		// active meter out of the invocation's ctx, so one compiled
		// artifact serves every call with that call's own budget.
		compileCtx := experimental.WithFunctionListenerFactory(ctx, computeListenerFactory)
		compiled, err := e.runtime.CompileModule(compileCtx, bytecode)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBytecode, err)
		}
		a := &Artifact{hash: key, compiled: compiled}
		e.cacheMu.Lock()
		e.cache.Add(key, a)
		e.cacheMu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Artifact), nil
}

// Call instantiates artifact, backed by mem's current bytes, invokes
// fnName with a single i32 argument (the argument buffer's length), copies
// any writes the guest made back into mem, and tears the instance down —
// nothing survives to the next call but mem itself. Reentrant inter-
// contract calls (hosts.InterCall calling back into Engine.Call) are safe:
// each gets its own guest instance and its own *meter/HostImports pair
// threaded through ctx, independent of any call still on the Go stack
// above it.
//
// gasLimit bounds both host-import charges and the coarse per-call guest
// compute charge; exceeding it aborts the call with ErrOutOfGas and
// gasSpent pinned at gasLimit, matching the gas-exhaustion testable
// property in spec §8.
func (e *Engine) Call(ctx context.Context, artifact *Artifact, mem *pagemap.PageMap, fnName string, argLen uint32, gasLimit uint64, hosts HostImports) (returnLen uint32, gasSpent uint64, err error) {
	m := newMeter(gasLimit)
	callCtx := withCallState(ctx, m, hosts)

	guestMod, err := e.runtime.InstantiateModule(callCtx, artifact.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return 0, m.spent, translateInstantiateError(err)
	}
	defer guestMod.Close(ctx)

	guestMem := guestMod.Memory()
	if guestMem == nil {
		return 0, m.spent, ErrNoMemoryExport
	}

	src, err := mem.PrepareCall()
	if err != nil {
		return 0, m.spent, fmt.Errorf("engine: prepare guest memory: %w", err)
	}
	if uint64(len(src)) > uint64(guestMem.Size()) {
		growPages := (uint64(len(src)) - uint64(guestMem.Size()) + params.PageSize - 1) / params.PageSize
		if !m.charge(memoryGrowthCost(growPages)) {
			return 0, m.spent, ErrOutOfGas
		}
		if _, ok := guestMem.Grow(uint32(growPages)); !ok {
			return 0, m.spent, fmt.Errorf("engine: grow guest memory by %d pages: %w", growPages, ErrTrap)
		}
	}
	if !guestMem.Write(0, src) {
		return 0, m.spent, ErrMemoryOutOfBounds
	}

	fn := guestMod.ExportedFunction(fnName)
	if fn == nil {
		return 0, m.spent, ErrInvalidFunction
	}

	returnLen, err = e.invoke(callCtx, fn, argLen, m)

	// The guest may have grown past mem's own length, either because the
	// module declares a larger initial size than mem already had or
	// because it executed memory.grow mid-call; mem must follow so the
	// copy-back below doesn't truncate the grown bytes, per the PageMap
	// invariant that growing L never truncates data (spec §4.1).
	if uint64(guestMem.Size()) > mem.Len() {
		if err := mem.SetLen(uint64(guestMem.Size())); err != nil {
			return 0, m.spent, fmt.Errorf("engine: grow memory map to guest size: %w", err)
		}
	}

	// Copy the guest's working memory back into the PageMap regardless of
	// outcome, then let Sync diff it against the pre-call baseline; the
	// session is responsible for discarding this via a snapshot restore on
	// error, per spec §7 propagation rules.
	if out, ok := guestMem.Read(0, guestMem.Size()); ok {
		dst, lenErr := mem.PrepareCall()
		if lenErr == nil {
			copy(dst, out)
		}
	}
	mem.Sync()

	if err != nil {
		return 0, m.spent, err
	}
	return returnLen, m.spent, nil
}

func (e *Engine) invoke(ctx context.Context, fn wazeroapi.Function, argLen uint32, m *meter) (returnLen uint32, err error) {
	defer func() {
		if r := recover(); r != nil {
			if gp, ok := r.(guestPanic); ok {
				err = fmt.Errorf("%w: %s", ErrTrap, gp.msg)
				return
			}
			if _, ok := r.(outOfGasPanic); ok {
				err = ErrOutOfGas
				return
			}
			err = fmt.Errorf("%w: %v", ErrTrap, r)
		}
	}()

	results, callErr := fn.Call(ctx, uint64(argLen))
	if callErr != nil {
		if m.remaining() == 0 {
			return 0, ErrOutOfGas
		}
		return 0, fmt.Errorf("%w: %v", ErrTrap, callErr)
	}
	if len(results) == 0 {
		return 0, nil
	}
	// i32 results come back zero-extended in the raw uint64, so a guest's
	// negative error code has to be recovered at its declared width.
	raw := results[0]
	rv := int64(raw)
	if types := fn.Definition().ResultTypes(); len(types) > 0 && types[0] == wazeroapi.ValueTypeI32 {
		rv = int64(int32(uint32(raw)))
	}
	if rv < 0 {
		return 0, fmt.Errorf("%w: guest reported error code %d", ErrTrap, rv)
	}
	return uint32(rv), nil
}

func translateInstantiateError(err error) error {
	return fmt.Errorf("%w: %v", ErrTrap, err)
}

type guestPanic struct{ msg string }
type outOfGasPanic struct{}

type meterKey struct{}
type hostsKey struct{}

// withCallState attaches this call's gas meter and HostImports to ctx.
// Everything the "env" host functions and the compute listener need comes
// from here rather than from closures, so the same persistent host module
// instance serves every call correctly.
func withCallState(ctx context.Context, m *meter, hosts HostImports) context.Context {
	ctx = context.WithValue(ctx, meterKey{}, m)
	return context.WithValue(ctx, hostsKey{}, hosts)
}

// computeListenerFactory charges one compute unit per guest function
// invocation. Attached at compile time; the charged meter comes from the
// invocation's own context.
var computeListenerFactory = experimental.FunctionListenerFactoryFunc(func(def wazeroapi.FunctionDefinition) experimental.FunctionListener {
	return experimental.FunctionListenerFunc(func(ctx context.Context, mod wazeroapi.Module, def wazeroapi.FunctionDefinition, params []uint64, stack experimental.StackIterator) {
		if m := meterFromCtx(ctx); m != nil && !m.charge(computeUnitCost) {
			panic(outOfGasPanic{})
		}
	})
})

func meterFromCtx(ctx context.Context) *meter {
	m, _ := ctx.Value(meterKey{}).(*meter)
	return m
}

func hostsFromCtx(ctx context.Context) HostImports {
	h, _ := ctx.Value(hostsKey{}).(HostImports)
	return h
}
