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

// Package wasmtest hand-assembles tiny WASM binaries for tests: this repo
// has no contract-side compiler toolchain available to it (that is the
// named out-of-scope "contract-side support library" collaborator), so the
// seed-test fixtures from spec §8 are built directly at the binary-format
// level instead.
package wasmtest

// stateOffset is where these fixtures keep their one piece of persistent
// state: byte [0, argBufferSize) is the reserved argument buffer (session
// §9), so state has to live on the page right after it.
const (
	argBufferSize = 65536
	stateOffset   = argBufferSize
)

func uleb128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		out = append(out, b)
		return out
	}
}

func sleb128(v int64) []byte {
	var out []byte
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		signBit := b&0x40 != 0
		if (v == 0 && !signBit) || (v == -1 && signBit) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

func vec(items [][]byte) []byte {
	out := uleb128(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func section(id byte, content []byte) []byte {
	out := []byte{id}
	out = append(out, uleb128(uint64(len(content)))...)
	return append(out, content...)
}

func name(s string) []byte {
	b := []byte(s)
	out := uleb128(uint64(len(b)))
	return append(out, b...)
}

const (
	valI32 = 0x7f
	valI64 = 0x7e
)

func funcType(params, results []byte) []byte {
	out := []byte{0x60}
	out = append(out, uleb128(uint64(len(params)))...)
	out = append(out, params...)
	out = append(out, uleb128(uint64(len(results)))...)
	out = append(out, results...)
	return out
}

// memarg encodes an (align, offset) pair for a load/store instruction.
func memarg(align uint32, offset uint64) []byte {
	out := uleb128(uint64(align))
	return append(out, uleb128(offset)...)
}

const (
	opUnreachable = 0x00
	opEnd         = 0x0b
	opCall        = 0x10
	opDrop        = 0x1a
	opLocalGet    = 0x20
	opI32Load     = 0x28
	opI64Load     = 0x29
	opI32Store    = 0x36
	opI64Store    = 0x37
	opI32Const    = 0x41
	opI64Const    = 0x42
	opI32Add      = 0x6a
	opI64Add      = 0x7c
)

func i32Const(v int32) []byte { return append([]byte{opI32Const}, sleb128(int64(v))...) }
func i64Const(v int64) []byte { return append([]byte{opI64Const}, sleb128(v)...) }

// funcBody wraps instrs (which must already end just before the implicit
// block end) with an empty locals vector and the closing 0x0b.
func funcBody(instrs []byte) []byte {
	body := append(uleb128(0), instrs...) // zero local-declaration groups
	body = append(body, opEnd)
	out := uleb128(uint64(len(body)))
	return append(out, body...)
}

type fn struct {
	typeIdx uint64
	export  string
	body    []byte
}

// imp declares one imported host function. Imported functions occupy the
// front of the module's function index space, so a body calling the i-th
// import uses `call i` and the j-th local function is `call len(imps)+j`.
type imp struct {
	module  string
	field   string
	typeIdx uint64
}

// build assembles a complete module: a two-page memory (page 0 is the
// argument buffer, page 1 holds state), the given functions in order, each
// exported under its own name, plus a "memory" export.
func build(types [][]byte, fns []fn) []byte {
	return buildWithImports(types, nil, fns)
}

func buildWithImports(types [][]byte, imps []imp, fns []fn) []byte {
	module := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	typeSection := vec(types)
	module = append(module, section(1, typeSection)...)

	if len(imps) > 0 {
		entries := make([][]byte, len(imps))
		for i, im := range imps {
			entry := append(name(im.module), name(im.field)...)
			entry = append(entry, 0x00) // func import
			entry = append(entry, uleb128(im.typeIdx)...)
			entries[i] = entry
		}
		module = append(module, section(2, vec(entries))...)
	}

	funcIdxs := make([][]byte, len(fns))
	for i, f := range fns {
		funcIdxs[i] = uleb128(f.typeIdx)
	}
	module = append(module, section(3, vec(funcIdxs))...)

	// memtype: flags=0x00 (min only), min=2 pages
	memType := append([]byte{0x00}, uleb128(2)...)
	module = append(module, section(5, vec([][]byte{memType}))...)

	exports := make([][]byte, 0, len(fns)+1)
	exports = append(exports, append(name("memory"), 0x02, 0x00))
	for i, f := range fns {
		entry := append(name(f.export), 0x00)
		entry = append(entry, uleb128(uint64(len(imps)+i))...)
		exports = append(exports, entry)
	}
	module = append(module, section(7, vec(exports))...)

	codes := make([][]byte, len(fns))
	for i, f := range fns {
		codes[i] = funcBody(f.body)
	}
	module = append(module, section(10, vec(codes))...)

	return module
}

func call(funcIdx uint64) []byte { return append([]byte{opCall}, uleb128(funcIdx)...) }

var (
	typeI32ToI32  = funcType([]byte{valI32}, []byte{valI32})
	typeI32ToVoid = funcType([]byte{valI32}, nil)
)

// CounterContract returns bytecode for the spec §8 "counter genesis" /
// "revert on panic" fixtures: init stores 0xfc as a u64 at stateOffset,
// read_value copies it into the argument buffer, increment adds one to it,
// and bump_then_panic increments then traps unconditionally.
func CounterContract() []byte {
	initBody := append(i32Const(0), i64Const(0xfc)...)
	initBody = append(initBody, opI64Store)
	initBody = append(initBody, memarg(3, stateOffset)...)

	readBody := append(i32Const(0), i32Const(0)...)
	readBody = append(readBody, opI64Load)
	readBody = append(readBody, memarg(3, stateOffset)...)
	readBody = append(readBody, opI64Store)
	readBody = append(readBody, memarg(3, 0)...)
	readBody = append(readBody, i32Const(8)...)

	incrBody := incrementInstrs()
	incrBody = append(incrBody, i32Const(0)...)

	panicBody := incrementInstrs()
	panicBody = append(panicBody, opUnreachable)

	fns := []fn{
		{typeIdx: 1, export: "init", body: initBody},
		{typeIdx: 0, export: "read_value", body: readBody},
		{typeIdx: 0, export: "increment", body: incrBody},
		{typeIdx: 1, export: "bump_then_panic", body: panicBody},
	}
	return build([][]byte{typeI32ToI32, typeI32ToVoid}, fns)
}

// incrementInstrs loads the u64 at stateOffset, adds one, and stores it
// back; it leaves nothing on the stack.
func incrementInstrs() []byte {
	out := append(i32Const(0), i32Const(0)...)
	out = append(out, opI64Load)
	out = append(out, memarg(3, stateOffset)...)
	out = append(out, i64Const(1)...)
	out = append(out, opI64Add)
	out = append(out, opI64Store)
	out = append(out, memarg(3, stateOffset)...)
	return out
}

// CallerContract returns bytecode for the inter-contract fixtures. Both
// exports take their callee's 32-byte id and function name from the
// argument buffer (see BumpArg/SwallowArg for the layout) and reach it
// through the c import. bump_b invokes the callee and then emits a
// "called-b" event; call_bad_swallow invokes a trapping callee and
// swallows the failure so its own call still succeeds.
func CallerContract() []byte {
	typeC := funcType([]byte{valI32, valI32, valI32, valI32, valI64}, []byte{valI32})
	typeEmit := funcType([]byte{valI32, valI32, valI32}, nil)

	imps := []imp{
		{module: "env", field: "c", typeIdx: 1},
		{module: "env", field: "emit", typeIdx: 2},
	}

	bumpBody := append(i32Const(0), i32Const(32)...)
	bumpBody = append(bumpBody, i32Const(9)...)
	bumpBody = append(bumpBody, i32Const(0)...)
	bumpBody = append(bumpBody, i64Const(1<<20)...)
	bumpBody = append(bumpBody, call(0)...)
	bumpBody = append(bumpBody, opDrop)
	bumpBody = append(bumpBody, i32Const(41)...)
	bumpBody = append(bumpBody, i32Const(8)...)
	bumpBody = append(bumpBody, i32Const(0)...)
	bumpBody = append(bumpBody, call(1)...)
	bumpBody = append(bumpBody, i32Const(0)...)

	swallowBody := append(i32Const(0), i32Const(32)...)
	swallowBody = append(swallowBody, i32Const(15)...)
	swallowBody = append(swallowBody, i32Const(0)...)
	swallowBody = append(swallowBody, i64Const(1<<20)...)
	swallowBody = append(swallowBody, call(0)...)
	swallowBody = append(swallowBody, opDrop)
	swallowBody = append(swallowBody, i32Const(0)...)

	fns := []fn{
		{typeIdx: 0, export: "bump_b", body: bumpBody},
		{typeIdx: 0, export: "call_bad_swallow", body: swallowBody},
	}
	return buildWithImports([][]byte{typeI32ToI32, typeC, typeEmit}, imps, fns)
}

// BumpArg lays out bump_b's expected argument: the callee id at offset 0,
// "increment" at 32, "called-b" at 41.
func BumpArg(callee []byte) []byte {
	out := append([]byte(nil), callee...)
	out = append(out, "increment"...)
	return append(out, "called-b"...)
}

// SwallowArg lays out call_bad_swallow's expected argument: the callee id
// at offset 0, "bump_then_panic" at 32.
func SwallowArg(callee []byte) []byte {
	out := append([]byte(nil), callee...)
	return append(out, "bump_then_panic"...)
}

// FeederContract returns bytecode whose feed_twice export pushes its
// argument bytes through the feed import twice and ignores the import's
// consumer-closed result both times.
func FeederContract() []byte {
	imps := []imp{
		{module: "env", field: "feed", typeIdx: 0},
	}

	body := append([]byte{opLocalGet}, uleb128(0)...)
	body = append(body, call(0)...)
	body = append(body, opDrop)
	body = append(body, opLocalGet)
	body = append(body, uleb128(0)...)
	body = append(body, call(0)...)
	body = append(body, opDrop)
	body = append(body, i32Const(0)...)

	fns := []fn{
		{typeIdx: 0, export: "feed_twice", body: body},
	}
	return buildWithImports([][]byte{typeI32ToI32}, imps, fns)
}

// SpinContract returns bytecode whose spin export recurses into itself
// without bound, consuming compute gas on every frame until the meter
// aborts the call.
func SpinContract() []byte {
	body := append([]byte{opLocalGet}, uleb128(0)...)
	body = append(body, call(0)...)

	fns := []fn{
		{typeIdx: 0, export: "spin", body: body},
	}
	return build([][]byte{typeI32ToI32}, fns)
}

// NoInitContract returns a module with only a memory export: deploying it
// succeeds with no init call (spec §4.5 Deploy: a missing init export is
// not an error).
func NoInitContract() []byte {
	return build([][]byte{typeI32ToI32}, nil)
}

// BadInitContract returns a module whose init writes a sentinel value to
// stateOffset and then traps unconditionally — used to exercise the
// rollback path of Deploy and Migrate (spec §4.5: an init that would not
// succeed must leave no trace).
func BadInitContract() []byte {
	initBody := append(i32Const(0), i64Const(0xdead)...)
	initBody = append(initBody, opI64Store)
	initBody = append(initBody, memarg(3, stateOffset)...)
	initBody = append(initBody, opUnreachable)

	fns := []fn{
		{typeIdx: 1, export: "init", body: initBody},
	}
	return build([][]byte{typeI32ToI32, typeI32ToVoid}, fns)
}
