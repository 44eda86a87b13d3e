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

import "github.com/corevm/contractvm/params"

// meter tracks one call's gas budget. Host imports are charged their fixed
// §6.3 price before the host semantics run; wazero has no fuel counter for
// guest compute the way wasmtime or wasmer do, so guest-side cost is
// charged coarsely, one unit per function invocation, via the compute
// function listener in engine.go rather than per opcode.
type meter struct {
	limit uint64
	spent uint64
}

func newMeter(limit uint64) *meter {
	return &meter{limit: limit}
}

// charge deducts cost from the remaining budget. It reports false (and
// still records the partial charge) once the budget is exhausted, so the
// caller can stop and the receipt still shows gas_spent == gas_limit.
func (m *meter) charge(cost uint64) bool {
	if m.spent >= m.limit {
		m.spent = m.limit
		return false
	}
	remaining := m.limit - m.spent
	if cost > remaining {
		m.spent = m.limit
		return false
	}
	m.spent += cost
	return true
}

func (m *meter) remaining() uint64 {
	if m.spent >= m.limit {
		return 0
	}
	return m.limit - m.spent
}

// hostImportCost returns the fixed gas price of one host import call, per
// the §6.3 table. emit and feed additionally charge a per-byte rate the
// caller adds on top via emitBytesCost / feedBytesCost.
func hostImportCost(name string) uint64 {
	switch name {
	case "c":
		return params.GasInterContractCall
	case "hq":
		return params.GasHostQueryBase
	case "emit":
		return params.GasEmit
	case "feed":
		return 0 // pure per-byte charge, see feedBytesCost
	case "hdebug":
		return params.GasHostDebug
	case "owner", "self_id", "caller", "callstack":
		return params.GasQueryIdentity
	default:
		return 0
	}
}

func emitBytesCost(n uint32) uint64 { return uint64(n) * params.GasEmitByte }
func feedBytesCost(n uint32) uint64 { return uint64(n) * params.GasFeedByte }

// memoryGrowthCost prices linear-memory growth by the given number of
// pages at GasMemoryPage each, the same
// linear-in-pages model the teacher charges for EVM memory expansion,
// simplified since wasm memory only grows in whole pages.
func memoryGrowthCost(pages uint64) uint64 { return pages * params.GasMemoryPage }
