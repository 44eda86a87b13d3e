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

import "errors"

// List of engine-level errors. Session maps these onto its own Kind
// taxonomy at the call boundary.
var (
	ErrOutOfGas          = errors.New("engine: out of gas")
	ErrTrap              = errors.New("engine: guest trap")
	ErrInvalidBytecode   = errors.New("engine: invalid bytecode")
	ErrInvalidFunction   = errors.New("engine: function not found")
	ErrNoMemoryExport    = errors.New("engine: module exports no linear memory")
	ErrMemoryOutOfBounds = errors.New("engine: memory access out of bounds")
)
