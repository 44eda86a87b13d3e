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

package pagemap

import "errors"

var (
	// ErrOutOfBounds is MemoryAccessOutOfBounds in spec terms: the guest
	// touched [L, N*P).
	ErrOutOfBounds = errors.New("pagemap: memory access out of bounds")

	// ErrInvalidLength is returned by SetLen when asked to shrink outside
	// of a snapshot restore.
	ErrInvalidLength = errors.New("pagemap: invalid length")

	// ErrInvalidSnapshot is returned when a snapshot handle doesn't
	// correspond to a currently-open snapshot.
	ErrInvalidSnapshot = errors.New("pagemap: invalid snapshot handle")
)
