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

//go:build linux

package pagemap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapFixed overlays a real, private, file-backed, copy-on-write mapping
// of fd's first page at addr, which must already lie inside a reservation
// made by New. The x/sys/unix Mmap wrapper has no way to pin the address,
// so this goes straight to the syscall the way uffd-based memory managers
// do for their own fixed remaps.
func mmapFixed(addr uintptr, length uint64, fd int) error {
	_, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(length),
		uintptr(unix.PROT_READ),
		uintptr(unix.MAP_PRIVATE|unix.MAP_FIXED),
		uintptr(fd),
		0,
	)
	if errno != 0 {
		return fmt.Errorf("mmap MAP_FIXED at %#x: %w", addr, errno)
	}
	return nil
}

func unsafePointer(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}
