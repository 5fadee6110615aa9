/* SPDX-License-Identifier: BSD-2-Clause */

package subpage

import (
	"fmt"
)

// MapFile maps size bytes of f from off through e, privately and read-only,
// and returns the mapped bytes with a function that unmaps them. off needs
// only guest page alignment. e must drive a LinuxHost.
func MapFile(e *Emulator, f File, size, off int64) ([]byte, func() error, error) {
	if _, ok := e.as.host.(*LinuxHost); !ok {
		return nil, nil, fmt.Errorf("map file: host %T is not the calling process: %w", e.as.host, ErrInvalidArgument)
	}
	if size <= 0 {
		return nil, nil, fmt.Errorf("map file: size %d: %w", size, ErrInvalidArgument)
	}

	addr, err := e.Mmap(MapRequest{
		Length: uint64(size),
		Prot:   PROT_READ,
		Flags:  MAP_PRIVATE,
		File:   f,
		Offset: off,
	})
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() error {
		return e.Munmap(addr, uint64(size))
	}
	return mem(addr, uint64(size)), cleanup, nil
}
