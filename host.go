/* SPDX-License-Identifier: BSD-2-Clause */

package subpage

import "io"

// File is a file a guest maps. *os.File satisfies it.
type File interface {
	io.ReaderAt
	Fd() uintptr
}

// mappable is implemented by files that may refuse to be mapped.
type mappable interface {
	CanMmap() bool
}

func canMmap(f File) bool {
	if m, ok := f.(mappable); ok {
		return m.CanMmap()
	}
	return true
}

// MappingQuerier reports the host mapping covering an address.
type MappingQuerier interface {
	Query(addr uint64) (Mapping, bool)
}

// Host is the address space the emulator drives, one native page at a time.
// Addresses and lengths passed to Map, Unmap, Protect and Remap are native
// page aligned.
type Host interface {
	MappingQuerier

	// Map maps length bytes at addr. f is nil for anonymous mappings.
	Map(f File, addr, length uint64, prot Prot, flags Flags, off int64) (uint64, error)
	Unmap(addr, length uint64) error
	Protect(addr, length uint64, prot Prot) error
	Remap(addr, oldLen, newLen uint64, flags RemapFlags, newAddr uint64) (uint64, error)

	// FindFreeRegion returns the base of an unmapped native-aligned region
	// of length bytes, at hint if that region is free.
	FindFreeRegion(f File, hint, length uint64, flags Flags) (uint64, error)

	// ReadFile reads length bytes of f at off into mapped memory at addr.
	ReadFile(f File, addr, length uint64, off int64) (int, error)

	// CopyIn copies mapped memory at addr into dst.
	CopyIn(addr uint64, dst []byte) error
	// CopyOut copies src into mapped memory at addr.
	CopyOut(addr uint64, src []byte) error
	// Zero clears length bytes of mapped memory at addr.
	Zero(addr, length uint64) error
}
