/* SPDX-License-Identifier: BSD-2-Clause */

package subpage

import "golang.org/x/sys/unix"

// Guest page geometry. The guest is a 32-bit process built for 4K pages.
const (
	GuestPageShift = 12
	GuestPageSize  = 1 << GuestPageShift

	// Top of the 32-bit guest's user address space.
	GuestAddressLimit = 0xC0000000
)

// Protection bits, as passed by the guest.
const (
	PROT_NONE  Prot = unix.PROT_NONE
	PROT_READ  Prot = unix.PROT_READ
	PROT_WRITE Prot = unix.PROT_WRITE
	PROT_EXEC  Prot = unix.PROT_EXEC
)

// mmap(2) flags understood by the emulator.
const (
	MAP_SHARED     Flags = unix.MAP_SHARED
	MAP_PRIVATE    Flags = unix.MAP_PRIVATE
	MAP_FIXED      Flags = unix.MAP_FIXED
	MAP_ANONYMOUS  Flags = unix.MAP_ANONYMOUS
	MAP_HUGETLB    Flags = unix.MAP_HUGETLB
	MAP_DENYWRITE  Flags = unix.MAP_DENYWRITE
	MAP_EXECUTABLE Flags = unix.MAP_EXECUTABLE
)

// mremap(2) flags.
const (
	MREMAP_MAYMOVE RemapFlags = unix.MREMAP_MAYMOVE
	MREMAP_FIXED   RemapFlags = unix.MREMAP_FIXED
)
