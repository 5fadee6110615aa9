/* SPDX License Identifier: BSD-2-Clause */

package subpage

import "golang.org/x/sys/unix"

var (
	// Native page size of the running host
	HostPageSize uint64

	// Lowest address the host lets a process map, from
	// /proc/sys/vm/mmap_min_addr
	MmapMinAddr uint64
)

func init() {
	HostPageSize = uint64(unix.Getpagesize())

	if v, ok := readSysctl("/proc/sys/vm/mmap_min_addr"); ok {
		MmapMinAddr = v
	} else {
		MmapMinAddr = HostPageSize
	}
}
