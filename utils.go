/* SPDX-License-Identifier: BSD-2-Clause */

package subpage

import (
	"os"
	"strconv"
	"strings"
)

// readSysctl returns the unsigned value stored in a /proc/sys file.
func readSysctl(path string) (uint64, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func roundUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

func roundDown(x, align uint64) uint64 {
	return x &^ (align - 1)
}

func isPowerOfTwo(x uint64) bool {
	return x != 0 && x&(x-1) == 0
}
