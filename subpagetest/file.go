/* SPDX-License-Identifier: BSD-2-Clause */

package subpagetest

import (
	"io"
	"sync/atomic"
)

var nextFd atomic.Uintptr

// File is an in-memory subpage.File.
type File struct {
	data []byte
	fd   uintptr

	// NoMmap makes the file refuse to be mapped.
	NoMmap bool
}

// NewFile returns a file holding data.
func NewFile(data []byte) *File {
	return &File{data: data, fd: 100 + nextFd.Add(1)}
}

// Pattern returns n bytes where byte i is derived from i and seed, so that
// misplaced contents are easy to spot.
func Pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i/7) ^ seed
	}
	return b
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *File) Fd() uintptr { return f.fd }

func (f *File) CanMmap() bool { return !f.NoMmap }
