/* SPDX-License-Identifier: BSD-2-Clause */

package subpage

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Size in guest memory of MmapArgs.
const mmapArgsSize = 24

// FileTable resolves guest file descriptors.
type FileTable interface {
	File(fd int) (File, bool)
}

// FileMap is a FileTable backed by a map.
type FileMap map[int]File

func (m FileMap) File(fd int) (File, bool) {
	f, ok := m[fd]
	return f, ok
}

// SysMmap is the old-style 32-bit mmap, whose arguments sit in guest memory
// at argp.
func (e *Emulator) SysMmap(argp uint32, files FileTable) (uint32, unix.Errno) {
	buf := make([]byte, mmapArgsSize)
	if err := e.as.host.CopyIn(uint64(argp), buf); err != nil {
		return 0, unix.EFAULT
	}
	var a MmapArgs
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &a); err != nil {
		return 0, unix.EFAULT
	}
	if uint64(a.Offset)%e.guest != 0 {
		return 0, unix.EINVAL
	}
	return e.mmapFd(a.Addr, a.Len, a.Prot, a.Flags, a.Fd, int64(a.Offset), files)
}

// SysMmap2 is 32-bit mmap2, whose offset counts guest pages.
func (e *Emulator) SysMmap2(addr, length, prot, flags, fd, pgoff uint32, files FileTable) (uint32, unix.Errno) {
	return e.mmapFd(addr, length, prot, flags, fd, int64(pgoff)*int64(e.guest), files)
}

func (e *Emulator) mmapFd(addr, length, prot, flags, fd uint32, off int64, files FileTable) (uint32, unix.Errno) {
	fl := Flags(flags) &^ (MAP_EXECUTABLE | MAP_DENYWRITE)
	var f File
	if !fl.has(MAP_ANONYMOUS) {
		var ok bool
		if files != nil {
			f, ok = files.File(int(int32(fd)))
		}
		if !ok {
			return 0, unix.EBADF
		}
	}
	res, err := e.Mmap(MapRequest{
		Addr:   uint64(addr),
		Length: uint64(length),
		Prot:   Prot(prot),
		Flags:  fl,
		File:   f,
		Offset: off,
	})
	if err != nil {
		return 0, ErrnoOf(err)
	}
	return uint32(res), 0
}

// SysMunmap is 32-bit munmap.
func (e *Emulator) SysMunmap(start, length uint32) unix.Errno {
	return ErrnoOf(e.Munmap(uint64(start), uint64(length)))
}

// SysMprotect is 32-bit mprotect.
func (e *Emulator) SysMprotect(start, length, prot uint32) unix.Errno {
	return ErrnoOf(e.Mprotect(uint64(start), uint64(length), Prot(prot)))
}

// SysMremap is 32-bit mremap.
func (e *Emulator) SysMremap(addr, oldLen, newLen, flags, newAddr uint32) (uint32, unix.Errno) {
	res, err := e.Mremap(uint64(addr), uint64(oldLen), uint64(newLen), RemapFlags(flags), uint64(newAddr))
	if err != nil {
		return 0, ErrnoOf(err)
	}
	return uint32(res), 0
}
