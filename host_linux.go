/* SPDX-License-Identifier: BSD-2-Clause */

package subpage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// LinuxHost drives the address space of the calling process. Its native
// page may be any multiple of the real page size, which lets a 4K host
// stand in for a larger-page one.
type LinuxHost struct {
	native uint64
}

// NewLinuxHost returns a host operating on nativePageSize pages.
func NewLinuxHost(nativePageSize uint64) (*LinuxHost, error) {
	if !isPowerOfTwo(nativePageSize) || nativePageSize%HostPageSize != 0 {
		return nil, fmt.Errorf("native page size %d is not a multiple of %d: %w",
			nativePageSize, HostPageSize, ErrInvalidArgument)
	}
	return &LinuxHost{native: nativePageSize}, nil
}

// NewLinux returns an emulator over the calling process.
func NewLinux(cfg Config) (*Emulator, error) {
	h, err := NewLinuxHost(cfg.NativePageSize)
	if err != nil {
		return nil, err
	}
	return New(h, cfg)
}

func ptr(addr uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(addr))
}

func mem(addr, length uint64) []byte {
	return unsafe.Slice((*byte)(ptr(addr)), length)
}

func (h *LinuxHost) Map(f File, addr, length uint64, prot Prot, flags Flags, off int64) (uint64, error) {
	fd := -1
	if f != nil {
		fd = int(f.Fd())
	}
	p, err := unix.MmapPtr(fd, off, ptr(addr), uintptr(length), int(prot), int(flags))
	if err != nil {
		return 0, os.NewSyscallError("mmap", err)
	}
	return uint64(uintptr(p)), nil
}

func (h *LinuxHost) Unmap(addr, length uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(length), 0)
	if errno != 0 {
		return os.NewSyscallError("munmap", errno)
	}
	return nil
}

func (h *LinuxHost) Protect(addr, length uint64, prot Prot) error {
	_, _, errno := unix.Syscall(unix.SYS_MPROTECT, uintptr(addr), uintptr(length), uintptr(prot))
	if errno != 0 {
		return os.NewSyscallError("mprotect", errno)
	}
	return nil
}

func (h *LinuxHost) Remap(addr, oldLen, newLen uint64, flags RemapFlags, newAddr uint64) (uint64, error) {
	r, _, errno := unix.Syscall6(unix.SYS_MREMAP, uintptr(addr), uintptr(oldLen), uintptr(newLen),
		uintptr(flags), uintptr(newAddr), 0)
	if errno != 0 {
		return 0, os.NewSyscallError("mremap", errno)
	}
	return uint64(r), nil
}

// FindFreeRegion lets the kernel pick a free range with room to align it to
// the native page, then gives the range back. Another thread of the process
// could map there before the caller does; the emulator's own mappings are
// serialized by the address space lock.
func (h *LinuxHost) FindFreeRegion(f File, hint, length uint64, flags Flags) (uint64, error) {
	if hint < MmapMinAddr {
		hint = 0
	}
	size := length + h.native
	p, err := unix.MmapPtr(-1, 0, ptr(hint), uintptr(size), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return 0, os.NewSyscallError("mmap", err)
	}
	base := uint64(uintptr(p))
	if err := h.Unmap(base, size); err != nil {
		return 0, err
	}
	if hint != 0 && base == hint {
		return hint, nil
	}
	return roundUp(base, h.native), nil
}

func (h *LinuxHost) ReadFile(f File, addr, length uint64, off int64) (int, error) {
	n, err := f.ReadAt(mem(addr, length), off)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

func (h *LinuxHost) CopyIn(addr uint64, dst []byte) error {
	return guard(func() { copy(dst, mem(addr, uint64(len(dst)))) })
}

func (h *LinuxHost) CopyOut(addr uint64, src []byte) error {
	return guard(func() { copy(mem(addr, uint64(len(src))), src) })
}

func (h *LinuxHost) Zero(addr, length uint64) error {
	return guard(func() { clear(mem(addr, length)) })
}

// guard runs fn, turning a memory fault into EFAULT.
func guard(fn func()) (err error) {
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("%v: %w", r, unix.EFAULT)
		}
	}()
	fn()
	return nil
}

// Query looks addr up in /proc/self/maps.
func (h *LinuxHost) Query(addr uint64) (Mapping, bool) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return Mapping{}, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m, ok := parseMapsLine(sc.Text())
		if !ok {
			continue
		}
		if m.Start > addr {
			break
		}
		if addr < m.End {
			return m, true
		}
	}
	return Mapping{}, false
}

// parseMapsLine parses one line of /proc/<pid>/maps:
//
//	7f2c4a200000-7f2c4a204000 rw-p 00000000 00:00 0
func parseMapsLine(line string) (Mapping, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, false
	}
	lo, hi, ok := strings.Cut(fields[0], "-")
	if !ok {
		return Mapping{}, false
	}
	start, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	end, err := strconv.ParseUint(hi, 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	perms := fields[1]
	if len(perms) < 4 {
		return Mapping{}, false
	}

	m := Mapping{Start: start, End: end, Shared: perms[3] == 's'}
	if perms[0] == 'r' {
		m.Prot |= PROT_READ
	}
	if perms[1] == 'w' {
		m.Prot |= PROT_WRITE
	}
	if perms[2] == 'x' {
		m.Prot |= PROT_EXEC
	}
	m.Anonymous = fields[4] == "0" && (len(fields) < 6 || strings.HasPrefix(fields[5], "["))
	return m, true
}
