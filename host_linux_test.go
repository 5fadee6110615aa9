/* SPDX-License-Identifier: BSD-2-Clause */

package subpage

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

func ptrOf(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}

// linuxNativePageSize returns a native page larger than the guest's, faking
// 16K pages on a 4K host.
func linuxNativePageSize() uint64 {
	if HostPageSize > GuestPageSize {
		return HostPageSize
	}
	return 4 * HostPageSize
}

func newLinuxEmulator(t *testing.T) *Emulator {
	t.Helper()
	if _, err := os.Stat("/proc/self/maps"); err != nil {
		t.Skipf("skipping: /proc/self/maps unavailable: %v", err)
	}
	cfg := DefaultConfig()
	cfg.NativePageSize = linuxNativePageSize()
	// The Go runtime maps far above the 32-bit guest limit.
	cfg.AddressLimit = 1 << 47
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	e, err := NewLinux(cfg)
	if err != nil {
		t.Fatalf("NewLinux failed: %v", err)
	}
	return e
}

func TestNewLinuxHost(t *testing.T) {
	if _, err := NewLinuxHost(HostPageSize); err != nil {
		t.Fatalf("NewLinuxHost(%d) failed: %v", HostPageSize, err)
	}
	if _, err := NewLinuxHost(HostPageSize / 2); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("NewLinuxHost(%d): err = %v, want %v", HostPageSize/2, err, ErrInvalidArgument)
	}
}

func TestParseMapsLine(t *testing.T) {
	tests := []struct {
		line string
		ok   bool
		want Mapping
	}{
		{
			"7f2c4a200000-7f2c4a204000 rw-p 00000000 00:00 0",
			true,
			Mapping{Start: 0x7f2c4a200000, End: 0x7f2c4a204000, Prot: PROT_READ | PROT_WRITE, Anonymous: true},
		},
		{
			"55d0c8a00000-55d0c8a28000 r-xs 00002000 08:01 1835017    /usr/lib/libc.so.6",
			true,
			Mapping{Start: 0x55d0c8a00000, End: 0x55d0c8a28000, Prot: PROT_READ | PROT_EXEC, Shared: true},
		},
		{
			"7ffd1c9e0000-7ffd1ca01000 rw-p 00000000 00:00 0                          [stack]",
			true,
			Mapping{Start: 0x7ffd1c9e0000, End: 0x7ffd1ca01000, Prot: PROT_READ | PROT_WRITE, Anonymous: true},
		},
		{"7ffd1c9e0000 rw-p 00000000 00:00 0", false, Mapping{}},
		{"zz-7ffd1ca01000 rw-p 00000000 00:00 0", false, Mapping{}},
		{"", false, Mapping{}},
	}

	for _, tt := range tests {
		got, ok := parseMapsLine(tt.line)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseMapsLine(%q) = %+v, %v, want %+v, %v", tt.line, got, ok, tt.want, tt.ok)
		}
	}
}

func TestLinuxHostQuery(t *testing.T) {
	pageSize := unix.Getpagesize()
	mem, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("mmap failed: %v", err)
	}
	defer unix.Munmap(mem)

	h, _ := NewLinuxHost(HostPageSize)
	addr := uint64(uintptr(ptrOf(mem)))

	m, ok := h.Query(addr)
	if !ok {
		t.Fatalf("Query(%#x) found nothing", addr)
	}
	if m.Prot != PROT_READ|PROT_WRITE || !m.Anonymous || m.Shared {
		t.Fatalf("Query(%#x) = %+v", addr, m)
	}
	if m.Start > addr || m.End <= addr {
		t.Fatalf("Query(%#x) = [%#x, %#x)", addr, m.Start, m.End)
	}
}

func TestLinuxHostCopyFault(t *testing.T) {
	pageSize := unix.Getpagesize()
	mem, err := unix.Mmap(-1, 0, pageSize, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		t.Fatalf("mmap failed: %v", err)
	}
	defer unix.Munmap(mem)

	h, _ := NewLinuxHost(HostPageSize)
	addr := uint64(uintptr(ptrOf(mem)))

	if err := h.CopyIn(addr, make([]byte, 16)); !errors.Is(err, unix.EFAULT) {
		t.Fatalf("CopyIn from PROT_NONE: err = %v, want EFAULT", err)
	}
	if err := h.Zero(addr, 16); !errors.Is(err, unix.EFAULT) {
		t.Fatalf("Zero of PROT_NONE: err = %v, want EFAULT", err)
	}
}

func TestLinuxSubpageMapping(t *testing.T) {
	e := newLinuxEmulator(t)
	h := e.AddressSpace().Host()

	addr, err := e.Mmap(MapRequest{Length: GuestPageSize, Prot: PROT_READ | PROT_WRITE, Flags: MAP_PRIVATE | MAP_ANONYMOUS})
	if err != nil {
		t.Fatalf("Mmap failed: %v", err)
	}

	first := bytes.Repeat([]byte{0xAB}, GuestPageSize)
	copy(mem(addr, GuestPageSize), first)

	// Anonymous mapping into the same native page
	if _, err := e.Mmap(MapRequest{Addr: addr + GuestPageSize, Length: GuestPageSize,
		Prot: PROT_READ | PROT_WRITE, Flags: MAP_PRIVATE | MAP_ANONYMOUS | MAP_FIXED}); err != nil {
		t.Fatalf("Mmap fixed failed: %v", err)
	}

	// File mapping at an offset the native page cannot hold
	tmp, err := os.CreateTemp(t.TempDir(), "subpage_test")
	if err != nil {
		t.Fatalf("CreateTemp failed: %v", err)
	}
	defer tmp.Close()
	contents := make([]byte, 4*GuestPageSize)
	for i := range contents {
		contents[i] = byte(i / 13)
	}
	if _, err := tmp.Write(contents); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := e.Mmap(MapRequest{Addr: addr + 2*GuestPageSize, Length: GuestPageSize, Prot: PROT_READ,
		Flags: MAP_PRIVATE | MAP_FIXED, File: tmp, Offset: GuestPageSize}); err != nil {
		t.Fatalf("Mmap file failed: %v", err)
	}

	if !bytes.Equal(mem(addr, GuestPageSize), first) {
		t.Errorf("first guest page lost its contents")
	}
	if !bytes.Equal(mem(addr+GuestPageSize, GuestPageSize), make([]byte, GuestPageSize)) {
		t.Errorf("second guest page not zeroed")
	}
	if !bytes.Equal(mem(addr+2*GuestPageSize, GuestPageSize), contents[GuestPageSize:2*GuestPageSize]) {
		t.Errorf("third guest page does not hold the file contents")
	}

	slots := int(e.cfg.NativePageSize / GuestPageSize)
	want := "111" + strings.Repeat("0", slots-3)
	if pp, ok := e.AddressSpace().Lookup(addr); !ok || pp.String() != want {
		t.Errorf("record = %v, %v, want %s", pp, ok, want)
	}

	if err := e.Munmap(addr, 3*GuestPageSize); err != nil {
		t.Fatalf("Munmap failed: %v", err)
	}
	if _, ok := h.Query(addr); ok {
		t.Errorf("native page still mapped after every guest page was unmapped")
	}
	if _, ok := e.AddressSpace().Lookup(addr); ok {
		t.Errorf("record survived the unmap")
	}
}
