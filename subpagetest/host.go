/* SPDX-License-Identifier: BSD-2-Clause */

// Package subpagetest provides an in-memory subpage.Host for tests.
//
// Host simulates one address space at native page granularity: every
// mapped native page has its own contents, protection and backing. It
// enforces the checks a kernel would, so emulator bugs show up as errors
// or wrong contents instead of silent success.
package subpagetest

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	subpage "github.com/ricardobranco777/go-subpage"
)

// DefaultFloor is the lowest address FindFreeRegion hands out.
const DefaultFloor = 0x10000

// Calls counts host primitive invocations.
type Calls struct {
	Map, Unmap, Protect, Remap   int
	FindFreeRegion, ReadFile     int
	CopyIn, CopyOut, Zero, Query int
}

type page struct {
	data   []byte
	prot   subpage.Prot
	anon   bool
	shared bool
}

// Host is an in-memory subpage.Host.
type Host struct {
	mu     sync.Mutex
	native uint64
	limit  uint64
	floor  uint64
	pages  map[uint64]*page
	fail   map[string]error
	calls  Calls
}

var _ subpage.Host = (*Host)(nil)

// New returns an empty host with the given native page size, handing out
// addresses below limit.
func New(nativePageSize, limit uint64) *Host {
	return &Host{
		native: nativePageSize,
		limit:  limit,
		floor:  DefaultFloor,
		pages:  make(map[uint64]*page),
		fail:   make(map[string]error),
	}
}

// Clone returns a copy of the host with every page duplicated, as a fork
// would leave it.
func (h *Host) Clone() *Host {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := New(h.native, h.limit)
	c.floor = h.floor
	for a, p := range h.pages {
		q := *p
		q.data = append([]byte(nil), p.data...)
		c.pages[a] = &q
	}
	return c
}

// PageSize returns the native page size.
func (h *Host) PageSize() uint64 {
	return h.native
}

// FailNext makes the next call of the named primitive ("Map", "Unmap",
// "Protect", "Remap", "FindFreeRegion", "ReadFile", "CopyIn", "CopyOut",
// "Zero") return err.
func (h *Host) FailNext(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail[op] = err
}

func (h *Host) injected(op string) error {
	if err, ok := h.fail[op]; ok {
		delete(h.fail, op)
		return err
	}
	return nil
}

// Calls returns the primitive call counts so far.
func (h *Host) Calls() Calls {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// ResetCalls zeroes the call counts.
func (h *Host) ResetCalls() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = Calls{}
}

func (h *Host) aligned(addr, length uint64) bool {
	return addr%h.native == 0 && length%h.native == 0 && length != 0 && addr+length > addr
}

func (h *Host) free(addr, length uint64) bool {
	if addr+length > h.limit || addr+length < addr {
		return false
	}
	for a := addr; a < addr+length; a += h.native {
		if _, ok := h.pages[a]; ok {
			return false
		}
	}
	return true
}

func (h *Host) findFree(hint, length uint64) (uint64, bool) {
	if hint != 0 && hint%h.native == 0 && hint >= h.floor && h.free(hint, length) {
		return hint, true
	}
	for a := h.floor; a+length <= h.limit; a += h.native {
		if h.free(a, length) {
			return a, true
		}
	}
	return 0, false
}

func (h *Host) Map(f subpage.File, addr, length uint64, prot subpage.Prot, flags subpage.Flags, off int64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls.Map++
	if err := h.injected("Map"); err != nil {
		return 0, err
	}
	if !h.aligned(addr, length) || off < 0 || uint64(off)%h.native != 0 {
		return 0, unix.EINVAL
	}
	if flags&subpage.MAP_FIXED == 0 {
		a, ok := h.findFree(addr, length)
		if !ok {
			return 0, unix.ENOMEM
		}
		addr = a
	} else if addr+length > h.limit {
		return 0, unix.ENOMEM
	}

	for i := uint64(0); i < length; i += h.native {
		p := &page{
			data:   make([]byte, h.native),
			prot:   prot,
			anon:   f == nil,
			shared: flags&subpage.MAP_SHARED != 0,
		}
		if f != nil {
			if _, err := f.ReadAt(p.data, off+int64(i)); err != nil && !errors.Is(err, io.EOF) {
				return 0, err
			}
		}
		h.pages[addr+i] = p
	}
	return addr, nil
}

func (h *Host) Unmap(addr, length uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls.Unmap++
	if err := h.injected("Unmap"); err != nil {
		return err
	}
	if !h.aligned(addr, length) {
		return unix.EINVAL
	}
	for a := addr; a < addr+length; a += h.native {
		delete(h.pages, a)
	}
	return nil
}

func (h *Host) Protect(addr, length uint64, prot subpage.Prot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls.Protect++
	if err := h.injected("Protect"); err != nil {
		return err
	}
	if !h.aligned(addr, length) {
		return unix.EINVAL
	}
	for a := addr; a < addr+length; a += h.native {
		if _, ok := h.pages[a]; !ok {
			return unix.ENOMEM
		}
	}
	for a := addr; a < addr+length; a += h.native {
		h.pages[a].prot = prot
	}
	return nil
}

func (h *Host) Remap(addr, oldLen, newLen uint64, flags subpage.RemapFlags, newAddr uint64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls.Remap++
	if err := h.injected("Remap"); err != nil {
		return 0, err
	}
	if !h.aligned(addr, oldLen) || !h.aligned(addr, newLen) {
		return 0, unix.EINVAL
	}
	fixed := flags&subpage.MREMAP_FIXED != 0
	if fixed && (newAddr%h.native != 0 || flags&subpage.MREMAP_MAYMOVE == 0) {
		return 0, unix.EINVAL
	}
	for a := addr; a < addr+oldLen; a += h.native {
		if _, ok := h.pages[a]; !ok {
			return 0, unix.EFAULT
		}
	}

	// Detach the pages being kept; shrinking drops the rest.
	keep := min(oldLen, newLen)
	moving := make([]*page, 0, newLen/h.native)
	for a := addr; a < addr+keep; a += h.native {
		moving = append(moving, h.pages[a])
	}
	last := moving[len(moving)-1]

	dst := addr
	switch {
	case fixed:
		dst = newAddr
	case newLen > oldLen && !h.free(addr+oldLen, newLen-oldLen):
		if flags&subpage.MREMAP_MAYMOVE == 0 {
			return 0, unix.ENOMEM
		}
		for a := addr; a < addr+oldLen; a += h.native {
			delete(h.pages, a)
		}
		a, ok := h.findFree(0, newLen)
		if !ok {
			for i, p := range moving {
				h.pages[addr+uint64(i)*h.native] = p
			}
			return 0, unix.ENOMEM
		}
		dst = a
	}

	for a := addr; a < addr+oldLen; a += h.native {
		delete(h.pages, a)
	}
	for a := dst; a < dst+newLen; a += h.native {
		delete(h.pages, a)
	}
	for i, p := range moving {
		h.pages[dst+uint64(i)*h.native] = p
	}
	for a := dst + keep; a < dst+newLen; a += h.native {
		h.pages[a] = &page{data: make([]byte, h.native), prot: last.prot, anon: last.anon, shared: last.shared}
	}
	return dst, nil
}

func (h *Host) FindFreeRegion(f subpage.File, hint, length uint64, flags subpage.Flags) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls.FindFreeRegion++
	if err := h.injected("FindFreeRegion"); err != nil {
		return 0, err
	}
	a, ok := h.findFree(hint, roundUp(length, h.native))
	if !ok {
		return 0, unix.ENOMEM
	}
	return a, nil
}

// access checks that every byte of [addr, addr+n) is mapped with at least
// prot.
func (h *Host) access(addr, n uint64, prot subpage.Prot) error {
	for a := addr &^ (h.native - 1); a < addr+n; a += h.native {
		p, ok := h.pages[a]
		if !ok || p.prot&prot != prot {
			return unix.EFAULT
		}
	}
	return nil
}

// each calls fn for the pieces of [addr, addr+n) within each native page.
func (h *Host) each(addr, n uint64, fn func(b []byte, done uint64)) {
	for done := uint64(0); done < n; {
		a := addr + done
		p := h.pages[a&^(h.native-1)]
		o := a & (h.native - 1)
		k := min(h.native-o, n-done)
		fn(p.data[o:o+k], done)
		done += k
	}
}

func (h *Host) ReadFile(f subpage.File, addr, length uint64, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls.ReadFile++
	if err := h.injected("ReadFile"); err != nil {
		return 0, err
	}
	if err := h.access(addr, length, subpage.PROT_WRITE); err != nil {
		return 0, err
	}
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, err
	}
	h.each(addr, uint64(n), func(b []byte, done uint64) { copy(b, buf[done:]) })
	return n, nil
}

func (h *Host) CopyIn(addr uint64, dst []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls.CopyIn++
	if err := h.injected("CopyIn"); err != nil {
		return err
	}
	if err := h.access(addr, uint64(len(dst)), subpage.PROT_READ); err != nil {
		return err
	}
	h.each(addr, uint64(len(dst)), func(b []byte, done uint64) { copy(dst[done:], b) })
	return nil
}

func (h *Host) CopyOut(addr uint64, src []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls.CopyOut++
	if err := h.injected("CopyOut"); err != nil {
		return err
	}
	if err := h.access(addr, uint64(len(src)), subpage.PROT_WRITE); err != nil {
		return err
	}
	h.each(addr, uint64(len(src)), func(b []byte, done uint64) { copy(b, src[done:]) })
	return nil
}

func (h *Host) Zero(addr, length uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls.Zero++
	if err := h.injected("Zero"); err != nil {
		return err
	}
	if err := h.access(addr, length, subpage.PROT_WRITE); err != nil {
		return err
	}
	h.each(addr, length, func(b []byte, _ uint64) { clear(b) })
	return nil
}

func (h *Host) Query(addr uint64) (subpage.Mapping, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls.Query++
	base := addr &^ (h.native - 1)
	p, ok := h.pages[base]
	if !ok {
		return subpage.Mapping{}, false
	}
	return subpage.Mapping{
		Start:     base,
		End:       base + h.native,
		Prot:      p.prot,
		Shared:    p.shared,
		Anonymous: p.anon,
	}, true
}

// Access reports whether a guest access of kind prot at addr would succeed.
func (h *Host) Access(addr uint64, prot subpage.Prot) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.access(addr, 1, prot) == nil
}

// Mapped reports whether the native page holding addr is mapped.
func (h *Host) Mapped(addr uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pages[addr&^(h.native-1)]
	return ok
}

// Peek returns n bytes at addr regardless of protection.
func (h *Host) Peek(addr, n uint64) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.access(addr, n, subpage.PROT_NONE); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	h.each(addr, n, func(b []byte, done uint64) { copy(out[done:], b) })
	return out, nil
}

// Poke stores data at addr regardless of protection.
func (h *Host) Poke(addr uint64, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.access(addr, uint64(len(data)), subpage.PROT_NONE); err != nil {
		return err
	}
	h.each(addr, uint64(len(data)), func(b []byte, done uint64) { copy(b, data[done:]) })
	return nil
}

// Pages returns the base of every mapped native page in order.
func (h *Host) Pages() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uint64, 0, len(h.pages))
	for a := range h.pages {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// String lists the mapped pages, for test failure messages.
func (h *Host) String() string {
	var s string
	for _, a := range h.Pages() {
		m, _ := h.Query(a)
		s += fmt.Sprintf("%#x %v anon=%v\n", a, m.Prot, m.Anonymous)
	}
	return s
}

func roundUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}
