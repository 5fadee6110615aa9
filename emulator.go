/* SPDX-License-Identifier: BSD-2-Clause */

package subpage

import (
	"errors"
	"fmt"
	"log/slog"
)

// Emulator implements guest mmap, munmap, mprotect and mremap over an
// address space whose native pages are larger than the guest's.
type Emulator struct {
	as     *AddressSpace
	cfg    Config
	native uint64
	guest  uint64
	log    *slog.Logger
}

// NewEmulator returns an emulator for as.
func NewEmulator(as *AddressSpace) *Emulator {
	cfg := as.Config()
	return &Emulator{
		as:     as,
		cfg:    cfg,
		native: cfg.NativePageSize,
		guest:  cfg.GuestPageSize,
		log:    cfg.logger(),
	}
}

// New returns an emulator over a fresh address space driving host.
func New(host Host, cfg Config) (*Emulator, error) {
	as, err := NewAddressSpace(host, cfg)
	if err != nil {
		return nil, err
	}
	return NewEmulator(as), nil
}

// AddressSpace returns the address space the emulator changes.
func (e *Emulator) AddressSpace() *AddressSpace {
	return e.as
}

func (e *Emulator) pageStart(a uint64) uint64  { return roundDown(a, e.native) }
func (e *Emulator) pageAlign(a uint64) uint64  { return roundUp(a, e.native) }
func (e *Emulator) offset(a uint64) uint64     { return a & (e.native - 1) }
func (e *Emulator) guestAlign(a uint64) uint64 { return roundUp(a, e.guest) }

// guestEnd returns the guest-page-aligned end of [addr, addr+length), or
// false if it wraps.
func (e *Emulator) guestEnd(addr, length uint64) (uint64, bool) {
	end := addr + length
	if end < addr {
		return 0, false
	}
	aligned := e.guestAlign(end)
	if aligned < end {
		return 0, false
	}
	return aligned, true
}

// Mmap maps a guest range and returns the address it landed at, which
// differs from req.Addr when placement is not fixed.
func (e *Emulator) Mmap(req MapRequest) (uint64, error) {
	f, flags := req.File, req.Flags
	if flags.has(MAP_ANONYMOUS) {
		f = nil
	} else if f == nil {
		return 0, fail(ErrBadFile, "mmap", req.Addr, req.Addr+req.Length)
	}
	if f != nil && !canMmap(f) {
		return 0, fail(ErrNoDevice, "mmap", req.Addr, req.Addr+req.Length)
	}

	length := e.guestAlign(req.Length)
	if length == 0 || length < req.Length {
		return 0, fail(ErrInvalidArgument, "mmap", req.Addr, req.Addr+req.Length)
	}
	fixed := flags.has(MAP_FIXED)
	if limit := e.cfg.AddressLimit; length > limit || req.Addr > limit-length {
		if fixed {
			return 0, fail(ErrOutOfMemory, "mmap", req.Addr, req.Addr+length)
		}
		return 0, fail(ErrInvalidArgument, "mmap", req.Addr, req.Addr+length)
	}
	if req.Offset < 0 || uint64(req.Offset)%e.guest != 0 {
		return 0, fmt.Errorf("mmap offset %#x: %w", req.Offset, ErrInvalidArgument)
	}
	if fixed && req.Addr%e.guest != 0 {
		return 0, fail(ErrInvalidArgument, "mmap", req.Addr, req.Addr+length)
	}
	prot := e.cfg.widen(req.Prot)
	if flags.has(MAP_HUGETLB) {
		return 0, fail(ErrOutOfMemory, "mmap", req.Addr, req.Addr+length)
	}

	e.log.Debug("mmap", "addr", hex(req.Addr), "len", hex(length), "prot", prot,
		"flags", hex(uint64(flags)), "offset", hex(uint64(req.Offset)))

	e.as.mu.Lock()
	defer e.as.mu.Unlock()

	start := roundDown(req.Addr, e.guest)
	if e.cfg.Passthrough() {
		return e.mapDirectLocked(f, start, length, prot, flags, req.Offset)
	}
	return e.mapLocked(f, start, length, prot, flags, req.Offset)
}

// mapDirectLocked maps a range that needs no emulation.
//
// Preconditions: e.as.mu is locked.
func (e *Emulator) mapDirectLocked(f File, start, length uint64, prot Prot, flags Flags, off int64) (uint64, error) {
	h := e.as.host
	if !flags.has(MAP_FIXED) {
		base, err := h.FindFreeRegion(f, start, length, flags)
		if err != nil {
			return 0, err
		}
		start = base
	}
	return h.Map(f, start, length, prot, flags|MAP_FIXED, off)
}

// mapLocked places [start, start+length) over native pages. Fixed edges
// that share a native page with other mappings are rebuilt by mapSubpage;
// the native pages in between are mapped whole.
//
// Preconditions: e.as.mu is locked.
func (e *Emulator) mapLocked(f File, start, length uint64, prot Prot, flags Flags, off int64) (uint64, error) {
	h, t := e.as.host, e.as.tracker
	fixed := flags.has(MAP_FIXED)
	shared := flags.has(MAP_SHARED)

	end := start + length
	pstart, pend := e.pageStart(start), e.pageAlign(end)

	var head, tail, body *Update
	var headEnd, tailStart uint64
	var err error

	if fixed {
		// Plan against the mappings as they are before anything is replaced.
		if start > pstart {
			headEnd = min(e.pageAlign(start), end)
			if head, err = t.PlanClaim(start, headEnd, true); err != nil {
				return 0, err
			}
			pstart += e.native
		}
		if end < pend && pstart < pend {
			tailStart = max(start, e.pageStart(end))
			if tail, err = t.PlanClaim(tailStart, end, true); err != nil {
				return 0, err
			}
			pend -= e.native
		}
		if pstart < pend {
			if body, err = t.PlanClaim(pstart, pend, true); err != nil {
				return 0, err
			}
		}
		if !merge(head, tail, body).fits() {
			return 0, fail(ErrOutOfMemory, "mmap", start, end)
		}
	} else {
		// Large enough both at the hint and once moved congruent.
		need := max(pend-pstart, e.pageAlign(e.offset(uint64(off))+length))
		base, err := h.FindFreeRegion(f, pstart, need, flags)
		if err != nil {
			return 0, err
		}
		if base != pstart {
			// Keep the file offset congruent with the native page.
			pstart = base
			start = pstart + e.offset(uint64(off))
			end = start + length
			pend = e.pageAlign(end)
		}
		if end > e.cfg.AddressLimit {
			return 0, fail(ErrOutOfMemory, "mmap", start, end)
		}
		if body, err = t.PlanClaim(start, end, false); err != nil {
			return 0, err
		}
	}

	poff := off + int64(pstart) - int64(start)
	congruent := f == nil || e.offset(uint64(poff)) == 0
	if shared && f != nil && !congruent && pstart < pend {
		if e.cfg.SharePolicy == ShareReject {
			return 0, fail(ErrIncongruentShare, "mmap", start, end)
		}
		e.log.Warn("cannot share contents of incongruent mapping, mapping privately",
			"addr", hex(start), "offset", hex(uint64(off)))
		flags = flags&^MAP_SHARED | MAP_PRIVATE
	}

	// Fragments already in place, released again if a later step fails.
	var placed [][2]uint64
	if head != nil {
		if shared {
			e.log.Warn("cannot share head of mapping", "addr", hex(start))
		}
		if err := e.mapSubpage(f, start, headEnd, prot, flags, off); err != nil {
			return 0, err
		}
		head.Commit()
		placed = append(placed, [2]uint64{start, headEnd})
	}
	if tail != nil {
		if shared {
			e.log.Warn("cannot share tail of mapping", "end", hex(end))
		}
		if err := e.mapSubpage(f, tailStart, end, prot, flags, off+int64(tailStart-start)); err != nil {
			e.unplace(placed)
			return 0, err
		}
		tail.Commit()
		placed = append(placed, [2]uint64{tailStart, end})
	}
	if pstart >= pend {
		return start, nil
	}

	e.log.Debug("mmap body", "start", hex(pstart), "end", hex(pend), "congruent", congruent)

	if f != nil && congruent {
		_, err = h.Map(f, pstart, pend-pstart, prot, flags|MAP_FIXED, poff)
	} else {
		bodyProt := prot
		if f != nil {
			bodyProt |= PROT_WRITE
		}
		_, err = h.Map(nil, pstart, pend-pstart, bodyProt, flags|MAP_FIXED|MAP_ANONYMOUS, 0)
	}
	if err != nil {
		e.unplace(placed)
		return 0, err
	}

	if !congruent {
		dst := max(pstart, start)
		if _, err := h.ReadFile(f, dst, pend-dst, off+int64(dst-start)); err != nil {
			e.unplace(append(placed, [2]uint64{pstart, pend}))
			return 0, failCause(ErrBackingStore, "mmap", pstart, pend, err)
		}
		if prot&PROT_WRITE == 0 {
			if err := h.Protect(pstart, pend-pstart, prot); err != nil {
				e.unplace(append(placed, [2]uint64{pstart, pend}))
				return 0, err
			}
		}
	}

	if body != nil {
		body.Commit()
	}
	return start, nil
}

// unplace releases the fragments of a mapping that failed part way.
//
// Preconditions: e.as.mu is locked.
func (e *Emulator) unplace(placed [][2]uint64) {
	for _, r := range placed {
		if err := e.unmapLocked(r[0], r[1]); err != nil {
			e.log.Error("cannot release partly mapped fragment", "start", hex(r[0]), "end", hex(r[1]), "err", err)
		}
	}
}

// Munmap unmaps a guest range. Native pages still holding other guest
// mappings stay mapped.
func (e *Emulator) Munmap(addr, length uint64) error {
	if addr%e.guest != 0 {
		return fail(ErrInvalidArgument, "munmap", addr, addr+length)
	}
	end, ok := e.guestEnd(addr, length)
	if !ok || addr >= end || end > e.cfg.AddressLimit {
		return fail(ErrInvalidArgument, "munmap", addr, addr+length)
	}

	e.log.Debug("munmap", "addr", hex(addr), "end", hex(end))

	e.as.mu.Lock()
	defer e.as.mu.Unlock()
	return e.unmapLocked(addr, end)
}

// Preconditions: e.as.mu is locked.
func (e *Emulator) unmapLocked(start, end uint64) error {
	h := e.as.host
	if e.cfg.Passthrough() {
		return h.Unmap(start, end-start)
	}

	u, r, err := e.as.tracker.PlanRelease(start, end)
	if err != nil {
		if errors.Is(err, ErrInconsistent) {
			e.log.Error("partial page tracking out of step with host mappings",
				"start", hex(start), "end", hex(end), "err", err)
		}
		return err
	}
	if r.Start < r.End {
		if err := h.Unmap(r.Start, r.End-r.Start); err != nil {
			return err
		}
	}
	u.Commit()
	return nil
}

// Mprotect changes the protection of a guest range. A native page shared
// with other guest mappings only ever gains access.
func (e *Emulator) Mprotect(addr, length uint64, prot Prot) error {
	prot = e.cfg.widen(prot)
	if addr%e.guest != 0 {
		return fail(ErrInvalidArgument, "mprotect", addr, addr+length)
	}
	end, ok := e.guestEnd(addr, length)
	if !ok {
		return fail(ErrInvalidArgument, "mprotect", addr, addr+length)
	}
	if end == addr {
		return nil
	}

	e.log.Debug("mprotect", "addr", hex(addr), "end", hex(end), "prot", prot)

	e.as.mu.Lock()
	defer e.as.mu.Unlock()

	h := e.as.host
	if e.cfg.Passthrough() {
		return h.Protect(addr, end-addr, prot)
	}

	c, err := e.as.tracker.Compare(addr, end)
	if err != nil {
		return err
	}
	start, end := c.Start, c.End
	if e.offset(start) != 0 {
		if err := e.protectSubpage(e.pageStart(start), prot); err != nil {
			return err
		}
		start = e.pageAlign(start)
		if start >= end {
			return nil
		}
	}
	if e.offset(end) != 0 {
		if err := e.protectSubpage(e.pageStart(end), prot); err != nil {
			return err
		}
		end = e.pageStart(end)
	}
	if start < end {
		return h.Protect(start, end-start, prot)
	}
	return nil
}

// protectSubpage gives a shared native page the union of its current and
// the requested protection.
//
// Preconditions: e.as.mu is locked.
func (e *Emulator) protectSubpage(page uint64, prot Prot) error {
	if prot == PROT_NONE {
		return nil
	}
	h := e.as.host
	old, _ := h.Query(page)
	return h.Protect(page, e.native, prot|old.Prot)
}

// Mremap resizes or moves a guest mapping and returns its new address.
func (e *Emulator) Mremap(addr, oldLen, newLen uint64, flags RemapFlags, newAddr uint64) (uint64, error) {
	if addr%e.guest != 0 {
		return 0, fail(ErrInvalidArgument, "mremap", addr, addr+oldLen)
	}
	oldLen, newLen = e.guestAlign(oldLen), e.guestAlign(newLen)
	if newLen == 0 {
		return 0, fail(ErrInvalidArgument, "mremap", addr, addr+oldLen)
	}
	fixed := flags&MREMAP_FIXED != 0
	if fixed && (newAddr%e.guest != 0 || flags&MREMAP_MAYMOVE == 0) {
		return 0, fail(ErrInvalidArgument, "mremap", newAddr, newAddr+newLen)
	}
	if _, ok := e.guestEnd(addr, max(oldLen, newLen)); !ok {
		return 0, fail(ErrInvalidArgument, "mremap", addr, addr+oldLen)
	}

	e.log.Debug("mremap", "addr", hex(addr), "old_len", hex(oldLen), "new_len", hex(newLen),
		"flags", hex(uint64(flags)), "new_addr", hex(newAddr))

	e.as.mu.Lock()
	defer e.as.mu.Unlock()

	if e.cfg.Passthrough() {
		return e.as.host.Remap(addr, oldLen, newLen, flags, newAddr)
	}

	if oldLen >= newLen {
		if oldLen != newLen {
			if addr+oldLen > e.cfg.AddressLimit {
				return 0, fail(ErrInvalidArgument, "mremap", addr, addr+oldLen)
			}
			if err := e.unmapLocked(addr+newLen, addr+oldLen); err != nil {
				return 0, err
			}
		}
		if !fixed || newAddr == addr {
			return addr, nil
		}
		oldLen = newLen
	}
	return e.remapLocked(addr, oldLen, newLen, flags, newAddr)
}

// Preconditions: e.as.mu is locked.
func (e *Emulator) remapLocked(addr, oldLen, newLen uint64, flags RemapFlags, newAddr uint64) (uint64, error) {
	h, t := e.as.host, e.as.tracker
	fixed := flags&MREMAP_FIXED != 0
	oldEnd, newEnd := addr+oldLen, addr+newLen

	if newEnd > e.cfg.AddressLimit && flags&MREMAP_MAYMOVE == 0 {
		return 0, fail(ErrOutOfMemory, "mremap", addr, newEnd)
	}
	if fixed && e.offset(newAddr) != e.offset(addr) {
		return 0, fail(ErrInvalidArgument, "mremap", newAddr, newAddr+newLen)
	}
	if newEnd > oldEnd && e.offset(oldEnd) != 0 &&
		!t.Vacant(oldEnd, min(newEnd, e.pageAlign(oldEnd))) {
		return 0, fail(ErrNoRoom, "mremap", oldEnd, newEnd)
	}
	if flags&MREMAP_MAYMOVE != 0 && !t.Exclusive(addr, oldEnd) {
		// The edge pages carry other mappings along if they move.
		if fixed {
			return 0, fail(ErrInvalidArgument, "mremap", addr, oldEnd)
		}
		flags &^= MREMAP_MAYMOVE
	}

	var grow *Update
	if newEnd > oldEnd {
		var err error
		if grow, err = t.PlanClaim(oldEnd, newEnd, false); err != nil {
			return 0, err
		}
	}

	pAddr := e.pageStart(addr)
	pOld := e.pageAlign(oldEnd) - pAddr
	pNew := e.pageAlign(newEnd) - pAddr
	res := pAddr
	if pOld != pNew || fixed && newAddr != addr {
		var dst uint64
		if fixed {
			dst = e.pageStart(newAddr)
		}
		var err error
		if res, err = h.Remap(pAddr, pOld, pNew, flags, dst); err != nil {
			return 0, err
		}
	}

	delta := res - pAddr
	if delta != 0 {
		t.PlanMove(addr, oldEnd, delta).Commit()
	}
	if grow != nil {
		grow.Rebase(delta)
		grow.Commit()
	}
	return addr + delta, nil
}

// merge collects the changes of several updates, for checking them
// against the record limit together.
func merge(us ...*Update) *Update {
	var m *Update
	for _, u := range us {
		if u == nil {
			continue
		}
		if m == nil {
			m = &Update{t: u.t}
		}
		m.drops = append(m.drops, u.drops...)
		m.moves = append(m.moves, u.moves...)
		m.edits = append(m.edits, u.edits...)
	}
	if m == nil {
		return &Update{}
	}
	return m
}

type hex uint64

func (h hex) LogValue() slog.Value {
	return slog.StringValue(fmt.Sprintf("%#x", uint64(h)))
}
