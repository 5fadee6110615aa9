/* SPDX-License-Identifier: BSD-2-Clause */

// Package subpage runs guests built for 4K pages on hosts whose native
// pages are larger.
//
// Several guest mappings may share one native page, each holding some of
// its 4K slots. The package tracks, per address space, which slots of each
// shared native page are claimed and turns every guest mmap, munmap,
// mprotect and mremap into native page operations on a Host that keep the
// guest's view intact.
package subpage

// mapSubpage maps guest range [start, end), which lies inside one native
// page, keeping the contents of the rest of that page. The page is replaced
// by an anonymous one holding the old contents outside the range and the
// file contents, or zeroes, inside it.
//
// Preconditions: e.as.mu is locked.
func (e *Emulator) mapSubpage(f File, start, end uint64, prot Prot, flags Flags, off int64) error {
	h := e.as.host
	page := e.pageStart(start)

	e.log.Debug("mmap subpage", "start", hex(start), "end", hex(end), "prot", prot,
		"offset", hex(uint64(off)))

	old, mapped := h.Query(page)
	var oldProt Prot
	if mapped {
		oldProt = old.Prot
	}

	cur := oldProt
	if oldProt&PROT_WRITE != 0 && f == nil && old.Anonymous {
		// Anonymous over writable anonymous memory: clearing in place is enough.
		if err := h.Zero(start, end-start); err != nil {
			return failCause(ErrFault, "mmap", start, end, err)
		}
	} else {
		var scratch []byte
		if oldProt != 0 {
			scratch = make([]byte, e.native)
			if err := h.CopyIn(page, scratch); err != nil {
				return failCause(ErrFault, "mmap", page, page+e.native, err)
			}
		}

		anon := flags&^(MAP_SHARED|MAP_FIXED) | MAP_PRIVATE | MAP_FIXED | MAP_ANONYMOUS
		cur = prot | PROT_WRITE
		if _, err := h.Map(nil, page, e.native, cur, anon, 0); err != nil {
			return err
		}

		if scratch != nil {
			if err := e.restore(page, start, end, scratch); err != nil {
				e.unwind(page, mapped, oldProt, scratch)
				return err
			}
		}

		if f != nil {
			if _, err := h.ReadFile(f, start, end-start, off); err != nil {
				e.unwind(page, mapped, oldProt, scratch)
				return failCause(ErrBackingStore, "mmap", start, end, err)
			}
		}
	}

	// Other mappings on the page keep every bit they had.
	if want := prot | oldProt; want != cur {
		return h.Protect(page, e.native, want)
	}
	return nil
}

// unwind puts a page back the way mapSubpage found it after a failed
// rebuild. A page nothing was mapped on is dropped again.
func (e *Emulator) unwind(page uint64, mapped bool, oldProt Prot, scratch []byte) {
	h := e.as.host
	if !mapped {
		_ = h.Unmap(page, e.native)
		return
	}
	if scratch != nil {
		if err := h.CopyOut(page, scratch); err != nil {
			e.log.Error("cannot restore subpage contents", "page", hex(page), "err", err)
		}
	}
	if err := h.Protect(page, e.native, oldProt); err != nil {
		e.log.Error("cannot restore subpage protection", "page", hex(page), "err", err)
	}
}

// restore copies back the parts of the saved page outside [start, end).
func (e *Emulator) restore(page, start, end uint64, scratch []byte) error {
	h := e.as.host
	if n := start - page; n != 0 {
		if err := h.CopyOut(page, scratch[:n]); err != nil {
			return failCause(ErrFault, "mmap", page, start, err)
		}
	}
	if n := end - page; n < e.native {
		if err := h.CopyOut(end, scratch[n:]); err != nil {
			return failCause(ErrFault, "mmap", end, page+e.native, err)
		}
	}
	return nil
}
