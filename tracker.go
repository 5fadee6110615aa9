/* SPDX-License-Identifier: BSD-2-Clause */

package subpage

// Tracker keeps the partial page index of an address space in step with the
// guest mappings laid over its native pages.
//
// Every operation works on a guest range [start, end) aligned to guest pages.
// The range is cut into at most two fragments: the head, inside the native
// page holding start, and the tail, inside the native page holding end. Native
// pages strictly inside the range are never partial.
//
// Preconditions for all methods: the owning AddressSpace is locked.
type Tracker struct {
	index  *Index
	host   MappingQuerier
	native uint64
	guest  uint64
}

// NewTracker returns a tracker over index. host answers whether a native
// page is mapped when the index has no record for it.
func NewTracker(index *Index, host MappingQuerier, nativePageSize, guestPageSize uint64) *Tracker {
	return &Tracker{
		index:  index,
		host:   host,
		native: nativePageSize,
		guest:  guestPageSize,
	}
}

func (t *Tracker) pageStart(a uint64) uint64 { return roundDown(a, t.native) }
func (t *Tracker) pageAlign(a uint64) uint64 { return roundUp(a, t.native) }
func (t *Tracker) offset(a uint64) uint64    { return a & (t.native - 1) }

func (t *Tracker) slot(a uint64) uint {
	return uint(t.offset(a) / t.guest)
}

// endSlot is slot for an exclusive end. An end on a native boundary closes
// the whole page.
func (t *Tracker) endSlot(a uint64) uint {
	if t.offset(a) == 0 {
		return t.index.Slots()
	}
	return t.slot(a)
}

// mapped reports whether the host maps the native page at base.
func (t *Tracker) mapped(base uint64) bool {
	if t.host == nil {
		return false
	}
	_, ok := t.host.Query(base)
	return ok
}

// Release describes what Tracker.Release did to a range.
type Release struct {
	Head StatusPair
	Tail StatusPair
	// [Start, End) is the native range the caller must unmap. It is empty
	// when every touched native page still holds other mappings.
	Start uint64
	End   uint64
}

// StatusPair is the outcome for one fragment.
type StatusPair struct {
	Base   uint64
	Status ReleaseStatus
}

// Comparison describes what Tracker.Compare found for a range.
type Comparison struct {
	Head CompareResult
	Tail CompareResult
	// [Start, End) is the range after rounding ExactFit edges out to native
	// pages. An edge left unaligned holds other mappings.
	Start uint64
	End   uint64
}

// Claim marks [start, end) as claimed. With fixed, records of native pages
// entirely inside the range are dropped first, since a fixed mapping is
// about to replace them.
func (t *Tracker) Claim(start, end uint64, fixed bool) error {
	u, err := t.PlanClaim(start, end, fixed)
	if err != nil {
		return err
	}
	u.Commit()
	return nil
}

// PlanClaim computes Claim without applying it.
func (t *Tracker) PlanClaim(start, end uint64, fixed bool) (*Update, error) {
	u := &Update{t: t}
	if start >= end {
		return u, nil
	}
	if fixed {
		u.dropRange(t.pageAlign(start), t.pageStart(end))
	}
	if end < t.pageAlign(start) {
		u.set(start, end, fixed)
	} else {
		if t.offset(start) != 0 {
			u.set(start, t.pageAlign(start), fixed)
		}
		if t.offset(end) != 0 {
			u.set(t.pageStart(end), end, fixed)
		}
	}
	if !u.fits() {
		return nil, fail(ErrOutOfMemory, "claim", start, end)
	}
	return u, nil
}

// Release clears [start, end) and reports which native pages the caller
// may unmap.
func (t *Tracker) Release(start, end uint64) (Release, error) {
	u, r, err := t.PlanRelease(start, end)
	if err != nil {
		return r, err
	}
	u.Commit()
	return r, nil
}

// PlanRelease computes Release without applying it.
func (t *Tracker) PlanRelease(start, end uint64) (*Update, Release, error) {
	u := &Update{t: t}
	r := Release{Start: start, End: end}
	if start >= end {
		return u, r, nil
	}

	u.dropRange(t.pageAlign(start), t.pageStart(end))

	if end < t.pageAlign(start) {
		r.Head = u.unset(start, end)
		switch r.Head.Status {
		case Freed:
			r.Start, r.End = t.pageStart(start), t.pageAlign(end)
		case StillPartial:
			r.Start, r.End = t.pageStart(start), t.pageStart(start)
		}
	} else {
		if t.offset(start) != 0 {
			r.Head = u.unset(start, t.pageAlign(start))
			switch r.Head.Status {
			case Freed:
				r.Start = t.pageStart(start)
			case StillPartial:
				r.Start = t.pageAlign(start)
			}
		}
		if t.offset(end) != 0 && r.Head.Status != NotTracked {
			r.Tail = u.unset(t.pageStart(end), end)
			switch r.Tail.Status {
			case Freed:
				r.End = t.pageAlign(end)
			case StillPartial:
				r.End = t.pageStart(end)
			}
		}
	}

	if r.Head.Status == NotTracked {
		return nil, r, fail(ErrInconsistent, "release", r.Head.Base, r.Head.Base+t.native)
	}
	if r.Tail.Status == NotTracked {
		return nil, r, fail(ErrInconsistent, "release", r.Tail.Base, r.Tail.Base+t.native)
	}
	if !u.fits() {
		return nil, r, fail(ErrOutOfMemory, "release", start, end)
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return u, r, nil
}

// Compare checks [start, end) against the claimed runs of its edge pages,
// before a protection change.
func (t *Tracker) Compare(start, end uint64) (Comparison, error) {
	c := Comparison{Start: start, End: end}
	if start >= end {
		return c, nil
	}

	if end < t.pageAlign(start) {
		c.Head = t.compare(start, end)
		if c.Head == ExactFit {
			c.Start, c.End = t.pageStart(start), t.pageAlign(end)
		}
	} else {
		if t.offset(start) != 0 {
			c.Head = t.compare(start, t.pageAlign(start))
			if c.Head == ExactFit {
				c.Start = t.pageStart(start)
			}
		}
		if t.offset(end) != 0 && c.Head != OutOfBounds {
			c.Tail = t.compare(t.pageStart(end), end)
			if c.Tail == ExactFit {
				c.End = t.pageAlign(end)
			}
		}
	}

	if c.Head == OutOfBounds || c.Tail == OutOfBounds {
		return c, fail(ErrNotMapped, "compare", start, end)
	}
	return c, nil
}

// compare handles one fragment inside a single native page.
func (t *Tracker) compare(start, end uint64) CompareResult {
	pp, ok := t.index.Get(t.pageStart(start))
	if !ok {
		// A whole ordinary mapping, or nothing at all; either way the page
		// may only be widened.
		return SubsetOfExisting
	}
	from, to := t.slot(start), t.endSlot(end)
	first, runEnd, ok := pp.run(from)
	if !ok || to > runEnd {
		return OutOfBounds
	}
	if from == first && to == runEnd && pp.onlyRun(first, runEnd) {
		return ExactFit
	}
	return SubsetOfExisting
}

// Vacant reports whether no slot of [start, end) is claimed. The range must
// lie within one native page.
func (t *Tracker) Vacant(start, end uint64) bool {
	if start >= end {
		return true
	}
	base := t.pageStart(start)
	pp, ok := t.index.Get(base)
	if !ok {
		return !t.mapped(base)
	}
	for i := t.slot(start); i < t.endSlot(end); i++ {
		if pp.Claimed(i) {
			return false
		}
	}
	return true
}

// Exclusive reports whether the edge pages of [start, end) hold no claims
// outside the range, so that the native pages covering it can move.
func (t *Tracker) Exclusive(start, end uint64) bool {
	if start >= end {
		return true
	}
	if t.offset(start) != 0 && !t.Vacant(t.pageStart(start), start) {
		return false
	}
	if t.offset(end) != 0 && !t.Vacant(end, t.pageAlign(end)) {
		return false
	}
	return true
}

// PlanMove computes moving every record of the native pages covering
// [start, end) by delta, dropping records already at the destination.
func (t *Tracker) PlanMove(start, end, delta uint64) *Update {
	u := &Update{t: t}
	if start >= end || delta == 0 {
		return u
	}
	ps, pe := t.pageStart(start), t.pageAlign(end)
	u.moves = append(u.moves, move{start: ps, end: pe, delta: delta})
	return u
}

type pageEdit struct {
	base uint64
	// pp is the new state of the page; nil deletes its record.
	pp  *PartialPage
	add bool
}

type move struct {
	start, end uint64
	delta      uint64
}

// Update is a computed but not yet applied change to the index.
type Update struct {
	t     *Tracker
	drops [][2]uint64
	moves []move
	edits []pageEdit
}

func (u *Update) dropRange(start, end uint64) {
	if start < end {
		u.drops = append(u.drops, [2]uint64{start, end})
	}
}

func (u *Update) set(start, end uint64, fixed bool) {
	t := u.t
	base := t.pageStart(start)
	from, to := t.slot(start), t.endSlot(end)

	if cur, ok := t.index.Get(base); ok {
		pp := cur.clone()
		pp.setRange(from, to)
		if pp.Full() {
			u.edits = append(u.edits, pageEdit{base: base})
		} else {
			u.edits = append(u.edits, pageEdit{base: base, pp: pp})
		}
		return
	}

	// A fixed mapping may overlap a native page that is already mapped in
	// full; it stays a plain page.
	if fixed && t.mapped(base) {
		return
	}

	pp := newPartialPage(base, t.index.Slots())
	pp.setRange(from, to)
	if pp.Full() {
		return
	}
	u.edits = append(u.edits, pageEdit{base: base, pp: pp, add: true})
}

func (u *Update) unset(start, end uint64) StatusPair {
	t := u.t
	base := t.pageStart(start)
	from, to := t.slot(start), t.endSlot(end)

	if cur, ok := t.index.Get(base); ok {
		pp := cur.clone()
		pp.clearRange(from, to)
		if pp.Empty() {
			u.edits = append(u.edits, pageEdit{base: base})
			return StatusPair{Base: base, Status: Freed}
		}
		u.edits = append(u.edits, pageEdit{base: base, pp: pp})
		return StatusPair{Base: base, Status: StillPartial}
	}

	if !t.mapped(base) {
		return StatusPair{Base: base, Status: NotTracked}
	}

	// The page was one plain mapping; everything but the released slots
	// stays claimed.
	pp := newPartialPage(base, t.index.Slots())
	pp.setRange(0, from)
	pp.setRange(to, t.index.Slots())
	u.edits = append(u.edits, pageEdit{base: base, pp: pp, add: true})
	return StatusPair{Base: base, Status: StillPartial}
}

// fits reports whether the records added by u stay within the index limit.
func (u *Update) fits() bool {
	if u.t == nil {
		return true
	}
	x := u.t.index
	if x.limit <= 0 {
		return true
	}
	n := x.Len()
	for _, d := range u.drops {
		x.AscendRange(d[0], d[1], func(*PartialPage) bool {
			n--
			return true
		})
	}
	for _, e := range u.edits {
		switch {
		case e.add:
			n++
		case e.pp == nil:
			n--
		}
	}
	return n <= x.limit
}

// Rebase shifts every page edit of u by delta, for updates planned at an
// address the range later moved away from.
func (u *Update) Rebase(delta uint64) {
	for i := range u.edits {
		u.edits[i].base += delta
		if u.edits[i].pp != nil {
			u.edits[i].pp.Base += delta
		}
	}
}

// Empty reports whether committing u would change nothing.
func (u *Update) Empty() bool {
	return len(u.drops) == 0 && len(u.moves) == 0 && len(u.edits) == 0
}

// Commit applies u to the index.
func (u *Update) Commit() {
	x := u.t.index
	for _, d := range u.drops {
		x.DeleteRange(d[0], d[1])
	}
	for _, m := range u.moves {
		var moved []*PartialPage
		x.AscendRange(m.start, m.end, func(pp *PartialPage) bool {
			moved = append(moved, pp)
			return true
		})
		for _, pp := range moved {
			x.Delete(pp.Base)
		}
		x.DeleteRange(m.start+m.delta, m.end+m.delta)
		for _, pp := range moved {
			pp.Base += m.delta
			x.put(pp)
		}
	}
	for _, e := range u.edits {
		if e.pp == nil {
			x.Delete(e.base)
		} else {
			x.put(e.pp)
		}
	}
}
