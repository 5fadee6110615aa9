/* SPDX-License-Identifier: BSD-2-Clause */

package subpage

import (
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// PartialPage records which guest-page slots of one native page are claimed
// by guest mappings. A native page is tracked only while some but not all of
// its slots are claimed.
type PartialPage struct {
	// Base is the native-page-aligned address of the page.
	Base uint64

	bits *bitset.BitSet
}

func newPartialPage(base uint64, slots uint) *PartialPage {
	return &PartialPage{Base: base, bits: bitset.New(slots)}
}

// Slots returns the number of guest pages in the native page.
func (p *PartialPage) Slots() uint {
	return p.bits.Len()
}

// Claimed reports whether slot i is claimed.
func (p *PartialPage) Claimed(i uint) bool {
	return p.bits.Test(i)
}

// Count returns the number of claimed slots.
func (p *PartialPage) Count() uint {
	return p.bits.Count()
}

// Empty reports whether no slot is claimed.
func (p *PartialPage) Empty() bool {
	return p.bits.None()
}

// Full reports whether every slot is claimed.
func (p *PartialPage) Full() bool {
	return p.bits.All()
}

// setRange claims slots [from, to).
func (p *PartialPage) setRange(from, to uint) {
	for i := from; i < to; i++ {
		p.bits.Set(i)
	}
}

// clearRange releases slots [from, to).
func (p *PartialPage) clearRange(from, to uint) {
	for i := from; i < to; i++ {
		p.bits.Clear(i)
	}
}

// run returns the bounds of the run of claimed slots containing slot i.
func (p *PartialPage) run(i uint) (first, end uint, ok bool) {
	n := p.Slots()
	if i >= n || !p.bits.Test(i) {
		return 0, 0, false
	}
	first = i
	for first > 0 && p.bits.Test(first-1) {
		first--
	}
	end = n
	if z, found := p.bits.NextClear(i); found && z < n {
		end = z
	}
	return first, end, true
}

// onlyRun reports whether [first, end) holds every claimed slot.
func (p *PartialPage) onlyRun(first, end uint) bool {
	return p.bits.Count() == end-first
}

func (p *PartialPage) clone() *PartialPage {
	return &PartialPage{Base: p.Base, bits: p.bits.Clone()}
}

// Equal reports whether both records describe the same page and slots.
func (p *PartialPage) Equal(q *PartialPage) bool {
	return p.Base == q.Base && p.bits.Equal(q.bits)
}

// String renders the slots, slot 0 first, e.g. "1001".
func (p *PartialPage) String() string {
	var b strings.Builder
	for i := uint(0); i < p.Slots(); i++ {
		if p.bits.Test(i) {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}
