/* SPDX-License-Identifier: BSD-2-Clause */

package subpage

import (
	"github.com/google/btree"
)

const indexDegree = 8

func lessPartialPage(a, b *PartialPage) bool {
	return a.Base < b.Base
}

// Index is the ordered set of partial page records of one address space,
// keyed by native page base.
//
// Index is not safe for concurrent use; AddressSpace serializes access.
type Index struct {
	tree  *btree.BTreeG[*PartialPage]
	slots uint
	limit int

	// hint is the most recently looked up or inserted record.
	hint *PartialPage
}

// NewIndex returns an empty index of records with the given slot count. A
// positive limit bounds the number of records.
func NewIndex(slots uint, limit int) *Index {
	return &Index{
		tree:  btree.NewG(indexDegree, lessPartialPage),
		slots: slots,
		limit: limit,
	}
}

// Len returns the number of records.
func (x *Index) Len() int {
	return x.tree.Len()
}

// Slots returns the slot count of every record.
func (x *Index) Slots() uint {
	return x.slots
}

// Get returns the record for the native page at base.
func (x *Index) Get(base uint64) (*PartialPage, bool) {
	if x.hint != nil && x.hint.Base == base {
		return x.hint, true
	}
	pp, ok := x.tree.Get(&PartialPage{Base: base})
	if ok {
		x.hint = pp
	}
	return pp, ok
}

// Prev returns the record with the greatest base below base.
func (x *Index) Prev(base uint64) (*PartialPage, bool) {
	var prev *PartialPage
	if base == 0 {
		return nil, false
	}
	x.tree.DescendLessOrEqual(&PartialPage{Base: base - 1}, func(pp *PartialPage) bool {
		prev = pp
		return false
	})
	return prev, prev != nil
}

// Next returns the record with the least base above base.
func (x *Index) Next(base uint64) (*PartialPage, bool) {
	var next *PartialPage
	x.tree.AscendGreaterOrEqual(&PartialPage{Base: base}, func(pp *PartialPage) bool {
		if pp.Base == base {
			return true
		}
		next = pp
		return false
	})
	return next, next != nil
}

// room reports whether n more records fit under the limit.
func (x *Index) room(n int) bool {
	return x.limit <= 0 || x.tree.Len()+n <= x.limit
}

// Insert adds pp, replacing any record with the same base.
func (x *Index) Insert(pp *PartialPage) error {
	if _, exists := x.tree.Get(pp); !exists && !x.room(1) {
		return ErrOutOfMemory
	}
	x.put(pp)
	return nil
}

func (x *Index) put(pp *PartialPage) {
	x.tree.ReplaceOrInsert(pp)
	x.hint = pp
}

// Delete removes the record for the native page at base.
func (x *Index) Delete(base uint64) bool {
	if x.hint != nil && x.hint.Base == base {
		x.hint = nil
	}
	_, ok := x.tree.Delete(&PartialPage{Base: base})
	return ok
}

// DeleteRange removes every record with base in [start, end) and returns how
// many were removed.
func (x *Index) DeleteRange(start, end uint64) int {
	if start >= end {
		return 0
	}
	var doomed []*PartialPage
	x.tree.AscendRange(&PartialPage{Base: start}, &PartialPage{Base: end}, func(pp *PartialPage) bool {
		doomed = append(doomed, pp)
		return true
	})
	for _, pp := range doomed {
		x.Delete(pp.Base)
	}
	return len(doomed)
}

// Ascend calls fn for every record in base order until fn returns false.
func (x *Index) Ascend(fn func(*PartialPage) bool) {
	x.tree.Ascend(fn)
}

// AscendRange calls fn for records with base in [start, end), in order,
// until fn returns false.
func (x *Index) AscendRange(start, end uint64, fn func(*PartialPage) bool) {
	if start >= end {
		return
	}
	x.tree.AscendRange(&PartialPage{Base: start}, &PartialPage{Base: end}, fn)
}

// Clone returns a deep copy of the index. Mutating either copy leaves the
// other untouched.
func (x *Index) Clone() *Index {
	c := NewIndex(x.slots, x.limit)
	x.tree.Ascend(func(pp *PartialPage) bool {
		c.tree.ReplaceOrInsert(pp.clone())
		return true
	})
	return c
}

// Clear removes every record.
func (x *Index) Clear() {
	x.tree.Clear(false)
	x.hint = nil
}
