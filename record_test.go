/* SPDX-License-Identifier: BSD-2-Clause */

package subpage

import "testing"

// pageOf builds a record from a slot string such as "1001".
func pageOf(base uint64, slots string) *PartialPage {
	pp := newPartialPage(base, uint(len(slots)))
	for i, c := range slots {
		if c == '1' {
			pp.setRange(uint(i), uint(i)+1)
		}
	}
	return pp
}

func TestPartialPageSetClear(t *testing.T) {
	pp := newPartialPage(0x10000, 4)
	if !pp.Empty() || pp.Full() {
		t.Fatalf("new record %s: want empty", pp)
	}

	pp.setRange(0, 1)
	pp.setRange(3, 4)
	if got := pp.String(); got != "1001" {
		t.Fatalf("slots = %s, want 1001", got)
	}
	if pp.Count() != 2 {
		t.Fatalf("Count = %d, want 2", pp.Count())
	}

	pp.setRange(1, 3)
	if !pp.Full() {
		t.Fatalf("slots = %s, want full", pp)
	}

	pp.clearRange(0, 4)
	if !pp.Empty() {
		t.Fatalf("slots = %s, want empty", pp)
	}
}

func TestPartialPageRun(t *testing.T) {
	tests := []struct {
		slots   string
		i       uint
		first   uint
		end     uint
		ok      bool
		onlyRun bool
	}{
		{"1100", 0, 0, 2, true, true},
		{"1100", 1, 0, 2, true, true},
		{"1100", 2, 0, 0, false, false},
		{"0111", 2, 1, 4, true, true},
		{"1011", 3, 2, 4, true, false},
		{"1011", 0, 0, 1, true, false},
		{"1000", 7, 0, 0, false, false},
	}

	for _, tt := range tests {
		pp := pageOf(0, tt.slots)
		first, end, ok := pp.run(tt.i)
		if ok != tt.ok || first != tt.first || end != tt.end {
			t.Errorf("%s.run(%d) = %d, %d, %v, want %d, %d, %v",
				tt.slots, tt.i, first, end, ok, tt.first, tt.end, tt.ok)
			continue
		}
		if ok && pp.onlyRun(first, end) != tt.onlyRun {
			t.Errorf("%s.onlyRun(%d, %d) = %v, want %v", tt.slots, first, end, !tt.onlyRun, tt.onlyRun)
		}
	}
}

func TestPartialPageCloneIsDeep(t *testing.T) {
	pp := pageOf(0x4000, "1000")
	c := pp.clone()
	c.setRange(1, 2)

	if pp.String() != "1000" {
		t.Fatalf("original changed to %s", pp)
	}
	if pp.Equal(c) {
		t.Fatalf("clone %s still equal to %s", c, pp)
	}
	c.clearRange(1, 2)
	if !pp.Equal(c) {
		t.Fatalf("clone %s differs from %s", c, pp)
	}
}
