/* SPDX-License-Identifier: BSD-2-Clause */

package subpage

import (
	"testing"
	"unsafe"
)

func TestStructSizes(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"MmapArgs", unsafe.Sizeof(MmapArgs{}), mmapArgsSize},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s size = %d, want %d", tt.name, tt.got, tt.want)
		}
	}
}

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{NoFragment.String(), "NoFragment"},
		{Freed.String(), "Freed"},
		{StillPartial.String(), "StillPartial"},
		{NotTracked.String(), "NotTracked"},
		{ReleaseStatus(9).String(), "ReleaseStatus(9)"},
		{NoCompare.String(), "NoCompare"},
		{ExactFit.String(), "ExactFit"},
		{SubsetOfExisting.String(), "SubsetOfExisting"},
		{OutOfBounds.String(), "OutOfBounds"},
		{CompareResult(-1).String(), "CompareResult(-1)"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}
