/* SPDX-License-Identifier: BSD-2-Clause */

package subpage

import "fmt"

// Prot is a PROT_* protection mask.
type Prot uint32

func (p Prot) String() string { return ProtString(p) }

// Flags is a MAP_* flag mask.
type Flags uint32

func (f Flags) has(mask Flags) bool { return f&mask != 0 }

// RemapFlags is a MREMAP_* flag mask.
type RemapFlags uint32

// Mapping describes the host mapping covering an address, as reported by
// MappingQuerier.Query.
type Mapping struct {
	Start     uint64
	End       uint64
	Prot      Prot
	Shared    bool
	Anonymous bool
}

// MapRequest carries the arguments of one guest mmap.
type MapRequest struct {
	Addr   uint64
	Length uint64
	Prot   Prot
	Flags  Flags
	File   File
	Offset int64
}

// MmapArgs is the argument block of the old-style 32-bit mmap syscall, which
// passes a pointer to it instead of six registers.
type MmapArgs struct {
	Addr   uint32
	Len    uint32
	Prot   uint32
	Flags  uint32
	Fd     uint32
	Offset uint32
}

// ReleaseStatus is the outcome of releasing the slots of one native page.
type ReleaseStatus int

const (
	// NoFragment means the range had no fragment on that edge.
	NoFragment ReleaseStatus = iota
	// Freed means no slot is claimed any more and the native page may be unmapped.
	Freed
	// StillPartial means other guest mappings still live in the native page.
	StillPartial
	// NotTracked means the native page was neither tracked nor mapped.
	NotTracked
)

var releaseStatusNames = [...]string{"NoFragment", "Freed", "StillPartial", "NotTracked"}

func (s ReleaseStatus) String() string {
	if s >= 0 && int(s) < len(releaseStatusNames) {
		return releaseStatusNames[s]
	}
	return fmt.Sprintf("ReleaseStatus(%d)", int(s))
}

// CompareResult is the outcome of comparing a range with the claimed slots
// of one native page.
type CompareResult int

const (
	// NoCompare means the range had no fragment on that edge.
	NoCompare CompareResult = iota
	// ExactFit means the range is the only claimed run in the native page.
	ExactFit
	// SubsetOfExisting means the native page holds other claims too, so its
	// protection may only be widened.
	SubsetOfExisting
	// OutOfBounds means the range reaches slots that are not claimed.
	OutOfBounds
)

var compareResultNames = [...]string{"NoCompare", "ExactFit", "SubsetOfExisting", "OutOfBounds"}

func (r CompareResult) String() string {
	if r >= 0 && int(r) < len(compareResultNames) {
		return compareResultNames[r]
	}
	return fmt.Sprintf("CompareResult(%d)", int(r))
}
