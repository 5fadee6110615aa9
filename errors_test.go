/* SPDX-License-Identifier: BSD-2-Clause */

package subpage

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestErrorImplementsError(t *testing.T) {
	var e error = ErrOutOfMemory
	if e.Error() == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestErrorIs(t *testing.T) {
	err := fail(ErrNotMapped, "compare", 0x1000, 0x2000)

	if !errors.Is(err, ErrNotMapped) {
		t.Fatalf("expected errors.Is to match its kind")
	}
	if !errors.Is(err, unix.ENOMEM) {
		t.Fatalf("expected errors.Is to match the kind's errno")
	}

	// Kinds sharing an errno stay distinct
	if errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("unexpected match against another ENOMEM kind")
	}
	if errors.Is(err, unix.EINVAL) {
		t.Fatalf("unexpected match against unrelated errno")
	}
}

func TestFailCauseKeepsBoth(t *testing.T) {
	cause := os.NewSyscallError("mmap", unix.EACCES)
	err := failCause(ErrBackingStore, "mmap", 0, 0x1000, cause)

	if !errors.Is(err, ErrBackingStore) {
		t.Fatalf("kind lost: %v", err)
	}
	if !errors.Is(err, unix.EACCES) {
		t.Fatalf("cause lost: %v", err)
	}
	if got := ErrnoOf(err); got != unix.EINVAL {
		t.Fatalf("ErrnoOf = %v, want %v", got, unix.EINVAL)
	}
}

func TestErrnoOf(t *testing.T) {
	tests := []struct {
		err  error
		want unix.Errno
	}{
		{nil, 0},
		{ErrBadFile, unix.EBADF},
		{fail(ErrNoDevice, "mmap", 0, 1), unix.ENODEV},
		{fail(ErrFault, "mmap", 0, 1), unix.EFAULT},
		{fmt.Errorf("wrapped: %w", os.NewSyscallError("mremap", unix.EAGAIN)), unix.EAGAIN},
		{errors.New("something else"), unix.EINVAL},
	}

	for _, tt := range tests {
		if got := ErrnoOf(tt.err); got != tt.want {
			t.Errorf("ErrnoOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestProtString(t *testing.T) {
	tests := []struct {
		prot Prot
		want string
	}{
		{PROT_NONE, "PROT_NONE"},
		{PROT_READ, "PROT_READ"},
		{PROT_READ | PROT_WRITE, "PROT_READ|PROT_WRITE"},
		{PROT_READ | PROT_WRITE | PROT_EXEC, "PROT_READ|PROT_WRITE|PROT_EXEC"},
		{PROT_EXEC | 0x10, "PROT_EXEC|0x10"},
	}

	for _, tt := range tests {
		if got := tt.prot.String(); got != tt.want {
			t.Errorf("Prot(%#x).String() = %q, want %q", uint32(tt.prot), got, tt.want)
		}
	}
}
