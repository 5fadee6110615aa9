/* SPDX-License-Identifier: BSD-2-Clause */

package subpage

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	ErrInvalidArgument  = &Error{Errno: unix.EINVAL, msg: "invalid argument"}
	ErrOutOfMemory      = &Error{Errno: unix.ENOMEM, msg: "partial page record allocation failed"}
	ErrBadFile          = &Error{Errno: unix.EBADF, msg: "bad file descriptor"}
	ErrFault            = &Error{Errno: unix.EFAULT, msg: "fault copying guest page contents"}
	ErrNoDevice         = &Error{Errno: unix.ENODEV, msg: "file does not support mapping"}
	ErrBackingStore     = &Error{Errno: unix.EINVAL, msg: "reading backing file failed"}
	ErrInconsistent     = &Error{Errno: unix.ENOMEM, msg: "release of native page neither tracked nor mapped"}
	ErrIncongruentShare = &Error{Errno: unix.EINVAL, msg: "shared mapping offset not congruent with native page"}
	ErrNotMapped        = &Error{Errno: unix.ENOMEM, msg: "range reaches guest pages that are not mapped"}
	ErrNoRoom           = &Error{Errno: unix.ENOMEM, msg: "guest pages past the mapping are in use"}
)

// Error is an emulation failure kind. Every kind carries the errno handed
// back to the guest.
type Error struct {
	Errno unix.Errno
	msg   string
}

func (e *Error) Error() string {
	return e.msg
}

// Is matches the same kind or the kind's errno, so that
// errors.Is(err, unix.EINVAL) holds for every EINVAL kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return t == e
	case unix.Errno:
		return t == e.Errno
	}
	return false
}

// ErrnoOf returns the errno to report to the guest for err.
func ErrnoOf(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Errno
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EINVAL
}

// fail annotates kind with the operation and range it failed on.
func fail(kind *Error, op string, start, end uint64) error {
	return fmt.Errorf("%s [%#x-%#x): %w", op, start, end, kind)
}

// failCause is fail keeping the underlying error in the chain.
func failCause(kind *Error, op string, start, end uint64, cause error) error {
	return fmt.Errorf("%s [%#x-%#x): %w: %w", op, start, end, kind, cause)
}

// ProtString converts a protection mask into a human-readable flag list.
func ProtString(prot Prot) string {
	var parts []string

	if prot&PROT_READ != 0 {
		parts = append(parts, "PROT_READ")
	}
	if prot&PROT_WRITE != 0 {
		parts = append(parts, "PROT_WRITE")
	}
	if prot&PROT_EXEC != 0 {
		parts = append(parts, "PROT_EXEC")
	}

	if rest := prot &^ (PROT_READ | PROT_WRITE | PROT_EXEC); rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	if len(parts) == 0 {
		return "PROT_NONE"
	}
	return strings.Join(parts, "|")
}
