/* SPDX-License-Identifier: BSD-2-Clause */

package subpage

import (
	"fmt"
	"log/slog"
)

// SharePolicy selects what happens to a shared file mapping whose offset
// cannot be made congruent with the native page.
type SharePolicy int

const (
	// ShareDegrade maps the range privately and logs a warning. Writes are no
	// longer visible to other mappers of the file.
	ShareDegrade SharePolicy = iota
	// ShareReject fails the mapping with ErrIncongruentShare.
	ShareReject
)

// Config holds the page geometry and policies of an emulated address space.
type Config struct {
	// GuestPageSize is the page size the guest assumes.
	GuestPageSize uint64
	// NativePageSize is the granularity of every host operation. It may be
	// any multiple of HostPageSize.
	NativePageSize uint64
	// AddressLimit is the end of the guest's usable address space.
	AddressLimit uint64
	// MaxRecords bounds the number of partial page records; 0 is unbounded.
	MaxRecords int
	// WidenProt maps guest protection onto what the guest ISA grants.
	WidenProt func(Prot) Prot
	SharePolicy SharePolicy
	Logger      *slog.Logger
}

// DefaultConfig returns the configuration for a 32-bit x86 guest on the
// running host.
func DefaultConfig() Config {
	return Config{
		GuestPageSize:  GuestPageSize,
		NativePageSize: HostPageSize,
		AddressLimit:   GuestAddressLimit,
		WidenProt:      ProtX86,
		SharePolicy:    ShareDegrade,
	}
}

// Validate checks the page geometry.
func (c *Config) Validate() error {
	if !isPowerOfTwo(c.GuestPageSize) {
		return fmt.Errorf("guest page size %d is not a power of two: %w", c.GuestPageSize, ErrInvalidArgument)
	}
	if !isPowerOfTwo(c.NativePageSize) {
		return fmt.Errorf("native page size %d is not a power of two: %w", c.NativePageSize, ErrInvalidArgument)
	}
	if c.AddressLimit == 0 || c.AddressLimit%c.GuestPageSize != 0 {
		return fmt.Errorf("address limit %#x is not page aligned: %w", c.AddressLimit, ErrInvalidArgument)
	}
	if c.MaxRecords < 0 {
		return fmt.Errorf("negative record limit %d: %w", c.MaxRecords, ErrInvalidArgument)
	}
	return nil
}

// Passthrough reports whether guest pages are at least as large as native
// pages, in which case no emulation is needed.
func (c *Config) Passthrough() bool {
	return c.GuestPageSize >= c.NativePageSize
}

func (c *Config) widen(prot Prot) Prot {
	if c.WidenProt == nil {
		return prot
	}
	return c.WidenProt(prot)
}

func (c *Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// ProtX86 applies x86 page protection: write implies read, and read and
// execute are indistinguishable.
func ProtX86(prot Prot) Prot {
	if prot&PROT_WRITE != 0 {
		return prot | PROT_READ | PROT_WRITE | PROT_EXEC
	}
	if prot&(PROT_READ|PROT_EXEC) != 0 {
		return prot | PROT_READ | PROT_EXEC
	}
	return prot
}

// ProtExact passes protection through for guests whose ISA honours every bit.
func ProtExact(prot Prot) Prot {
	return prot
}
