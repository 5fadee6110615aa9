/* SPDX-License-Identifier: BSD-2-Clause */

package subpage

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// AddressSpace is one emulated guest address space: the host mappings, the
// partial page index laid over them, and the lock serializing every change
// to either.
//
// Threads of a guest that share memory share one AddressSpace through
// IncRef; a guest fork gets its own through Fork.
type AddressSpace struct {
	// mu is held across every tracker lookup or update together with the
	// host calls that go with it.
	mu sync.Mutex

	refs    atomic.Int64
	cfg     Config
	host    Host
	index   *Index
	tracker *Tracker
}

// NewAddressSpace returns an empty address space driving host, holding one
// reference.
func NewAddressSpace(host Host, cfg Config) (*AddressSpace, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var slots uint
	if !cfg.Passthrough() {
		slots = uint(cfg.NativePageSize / cfg.GuestPageSize)
	}
	return newAddressSpace(host, cfg, NewIndex(slots, cfg.MaxRecords)), nil
}

func newAddressSpace(host Host, cfg Config, index *Index) *AddressSpace {
	as := &AddressSpace{
		cfg:   cfg,
		host:  host,
		index: index,
	}
	as.tracker = NewTracker(index, host, cfg.NativePageSize, cfg.GuestPageSize)
	as.refs.Store(1)
	return as
}

// Config returns the configuration of the address space.
func (as *AddressSpace) Config() Config {
	return as.cfg
}

// Host returns the host the address space drives.
func (as *AddressSpace) Host() Host {
	return as.host
}

// IncRef adds a reference for a guest thread sharing this address space.
func (as *AddressSpace) IncRef() *AddressSpace {
	if as.refs.Add(1) <= 1 {
		panic("subpage: IncRef on released address space")
	}
	return as
}

// DecRef drops a reference. The last one releases every record.
func (as *AddressSpace) DecRef() {
	switch n := as.refs.Add(-1); {
	case n == 0:
		as.mu.Lock()
		as.index.Clear()
		as.mu.Unlock()
	case n < 0:
		panic(fmt.Sprintf("subpage: address space reference count %d", n))
	}
}

// Refs returns the current reference count.
func (as *AddressSpace) Refs() int64 {
	return as.refs.Load()
}

// Fork returns a copy of the address space for a guest fork, whose mappings
// now live in host. The parent stays locked for the whole copy.
func (as *AddressSpace) Fork(host Host) *AddressSpace {
	as.mu.Lock()
	defer as.mu.Unlock()
	return newAddressSpace(host, as.cfg, as.index.Clone())
}

// Lock locks the address space.
func (as *AddressSpace) Lock() { as.mu.Lock() }

// Unlock unlocks the address space.
func (as *AddressSpace) Unlock() { as.mu.Unlock() }

// TrackerLocked returns the tracker.
//
// Preconditions: as is locked.
func (as *AddressSpace) TrackerLocked() *Tracker {
	return as.tracker
}

// Claim marks the guest pages of [start, end) as mapped.
func (as *AddressSpace) Claim(start, end uint64, fixed bool) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.tracker.Claim(start, end, fixed)
}

// Release marks the guest pages of [start, end) as unmapped.
func (as *AddressSpace) Release(start, end uint64) (Release, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.tracker.Release(start, end)
}

// Compare checks [start, end) against the claimed guest pages.
func (as *AddressSpace) Compare(start, end uint64) (Comparison, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.tracker.Compare(start, end)
}

// Lookup returns a copy of the record for the native page at base.
func (as *AddressSpace) Lookup(base uint64) (*PartialPage, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pp, ok := as.index.Get(base)
	if !ok {
		return nil, false
	}
	return pp.clone(), true
}

// Records returns copies of every record in base order.
func (as *AddressSpace) Records() []*PartialPage {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]*PartialPage, 0, as.index.Len())
	as.index.Ascend(func(pp *PartialPage) bool {
		out = append(out, pp.clone())
		return true
	})
	return out
}
