/* SPDX-License-Identifier: BSD-2-Clause */

package subpage_test

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
	. "gopkg.in/check.v1"

	subpage "github.com/ricardobranco777/go-subpage"
	"github.com/ricardobranco777/go-subpage/subpagetest"
)

// putArgs writes an old-style mmap argument block at argp.
func (s *S) putArgs(c *C, argp uint64, a subpage.MmapArgs) {
	buf := make([]byte, 0, 24)
	for _, v := range []uint32{a.Addr, a.Len, a.Prot, a.Flags, a.Fd, a.Offset} {
		buf = binary.LittleEndian.AppendUint32(buf, v)
	}
	c.Assert(s.host.Poke(argp, buf), IsNil)
}

func (s *S) TestSysMmapArgBlock(c *C) {
	argp := s.mmap(c, page, guest, rw, fixedAnon)
	s.putArgs(c, argp, subpage.MmapArgs{
		Len:   guest,
		Prot:  uint32(rw),
		Flags: uint32(anon),
		Fd:    ^uint32(0),
	})

	res, errno := s.emu.SysMmap(uint32(argp), nil)
	c.Assert(errno, Equals, unix.Errno(0))
	c.Assert(res, Not(Equals), uint32(0))
	c.Assert(s.slots(uint64(res)), Equals, "1000")
}

func (s *S) TestSysMmapBadArgs(c *C) {
	res, errno := s.emu.SysMmap(page+4*native, nil)
	c.Assert(errno, Equals, unix.EFAULT)
	c.Assert(res, Equals, uint32(0))

	argp := s.mmap(c, page, guest, rw, fixedAnon)
	s.putArgs(c, argp, subpage.MmapArgs{
		Len:    guest,
		Prot:   uint32(rw),
		Flags:  uint32(subpage.MAP_PRIVATE),
		Fd:     3,
		Offset: 100,
	})
	_, errno = s.emu.SysMmap(uint32(argp), subpage.FileMap{3: subpagetest.NewFile(nil)})
	c.Assert(errno, Equals, unix.EINVAL)
}

func (s *S) TestSysMmap2File(c *C) {
	contents := subpagetest.Pattern(4*guest, 0x6b)
	files := subpage.FileMap{3: subpagetest.NewFile(contents)}
	flags := subpage.MAP_PRIVATE | subpage.MAP_FIXED | subpage.MAP_DENYWRITE | subpage.MAP_EXECUTABLE

	res, errno := s.emu.SysMmap2(page, guest, uint32(subpage.PROT_READ), uint32(flags), 3, 2, files)
	c.Assert(errno, Equals, unix.Errno(0))
	c.Assert(res, Equals, uint32(page))
	c.Assert(s.slots(page), Equals, "1000")
	c.Assert(s.peek(c, page, guest), DeepEquals, contents[2*guest:3*guest])
}

func (s *S) TestSysMmap2BadFd(c *C) {
	files := subpage.FileMap{3: subpagetest.NewFile(nil)}

	_, errno := s.emu.SysMmap2(page, guest, uint32(rw), uint32(subpage.MAP_PRIVATE), 7, 0, files)
	c.Assert(errno, Equals, unix.EBADF)

	// An anonymous mapping ignores the descriptor.
	_, errno = s.emu.SysMmap2(page, guest, uint32(rw), uint32(anon), 7, 0, files)
	c.Assert(errno, Equals, unix.Errno(0))
}

func (s *S) TestSysMunmapMprotect(c *C) {
	s.mmap(c, page, 2*guest, rw, fixedAnon)

	c.Assert(s.emu.SysMprotect(page, 2*guest, uint32(subpage.PROT_READ)), Equals, unix.Errno(0))
	c.Assert(s.host.Access(page, subpage.PROT_WRITE), Equals, false)
	c.Assert(s.emu.SysMprotect(page+2*guest, guest, uint32(rw)), Equals, unix.ENOMEM)

	c.Assert(s.emu.SysMunmap(page, guest), Equals, unix.Errno(0))
	c.Assert(s.slots(page), Equals, "0100")
	c.Assert(s.emu.SysMunmap(page+1, guest), Equals, unix.EINVAL)
}

func (s *S) TestSysMremap(c *C) {
	s.mmap(c, page, guest, rw, fixedAnon)

	res, errno := s.emu.SysMremap(page, guest, 3*guest, 0, 0)
	c.Assert(errno, Equals, unix.Errno(0))
	c.Assert(res, Equals, uint32(page))
	c.Assert(s.slots(page), Equals, "1110")

	_, errno = s.emu.SysMremap(page, 3*guest, 4*guest, uint32(subpage.MREMAP_FIXED), page+native)
	c.Assert(errno, Equals, unix.EINVAL)
}
