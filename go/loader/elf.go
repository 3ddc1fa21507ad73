package loader

import (
	"debug/elf"
	"encoding/binary"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/lunixbochs/ldso/go/models"
	"github.com/lunixbochs/ldso/go/models/mem"
)

var machineMap = map[elf.Machine]string{
	elf.EM_386:     "x86",
	elf.EM_X86_64:  "x86_64",
	elf.EM_ARM:     "arm",
	elf.EM_AARCH64: "arm64",
}

var elfMagic = []byte{0x7f, 0x45, 0x4c, 0x46}

func MatchElf(r io.ReaderAt) bool {
	return hasMagic(r, elfMagic)
}

type ElfImage struct {
	LoaderHeader
	Class   elf.Class
	Machine elf.Machine
	Type    elf.Type
	Phoff   uint64
	Phnum   int
	Progs   []elf.ProgHeader

	r io.ReaderAt
}

func NewElfImage(r io.ReaderAt) (*ElfImage, error) {
	if !MatchElf(r) {
		return nil, errors.WithStack(ErrBadMagic)
	}
	hdr := make([]byte, SizeofEhdr64)
	if n, _ := r.ReadAt(hdr, 0); n < SizeofEhdr32 {
		return nil, formatErrorf("truncated header (%d bytes)", n)
	}
	var order binary.ByteOrder
	switch elf.Data(hdr[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		order = binary.LittleEndian
	case elf.ELFDATA2MSB:
		order = binary.BigEndian
	default:
		return nil, formatErrorf("unknown data encoding %d", hdr[elf.EI_DATA])
	}
	e := &ElfImage{Class: elf.Class(hdr[elf.EI_CLASS]), r: r}
	var phentsize int
	switch e.Class {
	case elf.ELFCLASS64:
		var eh Ehdr64
		if err := Unpack(hdr, order, &eh); err != nil {
			return nil, formatErrorf("header: %v", err)
		}
		e.Type, e.Machine = elf.Type(eh.Type), elf.Machine(eh.Machine)
		e.entry, e.Phoff, e.Phnum, phentsize = eh.Entry, eh.Phoff, int(eh.Phnum), int(eh.Phentsize)
		e.bits = 64
		if phentsize != SizeofPhdr64 {
			return nil, formatErrorf("phentsize %d", phentsize)
		}
	case elf.ELFCLASS32:
		var eh Ehdr32
		if err := Unpack(hdr[:SizeofEhdr32], order, &eh); err != nil {
			return nil, formatErrorf("header: %v", err)
		}
		e.Type, e.Machine = elf.Type(eh.Type), elf.Machine(eh.Machine)
		e.entry, e.Phoff, e.Phnum, phentsize = uint64(eh.Entry), uint64(eh.Phoff), int(eh.Phnum), int(eh.Phentsize)
		e.bits = 32
		if phentsize != SizeofPhdr32 {
			return nil, formatErrorf("phentsize %d", phentsize)
		}
	default:
		return nil, formatErrorf("unknown ELF class %d", hdr[elf.EI_CLASS])
	}
	e.byteOrder = order
	machineName, ok := machineMap[e.Machine]
	if !ok {
		return nil, formatErrorf("unsupported machine: %s", e.Machine)
	}
	e.arch = machineName
	if e.Type != elf.ET_EXEC && e.Type != elf.ET_DYN {
		return nil, formatErrorf("unsupported file type: %s", e.Type)
	}
	if e.Phnum == 0 {
		return nil, errors.WithStack(ErrNoLoad)
	}
	phdrs := make([]byte, e.Phnum*phentsize)
	if n, _ := r.ReadAt(phdrs, int64(e.Phoff)); n != len(phdrs) {
		return nil, formatErrorf("truncated program headers")
	}
	progs, err := ParseProgs(phdrs, e.Class, order, e.Phnum)
	if err != nil {
		return nil, formatErrorf("%v", err)
	}
	e.Progs = progs
	if len(e.Loads()) == 0 {
		return nil, errors.WithStack(ErrNoLoad)
	}
	return e, nil
}

func (e *ElfImage) Loads() []elf.ProgHeader {
	var ret []elf.ProgHeader
	for _, p := range e.Progs {
		if p.Type == elf.PT_LOAD && p.Memsz > 0 {
			ret = append(ret, p)
		}
	}
	return ret
}

func (e *ElfImage) Prog(typ elf.ProgType) *elf.ProgHeader {
	for i := range e.Progs {
		if e.Progs[i].Type == typ {
			return &e.Progs[i]
		}
	}
	return nil
}

func (e *ElfImage) Interp() string {
	if p := e.Prog(elf.PT_INTERP); p != nil {
		data := make([]byte, p.Filesz)
		e.r.ReadAt(data, int64(p.Off))
		return strings.TrimRight(string(data), "\x00")
	}
	return ""
}

// ReadAt reads the original file contents.
func (e *ElfImage) ReadAt(p []byte, off int64) (int, error) {
	return e.r.ReadAt(p, off)
}

// FileOffset translates a link-time address into a file offset, if the address is file-backed.
func (e *ElfImage) FileOffset(vaddr uint64) (uint64, bool) {
	for _, p := range e.Loads() {
		if vaddr >= p.Vaddr && vaddr < p.Vaddr+p.Filesz {
			return p.Off + (vaddr - p.Vaddr), true
		}
	}
	return 0, false
}

// Span is the page-aligned link-time range covered by PT_LOAD segments.
func (e *ElfImage) Span(pageSize uint64) (lo, hi uint64) {
	lo = ^uint64(0)
	for _, p := range e.Loads() {
		if p.Vaddr < lo {
			lo = p.Vaddr
		}
		if end := p.Vaddr + p.Memsz; end > hi {
			hi = end
		}
	}
	return alignDown(lo, pageSize), alignUp(hi, pageSize)
}

func ProtFromFlags(f elf.ProgFlag) int {
	var prot int
	if f&elf.PF_R != 0 {
		prot |= mem.PROT_READ
	}
	if f&elf.PF_W != 0 {
		prot |= mem.PROT_WRITE
	}
	if f&elf.PF_X != 0 {
		prot |= mem.PROT_EXEC
	}
	return prot
}

type Segment struct {
	Vaddr, Memsz uint64
	// runtime page range
	Start, End uint64
	Prot       int
}

type MapOptions struct {
	SplitCodeData bool
	Desc          string
}

type Mapping struct {
	Base    uint64
	Bias    uint64
	Span    uint64
	Entry   uint64
	Phdr    uint64
	Phnum   int
	Dynamic uint64

	Regions  []models.Region
	Segments []Segment
	Relro    []models.Region
}

func (m *Mapping) Contains(addr uint64) bool {
	for _, r := range m.Regions {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// Unmap releases every region. It is safe to call on a partial mapping.
func (m *Mapping) Unmap(h models.Host) error {
	var first error
	for _, r := range m.Regions {
		if err := h.Munmap(r.Addr, r.Size); err != nil && first == nil {
			first = err
		}
	}
	m.Regions = nil
	return first
}

// Map places every PT_LOAD segment at vaddr + bias with the segment's permissions.
// Any partial mapping is released on failure.
func (e *ElfImage) Map(h models.Host, opts MapOptions) (*Mapping, error) {
	if e.bits != h.Bits() {
		return nil, formatErrorf("%d-bit image on a %d-bit host", e.bits, h.Bits())
	}
	page := h.PageSize()
	lo, hi := e.Span(page)
	fixed := e.Type == elf.ET_EXEC
	hint := uint64(0)
	if fixed {
		hint = lo
	}
	m := &Mapping{Phnum: e.Phnum}
	ok := false
	defer func() {
		if !ok {
			m.Unmap(h)
		}
	}()
	base, err := h.Mmap(hint, hi-lo, mem.PROT_READ|mem.PROT_WRITE, fixed, opts.Desc)
	if err != nil {
		return nil, errors.WithStack(&MapError{hint, hi - lo, err})
	}
	m.Base, m.Bias, m.Span = base, base-lo, hi-lo
	m.Regions = []models.Region{{Addr: base, Size: hi - lo}}

	for i, p := range e.Loads() {
		if p.Filesz > p.Memsz {
			return nil, formatErrorf("segment %d filesz > memsz", i)
		}
		if p.Filesz > 0 {
			data := make([]byte, p.Filesz)
			if n, _ := e.r.ReadAt(data, int64(p.Off)); uint64(n) != p.Filesz {
				return nil, formatErrorf("segment %d: short read (%d < %d)", i, n, p.Filesz)
			}
			if err := h.MemWrite(m.Bias+p.Vaddr, data); err != nil {
				return nil, errors.WithStack(&MapError{m.Bias + p.Vaddr, p.Filesz, err})
			}
		}
		m.Segments = append(m.Segments, Segment{
			Vaddr: p.Vaddr,
			Memsz: p.Memsz,
			Start: alignDown(m.Bias+p.Vaddr, page),
			End:   alignUp(m.Bias+p.Vaddr+p.Memsz, page),
			Prot:  ProtFromFlags(p.Flags),
		})
	}
	if err := e.protect(h, m); err != nil {
		return nil, err
	}
	if opts.SplitCodeData {
		if err := e.split(h, m); err != nil {
			return nil, err
		}
	}
	if e.entry != 0 {
		m.Entry = m.Bias + e.entry
	}
	if p := e.Prog(elf.PT_PHDR); p != nil {
		m.Phdr = m.Bias + p.Vaddr
	} else {
		for _, p := range e.Loads() {
			if e.Phoff >= p.Off && e.Phoff < p.Off+p.Filesz {
				m.Phdr = m.Bias + p.Vaddr + (e.Phoff - p.Off)
				break
			}
		}
	}
	if p := e.Prog(elf.PT_DYNAMIC); p != nil {
		m.Dynamic = m.Bias + p.Vaddr
	}
	for _, p := range e.Progs {
		if p.Type == elf.PT_GNU_RELRO {
			start := alignDown(m.Bias+p.Vaddr, page)
			end := alignDown(m.Bias+p.Vaddr+p.Memsz, page)
			if end > start {
				m.Relro = append(m.Relro, models.Region{Addr: start, Size: end - start})
			}
		}
	}
	ok = true
	return m, nil
}

func (e *ElfImage) protect(h models.Host, m *Mapping) error {
	if err := h.Mprotect(m.Base, m.Span, mem.PROT_NONE); err != nil {
		return errors.WithStack(&MapError{m.Base, m.Span, err})
	}
	return ProtectSegments(h, m.Segments)
}

// ProtectSegments applies segment permissions. Pages shared by two segments get the union.
func ProtectSegments(h models.Host, segments []Segment) error {
	segs := append([]Segment(nil), segments...)
	sort.Slice(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })
	for _, s := range segs {
		if err := h.Mprotect(s.Start, s.End-s.Start, s.Prot); err != nil {
			return errors.WithStack(&MapError{s.Start, s.End - s.Start, err})
		}
	}
	for i := 1; i < len(segs); i++ {
		prev, cur := segs[i-1], segs[i]
		if cur.Start < prev.End {
			end := prev.End
			if cur.End < end {
				end = cur.End
			}
			if err := h.Mprotect(cur.Start, end-cur.Start, prev.Prot|cur.Prot); err != nil {
				return errors.WithStack(&MapError{cur.Start, end - cur.Start, err})
			}
		}
	}
	return nil
}

// split releases the pages between the code and data segments, leaving two disjoint regions.
func (e *ElfImage) split(h models.Host, m *Mapping) error {
	var code, data models.Region
	grow := func(r *models.Region, s Segment) {
		if r.Size == 0 {
			r.Addr, r.Size = s.Start, s.End-s.Start
			return
		}
		end := r.End()
		if s.Start < r.Addr {
			r.Addr = s.Start
		}
		if s.End > end {
			end = s.End
		}
		r.Size = end - r.Addr
	}
	for _, s := range m.Segments {
		if s.Prot&mem.PROT_EXEC != 0 {
			grow(&code, s)
		} else {
			grow(&data, s)
		}
	}
	if code.Size == 0 || data.Size == 0 {
		return nil
	}
	low, high := code, data
	if data.Addr < code.Addr {
		low, high = data, code
	}
	if low.End() > high.Addr {
		return formatErrorf("code and data segments overlap, cannot split")
	}
	if gap := high.Addr - low.End(); gap > 0 {
		if err := h.Munmap(low.End(), gap); err != nil {
			return errors.WithStack(&MapError{low.End(), gap, err})
		}
	}
	var regions []models.Region
	for _, r := range m.Regions {
		if r.Contains(low.Addr) {
			regions = append(regions, models.Region{Addr: r.Addr, Size: low.End() - r.Addr})
			regions = append(regions, models.Region{Addr: high.Addr, Size: r.End() - high.Addr})
		} else {
			regions = append(regions, r)
		}
	}
	m.Regions = regions
	return nil
}
