package ld

import (
	"debug/elf"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/lunixbochs/ldso/go/loader"
	"github.com/lunixbochs/ldso/go/models"
)

type State int

const (
	Mapped State = iota
	Linked
	Constructed
	Destructing
	Unmapped
)

func (s State) String() string {
	switch s {
	case Mapped:
		return "mapped"
	case Linked:
		return "linked"
	case Constructed:
		return "constructed"
	case Destructing:
		return "destructing"
	case Unmapped:
		return "unmapped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Handle names a registry slot. The generation makes stale handles fail instead of
// aliasing whatever image reuses the slot.
type Handle uint64

const (
	// HandleDefault searches every global image in load order.
	HandleDefault Handle = ^Handle(0)
	// HandleNext searches global images loaded after the caller's image.
	HandleNext Handle = ^Handle(0) - 1
)

func makeHandle(slot int, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(slot+1))
}

func (h Handle) split() (int, uint32) {
	return int(uint32(h)) - 1, uint32(h >> 32)
}

func (h Handle) String() string {
	switch h {
	case HandleDefault:
		return "default"
	case HandleNext:
		return "next"
	case 0:
		return "null"
	}
	slot, gen := h.split()
	return fmt.Sprintf("%d.%d", slot, gen)
}

// ParseHandle accepts the forms String produces, or a raw number.
func ParseHandle(s string) (Handle, error) {
	switch s {
	case "default":
		return HandleDefault, nil
	case "next":
		return HandleNext, nil
	case "null":
		return 0, nil
	}
	if a, b, ok := strings.Cut(s, "."); ok {
		slot, err := strconv.ParseUint(a, 10, 31)
		if err != nil {
			return 0, errors.Wrapf(ErrBadHandle, "%q", s)
		}
		gen, err := strconv.ParseUint(b, 10, 32)
		if err != nil {
			return 0, errors.Wrapf(ErrBadHandle, "%q", s)
		}
		return makeHandle(int(slot), uint32(gen)), nil
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrBadHandle, "%q", s)
	}
	return Handle(n), nil
}

// Image is one mapped executable or shared object.
type Image struct {
	Name string
	Path string
	Base uint64
	Bias uint64
	Size uint64
	// Regions is the mapped span. It is not necessarily contiguous.
	Regions []models.Region
	Phdr    uint64
	Phnum   int
	Entry   uint64
	Dyn     *Dynamic

	Main    bool
	Builtin bool
	Preload bool
	// Global images are visible to default lookups and to every relocation scope.
	Global bool

	refs     int
	state    State
	ctorsRun bool
	deps     []*Image

	slot int
	gen  uint32

	machine  elf.Machine
	file     models.File
	elf      *loader.ElfImage
	mapping  *loader.Mapping
	segments []loader.Segment
	relro    []models.Region
	// owned images unmap their regions on release
	owned bool
}

func (i *Image) Handle() Handle { return makeHandle(i.slot, i.gen) }
func (i *Image) Refs() int      { return i.refs }
func (i *Image) State() State   { return i.state }
func (i *Image) Slot() int      { return i.slot }

func (i *Image) Deps() []*Image {
	return append([]*Image(nil), i.deps...)
}

func (i *Image) Contains(addr uint64) bool {
	for _, r := range i.Regions {
		if r.Contains(addr) {
			return true
		}
	}
	return false
}

// matches reports whether a requested dependency name refers to this image.
func (i *Image) matches(name string) bool {
	if name == i.Name || (i.Path != "" && name == i.Path) {
		return true
	}
	return i.Dyn != nil && i.Dyn.Soname != "" && name == i.Dyn.Soname
}

func (i *Image) String() string {
	return fmt.Sprintf("%s @ %#x (%s, refs=%d)", i.Name, i.Base, i.state, i.refs)
}

// segmentsFromProgs computes runtime page ranges for PT_LOAD segments of an image the host mapped itself.
func segmentsFromProgs(progs []elf.ProgHeader, bias, page uint64) ([]loader.Segment, []models.Region, []models.Region) {
	var segs []loader.Segment
	var regions, relro []models.Region
	down := func(v uint64) uint64 { return v &^ (page - 1) }
	up := func(v uint64) uint64 { return (v + page - 1) &^ (page - 1) }
	for _, p := range progs {
		switch p.Type {
		case elf.PT_LOAD:
			if p.Memsz == 0 {
				continue
			}
			s := loader.Segment{
				Vaddr: p.Vaddr, Memsz: p.Memsz,
				Start: down(bias + p.Vaddr), End: up(bias + p.Vaddr + p.Memsz),
				Prot: loader.ProtFromFlags(p.Flags),
			}
			segs = append(segs, s)
			if n := len(regions); n > 0 && regions[n-1].End() >= s.Start {
				if s.End > regions[n-1].End() {
					regions[n-1].Size = s.End - regions[n-1].Addr
				}
			} else {
				regions = append(regions, models.Region{Addr: s.Start, Size: s.End - s.Start})
			}
		case elf.PT_GNU_RELRO:
			start, end := down(bias+p.Vaddr), down(bias+p.Vaddr+p.Memsz)
			if end > start {
				relro = append(relro, models.Region{Addr: start, Size: end - start})
			}
		}
	}
	return segs, regions, relro
}
