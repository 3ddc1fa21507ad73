package ld

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/lunixbochs/ldso/go/loader"
	"github.com/lunixbochs/ldso/go/models"
	"github.com/lunixbochs/ldso/go/models/mem"
)

const (
	dtRelrSz  = 35
	dtRelr    = 36
	dtRelrEnt = 37

	maxDynEntries = 1 << 12
)

// view reads and writes target-sized values through the host.
type view struct {
	h     models.Host
	wsize uint64
	order binary.ByteOrder
}

func newView(h models.Host) view {
	return view{h: h, wsize: uint64(h.Bits() / 8), order: h.ByteOrder()}
}

func (v view) uint(addr uint64, size int) (uint64, error) {
	p, err := v.h.MemRead(addr, uint64(size))
	if err != nil {
		return 0, err
	}
	return mem.DecodeUint(v.order, p)
}

func (v view) word(addr uint64) (uint64, error) {
	return v.uint(addr, int(v.wsize))
}

func (v view) u32(addr uint64) (uint32, error) {
	n, err := v.uint(addr, 4)
	return uint32(n), err
}

func (v view) putUint(addr uint64, size int, val uint64) error {
	buf := make([]byte, size)
	if err := mem.EncodeUint(v.order, buf, val); err != nil {
		return err
	}
	return v.h.MemWrite(addr, buf)
}

// cstring reads a NUL-terminated string, one page-bounded chunk at a time.
func (v view) cstring(addr uint64) (string, error) {
	page := v.h.PageSize()
	var out []byte
	for len(out) < 1<<16 {
		n := page - addr%page
		p, err := v.h.MemRead(addr, n)
		if err != nil {
			return "", err
		}
		if i := bytes.IndexByte(p, 0); i >= 0 {
			return string(append(out, p[:i]...)), nil
		}
		out = append(out, p...)
		addr += n
	}
	return "", errors.Errorf("unterminated string at %#x", addr)
}

// Dynamic is a view of an image's dynamic section. Table addresses are runtime addresses.
type Dynamic struct {
	Addr uint64

	v    view
	bias uint64

	Symtab, Strtab, Strsz, Syment uint64
	Hash, GnuHash                 uint64

	Rel, RelSz, RelEnt    uint64
	Rela, RelaSz, RelaEnt uint64
	Relr, RelrSz          uint64
	JmpRel, PltRelSz      uint64
	PltRel                elf.DynTag

	Init, Fini                   uint64
	InitArray, InitArraySz       uint64
	FiniArray, FiniArraySz       uint64
	PreinitArray, PreinitArraySz uint64

	Needed  []string
	Soname  string
	Runpath []string

	Flags    uint64
	Symbolic bool
	TextRel  bool
	BindNow  bool

	nbucket, nchain uint32
	gnu             struct {
		nbuckets, symoffset, bloomSize, bloomShift uint32
		bloom, buckets, chain                      uint64
	}
	nsyms int
}

// parseDynamic reads the dynamic section at addr. A zero addr yields an empty view.
func parseDynamic(v view, addr, bias uint64) (*Dynamic, error) {
	d := &Dynamic{Addr: addr, v: v, bias: bias}
	if addr == 0 {
		return d, nil
	}
	var needed []uint64
	var soname, runpath uint64
	hasSoname, hasRunpath := false, false
loop:
	for i := 0; ; i++ {
		if i >= maxDynEntries {
			return nil, errors.New("dynamic section is not terminated")
		}
		ent := addr + uint64(i)*2*v.wsize
		tag, err := v.word(ent)
		if err != nil {
			return nil, errors.Wrap(err, "read dynamic")
		}
		val, err := v.word(ent + v.wsize)
		if err != nil {
			return nil, errors.Wrap(err, "read dynamic")
		}
		if v.wsize == 4 {
			tag = uint64(int64(int32(tag)))
		}
		switch elf.DynTag(tag) {
		case elf.DT_NULL:
			break loop
		case elf.DT_NEEDED:
			needed = append(needed, val)
		case elf.DT_SONAME:
			soname, hasSoname = val, true
		case elf.DT_RUNPATH, elf.DT_RPATH:
			runpath, hasRunpath = val, true
		case elf.DT_SYMTAB:
			d.Symtab = bias + val
		case elf.DT_STRTAB:
			d.Strtab = bias + val
		case elf.DT_STRSZ:
			d.Strsz = val
		case elf.DT_SYMENT:
			d.Syment = val
		case elf.DT_HASH:
			d.Hash = bias + val
		case elf.DT_GNU_HASH:
			d.GnuHash = bias + val
		case elf.DT_REL:
			d.Rel = bias + val
		case elf.DT_RELSZ:
			d.RelSz = val
		case elf.DT_RELENT:
			d.RelEnt = val
		case elf.DT_RELA:
			d.Rela = bias + val
		case elf.DT_RELASZ:
			d.RelaSz = val
		case elf.DT_RELAENT:
			d.RelaEnt = val
		case dtRelr:
			d.Relr = bias + val
		case dtRelrSz:
			d.RelrSz = val
		case elf.DT_JMPREL:
			d.JmpRel = bias + val
		case elf.DT_PLTRELSZ:
			d.PltRelSz = val
		case elf.DT_PLTREL:
			d.PltRel = elf.DynTag(val)
		case elf.DT_INIT:
			d.Init = bias + val
		case elf.DT_FINI:
			d.Fini = bias + val
		case elf.DT_INIT_ARRAY:
			d.InitArray = bias + val
		case elf.DT_INIT_ARRAYSZ:
			d.InitArraySz = val
		case elf.DT_FINI_ARRAY:
			d.FiniArray = bias + val
		case elf.DT_FINI_ARRAYSZ:
			d.FiniArraySz = val
		case elf.DT_PREINIT_ARRAY:
			d.PreinitArray = bias + val
		case elf.DT_PREINIT_ARRAYSZ:
			d.PreinitArraySz = val
		case elf.DT_SYMBOLIC:
			d.Symbolic = true
		case elf.DT_TEXTREL:
			d.TextRel = true
		case elf.DT_BIND_NOW:
			d.BindNow = true
		case elf.DT_FLAGS:
			d.Flags = val
			d.Symbolic = d.Symbolic || val&uint64(elf.DF_SYMBOLIC) != 0
			d.TextRel = d.TextRel || val&uint64(elf.DF_TEXTREL) != 0
			d.BindNow = d.BindNow || val&uint64(elf.DF_BIND_NOW) != 0
		}
	}
	if d.Symtab == 0 || d.Strtab == 0 {
		return nil, errors.New("dynamic section has no symbol or string table")
	}
	if d.Syment == 0 {
		d.Syment = loader.SizeofSym64
		if v.wsize == 4 {
			d.Syment = loader.SizeofSym32
		}
	}
	if d.RelEnt == 0 {
		d.RelEnt = 2 * v.wsize
	}
	if d.RelaEnt == 0 {
		d.RelaEnt = 3 * v.wsize
	}
	str := func(off uint64) (string, error) {
		if off >= d.Strsz {
			return "", errors.Errorf("string offset %#x outside strtab", off)
		}
		return v.cstring(d.Strtab + off)
	}
	for _, off := range needed {
		name, err := str(off)
		if err != nil {
			return nil, err
		}
		d.Needed = append(d.Needed, name)
	}
	var err error
	if hasSoname {
		if d.Soname, err = str(soname); err != nil {
			return nil, err
		}
	}
	if hasRunpath {
		rp, err := str(runpath)
		if err != nil {
			return nil, err
		}
		for _, dir := range bytes.Split([]byte(rp), []byte{':'}) {
			if len(dir) > 0 {
				d.Runpath = append(d.Runpath, string(dir))
			}
		}
	}
	if err := d.readHashes(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dynamic) readHashes() error {
	v := d.v
	var err error
	if d.Hash != 0 {
		if d.nbucket, err = v.u32(d.Hash); err != nil {
			return errors.Wrap(err, "read hash")
		}
		if d.nchain, err = v.u32(d.Hash + 4); err != nil {
			return errors.Wrap(err, "read hash")
		}
		d.nsyms = int(d.nchain)
	}
	if d.GnuHash != 0 {
		g := &d.gnu
		hdr := make([]uint32, 4)
		for i := range hdr {
			if hdr[i], err = v.u32(d.GnuHash + uint64(i)*4); err != nil {
				return errors.Wrap(err, "read gnu hash")
			}
		}
		g.nbuckets, g.symoffset, g.bloomSize, g.bloomShift = hdr[0], hdr[1], hdr[2], hdr[3]
		if g.nbuckets == 0 || g.bloomSize == 0 {
			return errors.New("empty gnu hash table")
		}
		g.bloom = d.GnuHash + 16
		g.buckets = g.bloom + uint64(g.bloomSize)*v.wsize
		g.chain = g.buckets + uint64(g.nbuckets)*4
		if d.Hash == 0 {
			if d.nsyms, err = d.gnuCount(); err != nil {
				return err
			}
		}
	}
	return nil
}

// gnuCount derives the symbol count from the last chain.
func (d *Dynamic) gnuCount() (int, error) {
	g := &d.gnu
	var last uint32
	for i := uint32(0); i < g.nbuckets; i++ {
		b, err := d.v.u32(g.buckets + uint64(i)*4)
		if err != nil {
			return 0, err
		}
		if b > last {
			last = b
		}
	}
	if last < g.symoffset {
		return int(g.symoffset), nil
	}
	for {
		ch, err := d.v.u32(g.chain + uint64(last-g.symoffset)*4)
		if err != nil {
			return 0, err
		}
		last++
		if ch&1 != 0 {
			return int(last), nil
		}
	}
}

// NumSymbols is the size of the dynamic symbol table.
func (d *Dynamic) NumSymbols() int { return d.nsyms }

// Sym is one entry of an image's symbol table.
type Sym struct {
	Name  string
	Value uint64
	Size  uint64
	Bind  elf.SymBind
	Type  elf.SymType
	Shndx uint16
	Index uint32
	Image *Image
}

// Addr is the symbol's runtime address.
func (s Sym) Addr() uint64 {
	if elf.SectionIndex(s.Shndx) == elf.SHN_ABS || s.Image == nil {
		return s.Value
	}
	return s.Image.Bias + s.Value
}

func (s Sym) Defined() bool {
	return elf.SectionIndex(s.Shndx) != elf.SHN_UNDEF
}

func (d *Dynamic) sym(i uint32) (Sym, error) {
	p, err := d.v.h.MemRead(d.Symtab+uint64(i)*d.Syment, d.Syment)
	if err != nil {
		return Sym{}, errors.Wrapf(err, "read symbol %d", i)
	}
	var s Sym
	var nameOff uint32
	var info uint8
	if d.v.wsize == 8 {
		var raw loader.Sym64
		if err := loader.Unpack(p, d.v.order, &raw); err != nil {
			return Sym{}, err
		}
		nameOff, info, s.Shndx, s.Value, s.Size = raw.Name, raw.Info, raw.Shndx, raw.Value, raw.Size
	} else {
		var raw loader.Sym32
		if err := loader.Unpack(p, d.v.order, &raw); err != nil {
			return Sym{}, err
		}
		nameOff, info, s.Shndx, s.Value, s.Size = raw.Name, raw.Info, raw.Shndx, uint64(raw.Value), uint64(raw.Size)
	}
	s.Bind, s.Type, s.Index = elf.ST_BIND(info), elf.ST_TYPE(info), i
	if nameOff != 0 {
		if uint64(nameOff) >= d.Strsz {
			return Sym{}, errors.Errorf("symbol %d: name offset %#x outside strtab", i, nameOff)
		}
		if s.Name, err = d.v.cstring(d.Strtab + uint64(nameOff)); err != nil {
			return Sym{}, err
		}
	}
	return s, nil
}
