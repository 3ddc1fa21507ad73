// Package elfgen synthesizes small dynamic ELF images.
//
// The layout is fixed: one read/execute segment holding the headers, the dynamic
// symbol and string tables, hash tables, relocation tables and code, followed by a
// read/write segment holding the dynamic section, init/fini arrays, relocation
// slots and data. File offsets always equal link-time addresses minus Base.
package elfgen

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/lunixbochs/ldso/go/loader"
	"github.com/lunixbochs/ldso/go/models"
)

const (
	DT_RELRSZ  = 35
	DT_RELR    = 36
	DT_RELRENT = 37

	STT_GNU_IFUNC = 10

	shText = 1
	shData = 2
)

type Func struct {
	Name string
	// Handler names the host handler the trap thunk dispatches to. Defaults to Name.
	Handler string
	// Body replaces the trap thunk.
	Body  []byte
	Local bool
	Weak  bool
	IFunc bool
}

type Data struct {
	Name  string
	Value []byte
	// Size defaults to len(Value).
	Size  uint64
	Local bool
	Weak  bool
}

type Undef struct {
	Name string
	Weak bool
}

// Slot is one pointer-sized word that relocations can target.
type Slot struct {
	Name string
	// Text places the slot in the read/execute segment.
	Text bool
	// Relro places the slot under PT_GNU_RELRO.
	Relro bool
	// Init is the word's file contents. Target adds the link-time address of a named func, data or slot.
	Init   uint64
	Target string
	Export bool
}

type Reloc struct {
	Type uint32
	// Slot names the slot or data object patched.
	Slot string
	Sym  string
	// Target adds the link-time address of a named func, data or slot to Addend.
	Target string
	Addend int64
	// Plt puts the relocation in the DT_JMPREL table.
	Plt bool
}

type Builder struct {
	Type     elf.Type
	Machine  elf.Machine
	Base     uint64
	PageSize uint64
	// DataGap leaves this many unused pages between the two segments.
	DataGap int

	Soname   string
	Needed   []string
	Interp   string
	Symbolic bool
	TextRel  bool
	BindNow  bool
	// Rel selects DT_REL with implicit addends instead of DT_RELA.
	Rel     bool
	GNUHash bool
	NoHash  bool

	Funcs  []Func
	Data   []Data
	Undefs []Undef
	Slots  []Slot
	Relocs []Reloc
	// Relr lists slots relocated through DT_RELR.
	Relr []string

	Init, Fini                         string
	InitArray, FiniArray, PreinitArray []string
	Entry                              string
	Bss                                uint64
}

// Image is a built file plus the link-time address of everything named in the Builder.
type Image struct {
	Bytes []byte
	Addrs map[string]uint64
	Sizes map[string]uint64
	// Data is the link-time start of the read/write segment.
	Data uint64
}

func (i *Image) Addr(name string) uint64 {
	return i.Addrs[name]
}

type symbol struct {
	name  string
	value uint64
	size  uint64
	bind  elf.SymBind
	typ   elf.SymType
	shndx uint16
	hash  uint32
}

type layout struct {
	b     *Builder
	order binary.ByteOrder
	class elf.Class
	word  uint64

	buf   []byte
	addrs map[string]uint64
	sizes map[string]uint64

	syms     []symbol
	symoff   int
	strtab   []byte
	strIndex map[string]uint32
}

func (b *Builder) relativeType() uint32 {
	switch b.Machine {
	case elf.EM_386:
		return uint32(elf.R_386_RELATIVE)
	case elf.EM_AARCH64:
		return uint32(elf.R_AARCH64_RELATIVE)
	case elf.EM_ARM:
		return uint32(elf.R_ARM_RELATIVE)
	}
	return uint32(elf.R_X86_64_RELATIVE)
}

func (l *layout) str(s string) uint32 {
	if off, ok := l.strIndex[s]; ok {
		return off
	}
	off := uint32(len(l.strtab))
	l.strtab = append(append(l.strtab, s...), 0)
	l.strIndex[s] = off
	return off
}

func (l *layout) put(addr uint64, p []byte) {
	copy(l.buf[addr-l.b.Base:], p)
}

func (l *layout) putWord(addr, val uint64) {
	if l.word == 8 {
		l.order.PutUint64(l.buf[addr-l.b.Base:], val)
	} else {
		l.order.PutUint32(l.buf[addr-l.b.Base:], uint32(val))
	}
}

func (l *layout) pack(addr uint64, v interface{}) {
	var out bytes.Buffer
	loader.Pack(&out, l.order, v)
	l.put(addr, out.Bytes())
}

func align(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

func (b *Builder) defaults() {
	if b.Type == 0 {
		b.Type = elf.ET_DYN
	}
	if b.Machine == 0 {
		b.Machine = elf.EM_X86_64
	}
	if b.PageSize == 0 {
		b.PageSize = 0x1000
	}
	if b.Type == elf.ET_EXEC && b.Base == 0 {
		b.Base = 0x400000
	}
}

func (b *Builder) relocs() []Reloc {
	relocs := append([]Reloc(nil), b.Relocs...)
	if b.Type != elf.ET_DYN {
		return relocs
	}
	// arrays hold link-time addresses and need the bias added
	for _, arr := range []struct {
		prefix string
		names  []string
	}{{"preinit", b.PreinitArray}, {"init", b.InitArray}, {"fini", b.FiniArray}} {
		for i, name := range arr.names {
			relocs = append(relocs, Reloc{Type: b.relativeType(), Slot: arrayName(arr.prefix, i), Target: name})
		}
	}
	return relocs
}

func arrayName(prefix string, i int) string {
	return fmt.Sprintf("%s[%d]", prefix, i)
}

func (l *layout) symbols() {
	b := l.b
	var locals, undefs, defined []symbol
	add := func(s symbol, local bool) {
		if local {
			locals = append(locals, s)
		} else {
			defined = append(defined, s)
		}
	}
	for _, f := range b.Funcs {
		bind, typ := elf.STB_GLOBAL, elf.STT_FUNC
		if f.Weak {
			bind = elf.STB_WEAK
		}
		if f.Local {
			bind = elf.STB_LOCAL
		}
		if f.IFunc {
			typ = STT_GNU_IFUNC
		}
		add(symbol{name: f.Name, bind: bind, typ: typ, shndx: shText}, f.Local)
	}
	for _, d := range b.Data {
		bind := elf.STB_GLOBAL
		if d.Weak {
			bind = elf.STB_WEAK
		}
		if d.Local {
			bind = elf.STB_LOCAL
		}
		add(symbol{name: d.Name, bind: bind, typ: elf.STT_OBJECT, shndx: shData}, d.Local)
	}
	for _, s := range b.Slots {
		if s.Export {
			shndx := uint16(shData)
			if s.Text {
				shndx = shText
			}
			add(symbol{name: s.Name, bind: elf.STB_GLOBAL, typ: elf.STT_OBJECT, shndx: shndx}, false)
		}
	}
	for _, u := range b.Undefs {
		bind := elf.STB_GLOBAL
		if u.Weak {
			bind = elf.STB_WEAK
		}
		undefs = append(undefs, symbol{name: u.Name, bind: bind, typ: elf.STT_NOTYPE})
	}
	l.symoff = 1 + len(locals) + len(undefs)
	if b.GNUHash {
		nb := gnuBuckets(len(defined))
		for i := range defined {
			defined[i].hash = loader.GnuHash(defined[i].name)
		}
		sort.SliceStable(defined, func(i, j int) bool {
			return defined[i].hash%nb < defined[j].hash%nb
		})
	}
	l.syms = append([]symbol{{}}, locals...)
	l.syms = append(l.syms, undefs...)
	l.syms = append(l.syms, defined...)
}

func gnuBuckets(n int) uint32 {
	if n < 2 {
		return 1
	}
	return uint32(n / 2)
}

func (l *layout) symIndex(name string) (int, error) {
	for i, s := range l.syms {
		if i > 0 && s.name == name && s.bind != elf.STB_LOCAL {
			return i, nil
		}
	}
	// relocations may target local symbols too
	for i, s := range l.syms {
		if i > 0 && s.name == name {
			return i, nil
		}
	}
	return 0, errors.Errorf("relocation against unknown symbol %q", name)
}

func (l *layout) hashSize() uint64 {
	n := uint64(len(l.syms))
	return 4 * (2 + n + n)
}

func (l *layout) gnuHashSize() uint64 {
	ndef := len(l.syms) - l.symoff
	return 16 + l.word + 4*uint64(gnuBuckets(ndef)) + 4*uint64(ndef)
}

func (l *layout) relEnt() uint64 {
	switch {
	case l.word == 8 && l.b.Rel:
		return 16
	case l.word == 8:
		return 24
	case l.b.Rel:
		return 8
	}
	return 12
}

type dynEntry struct {
	tag elf.DynTag
	val uint64
}

type addrs struct {
	hash, gnuHash, strtab, symtab, rel, jmprel, relr uint64
	relsz, jmprelsz, relrsz                          uint64
	preinit, init, fini                              uint64
}

func (l *layout) dynamic(a addrs) []dynEntry {
	b := l.b
	var d []dynEntry
	for _, n := range b.Needed {
		d = append(d, dynEntry{elf.DT_NEEDED, uint64(l.str(n))})
	}
	if b.Soname != "" {
		d = append(d, dynEntry{elf.DT_SONAME, uint64(l.str(b.Soname))})
	}
	if !b.NoHash {
		d = append(d, dynEntry{elf.DT_HASH, a.hash})
	}
	if b.GNUHash {
		d = append(d, dynEntry{elf.DT_GNU_HASH, a.gnuHash})
	}
	symEnt := uint64(loader.SizeofSym64)
	if l.word == 4 {
		symEnt = loader.SizeofSym32
	}
	d = append(d,
		dynEntry{elf.DT_STRTAB, a.strtab},
		dynEntry{elf.DT_SYMTAB, a.symtab},
		dynEntry{elf.DT_STRSZ, uint64(len(l.strtab))},
		dynEntry{elf.DT_SYMENT, symEnt},
	)
	if a.relsz > 0 {
		if b.Rel {
			d = append(d, dynEntry{elf.DT_REL, a.rel}, dynEntry{elf.DT_RELSZ, a.relsz}, dynEntry{elf.DT_RELENT, l.relEnt()})
		} else {
			d = append(d, dynEntry{elf.DT_RELA, a.rel}, dynEntry{elf.DT_RELASZ, a.relsz}, dynEntry{elf.DT_RELAENT, l.relEnt()})
		}
	}
	if a.jmprelsz > 0 {
		kind := elf.DT_RELA
		if b.Rel {
			kind = elf.DT_REL
		}
		d = append(d, dynEntry{elf.DT_JMPREL, a.jmprel}, dynEntry{elf.DT_PLTRELSZ, a.jmprelsz}, dynEntry{elf.DT_PLTREL, uint64(kind)})
	}
	if a.relrsz > 0 {
		d = append(d, dynEntry{DT_RELR, a.relr}, dynEntry{DT_RELRSZ, a.relrsz}, dynEntry{DT_RELRENT, l.word})
	}
	if b.Init != "" {
		d = append(d, dynEntry{elf.DT_INIT, l.addrs[b.Init]})
	}
	if b.Fini != "" {
		d = append(d, dynEntry{elf.DT_FINI, l.addrs[b.Fini]})
	}
	if n := len(b.PreinitArray); n > 0 {
		d = append(d, dynEntry{elf.DT_PREINIT_ARRAY, a.preinit}, dynEntry{elf.DT_PREINIT_ARRAYSZ, uint64(n) * l.word})
	}
	if n := len(b.InitArray); n > 0 {
		d = append(d, dynEntry{elf.DT_INIT_ARRAY, a.init}, dynEntry{elf.DT_INIT_ARRAYSZ, uint64(n) * l.word})
	}
	if n := len(b.FiniArray); n > 0 {
		d = append(d, dynEntry{elf.DT_FINI_ARRAY, a.fini}, dynEntry{elf.DT_FINI_ARRAYSZ, uint64(n) * l.word})
	}
	var flags uint64
	if b.Symbolic {
		d = append(d, dynEntry{elf.DT_SYMBOLIC, 0})
		flags |= uint64(elf.DF_SYMBOLIC)
	}
	if b.TextRel {
		d = append(d, dynEntry{elf.DT_TEXTREL, 0})
		flags |= uint64(elf.DF_TEXTREL)
	}
	if b.BindNow {
		flags |= uint64(elf.DF_BIND_NOW)
	}
	if flags != 0 {
		d = append(d, dynEntry{elf.DT_FLAGS, flags})
	}
	return append(d, dynEntry{elf.DT_NULL, 0})
}

func encodeRelr(addrs []uint64, word uint64) []uint64 {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	nbits := word*8 - 1
	var out []uint64
	for i := 0; i < len(addrs); {
		out = append(out, addrs[i])
		where := addrs[i] + word
		i++
		for {
			var bits uint64
			for i < len(addrs) && addrs[i] >= where && addrs[i] < where+nbits*word && (addrs[i]-where)%word == 0 {
				bits |= 1 << ((addrs[i] - where) / word)
				i++
			}
			if bits == 0 {
				break
			}
			out = append(out, bits<<1|1)
			where += nbits * word
		}
	}
	return out
}

// Build lays out and encodes the image.
func (b *Builder) Build() (*Image, error) {
	b.defaults()
	l := &layout{
		b:        b,
		order:    binary.LittleEndian,
		class:    elf.ELFCLASS64,
		word:     8,
		addrs:    make(map[string]uint64),
		sizes:    make(map[string]uint64),
		strtab:   []byte{0},
		strIndex: map[string]uint32{"": 0},
	}
	if b.Machine == elf.EM_386 || b.Machine == elf.EM_ARM {
		l.class, l.word = elf.ELFCLASS32, 4
	}
	l.symbols()
	for _, s := range l.syms[1:] {
		l.str(s.name)
	}
	for _, n := range b.Needed {
		l.str(n)
	}
	if b.Soname != "" {
		l.str(b.Soname)
	}
	relocs := b.relocs()
	var dynRelocs, pltRelocs []Reloc
	for _, r := range relocs {
		if r.Plt {
			pltRelocs = append(pltRelocs, r)
		} else {
			dynRelocs = append(dynRelocs, r)
		}
	}
	phnum := 4
	if b.Interp != "" {
		phnum++
	}
	hasRelro := false
	for _, s := range b.Slots {
		if s.Relro && !s.Text {
			hasRelro = true
		}
	}
	if hasRelro {
		phnum++
	}
	ehsize, phentsize := uint64(loader.SizeofEhdr64), uint64(loader.SizeofPhdr64)
	symEnt := uint64(loader.SizeofSym64)
	if l.word == 4 {
		ehsize, phentsize, symEnt = loader.SizeofEhdr32, loader.SizeofPhdr32, loader.SizeofSym32
	}

	var a addrs
	cur := b.Base + ehsize + uint64(phnum)*phentsize
	interpAddr := cur
	if b.Interp != "" {
		cur += uint64(len(b.Interp)) + 1
	}
	cur = align(cur, 8)
	a.symtab = cur
	cur += uint64(len(l.syms)) * symEnt
	a.strtab = cur
	// the dynamic section needs no new strings beyond those interned above
	cur = align(cur+uint64(len(l.strtab)), 8)
	if !b.NoHash {
		a.hash = cur
		cur = align(cur+l.hashSize(), 8)
	}
	if b.GNUHash {
		a.gnuHash = cur
		cur = align(cur+l.gnuHashSize(), 8)
	}
	a.rel = cur
	a.relsz = uint64(len(dynRelocs)) * l.relEnt()
	cur += a.relsz
	a.jmprel = cur
	a.jmprelsz = uint64(len(pltRelocs)) * l.relEnt()
	cur = align(cur+a.jmprelsz, 8)
	a.relr = cur
	// at most one word per address
	a.relrsz = uint64(len(b.Relr)) * l.word
	cur += a.relrsz
	bodies := make([][]byte, len(b.Funcs))
	for i, f := range b.Funcs {
		cur = align(cur, 16)
		body := f.Body
		if body == nil {
			handler := f.Handler
			if handler == "" {
				handler = f.Name
			}
			body = models.EncodeThunk(handler)
		}
		bodies[i] = body
		l.addrs[f.Name] = cur
		l.sizes[f.Name] = uint64(len(body))
		cur += uint64(len(body))
	}
	cur = align(cur, l.word)
	for _, s := range b.Slots {
		if s.Text {
			l.addrs[s.Name] = cur
			l.sizes[s.Name] = l.word
			cur += l.word
		}
	}
	textEnd := cur

	dataStart := align(textEnd, b.PageSize) + uint64(b.DataGap)*b.PageSize
	dynAddr := dataStart
	cur = dynAddr + uint64(len(l.dynamic(a)))*2*l.word
	a.preinit = cur
	for i := range b.PreinitArray {
		l.addrs[arrayName("preinit", i)] = cur
		cur += l.word
	}
	a.init = cur
	for i := range b.InitArray {
		l.addrs[arrayName("init", i)] = cur
		cur += l.word
	}
	a.fini = cur
	for i := range b.FiniArray {
		l.addrs[arrayName("fini", i)] = cur
		cur += l.word
	}
	for _, s := range b.Slots {
		if s.Relro && !s.Text {
			l.addrs[s.Name] = cur
			l.sizes[s.Name] = l.word
			cur += l.word
		}
	}
	relroEnd := cur
	if hasRelro {
		relroEnd = align(cur, b.PageSize)
		cur = relroEnd
	}
	for _, s := range b.Slots {
		if !s.Relro && !s.Text {
			l.addrs[s.Name] = cur
			l.sizes[s.Name] = l.word
			cur += l.word
		}
	}
	for _, d := range b.Data {
		cur = align(cur, 8)
		size := d.Size
		if size == 0 {
			size = uint64(len(d.Value))
		}
		l.addrs[d.Name] = cur
		l.sizes[d.Name] = size
		cur += size
	}
	fileEnd := cur
	l.buf = make([]byte, fileEnd-b.Base)

	// relr
	var relrAddrs []uint64
	for _, name := range b.Relr {
		addr, ok := l.addrs[name]
		if !ok {
			return nil, errors.Errorf("relr slot %q not found", name)
		}
		relrAddrs = append(relrAddrs, addr)
	}
	relr := encodeRelr(relrAddrs, l.word)
	a.relrsz = uint64(len(relr)) * l.word
	for i, w := range relr {
		l.putWord(a.relr+uint64(i)*l.word, w)
	}

	// symbol values
	for i := range l.syms[1:] {
		s := &l.syms[i+1]
		if s.shndx != 0 {
			s.value = l.addrs[s.name]
			s.size = l.sizes[s.name]
		}
	}

	// headers
	entry := uint64(0)
	if b.Entry != "" {
		entry = l.addrs[b.Entry]
	}
	var progs []loader.Phdr64
	progs = append(progs, loader.Phdr64{
		Type: uint32(elf.PT_PHDR), Flags: uint32(elf.PF_R),
		Off: ehsize, Vaddr: b.Base + ehsize, Paddr: b.Base + ehsize,
		Filesz: uint64(phnum) * phentsize, Memsz: uint64(phnum) * phentsize, Align: 8,
	})
	if b.Interp != "" {
		progs = append(progs, loader.Phdr64{
			Type: uint32(elf.PT_INTERP), Flags: uint32(elf.PF_R),
			Off: interpAddr - b.Base, Vaddr: interpAddr, Paddr: interpAddr,
			Filesz: uint64(len(b.Interp)) + 1, Memsz: uint64(len(b.Interp)) + 1, Align: 1,
		})
	}
	progs = append(progs,
		loader.Phdr64{
			Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_X),
			Off: 0, Vaddr: b.Base, Paddr: b.Base,
			Filesz: textEnd - b.Base, Memsz: textEnd - b.Base, Align: b.PageSize,
		},
		loader.Phdr64{
			Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_W),
			Off: dataStart - b.Base, Vaddr: dataStart, Paddr: dataStart,
			Filesz: fileEnd - dataStart, Memsz: fileEnd - dataStart + b.Bss, Align: b.PageSize,
		},
		loader.Phdr64{
			Type: uint32(elf.PT_DYNAMIC), Flags: uint32(elf.PF_R | elf.PF_W),
			Off: dynAddr - b.Base, Vaddr: dynAddr, Paddr: dynAddr,
			Filesz: uint64(len(l.dynamic(a))) * 2 * l.word, Memsz: uint64(len(l.dynamic(a))) * 2 * l.word, Align: l.word,
		},
	)
	if hasRelro {
		progs = append(progs, loader.Phdr64{
			Type: uint32(elf.PT_GNU_RELRO), Flags: uint32(elf.PF_R),
			Off: dataStart - b.Base, Vaddr: dataStart, Paddr: dataStart,
			Filesz: relroEnd - dataStart, Memsz: relroEnd - dataStart, Align: 1,
		})
	}
	var ident [16]byte
	copy(ident[:], []byte{0x7f, 'E', 'L', 'F', byte(l.class), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)})
	var flags uint32
	if b.Machine == elf.EM_ARM {
		flags = 0x05000000
	}
	if l.word == 8 {
		l.pack(b.Base, &loader.Ehdr64{
			Ident: ident, Type: uint16(b.Type), Machine: uint16(b.Machine), Version: 1,
			Entry: entry, Phoff: ehsize, Flags: flags, Ehsize: uint16(ehsize),
			Phentsize: uint16(phentsize), Phnum: uint16(phnum),
		})
		for i := range progs {
			l.pack(b.Base+ehsize+uint64(i)*phentsize, &progs[i])
		}
	} else {
		l.pack(b.Base, &loader.Ehdr32{
			Ident: ident, Type: uint16(b.Type), Machine: uint16(b.Machine), Version: 1,
			Entry: uint32(entry), Phoff: uint32(ehsize), Flags: flags, Ehsize: uint16(ehsize),
			Phentsize: uint16(phentsize), Phnum: uint16(phnum),
		})
		for i, p := range progs {
			l.pack(b.Base+ehsize+uint64(i)*phentsize, &loader.Phdr32{
				Type: p.Type, Off: uint32(p.Off), Vaddr: uint32(p.Vaddr), Paddr: uint32(p.Paddr),
				Filesz: uint32(p.Filesz), Memsz: uint32(p.Memsz), Flags: p.Flags, Align: uint32(p.Align),
			})
		}
	}
	if b.Interp != "" {
		l.put(interpAddr, append([]byte(b.Interp), 0))
	}

	// symbol and string tables
	for i, s := range l.syms {
		addr := a.symtab + uint64(i)*symEnt
		if i == 0 {
			continue
		}
		info := uint8(s.bind)<<4 | uint8(s.typ)&0xf
		if l.word == 8 {
			l.pack(addr, &loader.Sym64{Name: l.str(s.name), Info: info, Shndx: s.shndx, Value: s.value, Size: s.size})
		} else {
			l.pack(addr, &loader.Sym32{Name: l.str(s.name), Info: info, Shndx: s.shndx, Value: uint32(s.value), Size: uint32(s.size)})
		}
	}
	l.put(a.strtab, l.strtab)
	if !b.NoHash {
		l.writeHash(a.hash)
	}
	if b.GNUHash {
		l.writeGnuHash(a.gnuHash)
	}

	// code and slot contents
	for i, f := range b.Funcs {
		l.put(l.addrs[f.Name], bodies[i])
	}
	for _, s := range b.Slots {
		val := s.Init
		if s.Target != "" {
			target, ok := l.addrs[s.Target]
			if !ok {
				return nil, errors.Errorf("slot %q: unknown target %q", s.Name, s.Target)
			}
			val += target
		}
		l.putWord(l.addrs[s.Name], val)
	}
	for _, d := range b.Data {
		l.put(l.addrs[d.Name], d.Value)
	}
	for _, arr := range []struct {
		prefix string
		names  []string
	}{{"preinit", b.PreinitArray}, {"init", b.InitArray}, {"fini", b.FiniArray}} {
		for i, name := range arr.names {
			target, ok := l.addrs[name]
			if !ok {
				return nil, errors.Errorf("%s array: unknown function %q", arr.prefix, name)
			}
			l.putWord(l.addrs[arrayName(arr.prefix, i)], target)
		}
	}

	// relocations
	writeRelocs := func(base uint64, list []Reloc) error {
		for i, r := range list {
			off, ok := l.addrs[r.Slot]
			if !ok {
				return errors.Errorf("relocation %d: unknown slot %q", i, r.Slot)
			}
			var sym int
			if r.Sym != "" {
				var err error
				if sym, err = l.symIndex(r.Sym); err != nil {
					return err
				}
			}
			addend := r.Addend
			if r.Target != "" {
				target, ok := l.addrs[r.Target]
				if !ok {
					return errors.Errorf("relocation %d: unknown target %q", i, r.Target)
				}
				addend += int64(target)
			}
			addr := base + uint64(i)*l.relEnt()
			switch {
			case l.word == 8 && b.Rel:
				l.pack(addr, &loader.Rel64{Off: off, Info: uint64(sym)<<32 | uint64(r.Type)})
			case l.word == 8:
				l.pack(addr, &loader.Rela64{Off: off, Info: uint64(sym)<<32 | uint64(r.Type), Addend: addend})
			case b.Rel:
				l.pack(addr, &loader.Rel32{Off: uint32(off), Info: uint32(sym)<<8 | r.Type&0xff})
			default:
				l.pack(addr, &loader.Rela32{Off: uint32(off), Info: uint32(sym)<<8 | r.Type&0xff, Addend: int32(addend)})
			}
			if b.Rel && (r.Addend != 0 || r.Target != "") {
				// implicit addend lives at the target
				l.putWord(off, uint64(addend))
			}
		}
		return nil
	}
	if err := writeRelocs(a.rel, dynRelocs); err != nil {
		return nil, err
	}
	if err := writeRelocs(a.jmprel, pltRelocs); err != nil {
		return nil, err
	}

	// dynamic section
	for i, d := range l.dynamic(a) {
		addr := dynAddr + uint64(i)*2*l.word
		if l.word == 8 {
			l.pack(addr, &loader.Dyn64{Tag: int64(d.tag), Val: d.val})
		} else {
			l.pack(addr, &loader.Dyn32{Tag: int32(d.tag), Val: uint32(d.val)})
		}
	}
	return &Image{Bytes: l.buf, Addrs: l.addrs, Sizes: l.sizes, Data: dataStart}, nil
}

func (l *layout) writeHash(addr uint64) {
	n := uint32(len(l.syms))
	nbucket := n
	buckets := make([]uint32, nbucket)
	chains := make([]uint32, n)
	for i := n - 1; i > 0; i-- {
		h := loader.ElfHash(l.syms[i].name) % nbucket
		chains[i] = buckets[h]
		buckets[h] = i
	}
	words := append([]uint32{nbucket, n}, buckets...)
	words = append(words, chains...)
	for i, w := range words {
		l.order.PutUint32(l.buf[addr-l.b.Base+uint64(i)*4:], w)
	}
}

func (l *layout) writeGnuHash(addr uint64) {
	defined := l.syms[l.symoff:]
	nb := gnuBuckets(len(defined))
	const shift = 6
	wbits := uint32(l.word * 8)
	var bloom uint64
	buckets := make([]uint32, nb)
	chain := make([]uint32, len(defined))
	for i, s := range defined {
		h := loader.GnuHash(s.name)
		bloom |= 1<<(h%wbits) | 1<<((h>>shift)%wbits)
		b := h % nb
		if buckets[b] == 0 {
			buckets[b] = uint32(l.symoff + i)
		}
		chain[i] = h &^ 1
		if i == len(defined)-1 || loader.GnuHash(defined[i+1].name)%nb != b {
			chain[i] |= 1
		}
	}
	off := addr - l.b.Base
	for i, w := range []uint32{nb, uint32(l.symoff), 1, shift} {
		l.order.PutUint32(l.buf[off+uint64(i)*4:], w)
	}
	off += 16
	if l.word == 8 {
		l.order.PutUint64(l.buf[off:], bloom)
	} else {
		l.order.PutUint32(l.buf[off:], uint32(bloom))
	}
	off += l.word
	for _, w := range append(buckets, chain...) {
		l.order.PutUint32(l.buf[off:], w)
		off += 4
	}
}

// MustBuild panics on a Builder error, for test fixtures.
func (b *Builder) MustBuild() *Image {
	img, err := b.Build()
	if err != nil {
		panic(err)
	}
	return img
}
