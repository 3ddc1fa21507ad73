package ld

import (
	"debug/elf"

	"github.com/lunixbochs/ldso/go/loader"
)

const stbGnuUnique elf.SymBind = 10

// visible reports whether another image may bind to s.
func visible(s Sym) bool {
	if !s.Defined() {
		return false
	}
	switch s.Bind {
	case elf.STB_GLOBAL, elf.STB_WEAK, stbGnuUnique:
		return true
	}
	return false
}

func (d *Dynamic) lookupSysv(name string) (Sym, bool, error) {
	if d.nbucket == 0 {
		return Sym{}, false, nil
	}
	h := loader.ElfHash(name)
	i, err := d.v.u32(d.Hash + 8 + uint64(h%d.nbucket)*4)
	if err != nil {
		return Sym{}, false, err
	}
	chains := d.Hash + 8 + uint64(d.nbucket)*4
	for steps := uint32(0); i != 0 && steps <= d.nchain; steps++ {
		if i >= d.nchain {
			break
		}
		s, err := d.sym(i)
		if err != nil {
			return Sym{}, false, err
		}
		if s.Name == name && visible(s) {
			return s, true, nil
		}
		if i, err = d.v.u32(chains + uint64(i)*4); err != nil {
			return Sym{}, false, err
		}
	}
	return Sym{}, false, nil
}

func (d *Dynamic) lookupGnu(name string) (Sym, bool, error) {
	g := &d.gnu
	h := loader.GnuHash(name)
	bits := uint32(d.v.wsize * 8)
	word, err := d.v.word(g.bloom + uint64((h/bits)%g.bloomSize)*d.v.wsize)
	if err != nil {
		return Sym{}, false, err
	}
	mask := uint64(1)<<(h%bits) | uint64(1)<<((h>>g.bloomShift)%bits)
	if word&mask != mask {
		return Sym{}, false, nil
	}
	i, err := d.v.u32(g.buckets + uint64(h%g.nbuckets)*4)
	if err != nil || i == 0 || i < g.symoffset {
		return Sym{}, false, err
	}
	for {
		ch, err := d.v.u32(g.chain + uint64(i-g.symoffset)*4)
		if err != nil {
			return Sym{}, false, err
		}
		if ch|1 == h|1 {
			s, err := d.sym(i)
			if err != nil {
				return Sym{}, false, err
			}
			if s.Name == name && visible(s) {
				return s, true, nil
			}
		}
		if ch&1 != 0 {
			return Sym{}, false, nil
		}
		i++
	}
}

// lookup searches only this image's own table. Local symbols never match.
func (i *Image) lookup(name string) (Sym, bool) {
	d := i.Dyn
	if d == nil || d.Symtab == 0 {
		return Sym{}, false
	}
	var s Sym
	var ok bool
	var err error
	if d.GnuHash != 0 {
		s, ok, err = d.lookupGnu(name)
	} else {
		s, ok, err = d.lookupSysv(name)
	}
	if err != nil || !ok {
		return Sym{}, false
	}
	s.Image = i
	return s, true
}

// symbols returns every entry of the image's table.
func (i *Image) symbols() []Sym {
	d := i.Dyn
	if d == nil || d.Symtab == 0 {
		return nil
	}
	out := make([]Sym, 0, d.nsyms)
	for n := 1; n < d.nsyms; n++ {
		s, err := d.sym(uint32(n))
		if err != nil {
			break
		}
		s.Image = i
		out = append(out, s)
	}
	return out
}

// scope is the relocation search order for img: own table or the main program first
// depending on symbolic binding, then the other of the two, preloads and img's direct
// dependencies in declaration order. The built-in exports come last so they never
// shadow a dependency's definition.
func (l *Linker) scope(img *Image, deps []*Image) []*Image {
	var list []*Image
	seen := make(map[*Image]bool)
	add := func(x *Image) {
		if x != nil && !seen[x] {
			seen[x] = true
			list = append(list, x)
		}
	}
	main := l.reg.main()
	if img.Dyn != nil && img.Dyn.Symbolic {
		add(img)
	}
	add(main)
	add(img)
	for _, p := range l.preloads {
		add(p)
	}
	for _, d := range deps {
		add(d)
	}
	add(l.reg.builtin())
	return list
}

// LookupSymbol resolves name in start's relocation scope, skipping exclude.
func (l *Linker) LookupSymbol(name string, start, exclude *Image) (Sym, bool) {
	return l.resolve(start, start.deps, name, exclude)
}

func (l *Linker) resolve(img *Image, deps []*Image, name string, exclude *Image) (Sym, bool) {
	for _, x := range l.scope(img, deps) {
		if x == exclude {
			continue
		}
		if s, ok := x.lookup(name); ok {
			l.debugf("bindings", "%s: %s -> %s %#x", img.Name, name, x.Name, s.Addr())
			return s, true
		}
	}
	return Sym{}, false
}

// LookupInScope searches one image's own table.
func (l *Linker) LookupInScope(img *Image, name string) (Sym, bool) {
	return img.lookup(name)
}

// LookupGlobal walks global images in load order, starting after the given image if any.
func (l *Linker) LookupGlobal(name string, after *Image) (Sym, bool) {
	started := after == nil
	for _, img := range l.reg.Images() {
		if !started {
			started = img == after
			continue
		}
		if !img.Global {
			continue
		}
		if s, ok := img.lookup(name); ok {
			return s, true
		}
	}
	return Sym{}, false
}

// imageAt finds the image whose mapped span contains addr.
func (l *Linker) imageAt(addr uint64) *Image {
	for _, img := range l.reg.Images() {
		if img.Contains(addr) {
			return img
		}
	}
	return nil
}
