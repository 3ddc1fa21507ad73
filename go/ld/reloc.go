package ld

import (
	"context"
	"debug/elf"

	"github.com/pkg/errors"

	"github.com/lunixbochs/ldso/go/loader"
	"github.com/lunixbochs/ldso/go/models"
	"github.com/lunixbochs/ldso/go/models/mem"
)

// Reloc is one decoded relocation entry. Off is a link-time address.
type Reloc struct {
	Off    uint64
	Type   uint32
	Sym    uint32
	Addend int64
	// Rela entries carry Addend; Rel entries take it from the target location.
	Rela bool
}

func (l *Linker) readRelocs(img *Image, addr, size uint64, rela bool) ([]Reloc, error) {
	if addr == 0 || size == 0 {
		return nil, nil
	}
	v := l.view
	ent := img.Dyn.RelEnt
	if rela {
		ent = img.Dyn.RelaEnt
	}
	p, err := l.host.MemRead(addr, size)
	if err != nil {
		return nil, errors.Wrap(err, "read relocation table")
	}
	out := make([]Reloc, 0, size/ent)
	for off := uint64(0); off+ent <= size; off += ent {
		var r Reloc
		r.Rela = rela
		chunk := p[off : off+ent]
		switch {
		case v.wsize == 8 && rela:
			var raw loader.Rela64
			err = loader.Unpack(chunk, v.order, &raw)
			r.Off, r.Sym, r.Type, r.Addend = raw.Off, uint32(raw.Info>>32), uint32(raw.Info), raw.Addend
		case v.wsize == 8:
			var raw loader.Rel64
			err = loader.Unpack(chunk, v.order, &raw)
			r.Off, r.Sym, r.Type = raw.Off, uint32(raw.Info>>32), uint32(raw.Info)
		case rela:
			var raw loader.Rela32
			err = loader.Unpack(chunk, v.order, &raw)
			r.Off, r.Sym, r.Type, r.Addend = uint64(raw.Off), raw.Info>>8, raw.Info&0xff, int64(raw.Addend)
		default:
			var raw loader.Rel32
			err = loader.Unpack(chunk, v.order, &raw)
			r.Off, r.Sym, r.Type = uint64(raw.Off), raw.Info>>8, raw.Info&0xff
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// readRelr expands a DT_RELR table into link-time addresses.
func (l *Linker) readRelr(img *Image) ([]uint64, error) {
	d := img.Dyn
	if d.Relr == 0 || d.RelrSz == 0 {
		return nil, nil
	}
	w := l.view.wsize
	nbits := w*8 - 1
	var out []uint64
	var where uint64
	for off := uint64(0); off < d.RelrSz; off += w {
		entry, err := l.view.word(d.Relr + off)
		if err != nil {
			return nil, errors.Wrap(err, "read relr")
		}
		if entry&1 == 0 {
			out = append(out, entry)
			where = entry + w
			continue
		}
		for i := uint64(0); entry>>1 != 0 && i < nbits; i++ {
			if entry&(2<<i) != 0 {
				out = append(out, where+i*w)
			}
		}
		where += nbits * w
	}
	return out, nil
}

// original reads the unrelocated contents at a link-time address: from the file when
// the address is file-backed, otherwise from memory.
func (l *Linker) original(img *Image, vaddr uint64, width int) (uint64, error) {
	if img.elf != nil {
		if off, ok := img.elf.FileOffset(vaddr); ok {
			p := make([]byte, width)
			if n, _ := img.elf.ReadAt(p, int64(off)); n == width {
				return mem.DecodeUint(l.view.order, p)
			}
		}
	}
	return l.view.uint(img.Bias+vaddr, width)
}

func (l *Linker) call(ctx context.Context, addr uint64, args ...uint64) (uint64, error) {
	c, ok := models.Query(l.host, models.CapCall).(models.Caller)
	if !ok {
		return 0, errors.New("host cannot call code")
	}
	return c.Call(ctx, addr, args...)
}

// Apply runs one relocation list against img, resolving symbols in img's scope with deps
// as its direct dependencies.
func (l *Linker) Apply(ctx context.Context, img *Image, list []Reloc, deps []*Image) error {
	arch, ok := ArchFor(img.machine)
	if !ok {
		return loadErrf(RelocationTypeError, img.Name, "no relocation table for %s", img.machine)
	}
	type binding struct {
		sym Sym
		ok  bool
	}
	cache := make(map[uint32]binding)
	for _, r := range list {
		t, ok := arch.Classify(r.Type)
		if !ok {
			return loadErrf(RelocationTypeError, img.Name, "unknown relocation type %d at %#x", r.Type, r.Off)
		}
		if t.Kind == RelNone {
			continue
		}
		if t.Kind == RelTLS {
			return loadErrf(RelocationTypeError, img.Name, "unsupported TLS relocation %s at %#x", t.Name, r.Off)
		}
		P := img.Bias + r.Off
		A := r.Addend
		if !r.Rela && t.Width > 0 {
			v, err := l.original(img, r.Off, t.Width)
			if err != nil {
				return loadErr(RelocationTypeError, img.Name, errors.Wrapf(err, "read addend at %#x", r.Off))
			}
			if t.Width == 4 {
				A = int64(int32(v))
			} else {
				A = int64(v)
			}
		}
		if t.Kind == RelCopy {
			if err := l.copyReloc(img, r, deps); err != nil {
				return err
			}
			continue
		}

		var S uint64
		if r.Sym != 0 {
			b, seen := cache[r.Sym]
			if !seen {
				ref, err := img.Dyn.sym(r.Sym)
				if err != nil {
					return loadErr(RelocationTypeError, img.Name, err)
				}
				ref.Image = img
				switch {
				case ref.Bind == elf.STB_LOCAL:
					b = binding{ref, ref.Defined()}
				default:
					def, found := l.resolve(img, deps, ref.Name, nil)
					if found {
						b = binding{def, true}
					} else if ref.Bind == elf.STB_WEAK {
						l.debugf("symbols", "%s: weak %s unresolved", img.Name, ref.Name)
						b = binding{ref, false}
					} else {
						return loadErr(UndefinedSymbol, img.Name, errors.Errorf("undefined symbol: %s", ref.Name))
					}
				}
				cache[r.Sym] = b
			}
			if b.ok {
				S = b.sym.Addr()
				if b.sym.Type == sttGnuIfunc {
					ret, err := l.call(ctx, S)
					if err != nil {
						return loadErr(RelocationTypeError, img.Name, errors.Wrapf(err, "ifunc %s", b.sym.Name))
					}
					S = ret
				}
			} else if t.Kind == RelPC {
				// an unresolved weak reference means no displacement
				S = P
			}
		}

		var val uint64
		switch t.Kind {
		case RelAbs:
			val = S + uint64(A)
		case RelRelative:
			val = img.Bias + uint64(A)
		case RelPC:
			val = S + uint64(A) - P
		case RelGlobDat, RelJumpSlot:
			val = S
			if r.Rela {
				val += uint64(A)
			}
		case RelIRelative:
			ret, err := l.call(ctx, img.Bias+uint64(A))
			if err != nil {
				return loadErr(RelocationTypeError, img.Name, errors.Wrapf(err, "irelative at %#x", r.Off))
			}
			val = ret
		default:
			return loadErrf(RelocationTypeError, img.Name, "unhandled relocation %s", t.Name)
		}
		l.debugf("reloc", "%s: %s %#x = %#x", img.Name, t.Name, P, val)
		if err := l.view.putUint(P, t.Width, val); err != nil {
			return loadErr(RelocationTypeError, img.Name, errors.Wrapf(err, "write %s at %#x", t.Name, P))
		}
	}
	return nil
}

const sttGnuIfunc elf.SymType = 10

func (l *Linker) copyReloc(img *Image, r Reloc, deps []*Image) error {
	if !img.Main {
		return loadErrf(RelocationTypeError, img.Name, "copy relocation at %#x outside the main program", r.Off)
	}
	ref, err := img.Dyn.sym(r.Sym)
	if err != nil {
		return loadErr(RelocationTypeError, img.Name, err)
	}
	def, ok := l.resolve(img, deps, ref.Name, img)
	if !ok {
		if ref.Bind == elf.STB_WEAK {
			return nil
		}
		return loadErr(UndefinedSymbol, img.Name, errors.Errorf("undefined symbol: %s", ref.Name))
	}
	if def.Image.Dyn.Symbolic {
		return loadErrf(RelocationTypeError, img.Name, "copy relocation of %s from symbolically bound %s", ref.Name, def.Image.Name)
	}
	size := ref.Size
	if def.Size < size {
		size = def.Size
	}
	if size == 0 {
		return nil
	}
	data, err := l.host.MemRead(def.Addr(), size)
	if err != nil {
		return loadErr(RelocationTypeError, img.Name, errors.Wrapf(err, "copy %s", ref.Name))
	}
	l.debugf("reloc", "%s: copy %s (%d bytes) from %s", img.Name, ref.Name, size, def.Image.Name)
	return errors.Wrap(l.host.MemWrite(img.Bias+r.Off, data), "copy relocation")
}

// writable makes every non-writable segment containing a relocation target writable.
// The returned func restores segment permissions and may be called more than once.
func (l *Linker) writable(img *Image, targets []uint64) (func() error, error) {
	var touched []loader.Segment
	for _, s := range img.segments {
		if s.Prot&mem.PROT_WRITE != 0 {
			continue
		}
		for _, off := range targets {
			addr := img.Bias + off
			if addr >= s.Start && addr < s.End {
				touched = append(touched, s)
				break
			}
		}
	}
	restored := len(touched) == 0
	restore := func() error {
		if restored {
			return nil
		}
		restored = true
		return loader.ProtectSegments(l.host, img.segments)
	}
	for _, s := range touched {
		l.debugf("reloc", "%s: unprotect %#x-%#x", img.Name, s.Start, s.End)
		if err := l.host.Mprotect(s.Start, s.End-s.Start, s.Prot|mem.PROT_WRITE); err != nil {
			restore()
			return nil, loadErr(MapError, img.Name, err)
		}
	}
	return restore, nil
}

// relocate applies all of img's relocation tables, then seals PT_GNU_RELRO.
func (l *Linker) relocate(ctx context.Context, img *Image) error {
	d := img.Dyn
	if d == nil {
		return nil
	}
	relr, err := l.readRelr(img)
	if err != nil {
		return loadErr(RelocationTypeError, img.Name, err)
	}
	rel, err := l.readRelocs(img, d.Rel, d.RelSz, false)
	if err != nil {
		return loadErr(RelocationTypeError, img.Name, err)
	}
	rela, err := l.readRelocs(img, d.Rela, d.RelaSz, true)
	if err != nil {
		return loadErr(RelocationTypeError, img.Name, err)
	}
	plt, err := l.readRelocs(img, d.JmpRel, d.PltRelSz, d.PltRel != elf.DT_REL)
	if err != nil {
		return loadErr(RelocationTypeError, img.Name, err)
	}
	targets := append([]uint64(nil), relr...)
	for _, list := range [][]Reloc{rel, rela, plt} {
		for _, r := range list {
			targets = append(targets, r.Off)
		}
	}
	restore, err := l.writable(img, targets)
	if err != nil {
		return err
	}
	defer restore()

	for _, off := range relr {
		v, err := l.original(img, off, int(l.view.wsize))
		if err != nil {
			return loadErr(RelocationTypeError, img.Name, errors.Wrapf(err, "relr at %#x", off))
		}
		if err := l.view.putUint(img.Bias+off, int(l.view.wsize), v+img.Bias); err != nil {
			return loadErr(RelocationTypeError, img.Name, errors.Wrapf(err, "relr at %#x", off))
		}
	}
	for _, list := range [][]Reloc{rel, rela, plt} {
		if err := l.Apply(ctx, img, list, img.deps); err != nil {
			return err
		}
	}
	if err := restore(); err != nil {
		return loadErr(MapError, img.Name, err)
	}
	for _, r := range img.relro {
		if err := l.host.Mprotect(r.Addr, r.Size, mem.PROT_READ); err != nil {
			return loadErr(MapError, img.Name, errors.Wrap(err, "relro"))
		}
	}
	return nil
}
