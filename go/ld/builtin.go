package ld

import (
	"bytes"
	"context"
	"debug/elf"

	"github.com/pkg/errors"

	"github.com/lunixbochs/ldso/go/loader"
	"github.com/lunixbochs/ldso/go/loader/elfgen"
	"github.com/lunixbochs/ldso/go/models"
	"github.com/lunixbochs/ldso/go/models/mem"
)

const thunkPrefix = "ldso:"

var builtinExports = []string{"dlopen", "dlsym", "dlclose", "dlerror", "dladdr"}

type memFile struct {
	*bytes.Reader
	name string
}

func (m *memFile) Name() string { return m.name }
func (m *memFile) Close() error { return nil }

// initBuiltin maps the synthetic image in slot 0 that exports the dl* entry points
// and Config.Exports as trap thunks.
func (l *Linker) initBuiltin() error {
	machine := elf.EM_X86_64
	if l.host.Bits() == 32 {
		machine = elf.EM_386
	}
	b := &elfgen.Builder{Machine: machine, Soname: l.cfg.InterpName, PageSize: l.host.PageSize()}
	for _, name := range builtinExports {
		b.Funcs = append(b.Funcs, elfgen.Func{Name: name, Handler: thunkPrefix + name})
	}
	for _, name := range l.cfg.Exports {
		b.Funcs = append(b.Funcs, elfgen.Func{Name: name})
	}
	built, err := b.Build()
	if err != nil {
		return errors.Wrap(err, "build exports image")
	}
	img, err := l.reg.acquireReserved(slotBuiltin, l.cfg.InterpName)
	if err != nil {
		return err
	}
	f := &memFile{Reader: bytes.NewReader(built.Bytes), name: l.cfg.InterpName}
	if err := l.mapInto(img, f, false); err != nil {
		l.reg.Release(img)
		return err
	}
	img.Builtin, img.Global = true, true
	img.refs, img.state, img.ctorsRun = 1, Constructed, true
	if err := l.initScratch(); err != nil {
		l.release(img)
		return err
	}
	l.registerThunks()
	return l.reg.sync(img)
}

func (l *Linker) initScratch() error {
	addr, err := l.host.Mmap(0, l.host.PageSize(), mem.PROT_READ|mem.PROT_WRITE, false, "ldso scratch")
	if err != nil {
		return loadErr(OutOfSlots, "scratch", err)
	}
	l.scratch = addr
	return nil
}

func (l *Linker) registerThunks() {
	th, ok := models.Query(l.host, models.CapThunk).(models.ThunkHost)
	if !ok {
		return
	}
	th.Handle(thunkPrefix+"dlopen", l.thunkDlopen)
	th.Handle(thunkPrefix+"dlsym", l.thunkDlsym)
	th.Handle(thunkPrefix+"dlclose", l.thunkDlclose)
	th.Handle(thunkPrefix+"dlerror", l.thunkDlerror)
	th.Handle(thunkPrefix+"dladdr", l.thunkDladdr)
}

func arg(args []uint64, i int) uint64 {
	if i < len(args) {
		return args[i]
	}
	return 0
}

// putString copies s into the scratch page at off, truncating to fit, and returns its address.
func (l *Linker) putString(off uint64, max uint64, s string) uint64 {
	if uint64(len(s)) >= max {
		s = s[:max-1]
	}
	addr := l.scratch + off
	if err := l.host.MemWrite(addr, append([]byte(s), 0)); err != nil {
		return 0
	}
	return addr
}

// dlopen(path, flags) returns a handle or 0.
func (l *Linker) thunkDlopen(ctx context.Context, args []uint64) (uint64, error) {
	var name string
	if p := arg(args, 0); p != 0 {
		var err error
		if name, err = l.view.cstring(p); err != nil {
			return 0, err
		}
	}
	h, err := l.Open(ctx, name, int(arg(args, 1)))
	if err != nil {
		return 0, nil
	}
	return uint64(h), nil
}

// dlsym(handle, name) treats 0 as the default handle and -1 as next.
func (l *Linker) thunkDlsym(ctx context.Context, args []uint64) (uint64, error) {
	name, err := l.view.cstring(arg(args, 1))
	if err != nil {
		return 0, err
	}
	h := Handle(arg(args, 0))
	mask := ^uint64(0) >> (64 - 8*l.view.wsize)
	switch arg(args, 0) {
	case 0:
		h = HandleDefault
	case mask:
		h = HandleNext
		if site, ok := models.CallSite(ctx); ok {
			ctx = models.WithCaller(ctx, site)
		}
	}
	addr, err := l.Lookup(ctx, h, name)
	if err != nil {
		return 0, nil
	}
	return addr, nil
}

func (l *Linker) thunkDlclose(ctx context.Context, args []uint64) (uint64, error) {
	if err := l.Close(ctx, Handle(arg(args, 0))); err != nil {
		return 1, nil
	}
	return 0, nil
}

func (l *Linker) thunkDlerror(ctx context.Context, args []uint64) (uint64, error) {
	msg := l.Error()
	if msg == "" {
		return 0, nil
	}
	return l.putString(0, l.host.PageSize()/2, msg), nil
}

// dladdr(addr, info) fills a Dl_info of four words and returns nonzero on success.
func (l *Linker) thunkDladdr(ctx context.Context, args []uint64) (uint64, error) {
	info, ok := l.AddressToSymbol(ctx, arg(args, 0))
	if !ok {
		return 0, nil
	}
	page := l.host.PageSize()
	w := int(l.view.wsize)
	out := arg(args, 1)
	var sname, saddr uint64
	fname := l.putString(page/2, page/4, info.Image)
	if info.HasSymbol {
		sname = l.putString(page*3/4, page/4, info.Symbol)
		saddr = info.Addr
	}
	for i, v := range []uint64{fname, info.Base, sname, saddr} {
		if err := l.view.putUint(out+uint64(i*w), w, v); err != nil {
			return 0, err
		}
	}
	return 1, nil
}

// memReader reads host memory as if it were a file starting at base.
type memReader struct {
	v    view
	base uint64
}

func (m memReader) ReadAt(p []byte, off int64) (int, error) {
	data, err := m.v.h.MemRead(m.base+uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, data), nil
}

// bootstrap registers and self-relocates the linker's own image, already mapped at base.
// Only relative relocations are allowed. Any failure panics: nothing can report it yet.
func (l *Linker) bootstrap(base uint64) {
	img, err := l.adoptMapped(slotBuiltin, l.cfg.InterpName, base)
	if err != nil {
		panic(errors.Wrap(err, "self-relocation failed"))
	}
	img.Builtin, img.Global = true, true
	img.refs, img.ctorsRun = 1, true
	arch, ok := ArchFor(img.machine)
	if !ok {
		panic(errors.Errorf("self-relocation failed: unsupported machine %s", img.machine))
	}
	d := img.Dyn
	for _, table := range []struct {
		addr, size uint64
		rela       bool
	}{{d.Rel, d.RelSz, false}, {d.Rela, d.RelaSz, true}, {d.JmpRel, d.PltRelSz, d.PltRel != elf.DT_REL}} {
		rels, err := l.readRelocs(img, table.addr, table.size, table.rela)
		if err != nil {
			panic(errors.Wrap(err, "self-relocation failed"))
		}
		for _, r := range rels {
			if t, ok := arch.Classify(r.Type); !ok || (t.Kind != RelRelative && t.Kind != RelNone) {
				panic(errors.Errorf("self-relocation failed: non-relative relocation %d at %#x", r.Type, r.Off))
			}
		}
	}
	if err := l.relocate(context.Background(), img); err != nil {
		panic(errors.Wrap(err, "self-relocation failed"))
	}
	img.state = Constructed
	if err := l.initScratch(); err != nil {
		panic(err)
	}
	l.registerThunks()
	l.reg.sync(img)
}

// adoptMapped registers an image the host already mapped, identified by its ELF header at base.
func (l *Linker) adoptMapped(slot int, name string, base uint64) (*Image, error) {
	e, err := loader.Open(memReader{l.view, base})
	if err != nil {
		return nil, classify(name, err)
	}
	var lo uint64 = ^uint64(0)
	for _, p := range e.Loads() {
		if p.Vaddr < lo {
			lo = p.Vaddr
		}
	}
	bias := base - lo&^(l.host.PageSize()-1)
	return l.adoptProgs(slot, name, e.Progs, bias, e.Machine, e.Entry())
}

func (l *Linker) adoptProgs(slot int, name string, progs []elf.ProgHeader, bias uint64, machine elf.Machine, entry uint64) (*Image, error) {
	img, err := l.reg.acquireReserved(slot, name)
	if err != nil {
		return nil, err
	}
	page := l.host.PageSize()
	img.segments, img.Regions, img.relro = segmentsFromProgs(progs, bias, page)
	if len(img.segments) == 0 {
		l.reg.Release(img)
		return nil, loadErr(FormatError, name, errors.WithStack(loader.ErrNoLoad))
	}
	img.Bias = bias
	img.Base = img.Regions[0].Addr
	last := img.Regions[len(img.Regions)-1]
	img.Size = last.End() - img.Base
	img.machine = machine
	if entry != 0 {
		img.Entry = bias + entry
	}
	var dynAddr uint64
	for _, p := range progs {
		switch p.Type {
		case elf.PT_DYNAMIC:
			dynAddr = bias + p.Vaddr
		case elf.PT_PHDR:
			img.Phdr = bias + p.Vaddr
		}
	}
	img.Phnum = len(progs)
	if img.Dyn, err = parseDynamic(l.view, dynAddr, bias); err != nil {
		l.reg.Release(img)
		return nil, loadErr(FormatError, name, err)
	}
	return img, nil
}
