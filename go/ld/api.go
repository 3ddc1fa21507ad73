package ld

import (
	"context"
	"debug/elf"

	"github.com/pkg/errors"

	"github.com/lunixbochs/ldso/go/models"
)

// dlopen flags
const (
	RTLD_LAZY   = 0x1
	RTLD_NOW    = 0x2
	RTLD_NOLOAD = 0x4
	RTLD_LOCAL  = 0
	RTLD_GLOBAL = 0x100
)

var ErrBadHandle = errors.New("invalid handle")

func (l *Linker) fail(err error) error {
	if err != nil {
		l.errMu.Lock()
		l.lastErr = err.Error()
		l.errMu.Unlock()
	}
	return err
}

// Open loads name and its dependencies and runs their constructors. An empty name
// returns the main program. RTLD_GLOBAL makes the image and its dependencies visible
// to default lookups.
func (l *Linker) Open(ctx context.Context, name string, flags int) (Handle, error) {
	ctx, unlock := l.lock(ctx)
	defer unlock()
	done, err := l.reg.unprotect()
	if err != nil {
		return 0, l.fail(err)
	}
	defer done()
	global := flags&RTLD_GLOBAL != 0

	var img *Image
	switch {
	case name == "":
		if img = l.reg.main(); img == nil {
			return 0, l.fail(errors.New("no main program"))
		}
		img.refs++
	case flags&RTLD_NOLOAD != 0:
		if img = l.findResident(name); img == nil || img.state < Linked || img.state >= Destructing {
			return 0, l.fail(errors.Errorf("%s is not loaded", name))
		}
		img.refs++
		if global {
			markGlobal(img)
		}
	default:
		if img, err = l.loadConstructed(ctx, name, global); err != nil {
			return 0, l.fail(err)
		}
	}
	l.logf("open %s -> %s", name, img.Handle())
	return img.Handle(), l.fail(l.reg.sync(img))
}

// Lookup finds name through a handle. HandleDefault searches every global image;
// HandleNext searches those loaded after the image containing the caller address in ctx.
func (l *Linker) Lookup(ctx context.Context, h Handle, name string) (uint64, error) {
	ctx, unlock := l.lock(ctx)
	defer unlock()
	var s Sym
	var ok bool
	switch h {
	case HandleDefault:
		s, ok = l.LookupGlobal(name, nil)
	case HandleNext:
		caller, known := models.CallerFrom(ctx)
		if !known {
			return 0, l.fail(errors.New("next lookup without a caller address"))
		}
		img := l.imageAt(caller)
		if img == nil {
			return 0, l.fail(errors.Errorf("caller %#x is not inside a loaded image", caller))
		}
		s, ok = l.LookupGlobal(name, img)
	default:
		img, valid := l.reg.Get(h)
		if !valid {
			return 0, l.fail(errors.Wrapf(ErrBadHandle, "lookup %s", name))
		}
		s, ok = img.lookup(name)
	}
	if !ok {
		return 0, l.fail(loadErr(UndefinedSymbol, name, errors.Errorf("undefined symbol: %s", name)))
	}
	addr := s.Addr()
	if s.Type == sttGnuIfunc {
		ret, err := l.call(ctx, addr)
		if err != nil {
			return 0, l.fail(errors.Wrapf(err, "ifunc %s", name))
		}
		addr = ret
	}
	return addr, nil
}

// Close drops the reference taken by Open.
func (l *Linker) Close(ctx context.Context, h Handle) error {
	ctx, unlock := l.lock(ctx)
	defer unlock()
	img, ok := l.reg.Get(h)
	if !ok {
		return l.fail(errors.Wrapf(ErrBadHandle, "close %s", h))
	}
	done, err := l.reg.unprotect()
	if err != nil {
		return l.fail(err)
	}
	defer done()
	if img.Builtin {
		return nil
	}
	if img.Main && img.refs <= 1 {
		return l.fail(errors.New("main program is not open"))
	}
	return l.fail(l.unref(ctx, img))
}

// SymInfo describes the image and symbol containing an address.
type SymInfo struct {
	Image     string
	Path      string
	Base      uint64
	Symbol    string
	Addr      uint64
	HasSymbol bool
}

// AddressToSymbol finds the image containing addr, then scans its symbol table for a
// defined symbol covering addr.
func (l *Linker) AddressToSymbol(ctx context.Context, addr uint64) (SymInfo, bool) {
	_, unlock := l.lock(ctx)
	defer unlock()
	img := l.imageAt(addr)
	if img == nil {
		return SymInfo{}, false
	}
	info := SymInfo{Image: img.Name, Path: img.Path, Base: img.Base}
	var best Sym
	found := false
	for _, s := range img.symbols() {
		if !s.Defined() || s.Type == elf.STT_SECTION || s.Type == elf.STT_FILE {
			continue
		}
		start := s.Addr()
		if addr < start || (s.Size > 0 && addr >= start+s.Size) || (s.Size == 0 && addr != start) {
			continue
		}
		// prefer exported names over locals at the same address
		if !found || (best.Bind == elf.STB_LOCAL && s.Bind != elf.STB_LOCAL) {
			best, found = s, true
		}
	}
	if found {
		info.Symbol, info.Addr, info.HasSymbol = best.Name, best.Addr(), true
	}
	return info, true
}

// Error returns and clears the last failure message.
func (l *Linker) Error() string {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	msg := l.lastErr
	l.lastErr = ""
	return msg
}

// ImageInfo is a snapshot of one link-map entry.
type ImageInfo struct {
	Handle  Handle
	Name    string
	Path    string
	Base    uint64
	Bias    uint64
	Size    uint64
	Regions []models.Region
	Refs    int
	State   State
	Global  bool
	Deps    []string
}

// Images lists loaded images in load order.
func (l *Linker) Images(ctx context.Context) []ImageInfo {
	_, unlock := l.lock(ctx)
	defer unlock()
	var out []ImageInfo
	for _, img := range l.reg.Images() {
		info := ImageInfo{
			Handle: img.Handle(), Name: img.Name, Path: img.Path,
			Base: img.Base, Bias: img.Bias, Size: img.Size,
			Regions: append([]models.Region(nil), img.Regions...),
			Refs:    img.refs, State: img.state, Global: img.Global,
		}
		for _, dep := range img.deps {
			info.Deps = append(info.Deps, dep.Name)
		}
		out = append(out, info)
	}
	return out
}

// Image resolves a handle to its live image.
func (l *Linker) Image(ctx context.Context, h Handle) (*Image, bool) {
	_, unlock := l.lock(ctx)
	defer unlock()
	return l.reg.Get(h)
}
