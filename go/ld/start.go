package ld

import (
	"context"
	"debug/elf"
	"sync"

	"github.com/pkg/errors"

	"github.com/lunixbochs/ldso/go/loader"
	"github.com/lunixbochs/ldso/go/models"
)

var process struct {
	sync.Mutex
	linker *Linker
}

// Init creates the process-wide linker.
func Init(h models.Host, cfg *models.Config) (*Linker, error) {
	return initProcess(h, cfg, 0)
}

func initProcess(h models.Host, cfg *models.Config, selfBase uint64) (*Linker, error) {
	process.Lock()
	defer process.Unlock()
	if process.linker != nil {
		return nil, errors.New("linker already initialized")
	}
	l, err := newLinker(h, cfg, selfBase)
	if err != nil {
		return nil, err
	}
	process.linker = l
	return l, nil
}

// Default returns the process-wide linker, or nil before Init.
func Default() *Linker {
	process.Lock()
	defer process.Unlock()
	return process.linker
}

// Teardown runs every finalizer and forgets the process-wide linker.
func Teardown(ctx context.Context) error {
	process.Lock()
	l := process.linker
	process.linker = nil
	process.Unlock()
	if l == nil {
		return nil
	}
	return l.Shutdown(ctx)
}

// Start is the process entry: it finds the host through auxv, maps the main program
// (unless the host already did, per AT_PHDR), loads preloads and dependencies, runs
// initializers and returns the entry point.
func Start(ctx context.Context, argv, envp []string, auxv []models.Auxv) (uint64, *Linker, error) {
	vals := make(map[uint64]uint64)
	for _, a := range auxv {
		vals[a.Type] = a.Val
	}
	id, ok := vals[models.AT_HOSTCAPS]
	if !ok {
		return 0, nil, errors.New("auxv has no host capability entry")
	}
	h, ok := models.HostByHandle(id)
	if !ok {
		return 0, nil, errors.Errorf("unknown host handle %d", id)
	}
	cfg := models.ConfigFromEnv()
	cfg.ApplyEnviron(envp)
	l, err := initProcess(h, cfg, vals[models.AT_BASE])
	if err != nil {
		return 0, nil, err
	}
	entry, err := l.startMain(ctx, argv, vals)
	if err != nil {
		Teardown(ctx)
		return 0, nil, err
	}
	return entry, l, nil
}

// StartMain maps and links a main program by name on an existing linker.
func (l *Linker) StartMain(ctx context.Context, name string) (uint64, error) {
	return l.startMain(ctx, []string{name}, nil)
}

func (l *Linker) startMain(ctx context.Context, argv []string, auxv map[uint64]uint64) (uint64, error) {
	ctx, unlock := l.lock(ctx)
	defer unlock()
	done, err := l.reg.unprotect()
	if err != nil {
		return 0, err
	}
	defer done()
	if l.reg.main() != nil {
		return 0, errors.New("main program already loaded")
	}
	name := ""
	if len(argv) > 0 {
		name = argv[0]
	}
	var main *Image
	if phdr := auxv[models.AT_PHDR]; phdr != 0 {
		if main, err = l.adoptMain(name, phdr, int(auxv[models.AT_PHNUM]), auxv[models.AT_ENTRY]); err != nil {
			return 0, err
		}
	} else {
		if name == "" {
			return 0, errors.New("no program to run")
		}
		f, p, err := l.locate(name, nil)
		if err != nil {
			return 0, loadErr(DependencyError, name, err)
		}
		if main, err = l.reg.acquireReserved(slotMain, name); err != nil {
			f.Close()
			return 0, err
		}
		main.Path = p
		if err := l.mapInto(main, f, true); err != nil {
			f.Close()
			l.reg.Release(main)
			return 0, err
		}
	}
	main.Main, main.Global = true, true
	main.refs, main.state = 1, Mapped

	fail := func(err error) (uint64, error) {
		for i := len(l.preloads) - 1; i >= 0; i-- {
			l.unref(ctx, l.preloads[i])
		}
		l.preloads = nil
		l.discard(ctx, main)
		return 0, err
	}
	for _, name := range l.cfg.Preload {
		img, err := l.load(ctx, name, main)
		if err != nil {
			return fail(loadErr(DependencyError, name, err))
		}
		img.Preload = true
		markGlobal(img)
		l.preloads = append(l.preloads, img)
	}
	if err := l.link(ctx, main); err != nil {
		return fail(err)
	}
	for _, img := range l.preloads {
		if err := l.construct(ctx, img); err != nil {
			return fail(err)
		}
	}
	if err := l.construct(ctx, main); err != nil {
		return fail(err)
	}
	if main.Entry == 0 {
		return 0, errors.Errorf("%s has no entry point", main.Name)
	}
	l.logf("entry %#x", main.Entry)
	return main.Entry, nil
}

// adoptMain registers a main program the host mapped itself, described by its program headers.
func (l *Linker) adoptMain(name string, phdr uint64, phnum int, entry uint64) (*Image, error) {
	class, size := elf.ELFCLASS64, uint64(loader.SizeofPhdr64)
	if l.host.Bits() == 32 {
		class, size = elf.ELFCLASS32, loader.SizeofPhdr32
	}
	p, err := l.host.MemRead(phdr, uint64(phnum)*size)
	if err != nil {
		return nil, loadErr(FormatError, name, errors.Wrap(err, "read program headers"))
	}
	progs, err := loader.ParseProgs(p, class, l.host.ByteOrder(), phnum)
	if err != nil {
		return nil, loadErr(FormatError, name, err)
	}
	var bias uint64
	found := false
	for _, prog := range progs {
		if prog.Type == elf.PT_PHDR {
			bias, found = phdr-prog.Vaddr, true
		}
	}
	if !found {
		return nil, loadErrf(FormatError, name, "premapped program has no PT_PHDR")
	}
	machine := l.machine
	var lo uint64 = ^uint64(0)
	for _, prog := range progs {
		if prog.Type == elf.PT_LOAD && prog.Off == 0 && prog.Vaddr < lo {
			lo = prog.Vaddr
		}
	}
	if lo != ^uint64(0) {
		if e, err := loader.Open(memReader{l.view, bias + lo}); err == nil {
			machine = e.Machine
		}
	}
	if l.machine == 0 {
		l.machine = machine
	}
	img, err := l.adoptProgs(slotMain, name, progs, bias, machine, 0)
	if err != nil {
		return nil, err
	}
	img.Path = name
	img.Entry = entry
	return img, nil
}
