package ld

import (
	"context"
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/lunixbochs/ldso/go/loader"
	"github.com/lunixbochs/ldso/go/models"
)

func (l *Linker) findResident(name string) *Image {
	for _, img := range l.reg.Images() {
		if img.matches(name) {
			return img
		}
	}
	return nil
}

func (l *Linker) searchDirs(requester *Image) []string {
	var dirs []string
	if requester != nil && requester.Dyn != nil {
		origin := path.Dir(requester.Path)
		for _, dir := range requester.Dyn.Runpath {
			dirs = append(dirs, strings.Replace(dir, "$ORIGIN", origin, -1))
		}
	}
	dirs = append(dirs, l.cfg.LibraryPath...)
	if l.host.Bits() == 64 {
		dirs = append(dirs, "/lib64", "/usr/lib64")
	}
	return append(dirs, "/lib", "/usr/lib")
}

// locate finds the bytes for a dependency: the host's resolve hook first, then the search path.
func (l *Linker) locate(name string, requester *Image) (models.File, string, error) {
	if r, ok := models.Query(l.host, models.CapResolve).(models.Resolver); ok {
		f, err := r.ResolveFile(name)
		if err != nil {
			return nil, "", errors.Wrap(err, "resolve hook")
		}
		if f != nil {
			return f, name, nil
		}
	}
	var candidates []string
	if strings.Contains(name, "/") {
		candidates = []string{name}
	} else {
		for _, dir := range l.searchDirs(requester) {
			candidates = append(candidates, path.Join(dir, name))
		}
	}
	for _, c := range candidates {
		f, err := l.host.Open(l.cfg.PrefixPath(c, false))
		if err == nil {
			l.debugf("libs", "found %s at %s", name, c)
			return f, c, nil
		}
	}
	return nil, "", errors.Errorf("cannot find %s", name)
}

// mapInto parses and maps f into an acquired slot.
func (l *Linker) mapInto(img *Image, f models.File, adopt bool) error {
	e, err := loader.Open(f)
	if err != nil {
		return classify(img.Name, err)
	}
	if adopt {
		if l.machine == 0 {
			l.machine = e.Machine
		} else if e.Machine != l.machine {
			return loadErrf(FormatError, img.Name, "machine %s does not match %s", e.Machine, l.machine)
		}
	}
	m, err := e.Map(l.host, loader.MapOptions{SplitCodeData: l.cfg.SplitCodeData, Desc: img.Name})
	if err != nil {
		return classify(img.Name, err)
	}
	dyn, err := parseDynamic(l.view, m.Dynamic, m.Bias)
	if err != nil {
		m.Unmap(l.host)
		return loadErr(FormatError, img.Name, err)
	}
	img.Base, img.Bias, img.Size = m.Base, m.Bias, m.Span
	img.Regions = m.Regions
	img.Phdr, img.Phnum, img.Entry = m.Phdr, m.Phnum, m.Entry
	img.Dyn = dyn
	img.machine = e.Machine
	img.file, img.elf, img.mapping = f, e, m
	img.segments, img.relro = m.Segments, m.Relro
	img.owned = true
	l.debugf("libs", "mapped %s at %#x (bias %#x, %d regions)", img.Name, img.Base, img.Bias, len(img.Regions))
	return nil
}

// release unmaps an image and returns its slot.
func (l *Linker) release(img *Image) {
	if img.owned && img.mapping != nil {
		img.mapping.Unmap(l.host)
	}
	if img.file != nil {
		img.file.Close()
	}
	img.file, img.mapping = nil, nil
	l.reg.Release(img)
}

// load brings name to at least the Linked state and takes a reference.
func (l *Linker) load(ctx context.Context, name string, requester *Image) (*Image, error) {
	if img := l.findResident(name); img != nil {
		if img.state == Mapped {
			return nil, loadErrf(CycleError, name, "%s is still being linked", img.Name)
		}
		if img.state >= Destructing {
			return nil, loadErrf(CycleError, name, "%s is being unloaded", img.Name)
		}
		img.refs++
		if err := l.reg.sync(img); err != nil {
			img.refs--
			return nil, err
		}
		return img, nil
	}
	f, p, err := l.locate(name, requester)
	if err != nil {
		return nil, loadErr(DependencyError, name, err)
	}
	img, err := l.reg.Acquire(name)
	if err != nil {
		f.Close()
		return nil, err
	}
	img.Path = p
	if err := l.mapInto(img, f, true); err != nil {
		f.Close()
		l.reg.Release(img)
		return nil, err
	}
	img.refs, img.state = 1, Mapped
	img.Global = requester != nil && requester.Global
	if err := l.link(ctx, img); err != nil {
		l.discard(ctx, img)
		return nil, err
	}
	return img, nil
}

// link loads img's dependencies and relocates it.
func (l *Linker) link(ctx context.Context, img *Image) error {
	if err := l.reg.sync(img); err != nil {
		return err
	}
	for _, name := range img.Dyn.Needed {
		dep, err := l.load(ctx, name, img)
		if err != nil {
			return loadErr(DependencyError, name, err)
		}
		img.deps = append(img.deps, dep)
	}
	if err := l.relocate(ctx, img); err != nil {
		return err
	}
	img.state = Linked
	l.debugf("libs", "linked %s", img.Name)
	l.notify(img, true)
	return l.reg.sync(img)
}

// discard unwinds an image that failed to link.
func (l *Linker) discard(ctx context.Context, img *Image) {
	deps := img.deps
	img.deps = nil
	l.release(img)
	for _, dep := range deps {
		l.unref(ctx, dep)
	}
}

func (l *Linker) callInit(ctx context.Context, img *Image, what string, addr uint64) error {
	if addr == 0 || addr == ^uint64(0)>>(64-8*l.view.wsize) {
		return nil
	}
	if models.Query(l.host, models.CapCall) == nil {
		l.debugf("init", "%s: %s at %#x skipped, host cannot call code", img.Name, what, addr)
		return nil
	}
	l.debugf("init", "%s: %s at %#x", img.Name, what, addr)
	if _, err := l.call(ctx, addr); err != nil {
		return errors.Wrapf(err, "%s: %s at %#x", img.Name, what, addr)
	}
	return nil
}

func (l *Linker) callArray(ctx context.Context, img *Image, what string, arr, size uint64, reverse bool) error {
	n := size / l.view.wsize
	for i := uint64(0); i < n; i++ {
		idx := i
		if reverse {
			idx = n - 1 - i
		}
		addr, err := l.view.word(arr + idx*l.view.wsize)
		if err != nil {
			return errors.Wrapf(err, "%s: read %s", img.Name, what)
		}
		if err := l.callInit(ctx, img, what, addr); err != nil {
			return err
		}
	}
	return nil
}

// construct runs initializers, dependencies first. ctorsRun is set before recursing so cycles terminate.
func (l *Linker) construct(ctx context.Context, img *Image) error {
	if img.ctorsRun {
		return nil
	}
	img.ctorsRun = true
	for _, dep := range img.deps {
		if err := l.construct(ctx, dep); err != nil {
			return err
		}
	}
	d := img.Dyn
	if d != nil {
		if img.Main {
			if err := l.callArray(ctx, img, "preinit", d.PreinitArray, d.PreinitArraySz, false); err != nil {
				return err
			}
		}
		if err := l.callInit(ctx, img, "init", d.Init); err != nil {
			return err
		}
		if err := l.callArray(ctx, img, "init_array", d.InitArray, d.InitArraySz, false); err != nil {
			return err
		}
	}
	if img.state == Linked {
		img.state = Constructed
	}
	return l.reg.sync(img)
}

// destruct runs finalizers, releases img and drops its references on dependencies.
func (l *Linker) destruct(ctx context.Context, img *Image) error {
	if img.state >= Destructing {
		return nil
	}
	img.state = Destructing
	l.reg.sync(img)
	var first error
	if d := img.Dyn; d != nil && img.ctorsRun {
		if err := l.callArray(ctx, img, "fini_array", d.FiniArray, d.FiniArraySz, true); err != nil {
			l.logf("%v", err)
			first = err
		}
		if err := l.callInit(ctx, img, "fini", d.Fini); err != nil {
			l.logf("%v", err)
			if first == nil {
				first = err
			}
		}
	}
	l.notify(img, false)
	l.debugf("libs", "unloading %s", img.Name)
	deps := img.deps
	img.deps = nil
	l.release(img)
	for i, p := range l.preloads {
		if p == img {
			l.preloads = append(l.preloads[:i], l.preloads[i+1:]...)
			break
		}
	}
	for _, dep := range deps {
		if err := l.unref(ctx, dep); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (l *Linker) unref(ctx context.Context, img *Image) error {
	if img.state >= Destructing {
		return nil
	}
	img.refs--
	if img.refs > 0 {
		return l.reg.sync(img)
	}
	return l.destruct(ctx, img)
}

func markGlobal(img *Image) {
	if img.Global {
		return
	}
	img.Global = true
	for _, dep := range img.deps {
		markGlobal(dep)
	}
}

// Load runs the full map, link and construct pipeline for name.
func (l *Linker) Load(ctx context.Context, name string) (*Image, error) {
	ctx, unlock := l.lock(ctx)
	defer unlock()
	done, err := l.reg.unprotect()
	if err != nil {
		return nil, err
	}
	defer done()
	return l.loadConstructed(ctx, name, false)
}

func (l *Linker) loadConstructed(ctx context.Context, name string, global bool) (*Image, error) {
	img, err := l.load(ctx, name, nil)
	if err != nil {
		return nil, err
	}
	if global {
		markGlobal(img)
		l.reg.sync(img)
	}
	if err := l.construct(ctx, img); err != nil {
		l.unref(ctx, img)
		return nil, err
	}
	return img, nil
}

// Unload drops one reference, destructing img when none remain.
func (l *Linker) Unload(ctx context.Context, img *Image) error {
	ctx, unlock := l.lock(ctx)
	defer unlock()
	done, err := l.reg.unprotect()
	if err != nil {
		return err
	}
	defer done()
	return l.unref(ctx, img)
}

// Shutdown destructs every image and releases the arena.
func (l *Linker) Shutdown(ctx context.Context) error {
	ctx, unlock := l.lock(ctx)
	defer unlock()
	done, err := l.reg.unprotect()
	if err != nil {
		return err
	}
	var first error
	for {
		var live []*Image
		for _, img := range l.reg.Images() {
			if img.state < Destructing {
				live = append(live, img)
			}
		}
		if len(live) == 0 {
			break
		}
		// latest image nothing else depends on, so finalizers run dependents first
		victim := live[len(live)-1]
		for i := len(live) - 1; i >= 0; i-- {
			if !hasDependents(live[i], live) {
				victim = live[i]
				break
			}
		}
		if err := l.destruct(ctx, victim); err != nil && first == nil {
			first = err
		}
	}
	if l.scratch != 0 {
		l.host.Munmap(l.scratch, l.host.PageSize())
		l.scratch = 0
	}
	done()
	l.reg.close()
	return first
}

func hasDependents(img *Image, live []*Image) bool {
	for _, other := range live {
		for _, dep := range other.deps {
			if dep == img {
				return true
			}
		}
	}
	return false
}
