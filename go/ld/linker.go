package ld

import (
	"context"
	"debug/elf"
	"fmt"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/mgutz/ansi"
	"github.com/pkg/errors"

	"github.com/lunixbochs/ldso/go/models"
)

// Linker owns one registry of loaded images over one host.
type Linker struct {
	mu   sync.Mutex
	host models.Host
	cfg  *models.Config
	view view
	reg  *Registry

	preloads []*Image
	machine  elf.Machine
	errMu    sync.Mutex
	lastErr  string
	scratch  uint64
	color    bool
}

// New creates a linker and maps the built-in exports image.
func New(h models.Host, cfg *models.Config) (*Linker, error) {
	return newLinker(h, cfg, 0)
}

func newLinker(h models.Host, cfg *models.Config, selfBase uint64) (*Linker, error) {
	if h == nil {
		return nil, errors.New("no host")
	}
	if models.Query(h, models.CapMemory) == nil {
		return nil, errors.Errorf("host does not provide %s", models.CapMemory)
	}
	cfg = cfg.Init()
	l := &Linker{
		host: h,
		cfg:  cfg,
		view: newView(h),
		reg:  newRegistry(h, cfg),
	}
	if f, ok := cfg.Output.(*os.File); ok && cfg.Color {
		l.color = isatty.IsTerminal(f.Fd())
	}
	done, err := l.reg.unprotect()
	if err != nil {
		return nil, err
	}
	defer done()
	if selfBase != 0 {
		l.bootstrap(selfBase)
	} else if err := l.initBuiltin(); err != nil {
		l.reg.close()
		return nil, err
	}
	return l, nil
}

func (l *Linker) Host() models.Host      { return l.host }
func (l *Linker) Config() *models.Config { return l.cfg }

// Main returns the main program image, or nil before one is linked.
func (l *Linker) Main(ctx context.Context) *Image {
	_, unlock := l.lock(ctx)
	defer unlock()
	return l.reg.main()
}

func (l *Linker) Builtin(ctx context.Context) *Image {
	_, unlock := l.lock(ctx)
	defer unlock()
	return l.reg.builtin()
}

// FreeSlots snapshots the registry free list.
func (l *Linker) FreeSlots(ctx context.Context) []int {
	_, unlock := l.lock(ctx)
	defer unlock()
	return l.reg.FreeSlots()
}

type lockKey struct{ l *Linker }

// lock takes the linker lock unless ctx shows this call chain already holds it.
// Constructors and thunks receive the locked ctx, so their nested calls re-enter.
func (l *Linker) lock(ctx context.Context) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if held, _ := ctx.Value(lockKey{l}).(bool); held {
		return ctx, func() {}
	}
	l.mu.Lock()
	return context.WithValue(ctx, lockKey{l}, true), l.mu.Unlock
}

var debugColors = map[string]string{
	"libs":     "cyan",
	"reloc":    "yellow",
	"symbols":  "magenta",
	"bindings": "green",
	"init":     "blue",
}

func (l *Linker) debugf(category, format string, a ...interface{}) {
	if !l.cfg.DebugEnabled(category) {
		return
	}
	prefix := fmt.Sprintf("%8s: ", category)
	if l.color {
		prefix = ansi.Color(prefix, debugColors[category])
	}
	fmt.Fprintf(l.cfg.Output, prefix+format+"\n", a...)
}

func (l *Linker) logf(format string, a ...interface{}) {
	if l.cfg.Verbose {
		fmt.Fprintf(l.cfg.Output, format+"\n", a...)
	}
}

func (l *Linker) notify(img *Image, linked bool) {
	dn, ok := models.Query(l.host, models.CapDebug).(models.DebugNotifier)
	if !ok {
		return
	}
	ev := models.LinkEvent{Name: img.Name, Base: img.Base}
	if img.Dyn != nil {
		ev.Dynamic = img.Dyn.Addr
	}
	if linked {
		dn.NotifyLink(ev)
	} else {
		dn.NotifyUnload(ev)
	}
}
