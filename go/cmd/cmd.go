package cmd

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"

	"github.com/lunixbochs/ldso/go/host"
	"github.com/lunixbochs/ldso/go/ld"
	"github.com/lunixbochs/ldso/go/loader"
	"github.com/lunixbochs/ldso/go/models"
)

type strslice []string

func (s *strslice) String() string {
	return fmt.Sprintf("%v", *s)
}

func (s *strslice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// skipCtors hides the host's Caller so constructors are skipped, keeping its mapping list.
type skipCtors struct {
	models.Host
	models.MappingLister
}

type LdCmd struct {
	Config *models.Config
	Host   models.Host

	SetupFlags func() error
	// Run receives the positional arguments left after flag parsing.
	Run      func(ctx context.Context, args, env []string) error
	Teardown func()

	NoExe bool
	Flags *flag.FlagSet
}

func NewLdCmd() *LdCmd {
	fs := flag.NewFlagSet("cli", flag.ExitOnError)
	return &LdCmd{Flags: fs}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// stackLines renders the innermost stack trace in err as "path | file:line | func()" rows.
func stackLines(err error) []string {
	var st stackTracer
	if !errors.As(err, &st) {
		return nil
	}
	var buf strings.Builder
	tw := tabwriter.NewWriter(&buf, 0, 4, 1, ' ', 0)
	for _, f := range st.StackTrace() {
		method, path := fmt.Sprintf("%n", f), ""
		// %+s is "pkg.func\n\t/abs/path/file.go"
		if parts := strings.SplitN(fmt.Sprintf("%+s", f), "\n", 2); len(parts) == 2 {
			method = parts[0][strings.LastIndex(parts[0], "/")+1:]
			path = strings.TrimSpace(parts[1])
		}
		fmt.Fprintf(tw, "%s\t| %s:%d\t| %s()\n", path, f, f, method)
		if method == "main.main" {
			break
		}
	}
	tw.Flush()
	return strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
}

// PrintError prints err and, when one was recorded, where it came from.
func (c *LdCmd) PrintError(err error) {
	fmt.Fprintf(os.Stderr, "%s\nError: %s\n", strings.Repeat("-", 40), err)
	for _, line := range stackLines(err) {
		fmt.Fprintln(os.Stderr, line)
	}
}

// exeBits reads the class of exe so the simulated host matches it.
func exeBits(cfg *models.Config, exe string) int {
	f, err := os.Open(cfg.PrefixPath(exe, false))
	if err != nil {
		return 64
	}
	defer f.Close()
	if e, err := loader.Open(f); err == nil {
		return e.Bits()
	}
	return 64
}

func (c *LdCmd) makeHost(kind string, bits int, ctors bool) (models.Host, error) {
	switch kind {
	case "native":
		return nativeHost()
	case "sim":
		sim := host.NewSim(uint(bits), binary.LittleEndian)
		if ctors {
			return sim, nil
		}
		return &skipCtors{Host: sim, MappingLister: sim}, nil
	}
	return nil, errors.Errorf("unknown host %q (sim or native)", kind)
}

// Execute parses argv, builds the config and host, then hands off to c.Run.
func (c *LdCmd) Execute(argv, env []string) {
	fs := c.Flags
	var libPath, preload, debug, exports strslice
	fs.Var(&libPath, "L", "append a library search directory")
	fs.Var(&preload, "preload", "preload a library before the executable's dependencies")
	fs.Var(&debug, "debug", "enable a debug category (libs, reloc, symbols, bindings, init, all)")
	fs.Var(&exports, "export", "export a host symbol from the builtin image")
	prefix := fs.String("prefix", "", "library load prefix")
	split := fs.Bool("split", false, "map code and data as separate regions")
	noprotect := fs.Bool("noprotect", false, "leave the link-map arena writable")
	verbose := fs.Bool("v", false, "verbose output")
	color := fs.Bool("color", false, "force colored output")
	hostKind := fs.String("host", "sim", "memory host: sim or native")
	ctors := fs.Bool("ctors", false, "run constructors in the simulated host (trap thunks only)")
	maxPages := fs.Int("arena", 0, "limit the link-map arena to this many pages")
	outfile := fs.String("o", "", "redirect debugging output to file (default stderr)")
	cpuprofile := fs.String("cpuprofile", "", "write cpu profile to <file>")

	fs.Usage = func() {
		usage := "Usage: %s [options]"
		if !c.NoExe {
			usage += " <exe> [args...]"
		}
		fmt.Fprintf(os.Stderr, usage+"\n\nOptions:\n", argv[0])
		fs.PrintDefaults()
	}
	if c.SetupFlags != nil {
		if err := c.SetupFlags(); err != nil {
			panic(err)
		}
	}
	fs.Parse(argv[1:])
	args := fs.Args()
	if !c.NoExe && len(args) < 1 {
		fs.Usage()
		os.Exit(1)
	}

	config := models.ConfigFromEnv()
	config.ApplyEnviron(env)
	config.LoadSearchConf()
	config.LibraryPath = append(config.LibraryPath, libPath...)
	config.Preload = append(config.Preload, preload...)
	config.Debug = append(config.Debug, debug...)
	config.Exports = append(config.Exports, exports...)
	config.SplitCodeData = config.SplitCodeData || *split
	config.ProtectArena = config.ProtectArena && !*noprotect
	config.Verbose = config.Verbose || *verbose
	config.Color = *color
	config.MaxArenaPages = *maxPages
	if *prefix != "" {
		abs, err := filepath.Abs(*prefix)
		if err != nil {
			c.PrintError(errors.WithStack(err))
			os.Exit(1)
		}
		config.LoadPrefix = abs
	}
	if *outfile != "" {
		out, err := os.OpenFile(*outfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			c.PrintError(errors.WithStack(err))
			os.Exit(1)
		}
		defer out.Close()
		config.Output = out
	}
	c.Config = config

	bits := 64
	if len(args) > 0 {
		bits = exeBits(config, args[0])
	}
	h, err := c.makeHost(*hostKind, bits, *ctors)
	if err != nil {
		c.PrintError(err)
		os.Exit(1)
	}
	c.Host = h

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			c.PrintError(errors.WithStack(err))
			os.Exit(1)
		}
		pprof.StartCPUProfile(f)
	}
	teardown := func() {
		if *cpuprofile != "" {
			pprof.StopCPUProfile()
		}
		if c.Teardown != nil {
			c.Teardown()
		}
	}

	err = c.Run(context.Background(), args, env)
	teardown()
	if err != nil {
		c.PrintError(err)
		os.Exit(1)
	}
}

// PrintImages writes the link map the way ldd does.
func PrintImages(ctx context.Context, l *ld.Linker) {
	out := l.Config().Output
	for _, img := range l.Images(ctx) {
		switch {
		case img.Path == "" || img.Path == img.Name:
			fmt.Fprintf(out, "\t%s (%#x)\n", img.Name, img.Base)
		default:
			fmt.Fprintf(out, "\t%s => %s (%#x)\n", img.Name, img.Path, img.Base)
		}
	}
}
