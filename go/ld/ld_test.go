package ld

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"reflect"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/lunixbochs/ldso/go/loader/elfgen"
	"github.com/lunixbochs/ldso/go/models"
	"github.com/lunixbochs/ldso/go/models/mem"
)

var (
	bg          = context.Background()
	binaryOrder = binary.LittleEndian
)

func TestHandle(t *testing.T) {
	h := makeHandle(5, 3)
	if slot, gen := h.split(); slot != 5 || gen != 3 {
		t.Fatalf("split = %d, %d", slot, gen)
	}
	if h.String() != "5.3" || HandleDefault.String() != "default" || Handle(0).String() != "null" {
		t.Fatalf("bad handle strings: %s %s %s", h, HandleDefault, Handle(0))
	}
	if makeHandle(0, 0) == 0 {
		t.Fatal("slot 0 handle collides with null")
	}
	for _, want := range []Handle{h, HandleDefault, HandleNext, 0} {
		if got, err := ParseHandle(want.String()); err != nil || got != want {
			t.Fatalf("ParseHandle(%q) = %v, %v", want.String(), got, err)
		}
	}
	if got, err := ParseHandle("0x300000006"); err != nil || got != h {
		t.Fatalf("ParseHandle raw = %v, %v", got, err)
	}
	if _, err := ParseHandle("5.x"); errors.Cause(err) != ErrBadHandle {
		t.Fatalf("ParseHandle(5.x) err = %v", err)
	}
}

func TestOpenCloseNoLeak(t *testing.T) {
	e := newEnv(t, nil)
	e.add("libsolo.so", &elfgen.Builder{Funcs: []elfgen.Func{{Name: "solo"}}})
	free, maps, names := e.l.reg.FreeSlots(), e.sim.Mappings(), e.names()

	h, err := e.l.Open(bg, "libsolo.so", RTLD_NOW)
	if err != nil {
		t.Fatal(err)
	}
	if e.mapped("libsolo.so") == 0 {
		t.Fatal("library not mapped")
	}
	if err := e.l.Close(bg, h); err != nil {
		t.Fatal(err)
	}
	if got := e.l.reg.FreeSlots(); !reflect.DeepEqual(got, free) {
		t.Fatalf("free list %v, want %v", got, free)
	}
	if got := e.names(); !reflect.DeepEqual(got, names) {
		t.Fatalf("registry %v, want %v", got, names)
	}
	if got := e.sim.Mappings(); !reflect.DeepEqual(got, maps) {
		t.Fatalf("mappings changed:\n%v\n%v", got, maps)
	}
	if err := e.l.reg.check(); err != nil {
		t.Fatal(err)
	}
}

func chain(e *testEnv) {
	e.add("libc.so", &elfgen.Builder{
		Funcs:     []elfgen.Func{{Name: "c_init"}, {Name: "c_fini"}},
		InitArray: []string{"c_init"}, FiniArray: []string{"c_fini"},
	})
	e.add("libb.so", &elfgen.Builder{
		Needed:    []string{"libc.so"},
		Funcs:     []elfgen.Func{{Name: "b_init"}, {Name: "b_fini"}},
		InitArray: []string{"b_init"}, FiniArray: []string{"b_fini"},
	})
	e.add("liba.so", &elfgen.Builder{
		Needed:    []string{"libb.so"},
		Funcs:     []elfgen.Func{{Name: "a_init"}, {Name: "a_fini"}},
		InitArray: []string{"a_init"}, FiniArray: []string{"a_fini"},
	})
}

func TestConstructorOrder(t *testing.T) {
	e := newEnv(t, nil)
	chain(e)
	e.recorder("a_init", "b_init", "c_init", "a_fini", "b_fini", "c_fini")

	h1, err := e.l.Open(bg, "liba.so", RTLD_NOW)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := e.l.Open(bg, "liba.so", RTLD_NOW)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"c_init", "b_init", "a_init"}
	if !reflect.DeepEqual(e.log, want) {
		t.Fatalf("constructors ran %v, want %v", e.log, want)
	}
	e.l.Close(bg, h2)
	if len(e.log) != 3 {
		t.Fatalf("destructors ran early: %v", e.log)
	}
	e.l.Close(bg, h1)
	want = append(want, "a_fini", "b_fini", "c_fini")
	if !reflect.DeepEqual(e.log, want) {
		t.Fatalf("got %v, want %v", e.log, want)
	}
}

func TestNestedOpenFromConstructor(t *testing.T) {
	e := newEnv(t, nil)
	chain(e)
	e.recorder("a_init", "b_init", "a_fini", "b_fini", "c_fini")
	e.sim.Handle("c_init", func(ctx context.Context, args []uint64) (uint64, error) {
		e.log = append(e.log, "c_init")
		h, err := e.l.Open(ctx, "liba.so", RTLD_NOW)
		if err != nil {
			return 0, err
		}
		return 0, e.l.Close(ctx, h)
	})
	h, err := e.l.Open(bg, "liba.so", RTLD_NOW)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"c_init", "b_init", "a_init"}; !reflect.DeepEqual(e.log, want) {
		t.Fatalf("got %v, want %v", e.log, want)
	}
	img, _ := e.l.Image(bg, h)
	if img.Refs() != 1 || img.State() != Constructed {
		t.Fatalf("after nested open: %s", img)
	}
}

func TestDTInit(t *testing.T) {
	e := newEnv(t, nil)
	e.add("libinit.so", &elfgen.Builder{
		Funcs:     []elfgen.Func{{Name: "dt_init"}, {Name: "arr_init"}, {Name: "dt_fini"}, {Name: "arr_fini"}},
		Init:      "dt_init",
		Fini:      "dt_fini",
		InitArray: []string{"arr_init"},
		FiniArray: []string{"arr_fini"},
	})
	e.recorder("dt_init", "arr_init", "dt_fini", "arr_fini")
	img := e.load("libinit.so")
	if err := e.l.Unload(bg, img); err != nil {
		t.Fatal(err)
	}
	if want := []string{"dt_init", "arr_init", "arr_fini", "dt_fini"}; !reflect.DeepEqual(e.log, want) {
		t.Fatalf("got %v, want %v", e.log, want)
	}
}

func TestShutdownOrder(t *testing.T) {
	e := newEnv(t, nil)
	e.add("libb.so", &elfgen.Builder{Funcs: []elfgen.Func{{Name: "b_fini"}}, FiniArray: []string{"b_fini"}})
	e.add("liba.so", &elfgen.Builder{Needed: []string{"libb.so"}, Funcs: []elfgen.Func{{Name: "a_fini"}}, FiniArray: []string{"a_fini"}})
	e.add("libc.so", &elfgen.Builder{Funcs: []elfgen.Func{{Name: "c_fini"}}, FiniArray: []string{"c_fini"}})
	e.recorder("a_fini", "b_fini", "c_fini")
	e.load("liba.so")
	e.load("libc.so")
	if err := e.l.Shutdown(bg); err != nil {
		t.Fatal(err)
	}
	if want := []string{"c_fini", "a_fini", "b_fini"}; !reflect.DeepEqual(e.log, want) {
		t.Fatalf("got %v, want %v", e.log, want)
	}
	if n := len(e.sim.Mappings()); n != 0 {
		t.Fatalf("%d mappings left after shutdown", n)
	}
}

func TestRelocationPurity(t *testing.T) {
	for _, rel := range []bool{false, true} {
		e := newEnv(t, nil)
		lib := e.add("libpure.so", &elfgen.Builder{
			Rel:   rel,
			Funcs: []elfgen.Func{{Name: "f"}},
			Slots: []elfgen.Slot{{Name: "p1"}, {Name: "p2"}},
			Relocs: []elfgen.Reloc{
				{Type: uint32(elf.R_X86_64_RELATIVE), Slot: "p1", Target: "f"},
				{Type: uint32(elf.R_X86_64_RELATIVE), Slot: "p2", Target: "f", Addend: 8},
			},
		})
		img := e.load("libpure.so")
		want1, want2 := img.Bias+lib.Addr("f"), img.Bias+lib.Addr("f")+8
		if e.word(img, "p1") != want1 || e.word(img, "p2") != want2 {
			t.Fatalf("rel=%v: p1=%#x p2=%#x, want %#x %#x", rel, e.word(img, "p1"), e.word(img, "p2"), want1, want2)
		}
		// a second pass must not stack on the first
		if err := e.l.relocate(bg, img); err != nil {
			t.Fatal(err)
		}
		if e.word(img, "p1") != want1 || e.word(img, "p2") != want2 {
			t.Fatalf("rel=%v: relocation is not idempotent", rel)
		}

		base, size := img.Base, img.Size
		if err := e.l.Unload(bg, img); err != nil {
			t.Fatal(err)
		}
		if _, err := e.sim.Mmap(base, size, mem.PROT_READ, true, "blocker"); err != nil {
			t.Fatal(err)
		}
		again := e.load("libpure.so")
		if again.Bias == img.Bias {
			t.Fatal("reloaded at the same bias")
		}
		if got := e.word(again, "p1") - again.Bias; got != lib.Addr("f") {
			t.Fatalf("rel=%v: p1 - bias = %#x, want %#x", rel, got, lib.Addr("f"))
		}
	}
}

func TestLocalSymbolHidden(t *testing.T) {
	for _, gnu := range []bool{false, true} {
		e := newEnv(t, nil)
		lib := e.add("liblocal.so", &elfgen.Builder{
			GNUHash: gnu,
			NoHash:  gnu,
			Funcs:   []elfgen.Func{{Name: "hidden", Local: true}, {Name: "shown"}},
		})
		h, err := e.l.Open(bg, "liblocal.so", RTLD_GLOBAL)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := e.l.Lookup(bg, h, "hidden"); !IsKind(err, UndefinedSymbol) {
			t.Fatalf("gnu=%v: lookup of local symbol: %v", gnu, err)
		}
		if _, err := e.l.Lookup(bg, HandleDefault, "hidden"); err == nil {
			t.Fatalf("gnu=%v: default lookup found a local symbol", gnu)
		}
		img, _ := e.l.Image(bg, h)
		addr, err := e.l.Lookup(bg, h, "shown")
		if err != nil || addr != img.Bias+lib.Addr("shown") {
			t.Fatalf("gnu=%v: shown = %#x, %v", gnu, addr, err)
		}
		// address queries still name local code
		info, ok := e.l.AddressToSymbol(bg, img.Bias+lib.Addr("hidden"))
		if !ok || info.Symbol != "hidden" {
			t.Fatalf("gnu=%v: AddressToSymbol = %+v", gnu, info)
		}
	}
}

func TestHashLookup(t *testing.T) {
	names := []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta", "theta", "iota", "kappa", "lambda"}
	for _, gnu := range []bool{false, true} {
		e := newEnv(t, nil)
		b := &elfgen.Builder{GNUHash: gnu, NoHash: gnu}
		for _, n := range names {
			b.Funcs = append(b.Funcs, elfgen.Func{Name: n})
		}
		lib := e.add("libhash.so", b)
		img := e.load("libhash.so")
		for _, n := range names {
			s, ok := e.l.LookupInScope(img, n)
			if !ok || s.Addr() != img.Bias+lib.Addr(n) {
				t.Errorf("gnu=%v: %s = %#x, %v", gnu, n, s.Addr(), ok)
			}
		}
		if _, ok := e.l.LookupInScope(img, "omega"); ok {
			t.Errorf("gnu=%v: found a symbol that does not exist", gnu)
		}
		if n := img.Dyn.NumSymbols(); n != len(names)+1 {
			t.Errorf("gnu=%v: %d symbols", gnu, n)
		}
	}
}

func TestRefcount(t *testing.T) {
	e := newEnv(t, nil)
	e.add("librc.so", &elfgen.Builder{Funcs: []elfgen.Func{{Name: "rc"}}})
	h1, err := e.l.Open(bg, "librc.so", RTLD_NOW)
	if err != nil {
		t.Fatal(err)
	}
	img, _ := e.l.Image(bg, h1)
	base := img.Base
	h2, err := e.l.Open(bg, "librc.so", RTLD_NOW)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 || img.Refs() != 2 || img.Base != base {
		t.Fatalf("second open: %s vs %s, %s", h1, h2, img)
	}
	count := 0
	for _, n := range e.names() {
		if n == "librc.so" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("library registered %d times", count)
	}
	if err := e.l.Close(bg, h2); err != nil {
		t.Fatal(err)
	}
	if img.Refs() != 1 {
		t.Fatalf("refs after close = %d", img.Refs())
	}
	if _, err := e.l.Lookup(bg, h1, "rc"); err != nil {
		t.Fatal(err)
	}
	rec, err := e.l.reg.Record(img.Slot())
	if err != nil || rec.Refs != 1 {
		t.Fatalf("arena record %+v, %v", rec, err)
	}
}

func TestWeakUndefined(t *testing.T) {
	e := newEnv(t, nil)
	e.add("libweak.so", &elfgen.Builder{
		Undefs: []elfgen.Undef{{Name: "foo", Weak: true}},
		Slots:  []elfgen.Slot{{Name: "abs", Init: 0xdeadbeef}, {Name: "pc", Init: 0xdeadbeef}, {Name: "got", Init: 0xdeadbeef}},
		Relocs: []elfgen.Reloc{
			{Type: uint32(elf.R_X86_64_64), Slot: "abs", Sym: "foo"},
			{Type: uint32(elf.R_X86_64_PC32), Slot: "pc", Sym: "foo"},
			{Type: uint32(elf.R_X86_64_GLOB_DAT), Slot: "got", Sym: "foo"},
		},
	})
	img := e.load("libweak.so")
	if v := e.word(img, "abs"); v != 0 {
		t.Fatalf("abs = %#x, want 0", v)
	}
	if v := e.u32(img, "pc"); v != 0 {
		t.Fatalf("pc displacement = %#x, want 0", v)
	}
	if v := e.word(img, "got"); v != 0 {
		t.Fatalf("got = %#x, want 0", v)
	}
}

func TestStrongUndefined(t *testing.T) {
	e := newEnv(t, nil)
	e.add("libstrong.so", &elfgen.Builder{
		Undefs: []elfgen.Undef{{Name: "missing"}},
		Slots:  []elfgen.Slot{{Name: "p"}},
		Relocs: []elfgen.Reloc{{Type: uint32(elf.R_X86_64_64), Slot: "p", Sym: "missing"}},
	})
	names := e.names()
	_, err := e.l.Open(bg, "libstrong.so", RTLD_NOW)
	if !IsKind(err, UndefinedSymbol) {
		t.Fatalf("got %v", err)
	}
	if !reflect.DeepEqual(e.names(), names) || e.mapped("libstrong.so") != 0 {
		t.Fatal("failed load was not unwound")
	}
	if msg := e.l.Error(); !strings.Contains(msg, "missing") {
		t.Fatalf("Error() = %q", msg)
	}
	if msg := e.l.Error(); msg != "" {
		t.Fatalf("Error() not cleared: %q", msg)
	}
}

func TestAddressToSymbol(t *testing.T) {
	e := newEnv(t, nil)
	lib := e.add("libsym.so", &elfgen.Builder{
		Funcs: []elfgen.Func{{Name: "f"}},
		Data:  []elfgen.Data{{Name: "d", Value: le64(1)}},
		Bss:   0x2000,
	})
	img := e.load("libsym.so")
	info, ok := e.l.AddressToSymbol(bg, img.Bias+lib.Addr("f")+1)
	if !ok || !info.HasSymbol || info.Symbol != "f" || info.Addr != img.Bias+lib.Addr("f") {
		t.Fatalf("inside f: %+v", info)
	}
	info, ok = e.l.AddressToSymbol(bg, img.Bias+lib.Addr("d")+4)
	if !ok || info.Symbol != "d" {
		t.Fatalf("inside d: %+v", info)
	}
	gap := img.Base + img.Size - 8
	info, ok = e.l.AddressToSymbol(bg, gap)
	if !ok || info.HasSymbol || info.Image != "libsym.so" || info.Base != img.Base {
		t.Fatalf("gap %#x: %+v, %v", gap, info, ok)
	}
	if _, ok := e.l.AddressToSymbol(bg, 0x10); ok {
		t.Fatal("unmapped address resolved")
	}
}

func TestOutOfSlots(t *testing.T) {
	e := newEnv(t, &models.Config{MaxArenaPages: 1})
	var imgs []*Image
	var err error
	for {
		var img *Image
		if img, err = e.l.reg.Acquire("x"); err != nil {
			break
		}
		imgs = append(imgs, img)
	}
	if !IsKind(err, OutOfSlots) {
		t.Fatalf("got %v", err)
	}
	if want := int(e.sim.PageSize()/recordSize) - reserved; len(imgs) != want {
		t.Fatalf("acquired %d slots, want %d", len(imgs), want)
	}
	e.l.reg.Release(imgs[0])
	if _, err := e.l.reg.Acquire("y"); err != nil {
		t.Fatal("released slot not reused")
	}
}

func TestArenaGrows(t *testing.T) {
	e := newEnv(t, nil)
	per := int(e.sim.PageSize() / recordSize)
	for i := 0; i < per; i++ {
		if _, err := e.l.reg.Acquire("x"); err != nil {
			t.Fatal(err)
		}
	}
	if e.l.reg.Capacity() != 2*per || len(e.l.reg.pages) != 2 {
		t.Fatalf("capacity %d over %d pages", e.l.reg.Capacity(), len(e.l.reg.pages))
	}
	if err := e.l.reg.check(); err != nil {
		t.Fatal(err)
	}
}

func TestCycle(t *testing.T) {
	e := newEnv(t, nil)
	e.add("liba.so", &elfgen.Builder{Needed: []string{"libb.so"}})
	e.add("libb.so", &elfgen.Builder{Needed: []string{"liba.so"}})
	free := e.l.reg.FreeSlots()
	_, err := e.l.Load(bg, "liba.so")
	if !IsKind(err, CycleError) || !IsKind(err, DependencyError) {
		t.Fatalf("got %v", err)
	}
	if !reflect.DeepEqual(e.l.reg.FreeSlots(), free) {
		t.Fatal("slots leaked")
	}
	if e.mapped("liba.so")+e.mapped("libb.so") != 0 {
		t.Fatal("mappings leaked")
	}
}

func TestMissingDependency(t *testing.T) {
	e := newEnv(t, nil)
	e.add("libneeds.so", &elfgen.Builder{Needed: []string{"libnowhere.so"}})
	_, err := e.l.Load(bg, "libneeds.so")
	if !IsKind(err, DependencyError) {
		t.Fatalf("got %v", err)
	}
	if _, err := e.l.Load(bg, "libnowhere.so"); !IsKind(err, DependencyError) {
		t.Fatalf("got %v", err)
	}
}

func TestFormatErrors(t *testing.T) {
	e := newEnv(t, nil)
	e.sim.AddFile(libDir+"/libjunk.so", []byte("this is not an object file at all"))
	if _, err := e.l.Load(bg, "libjunk.so"); !IsKind(err, FormatError) {
		t.Fatalf("got %v", err)
	}
	e.add("libx86.so", &elfgen.Builder{})
	e.add("libarm.so", &elfgen.Builder{Machine: elf.EM_AARCH64})
	e.load("libx86.so")
	if _, err := e.l.Load(bg, "libarm.so"); !IsKind(err, FormatError) {
		t.Fatalf("mixed machines: %v", err)
	}
}
