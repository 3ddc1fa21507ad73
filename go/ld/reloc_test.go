package ld

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/lunixbochs/ldso/go/host"
	"github.com/lunixbochs/ldso/go/loader/elfgen"
	"github.com/lunixbochs/ldso/go/models"
	"github.com/lunixbochs/ldso/go/models/mem"
)

func copyMain(e *testEnv, symbolic bool) *elfgen.Image {
	e.add("libdata.so", &elfgen.Builder{
		Symbolic: symbolic,
		Data:     []elfgen.Data{{Name: "counter", Value: le64(42)}},
		Slots:    []elfgen.Slot{{Name: "cptr"}},
		Relocs:   []elfgen.Reloc{{Type: uint32(elf.R_X86_64_GLOB_DAT), Slot: "cptr", Sym: "counter"}},
	})
	return e.add("main", &elfgen.Builder{
		Type:   elf.ET_EXEC,
		Needed: []string{"libdata.so"},
		Funcs:  []elfgen.Func{{Name: "start"}},
		Entry:  "start",
		Data:   []elfgen.Data{{Name: "counter", Size: 8}},
		Relocs: []elfgen.Reloc{{Type: uint32(elf.R_X86_64_COPY), Slot: "counter", Sym: "counter"}},
	})
}

func TestCopyRelocation(t *testing.T) {
	e := newEnv(t, nil)
	main := copyMain(e, false)
	entry, err := e.l.StartMain(bg, libDir+"/main")
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if entry != main.Addr("start") {
		t.Fatalf("entry = %#x, want %#x", entry, main.Addr("start"))
	}
	v, err := e.l.view.word(main.Addr("counter"))
	if err != nil || v != 42 {
		t.Fatalf("copied counter = %d, %v", v, err)
	}
	lib := e.l.findResident("libdata.so")
	if got := e.word(lib, "cptr"); got != main.Addr("counter") {
		t.Fatalf("library binds counter at %#x, want the main program's copy at %#x", got, main.Addr("counter"))
	}
	if _, err := e.l.StartMain(bg, libDir+"/main"); err == nil {
		t.Fatal("second main program accepted")
	}
}

func TestCopyFromSymbolic(t *testing.T) {
	e := newEnv(t, nil)
	copyMain(e, true)
	if _, err := e.l.StartMain(bg, libDir+"/main"); !IsKind(err, RelocationTypeError) {
		t.Fatalf("got %v", err)
	}
	if e.l.Main(bg) != nil {
		t.Fatal("failed main program still registered")
	}
}

func TestCopyOutsideMain(t *testing.T) {
	e := newEnv(t, nil)
	e.add("libsrc.so", &elfgen.Builder{Data: []elfgen.Data{{Name: "v", Value: le64(1)}}})
	e.add("libcopy.so", &elfgen.Builder{
		Needed: []string{"libsrc.so"},
		Data:   []elfgen.Data{{Name: "v", Size: 8}},
		Relocs: []elfgen.Reloc{{Type: uint32(elf.R_X86_64_COPY), Slot: "v", Sym: "v"}},
	})
	if _, err := e.l.Load(bg, "libcopy.so"); !IsKind(err, RelocationTypeError) {
		t.Fatalf("got %v", err)
	}
	if e.l.findResident("libsrc.so") != nil {
		t.Fatal("dependency of failed load left resident")
	}
}

func TestUnsupportedRelocations(t *testing.T) {
	for _, typ := range []uint32{uint32(elf.R_X86_64_DTPMOD64), uint32(elf.R_X86_64_TPOFF64), 200} {
		e := newEnv(t, nil)
		e.add("libbad.so", &elfgen.Builder{
			Slots:  []elfgen.Slot{{Name: "s"}},
			Relocs: []elfgen.Reloc{{Type: typ, Slot: "s"}},
		})
		if _, err := e.l.Load(bg, "libbad.so"); !IsKind(err, RelocationTypeError) {
			t.Fatalf("type %d: got %v", typ, err)
		}
	}
}

func TestRelr(t *testing.T) {
	e := newEnv(t, nil)
	lib := e.add("librelr.so", &elfgen.Builder{
		Funcs: []elfgen.Func{{Name: "f"}, {Name: "g"}},
		Slots: []elfgen.Slot{{Name: "p1", Target: "f"}, {Name: "p2", Target: "g"}, {Name: "p3", Target: "f", Init: 16}},
		Relr:  []string{"p1", "p2", "p3"},
	})
	img := e.load("librelr.so")
	for name, want := range map[string]uint64{"p1": lib.Addr("f"), "p2": lib.Addr("g"), "p3": lib.Addr("f") + 16} {
		if got := e.word(img, name); got != img.Bias+want {
			t.Errorf("%s = %#x, want %#x", name, got, img.Bias+want)
		}
	}
}

func TestRel32(t *testing.T) {
	sim := host.NewSim(32, binary.LittleEndian)
	e := newEnvOn(t, sim, nil, nil)
	lib := e.add("lib32.so", &elfgen.Builder{
		Machine: elf.EM_386,
		Rel:     true,
		Funcs:   []elfgen.Func{{Name: "f"}},
		Slots:   []elfgen.Slot{{Name: "abs"}, {Name: "rel"}, {Name: "pc"}},
		Relocs: []elfgen.Reloc{
			{Type: uint32(elf.R_386_32), Slot: "abs", Sym: "f", Addend: 4},
			{Type: uint32(elf.R_386_RELATIVE), Slot: "rel", Target: "f"},
			{Type: uint32(elf.R_386_PC32), Slot: "pc", Sym: "f", Addend: -4},
		},
	})
	img := e.load("lib32.so")
	f := img.Bias + lib.Addr("f")
	if got := e.word(img, "abs"); got != f+4 {
		t.Errorf("abs = %#x, want %#x", got, f+4)
	}
	if got := e.word(img, "rel"); got != f {
		t.Errorf("rel = %#x, want %#x", got, f)
	}
	pc := img.Bias + lib.Addr("pc")
	if got := e.u32(img, "pc"); got != uint32(f-4-pc) {
		t.Errorf("pc = %#x, want %#x", got, uint32(f-4-pc))
	}
}

func TestRelroSealed(t *testing.T) {
	e := newEnv(t, nil)
	lib := e.add("librelro.so", &elfgen.Builder{
		Funcs:  []elfgen.Func{{Name: "f"}},
		Slots:  []elfgen.Slot{{Name: "p", Relro: true}, {Name: "q"}},
		Relocs: []elfgen.Reloc{{Type: uint32(elf.R_X86_64_RELATIVE), Slot: "p", Target: "f"}, {Type: uint32(elf.R_X86_64_RELATIVE), Slot: "q", Target: "f"}},
	})
	img := e.load("librelro.so")
	p := img.Bias + lib.Addr("p")
	if got := e.word(img, "p"); got != img.Bias+lib.Addr("f") {
		t.Fatalf("p = %#x", got)
	}
	if prot := e.protAt(p); prot != mem.PROT_READ {
		t.Fatalf("relro prot = %d", prot)
	}
	if err := e.sim.MemWrite(p, le64(0)); err == nil {
		t.Fatal("write to relro succeeded")
	}
	if prot := e.protAt(img.Bias + lib.Addr("q")); prot != mem.PROT_READ|mem.PROT_WRITE {
		t.Fatalf("data prot = %d", prot)
	}
}

func TestTextRelocation(t *testing.T) {
	e := newEnv(t, nil)
	lib := e.add("libtext.so", &elfgen.Builder{
		TextRel: true,
		Funcs:   []elfgen.Func{{Name: "f"}},
		Slots:   []elfgen.Slot{{Name: "t", Text: true}},
		Relocs:  []elfgen.Reloc{{Type: uint32(elf.R_X86_64_RELATIVE), Slot: "t", Target: "f"}},
	})
	img := e.load("libtext.so")
	if !img.Dyn.TextRel {
		t.Fatal("DT_TEXTREL not parsed")
	}
	if got := e.word(img, "t"); got != img.Bias+lib.Addr("f") {
		t.Fatalf("t = %#x", got)
	}
	if prot := e.protAt(img.Bias + lib.Addr("t")); prot != mem.PROT_READ|mem.PROT_EXEC {
		t.Fatalf("text prot after relocation = %d", prot)
	}
}

func TestIFunc(t *testing.T) {
	e := newEnv(t, nil)
	lib := e.add("libifunc.so", &elfgen.Builder{
		Funcs: []elfgen.Func{{Name: "impl"}, {Name: "fast", IFunc: true, Handler: "pick_fast"}},
		Slots: []elfgen.Slot{{Name: "p"}, {Name: "q"}},
		Relocs: []elfgen.Reloc{
			{Type: uint32(elf.R_X86_64_64), Slot: "p", Sym: "fast"},
			{Type: uint32(elf.R_X86_64_IRELATIVE), Slot: "q", Target: "fast"},
		},
	})
	e.sim.Handle("pick_fast", func(ctx context.Context, args []uint64) (uint64, error) {
		self, _ := models.CallerFrom(ctx)
		return self - lib.Addr("fast") + lib.Addr("impl"), nil
	})
	h, err := e.l.Open(bg, "libifunc.so", RTLD_NOW)
	if err != nil {
		t.Fatal(err)
	}
	img, _ := e.l.Image(bg, h)
	impl := img.Bias + lib.Addr("impl")
	if got := e.word(img, "p"); got != impl {
		t.Errorf("p = %#x, want %#x", got, impl)
	}
	if got := e.word(img, "q"); got != impl {
		t.Errorf("q = %#x, want %#x", got, impl)
	}
	if got, err := e.l.Lookup(bg, h, "fast"); err != nil || got != impl {
		t.Errorf("lookup fast = %#x, %v", got, err)
	}
	if e.sim.Calls["pick_fast"] != 3 {
		t.Errorf("resolver ran %d times", e.sim.Calls["pick_fast"])
	}
}

func TestApply(t *testing.T) {
	e := newEnv(t, nil)
	lib := e.add("libapply.so", &elfgen.Builder{
		Funcs: []elfgen.Func{{Name: "f"}},
		Slots: []elfgen.Slot{{Name: "s"}},
	})
	img := e.load("libapply.so")
	list := []Reloc{{Off: lib.Addr("s"), Type: uint32(elf.R_X86_64_RELATIVE), Addend: 0x40, Rela: true}}
	if err := e.l.Apply(bg, img, list, nil); err != nil {
		t.Fatal(err)
	}
	if got := e.word(img, "s"); got != img.Bias+0x40 {
		t.Fatalf("s = %#x", got)
	}
	var buf bytes.Buffer
	e.l.cfg.Debug, e.l.cfg.Output = []string{"reloc"}, &buf
	e.l.Apply(bg, img, list, nil)
	if !bytes.Contains(buf.Bytes(), []byte("R_X86_64_RELATIVE")) {
		t.Fatalf("no reloc trace: %q", buf.String())
	}
}
