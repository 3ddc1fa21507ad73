package ldd

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"testing"

	"github.com/lunixbochs/ldso/go/host"
	"github.com/lunixbochs/ldso/go/ld"
	"github.com/lunixbochs/ldso/go/loader/elfgen"
	"github.com/lunixbochs/ldso/go/models"
)

func install(sim *host.Sim, name string, b *elfgen.Builder) {
	b.Soname = name
	sim.AddFile("/plugins/"+name, b.MustBuild().Bytes)
}

func TestLinkPlugin(t *testing.T) {
	ctx := context.Background()
	sim := host.NewSim(64, binary.LittleEndian)
	install(sim, "libhelper.so", &elfgen.Builder{Funcs: []elfgen.Func{{Name: "help"}}})
	install(sim, "libplugin.so", &elfgen.Builder{
		Needed: []string{"libhelper.so"},
		Undefs: []elfgen.Undef{{Name: "help"}},
		Slots:  []elfgen.Slot{{Name: "got"}},
		Relocs: []elfgen.Reloc{{Type: uint32(elf.R_X86_64_GLOB_DAT), Slot: "got", Sym: "help"}},
	})
	l, err := link(ctx, sim, &models.Config{LibraryPath: []string{"/plugins"}}, []string{"libplugin.so"})
	if err != nil {
		t.Fatalf("%+v", err)
	}
	defer l.Shutdown(ctx)
	var names []string
	for _, info := range l.Images(ctx) {
		names = append(names, info.Name)
	}
	if len(names) < 2 || names[len(names)-2] != "libplugin.so" || names[len(names)-1] != "libhelper.so" {
		t.Fatalf("link map = %v", names)
	}
}

func TestLinkRejectsTLS(t *testing.T) {
	ctx := context.Background()
	sim := host.NewSim(64, binary.LittleEndian)
	install(sim, "libtls.so", &elfgen.Builder{
		Data:   []elfgen.Data{{Name: "counter", Size: 8}},
		Slots:  []elfgen.Slot{{Name: "off"}},
		Relocs: []elfgen.Reloc{{Type: uint32(elf.R_X86_64_TPOFF64), Slot: "off", Sym: "counter"}},
	})
	_, err := link(ctx, sim, &models.Config{LibraryPath: []string{"/plugins"}}, []string{"libtls.so"})
	if !ld.IsKind(err, ld.RelocationTypeError) {
		t.Fatalf("got %v", err)
	}
}
