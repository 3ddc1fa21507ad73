package ld_test

import (
	"context"
	"debug/elf"
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lunixbochs/ldso/go/host"
	"github.com/lunixbochs/ldso/go/ld"
	"github.com/lunixbochs/ldso/go/loader/elfgen"
	"github.com/lunixbochs/ldso/go/models"
)

const dir = "/props"

var _ = Describe("Linker", func() {
	var (
		ctx  context.Context
		sim  *host.Sim
		l    *ld.Linker
		libs map[string]*elfgen.Image
		log  []string
	)

	install := func(name string, b *elfgen.Builder) *elfgen.Image {
		b.Soname = name
		img := b.MustBuild()
		sim.AddFile(dir+"/"+name, img.Bytes)
		libs[name] = img
		return img
	}
	record := func(names ...string) {
		for _, name := range names {
			name := name
			sim.Handle(name, func(context.Context, []uint64) (uint64, error) {
				log = append(log, name)
				return 0, nil
			})
		}
	}
	open := func(name string) ld.Handle {
		h, err := l.Open(ctx, name, ld.RTLD_NOW)
		Expect(err).NotTo(HaveOccurred())
		return h
	}
	image := func(h ld.Handle) *ld.Image {
		img, ok := l.Image(ctx, h)
		Expect(ok).To(BeTrue())
		return img
	}
	word := func(addr uint64) uint64 {
		p, err := sim.MemRead(addr, 8)
		Expect(err).NotTo(HaveOccurred())
		return binary.LittleEndian.Uint64(p)
	}

	BeforeEach(func() {
		ctx = context.Background()
		sim = host.NewSim(64, binary.LittleEndian)
		libs = make(map[string]*elfgen.Image)
		log = nil
		var err error
		l, err = ld.New(sim, &models.Config{LibraryPath: []string{dir}, ProtectArena: true})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(l.Shutdown(ctx)).To(Succeed())
	})

	Describe("Open and Close", func() {
		It("should leave the registry and free list as they were", func() {
			install("libone.so", &elfgen.Builder{Funcs: []elfgen.Func{{Name: "one"}}})
			free := l.FreeSlots(ctx)
			before := l.Images(ctx)

			h := open("libone.so")
			Expect(l.Images(ctx)).To(HaveLen(len(before) + 1))
			Expect(l.Close(ctx, h)).To(Succeed())

			Expect(l.FreeSlots(ctx)).To(Equal(free))
			Expect(l.Images(ctx)).To(Equal(before))
		})

		It("should count references on a single mapping", func() {
			install("libtwice.so", &elfgen.Builder{})
			h1 := open("libtwice.so")
			base := image(h1).Base
			h2 := open("libtwice.so")

			Expect(h2).To(Equal(h1))
			Expect(image(h1).Refs()).To(Equal(2))
			Expect(image(h1).Base).To(Equal(base))

			Expect(l.Close(ctx, h2)).To(Succeed())
			Expect(image(h1).Refs()).To(Equal(1))
		})

		It("should report failures through Error", func() {
			_, err := l.Open(ctx, "libabsent.so", ld.RTLD_NOW)
			Expect(ld.IsKind(err, ld.DependencyError)).To(BeTrue())
			Expect(l.Error()).To(ContainSubstring("libabsent.so"))
			Expect(l.Error()).To(BeEmpty())
		})
	})

	Describe("Constructors", func() {
		BeforeEach(func() {
			install("libc.so", &elfgen.Builder{
				Funcs:     []elfgen.Func{{Name: "c_init"}, {Name: "c_fini"}},
				InitArray: []string{"c_init"}, FiniArray: []string{"c_fini"},
			})
			install("libb.so", &elfgen.Builder{
				Needed:    []string{"libc.so"},
				Funcs:     []elfgen.Func{{Name: "b_init"}, {Name: "b_fini"}},
				InitArray: []string{"b_init"}, FiniArray: []string{"b_fini"},
			})
			install("liba.so", &elfgen.Builder{
				Needed:    []string{"libb.so"},
				Funcs:     []elfgen.Func{{Name: "a_init"}, {Name: "a_fini"}},
				InitArray: []string{"a_init"}, FiniArray: []string{"a_fini"},
			})
			record("a_init", "b_init", "c_init", "a_fini", "b_fini", "c_fini")
		})

		It("should run dependencies first and finalize in reverse", func() {
			h := open("liba.so")
			Expect(log).To(Equal([]string{"c_init", "b_init", "a_init"}))
			Expect(l.Close(ctx, h)).To(Succeed())
			Expect(log[3:]).To(Equal([]string{"a_fini", "b_fini", "c_fini"}))
		})

		It("should construct each image once", func() {
			h1 := open("liba.so")
			h2 := open("liba.so")
			hb := open("libb.so")
			Expect(log).To(HaveLen(3))
			for _, h := range []ld.Handle{hb, h2, h1} {
				Expect(l.Close(ctx, h)).To(Succeed())
			}
			Expect(log).To(HaveLen(6))
		})
	})

	Describe("Relocation", func() {
		It("should depend only on the original bytes and the bias", func() {
			lib := install("libpure.so", &elfgen.Builder{
				Rel:   true,
				Funcs: []elfgen.Func{{Name: "f"}},
				Slots: []elfgen.Slot{{Name: "p"}},
				Relocs: []elfgen.Reloc{
					{Type: uint32(elf.R_X86_64_RELATIVE), Slot: "p", Target: "f", Addend: 0x10},
				},
			})
			want := lib.Addr("f") + 0x10

			h := open("libpure.so")
			img := image(h)
			Expect(word(img.Bias+lib.Addr("p")) - img.Bias).To(Equal(want))
			base, size := img.Base, img.Size
			Expect(l.Close(ctx, h)).To(Succeed())

			_, err := sim.Mmap(base, size, 0, true, "hole")
			Expect(err).NotTo(HaveOccurred())
			again := image(open("libpure.so"))
			Expect(again.Bias).NotTo(Equal(img.Bias))
			Expect(word(again.Bias+lib.Addr("p")) - again.Bias).To(Equal(want))
		})

		It("should default weak undefined references", func() {
			lib := install("libweak.so", &elfgen.Builder{
				Undefs: []elfgen.Undef{{Name: "foo", Weak: true}},
				Slots:  []elfgen.Slot{{Name: "abs", Init: 1}, {Name: "pc", Init: 1}},
				Relocs: []elfgen.Reloc{
					{Type: uint32(elf.R_X86_64_64), Slot: "abs", Sym: "foo"},
					{Type: uint32(elf.R_X86_64_PC64), Slot: "pc", Sym: "foo"},
				},
			})
			img := image(open("libweak.so"))
			Expect(word(img.Bias + lib.Addr("abs"))).To(BeZero())
			Expect(word(img.Bias + lib.Addr("pc"))).To(BeZero())
		})
	})

	Describe("Lookup", func() {
		It("should never return a local symbol", func() {
			install("liblocal.so", &elfgen.Builder{
				Funcs: []elfgen.Func{{Name: "secret", Local: true}, {Name: "public"}},
			})
			h := open("liblocal.so")
			_, err := l.Lookup(ctx, h, "secret")
			Expect(ld.IsKind(err, ld.UndefinedSymbol)).To(BeTrue())
			_, err = l.Lookup(ctx, h, "public")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("AddressToSymbol", func() {
		It("should name the image but no symbol past the last symbol", func() {
			lib := install("libspan.so", &elfgen.Builder{
				Funcs: []elfgen.Func{{Name: "only"}},
				Bss:   0x1000,
			})
			img := image(open("libspan.so"))

			info, ok := l.AddressToSymbol(ctx, img.Bias+lib.Addr("only"))
			Expect(ok).To(BeTrue())
			Expect(info.Symbol).To(Equal("only"))

			info, ok = l.AddressToSymbol(ctx, img.Base+img.Size-1)
			Expect(ok).To(BeTrue())
			Expect(info.Image).To(Equal("libspan.so"))
			Expect(info.Base).To(Equal(img.Base))
			Expect(info.HasSymbol).To(BeFalse())
		})
	})
})
