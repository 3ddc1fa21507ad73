package ld

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/lunixbochs/ldso/go/host"
	"github.com/lunixbochs/ldso/go/loader/elfgen"
	"github.com/lunixbochs/ldso/go/models"
)

const libDir = "/ldso-test"

type testEnv struct {
	t    *testing.T
	sim  *host.Sim
	l    *Linker
	libs map[string]*elfgen.Image
	log  []string
}

func newEnv(t *testing.T, cfg *models.Config) *testEnv {
	t.Helper()
	return newEnvOn(t, host.NewSim(64, binary.LittleEndian), nil, cfg)
}

// newEnvOn builds a linker over h, which must be sim or a wrapper around it.
func newEnvOn(t *testing.T, sim *host.Sim, h models.Host, cfg *models.Config) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = &models.Config{}
	}
	cfg.LibraryPath = append(cfg.LibraryPath, libDir)
	if h == nil {
		h = sim
	}
	l, err := New(h, cfg)
	if err != nil {
		t.Fatal(err)
	}
	e := &testEnv{t: t, sim: sim, l: l, libs: make(map[string]*elfgen.Image)}
	t.Cleanup(func() { l.Shutdown(context.Background()) })
	return e
}

// add builds b and installs it as libDir/name.
func (e *testEnv) add(name string, b *elfgen.Builder) *elfgen.Image {
	e.t.Helper()
	if b.Soname == "" && b.Type == 0 {
		b.Soname = name
	}
	img, err := b.Build()
	if err != nil {
		e.t.Fatal(err)
	}
	e.sim.AddFile(libDir+"/"+name, img.Bytes)
	e.libs[name] = img
	return img
}

// recorder registers a handler that appends its name to the env's log.
func (e *testEnv) recorder(names ...string) {
	for _, name := range names {
		name := name
		e.sim.Handle(name, func(ctx context.Context, args []uint64) (uint64, error) {
			e.log = append(e.log, name)
			return 0, nil
		})
	}
}

func (e *testEnv) load(name string) *Image {
	e.t.Helper()
	img, err := e.l.Load(context.Background(), name)
	if err != nil {
		e.t.Fatalf("load %s: %+v", name, err)
	}
	return img
}

// word reads a pointer-sized value at a link-time address of img.
func (e *testEnv) word(img *Image, name string) uint64 {
	e.t.Helper()
	addr := img.Bias + e.libs[img.Name].Addr(name)
	v, err := e.l.view.word(addr)
	if err != nil {
		e.t.Fatal(err)
	}
	return v
}

func (e *testEnv) u32(img *Image, name string) uint32 {
	e.t.Helper()
	v, err := e.l.view.u32(img.Bias + e.libs[img.Name].Addr(name))
	if err != nil {
		e.t.Fatal(err)
	}
	return v
}

func (e *testEnv) protAt(addr uint64) int {
	for _, m := range e.sim.Mappings() {
		if addr >= m.Addr && addr < m.Addr+m.Size {
			return m.Prot
		}
	}
	return -1
}

func (e *testEnv) mapped(desc string) int {
	n := 0
	for _, m := range e.sim.Mappings() {
		if m.Desc == desc {
			n++
		}
	}
	return n
}

func (e *testEnv) names() []string {
	var out []string
	for _, img := range e.l.reg.Images() {
		out = append(out, img.Name)
	}
	return out
}

func le64(v uint64) []byte {
	var b bytes.Buffer
	binary.Write(&b, binary.LittleEndian, v)
	return b.Bytes()
}
