package host

import (
	"bytes"
	"context"
	"encoding/binary"
	"io/ioutil"
	"os"
	"sync"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/lunixbochs/ldso/go/models"
	"github.com/lunixbochs/ldso/go/models/mem"
)

var ErrNoHandler = errors.New("no handler for thunk")

type memFile struct {
	*bytes.Reader
	name string
}

func (m *memFile) Name() string { return m.name }
func (m *memFile) Close() error { return nil }

// NewFile wraps an in-memory image as a models.File.
func NewFile(name string, data []byte) models.File {
	return &memFile{Reader: bytes.NewReader(data), name: name}
}

// Sim is a host backed by a simulated address space.
// Calls land on trap thunks and dispatch to Go handlers.
type Sim struct {
	*mem.Mem
	page     uint64
	mmapBase uint64

	mu       sync.Mutex
	files    map[string][]byte
	handlers map[string]models.ThunkFunc
	// Calls counts thunk dispatches by handler name.
	Calls map[string]int
}

func NewSim(bits uint, order binary.ByteOrder) *Sim {
	base := uint64(0x7f0000000000)
	if bits == 32 {
		base = 0x40000000
	}
	return &Sim{
		Mem:      mem.NewMem(bits, order),
		page:     0x1000,
		mmapBase: base,
		files:    make(map[string][]byte),
		handlers: make(map[string]models.ThunkFunc),
		Calls:    make(map[string]int),
	}
}

func (s *Sim) Bits() int        { return int(s.Mem.Bits()) }
func (s *Sim) PageSize() uint64 { return s.page }

func (s *Sim) AddFile(path string, data []byte) {
	s.mu.Lock()
	s.files[path] = data
	s.mu.Unlock()
}

func (s *Sim) RemoveFile(path string) {
	s.mu.Lock()
	delete(s.files, path)
	s.mu.Unlock()
}

func (s *Sim) align(n uint64) uint64 {
	return (n + s.page - 1) &^ (s.page - 1)
}

// findFree returns the lowest page-aligned hole at or above mmapBase.
func (s *Sim) findFree(size uint64) (uint64, error) {
	addr := s.mmapBase
	for _, pg := range s.Pages() {
		if pg.Addr+pg.Size <= addr {
			continue
		}
		if pg.Addr >= addr+size {
			break
		}
		addr = s.align(pg.Addr + pg.Size)
	}
	if addr+size < addr {
		return 0, errors.New("address space exhausted")
	}
	return addr, nil
}

func (s *Sim) Mmap(addr, size uint64, prot int, fixed bool, desc string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	size = s.align(size)
	if size == 0 {
		return 0, errors.New("zero-length mmap")
	}
	if fixed {
		if addr&(s.page-1) != 0 {
			return 0, errors.Errorf("unaligned fixed mmap at %#x", addr)
		}
	} else {
		var err error
		if addr, err = s.findFree(size); err != nil {
			return 0, err
		}
	}
	if err := s.MapRange(addr, size, prot, desc); err != nil {
		return 0, err
	}
	return addr, nil
}

func (s *Sim) Munmap(addr, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Unmap(addr, s.align(size))
}

func (s *Sim) Mprotect(addr, size uint64, prot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Protect(addr, s.align(size), prot)
}

func (s *Sim) MemRead(addr, size uint64) ([]byte, error) {
	return s.Read(addr, size, mem.PROT_READ)
}

func (s *Sim) MemWrite(addr uint64, p []byte) error {
	return s.Write(addr, p, mem.PROT_WRITE)
}

// Open looks in the in-memory file table, then on disk. A missing path is retried with a .sz suffix.
func (s *Sim) Open(path string) (models.File, error) {
	s.mu.Lock()
	data, ok := s.files[path]
	s.mu.Unlock()
	if ok {
		return NewFile(path, data), nil
	}
	if _, err := os.Stat(path); err != nil {
		if _, serr := os.Stat(path + ".sz"); serr != nil {
			return nil, errors.Wrap(err, "open")
		}
		path += ".sz"
	}
	if len(path) > 3 && path[len(path)-3:] == ".sz" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "open")
		}
		defer f.Close()
		data, err := ioutil.ReadAll(snappy.NewReader(f))
		if err != nil {
			return nil, errors.Wrapf(err, "decompress %s", path)
		}
		return NewFile(path[:len(path)-3], data), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	return osFile{f}, nil
}

type osFile struct {
	*os.File
}

func (o osFile) Size() int64 {
	if fi, err := o.Stat(); err == nil {
		return fi.Size()
	}
	return 0
}

func (s *Sim) Mappings() []models.Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	pages := s.Pages()
	out := make([]models.Mapping, 0, len(pages))
	for _, pg := range pages {
		out = append(out, models.Mapping{Addr: pg.Addr, Size: pg.Size, Prot: pg.Prot, Desc: pg.Desc})
	}
	return out
}

func (s *Sim) Handle(name string, fn models.ThunkFunc) {
	s.mu.Lock()
	s.handlers[name] = fn
	s.mu.Unlock()
}

// Call executes the thunk at addr. The address must be mapped executable.
func (s *Sim) Call(ctx context.Context, addr uint64, args ...uint64) (uint64, error) {
	magic, err := s.Read(addr, uint64(len(models.ThunkMagic)), mem.PROT_EXEC)
	if err != nil {
		return 0, errors.Wrapf(err, "call %#x", addr)
	}
	if !bytes.Equal(magic, models.ThunkMagic) {
		return 0, errors.Errorf("call %#x: not a thunk", addr)
	}
	name, err := s.ReadCString(addr+uint64(len(magic)), mem.PROT_EXEC)
	if err != nil {
		return 0, errors.Wrapf(err, "call %#x", addr)
	}
	s.mu.Lock()
	fn, ok := s.handlers[name]
	s.Calls[name]++
	s.mu.Unlock()
	if !ok {
		return 0, errors.Wrapf(ErrNoHandler, "call %#x (%s)", addr, name)
	}
	return fn(models.WithCaller(ctx, addr), args)
}

// CString copies str into a fresh mapping, NUL-terminated.
func (s *Sim) CString(str string) (uint64, error) {
	addr, err := s.Mmap(0, uint64(len(str))+1, mem.PROT_READ|mem.PROT_WRITE, false, "cstring")
	if err != nil {
		return 0, err
	}
	return addr, s.MemWrite(addr, append([]byte(str), 0))
}
