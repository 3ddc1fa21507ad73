package mem

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Mem is a Space with an address width and byte order.
type Mem struct {
	bits  uint
	mask  uint64
	order binary.ByteOrder
	space Space
}

func NewMem(bits uint, order binary.ByteOrder) *Mem {
	return &Mem{bits: bits, mask: ^uint64(0) >> (64 - bits), order: order}
}

func (m *Mem) Bits() uint                  { return m.bits }
func (m *Mem) ByteOrder() binary.ByteOrder { return m.order }
func (m *Mem) Pages() Pages                { return m.space.Pages() }
func (m *Mem) SetLimit(n uint64)           { m.space.Limit = n }

func (m *Mem) MapRange(addr, size uint64, prot int, desc string) error {
	if last := addr + size - 1; last&m.mask != last {
		return errors.Errorf("%#x+%#x is outside the %d-bit address space", addr, size, m.bits)
	}
	_, err := m.space.Map(addr, size, prot, desc)
	return err
}

func (m *Mem) Protect(addr, size uint64, prot int) error {
	if err := m.space.Check(addr, size, 0, false); err != nil {
		return errors.Wrap(err, "protect")
	}
	m.space.Protect(addr, size, prot)
	return nil
}

func (m *Mem) Unmap(addr, size uint64) error {
	if len(m.space.pages.FindRange(addr, size)) == 0 {
		return errors.Errorf("unmap %#x+%#x: nothing mapped", addr, size)
	}
	m.space.Unmap(addr, size)
	return nil
}

// Read requires prot on every page touched; pass 0 to read like a debugger.
func (m *Mem) Read(addr, size uint64, prot int) ([]byte, error) {
	p := make([]byte, size)
	if err := m.space.Read(addr, p, prot); err != nil {
		return nil, err
	}
	return p, nil
}

func (m *Mem) Write(addr uint64, p []byte, prot int) error {
	return m.space.Write(addr, p, prot)
}

func (m *Mem) Uint(addr uint64, size, prot int) (uint64, error) {
	p, err := m.Read(addr, uint64(size), prot)
	if err != nil {
		return 0, err
	}
	return DecodeUint(m.order, p)
}

func (m *Mem) PutUint(addr uint64, size, prot int, v uint64) error {
	p := make([]byte, size)
	if err := EncodeUint(m.order, p, v); err != nil {
		return err
	}
	return m.Write(addr, p, prot)
}

// ReadCString reads a NUL-terminated string.
func (m *Mem) ReadCString(addr uint64, prot int) (string, error) {
	var out []byte
	for {
		pg := m.space.pages.Find(addr)
		if pg == nil || pg.Prot&prot != prot {
			return "", m.space.Check(addr, 1, prot, false)
		}
		chunk := pg.Data[addr-pg.Addr:]
		for i, c := range chunk {
			if c == 0 {
				return string(append(out, chunk[:i]...)), nil
			}
		}
		out = append(out, chunk...)
		addr = pg.End()
	}
}
