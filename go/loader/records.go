package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// on-disk ELF records, decoded with struc

type Ehdr64 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type Ehdr32 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

type Phdr64 struct {
	Type   uint32
	Flags  uint32
	Off    uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

type Phdr32 struct {
	Type   uint32
	Off    uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

type Dyn64 struct {
	Tag int64
	Val uint64
}

type Dyn32 struct {
	Tag int32
	Val uint32
}

type Sym64 struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

type Sym32 struct {
	Name  uint32
	Value uint32
	Size  uint32
	Info  uint8
	Other uint8
	Shndx uint16
}

type Rel64 struct {
	Off  uint64
	Info uint64
}

type Rela64 struct {
	Off    uint64
	Info   uint64
	Addend int64
}

type Rel32 struct {
	Off  uint32
	Info uint32
}

type Rela32 struct {
	Off    uint32
	Info   uint32
	Addend int32
}

const (
	SizeofEhdr64 = 64
	SizeofEhdr32 = 52
	SizeofPhdr64 = 56
	SizeofPhdr32 = 32
	SizeofSym64  = 24
	SizeofSym32  = 16
)

// Unpack reads one record from p.
func Unpack(p []byte, order binary.ByteOrder, v interface{}) error {
	return errors.Wrap(struc.UnpackWithOrder(bytes.NewReader(p), v, order), "struc.Unpack() failed")
}

// Pack appends one record to w.
func Pack(w io.Writer, order binary.ByteOrder, v interface{}) error {
	return errors.Wrap(struc.PackWithOrder(w, v, order), "struc.Pack() failed")
}

func progFromPhdr64(p *Phdr64) elf.ProgHeader {
	return elf.ProgHeader{
		Type: elf.ProgType(p.Type), Flags: elf.ProgFlag(p.Flags),
		Off: p.Off, Vaddr: p.Vaddr, Paddr: p.Paddr,
		Filesz: p.Filesz, Memsz: p.Memsz, Align: p.Align,
	}
}

func progFromPhdr32(p *Phdr32) elf.ProgHeader {
	return elf.ProgHeader{
		Type: elf.ProgType(p.Type), Flags: elf.ProgFlag(p.Flags),
		Off: uint64(p.Off), Vaddr: uint64(p.Vaddr), Paddr: uint64(p.Paddr),
		Filesz: uint64(p.Filesz), Memsz: uint64(p.Memsz), Align: uint64(p.Align),
	}
}

// ParseProgs decodes a program header table already in memory.
func ParseProgs(p []byte, class elf.Class, order binary.ByteOrder, count int) ([]elf.ProgHeader, error) {
	progs := make([]elf.ProgHeader, 0, count)
	r := bytes.NewReader(p)
	for i := 0; i < count; i++ {
		if class == elf.ELFCLASS64 {
			var ph Phdr64
			if err := struc.UnpackWithOrder(r, &ph, order); err != nil {
				return nil, errors.Wrapf(err, "phdr %d", i)
			}
			progs = append(progs, progFromPhdr64(&ph))
		} else {
			var ph Phdr32
			if err := struc.UnpackWithOrder(r, &ph, order); err != nil {
				return nil, errors.Wrapf(err, "phdr %d", i)
			}
			progs = append(progs, progFromPhdr32(&ph))
		}
	}
	return progs, nil
}
