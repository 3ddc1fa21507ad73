package models

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

const (
	AT_NULL = iota
	AT_IGNORE
	AT_EXECFD
	AT_PHDR
	AT_PHENT
	AT_PHNUM
	AT_PAGESZ
	AT_BASE
	AT_FLAGS
	AT_ENTRY
	AT_NOTELF
	AT_UID
	AT_EUID
	AT_GID
	AT_EGID
	AT_PLATFORM
	AT_HWCAP
	AT_CLKTCK = 17
	AT_RANDOM = 25
	AT_EXECFN = 31

	// value is a handle returned by PublishHost
	AT_HOSTCAPS = 0x1000
)

type Elf32Auxv struct {
	Type, Val uint32
}

type Elf64Auxv struct {
	Type, Val uint64
}

type Auxv = Elf64Auxv

func AuxvValue(auxv []Auxv, typ uint64) (uint64, bool) {
	for _, a := range auxv {
		if a.Type == typ {
			return a.Val, true
		}
		if a.Type == AT_NULL {
			break
		}
	}
	return 0, false
}

// PackAuxv encodes auxv as the raw block a process receives, terminated with AT_NULL.
func PackAuxv(auxv []Auxv, bits int, order binary.ByteOrder) ([]byte, error) {
	var buf bytes.Buffer
	if len(auxv) == 0 || auxv[len(auxv)-1].Type != AT_NULL {
		auxv = append(auxv[:len(auxv):len(auxv)], Auxv{AT_NULL, 0})
	}
	for _, a := range auxv {
		var err error
		if bits == 32 {
			err = struc.PackWithOrder(&buf, &Elf32Auxv{uint32(a.Type), uint32(a.Val)}, order)
		} else {
			err = struc.PackWithOrder(&buf, &a, order)
		}
		if err != nil {
			return nil, errors.Wrap(err, "struc.Pack() failed")
		}
	}
	return buf.Bytes(), nil
}

// ParseAuxv decodes a raw auxv block up to AT_NULL.
func ParseAuxv(p []byte, bits int, order binary.ByteOrder) ([]Auxv, error) {
	r := bytes.NewReader(p)
	var auxv []Auxv
	for r.Len() > 0 {
		var a Auxv
		if bits == 32 {
			var a32 Elf32Auxv
			if err := struc.UnpackWithOrder(r, &a32, order); err != nil {
				return nil, errors.Wrap(err, "struc.Unpack() failed")
			}
			a = Auxv{uint64(a32.Type), uint64(a32.Val)}
		} else if err := struc.UnpackWithOrder(r, &a, order); err != nil {
			return nil, errors.Wrap(err, "struc.Unpack() failed")
		}
		if a.Type == AT_NULL {
			return auxv, nil
		}
		auxv = append(auxv, a)
	}
	return nil, errors.New("auxv missing AT_NULL terminator")
}
