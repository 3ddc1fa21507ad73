package ld

import (
	"debug/elf"
	"fmt"
)

// RelKind is the machine-independent meaning of a relocation type.
type RelKind int

const (
	RelNone RelKind = iota
	// S + A
	RelAbs
	// B + A
	RelRelative
	// S + A - P
	RelPC
	RelGlobDat
	RelJumpSlot
	RelCopy
	// result of calling B + A
	RelIRelative
	RelTLS
)

var relKindNames = []string{"none", "abs", "relative", "pcrel", "globdat", "jumpslot", "copy", "irelative", "tls"}

func (k RelKind) String() string {
	if int(k) < len(relKindNames) {
		return relKindNames[k]
	}
	return fmt.Sprintf("RelKind(%d)", int(k))
}

// RelType is one row of an architecture's relocation table.
type RelType struct {
	Kind  RelKind
	Width int
	Name  string
}

type Arch struct {
	Name     string
	Machine  elf.Machine
	Bits     int
	Relative uint32
	Table    map[uint32]RelType
}

func (a *Arch) Classify(typ uint32) (RelType, bool) {
	t, ok := a.Table[typ]
	return t, ok
}

func row(kind RelKind, width int, name fmt.Stringer) RelType {
	return RelType{Kind: kind, Width: width, Name: name.String()}
}

var archX86_64 = &Arch{
	Name: "x86_64", Machine: elf.EM_X86_64, Bits: 64,
	Relative: uint32(elf.R_X86_64_RELATIVE),
	Table: map[uint32]RelType{
		uint32(elf.R_X86_64_NONE):      row(RelNone, 0, elf.R_X86_64_NONE),
		uint32(elf.R_X86_64_64):        row(RelAbs, 8, elf.R_X86_64_64),
		uint32(elf.R_X86_64_32):        row(RelAbs, 4, elf.R_X86_64_32),
		uint32(elf.R_X86_64_32S):       row(RelAbs, 4, elf.R_X86_64_32S),
		uint32(elf.R_X86_64_PC32):      row(RelPC, 4, elf.R_X86_64_PC32),
		uint32(elf.R_X86_64_PC64):      row(RelPC, 8, elf.R_X86_64_PC64),
		uint32(elf.R_X86_64_GLOB_DAT):  row(RelGlobDat, 8, elf.R_X86_64_GLOB_DAT),
		uint32(elf.R_X86_64_JMP_SLOT):  row(RelJumpSlot, 8, elf.R_X86_64_JMP_SLOT),
		uint32(elf.R_X86_64_RELATIVE):  row(RelRelative, 8, elf.R_X86_64_RELATIVE),
		uint32(elf.R_X86_64_COPY):      row(RelCopy, 0, elf.R_X86_64_COPY),
		uint32(elf.R_X86_64_IRELATIVE): row(RelIRelative, 8, elf.R_X86_64_IRELATIVE),
		uint32(elf.R_X86_64_DTPMOD64):  row(RelTLS, 8, elf.R_X86_64_DTPMOD64),
		uint32(elf.R_X86_64_DTPOFF64):  row(RelTLS, 8, elf.R_X86_64_DTPOFF64),
		uint32(elf.R_X86_64_TPOFF64):   row(RelTLS, 8, elf.R_X86_64_TPOFF64),
	},
}

var arch386 = &Arch{
	Name: "x86", Machine: elf.EM_386, Bits: 32,
	Relative: uint32(elf.R_386_RELATIVE),
	Table: map[uint32]RelType{
		uint32(elf.R_386_NONE):         row(RelNone, 0, elf.R_386_NONE),
		uint32(elf.R_386_32):           row(RelAbs, 4, elf.R_386_32),
		uint32(elf.R_386_PC32):         row(RelPC, 4, elf.R_386_PC32),
		uint32(elf.R_386_GLOB_DAT):     row(RelGlobDat, 4, elf.R_386_GLOB_DAT),
		uint32(elf.R_386_JMP_SLOT):     row(RelJumpSlot, 4, elf.R_386_JMP_SLOT),
		uint32(elf.R_386_RELATIVE):     row(RelRelative, 4, elf.R_386_RELATIVE),
		uint32(elf.R_386_COPY):         row(RelCopy, 0, elf.R_386_COPY),
		uint32(elf.R_386_IRELATIVE):    row(RelIRelative, 4, elf.R_386_IRELATIVE),
		uint32(elf.R_386_TLS_TPOFF):    row(RelTLS, 4, elf.R_386_TLS_TPOFF),
		uint32(elf.R_386_TLS_DTPMOD32): row(RelTLS, 4, elf.R_386_TLS_DTPMOD32),
		uint32(elf.R_386_TLS_DTPOFF32): row(RelTLS, 4, elf.R_386_TLS_DTPOFF32),
	},
}

var archAarch64 = &Arch{
	Name: "arm64", Machine: elf.EM_AARCH64, Bits: 64,
	Relative: uint32(elf.R_AARCH64_RELATIVE),
	Table: map[uint32]RelType{
		uint32(elf.R_AARCH64_NONE):         row(RelNone, 0, elf.R_AARCH64_NONE),
		256:                                {Kind: RelNone, Name: "R_AARCH64_NONE"},
		uint32(elf.R_AARCH64_ABS64):        row(RelAbs, 8, elf.R_AARCH64_ABS64),
		uint32(elf.R_AARCH64_ABS32):        row(RelAbs, 4, elf.R_AARCH64_ABS32),
		uint32(elf.R_AARCH64_PREL64):       row(RelPC, 8, elf.R_AARCH64_PREL64),
		uint32(elf.R_AARCH64_PREL32):       row(RelPC, 4, elf.R_AARCH64_PREL32),
		uint32(elf.R_AARCH64_GLOB_DAT):     row(RelGlobDat, 8, elf.R_AARCH64_GLOB_DAT),
		uint32(elf.R_AARCH64_JUMP_SLOT):    row(RelJumpSlot, 8, elf.R_AARCH64_JUMP_SLOT),
		uint32(elf.R_AARCH64_RELATIVE):     row(RelRelative, 8, elf.R_AARCH64_RELATIVE),
		uint32(elf.R_AARCH64_COPY):         row(RelCopy, 0, elf.R_AARCH64_COPY),
		uint32(elf.R_AARCH64_IRELATIVE):    row(RelIRelative, 8, elf.R_AARCH64_IRELATIVE),
		uint32(elf.R_AARCH64_TLS_DTPMOD64): row(RelTLS, 8, elf.R_AARCH64_TLS_DTPMOD64),
		uint32(elf.R_AARCH64_TLS_DTPREL64): row(RelTLS, 8, elf.R_AARCH64_TLS_DTPREL64),
		uint32(elf.R_AARCH64_TLS_TPREL64):  row(RelTLS, 8, elf.R_AARCH64_TLS_TPREL64),
		uint32(elf.R_AARCH64_TLSDESC):      row(RelTLS, 8, elf.R_AARCH64_TLSDESC),
	},
}

var archArm = &Arch{
	Name: "arm", Machine: elf.EM_ARM, Bits: 32,
	Relative: uint32(elf.R_ARM_RELATIVE),
	Table: map[uint32]RelType{
		uint32(elf.R_ARM_NONE):         row(RelNone, 0, elf.R_ARM_NONE),
		uint32(elf.R_ARM_ABS32):        row(RelAbs, 4, elf.R_ARM_ABS32),
		uint32(elf.R_ARM_REL32):        row(RelPC, 4, elf.R_ARM_REL32),
		uint32(elf.R_ARM_GLOB_DAT):     row(RelGlobDat, 4, elf.R_ARM_GLOB_DAT),
		uint32(elf.R_ARM_JUMP_SLOT):    row(RelJumpSlot, 4, elf.R_ARM_JUMP_SLOT),
		uint32(elf.R_ARM_RELATIVE):     row(RelRelative, 4, elf.R_ARM_RELATIVE),
		uint32(elf.R_ARM_COPY):         row(RelCopy, 0, elf.R_ARM_COPY),
		uint32(elf.R_ARM_IRELATIVE):    row(RelIRelative, 4, elf.R_ARM_IRELATIVE),
		uint32(elf.R_ARM_TLS_DTPMOD32): row(RelTLS, 4, elf.R_ARM_TLS_DTPMOD32),
		uint32(elf.R_ARM_TLS_DTPOFF32): row(RelTLS, 4, elf.R_ARM_TLS_DTPOFF32),
		uint32(elf.R_ARM_TLS_TPOFF32):  row(RelTLS, 4, elf.R_ARM_TLS_TPOFF32),
	},
}

var arches = map[elf.Machine]*Arch{
	elf.EM_X86_64:  archX86_64,
	elf.EM_386:     arch386,
	elf.EM_AARCH64: archAarch64,
	elf.EM_ARM:     archArm,
}

// ArchFor returns the relocation table for a machine.
func ArchFor(m elf.Machine) (*Arch, bool) {
	a, ok := arches[m]
	return a, ok
}
