package models

import "fmt"

type Region struct {
	Addr, Size uint64
}

func (r Region) End() uint64 { return r.Addr + r.Size }

func (r Region) Contains(addr uint64) bool {
	return r.Addr <= addr && addr < r.Addr+r.Size
}

func (r Region) String() string {
	return fmt.Sprintf("0x%x-0x%x", r.Addr, r.Addr+r.Size)
}
