package host

import (
	"encoding/binary"

	"github.com/lunixbochs/ldso/go/models"
)

// Notified adds a debugger notification hook to a Sim.
type Notified struct {
	*Sim
	Linked   []models.LinkEvent
	Unloaded []models.LinkEvent
}

func (n *Notified) NotifyLink(ev models.LinkEvent)   { n.Linked = append(n.Linked, ev) }
func (n *Notified) NotifyUnload(ev models.LinkEvent) { n.Unloaded = append(n.Unloaded, ev) }

// Resolving adds a by-name file override to a Sim.
type Resolving struct {
	*Sim
	Resolve func(name string) (models.File, error)
}

func (r *Resolving) ResolveFile(name string) (models.File, error) {
	return r.Resolve(name)
}

// Bare hides every optional capability of the wrapped host.
type Bare struct {
	h models.Host
}

func NewBare(h models.Host) *Bare { return &Bare{h} }

func (b *Bare) Bits() int                                  { return b.h.Bits() }
func (b *Bare) ByteOrder() binary.ByteOrder                { return b.h.ByteOrder() }
func (b *Bare) PageSize() uint64                           { return b.h.PageSize() }
func (b *Bare) Munmap(addr, size uint64) error             { return b.h.Munmap(addr, size) }
func (b *Bare) Mprotect(addr, size uint64, prot int) error { return b.h.Mprotect(addr, size, prot) }
func (b *Bare) MemRead(addr, size uint64) ([]byte, error)  { return b.h.MemRead(addr, size) }
func (b *Bare) MemWrite(addr uint64, p []byte) error       { return b.h.MemWrite(addr, p) }
func (b *Bare) Open(path string) (models.File, error)      { return b.h.Open(path) }
func (b *Bare) Mmap(addr, size uint64, prot int, fixed bool, desc string) (uint64, error) {
	return b.h.Mmap(addr, size, prot, fixed, desc)
}
