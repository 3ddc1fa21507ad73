package ld

import (
	"bytes"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/lunixbochs/ldso/go/models"
	"github.com/lunixbochs/ldso/go/models/mem"
)

const (
	slotBuiltin = 0
	slotMain    = 1
	reserved    = 2

	recordSize = 64
)

// LinkRecord is the link-map entry kept in arena memory for each slot.
type LinkRecord struct {
	Base    uint64
	Bias    uint64
	Dynamic uint64
	Size    uint64
	Refs    uint32
	State   uint32
	Gen     uint32
	Flags   uint32
	Name    [16]byte
}

const (
	recLive = 1 << iota
	recGlobal
	recMain
	recBuiltin
)

// Registry is the ordered set of loaded images, backed by an arena of fixed-size
// slots in host-mapped pages. The arena never touches the Go heap for image storage
// visible to the host, and grows one page at a time.
type Registry struct {
	host     models.Host
	page     uint64
	protect  bool
	maxPages int

	pages    []uint64
	slots    []*Image
	gens     []uint32
	free     []int
	order    []int
	writable int
}

func newRegistry(h models.Host, cfg *models.Config) *Registry {
	return &Registry{
		host:     h,
		page:     h.PageSize(),
		protect:  cfg.ProtectArena,
		maxPages: cfg.MaxArenaPages,
	}
}

func (r *Registry) perPage() int {
	return int(r.page / recordSize)
}

func (r *Registry) grow() error {
	if r.maxPages > 0 && len(r.pages) >= r.maxPages {
		return loadErrf(OutOfSlots, "arena", "arena limit of %d pages reached", r.maxPages)
	}
	prot := mem.PROT_READ | mem.PROT_WRITE
	if r.protect && r.writable == 0 {
		prot = mem.PROT_READ
	}
	addr, err := r.host.Mmap(0, r.page, prot, false, "ldso arena")
	if err != nil {
		return loadErr(OutOfSlots, "arena", err)
	}
	first := len(r.slots)
	r.pages = append(r.pages, addr)
	for i := 0; i < r.perPage(); i++ {
		r.slots = append(r.slots, nil)
		r.gens = append(r.gens, 0)
	}
	// push in reverse so the lowest index pops first
	for i := len(r.slots) - 1; i >= first; i-- {
		if i >= reserved {
			r.free = append(r.free, i)
		}
	}
	return nil
}

// unprotect makes the arena writable until the returned func runs. Calls nest.
func (r *Registry) unprotect() (func(), error) {
	if r.writable == 0 && r.protect {
		for i, addr := range r.pages {
			if err := r.host.Mprotect(addr, r.page, mem.PROT_READ|mem.PROT_WRITE); err != nil {
				for _, done := range r.pages[:i] {
					r.host.Mprotect(done, r.page, mem.PROT_READ)
				}
				return nil, errors.Wrap(err, "unprotect arena")
			}
		}
	}
	r.writable++
	return func() {
		r.writable--
		if r.writable == 0 && r.protect {
			for _, addr := range r.pages {
				r.host.Mprotect(addr, r.page, mem.PROT_READ)
			}
		}
	}, nil
}

func (r *Registry) slotAddr(slot int) uint64 {
	return r.pages[slot/r.perPage()] + uint64(slot%r.perPage())*recordSize
}

func (r *Registry) take(slot int, name string) *Image {
	img := &Image{Name: name, slot: slot, gen: r.gens[slot]}
	r.slots[slot] = img
	r.order = append(r.order, slot)
	return img
}

// Acquire hands out a zeroed slot and appends it to the load order.
func (r *Registry) Acquire(name string) (*Image, error) {
	if len(r.free) == 0 {
		if err := r.grow(); err != nil {
			return nil, err
		}
	}
	slot := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	img := r.take(slot, name)
	if err := r.sync(img); err != nil {
		r.Release(img)
		return nil, err
	}
	return img, nil
}

// acquireReserved claims slot 0 or 1.
func (r *Registry) acquireReserved(slot int, name string) (*Image, error) {
	if len(r.slots) == 0 {
		if err := r.grow(); err != nil {
			return nil, err
		}
	}
	if r.slots[slot] != nil {
		return nil, errors.Errorf("reserved slot %d already in use by %s", slot, r.slots[slot].Name)
	}
	img := r.take(slot, name)
	// the main program is ordered after the built-in image regardless of acquisition order
	if slot == slotBuiltin && len(r.order) > 1 {
		copy(r.order[1:], r.order[:len(r.order)-1])
		r.order[0] = slotBuiltin
	}
	return img, r.sync(img)
}

// Release unlinks img and returns its slot. Reserved slots are never put on the free list.
func (r *Registry) Release(img *Image) {
	for i, slot := range r.order {
		if slot == img.slot {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.slots[img.slot] != img {
		return
	}
	r.slots[img.slot] = nil
	r.gens[img.slot]++
	img.state = Unmapped
	r.clear(img.slot)
	if img.slot >= reserved {
		r.free = append(r.free, img.slot)
	}
}

// Get resolves a handle, failing for stale generations.
func (r *Registry) Get(h Handle) (*Image, bool) {
	slot, gen := h.split()
	if slot < 0 || slot >= len(r.slots) {
		return nil, false
	}
	img := r.slots[slot]
	if img == nil || r.gens[slot] != gen {
		return nil, false
	}
	return img, true
}

// Images returns live images in load order.
func (r *Registry) Images() []*Image {
	out := make([]*Image, 0, len(r.order))
	for _, slot := range r.order {
		out = append(out, r.slots[slot])
	}
	return out
}

func (r *Registry) builtin() *Image {
	if len(r.slots) > slotBuiltin {
		return r.slots[slotBuiltin]
	}
	return nil
}

func (r *Registry) main() *Image {
	if len(r.slots) > slotMain {
		return r.slots[slotMain]
	}
	return nil
}

// FreeSlots returns a copy of the free list, top last.
func (r *Registry) FreeSlots() []int {
	return append([]int(nil), r.free...)
}

func (r *Registry) Capacity() int { return len(r.slots) }

func (r *Registry) sync(img *Image) error {
	rec := LinkRecord{
		Base:  img.Base,
		Bias:  img.Bias,
		Size:  img.Size,
		Refs:  uint32(img.refs),
		State: uint32(img.state),
		Gen:   img.gen,
		Flags: recLive,
	}
	if img.Dyn != nil {
		rec.Dynamic = img.Dyn.Addr
	}
	if img.Global {
		rec.Flags |= recGlobal
	}
	if img.Main {
		rec.Flags |= recMain
	}
	if img.Builtin {
		rec.Flags |= recBuiltin
	}
	copy(rec.Name[:], img.Name)
	return r.write(img.slot, &rec)
}

func (r *Registry) clear(slot int) error {
	return r.write(slot, &LinkRecord{Gen: r.gens[slot]})
}

func (r *Registry) write(slot int, rec *LinkRecord) error {
	var buf bytes.Buffer
	if err := struc.PackWithOrder(&buf, rec, r.host.ByteOrder()); err != nil {
		return errors.Wrap(err, "pack link-map record")
	}
	return errors.Wrap(r.host.MemWrite(r.slotAddr(slot), buf.Bytes()), "write link-map record")
}

// Record reads a slot's link-map entry back from arena memory.
func (r *Registry) Record(slot int) (*LinkRecord, error) {
	p, err := r.host.MemRead(r.slotAddr(slot), recordSize)
	if err != nil {
		return nil, err
	}
	var rec LinkRecord
	if err := struc.UnpackWithOrder(bytes.NewReader(p), &rec, r.host.ByteOrder()); err != nil {
		return nil, errors.Wrap(err, "unpack link-map record")
	}
	return &rec, nil
}

// check verifies that no free slot is still linked into the load order.
func (r *Registry) check() error {
	inOrder := make(map[int]bool, len(r.order))
	for _, slot := range r.order {
		if r.slots[slot] == nil {
			return errors.Errorf("slot %d in load order but empty", slot)
		}
		inOrder[slot] = true
	}
	for _, slot := range r.free {
		if inOrder[slot] || r.slots[slot] != nil {
			return errors.Errorf("slot %d is free but still linked", slot)
		}
	}
	return nil
}

func (r *Registry) close() {
	for _, addr := range r.pages {
		r.host.Munmap(addr, r.page)
	}
	r.pages, r.slots, r.gens, r.free, r.order = nil, nil, nil, nil, nil
}
