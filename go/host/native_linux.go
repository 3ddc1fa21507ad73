//go:build linux

package host

import (
	"encoding/binary"
	"os"
	"sort"
	"strconv"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lunixbochs/ldso/go/models"
	"github.com/lunixbochs/ldso/go/models/mem"
)

// Native maps real anonymous memory in the current process. It cannot call code.
type Native struct {
	mu    sync.Mutex
	page  uint64
	prots map[uint64]int
	descs map[uint64]string
}

func NewNative() *Native {
	return &Native{
		page:  uint64(os.Getpagesize()),
		prots: make(map[uint64]int),
		descs: make(map[uint64]string),
	}
}

func (n *Native) Bits() int                   { return strconv.IntSize }
func (n *Native) ByteOrder() binary.ByteOrder { return binary.NativeEndian }
func (n *Native) PageSize() uint64            { return n.page }

func unixProt(prot int) int {
	var out int
	if prot&mem.PROT_READ != 0 {
		out |= unix.PROT_READ
	}
	if prot&mem.PROT_WRITE != 0 {
		out |= unix.PROT_WRITE
	}
	if prot&mem.PROT_EXEC != 0 {
		out |= unix.PROT_EXEC
	}
	return out
}

func (n *Native) align(v uint64) uint64 {
	return (v + n.page - 1) &^ (n.page - 1)
}

func (n *Native) Mmap(addr, size uint64, prot int, fixed bool, desc string) (uint64, error) {
	size = n.align(size)
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if fixed {
		flags |= unix.MAP_FIXED_NOREPLACE
	}
	ptr, err := unix.MmapPtr(-1, 0, unsafe.Pointer(uintptr(addr)), uintptr(size), unixProt(prot), flags)
	if err != nil {
		return 0, errors.Wrapf(err, "mmap(%#x, %#x)", addr, size)
	}
	got := uint64(uintptr(ptr))
	if fixed && got != addr {
		unix.MunmapPtr(ptr, uintptr(size))
		return 0, errors.Errorf("mmap: wanted %#x, got %#x", addr, got)
	}
	n.mu.Lock()
	for a := got; a < got+size; a += n.page {
		n.prots[a] = prot
		n.descs[a] = desc
	}
	n.mu.Unlock()
	return got, nil
}

func (n *Native) Munmap(addr, size uint64) error {
	size = n.align(size)
	if err := unix.MunmapPtr(unsafe.Pointer(uintptr(addr)), uintptr(size)); err != nil {
		return errors.Wrapf(err, "munmap(%#x, %#x)", addr, size)
	}
	n.mu.Lock()
	for a := addr; a < addr+size; a += n.page {
		delete(n.prots, a)
		delete(n.descs, a)
	}
	n.mu.Unlock()
	return nil
}

func (n *Native) Mprotect(addr, size uint64, prot int) error {
	size = n.align(size)
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
	if err := unix.Mprotect(b, unixProt(prot)); err != nil {
		return errors.Wrapf(err, "mprotect(%#x, %#x)", addr, size)
	}
	n.mu.Lock()
	for a := addr; a < addr+size; a += n.page {
		n.prots[a] = prot
	}
	n.mu.Unlock()
	return nil
}

// check refuses accesses the kernel would fault on.
func (n *Native) check(addr, size uint64, prot int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for a := addr &^ (n.page - 1); a < addr+size; a += n.page {
		p, ok := n.prots[a]
		if !ok || p&prot != prot {
			access := mem.Read
			if prot&mem.PROT_WRITE != 0 {
				access = mem.Write
			}
			return &mem.Fault{Addr: addr, Size: int(size), Access: access, Unmapped: !ok}
		}
	}
	return nil
}

func (n *Native) MemRead(addr, size uint64) ([]byte, error) {
	if err := n.check(addr, size, mem.PROT_READ); err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size))
	return out, nil
}

func (n *Native) MemWrite(addr uint64, p []byte) error {
	if err := n.check(addr, uint64(len(p)), mem.PROT_WRITE); err != nil {
		return err
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), len(p)), p)
	return nil
}

func (n *Native) Open(path string) (models.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	return osFile{f}, nil
}

func (n *Native) Mappings() []models.Mapping {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.Mapping
	for addr, prot := range n.prots {
		out = append(out, models.Mapping{Addr: addr, Size: n.page, Prot: prot, Desc: n.descs[addr]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}
