package models

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
)

type File interface {
	io.ReaderAt
	io.Closer
	Name() string
	Size() int64
}

// Host is the set of primitives the linker needs before it can do any work.
// MemRead and MemWrite honor page protections.
type Host interface {
	Bits() int
	ByteOrder() binary.ByteOrder
	PageSize() uint64

	Mmap(addr, size uint64, prot int, fixed bool, desc string) (uint64, error)
	Munmap(addr, size uint64) error
	Mprotect(addr, size uint64, prot int) error

	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, p []byte) error

	Open(path string) (File, error)
}

// Resolver overrides where a dependency's bytes come from.
// Returning a nil File and nil error falls through to the search path.
type Resolver interface {
	ResolveFile(name string) (File, error)
}

type Mapping struct {
	Addr, Size uint64
	Prot       int
	Desc       string
}

type MappingLister interface {
	Mappings() []Mapping
}

type LinkEvent struct {
	Name    string
	Base    uint64
	Dynamic uint64
}

type DebugNotifier interface {
	NotifyLink(ev LinkEvent)
	NotifyUnload(ev LinkEvent)
}

// Caller runs code at addr inside the host. The ctx is passed back to any
// thunk the call lands on, so nested linker calls can reuse the held lock.
type Caller interface {
	Call(ctx context.Context, addr uint64, args ...uint64) (uint64, error)
}

// versioned capability names accepted by Query
const (
	CapMemory  = "ldso-memory-0.1"
	CapFile    = "ldso-file-0.1"
	CapResolve = "ldso-resolve-0.1"
	CapMaps    = "ldso-maps-0.1"
	CapDebug   = "ldso-debug-0.1"
	CapCall    = "ldso-call-0.1"
	CapThunk   = "ldso-thunk-0.1"
)

// Query returns the capability implementing name, or nil if the host does not provide it.
func Query(h Host, name string) interface{} {
	var ok bool
	switch name {
	case CapMemory, CapFile:
		return h
	case CapResolve:
		_, ok = h.(Resolver)
	case CapMaps:
		_, ok = h.(MappingLister)
	case CapDebug:
		_, ok = h.(DebugNotifier)
	case CapCall:
		_, ok = h.(Caller)
	case CapThunk:
		_, ok = h.(ThunkHost)
	}
	if ok {
		return h
	}
	return nil
}

var hostTable = struct {
	sync.Mutex
	next  uint64
	hosts map[uint64]Host
}{next: 1, hosts: make(map[uint64]Host)}

// PublishHost makes h reachable from an auxv AT_HOSTCAPS value.
func PublishHost(h Host) uint64 {
	hostTable.Lock()
	defer hostTable.Unlock()
	id := hostTable.next
	hostTable.next++
	hostTable.hosts[id] = h
	return id
}

func HostByHandle(id uint64) (Host, bool) {
	hostTable.Lock()
	defer hostTable.Unlock()
	h, ok := hostTable.hosts[id]
	return h, ok
}

func RetractHost(id uint64) {
	hostTable.Lock()
	defer hostTable.Unlock()
	delete(hostTable.hosts, id)
}

type callerKey struct{}

type frame struct {
	addr uint64
	prev *frame
}

// WithCaller records the address currently executing, for lookups relative to the caller.
func WithCaller(ctx context.Context, addr uint64) context.Context {
	prev, _ := ctx.Value(callerKey{}).(*frame)
	return context.WithValue(ctx, callerKey{}, &frame{addr: addr, prev: prev})
}

func CallerFrom(ctx context.Context) (uint64, bool) {
	if f, ok := ctx.Value(callerKey{}).(*frame); ok {
		return f.addr, true
	}
	return 0, false
}

// CallSite returns the code that called into the currently executing thunk.
func CallSite(ctx context.Context) (uint64, bool) {
	if f, ok := ctx.Value(callerKey{}).(*frame); ok && f.prev != nil {
		return f.prev.addr, true
	}
	return 0, false
}

// ThunkFunc implements the code behind a trap thunk.
type ThunkFunc func(ctx context.Context, args []uint64) (uint64, error)

// ThunkHost dispatches trap thunks to Go handlers.
type ThunkHost interface {
	Handle(name string, fn ThunkFunc)
}
