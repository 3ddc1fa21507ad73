package mem

import (
	"fmt"

	"github.com/pkg/errors"
)

type Access int

const (
	Read Access = iota
	Write
	Exec
)

func (a Access) String() string {
	switch a {
	case Write:
		return "write"
	case Exec:
		return "fetch"
	}
	return "read"
}

// accessFor picks the access a protection check stands for.
func accessFor(prot int, write bool) Access {
	switch {
	case write:
		return Write
	case prot&PROT_EXEC != 0:
		return Exec
	}
	return Read
}

// Fault is a memory access the address space refused.
type Fault struct {
	Addr   uint64
	Size   int
	Access Access
	// Unmapped is set when part of the range has no mapping; otherwise the protection was wrong.
	Unmapped bool
}

func (f *Fault) Error() string {
	why := "protected"
	if f.Unmapped {
		why = "unmapped"
	}
	return fmt.Sprintf("%s %s at %#x(%d)", why, f.Access, f.Addr, f.Size)
}

var ErrLimit = errors.New("mapping limit exceeded")
