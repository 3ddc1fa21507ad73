package loader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

var (
	ErrBadMagic = errors.New("Could not identify file magic.")
	ErrNoLoad   = errors.New("no loadable segment")
)

// FormatError reports a malformed or unsupported image.
type FormatError struct {
	Reason string
}

func (f *FormatError) Error() string {
	return "bad image format: " + f.Reason
}

func formatErrorf(format string, a ...interface{}) error {
	return errors.WithStack(&FormatError{fmt.Sprintf(format, a...)})
}

// MapError reports a mapping request the host rejected.
type MapError struct {
	Addr, Size uint64
	Err        error
}

func (m *MapError) Error() string {
	return fmt.Sprintf("map 0x%x+0x%x: %v", m.Addr, m.Size, m.Err)
}

// LoaderHeader carries what every image format reports about itself.
type LoaderHeader struct {
	arch      string
	bits      int
	byteOrder binary.ByteOrder
	entry     uint64
}

func (l *LoaderHeader) Arch() string { return l.arch }
func (l *LoaderHeader) Bits() int    { return l.bits }

// Entry is the link-time entry point.
func (l *LoaderHeader) Entry() uint64 { return l.entry }

func (l *LoaderHeader) ByteOrder() binary.ByteOrder {
	if l.byteOrder != nil {
		return l.byteOrder
	}
	return binary.LittleEndian
}

// hasMagic reports whether r starts with magic.
func hasMagic(r io.ReaderAt, magic []byte) bool {
	p := make([]byte, len(magic))
	n, _ := r.ReadAt(p, 0)
	return n == len(p) && bytes.Equal(p, magic)
}

func alignDown(addr, align uint64) uint64 { return addr &^ (align - 1) }
func alignUp(addr, align uint64) uint64   { return alignDown(addr+align-1, align) }

// Open identifies the image format and parses its headers.
func Open(r io.ReaderAt) (*ElfImage, error) {
	if MatchElf(r) {
		return NewElfImage(r)
	}
	return nil, errors.WithStack(ErrBadMagic)
}
