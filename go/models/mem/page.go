package mem

import (
	"fmt"
	"sort"
	"strings"
)

// Page is one contiguous mapping with uniform protection.
type Page struct {
	Addr uint64
	Size uint64
	Prot int
	Data []byte
	Desc string
}

func (p *Page) End() uint64 { return p.Addr + p.Size }

func (p *Page) String() string {
	s := fmt.Sprintf("%#x-%#x %s", p.Addr, p.End(), ProtString(p.Prot))
	if p.Desc != "" {
		s += " [" + p.Desc + "]"
	}
	return s
}

func (p *Page) Contains(addr uint64) bool {
	return addr >= p.Addr && addr < p.End()
}

// Intersect clips addr:size to the page.
func (p *Page) Intersect(addr, size uint64) (start, n uint64, ok bool) {
	start, end := p.Addr, p.End()
	if addr > start {
		start = addr
	}
	if addr+size < end {
		end = addr + size
	}
	if end <= start {
		return 0, 0, false
	}
	return start, end - start, true
}

// cut returns the part of p at [addr, addr+size), sharing p's backing data.
func (p *Page) cut(addr, size uint64) *Page {
	off := addr - p.Addr
	return &Page{Addr: addr, Size: size, Prot: p.Prot, Data: p.Data[off : off+size], Desc: p.Desc}
}

// split divides p into the pieces before, inside and after addr:size.
// Pieces that would be empty are nil; all three are nil if the ranges do not meet.
func (p *Page) split(addr, size uint64) (before, inside, after *Page) {
	start, n, ok := p.Intersect(addr, size)
	if !ok {
		return nil, nil, nil
	}
	if start > p.Addr {
		before = p.cut(p.Addr, start-p.Addr)
	}
	if end := start + n; end < p.End() {
		after = p.cut(end, p.End()-end)
	}
	return before, p.cut(start, n), after
}

// Pages is kept sorted by address with no overlaps.
type Pages []*Page

func (p Pages) String() string {
	lines := make([]string, len(p))
	for i, pg := range p {
		lines[i] = pg.String()
	}
	return strings.Join(lines, "\n")
}

// after returns the index of the first page ending past addr.
func (p Pages) after(addr uint64) int {
	return sort.Search(len(p), func(i int) bool { return p[i].End() > addr })
}

func (p Pages) Find(addr uint64) *Page {
	if i := p.after(addr); i < len(p) && p[i].Contains(addr) {
		return p[i]
	}
	return nil
}

// FindRange returns every page overlapping addr:size, in address order.
func (p Pages) FindRange(addr, size uint64) Pages {
	i := p.after(addr)
	j := i
	for j < len(p) && p[j].Addr < addr+size {
		j++
	}
	if i == j {
		return nil
	}
	return p[i:j:j]
}
