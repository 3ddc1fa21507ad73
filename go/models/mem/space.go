package mem

import (
	"github.com/pkg/errors"
)

// Space is a sparse simulated address space.
type Space struct {
	pages Pages
	// Limit caps the total number of mapped bytes. Zero means no limit.
	Limit uint64
}

// Pages returns a snapshot of the mappings in address order.
func (s *Space) Pages() Pages {
	return append(Pages(nil), s.pages...)
}

func (s *Space) Mapped() uint64 {
	var total uint64
	for _, pg := range s.pages {
		total += pg.Size
	}
	return total
}

// Check returns a *Fault unless addr:size is fully mapped and every page in it carries prot.
func (s *Space) Check(addr, size uint64, prot int, write bool) error {
	fault := &Fault{Addr: addr, Size: int(size), Access: accessFor(prot, write)}
	next := addr
	for _, pg := range s.pages.FindRange(addr, size) {
		if pg.Addr > next {
			break
		}
		if pg.Prot&prot != prot {
			return fault
		}
		next = pg.End()
	}
	if next < addr+size || (size == 0 && s.pages.Find(addr) == nil) {
		fault.Unmapped = true
		return fault
	}
	return nil
}

// Map creates a zero-filled mapping, replacing anything it overlaps.
func (s *Space) Map(addr, size uint64, prot int, desc string) (*Page, error) {
	if size == 0 {
		return nil, errors.New("zero-length mapping")
	}
	if addr+size < addr {
		return nil, errors.Errorf("mapping %#x+%#x wraps", addr, size)
	}
	if s.Limit > 0 {
		var replaced uint64
		for _, pg := range s.pages.FindRange(addr, size) {
			_, n, _ := pg.Intersect(addr, size)
			replaced += n
		}
		if s.Mapped()-replaced+size > s.Limit {
			return nil, errors.WithStack(ErrLimit)
		}
	}
	s.Unmap(addr, size)
	page := &Page{Addr: addr, Size: size, Prot: prot, Data: make([]byte, size), Desc: desc}
	i := s.pages.after(addr)
	s.pages = append(s.pages, nil)
	copy(s.pages[i+1:], s.pages[i:])
	s.pages[i] = page
	return page, nil
}

// reshape runs fn on the piece of every page inside addr:size. fn returns nil to drop it.
func (s *Space) reshape(addr, size uint64, fn func(*Page) *Page) {
	out := make(Pages, 0, len(s.pages)+2)
	for _, pg := range s.pages {
		before, inside, after := pg.split(addr, size)
		if inside == nil {
			out = append(out, pg)
			continue
		}
		if before != nil {
			out = append(out, before)
		}
		if inside = fn(inside); inside != nil {
			out = append(out, inside)
		}
		if after != nil {
			out = append(out, after)
		}
	}
	s.pages = out
}

func (s *Space) Protect(addr, size uint64, prot int) {
	s.reshape(addr, size, func(pg *Page) *Page {
		pg.Prot = prot
		return pg
	})
}

func (s *Space) Unmap(addr, size uint64) {
	s.reshape(addr, size, func(*Page) *Page { return nil })
}

// each visits the pages covering addr:len(p) with the matching window of p.
// The range must already have passed Check.
func (s *Space) each(addr uint64, p []byte, fn func(pg *Page, off uint64, chunk []byte) int) {
	for _, pg := range s.pages.FindRange(addr, uint64(len(p))) {
		if len(p) == 0 {
			return
		}
		n := fn(pg, addr-pg.Addr, p)
		addr, p = addr+uint64(n), p[n:]
	}
}

// Read fills p from addr. A nonzero prot is required of every page read.
func (s *Space) Read(addr uint64, p []byte, prot int) error {
	if err := s.Check(addr, uint64(len(p)), prot, false); err != nil {
		return err
	}
	s.each(addr, p, func(pg *Page, off uint64, chunk []byte) int {
		return copy(chunk, pg.Data[off:])
	})
	return nil
}

// Write copies p to addr. A nonzero prot is required of every page written.
func (s *Space) Write(addr uint64, p []byte, prot int) error {
	if err := s.Check(addr, uint64(len(p)), prot, true); err != nil {
		return err
	}
	s.each(addr, p, func(pg *Page, off uint64, chunk []byte) int {
		return copy(pg.Data[off:], chunk)
	})
	return nil
}
