//go:build linux

package host

import (
	"testing"

	"github.com/lunixbochs/ldso/go/models/mem"
)

func TestNative(t *testing.T) {
	n := NewNative()
	addr, err := n.Mmap(0, 1, mem.PROT_READ|mem.PROT_WRITE, false, "test")
	if err != nil {
		t.Fatal(err)
	}
	defer n.Munmap(addr, 1)
	if err := n.MemWrite(addr, []byte("native")); err != nil {
		t.Fatal(err)
	}
	p, err := n.MemRead(addr, 6)
	if err != nil || string(p) != "native" {
		t.Fatalf("read %q %v", p, err)
	}
	if err := n.Mprotect(addr, 1, mem.PROT_READ); err != nil {
		t.Fatal(err)
	}
	if err := n.MemWrite(addr, []byte("x")); err == nil {
		t.Fatal("write to read-only page succeeded")
	}
	if len(n.Mappings()) != 1 {
		t.Fatalf("mappings: %v", n.Mappings())
	}
}
