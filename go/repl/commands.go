package repl

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/lunixbochs/ldso/go/ld"
	"github.com/lunixbochs/ldso/go/models"
	"github.com/lunixbochs/ldso/go/models/mem"
)

var OpenCmd = cmd(&Command{
	Name:  "open",
	Usage: "<name>",
	Desc:  "Load a library with its dependencies and print its handle.",
	Run: func(c *Context, name string) error {
		h, err := c.L.Open(c.ctx(), name, ld.RTLD_NOW|ld.RTLD_GLOBAL)
		if err != nil {
			return err
		}
		c.Printf("%s\n", h)
		return nil
	},
})

var CloseCmd = cmd(&Command{
	Name:  "close",
	Usage: "<handle>",
	Desc:  "Drop a reference taken by open.",
	Run: func(c *Context, h ld.Handle) error {
		return c.L.Close(c.ctx(), h)
	},
})

var SymCmd = cmd(&Command{
	Name:  "sym",
	Usage: "<handle|default> <name>",
	Desc:  "Resolve a symbol through a handle.",
	Run: func(c *Context, h ld.Handle, name string) error {
		addr, err := c.L.Lookup(c.ctx(), h, name)
		if err != nil {
			return err
		}
		c.Printf("%s = %#x\n", name, addr)
		return nil
	},
})

var AddrCmd = cmd(&Command{
	Name:  "addr",
	Usage: "<address>",
	Desc:  "Find the image and symbol containing an address.",
	Run: func(c *Context, addr uint64) error {
		info, ok := c.L.AddressToSymbol(c.ctx(), addr)
		if !ok {
			return errors.Errorf("%#x is not inside a loaded image", addr)
		}
		if info.HasSymbol {
			c.Printf("%s+%#x (%s @ %#x)\n", info.Symbol, addr-info.Addr, info.Image, info.Base)
		} else {
			c.Printf("%s+%#x\n", info.Image, addr-info.Base)
		}
		return nil
	},
})

var ImagesCmd = cmd(&Command{
	Name: "images",
	Desc: "List loaded images in load order.",
	Run: func(c *Context) error {
		for _, img := range c.L.Images(c.ctx()) {
			scope := "local"
			if img.Global {
				scope = "global"
			}
			c.Printf("%-6s %#x-%#x refs=%d %-11s %-6s %s", img.Handle, img.Base, img.Base+img.Size, img.Refs, img.State, scope, img.Name)
			if len(img.Deps) > 0 {
				c.Printf(" -> %s", strings.Join(img.Deps, ", "))
			}
			c.Printf("\n")
		}
		return nil
	},
})

var MapsCmd = cmd(&Command{
	Name: "maps",
	Desc: "Display memory mappings.",
	Run: func(c *Context) error {
		lister, ok := models.Query(c.L.Host(), models.CapMaps).(models.MappingLister)
		if !ok {
			return errors.New("host cannot list mappings")
		}
		for _, m := range lister.Mappings() {
			c.Printf("  %#x-%#x %s %s\n", m.Addr, m.Addr+m.Size, mem.ProtString(m.Prot), m.Desc)
		}
		return nil
	},
})

var MemCmd = cmd(&Command{
	Name:  "mem",
	Usage: "<address> <size>",
	Desc:  "Hex dump memory.",
	Run: func(c *Context, addr, size uint64) error {
		h := c.L.Host()
		p, err := h.MemRead(addr, size)
		if err != nil {
			return err
		}
		for _, line := range models.HexDump(addr, p, h.Bits()) {
			c.Printf("  %s\n", line)
		}
		return nil
	},
})

var ErrorCmd = cmd(&Command{
	Name: "error",
	Desc: "Print and clear the last failure message.",
	Run: func(c *Context) error {
		if msg := c.L.Error(); msg != "" {
			c.Printf("%s\n", msg)
		}
		return nil
	},
})

var HelpCmd = cmd(&Command{
	Name: "help",
	Desc: "List commands.",
	Run: func(c *Context) error {
		for _, cmd := range sortedCommands() {
			c.Printf("  %-24s %s\n", strings.TrimSpace(cmd.Name+" "+cmd.Usage), cmd.Desc)
		}
		return nil
	},
})
