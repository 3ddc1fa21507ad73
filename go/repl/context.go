package repl

import (
	"context"
	"fmt"
	"io"

	"github.com/lunixbochs/ldso/go/ld"
)

type Context struct {
	io.Writer
	L   *ld.Linker
	Ctx context.Context
}

func (c *Context) Printf(format string, a ...interface{}) (n int, err error) {
	return fmt.Fprintf(c, format, a...)
}

func (c *Context) ctx() context.Context {
	if c.Ctx == nil {
		return context.Background()
	}
	return c.Ctx
}
