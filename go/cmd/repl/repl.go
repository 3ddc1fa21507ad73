package repl

import (
	"context"
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/lunixbochs/ldso/go/cmd"
	"github.com/lunixbochs/ldso/go/ld"
	"github.com/lunixbochs/ldso/go/repl"
)

func Main(args []string) {
	c := cmd.NewLdCmd()
	c.NoExe = true
	var listen, connect *int
	var script *string
	c.SetupFlags = func() error {
		listen = c.Flags.Int("listen", -1, "serve the prompt on localhost:<port>")
		connect = c.Flags.Int("connect", -1, "connect to a prompt served on localhost:<port>")
		script = c.Flags.String("script", "", "run commands from a file instead of the terminal")
		return nil
	}
	c.Run = func(ctx context.Context, args, env []string) error {
		if *connect > 0 {
			return repl.Dial(net.JoinHostPort("localhost", strconv.Itoa(*connect)))
		}
		l, err := ld.New(c.Host, c.Config)
		if err != nil {
			return err
		}
		defer l.Shutdown(ctx)
		for _, name := range args {
			if _, err := l.Open(ctx, name, ld.RTLD_NOW|ld.RTLD_GLOBAL); err != nil {
				return err
			}
		}
		switch {
		case *script != "":
			f, err := os.Open(*script)
			if err != nil {
				return errors.WithStack(err)
			}
			defer f.Close()
			return repl.RunScript(&repl.Context{Writer: os.Stdout, L: l, Ctx: ctx}, f)
		case *listen > 0:
			conn, err := repl.Accept("localhost", strconv.Itoa(*listen))
			if err != nil {
				return errors.Wrapf(err, "accept on port %d", *listen)
			}
			return repl.Serve(ctx, l, conn)
		}
		r, err := repl.New(ctx, l)
		if err != nil {
			return err
		}
		defer r.Close()
		return r.Run()
	}
	c.Execute(args, os.Environ())
}

func init() { cmd.Register("repl", "inspect a linker interactively", Main) }
