package ldd

import (
	"context"
	"os"

	"github.com/lunixbochs/ldso/go/cmd"
	"github.com/lunixbochs/ldso/go/ld"
	"github.com/lunixbochs/ldso/go/models"
)

func Main(args []string) {
	c := cmd.NewLdCmd()
	c.Run = func(ctx context.Context, args, env []string) error {
		l, err := link(ctx, c.Host, c.Config, args)
		if err != nil {
			return err
		}
		defer l.Shutdown(ctx)
		cmd.PrintImages(ctx, l)
		return nil
	}
	c.Execute(args, os.Environ())
}

// link loads every name on a fresh linker.
func link(ctx context.Context, h models.Host, cfg *models.Config, names []string) (*ld.Linker, error) {
	l, err := ld.New(h, cfg)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if _, err := l.Load(ctx, name); err != nil {
			l.Shutdown(ctx)
			return nil, err
		}
	}
	return l, nil
}

func init() { cmd.Register("ldd", "load libraries or executables and print the link map", Main) }
