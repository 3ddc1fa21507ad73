package run

import (
	"context"
	"fmt"
	"os"

	"github.com/lunixbochs/ldso/go/cmd"
	"github.com/lunixbochs/ldso/go/ld"
	"github.com/lunixbochs/ldso/go/models"
)

func Main(args []string) {
	c := cmd.NewLdCmd()
	list := c.Flags.Bool("list", false, "print the link map after startup")
	c.Run = func(ctx context.Context, args, env []string) error {
		id := models.PublishHost(c.Host)
		defer models.RetractHost(id)
		defer ld.Teardown(ctx)

		// Start rebuilds its config from env
		env = append(env, c.Config.Environ()...)
		auxv := []models.Auxv{{Type: models.AT_HOSTCAPS, Val: id}}
		entry, l, err := ld.Start(ctx, args, env, auxv)
		if err != nil {
			return err
		}
		if *list {
			cmd.PrintImages(ctx, l)
		}
		fmt.Fprintf(c.Config.Output, "%s: entry %#x\n", args[0], entry)
		return nil
	}
	c.Execute(args, os.Environ())
}

func init() { cmd.Register("run", "link an executable and report its entry point", Main) }
