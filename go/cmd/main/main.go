package main

import (
	"github.com/lunixbochs/ldso/go/cmd"

	_ "github.com/lunixbochs/ldso/go/cmd/ldd"
	_ "github.com/lunixbochs/ldso/go/cmd/repl"
	_ "github.com/lunixbochs/ldso/go/cmd/run"
)

func main() { cmd.Main() }
