package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
)

type command struct {
	name, desc string
	main       func(args []string)
}

var commands = make(map[string]*command)

// Register adds a subcommand. main receives argv with the program and subcommand names joined in argv[0].
func Register(name, desc string, main func(args []string)) {
	commands[name] = &command{name, desc, main}
}

func printCommands(w io.Writer, prog string) {
	names := make([]string, 0, len(commands))
	width := 0
	for name := range commands {
		names = append(names, name)
		if len(name) > width {
			width = len(name)
		}
	}
	sort.Strings(names)
	fmt.Fprintln(w, "Commands:")
	for _, name := range names {
		fmt.Fprintf(w, "  %-*s | %s\n", width, name, commands[name].desc)
	}
	fmt.Fprintf(w, "\nExample: %s ldd -L ./plugins libplugin.so\n\n", prog)
}

// Dispatch runs the subcommand named by argv[1]. It returns false after printing usage
// when there is none.
func Dispatch(argv []string, stderr io.Writer) bool {
	if len(argv) < 2 {
		printCommands(stderr, argv[0])
		return false
	}
	cmd, ok := commands[argv[1]]
	if !ok {
		fmt.Fprintf(stderr, "Command '%s' not found.\n\n", argv[1])
		printCommands(stderr, argv[0])
		return false
	}
	cmd.main(append([]string{argv[0] + " " + argv[1]}, argv[2:]...))
	return true
}

func Main() {
	if !Dispatch(os.Args, os.Stderr) {
		os.Exit(1)
	}
}
