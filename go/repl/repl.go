package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"

	"github.com/lunixbochs/ldso/go/ld"
)

type Repl struct {
	ctx *Context
	rl  *readline.Instance
}

func historyPath() string {
	configDirs := configdir.New("ldso", "repl")
	cacheDir := configDirs.QueryCacheFolder()
	if err := cacheDir.MkdirAll(); err != nil {
		return ""
	}
	return filepath.Join(cacheDir.Path, "history")
}

// New opens an interactive prompt on the terminal for l.
func New(ctx context.Context, l *ld.Linker) (*Repl, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "ld> ",
		InterruptPrompt: "\n",
		HistoryFile:     historyPath(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "readline")
	}
	return &Repl{ctx: &Context{Writer: rl.Stdout(), L: l, Ctx: ctx}, rl: rl}, nil
}

// Run reads commands until EOF.
func (r *Repl) Run() error {
	for {
		line, err := r.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if strings.TrimSpace(line) == "exit" {
			return nil
		}
		if err := Run(r.ctx, line); err != nil {
			return err
		}
	}
}

func (r *Repl) Close() error {
	return r.rl.Close()
}

// RunScript runs one command per line from in. Lines starting with # are skipped.
func RunScript(c *Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := Run(c, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Accept waits for a single debug client on host:port.
func Accept(host, port string) (net.Conn, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer ln.Close()
	fmt.Fprintf(os.Stderr, "Waiting for connection on %s\n", ln.Addr())
	conn, err := ln.Accept()
	return conn, errors.WithStack(err)
}

// Serve runs a prompt over a debug connection until the client disconnects.
func Serve(ctx context.Context, l *ld.Linker, c net.Conn) error {
	defer c.Close()
	tcp, ok := c.(*net.TCPConn)
	if !ok {
		return errors.Errorf("debug connection is not tcp: %T", c)
	}
	fmt.Fprintf(os.Stderr, "Debug connection from %s\n", c.RemoteAddr())
	// readline wants a file it can poll
	stdin, err := tcp.File()
	if err != nil {
		return errors.Wrap(err, "debug connection")
	}
	defer stdin.Close()
	rl, err := readline.NewEx(&readline.Config{Prompt: "ld> ", Stdin: stdin, Stdout: c, Stderr: c})
	if err != nil {
		return errors.Wrap(err, "readline")
	}
	defer rl.Close()
	r := &Repl{ctx: &Context{Writer: c, L: l, Ctx: ctx}, rl: rl}
	return r.Run()
}

// Dial attaches the terminal to a debug server started with Serve.
func Dial(addr string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "error connecting to debug server")
	}
	defer conn.Close()
	fd := int(os.Stdin.Fd())
	state, err := readline.MakeRaw(fd)
	if err != nil {
		return errors.Wrap(err, "error placing stdin into raw mode")
	}
	defer readline.Restore(fd, state)

	done := make(chan error, 2)
	go func() {
		io.Copy(os.Stdout, conn)
		done <- errors.New("remote closed connection")
	}()
	go func() {
		io.Copy(conn, os.Stdin)
		done <- nil
	}()
	return <-done
}
