package cmd

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func TestStackLines(t *testing.T) {
	if lines := stackLines(fmt.Errorf("plain")); lines != nil {
		t.Fatalf("plain error has a stack: %q", lines)
	}
	lines := stackLines(errors.Wrap(errors.New("boom"), "outer"))
	if len(lines) == 0 {
		t.Fatal("no stack lines")
	}
	first := lines[0]
	if !strings.Contains(first, "| cmd_test.go:") || !strings.HasSuffix(first, "| cmd.TestStackLines()") {
		t.Fatalf("first frame = %q", first)
	}
	// columns line up
	col := strings.Index(first, "|")
	for _, line := range lines {
		if strings.Index(line, "|") != col {
			t.Fatalf("misaligned frames:\n%s", strings.Join(lines, "\n"))
		}
	}
}

func TestDispatch(t *testing.T) {
	var got []string
	Register("echo", "record arguments", func(args []string) { got = args })
	defer delete(commands, "echo")

	var stderr bytes.Buffer
	if !Dispatch([]string{"ldso", "echo", "-v", "x"}, &stderr) {
		t.Fatal("dispatch failed")
	}
	if strings.Join(got, ",") != "ldso echo,-v,x" {
		t.Fatalf("args = %q", got)
	}
	if Dispatch([]string{"ldso", "nope"}, &stderr) || !strings.Contains(stderr.String(), "Command 'nope' not found.") {
		t.Fatalf("unknown command: %q", stderr.String())
	}
	stderr.Reset()
	if Dispatch([]string{"ldso"}, &stderr) || !strings.Contains(stderr.String(), "  echo | record arguments") {
		t.Fatalf("usage: %q", stderr.String())
	}
}
