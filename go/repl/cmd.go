package repl

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/lunixbochs/argjoy"
	"github.com/mattn/go-shellwords"
	"github.com/pkg/errors"

	"github.com/lunixbochs/ldso/go/ld"
)

// Command is one shell verb. Run takes *Context first; the remaining parameters are
// filled from the words after the verb.
type Command struct {
	Name  string
	Usage string
	Desc  string
	Run   interface{}
}

var Commands = make(map[string]*Command)

var contextType = reflect.TypeOf(&Context{})

func cmd(c *Command) *Command {
	t := reflect.TypeOf(c.Run)
	if t == nil || t.Kind() != reflect.Func || t.NumIn() == 0 || t.In(0) != contextType || t.IsVariadic() {
		panic(fmt.Sprintf("command %s: Run must be func(*Context, ...) error: got %T", c.Name, c.Run))
	}
	Commands[c.Name] = c
	return c
}

func (c *Command) arity() int {
	return reflect.TypeOf(c.Run).NumIn() - 1
}

func argCodec(arg interface{}, vals []interface{}) error {
	if c, ok := vals[0].(*Context); ok {
		if v, ok := arg.(**Context); ok {
			*v = c
			return nil
		}
		return argjoy.NoMatch
	}
	s, ok := vals[0].(string)
	if !ok {
		return argjoy.NoMatch
	}
	switch v := arg.(type) {
	case *string:
		*v = s
	case *uint64:
		n, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return errors.Errorf("bad number %q", s)
		}
		*v = n
	case *ld.Handle:
		h, err := ld.ParseHandle(s)
		if err != nil {
			return err
		}
		*v = h
	default:
		return argjoy.NoMatch
	}
	return nil
}

var aj = argjoy.NewArgjoy()

func init() {
	aj.Register(argCodec)
}

// call converts words to the command's parameter types and runs it.
func (c *Command) call(ctx *Context, words []string) error {
	if len(words) != c.arity() {
		return errors.Errorf("usage: %s %s", c.Name, c.Usage)
	}
	vals := make([]interface{}, 0, len(words)+1)
	vals = append(vals, ctx)
	for _, w := range words {
		vals = append(vals, w)
	}
	out, err := aj.Call(c.Run, vals...)
	if err != nil {
		return errors.Wrap(err, "error")
	}
	if len(out) > 0 {
		if err, ok := out[0].(error); ok && err != nil {
			return errors.Wrap(err, "error")
		}
	}
	return nil
}

// Run parses one input line and dispatches it. Command failures are printed, not returned.
func Run(c *Context, line string) error {
	words, err := shellwords.Parse(line)
	if err != nil {
		c.Printf("parse error: %v\n", err)
		return nil
	}
	if len(words) == 0 {
		return nil
	}
	cmd, ok := Commands[words[0]]
	if !ok {
		c.Printf("command not found: %s\n", words[0])
		return nil
	}
	if err := cmd.call(c, words[1:]); err != nil {
		c.Printf("%v\n", err)
	}
	return nil
}

func sortedCommands() []*Command {
	list := make([]*Command, 0, len(Commands))
	for _, c := range Commands {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}
