package models

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/shibukawa/configdir"
	"github.com/xyproto/env/v2"
)

const DefaultInterpName = "ld-ldso.so"

type Config struct {
	Color         bool
	Debug         []string
	Exports       []string
	InterpName    string
	LibraryPath   []string
	LoadPrefix    string
	MaxArenaPages int
	Output        io.Writer
	Preload       []string
	ProtectArena  bool
	SplitCodeData bool
	Verbose       bool
}

// Init fills in defaults for anything left unset.
func (c *Config) Init() *Config {
	if c == nil {
		c = &Config{}
	}
	if c.Output == nil {
		c.Output = os.Stderr
	}
	if c.InterpName == "" {
		c.InterpName = DefaultInterpName
	}
	return c
}

// DebugEnabled reports whether a debug category (libs, reloc, symbols, bindings, init) is on.
func (c *Config) DebugEnabled(category string) bool {
	for _, v := range c.Debug {
		if v == category || v == "all" {
			return true
		}
	}
	return false
}

func splitList(s string, seps string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(seps, r)
	})
}

// ConfigFromEnv builds a Config from the LD_* environment variables.
func ConfigFromEnv() *Config {
	c := &Config{
		LibraryPath:   splitList(env.Str("LD_LIBRARY_PATH"), ":;"),
		Preload:       splitList(env.Str("LD_PRELOAD"), ": "),
		Debug:         splitList(env.Str("LD_DEBUG"), ", "),
		LoadPrefix:    env.Str("LD_PREFIX"),
		Verbose:       env.Bool("LD_VERBOSE"),
		SplitCodeData: env.Bool("LD_SPLIT"),
		ProtectArena:  !env.Bool("LD_NOPROTECT"),
	}
	return c.Init()
}

// ApplyEnviron overrides settings from an explicit KEY=VALUE environment, as passed to a program.
func (c *Config) ApplyEnviron(envp []string) {
	for _, kv := range envp {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "LD_LIBRARY_PATH":
			c.LibraryPath = splitList(v, ":;")
		case "LD_PRELOAD":
			c.Preload = splitList(v, ": ")
		case "LD_DEBUG":
			c.Debug = splitList(v, ", ")
		case "LD_PREFIX":
			c.LoadPrefix = v
		case "LD_VERBOSE":
			c.Verbose = truthy(v)
		case "LD_SPLIT":
			c.SplitCodeData = truthy(v)
		case "LD_NOPROTECT":
			c.ProtectArena = !truthy(v)
		}
	}
}

// Environ renders the settings ApplyEnviron understands, so a child started from them sees this config.
func (c *Config) Environ() []string {
	flag := func(b bool) string {
		if b {
			return "1"
		}
		return "0"
	}
	return []string{
		"LD_LIBRARY_PATH=" + strings.Join(c.LibraryPath, ":"),
		"LD_PRELOAD=" + strings.Join(c.Preload, ":"),
		"LD_DEBUG=" + strings.Join(c.Debug, ","),
		"LD_PREFIX=" + c.LoadPrefix,
		"LD_VERBOSE=" + flag(c.Verbose),
		"LD_SPLIT=" + flag(c.SplitCodeData),
		"LD_NOPROTECT=" + flag(!c.ProtectArena),
	}
}

func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on", "enabled":
		return true
	}
	return false
}

func parseSearchConf(r io.Reader) []string {
	var dirs []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if line = strings.TrimSpace(line); line != "" {
			dirs = append(dirs, line)
		}
	}
	return dirs
}

// LoadSearchConf appends the directories listed in any ld.so.conf found in the user's config folders.
func (c *Config) LoadSearchConf() {
	configDirs := configdir.New("ldso", "")
	for _, folder := range configDirs.QueryFolders(configdir.All) {
		if !folder.Exists("ld.so.conf") {
			continue
		}
		data, err := folder.ReadFile("ld.so.conf")
		if err != nil {
			continue
		}
		c.LibraryPath = append(c.LibraryPath, parseSearchConf(bytes.NewReader(data))...)
	}
}

func (c *Config) resolveSymlink(path, target string, force bool) string {
	link, err := os.Lstat(target)
	if err == nil && link.Mode()&os.ModeSymlink != 0 {
		if linked, err := os.Readlink(target); err == nil {
			if !filepath.IsAbs(linked) {
				return filepath.Join(filepath.Dir(target), linked)
			}
			return c.PrefixPath(linked, force)
		}
	}
	exists := !os.IsNotExist(err)
	if force || exists {
		return target
	}
	return path
}

// PrefixPath maps absolute paths under LoadPrefix, following symlinks inside the prefix.
func (c *Config) PrefixPath(path string, force bool) string {
	if c.LoadPrefix == "" {
		return path
	}
	target := path
	if filepath.IsAbs(path) {
		target = filepath.Join(c.LoadPrefix, path)
	}
	return c.resolveSymlink(path, target, force)
}
