package models

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestApplyEnviron(t *testing.T) {
	c := (&Config{ProtectArena: true}).Init()
	c.ApplyEnviron([]string{
		"HOME=/root",
		"LD_LIBRARY_PATH=/a:/b;/c",
		"LD_PRELOAD=liba.so libb.so:libc.so",
		"LD_DEBUG=libs,reloc",
		"LD_VERBOSE=yes",
		"LD_NOPROTECT=1",
		"garbage",
	})
	if !reflect.DeepEqual(c.LibraryPath, []string{"/a", "/b", "/c"}) {
		t.Fatalf("LibraryPath = %q", c.LibraryPath)
	}
	if !reflect.DeepEqual(c.Preload, []string{"liba.so", "libb.so", "libc.so"}) {
		t.Fatalf("Preload = %q", c.Preload)
	}
	if !c.DebugEnabled("reloc") || c.DebugEnabled("init") {
		t.Fatalf("Debug = %q", c.Debug)
	}
	if !c.Verbose || c.ProtectArena || c.SplitCodeData {
		t.Fatalf("flags: %+v", c)
	}
	c.ApplyEnviron([]string{"LD_DEBUG=all", "LD_NOPROTECT=off"})
	if !c.DebugEnabled("init") || !c.ProtectArena {
		t.Fatalf("second pass: %+v", c)
	}
}

func TestEnvironRoundTrip(t *testing.T) {
	c := &Config{
		LibraryPath: []string{"/x", "/y"}, Preload: []string{"libp.so"}, Debug: []string{"libs", "init"},
		LoadPrefix: "/sysroot", SplitCodeData: true, ProtectArena: true,
	}
	var back Config
	back.ApplyEnviron(c.Environ())
	if !reflect.DeepEqual(&back, c) {
		t.Fatalf("got %+v, want %+v", back, *c)
	}
}

func TestConfigInit(t *testing.T) {
	var c *Config
	c = c.Init()
	if c.Output == nil || c.InterpName != DefaultInterpName {
		t.Fatalf("defaults not applied: %+v", c)
	}
}

func TestParseSearchConf(t *testing.T) {
	conf := "# comment\n/usr/local/lib\n\n  /opt/lib  # trailing\n"
	dirs := parseSearchConf(strings.NewReader(conf))
	if !reflect.DeepEqual(dirs, []string{"/usr/local/lib", "/opt/lib"}) {
		t.Fatalf("dirs = %q", dirs)
	}
}

func TestPrefixPath(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "lib"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lib", "libreal.so.1"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("libreal.so.1", filepath.Join(dir, "lib", "libreal.so")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/lib/libreal.so.1", filepath.Join(dir, "lib", "libabs.so")); err != nil {
		t.Fatal(err)
	}

	c := &Config{}
	if got := c.PrefixPath("/lib/libreal.so", false); got != "/lib/libreal.so" {
		t.Fatalf("no prefix: %s", got)
	}
	c.LoadPrefix = dir
	tests := []struct {
		path  string
		force bool
		want  string
	}{
		{"/lib/libreal.so.1", false, filepath.Join(dir, "lib", "libreal.so.1")},
		{"/lib/libreal.so", false, filepath.Join(dir, "lib", "libreal.so.1")},
		{"/lib/libabs.so", false, filepath.Join(dir, "lib", "libreal.so.1")},
		{"/lib/missing.so", false, "/lib/missing.so"},
		{"/lib/missing.so", true, filepath.Join(dir, "lib", "missing.so")},
		{"relative.so", false, "relative.so"},
	}
	for _, test := range tests {
		if got := c.PrefixPath(test.path, test.force); got != test.want {
			t.Errorf("PrefixPath(%q, %v) = %q, want %q", test.path, test.force, got, test.want)
		}
	}
}
