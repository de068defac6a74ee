package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseArgs(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		if a, err := parseArgs("1, 0x10,-1"); err != nil {
			t.Fatal(err)
		} else if diff := cmp.Diff(a, []uint64{1, 16, ^uint64(0)}); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if a, err := parseArgs(""); err != nil {
			t.Fatal(err)
		} else if a != nil {
			t.Fatalf("unexpected args: %v", a)
		}
	})

	t.Run("ErrInvalid", func(t *testing.T) {
		if _, err := parseArgs("1,x"); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("ErrTooMany", func(t *testing.T) {
		if _, err := parseArgs("1,2,3,4,5,6,7"); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestCodeFlags_Load(t *testing.T) {
	t.Run("Hex", func(t *testing.T) {
		var f codeFlags
		if code, err := f.load([]string{"8d 04 37", "c3"}); err != nil {
			t.Fatal(err)
		} else if diff := cmp.Diff(code, []byte{0x8d, 0x04, 0x37, 0xc3}); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "code.bin")
		if err := os.WriteFile(path, []byte{0xc3}, 0o600); err != nil {
			t.Fatal(err)
		}
		f := codeFlags{file: path}
		if code, err := f.load(nil); err != nil {
			t.Fatal(err)
		} else if diff := cmp.Diff(code, []byte{0xc3}); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("ErrBoth", func(t *testing.T) {
		f := codeFlags{file: "code.bin"}
		if _, err := f.load([]string{"c3"}); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("ErrMissing", func(t *testing.T) {
		var f codeFlags
		if _, err := f.load(nil); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("ErrHex", func(t *testing.T) {
		var f codeFlags
		if _, err := f.load([]string{"c"}); err == nil {
			t.Fatal("expected error")
		}
	})
}
