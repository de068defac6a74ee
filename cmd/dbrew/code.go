package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/benbjohnson/dbrew"
	"github.com/spf13/pflag"
)

// DefaultBase is the address code is loaded at unless --base is given.
const DefaultBase = 0x400000

// codeFlags are the flags selecting the machine code to operate on.
type codeFlags struct {
	file string
	base uint64
}

func (f *codeFlags) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&f.file, "file", "f", "", "raw machine code file")
	fs.Uint64Var(&f.base, "base", DefaultBase, "load address of the code")
}

// load returns the code from the file flag or a hex string argument.
func (f *codeFlags) load(args []string) ([]byte, error) {
	if f.file != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("code given both as file and argument")
		}
		return os.ReadFile(f.file)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("code required")
	}
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', ',':
			return -1
		}
		return r
	}, strings.Join(args, ""))
	code, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex code: %w", err)
	} else if len(code) == 0 {
		return nil, fmt.Errorf("code required")
	}
	return code, nil
}

// parseArgs parses comma separated parameter values. Values use Go
// integer syntax and may be negative.
func parseArgs(s string) ([]uint64, error) {
	if s == "" {
		return nil, nil
	}
	var a []uint64
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if strings.HasPrefix(field, "-") {
			v, err := strconv.ParseInt(field, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid argument %q: %w", field, err)
			}
			a = append(a, uint64(v))
			continue
		}
		v, err := strconv.ParseUint(field, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid argument %q: %w", field, err)
		}
		a = append(a, v)
	}
	if len(a) > dbrew.MaxParams {
		return nil, fmt.Errorf("too many arguments: %d", len(a))
	}
	return a, nil
}

// rewriteFlags configure a rewrite.
type rewriteFlags struct {
	config        dbrew.Config
	verbose       int
	args          string
	static        []int
	forceUnknown  []int
	fp            bool
	branchesKnown bool
	keep          []string
}

func (f *rewriteFlags) bind(fs *pflag.FlagSet) {
	f.config = dbrew.DefaultConfig()
	f.config.BindFlags(fs)
	fs.CountVarP(&f.verbose, "verbose", "v", "verbose output, repeat for more")
	fs.StringVar(&f.args, "args", "", "comma separated parameter values")
	fs.IntSliceVar(&f.static, "static", nil, "positions of static parameters")
	fs.IntSliceVar(&f.forceUnknown, "force-unknown", nil, "inlining depths with results forced unknown")
	fs.BoolVar(&f.fp, "fp", false, "function returns floating point")
	fs.BoolVar(&f.branchesKnown, "branches-known", false, "follow observed branch directions")
	fs.StringSliceVar(&f.keep, "keep-call", nil, "addresses of functions not to inline")
}

// newRewriter returns a rewriter configured for fn reading from mem.
func (f *rewriteFlags) newRewriter(mem dbrew.Memory, fn uint64, name string, size int) (*dbrew.Rewriter, []uint64, error) {
	params, err := parseArgs(f.args)
	if err != nil {
		return nil, nil, err
	}

	config := f.config
	config.ShowDecoding = config.ShowDecoding || f.verbose >= 1
	config.ShowGenerated = config.ShowGenerated || f.verbose >= 1
	config.ShowEmuSteps = config.ShowEmuSteps || f.verbose >= 2
	config.ShowEmuState = config.ShowEmuState || f.verbose >= 3

	r := dbrew.NewRewriter(
		dbrew.WithConfig(config),
		dbrew.WithMemory(mem),
		dbrew.WithLogger(log.New(os.Stderr, "", 0)),
	)
	r.SetFunction(fn)
	r.SetFunctionName(fn, size, name)
	for _, pos := range f.static {
		if err := r.SetStaticParameter(pos); err != nil {
			return nil, nil, err
		}
	}
	for _, depth := range f.forceUnknown {
		if err := r.SetForceUnknown(depth); err != nil {
			return nil, nil, err
		}
	}
	if f.fp {
		r.SetReturnsFloatingPoint()
	}
	r.SetBranchesKnown(f.branchesKnown)
	for _, s := range f.keep {
		addr, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid call address %q: %w", s, err)
		}
		r.Register(addr, dbrew.KeepCall)
	}
	return r, params, nil
}
