// Package dbrew implements a dynamic binary rewriter for x86-64 machine code.
//
// A Rewriter decodes a compiled function, emulates it while tracking which
// values are known at rewrite time, and generates a specialized copy of the
// function in executable memory. Calls are inlined, branches depending only
// on known values are resolved, and loops with a known trip count are
// unrolled.
package dbrew

import (
	"errors"
	"fmt"
)

// Standard widths.
const (
	Width8   = 8
	Width16  = 16
	Width32  = 32
	Width64  = 64
	Width128 = 128
	Width256 = 256
)

// Calling convention limits.
const (
	// MaxParams is the number of integer parameters passed in registers.
	MaxParams = 6

	// MaxCallDepth bounds the inlining depth of the emulator.
	MaxCallDepth = 5
)

var (
	ErrBufferOverflow = errors.New("dbrew: buffer overflow")
	ErrUnsupported    = errors.New("dbrew: unsupported")
	ErrNoFunction     = errors.New("dbrew: no function set")
	ErrNoCode         = errors.New("dbrew: no code generated")
)

// assert panics if condition is false.
func assert(condition bool, format string, args ...interface{}) {
	if !condition {
		panic(fmt.Sprintf("assert: "+format, args...))
	}
}
