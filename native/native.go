//go:build cgo && linux && amd64

package native

/*
#include <stdint.h>

typedef uint64_t (*intfn)(uint64_t, uint64_t, uint64_t, uint64_t, uint64_t, uint64_t);
typedef double (*floatfn)(uint64_t, uint64_t, uint64_t, uint64_t, uint64_t, uint64_t);

static uint64_t call_int(uintptr_t fn, uint64_t* a) {
	return ((intfn)fn)(a[0], a[1], a[2], a[3], a[4], a[5]);
}

static double call_float(uintptr_t fn, uint64_t* a) {
	return ((floatfn)fn)(a[0], a[1], a[2], a[3], a[4], a[5]);
}
*/
import "C"

// Supported is true if native calls are available on this platform.
const Supported = true

// Call calls the function at fn with up to MaxArgs integer arguments and
// returns %rax.
func Call(fn uint64, args ...uint64) uint64 {
	a := argv(fn, args)
	return uint64(C.call_int(C.uintptr_t(fn), &a[0]))
}

// CallFloat calls the function at fn with up to MaxArgs integer
// arguments and returns %xmm0 as a double.
func CallFloat(fn uint64, args ...uint64) float64 {
	a := argv(fn, args)
	return float64(C.call_float(C.uintptr_t(fn), &a[0]))
}

// argv returns the arguments in C memory layout.
func argv(fn uint64, args []uint64) [MaxArgs]C.uint64_t {
	if fn == 0 {
		panic("native: call of nil function")
	} else if len(args) > MaxArgs {
		panic("native: too many arguments")
	}
	var a [MaxArgs]C.uint64_t
	for i, v := range args {
		a[i] = C.uint64_t(v)
	}
	return a
}
