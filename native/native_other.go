//go:build !cgo || !linux || !amd64

package native

// Supported is true if native calls are available on this platform.
const Supported = false

// Call panics as native calls are not available on this platform.
func Call(fn uint64, args ...uint64) uint64 {
	panic("native: not supported on this platform")
}

// CallFloat panics as native calls are not available on this platform.
func CallFloat(fn uint64, args ...uint64) float64 {
	panic("native: not supported on this platform")
}
