// Package native calls machine code at a raw address using the System V
// calling convention.
package native

// MaxArgs is the number of integer arguments passed in registers.
const MaxArgs = 6
