package dbrew

import (
	"encoding/binary"
	"fmt"
	"io"
	"runtime/debug"
	"unsafe"
)

// Memory is the address space code and static data are read from.
// The offset passed to ReadAt is the virtual address.
type Memory = io.ReaderAt

// ProcessMemory reads the memory of the current process.
type ProcessMemory struct{}

// ReadAt copies len(p) bytes starting at address off. Faulting addresses
// return an error instead of crashing the process.
func (ProcessMemory) ReadAt(p []byte, off int64) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	} else if off == 0 {
		return 0, fmt.Errorf("dbrew: read of nil address")
	}

	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		if r := recover(); r != nil {
			n, err = 0, fmt.Errorf("dbrew: fault reading %#x: %v", off, r)
		}
	}()

	return copy(p, rawBytes(uintptr(off), len(p))), nil
}

// rawBytes returns n bytes of process memory at addr. Addresses come from
// machine code and the rewriter configuration, never from Go pointers, so
// the slice does not keep any Go object alive.
func rawBytes(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Add(nil, addr)), n)
}

// Image is a flat memory image loaded at Base. Reads outside of the image
// fail, which makes it suitable for rewriting code that is never executed.
type Image struct {
	Base uint64
	Data []byte
}

// ReadAt copies len(p) bytes starting at address off.
func (m *Image) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	if addr < m.Base || addr-m.Base >= uint64(len(m.Data)) {
		return 0, io.EOF
	}
	n := copy(p, m.Data[addr-m.Base:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// readUint reads a little endian value of width t from addr.
func readUint(mem Memory, addr uint64, t ValType) (uint64, error) {
	var buf [8]byte
	n := t.Bytes()
	if n < 1 || n > 8 {
		return 0, fmt.Errorf("dbrew: cannot read %d byte value", n)
	}
	if _, err := mem.ReadAt(buf[:n], int64(addr)); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
