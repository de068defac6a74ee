package dbrew

import (
	"unsafe"
)

// CodeStorage is a region of executable memory generated functions are
// written to. Space is handed out sequentially.
type CodeStorage struct {
	buf        []byte
	used       int
	executable bool
}

// NewCodeStorage returns storage of size bytes. If the platform refuses an
// executable mapping the storage falls back to ordinary memory; code can
// then be generated and inspected but not run.
func NewCodeStorage(size int) (*CodeStorage, error) {
	if size <= 0 {
		return nil, overflow("code buffer", size)
	}
	if buf, err := mapCode(size); err == nil {
		return &CodeStorage{buf: buf, executable: true}, nil
	}
	return &CodeStorage{buf: make([]byte, size)}, nil
}

// Executable returns true if code written to the storage can be executed.
func (cs *CodeStorage) Executable() bool { return cs.executable }

// Capacity returns the size of the storage in bytes.
func (cs *CodeStorage) Capacity() int { return len(cs.buf) }

// Used returns the number of bytes handed out.
func (cs *CodeStorage) Used() int { return cs.used }

// Reserve hands out n bytes and returns them with their address.
func (cs *CodeStorage) Reserve(n int) ([]byte, uint64, error) {
	if n <= 0 || cs.used+n > len(cs.buf) {
		return nil, 0, overflow("code buffer", len(cs.buf))
	}
	b := cs.buf[cs.used : cs.used+n : cs.used+n]
	cs.used += n
	return b, uint64(uintptr(unsafe.Pointer(&b[0]))), nil
}

// Rollback releases everything reserved after mark, a value returned by Used.
func (cs *CodeStorage) Rollback(mark int) {
	if mark >= 0 && mark < cs.used {
		cs.used = mark
	}
}

// Reset releases all reserved space.
func (cs *CodeStorage) Reset() { cs.used = 0 }

// Close releases the memory of the storage.
func (cs *CodeStorage) Close() error {
	buf := cs.buf
	cs.buf, cs.used = nil, 0
	if buf == nil || !cs.executable {
		return nil
	}
	return unmapCode(buf)
}
