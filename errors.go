package dbrew

import (
	"errors"
	"fmt"
)

// ErrorKind classifies rewriter errors.
type ErrorKind int

const (
	ErrorKindNone ErrorKind = iota
	ErrorKindBufferOverflow
	ErrorKindBadPrefix
	ErrorKindBadOpcode
	ErrorKindBadOperands
	ErrorKindUnsupportedInstr
	ErrorKindUnsupportedOperands
	ErrorKindBadReturn
	ErrorKindMemoryFault
)

// String returns a short description of the kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorKindBufferOverflow:
		return "buffer overflow"
	case ErrorKindBadPrefix:
		return "bad prefix"
	case ErrorKindBadOpcode:
		return "bad opcode"
	case ErrorKindBadOperands:
		return "bad operands"
	case ErrorKindUnsupportedInstr:
		return "unsupported instruction"
	case ErrorKindUnsupportedOperands:
		return "unsupported operands"
	case ErrorKindBadReturn:
		return "bad return address"
	case ErrorKindMemoryFault:
		return "memory fault"
	}
	return "no error"
}

// sentinel returns the package error used to classify the kind with errors.Is.
func (k ErrorKind) sentinel() error {
	switch k {
	case ErrorKindBufferOverflow:
		return ErrBufferOverflow
	case ErrorKindUnsupportedInstr, ErrorKindUnsupportedOperands:
		return ErrUnsupported
	}
	return nil
}

// DecodeError is returned when machine code cannot be decoded.
type DecodeError struct {
	Kind   ErrorKind
	Block  uint64 // start address of the block being decoded
	Offset int    // offset of the failing instruction within the block
	Msg    string
}

func (e *DecodeError) Error() string {
	s := fmt.Sprintf("dbrew: decode %#x+%d: %s", e.Block, e.Offset, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

func (e *DecodeError) Unwrap() error { return e.Kind.sentinel() }

// EmulationError is returned when an instruction cannot be emulated.
type EmulationError struct {
	Kind  ErrorKind
	Addr  uint64
	Instr *Instr
	Msg   string
}

func (e *EmulationError) Error() string {
	s := fmt.Sprintf("dbrew: emulate %#x: %s", e.Addr, e.Kind)
	if e.Instr != nil {
		s += fmt.Sprintf(" (%s)", e.Instr.String())
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

func (e *EmulationError) Unwrap() error { return e.Kind.sentinel() }

// GenerateError is returned when a captured instruction cannot be encoded.
type GenerateError struct {
	Kind  ErrorKind
	Block uint64 // decode address of the captured block
	Index int    // index of the instruction within the block
	Instr *Instr
	Msg   string
}

func (e *GenerateError) Error() string {
	s := fmt.Sprintf("dbrew: generate block %#x[%d]: %s", e.Block, e.Index, e.Kind)
	if e.Instr != nil {
		s += fmt.Sprintf(" (%s)", e.Instr.String())
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

func (e *GenerateError) Unwrap() error { return e.Kind.sentinel() }

// RewriterError is returned when a rewriter resource is exhausted.
type RewriterError struct {
	Kind     ErrorKind
	Resource string
	Capacity int
}

func (e *RewriterError) Error() string {
	return fmt.Sprintf("dbrew: %s: %s (capacity %d)", e.Resource, e.Kind, e.Capacity)
}

func (e *RewriterError) Unwrap() error { return e.Kind.sentinel() }

// overflow returns a buffer overflow error for a named resource.
func overflow(resource string, capacity int) error {
	return &RewriterError{Kind: ErrorKindBufferOverflow, Resource: resource, Capacity: capacity}
}

// Kind returns the kind of a rewriter error, or ErrorKindNone.
func Kind(err error) ErrorKind {
	var (
		de *DecodeError
		ee *EmulationError
		ge *GenerateError
		re *RewriterError
	)
	switch {
	case errors.As(err, &de):
		return de.Kind
	case errors.As(err, &ee):
		return ee.Kind
	case errors.As(err, &ge):
		return ge.Kind
	case errors.As(err, &re):
		return re.Kind
	}
	return ErrorKindNone
}
