package dbrew_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/benbjohnson/dbrew"
)

func TestKind(t *testing.T) {
	for _, tt := range []struct {
		err error
		exp dbrew.ErrorKind
	}{
		{nil, dbrew.ErrorKindNone},
		{errors.New("marker"), dbrew.ErrorKindNone},
		{&dbrew.DecodeError{Kind: dbrew.ErrorKindBadOpcode}, dbrew.ErrorKindBadOpcode},
		{&dbrew.EmulationError{Kind: dbrew.ErrorKindBadReturn}, dbrew.ErrorKindBadReturn},
		{&dbrew.GenerateError{Kind: dbrew.ErrorKindUnsupportedOperands}, dbrew.ErrorKindUnsupportedOperands},
		{&dbrew.RewriterError{Kind: dbrew.ErrorKindBufferOverflow}, dbrew.ErrorKindBufferOverflow},
		{fmt.Errorf("wrapped: %w", &dbrew.EmulationError{Kind: dbrew.ErrorKindMemoryFault}), dbrew.ErrorKindMemoryFault},
	} {
		if got := dbrew.Kind(tt.err); got != tt.exp {
			t.Errorf("Kind(%v)=%s, expected %s", tt.err, got, tt.exp)
		}
	}
}

func TestErrorKind_Is(t *testing.T) {
	if err := (&dbrew.DecodeError{Kind: dbrew.ErrorKindBufferOverflow}); !errors.Is(err, dbrew.ErrBufferOverflow) {
		t.Fatal("expected buffer overflow")
	} else if err := (&dbrew.EmulationError{Kind: dbrew.ErrorKindUnsupportedInstr}); !errors.Is(err, dbrew.ErrUnsupported) {
		t.Fatal("expected unsupported")
	} else if err := (&dbrew.GenerateError{Kind: dbrew.ErrorKindUnsupportedOperands}); !errors.Is(err, dbrew.ErrUnsupported) {
		t.Fatal("expected unsupported")
	} else if err := (&dbrew.EmulationError{Kind: dbrew.ErrorKindBadReturn}); errors.Is(err, dbrew.ErrUnsupported) {
		t.Fatal("unexpected unsupported")
	}
}

func TestError_Error(t *testing.T) {
	for _, tt := range []struct {
		err error
		exp string
	}{
		{&dbrew.DecodeError{Kind: dbrew.ErrorKindBadPrefix, Block: 0x1000, Offset: 3}, "dbrew: decode 0x1000+3: bad prefix"},
		{&dbrew.DecodeError{Kind: dbrew.ErrorKindBadOpcode, Block: 0x1000, Msg: "0f 0b"}, "dbrew: decode 0x1000+0: bad opcode: 0f 0b"},
		{&dbrew.EmulationError{Kind: dbrew.ErrorKindBadReturn, Addr: 0x1005}, "dbrew: emulate 0x1005: bad return address"},
		{&dbrew.GenerateError{Kind: dbrew.ErrorKindUnsupportedInstr, Block: 0x1000, Index: 2}, "dbrew: generate block 0x1000[2]: unsupported instruction"},
		{&dbrew.RewriterError{Kind: dbrew.ErrorKindBufferOverflow, Resource: "code buffer", Capacity: 16}, "dbrew: code buffer: buffer overflow (capacity 16)"},
	} {
		if got := tt.err.Error(); got != tt.exp {
			t.Errorf("got %q, expected %q", got, tt.exp)
		}
	}
}
