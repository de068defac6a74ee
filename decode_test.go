package dbrew_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/benbjohnson/dbrew"
	"github.com/google/go-cmp/cmp"
)

// Frame is a function with a frame pointer computing its parameter plus one.
var Frame = []byte{
	0x55,             // push %rbp
	0x48, 0x89, 0xe5, // mov %rsp,%rbp
	0x8b, 0x45, 0xfc, // mov -0x4(%rbp),%eax
	0x83, 0xc0, 0x01, // add $0x1,%eax
	0x5d, // pop %rbp
	0xc3, // ret
}

// NewDecoder returns a decoder reading code loaded at Base.
func NewDecoder(code []byte) *dbrew.Decoder {
	return dbrew.NewDecoder(&dbrew.Image{Base: Base, Data: code})
}

// MustDecode decodes the block at addr. Fatal on error.
func MustDecode(tb testing.TB, d *dbrew.Decoder, addr uint64) *dbrew.DecodedBlock {
	tb.Helper()
	bb, err := d.Decode(addr)
	if err != nil {
		tb.Fatal(err)
	}
	return bb
}

// Strings returns the instructions of a block in AT&T syntax.
func Strings(bb *dbrew.DecodedBlock) []string {
	a := make([]string, len(bb.Instrs))
	for i := range bb.Instrs {
		a[i] = bb.Instrs[i].String()
	}
	return a
}

func TestDecoder_Decode(t *testing.T) {
	t.Run("Frame", func(t *testing.T) {
		bb := MustDecode(t, NewDecoder(Frame), Base)
		if diff := cmp.Diff(Strings(bb), []string{
			"push    %rbp",
			"mov     %rsp,%rbp",
			"mov     -0x4(%rbp),%eax",
			"add     $0x1,%eax",
			"pop     %rbp",
			"ret",
		}); diff != "" {
			t.Fatal(diff)
		} else if got, exp := bb.Size, len(Frame); got != exp {
			t.Fatalf("unexpected size: %d", got)
		} else if got, exp := bb.Last().Type, dbrew.ITRet; got != exp {
			t.Fatalf("unexpected last instruction: %s", got)
		}
	})

	t.Run("Addresses", func(t *testing.T) {
		bb := MustDecode(t, NewDecoder(Frame), Base)
		var got []uint64
		for _, instr := range bb.Instrs {
			got = append(got, instr.Addr)
		}
		if diff := cmp.Diff(got, []uint64{Base, Base + 1, Base + 4, Base + 7, Base + 10, Base + 11}); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("EndsAtBranch", func(t *testing.T) {
		d := NewDecoder([]byte{
			0x85, 0xff, // test %edi,%edi
			0x74, 0x01, // je +1
			0xc3, // ret
			0xc3, // ret
		})
		bb := MustDecode(t, d, Base)
		if diff := cmp.Diff(Strings(bb), []string{"test    %edi,%edi", "je      0x1005"}); diff != "" {
			t.Fatal(diff)
		} else if got, exp := bb.Last().Dst.Val, uint64(Base+5); got != exp {
			t.Fatalf("unexpected target: %#x", got)
		}
	})

	t.Run("Cached", func(t *testing.T) {
		d := NewDecoder(Frame)
		bb := MustDecode(t, d, Base)
		if other := MustDecode(t, d, Base); other != bb {
			t.Fatal("expected cached block")
		} else if d.Block(Base) != bb {
			t.Fatal("expected block lookup")
		} else if d.Block(Base+1) != nil {
			t.Fatal("expected no block")
		}

		// Decoding inside the block creates another block.
		MustDecode(t, d, Base+7)
		if blocks := d.Blocks(); len(blocks) != 2 {
			t.Fatalf("unexpected block count: %d", len(blocks))
		} else if blocks[0].Addr != Base || blocks[1].Addr != Base+7 {
			t.Fatalf("unexpected block order: %#x, %#x", blocks[0].Addr, blocks[1].Addr)
		}

		d.Reset()
		if len(d.Blocks()) != 0 {
			t.Fatal("expected no blocks after reset")
		}
	})

	t.Run("Operands", func(t *testing.T) {
		for _, tt := range []struct {
			code []byte
			exp  string
		}{
			{[]byte{0xb8, 0x01, 0x00, 0x00, 0x00}, "mov     $0x1,%eax"},
			{[]byte{0x48, 0xc7, 0xc0, 0xff, 0xff, 0xff, 0xff}, "mov     $0xffffffffffffffff,%rax"},
			{[]byte{0xc7, 0x45, 0xf8, 0x05, 0x00, 0x00, 0x00}, "movl    $0x5,-0x8(%rbp)"},
			{[]byte{0x8d, 0x04, 0x37}, "lea     (%rdi,%rsi,1),%eax"},
			{[]byte{0x8b, 0x44, 0xcd, 0x10}, "mov     0x10(%rbp,%rcx,8),%eax"},
			{[]byte{0x8b, 0x05, 0x10, 0x00, 0x00, 0x00}, "mov     0x1016,%eax"},
			{[]byte{0x4c, 0x89, 0xc8}, "mov     %r9,%rax"},
			{[]byte{0x41, 0x54}, "push    %r12"},
			{[]byte{0x0f, 0xb6, 0xc7}, "(invalid)"},
			{[]byte{0x40, 0x0f, 0xb6, 0xc7}, "movzbl  %dil,%eax"},
			{[]byte{0x48, 0x63, 0xc7}, "movslq  %edi,%rax"},
			{[]byte{0x6b, 0xc8, 0x0a}, "imul    $0xa,%eax,%ecx"},
			{[]byte{0xd3, 0xfa}, "sar     %cl,%edx"},
			{[]byte{0x0f, 0x4c, 0xc6}, "cmovl   %esi,%eax"},
			{[]byte{0x0f, 0x94, 0xc0}, "sete    %al"},
			{[]byte{0x48, 0x99}, "cqto"},
			{[]byte{0x98}, "cwtl"},
			{[]byte{0xe8, 0x00, 0x00, 0x00, 0x00}, "call    0x1005"},
			{[]byte{0xeb, 0xfe}, "jmp     0x1000"},
			{[]byte{0xff, 0x25, 0x00, 0x00, 0x00, 0x00}, "jmp     *0x1006"},
			{[]byte{0xf2, 0x0f, 0x58, 0xc1}, "addsd   %xmm1,%xmm0"},
			{[]byte{0x66, 0x0f, 0xef, 0xc0}, "pxor    %xmm0,%xmm0"},
		} {
			code := append(append([]byte(nil), tt.code...), 0xc3)
			bb := MustDecode(t, NewDecoder(code), Base)
			if got := bb.Instrs[0].String(); got != tt.exp {
				t.Errorf("% x: got %q, expected %q", tt.code, got, tt.exp)
			}
		}
	})

	t.Run("PassThrough", func(t *testing.T) {
		bb := MustDecode(t, NewDecoder([]byte{0xf2, 0x0f, 0x58, 0xc1, 0xc3}), Base)
		instr := bb.Instrs[0]
		if !instr.IsPassThrough() {
			t.Fatal("expected pass-through")
		} else if got, exp := instr.PT.Prefixes, dbrew.PrefixF2; got != exp {
			t.Fatalf("unexpected prefixes: %v", got)
		} else if diff := cmp.Diff(instr.PT.Opcode[:instr.PT.Len], []byte{0x0f, 0x58}); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("ErrBadPrefix", func(t *testing.T) {
		_, err := NewDecoder([]byte{0x48, 0x66, 0x90}).Decode(Base)
		var e *dbrew.DecodeError
		if !errors.As(err, &e) {
			t.Fatalf("unexpected error: %v", err)
		} else if got, exp := e.Kind, dbrew.ErrorKindBadPrefix; got != exp {
			t.Fatalf("unexpected kind: %s", got)
		} else if e.Block != Base || e.Offset != 0 {
			t.Fatalf("unexpected location: %#x+%d", e.Block, e.Offset)
		}
	})

	t.Run("ErrTruncated", func(t *testing.T) {
		_, err := NewDecoder([]byte{0x90, 0xb8, 0x01}).Decode(Base)
		var e *dbrew.DecodeError
		if !errors.As(err, &e) {
			t.Fatalf("unexpected error: %v", err)
		} else if got, exp := e.Kind, dbrew.ErrorKindBadOperands; got != exp {
			t.Fatalf("unexpected kind: %s", got)
		} else if got, exp := e.Offset, 1; got != exp {
			t.Fatalf("unexpected offset: %d", got)
		}
	})

	t.Run("ErrMemoryFault", func(t *testing.T) {
		_, err := NewDecoder(Frame).Decode(0x8000)
		if got, exp := dbrew.Kind(err), dbrew.ErrorKindMemoryFault; got != exp {
			t.Fatalf("unexpected kind: %s (%v)", got, err)
		}
	})

	t.Run("ErrBufferOverflow", func(t *testing.T) {
		d := NewDecoder(Frame)
		d.MaxInstrs = 3
		if _, err := d.Decode(Base); !errors.Is(err, dbrew.ErrBufferOverflow) {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestRewriter_DecodeAndPrint(t *testing.T) {
	r := NewRewriter(t, Frame)
	r.SetFunctionName(Base, len(Frame), "frame")

	var buf bytes.Buffer
	if err := r.DecodeAndPrint(&buf, Base, 3); err != nil {
		t.Fatal(err)
	}
	exp := "" +
		"               frame: 55                             push    %rbp\n" +
		"             frame+1: 48 89 e5                       mov     %rsp,%rbp\n" +
		"             frame+4: 8b 45 fc                       mov     -0x4(%rbp),%eax\n"
	if diff := cmp.Diff(buf.String(), exp); diff != "" {
		t.Fatal(diff)
	}
}
