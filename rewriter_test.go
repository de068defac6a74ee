package dbrew_test

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/benbjohnson/dbrew"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
)

// Base is the load address of test code.
const Base = 0x1000

// Add returns the sum of its two parameters.
var Add = []byte{
	0x8d, 0x04, 0x37, // lea (%rdi,%rsi,1),%eax
	0xc3, // ret
}

// Sum returns the sum of 1..n.
var Sum = []byte{
	0x31, 0xc0, // xor %eax,%eax
	0x85, 0xff, // test %edi,%edi
	0x7e, 0x07, // jle 13
	0x01, 0xf8, // 6: add %edi,%eax
	0x83, 0xef, 0x01, // sub $0x1,%edi
	0x75, 0xf9, // jne 6
	0xc3, // 13: ret
}

// Square stores its parameter in the frame and returns its square.
var Square = []byte{
	0x55,             // push %rbp
	0x48, 0x89, 0xe5, // mov %rsp,%rbp
	0x89, 0x7d, 0xfc, // mov %edi,-0x4(%rbp)
	0x8b, 0x45, 0xfc, // mov -0x4(%rbp),%eax
	0x0f, 0xaf, 0xc0, // imul %eax,%eax
	0x5d, // pop %rbp
	0xc3, // ret
}

// Caller returns its parameter plus three using a helper at offset 9.
var Caller = []byte{
	0xe8, 0x04, 0x00, 0x00, 0x00, // call 9
	0x83, 0xc0, 0x01, // add $0x1,%eax
	0xc3,             // ret
	0x8d, 0x47, 0x02, // 9: lea 0x2(%rdi),%eax
	0xc3, // ret
}

// AbsSum returns |a|+|b| calling an abs helper at offset 0x15 twice.
var AbsSum = []byte{
	0x89, 0xfa, // mov %edi,%edx
	0x89, 0xf9, // mov %edi,%ecx
	0xe8, 0x0c, 0x00, 0x00, 0x00, // call 15
	0x89, 0xc2, // 9: mov %eax,%edx
	0x89, 0xf1, // mov %esi,%ecx
	0xe8, 0x03, 0x00, 0x00, 0x00, // call 15
	0x01, 0xd0, // 12: add %edx,%eax
	0xc3,       // ret
	0x89, 0xc8, // 15: mov %ecx,%eax
	0x85, 0xc0, // test %eax,%eax
	0x79, 0x02, // jns 1d
	0xf7, 0xd8, // neg %eax
	0xc3, // 1d: ret
}

// NewRewriter returns a rewriter for the function at the start of code
// loaded at Base.
func NewRewriter(tb testing.TB, code []byte, opts ...dbrew.Option) *dbrew.Rewriter {
	tb.Helper()
	opts = append([]dbrew.Option{dbrew.WithMemory(&dbrew.Image{Base: Base, Data: code})}, opts...)
	r := dbrew.NewRewriter(opts...)
	r.SetFunction(Base)
	tb.Cleanup(func() {
		if err := r.Close(); err != nil {
			tb.Fatal(err)
		}
	})
	return r
}

// MustRewrite rewrites the function and returns the generated code. Fatal on error.
func MustRewrite(tb testing.TB, r *dbrew.Rewriter, params ...uint64) []byte {
	tb.Helper()
	addr, err := r.Rewrite(params...)
	if err != nil {
		tb.Fatal(err)
	} else if addr == 0 || addr != r.GeneratedAddr() {
		tb.Fatalf("unexpected address: %#x", addr)
	}
	return r.GeneratedCode()
}

// MustEmulate emulates the function and returns %rax. Fatal on error.
func MustEmulate(tb testing.TB, r *dbrew.Rewriter, params ...uint64) uint64 {
	tb.Helper()
	v, err := r.Emulate(params...)
	if err != nil {
		tb.Fatal(err)
	}
	return v
}

func TestRewriter_Emulate(t *testing.T) {
	t.Run("Add", func(t *testing.T) {
		r := NewRewriter(t, Add)
		if got, exp := MustEmulate(t, r, 3, 4), uint64(7); got != exp {
			t.Fatalf("unexpected result: %d", got)
		}
	})

	t.Run("Loop", func(t *testing.T) {
		r := NewRewriter(t, Sum)
		for n, exp := range map[uint64]uint64{0: 0, 1: 1, 4: 10, 100: 5050} {
			if got := MustEmulate(t, r, n); got != exp {
				t.Fatalf("sum(%d)=%d, expected %d", n, got, exp)
			}
		}
	})

	t.Run("Stack", func(t *testing.T) {
		r := NewRewriter(t, Square)
		if got, exp := MustEmulate(t, r, 7), uint64(49); got != exp {
			t.Fatalf("unexpected result: %d", got)
		}
	})

	t.Run("Call", func(t *testing.T) {
		r := NewRewriter(t, Caller)
		if got, exp := MustEmulate(t, r, 5), uint64(8); got != exp {
			t.Fatalf("unexpected result: %d", got)
		}
	})

	t.Run("CallTwice", func(t *testing.T) {
		r := NewRewriter(t, AbsSum)
		if got := MustEmulate(t, r, uint64(uint32(0xfffffffd)), 5); got != 8 {
			t.Fatalf("unexpected result: %d", got)
		}
	})

	t.Run("Arithmetic", func(t *testing.T) {
		for _, tt := range []struct {
			name   string
			code   []byte
			params []uint64
			exp    uint64
		}{
			{"Neg", []byte{0x89, 0xf8, 0xf7, 0xd8}, []uint64{5}, 0xfffffffb},                               // mov %edi,%eax; neg %eax
			{"Shl", []byte{0x89, 0xf8, 0xc1, 0xe0, 0x03}, []uint64{5}, 40},                                 // mov %edi,%eax; shl $3,%eax
			{"Sar", []byte{0x48, 0x89, 0xf8, 0x48, 0xd1, 0xf8}, []uint64{^uint64(7)}, ^uint64(3)},          // mov %rdi,%rax; sar %rax
			{"Imul3", []byte{0x6b, 0xc7, 0x0a}, []uint64{6}, 60},                                           // imul $10,%edi,%eax
			{"Movsx", []byte{0x48, 0x63, 0xc7}, []uint64{0xffffffff}, ^uint64(0)},                          // movslq %edi,%rax
			{"Movzx", []byte{0x40, 0x0f, 0xb6, 0xc7}, []uint64{0x1234}, 0x34},                              // movzbl %dil,%eax
			{"Cmov", []byte{0x89, 0xf8, 0x39, 0xf7, 0x0f, 0x4c, 0xc6}, []uint64{3, 9}, 9},                  // max(a, b)
			{"Setcc", []byte{0x31, 0xc0, 0x39, 0xf7, 0x0f, 0x94, 0xc0}, []uint64{4, 4}, 1},                 // a == b
			{"Div", []byte{0x89, 0xf8, 0x31, 0xd2, 0xf7, 0xf6}, []uint64{17, 5}, 3},                        // a / b
			{"Mul", []byte{0x48, 0x89, 0xf8, 0x48, 0xf7, 0xe6, 0x48, 0x89, 0xd0}, []uint64{1 << 63, 4}, 2}, // high half of a*b
		} {
			t.Run(tt.name, func(t *testing.T) {
				r := NewRewriter(t, append(append([]byte(nil), tt.code...), 0xc3))
				if got := MustEmulate(t, r, tt.params...); got != tt.exp {
					t.Fatalf("unexpected result: %#x, expected %#x", got, tt.exp)
				}
			})
		}
	})

	t.Run("ErrUnsupported", func(t *testing.T) {
		r := NewRewriter(t, []byte{0x0f, 0x0b}) // ud2
		_, err := r.Emulate()
		var e *dbrew.EmulationError
		if !errors.As(err, &e) {
			t.Fatalf("unexpected error: %v", err)
		} else if got, exp := e.Kind, dbrew.ErrorKindUnsupportedInstr; got != exp {
			t.Fatalf("unexpected kind: %s", got)
		} else if got, exp := e.Addr, uint64(Base); got != exp {
			t.Fatalf("unexpected address: %#x", got)
		} else if !errors.Is(err, dbrew.ErrUnsupported) {
			t.Fatal("expected unsupported error")
		}
	})

	t.Run("ErrBadReturn", func(t *testing.T) {
		r := NewRewriter(t, []byte{
			0xe8, 0x00, 0x00, 0x00, 0x00, // call 5
			0x48, 0x83, 0x04, 0x24, 0x01, // addq $0x1,(%rsp)
			0xc3, // ret
		})
		if _, err := r.Emulate(); dbrew.Kind(err) != dbrew.ErrorKindBadReturn {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrMaxSteps", func(t *testing.T) {
		config := dbrew.DefaultConfig()
		config.MaxSteps = 100
		r := NewRewriter(t, []byte{0xeb, 0xfe}, dbrew.WithConfig(config)) // jmp .
		if _, err := r.Emulate(); !errors.Is(err, dbrew.ErrBufferOverflow) {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrNoFunction", func(t *testing.T) {
		r := dbrew.NewRewriter(dbrew.WithMemory(&dbrew.Image{Base: Base, Data: Add}))
		if _, err := r.Emulate(); err != dbrew.ErrNoFunction {
			t.Fatalf("unexpected error: %v", err)
		} else if _, err := r.Rewrite(); err != dbrew.ErrNoFunction {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestRewriter_Rewrite(t *testing.T) {
	t.Run("Dynamic", func(t *testing.T) {
		r := NewRewriter(t, Add)
		if diff := cmp.Diff(MustRewrite(t, r, 3, 4), Add); diff != "" {
			t.Fatal(diff)
		}
	})

	// A static base register is folded into the displacement.
	t.Run("StaticParameter", func(t *testing.T) {
		r := NewRewriter(t, Add)
		if err := r.SetStaticParameter(0); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(MustRewrite(t, r, 3, 4), []byte{
			0x8d, 0x46, 0x03, // lea 0x3(%rsi),%eax
			0xc3, // ret
		}); diff != "" {
			t.Fatal(diff)
		}
	})

	// A loop with a static trip count is unrolled completely.
	t.Run("StaticLoop", func(t *testing.T) {
		r := NewRewriter(t, Sum)
		if err := r.SetStaticParameter(0); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(MustRewrite(t, r, 3), []byte{
			0xb8, 0x06, 0x00, 0x00, 0x00, // mov $0x6,%eax
			0xc3, // ret
		}); diff != "" {
			t.Fatal(diff)
		} else if blocks := r.Blocks(); len(blocks) != 1 {
			t.Fatalf("unexpected blocks: %s", spew.Sdump(blocks))
		}
	})

	// A dynamic loop is split into blocks per distinct emulator state.
	t.Run("DynamicLoop", func(t *testing.T) {
		r := NewRewriter(t, Sum)
		if diff := cmp.Diff(MustRewrite(t, r), []byte{
			0x85, 0xff, // test %edi,%edi
			0x7e, 0x11, // jle 21
			0x89, 0xf8, // 4: mov %edi,%eax
			0x83, 0xef, 0x01, // sub $0x1,%edi
			0x75, 0x01, // jne 12
			0xc3,       // 11: ret
			0x01, 0xf8, // 12: add %edi,%eax
			0x83, 0xef, 0x01, // sub $0x1,%edi
			0x75, 0xf9, // jne 12
			0xeb, 0xf6, // jmp 11
			0xb8, 0x00, 0x00, 0x00, 0x00, // 21: mov $0x0,%eax
			0xc3, // ret
		}); diff != "" {
			t.Fatal(diff)
		}

		blocks := r.Blocks()
		if got, exp := len(blocks), 5; got != exp {
			t.Fatalf("unexpected blocks: %s", spew.Sdump(blocks))
		} else if got, exp := blocks[0].EndType, dbrew.EndJcc; got != exp {
			t.Fatalf("unexpected end type: %s", got)
		} else if got, exp := blocks[0].Cond, dbrew.CondLE; got != exp {
			t.Fatalf("unexpected condition: %d", got)
		} else if got, exp := blocks[0].GeneratedAddr(), r.GeneratedAddr(); got != exp {
			t.Fatalf("unexpected entry address: %#x", got)
		}
	})

	// With the observed direction followed the loop is unrolled for the
	// actual parameter while the values stay dynamic.
	t.Run("BranchesKnown", func(t *testing.T) {
		r := NewRewriter(t, Sum)
		r.SetBranchesKnown(true)
		if diff := cmp.Diff(MustRewrite(t, r, 2), []byte{
			0x85, 0xff, // test %edi,%edi
			0x89, 0xf8, // mov %edi,%eax
			0x83, 0xef, 0x01, // sub $0x1,%edi
			0x01, 0xf8, // add %edi,%eax
			0x83, 0xef, 0x01, // sub $0x1,%edi
			0xc3, // ret
		}); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Stack", func(t *testing.T) {
		r := NewRewriter(t, Square)
		if diff := cmp.Diff(MustRewrite(t, r, 7), Square); diff != "" {
			t.Fatal(diff)
		}
	})

	// Stack slots written with static values need no code.
	t.Run("StaticStack", func(t *testing.T) {
		r := NewRewriter(t, Square)
		if err := r.SetStaticParameter(0); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(MustRewrite(t, r, 7), []byte{
			0x55,             // push %rbp
			0x48, 0x89, 0xe5, // mov %rsp,%rbp
			0x5d,                         // pop %rbp
			0xb8, 0x31, 0x00, 0x00, 0x00, // mov $0x31,%eax
			0xc3, // ret
		}); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("InlineCall", func(t *testing.T) {
		r := NewRewriter(t, Caller)
		if diff := cmp.Diff(MustRewrite(t, r, 5), []byte{
			0x48, 0x8d, 0x64, 0x24, 0xf8, // lea -0x8(%rsp),%rsp
			0x8d, 0x47, 0x02, // lea 0x2(%rdi),%eax
			0x48, 0x8d, 0x64, 0x24, 0x08, // lea 0x8(%rsp),%rsp
			0x83, 0xc0, 0x01, // add $0x1,%eax
			0xc3, // ret
		}); diff != "" {
			t.Fatal(diff)
		}
	})

	// The stack adjustments of an inlined call without residual code cancel.
	t.Run("InlineStaticCall", func(t *testing.T) {
		r := NewRewriter(t, Caller)
		if err := r.SetStaticParameter(0); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(MustRewrite(t, r, 5), []byte{
			0xb8, 0x08, 0x00, 0x00, 0x00, // mov $0x8,%eax
			0xc3, // ret
		}); diff != "" {
			t.Fatal(diff)
		}
	})

	// Each call site of a helper gets its own copy of the helper's blocks
	// since they return to different addresses.
	t.Run("InlineCallTwice", func(t *testing.T) {
		r := NewRewriter(t, AbsSum)
		MustRewrite(t, r)

		var rets int
		for _, cbb := range r.Blocks() {
			if cbb.EndType == dbrew.EndRet {
				rets++
			}
		}
		if got, exp := len(r.Blocks()), 5; got != exp {
			t.Fatalf("unexpected blocks: %s", spew.Sdump(r.Blocks()))
		} else if got, exp := rets, 2; got != exp {
			t.Fatalf("unexpected returns: %d", got)
		}
	})

	t.Run("ForceUnknown", func(t *testing.T) {
		r := NewRewriter(t, Caller)
		if err := r.SetStaticParameter(0); err != nil {
			t.Fatal(err)
		} else if err := r.SetForceUnknown(1); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(MustRewrite(t, r, 5), []byte{
			0x48, 0x8d, 0x64, 0x24, 0xf8, // lea -0x8(%rsp),%rsp
			0xb8, 0x07, 0x00, 0x00, 0x00, // mov $0x7,%eax
			0x48, 0x8d, 0x64, 0x24, 0x08, // lea 0x8(%rsp),%rsp
			0x83, 0xc0, 0x01, // add $0x1,%eax
			0xc3, // ret
		}); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("ReturnsFloatingPoint", func(t *testing.T) {
		r := NewRewriter(t, []byte{
			0xb8, 0x01, 0x00, 0x00, 0x00, // mov $0x1,%eax
			0xf2, 0x0f, 0x58, 0xc1, // addsd %xmm1,%xmm0
			0xc3, // ret
		})
		r.SetReturnsFloatingPoint()
		if diff := cmp.Diff(MustRewrite(t, r), []byte{
			0xf2, 0x0f, 0x58, 0xc1, // addsd %xmm1,%xmm0
			0xc3, // ret
		}); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("Reuse", func(t *testing.T) {
		r := NewRewriter(t, Add)
		if err := r.SetStaticParameter(1); err != nil {
			t.Fatal(err)
		}
		MustRewrite(t, r, 0, 1)
		if diff := cmp.Diff(MustRewrite(t, r, 0, 2), []byte{
			0x8d, 0x47, 0x02, // lea 0x2(%rdi),%eax
			0xc3, // ret
		}); diff != "" {
			t.Fatal(diff)
		}

		// Setting the function resets the static parameters.
		r.SetFunction(Base)
		if diff := cmp.Diff(MustRewrite(t, r, 0, 2), Add); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("ErrInvalidParameter", func(t *testing.T) {
		r := NewRewriter(t, Add)
		if err := r.SetStaticParameter(dbrew.MaxParams); err == nil {
			t.Fatal("expected error")
		} else if err := r.SetForceUnknown(-1); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("ErrCodeBuffer", func(t *testing.T) {
		config := dbrew.DefaultConfig()
		config.CodeCapacity = 2
		r := NewRewriter(t, Add, dbrew.WithConfig(config))
		if _, err := r.Rewrite(); !errors.Is(err, dbrew.ErrBufferOverflow) {
			t.Fatalf("unexpected error: %v", err)
		} else if r.GeneratedCode() != nil {
			t.Fatal("expected no code")
		}
	})

	t.Run("ErrCaptureCapacity", func(t *testing.T) {
		config := dbrew.DefaultConfig()
		config.CaptureInstrCapacity = 2
		r := NewRewriter(t, Square, dbrew.WithConfig(config))
		if _, err := r.Rewrite(); dbrew.Kind(err) != dbrew.ErrorKindBufferOverflow {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("ErrDecodeCapacity", func(t *testing.T) {
		config := dbrew.DefaultConfig()
		config.DecodeInstrCapacity = 1
		r := NewRewriter(t, Square, dbrew.WithConfig(config))
		var e *dbrew.RewriterError
		if _, err := r.Rewrite(); !errors.As(err, &e) {
			t.Fatalf("unexpected error: %v", err)
		} else if got, exp := e.Kind, dbrew.ErrorKindBufferOverflow; got != exp {
			t.Fatalf("unexpected kind: %s", got)
		} else if r.GeneratedCode() != nil || r.GeneratedCodeSize() != 0 {
			t.Fatal("expected no code")
		}
	})
}

func TestRewriter_Rewrite_Specialize(t *testing.T) {
	// Both parameters known leaves a single constant load.
	t.Run("Fold", func(t *testing.T) {
		r := NewRewriter(t, []byte{
			0x8d, 0x04, 0x77, // lea (%rdi,%rsi,2),%eax
			0xc3, // ret
		})
		if err := r.SetStaticParameter(0); err != nil {
			t.Fatal(err)
		} else if err := r.SetStaticParameter(1); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(MustRewrite(t, r, 3, 4), []byte{0xb8, 0x0b, 0x00, 0x00, 0x00, 0xc3}); diff != "" {
			t.Fatal(diff)
		}
	})

	// A static condition removes the branch.
	t.Run("Partial", func(t *testing.T) {
		code := []byte{
			0x89, 0xf0, // mov %esi,%eax
			0x85, 0xff, // test %edi,%edi
			0x7e, 0x03, // jle 9
			0x83, 0xc0, 0x01, // add $0x1,%eax
			0xc3, // 9: ret
		}
		for _, tt := range []struct {
			a   uint64
			exp []byte
		}{
			{5, []byte{0x89, 0xf0, 0x83, 0xc0, 0x01, 0xc3}},
			{0, []byte{0x89, 0xf0, 0xc3}},
		} {
			r := NewRewriter(t, code)
			if err := r.SetStaticParameter(0); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(MustRewrite(t, r, tt.a), tt.exp); diff != "" {
				t.Fatalf("a=%d: %s", tt.a, diff)
			}
		}
	})

	// A static trip count unrolls the loop without backward jumps.
	t.Run("Unroll", func(t *testing.T) {
		r := NewRewriter(t, []byte{
			0x31, 0xc0, // xor %eax,%eax
			0x85, 0xff, // test %edi,%edi
			0x7e, 0x07, // jle 13
			0x01, 0xf0, // 6: add %esi,%eax
			0x83, 0xef, 0x01, // sub $0x1,%edi
			0x75, 0xf9, // jne 6
			0xc3, // 13: ret
		})
		if err := r.SetStaticParameter(0); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(MustRewrite(t, r, 3), []byte{
			0x89, 0xf0, // mov %esi,%eax
			0x01, 0xf0, // add %esi,%eax
			0x01, 0xf0, // add %esi,%eax
			0xc3, // ret
		}); diff != "" {
			t.Fatal(diff)
		} else if got, exp := len(r.Blocks()), 1; got != exp {
			t.Fatalf("unexpected block count: %d", got)
		}
	})
}

func TestRewriter_PrintGenerated(t *testing.T) {
	r := NewRewriter(t, Add)
	var buf bytes.Buffer
	if err := r.PrintGenerated(&buf); err != dbrew.ErrNoCode {
		t.Fatalf("unexpected error: %v", err)
	}

	MustRewrite(t, r)
	if err := r.PrintGenerated(&buf); err != nil {
		t.Fatal(err)
	} else if lines := strings.Split(strings.TrimSpace(buf.String()), "\n"); len(lines) != 2 {
		t.Fatalf("unexpected output: %s", buf.String())
	} else if !strings.Contains(lines[0], "8d 04 37") || !strings.Contains(lines[1], "ret") {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}

func TestRewriter_Logger(t *testing.T) {
	var buf bytes.Buffer
	config := dbrew.DefaultConfig()
	config.ShowDecoding = true
	config.ShowEmuSteps = true
	config.ShowGenerated = true
	r := NewRewriter(t, Add, dbrew.WithConfig(config), dbrew.WithLogger(log.New(&buf, "", 0)))
	MustRewrite(t, r)

	for _, tag := range []string{"[decode]", "[emu]", "[capture]", "[gen]"} {
		if !strings.Contains(buf.String(), tag) {
			t.Errorf("expected %s in output:\n%s", tag, buf.String())
		}
	}
}

func TestRewriter_Searcher(t *testing.T) {
	r := NewRewriter(t, Sum, dbrew.WithSearcher(dbrew.NewBFSSearcher()))
	MustRewrite(t, r)
	if got, exp := len(r.Blocks()), 5; got != exp {
		t.Fatalf("unexpected block count: %d", got)
	}
}
