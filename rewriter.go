package dbrew

import (
	"fmt"
	"io"
	"log"
	"sort"
)

// CallHandler selects how the emulator treats calls of a function.
type CallHandler int

const (
	// InlineCall emulates the callee as part of the rewritten function.
	InlineCall CallHandler = iota

	// KeepCall keeps the call in the generated code.
	KeepCall

	// MarkDynamic makes the first argument dynamic before inlining.
	MarkDynamic

	// MarkStatic makes the first argument static before inlining.
	MarkStatic
)

// symbol names a function for printing.
type symbol struct {
	addr uint64
	size int
	name string
}

// Rewriter specializes a function for a set of known parameters.
//
// A Rewriter is not safe for concurrent use. Its buffers are reused between
// rewrites, so generated code stays valid only until the next call to
// Rewrite or Close.
type Rewriter struct {
	config   Config
	logger   *log.Logger
	mem      Memory
	searcher Searcher

	dec  *Decoder
	code *CodeStorage

	fn      uint64
	symbols []symbol

	// Per-function configuration.
	staticParams  [MaxParams]bool
	forceUnknown  map[int]bool
	returnsFP     bool
	branchesKnown bool
	handlers      map[uint64]CallHandler

	// Emulation state of the current rewrite.
	es        *EmuState
	snapshots snapshotPool
	cbbs      []*CapturedBlock
	cbbIndex  map[cbbKey]*CapturedBlock
	current   *CapturedBlock
	block     *DecodedBlock
	index     int
	ncaptured int
	steps     int
	emulating bool
	result    uint64

	// Generated function.
	genEntry uint64
	genCode  []byte
}

// NewRewriter returns a new Rewriter with the default configuration
// reading code from the current process.
func NewRewriter(opts ...Option) *Rewriter {
	r := &Rewriter{
		config:       DefaultConfig(),
		logger:       discardLogger,
		mem:          ProcessMemory{},
		searcher:     NewDFSSearcher(),
		forceUnknown: make(map[int]bool),
		handlers:     make(map[uint64]CallHandler),
		cbbIndex:     make(map[cbbKey]*CapturedBlock),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.dec = NewDecoder(r.mem)
	r.dec.MaxBlocks = r.config.DecodeBlockCapacity
	r.dec.MaxInstrs = r.config.DecodeInstrCapacity
	r.dec.logf = func(format string, args ...interface{}) {
		r.logf(r.config.ShowDecoding, format, args...)
	}
	r.es = NewEmuState(r.config.StackSize)
	r.snapshots.capacity = r.config.SnapshotCapacity
	return r
}

// NewRewriterWithConfig returns a new Rewriter using c.
func NewRewriterWithConfig(c Config) *Rewriter {
	return NewRewriter(WithConfig(c))
}

// Config returns the configuration of the rewriter.
func (r *Rewriter) Config() Config { return r.config }

// Decoder returns the decoder of the rewriter.
func (r *Rewriter) Decoder() *Decoder { return r.dec }

// Function returns the address of the function to rewrite.
func (r *Rewriter) Function() uint64 { return r.fn }

// SetFunction sets the function to rewrite. Decoded code and the
// per-function configuration are reset.
func (r *Rewriter) SetFunction(addr uint64) {
	r.fn = addr
	r.dec.Reset()
	r.staticParams = [MaxParams]bool{}
	r.forceUnknown = make(map[int]bool)
	r.returnsFP = false
	r.branchesKnown = false
	r.resetCapture()
	r.genEntry, r.genCode = 0, nil
}

// SetStaticParameter marks the parameter at position pos as known at
// rewrite time. Its value is taken from the arguments passed to Rewrite.
func (r *Rewriter) SetStaticParameter(pos int) error {
	if pos < 0 || pos >= MaxParams {
		return fmt.Errorf("dbrew: invalid parameter position: %d", pos)
	}
	r.staticParams[pos] = true
	return nil
}

// SetForceUnknown makes all results computed at inlining depth depth
// dynamic, so that code computing them is kept.
func (r *Rewriter) SetForceUnknown(depth int) error {
	if depth < 0 || depth > r.config.MaxCallDepth {
		return fmt.Errorf("dbrew: invalid call depth: %d", depth)
	}
	r.forceUnknown[depth] = true
	return nil
}

// SetReturnsFloatingPoint declares that the function returns its result
// in %xmm0, so a static %rax is not materialized on return.
func (r *Rewriter) SetReturnsFloatingPoint() { r.returnsFP = true }

// SetBranchesKnown makes the emulator follow the direction observed with the
// actual parameters instead of capturing both successors of conditional
// branches.
func (r *Rewriter) SetBranchesKnown(v bool) { r.branchesKnown = v }

// SetFunctionName names the function at addr of size bytes. Names are used
// when printing code.
func (r *Rewriter) SetFunctionName(addr uint64, size int, name string) {
	for i := range r.symbols {
		if r.symbols[i].addr == addr {
			r.symbols[i] = symbol{addr: addr, size: size, name: name}
			return
		}
	}
	r.symbols = append(r.symbols, symbol{addr: addr, size: size, name: name})
	sort.Slice(r.symbols, func(i, j int) bool { return r.symbols[i].addr < r.symbols[j].addr })
}

// Register sets how calls of the function at addr are handled.
func (r *Rewriter) Register(addr uint64, h CallHandler) {
	if h == InlineCall {
		delete(r.handlers, addr)
		return
	}
	r.handlers[addr] = h
}

// Rewrite emulates the function with the given parameters and generates a
// specialized copy. It returns the address of the generated function.
func (r *Rewriter) Rewrite(params ...uint64) (uint64, error) {
	if r.fn == 0 {
		return 0, ErrNoFunction
	}
	r.genEntry, r.genCode = 0, nil
	r.emulating = false

	if err := r.run(params); err != nil {
		return 0, err
	}

	if r.code == nil {
		cs, err := NewCodeStorage(r.config.CodeCapacity)
		if err != nil {
			return 0, err
		}
		r.code = cs
	}
	r.code.Reset()

	mark := r.code.Used()
	entry, code, err := r.generate()
	if err != nil {
		r.code.Rollback(mark)
		return 0, err
	}
	r.genEntry, r.genCode = entry, code
	r.logf(r.config.ShowGenerated, "[gen] %#x: %d bytes in %d blocks", entry, len(code), len(r.cbbs))
	return entry, nil
}

// Emulate runs the function on the emulator with the given parameters
// without generating code. It returns the emulated value of %rax.
func (r *Rewriter) Emulate(params ...uint64) (uint64, error) {
	if r.fn == 0 {
		return 0, ErrNoFunction
	}
	r.emulating = true
	defer func() { r.emulating = false }()

	r.result = 0
	if err := r.run(params); err != nil {
		return 0, err
	}
	return r.result, nil
}

// GeneratedCode returns the code of the last rewrite.
func (r *Rewriter) GeneratedCode() []byte { return r.genCode }

// GeneratedCodeSize returns the size in bytes of the last generated function.
func (r *Rewriter) GeneratedCodeSize() int { return len(r.genCode) }

// GeneratedAddr returns the address of the last generated function.
func (r *Rewriter) GeneratedAddr() uint64 { return r.genEntry }

// Blocks returns the captured blocks of the last rewrite. The first block
// is the entry.
func (r *Rewriter) Blocks() []*CapturedBlock {
	return append([]*CapturedBlock(nil), r.cbbs...)
}

// DecodeAndPrint decodes n instructions starting at addr and prints them
// in AT&T syntax.
func (r *Rewriter) DecodeAndPrint(w io.Writer, addr uint64, n int) error {
	for printed := 0; printed < n; {
		bb, err := r.dec.Decode(addr)
		if err != nil {
			return err
		}
		for i := range bb.Instrs {
			if printed == n {
				break
			}
			instr := &bb.Instrs[i]
			buf := make([]byte, instr.Len)
			if _, err := r.mem.ReadAt(buf, int64(instr.Addr)); err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "  %18s: %-30s %s\n", r.symbolize(instr.Addr, true), formatBytes(buf), instr.format(r.lookup)); err != nil {
				return err
			}
			printed++
		}
		addr = bb.Addr + uint64(bb.Size)
	}
	return nil
}

// lookup returns the symbolic name of addr, or an empty string.
func (r *Rewriter) lookup(addr uint64) string { return r.symbolize(addr, false) }

// symbolize returns addr as name+offset. With hex set, addresses outside of
// named functions are printed in hex.
func (r *Rewriter) symbolize(addr uint64, hex bool) string {
	i := sort.Search(len(r.symbols), func(i int) bool { return r.symbols[i].addr > addr }) - 1
	if i >= 0 {
		if s := r.symbols[i]; addr < s.addr+uint64(s.size) {
			if addr == s.addr {
				return s.name
			}
			return fmt.Sprintf("%s+%d", s.name, addr-s.addr)
		}
	}
	if hex {
		return fmt.Sprintf("%#x", addr)
	}
	return ""
}

// Close releases the executable memory. Generated code must not be used
// afterwards.
func (r *Rewriter) Close() error {
	r.genEntry, r.genCode = 0, nil
	if r.code == nil {
		return nil
	}
	err := r.code.Close()
	r.code = nil
	return err
}

// logf writes to the logger if cond is true.
func (r *Rewriter) logf(cond bool, format string, args ...interface{}) {
	if cond {
		r.logger.Printf(format, args...)
	}
}
