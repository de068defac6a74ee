package dbrew

import (
	"fmt"
)

// EndType is how a captured block ends.
type EndType int

const (
	// EndNone marks a block that was not emulated yet.
	EndNone EndType = iota

	// EndRet marks a block ending with the return of the rewritten function.
	EndRet

	// EndJcc marks a block ending with a conditional branch
	// to Branch and falling through to FallThrough.
	EndJcc
)

// String returns the name of the end type.
func (t EndType) String() string {
	switch t {
	case EndRet:
		return "ret"
	case EndJcc:
		return "jcc"
	}
	return "none"
}

// CapturedBlock is a block of generated code. It is identified by the
// address emulation starts at and the snapshot it starts from.
type CapturedBlock struct {
	Addr       uint64 // decode address
	SnapshotID int

	Instrs []Instr

	EndType      EndType
	Cond         Cond // condition of the final branch for EndJcc
	PreferBranch bool // branch was taken during emulation

	Branch      *CapturedBlock
	FallThrough *CapturedBlock

	// Generation state.
	code     []byte
	relocs   []reloc
	genAddr  uint64         // final address
	jcc      *CapturedBlock // target of the final conditional jump
	jccCond  Cond
	jccShort bool           // jcc uses rel8
	jmp      *CapturedBlock // target of the trailing jmp
	jmpShort bool           // jmp uses rel8
}

// GeneratedAddr returns the address of the block in the generated code.
func (cbb *CapturedBlock) GeneratedAddr() uint64 { return cbb.genAddr }

// String returns a short description of the block.
func (cbb *CapturedBlock) String() string {
	return fmt.Sprintf("CBB(%#x, es %d, %d instrs, %s)", cbb.Addr, cbb.SnapshotID, len(cbb.Instrs), cbb.EndType)
}

// cbbKey identifies a captured block.
type cbbKey struct {
	addr uint64
	es   int
}

// Searcher represents a strategy for finding the next captured block to emulate.
type Searcher interface {
	// Returns the next block to explore.
	SelectBlock() *CapturedBlock

	// Adds a block to explore.
	AddBlock(cbb *CapturedBlock)

	// Returns the number of queued blocks.
	Len() int

	// Removes all queued blocks.
	Reset()
}

var _ Searcher = (*DFSSearcher)(nil)
var _ Searcher = (*BFSSearcher)(nil)

// DFSSearcher represents a searcher with a depth-first search strategy.
// The block added last is emulated first.
type DFSSearcher struct {
	blocks []*CapturedBlock
}

// NewDFSSearcher returns a new instance of DFSSearcher.
func NewDFSSearcher() *DFSSearcher {
	return &DFSSearcher{}
}

// SelectBlock returns the next block to explore.
func (s *DFSSearcher) SelectBlock() *CapturedBlock {
	if len(s.blocks) == 0 {
		return nil
	}
	cbb := s.blocks[len(s.blocks)-1]
	s.blocks = s.blocks[:len(s.blocks)-1]
	return cbb
}

// AddBlock adds a new block to the searcher.
func (s *DFSSearcher) AddBlock(cbb *CapturedBlock) {
	s.blocks = append(s.blocks, cbb)
}

// Len returns the number of queued blocks.
func (s *DFSSearcher) Len() int { return len(s.blocks) }

// Reset removes all queued blocks.
func (s *DFSSearcher) Reset() { s.blocks = s.blocks[:0] }

// BFSSearcher represents a searcher with a breadth-first search strategy.
type BFSSearcher struct {
	blocks []*CapturedBlock
}

// NewBFSSearcher returns a new instance of BFSSearcher.
func NewBFSSearcher() *BFSSearcher {
	return &BFSSearcher{}
}

// SelectBlock returns the next block to explore.
func (s *BFSSearcher) SelectBlock() *CapturedBlock {
	if len(s.blocks) == 0 {
		return nil
	}
	cbb := s.blocks[0]
	s.blocks = s.blocks[1:]
	return cbb
}

// AddBlock adds a new block to the searcher.
func (s *BFSSearcher) AddBlock(cbb *CapturedBlock) {
	s.blocks = append(s.blocks, cbb)
}

// Len returns the number of queued blocks.
func (s *BFSSearcher) Len() int { return len(s.blocks) }

// Reset removes all queued blocks.
func (s *BFSSearcher) Reset() { s.blocks = nil }

// resetCapture removes all captured blocks and snapshots.
func (r *Rewriter) resetCapture() {
	r.cbbs = r.cbbs[:0]
	r.cbbIndex = make(map[cbbKey]*CapturedBlock)
	r.ncaptured = 0
	r.current = nil
	r.steps = 0
	r.snapshots.Reset()
	r.searcher.Reset()
}

// getCBB returns the captured block for (addr, esID), creating it if needed.
func (r *Rewriter) getCBB(addr uint64, esID int) (cbb *CapturedBlock, created bool, err error) {
	key := cbbKey{addr, esID}
	if cbb := r.cbbIndex[key]; cbb != nil {
		return cbb, false, nil
	}
	if len(r.cbbs) >= r.config.CaptureBlockCapacity {
		return nil, false, overflow("captured blocks", r.config.CaptureBlockCapacity)
	}
	cbb = &CapturedBlock{Addr: addr, SnapshotID: esID}
	r.cbbs = append(r.cbbs, cbb)
	r.cbbIndex[key] = cbb
	return cbb, true, nil
}

// pushCBB queues a block for emulation.
func (r *Rewriter) pushCBB(cbb *CapturedBlock) error {
	if r.searcher.Len() >= r.config.WorklistDepth {
		return overflow("worklist", r.config.WorklistDepth)
	}
	r.searcher.AddBlock(cbb)
	return nil
}

// initEmuState resets the emulator for a call of the function with params.
func (r *Rewriter) initEmuState(params []uint64) error {
	if len(params) > MaxParams {
		return fmt.Errorf("dbrew: too many parameters: %d > %d", len(params), MaxParams)
	}

	es := r.es
	es.Reset()
	for _, reg := range []Reg{RegBP, RegBX, RegR12, RegR13, RegR14, RegR15} {
		es.SetReg(reg, 0, Dynamic)
	}
	for i, reg := range paramRegs {
		var v uint64
		if i < len(params) {
			v = params[i]
		}
		s := Dynamic
		if r.staticParams[i] {
			s = Static2
		}
		es.SetReg(reg, v, s)
	}
	es.SetReg(RegSP, es.stackTop, StackRelative)
	es.SetReg(RegIP, r.fn, Static)
	return nil
}

// paramRegs are the integer parameter registers in calling convention order.
var paramRegs = [MaxParams]Reg{RegDI, RegSI, RegDX, RegCX, RegR8, RegR9}

// run emulates the target function, capturing residual code into blocks
// until no block is left to explore.
func (r *Rewriter) run(params []uint64) error {
	r.resetCapture()
	if err := r.initEmuState(params); err != nil {
		return err
	}

	esID, err := r.snapshots.Save(r.es)
	if err != nil {
		return err
	}
	entry, _, err := r.getCBB(r.fn, esID)
	if err != nil {
		return err
	}
	if err := r.pushCBB(entry); err != nil {
		return err
	}

	for {
		cbb := r.searcher.SelectBlock()
		if cbb == nil {
			break
		} else if cbb.EndType != EndNone {
			continue
		}
		if err := r.emulateBlock(cbb); err != nil {
			return err
		}
	}
	return nil
}

// emulateBlock emulates from the start of cbb until its end type is known.
func (r *Rewriter) emulateBlock(cbb *CapturedBlock) error {
	r.snapshots.Restore(cbb.SnapshotID, r.es)
	r.current = cbb
	r.logf(r.config.ShowEmuSteps, "[emu] processing %s", cbb)

	addr := cbb.Addr
	for r.current != nil {
		bb, err := r.dec.Decode(addr)
		if err != nil {
			return err
		}
		next := bb.Addr + uint64(bb.Size)
		for i := range bb.Instrs {
			instr := &bb.Instrs[i]
			if r.steps++; r.steps > r.config.MaxSteps {
				return overflow("emulation steps", r.config.MaxSteps)
			}
			r.es.SetReg(RegIP, instr.End(), Static)
			r.block, r.index = bb, i

			r.logf(r.config.ShowEmuSteps, "[emu] %#x: %s", instr.Addr, instr)
			target, err := r.emulateInstr(instr)
			if err != nil {
				return err
			}
			if r.config.ShowEmuState {
				r.logf(true, "[emu] %s", r.es)
			}
			if r.current == nil {
				return nil
			} else if target != 0 {
				next = target
				break
			}
		}
		addr = next
	}
	return nil
}

// splitBlock ends the current block with a conditional branch whose
// condition is unknown. Both successors start from a snapshot of the
// current state. A backward branch is explored first so loop bodies are
// captured before their exits, otherwise the observed direction is.
func (r *Rewriter) splitBlock(cc Cond, branchTarget, fallThroughTarget uint64, taken bool) error {
	cbb := r.current
	cbb.EndType, cbb.Cond, cbb.PreferBranch = EndJcc, cc, taken

	esID, err := r.snapshots.Save(r.es)
	if err != nil {
		return err
	}
	ft, newFT, err := r.getCBB(fallThroughTarget, esID)
	if err != nil {
		return err
	}
	br, newBR, err := r.getCBB(branchTarget, esID)
	if err != nil {
		return err
	}
	cbb.FallThrough, cbb.Branch = ft, br

	// The block pushed last is the next one a depth-first searcher selects.
	order := []*CapturedBlock{br, ft}
	created := []bool{newBR, newFT}
	if taken || branchTarget < fallThroughTarget {
		order, created = []*CapturedBlock{ft, br}, []bool{newFT, newBR}
	}
	for i, b := range order {
		if !created[i] {
			continue
		}
		if err := r.pushCBB(b); err != nil {
			return err
		}
	}

	r.logf(r.config.ShowEmuSteps, "[capture] split %s: branch %s, fallthrough %s", cbb, br, ft)
	r.current = nil
	return nil
}

// endBlock ends the current block with the return of the rewritten function.
func (r *Rewriter) endBlock() {
	r.current.EndType = EndRet
	r.current = nil
}
