package dbrew

import (
	"encoding/binary"
)

// fitsSimm32 returns true if v is the sign extension of its low 32 bits.
func fitsSimm32(v uint64) bool { return int64(v) == int64(int32(v)) }

// leaRSP returns an instruction moving the stack pointer by d bytes
// without changing the flags.
func leaRSP(d int64) Instr {
	return newInstr2(ITLea, VT64, RegOp(VT64, RegSP), MemOp(VT64, RegSP, d))
}

func isLeaRSP(i *Instr, d int64) bool {
	return i.Type == ITLea && i.Dst == RegOp(VT64, RegSP) && i.Src == MemOp(VT64, RegSP, d)
}

// currentInstr returns the instruction being emulated.
func (r *Rewriter) currentInstr() *Instr {
	if r.block == nil || r.index >= len(r.block.Instrs) {
		return &Instr{}
	}
	return &r.block.Instrs[r.index]
}

// emit appends an instruction to the current captured block. An inlined
// return directly following an inlined call cancels the stack adjustment.
func (r *Rewriter) emit(instr Instr) error {
	cbb := r.current
	if cbb == nil || r.emulating {
		return nil
	}
	if n := len(cbb.Instrs); n > 0 && isLeaRSP(&instr, 8) && isLeaRSP(&cbb.Instrs[n-1], -8) {
		cbb.Instrs = cbb.Instrs[:n-1]
		r.ncaptured--
		r.logf(r.config.ShowEmuSteps, "[capture] drop stack adjustment")
		return nil
	}
	if r.ncaptured >= r.config.CaptureInstrCapacity {
		return overflow("captured instructions", r.config.CaptureInstrCapacity)
	}
	cbb.Instrs = append(cbb.Instrs, instr)
	r.ncaptured++
	r.logf(r.config.ShowEmuSteps, "[capture] %s", &instr)
	return nil
}

// operands returns pointers to the explicit operands of instr.
func (instr *Instr) operands() []*Operand {
	switch instr.Form {
	case Form1:
		return []*Operand{&instr.Dst}
	case Form2:
		return []*Operand{&instr.Dst, &instr.Src}
	case Form3:
		return []*Operand{&instr.Dst, &instr.Src, &instr.Src2}
	}
	return nil
}

// writeOnlyDst returns true if the instruction does not read its destination.
func writeOnlyDst(instr *Instr) bool {
	if instr.IsPassThrough() {
		return instr.PT.Change == StateChangeDstDynamic
	}
	switch instr.Type {
	case ITMov, ITMovsx, ITMovzx, ITLea, ITPop:
		return true
	case ITImul:
		return instr.Form == Form3
	}
	return instr.Type.IsSetcc()
}

// capture appends a residual instruction. Values the generated code does
// not hold yet are written first: static registers read by the instruction,
// static registers partially overwritten by it and static stack bytes it
// reads. Static address registers are folded into the displacement.
func (r *Rewriter) capture(instr Instr) error {
	if r.current == nil || r.emulating {
		return nil
	}

	wo := writeOnlyDst(&instr)
	for i, op := range instr.operands() {
		read := i != 0 || !wo
		switch {
		case op.IsInd():
			if read && instr.Type != ITLea && op.Seg == SegNone {
				if addr := r.opAddr(*op); addr.State == StackRelative {
					if err := r.materializeStack(addr.Val, op.Width.Bytes()); err != nil {
						return err
					}
				}
			}
			if err := r.applyStaticToInd(op); err != nil {
				return err
			}
		case op.IsGPReg():
			if read || op.Width == VT8 || op.Width == VT16 {
				if err := r.materializeReg(op.Reg); err != nil {
					return err
				}
			}
		}
	}
	return r.emit(instr)
}

// materializeReg loads a static register value into the register.
func (r *Rewriter) materializeReg(reg Reg) error {
	if !IsStatic(r.es.regState[reg]) {
		return nil
	}
	return r.emit(newInstr2(ITMov, VT64, RegOp(VT64, reg), ImmOp(VT64, r.es.reg[reg])))
}

// materializeStack stores the static bytes of [addr, addr+n) into the real
// stack, addressed relative to the stack pointer.
func (r *Rewriter) materializeStack(addr uint64, n int) error {
	es := r.es
	end := addr + uint64(n)
	if addr < es.stackAccessed {
		addr = es.stackAccessed
	}
	if end > es.stackTop {
		end = es.stackTop
	}

	var pending bool
	for a := addr; a < end; a++ {
		if IsStatic(es.stackState[a-es.stackStart]) {
			pending = true
			break
		}
	}
	if !pending {
		return nil
	}
	sp, err := r.stackPointer(r.currentInstr())
	if err != nil {
		return err
	}

	for a := addr; a < end; {
		off := int(a - es.stackStart)
		if !IsStatic(es.stackState[off]) {
			a++
			continue
		}
		disp := int64(a - sp)
		if a+4 <= end && allStatic(es.stackState[off:off+4]) {
			v := uint64(binary.LittleEndian.Uint32(es.stack[off:]))
			if err := r.emit(newInstr2(ITMov, VT32, MemOp(VT32, RegSP, disp), ImmOp(VT32, v))); err != nil {
				return err
			}
			a += 4
			continue
		}
		if err := r.emit(newInstr2(ITMov, VT8, MemOp(VT8, RegSP, disp), ImmOp(VT8, uint64(es.stack[off])))); err != nil {
			return err
		}
		a++
	}
	return nil
}

func allStatic(a []CaptureState) bool {
	for _, s := range a {
		if !IsStatic(s) {
			return false
		}
	}
	return true
}

// applyStaticToInd folds static base and index registers of a memory
// operand into its displacement. Registers whose value does not fit a
// 32-bit displacement are loaded instead.
func (r *Rewriter) applyStaticToInd(op *Operand) error {
	if !op.IsInd() {
		return nil
	}
	es := r.es
	if op.HasIndex() && IsStatic(es.regState[op.Index]) {
		if d := op.Val + es.reg[op.Index]*uint64(op.Scale); op.Reg != RegIP && fitsSimm32(d) {
			op.Val, op.Index, op.Scale = d, RegNone, 0
		} else if err := r.materializeReg(op.Index); err != nil {
			return err
		}
	}
	if op.Reg.IsGP() && IsStatic(es.regState[op.Reg]) {
		if d := op.Val + es.reg[op.Reg]; fitsSimm32(d) {
			op.Val, op.Reg = d, RegNone
		} else if err := r.materializeReg(op.Reg); err != nil {
			return err
		}
	}
	// An unscaled index without base is shorter as a base.
	if op.Reg == RegNone && op.HasIndex() && op.Scale == 1 {
		op.Reg, op.Index, op.Scale = op.Index, RegNone, 0
	}
	return nil
}

// immOrOperand returns a static operand value as an immediate if the
// instruction can encode it.
func (r *Rewriter) immOrOperand(op Operand, v EmuValue) Operand {
	if op.IsImm() {
		return op
	}
	if op.Width == VT64 && !fitsSimm32(v.Val) {
		return op
	}
	return ImmOp(op.Width, v.Val)
}

// keepsCaptureState returns true if the emulator tracks the value stored in
// the location: general purpose registers and stack slots at a known offset.
func (r *Rewriter) keepsCaptureState(op Operand) bool {
	if op.IsGPReg() {
		return true
	}
	if !op.IsInd() || op.Seg != SegNone {
		return false
	}
	addr := r.opAddr(op)
	return addr.State == StackRelative && r.es.inStack(addr.Val)
}

// keepsStatic returns true if writing a static value to op keeps the
// location static without generating code. A partial register write
// only does if the rest of the register is static too.
func (r *Rewriter) keepsStatic(op Operand) bool {
	if !r.keepsCaptureState(op) {
		return false
	}
	if op.IsGPReg() && (op.Width == VT8 || op.Width == VT16) {
		s := r.es.regState[op.Reg]
		return IsStatic(s) || s == Dead
	}
	return true
}

// captureStore stores a static value into a location.
func (r *Rewriter) captureStore(dst Operand, v uint64) error {
	t := dst.Width
	if dst.IsInd() && t == VT64 && !fitsSimm32(v) {
		lo := dst.withWidth(VT32)
		hi := lo
		hi.Val += 4
		if err := r.capture(newInstr2(ITMov, VT32, lo, ImmOp(VT32, v))); err != nil {
			return err
		}
		return r.capture(newInstr2(ITMov, VT32, hi, ImmOp(VT32, v>>32)))
	}
	return r.capture(newInstr2(ITMov, t, dst, ImmOp(t, v)))
}

// forceUnknownResult returns true if static results at the current
// inlining depth are made dynamic.
func (r *Rewriter) forceUnknownResult() bool {
	return r.forceUnknown[r.es.depth]
}

// captureStatic handles a static result written to the destination.
func (r *Rewriter) captureStatic(instr *Instr, v EmuValue) error {
	if r.keepsStatic(instr.Dst) {
		return nil
	}
	return r.captureStore(instr.Dst, v.Val)
}

// captureForced materializes a static result when results at this depth
// are forced unknown. It returns false if the result stays static.
func (r *Rewriter) captureForced(instr *Instr, v *EmuValue) (bool, error) {
	if !r.forceUnknownResult() {
		return false, nil
	}
	v.State = Dynamic
	return true, r.captureStore(instr.Dst, v.Val)
}

// captureMov captures a data movement of v into the destination.
func (r *Rewriter) captureMov(instr *Instr, v EmuValue) error {
	if v.IsStatic() {
		return r.captureStatic(instr, v)
	}
	return r.capture(*instr)
}

func (r *Rewriter) captureLea(instr *Instr, v *EmuValue) error {
	if v.IsStatic() {
		if ok, err := r.captureForced(instr, v); ok || err != nil {
			return err
		}
		return r.captureStatic(instr, *v)
	}
	return r.capture(*instr)
}

// flagsDeadAfter returns true if the flags written by the current
// instruction are overwritten before they are read.
func (r *Rewriter) flagsDeadAfter() bool {
	if r.block == nil {
		return false
	}
	for i := r.index + 1; i < len(r.block.Instrs); i++ {
		instr := &r.block.Instrs[i]
		switch {
		case readsFlags(instr):
			return false
		case writesFlags(instr):
			return true
		case instr.Type == ITCall || instr.Type == ITRet:
			return true
		}
	}
	return false
}

func readsFlags(instr *Instr) bool {
	switch t := instr.Type; {
	case t.IsJcc(), t.IsCmov(), t.IsSetcc(), t == ITAdc, t == ITSbb:
		return true
	}
	return false
}

// writesFlags returns true if the instruction overwrites all tracked flags.
func writesFlags(instr *Instr) bool {
	if instr.IsPassThrough() {
		return instr.PT.SetsFlags
	}
	switch instr.Type {
	case ITAdd, ITSub, ITAnd, ITOr, ITXor, ITCmp, ITTest, ITNeg, ITImul, ITMul, ITImul1, ITBsf:
		return true
	}
	return false
}

// isNoop returns true if a static source leaves the destination unchanged.
// A 32-bit register destination is excluded as it clears the upper half.
func isNoop(instr *Instr, b uint64) bool {
	if instr.Dst.IsReg() && instr.Dst.Width == VT32 {
		return false
	}
	switch instr.Type {
	case ITAdd, ITSub, ITOr, ITXor:
		return b == 0
	case ITImul:
		return b == 1
	}
	return false
}

// captureBinaryOp captures dst = dst op src with destination value a,
// source value b and result v.
func (r *Rewriter) captureBinaryOp(instr *Instr, a, b EmuValue, v *EmuValue) error {
	dst := instr.Dst
	if v.IsStatic() {
		if ok, err := r.captureForced(instr, v); ok || err != nil {
			return err
		}
		return r.captureStatic(instr, *v)
	}

	flagsDead := r.flagsDeadAfter()
	if flagsDead && a.IsStatic() && r.keepsCaptureState(dst) && !instr.Src.IsImm() &&
		((instr.Type == ITAdd && a.Val == 0) || (instr.Type == ITImul && a.Val == 1)) {
		mov := newInstr2(ITMov, dst.Width, dst, instr.Src)
		mov.Addr = instr.Addr
		return r.capture(mov)
	}

	i := *instr
	if b.IsStatic() {
		if flagsDead && isNoop(instr, b.Val) {
			return nil
		}
		i.Src = r.immOrOperand(instr.Src, b)
	}
	if instr.Type == ITAdc || instr.Type == ITSbb {
		if cf, cs := r.es.Flag(FlagCF); IsStatic(cs) {
			carry := newInstr0(ITClc)
			if cf {
				carry = newInstr0(ITStc)
			}
			if err := r.emit(carry); err != nil {
				return err
			}
		}
	}
	return r.capture(i)
}

// captureImul3 captures dst = src * imm.
func (r *Rewriter) captureImul3(instr *Instr, a, b EmuValue, v *EmuValue) error {
	if v.IsStatic() {
		if ok, err := r.captureForced(instr, v); ok || err != nil {
			return err
		}
		return r.captureStatic(instr, *v)
	}
	i := *instr
	if b.IsStatic() {
		i.Src2 = r.immOrOperand(instr.Src2, b)
	}
	return r.capture(i)
}

func (r *Rewriter) captureUnaryOp(instr *Instr, v *EmuValue) error {
	if v.IsStatic() {
		if ok, err := r.captureForced(instr, v); ok || err != nil {
			return err
		}
		return r.captureStatic(instr, *v)
	}
	return r.capture(*instr)
}

// captureCompare captures cmp and test unless the flags are static.
func (r *Rewriter) captureCompare(instr *Instr, a, b EmuValue, flags CaptureState) error {
	if IsStatic(flags) {
		return nil
	}
	i := *instr
	if b.IsStatic() {
		i.Src = r.immOrOperand(instr.Src, b)
	} else if instr.Type == ITTest && a.IsStatic() {
		// test is commutative, only the source can be an immediate.
		i.Dst, i.Src = instr.Src, r.immOrOperand(instr.Dst, a)
	}
	return r.capture(i)
}

// capturePush captures a push. Static values are pushed as immediates;
// values not fitting a sign-extended imm32 get their upper half patched.
func (r *Rewriter) capturePush(instr *Instr, v EmuValue) error {
	if !v.IsStatic() {
		return r.capture(*instr)
	}
	if fitsSimm32(v.Val) {
		return r.emit(newInstr1(ITPush, VT64, ImmOp(VT64, v.Val)))
	}
	if err := r.emit(newInstr1(ITPush, VT64, ImmOp(VT64, signExtend(v.Val, VT32)))); err != nil {
		return err
	}
	return r.emit(newInstr2(ITMov, VT32, MemOp(VT32, RegSP, 4), ImmOp(VT32, v.Val>>32)))
}

// capturePop captures a pop from the stack pointer sp. Popping a static
// value into a register only releases the stack slot.
func (r *Rewriter) capturePop(instr *Instr, sp uint64) error {
	if v := r.es.readStack(sp, VT64); v.IsStatic() && instr.Dst.IsGPReg() {
		return r.emit(leaRSP(8))
	}
	if err := r.materializeStack(sp, 8); err != nil {
		return err
	}
	return r.capture(*instr)
}

// captureLeave captures leave with the frame pointer bp.
func (r *Rewriter) captureLeave(instr *Instr, bp uint64) error {
	if err := r.materializeStack(bp, 8); err != nil {
		return err
	}
	return r.emit(*instr)
}

// callerSaved are the registers a call may clobber.
var callerSaved = []Reg{RegAX, RegCX, RegDX, RegSI, RegDI, RegR8, RegR9, RegR10, RegR11}

// captureCall captures a call of target that is not inlined. Arguments the
// callee may read are materialized first. Afterwards the caller-saved
// registers, the flags and static stack bytes are dynamic.
func (r *Rewriter) captureCall(instr *Instr, target uint64) error {
	es := r.es
	for _, reg := range paramRegs {
		if err := r.materializeReg(reg); err != nil {
			return err
		}
	}
	if err := r.materializeReg(RegAX); err != nil {
		return err
	}
	if sp := es.reg[RegSP]; es.regState[RegSP] == StackRelative && sp < es.stackTop {
		if err := r.materializeStack(sp, int(es.stackTop-sp)); err != nil {
			return err
		}
	}

	call := newInstr1(ITCall, VT64, ImmOp(VT64, target))
	call.Addr, call.Len = instr.Addr, instr.Len
	if err := r.emit(call); err != nil {
		return err
	}

	for _, reg := range callerSaved {
		es.SetReg(reg, es.reg[reg], Dynamic)
	}
	r.setFlagsState(Dynamic)
	for i, s := range es.stackState {
		if IsStatic(s) {
			es.stackState[i] = Dynamic
		}
	}
	return nil
}

// captureRet captures the return of the rewritten function.
func (r *Rewriter) captureRet(instr *Instr) error {
	if !r.returnsFP {
		if err := r.materializeReg(RegAX); err != nil {
			return err
		}
	}
	return r.emit(*instr)
}
