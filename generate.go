package dbrew

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// reloc is a 32-bit displacement patched once the block address is known.
type reloc struct {
	off    int    // offset of the displacement in the block code
	end    int    // offset the displacement is relative to
	target uint64 // absolute target address
}

// encErr returns a generate error for an instruction that cannot be encoded.
func encErr(kind ErrorKind, format string, args ...interface{}) error {
	return &GenerateError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// encodeBlock encodes the instructions of a captured block into cbb.code.
func encodeBlock(cbb *CapturedBlock) error {
	e := encoder{code: cbb.code[:0]}
	for i := range cbb.Instrs {
		instr := &cbb.Instrs[i]
		if err := e.encode(instr); err != nil {
			var ge *GenerateError
			if errors.As(err, &ge) {
				ge.Block, ge.Index, ge.Instr = cbb.Addr, i, instr
			}
			return err
		}
	}
	cbb.code, cbb.relocs = e.code, e.relocs
	return nil
}

// encoder appends machine code for captured instructions.
type encoder struct {
	code   []byte
	relocs []reloc
}

// rmInstr is an instruction with a ModRM byte.
type rmInstr struct {
	prefixes []byte
	w        bool // REX.W
	rex      bool // force REX for %spl..%dil
	opcode   []byte
	reg      int     // register index or opcode digit
	rm       Operand // register or memory
	immSize  int
	imm      uint64
}

func (e *encoder) bytes(b ...byte) { e.code = append(e.code, b...) }

// imm appends the low n bytes of v.
func (e *encoder) imm(v uint64, n int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	e.code = append(e.code, buf[:n]...)
}

func (e *encoder) rm(x *rmInstr) error {
	op := x.rm
	if op.IsInd() {
		switch op.Seg {
		case SegFS:
			e.bytes(0x64)
		case SegGS:
			e.bytes(0x65)
		}
	}
	e.code = append(e.code, x.prefixes...)

	var rex byte
	if x.w {
		rex |= 8
	}
	if x.reg >= 8 {
		rex |= 4
	}
	switch {
	case op.IsReg():
		if op.Reg.Index() >= 8 {
			rex |= 1
		}
	case op.IsInd():
		if op.HasIndex() && op.Index.Index() >= 8 {
			rex |= 2
		}
		if op.Reg.IsGP() && op.Reg.Index() >= 8 {
			rex |= 1
		}
	default:
		return encErr(ErrorKindBadOperands, "operand %s has no ModRM form", op)
	}
	if rex != 0 || x.rex {
		e.bytes(0x40 | rex)
	}
	e.code = append(e.code, x.opcode...)

	reg := byte(x.reg&7) << 3
	if op.IsReg() {
		e.bytes(0xC0 | reg | byte(op.Reg.Index()&7))
	} else if err := e.address(reg, op, x.immSize); err != nil {
		return err
	}
	if x.immSize > 0 {
		e.imm(x.imm, x.immSize)
	}
	return nil
}

// address appends ModRM, SIB and displacement of a memory operand.
// immSize is the number of immediate bytes following the displacement.
func (e *encoder) address(reg byte, op Operand, immSize int) error {
	index, scale := byte(4), byte(0)
	if op.HasIndex() {
		if !op.Index.IsGP() || op.Index == RegSP {
			return encErr(ErrorKindBadOperands, "invalid index register in %s", op)
		}
		index = byte(op.Index.Index() & 7)
		switch op.Scale {
		case 1:
		case 2:
			scale = 1
		case 4:
			scale = 2
		case 8:
			scale = 3
		default:
			return encErr(ErrorKindBadOperands, "invalid scale %d", op.Scale)
		}
	}

	switch {
	case op.Reg == RegIP:
		if op.HasIndex() {
			return encErr(ErrorKindBadOperands, "index with rip-relative base")
		}
		e.bytes(reg | 5)
		off := len(e.code)
		e.relocs = append(e.relocs, reloc{off: off, end: off + 4 + immSize, target: op.Val})
		e.imm(0, 4)
		return nil

	case op.Reg == RegNone:
		if !fitsSimm32(op.Val) {
			return encErr(ErrorKindUnsupportedOperands, "absolute address %#x out of range", op.Val)
		}
		e.bytes(reg|4, scale<<6|index<<3|5)
		e.imm(op.Val, 4)
		return nil

	case !op.Reg.IsGP():
		return encErr(ErrorKindBadOperands, "invalid base register in %s", op)
	}

	disp := int64(op.Val)
	base := byte(op.Reg.Index() & 7)
	var mod byte
	switch {
	case disp == 0 && base != 5:
	case disp == int64(int8(disp)):
		mod = 1
	case fitsSimm32(op.Val):
		mod = 2
	default:
		return encErr(ErrorKindUnsupportedOperands, "displacement %#x out of range", op.Val)
	}
	if op.HasIndex() || base == 4 {
		e.bytes(mod<<6|reg|4, scale<<6|index<<3|base)
	} else {
		e.bytes(mod<<6 | reg | base)
	}
	switch mod {
	case 1:
		e.bytes(byte(disp))
	case 2:
		e.imm(op.Val, 4)
	}
	return nil
}

// sizing returns the operand size prefix and REX.W for width w.
func sizing(w ValType) ([]byte, bool) {
	switch w {
	case VT16:
		return []byte{0x66}, false
	case VT64:
		return nil, true
	}
	return nil, false
}

// needsREX returns true for %spl, %bpl, %sil and %dil, which are only
// addressable with a REX prefix.
func needsREX(op Operand) bool {
	if !op.IsGPReg() || op.Width != VT8 {
		return false
	}
	i := op.Reg.Index()
	return i >= 4 && i <= 7
}

func fitsSimm8(v uint64) bool { return int64(v) == int64(int8(v)) }

// immSize returns the size of a full width immediate.
func immSize(w ValType) int {
	if n := w.Bytes(); n < 4 {
		return n
	}
	return 4
}

// opReg appends an instruction with the register encoded in the opcode byte.
func (e *encoder) opReg(prefixes []byte, w bool, op byte, reg Operand) {
	e.code = append(e.code, prefixes...)
	var rex byte
	if w {
		rex |= 8
	}
	if reg.Reg.Index() >= 8 {
		rex |= 1
	}
	if rex != 0 || needsREX(reg) {
		e.bytes(0x40 | rex)
	}
	e.bytes(op + byte(reg.Reg.Index()&7))
}

var aluDigit = map[InstrType]int{ITAdd: 0, ITOr: 1, ITAdc: 2, ITSbb: 3, ITAnd: 4, ITSub: 5, ITXor: 6, ITCmp: 7}

var unaryDigit = map[InstrType]int{
	ITInc: 0, ITDec: 1,
	ITNot: 2, ITNeg: 3, ITMul: 4, ITImul1: 5, ITDiv: 6, ITIdiv: 7,
}

var shiftDigit = map[InstrType]int{ITShl: 4, ITShr: 5, ITSar: 7}

// encode appends one captured instruction.
func (e *encoder) encode(instr *Instr) error {
	if instr.IsPassThrough() {
		return e.passThrough(instr)
	}

	switch t := instr.Type; {
	case t == ITNop:
		e.bytes(0x90)
		return nil
	case t == ITClc:
		e.bytes(0xF8)
		return nil
	case t == ITStc:
		e.bytes(0xF9)
		return nil
	case t == ITLeave:
		e.bytes(0xC9)
		return nil
	case t == ITRet:
		e.bytes(0xC3)
		return nil
	case t == ITCltq, t == ITCqto:
		if instr.VType == VT64 {
			e.bytes(0x48)
		}
		if t == ITCltq {
			e.bytes(0x98)
		} else {
			e.bytes(0x99)
		}
		return nil
	case t == ITPush:
		return e.push(instr.Dst)
	case t == ITPop:
		return e.pop(instr.Dst)
	case t == ITMov:
		return e.mov(instr.Dst, instr.Src)
	case t == ITMovsx, t == ITMovzx:
		return e.movExtend(instr)
	case t == ITLea:
		if !instr.Dst.IsGPReg() || !instr.Src.IsInd() {
			break
		}
		return e.regRM(instr.Dst, instr.Src, 0x8D)
	case t == ITTest:
		return e.test(instr.Dst, instr.Src)
	case t == ITImul:
		return e.imul(instr)
	case t == ITBsf:
		return e.regRM(instr.Dst, instr.Src, 0x0F, 0xBC)
	case t == ITCall:
		if !instr.Dst.IsImm() {
			break
		}
		e.bytes(0xE8)
		off := len(e.code)
		e.relocs = append(e.relocs, reloc{off: off, end: off + 4, target: instr.Dst.Val})
		e.imm(0, 4)
		return nil
	case t.IsCmov():
		cc, _ := t.Cond()
		return e.regRM(instr.Dst, instr.Src, 0x0F, 0x40+byte(cc))
	case t.IsSetcc():
		cc, _ := t.Cond()
		return e.rm(&rmInstr{rex: needsREX(instr.Dst), opcode: []byte{0x0F, 0x90 + byte(cc)}, rm: instr.Dst})
	}

	if d, ok := aluDigit[instr.Type]; ok {
		return e.alu(d, instr.Dst, instr.Src)
	}
	if d, ok := unaryDigit[instr.Type]; ok {
		return e.unary(d, instr)
	}
	if d, ok := shiftDigit[instr.Type]; ok {
		return e.shift(d, instr.Dst, instr.Src)
	}
	return encErr(ErrorKindUnsupportedInstr, "cannot encode %s", instr)
}

// regRM appends an instruction with a register destination and a register
// or memory source. Opcodes for 8-bit operation are not covered.
func (e *encoder) regRM(dst, src Operand, opcode ...byte) error {
	if !dst.IsGPReg() || !(src.IsGPReg() || src.IsInd()) {
		return encErr(ErrorKindBadOperands, "invalid operands %s, %s", src, dst)
	}
	pfx, w := sizing(dst.Width)
	return e.rm(&rmInstr{prefixes: pfx, w: w, opcode: opcode, reg: dst.Reg.Index(), rm: src})
}

func (e *encoder) mov(dst, src Operand) error {
	w := dst.Width
	pfx, rexW := sizing(w)
	switch {
	case src.IsImm() && dst.IsGPReg():
		v := src.Val & w.Mask()
		if w == VT64 {
			switch {
			case v <= math.MaxUint32:
				// Writing the 32-bit register clears the upper half.
				e.opReg(nil, false, 0xB8, dst)
				e.imm(v, 4)
				return nil
			case fitsSimm32(v):
				return e.rm(&rmInstr{w: true, opcode: []byte{0xC7}, rm: dst, immSize: 4, imm: v})
			}
			e.opReg(nil, true, 0xB8, dst)
			e.imm(v, 8)
			return nil
		}
		op := byte(0xB8)
		if w == VT8 {
			op = 0xB0
		}
		e.opReg(pfx, false, op, dst)
		e.imm(v, w.Bytes())
		return nil

	case src.IsImm() && dst.IsInd():
		if w == VT64 && !fitsSimm32(src.Val) {
			return encErr(ErrorKindUnsupportedOperands, "immediate %#x does not fit 32 bits", src.Val)
		}
		op := byte(0xC7)
		if w == VT8 {
			op = 0xC6
		}
		return e.rm(&rmInstr{prefixes: pfx, w: rexW, opcode: []byte{op}, rm: dst, immSize: immSize(w), imm: src.Val})

	case src.IsGPReg() && (dst.IsGPReg() || dst.IsInd()):
		op := byte(0x89)
		if w == VT8 {
			op = 0x88
		}
		return e.rm(&rmInstr{prefixes: pfx, w: rexW, rex: needsREX(src) || needsREX(dst), opcode: []byte{op}, reg: src.Reg.Index(), rm: dst})

	case dst.IsGPReg() && src.IsInd():
		op := byte(0x8B)
		if w == VT8 {
			op = 0x8A
		}
		return e.rm(&rmInstr{prefixes: pfx, w: rexW, rex: needsREX(dst), opcode: []byte{op}, reg: dst.Reg.Index(), rm: src})
	}
	return encErr(ErrorKindBadOperands, "invalid operands %s, %s", src, dst)
}

func (e *encoder) movExtend(instr *Instr) error {
	dst, src := instr.Dst, instr.Src
	if !dst.IsGPReg() || !(src.IsGPReg() || src.IsInd()) {
		return encErr(ErrorKindBadOperands, "invalid operands %s, %s", src, dst)
	}
	var opcode []byte
	switch src.Width {
	case VT8:
		opcode = []byte{0x0F, 0xB6}
	case VT16:
		opcode = []byte{0x0F, 0xB7}
	case VT32:
		if instr.Type != ITMovsx {
			return encErr(ErrorKindBadOperands, "invalid zero extension of %s", src)
		}
		opcode = []byte{0x63}
	default:
		return encErr(ErrorKindBadOperands, "invalid source width of %s", src)
	}
	if instr.Type == ITMovsx && src.Width != VT32 {
		opcode[1] += 8
	}
	pfx, w := sizing(dst.Width)
	return e.rm(&rmInstr{prefixes: pfx, w: w, rex: needsREX(src), opcode: opcode, reg: dst.Reg.Index(), rm: src})
}

func (e *encoder) alu(digit int, dst, src Operand) error {
	w := dst.Width
	pfx, rexW := sizing(w)
	base := byte(digit << 3)
	switch {
	case src.IsImm() && (dst.IsGPReg() || dst.IsInd()):
		v := src.Val & w.Mask()
		switch {
		case w == VT8:
			return e.rm(&rmInstr{rex: needsREX(dst), opcode: []byte{0x80}, reg: digit, rm: dst, immSize: 1, imm: v})
		case fitsSimm8(signExtend(v, w)):
			return e.rm(&rmInstr{prefixes: pfx, w: rexW, opcode: []byte{0x83}, reg: digit, rm: dst, immSize: 1, imm: v})
		case w == VT64 && !fitsSimm32(v):
			return encErr(ErrorKindUnsupportedOperands, "immediate %#x does not fit 32 bits", v)
		}
		return e.rm(&rmInstr{prefixes: pfx, w: rexW, opcode: []byte{0x81}, reg: digit, rm: dst, immSize: immSize(w), imm: v})

	case src.IsGPReg() && (dst.IsGPReg() || dst.IsInd()):
		op := base + 1
		if w == VT8 {
			op = base
		}
		return e.rm(&rmInstr{prefixes: pfx, w: rexW, rex: needsREX(src) || needsREX(dst), opcode: []byte{op}, reg: src.Reg.Index(), rm: dst})

	case dst.IsGPReg() && src.IsInd():
		op := base + 3
		if w == VT8 {
			op = base + 2
		}
		return e.rm(&rmInstr{prefixes: pfx, w: rexW, rex: needsREX(dst), opcode: []byte{op}, reg: dst.Reg.Index(), rm: src})
	}
	return encErr(ErrorKindBadOperands, "invalid operands %s, %s", src, dst)
}

func (e *encoder) test(dst, src Operand) error {
	if dst.IsGPReg() && src.IsInd() {
		dst, src = src, dst
	}
	w := dst.Width
	pfx, rexW := sizing(w)
	switch {
	case src.IsImm() && (dst.IsGPReg() || dst.IsInd()):
		if w == VT64 && !fitsSimm32(src.Val) {
			return encErr(ErrorKindUnsupportedOperands, "immediate %#x does not fit 32 bits", src.Val)
		}
		op := byte(0xF7)
		if w == VT8 {
			op = 0xF6
		}
		return e.rm(&rmInstr{prefixes: pfx, w: rexW, rex: needsREX(dst), opcode: []byte{op}, rm: dst, immSize: immSize(w), imm: src.Val})

	case src.IsGPReg() && (dst.IsGPReg() || dst.IsInd()):
		op := byte(0x85)
		if w == VT8 {
			op = 0x84
		}
		return e.rm(&rmInstr{prefixes: pfx, w: rexW, rex: needsREX(src) || needsREX(dst), opcode: []byte{op}, reg: src.Reg.Index(), rm: dst})
	}
	return encErr(ErrorKindBadOperands, "invalid operands %s, %s", src, dst)
}

func (e *encoder) unary(digit int, instr *Instr) error {
	dst := instr.Dst
	if !dst.IsGPReg() && !dst.IsInd() {
		return encErr(ErrorKindBadOperands, "invalid operand %s", dst)
	}
	w := dst.Width
	pfx, rexW := sizing(w)
	var op byte
	switch instr.Type {
	case ITInc, ITDec:
		op = 0xFF
	default:
		op = 0xF7
	}
	if w == VT8 {
		op--
	}
	return e.rm(&rmInstr{prefixes: pfx, w: rexW, rex: needsREX(dst), opcode: []byte{op}, reg: digit, rm: dst})
}

func (e *encoder) shift(digit int, dst, count Operand) error {
	if !dst.IsGPReg() && !dst.IsInd() {
		return encErr(ErrorKindBadOperands, "invalid operand %s", dst)
	}
	w := dst.Width
	pfx, rexW := sizing(w)
	x := &rmInstr{prefixes: pfx, w: rexW, rex: needsREX(dst), reg: digit, rm: dst}
	var op byte
	switch {
	case count.IsImm() && count.Val == 1:
		op = 0xD1
	case count.IsImm():
		op, x.immSize, x.imm = 0xC1, 1, count.Val
	case count.IsReg() && count.Reg == RegCX:
		op = 0xD3
	default:
		return encErr(ErrorKindBadOperands, "invalid shift count %s", count)
	}
	if w == VT8 {
		op--
	}
	x.opcode = []byte{op}
	return e.rm(x)
}

func (e *encoder) imul(instr *Instr) error {
	dst, src, imm := instr.Dst, instr.Src, instr.Src2
	if instr.Form == Form2 {
		if !src.IsImm() {
			return e.regRM(dst, src, 0x0F, 0xAF)
		}
		src, imm = dst, src
	}
	if !dst.IsGPReg() || dst.Width == VT8 || !imm.IsImm() || !(src.IsGPReg() || src.IsInd()) {
		return encErr(ErrorKindBadOperands, "invalid operands of %s", instr)
	}

	w := dst.Width
	pfx, rexW := sizing(w)
	v := imm.Val & w.Mask()
	x := &rmInstr{prefixes: pfx, w: rexW, reg: dst.Reg.Index(), rm: src, imm: v}
	switch {
	case fitsSimm8(signExtend(v, w)):
		x.opcode, x.immSize = []byte{0x6B}, 1
	case w == VT64 && !fitsSimm32(v):
		return encErr(ErrorKindUnsupportedOperands, "immediate %#x does not fit 32 bits", v)
	default:
		x.opcode, x.immSize = []byte{0x69}, immSize(w)
	}
	return e.rm(x)
}

func (e *encoder) push(op Operand) error {
	switch {
	case op.IsGPReg() && op.Width == VT64:
		e.opReg(nil, false, 0x50, op)
		return nil
	case op.IsImm():
		v := op.Val
		switch {
		case fitsSimm8(v):
			e.bytes(0x6A, byte(v))
			return nil
		case fitsSimm32(v):
			e.bytes(0x68)
			e.imm(v, 4)
			return nil
		}
		return encErr(ErrorKindUnsupportedOperands, "immediate %#x does not fit 32 bits", v)
	case op.IsInd():
		return e.rm(&rmInstr{opcode: []byte{0xFF}, reg: 6, rm: op})
	}
	return encErr(ErrorKindBadOperands, "invalid operand %s", op)
}

func (e *encoder) pop(op Operand) error {
	switch {
	case op.IsGPReg() && op.Width == VT64:
		e.opReg(nil, false, 0x58, op)
		return nil
	case op.IsInd():
		return e.rm(&rmInstr{opcode: []byte{0x8F}, rm: op})
	}
	return encErr(ErrorKindBadOperands, "invalid operand %s", op)
}

// passThrough re-emits the recorded prefixes and opcode bytes of an
// instruction with freshly encoded addressing bytes.
func (e *encoder) passThrough(instr *Instr) error {
	pt := &instr.PT
	var reg, rm Operand
	switch pt.Enc {
	case EncRM:
		reg, rm = instr.Dst, instr.Src
	case EncMR:
		reg, rm = instr.Src, instr.Dst
	default:
		return encErr(ErrorKindUnsupportedOperands, "unsupported pass-through encoding %d", pt.Enc)
	}
	if !reg.IsReg() {
		return encErr(ErrorKindBadOperands, "invalid operand %s", reg)
	}

	var pfx []byte
	if pt.Prefixes&Prefix2E != 0 {
		pfx = append(pfx, 0x2E)
	}
	switch {
	case pt.Prefixes&Prefix66 != 0:
		pfx = append(pfx, 0x66)
	case pt.Prefixes&PrefixF2 != 0:
		pfx = append(pfx, 0xF2)
	case pt.Prefixes&PrefixF3 != 0:
		pfx = append(pfx, 0xF3)
	}
	return e.rm(&rmInstr{
		prefixes: pfx,
		w:        pt.Prefixes&PrefixREXW != 0,
		opcode:   pt.Opcode[:pt.Len],
		reg:      reg.Reg.Index(),
		rm:       rm,
	})
}
