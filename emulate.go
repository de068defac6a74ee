package dbrew

import (
	"fmt"
	"math"
	"math/big"
	"math/bits"
)

// emuError returns an EmulationError for instr.
func (r *Rewriter) emuError(kind ErrorKind, instr *Instr, format string, args ...interface{}) error {
	return &EmulationError{Kind: kind, Addr: instr.Addr, Instr: instr, Msg: fmt.Sprintf(format, args...)}
}

// opAddr returns the effective address of a memory operand. The segment
// override is ignored.
func (r *Rewriter) opAddr(op Operand) EmuValue {
	es := r.es
	v := EmuValue{Val: op.Val, Type: VT64, State: Static}
	if op.Reg.IsGP() {
		v.Val += es.reg[op.Reg]
		v.State = Combine(v.State, liveState(es.regState[op.Reg]), false)
	}
	if op.HasIndex() {
		s := liveState(es.regState[op.Index])
		if s == StackRelative && op.Scale != 1 {
			s = Dynamic
		}
		v.Val += es.reg[op.Index] * uint64(op.Scale)
		v.State = Combine(v.State, s, false)
	}
	return v
}

// getOpValue returns the value of an operand with the operand's width.
func (r *Rewriter) getOpValue(instr *Instr, op Operand) (EmuValue, error) {
	switch op.Type {
	case OpImm:
		return EmuValue{Val: op.Val, Type: op.Width, State: Static}, nil
	case OpReg:
		if !op.Reg.IsGP() {
			return EmuValue{Type: op.Width, State: Dynamic}, nil
		}
		s := liveState(r.es.regState[op.Reg])
		if s == StackRelative && op.Width != VT64 {
			s = Dynamic
		}
		return EmuValue{Val: r.es.reg[op.Reg] & op.Width.Mask(), Type: op.Width, State: s}, nil
	case OpInd:
		return r.readMem(instr, op)
	}
	return EmuValue{Type: op.Width, State: Dynamic}, nil
}

// readMem reads a memory operand. Stack relative addresses read the emulated
// stack. Other addresses read real memory; the value is only known at
// rewrite time when read through a Static2 address.
func (r *Rewriter) readMem(instr *Instr, op Operand) (EmuValue, error) {
	t := op.Width
	dynamic := EmuValue{Type: t, State: Dynamic}
	if op.Seg != SegNone || t.Bits() == 0 || t.Bits() > 64 {
		return dynamic, nil
	}

	addr := r.opAddr(op)
	if addr.State == StackRelative {
		if r.es.inStack(addr.Val) {
			return r.es.readStack(addr.Val, t), nil
		}
		return dynamic, nil
	}

	v, err := readUint(r.mem, addr.Val, t)
	if err != nil {
		if addr.State == Static2 {
			return dynamic, r.emuError(ErrorKindMemoryFault, instr, "read %d bytes at %#x: %v", t.Bytes(), addr.Val, err)
		}
		return dynamic, nil
	}
	dynamic.Val = v
	if addr.State == Static2 {
		dynamic.State = Static2
	}
	return dynamic, nil
}

// setOpValue writes v to a register or memory operand. Only stack relative
// memory is written, other memory is left to the generated code.
func (r *Rewriter) setOpValue(instr *Instr, op Operand, v EmuValue) error {
	switch op.Type {
	case OpReg:
		if op.Reg.IsGP() {
			r.es.setRegWidth(op.Reg, op.Width, v)
		}
	case OpInd:
		if op.Seg != SegNone {
			return nil
		}
		addr := r.opAddr(op)
		if addr.State != StackRelative {
			return nil
		}
		if op.Width.Bits() > 64 {
			r.es.markStack(addr.Val, op.Width.Bytes(), Dynamic)
			return nil
		}
		v.Type = op.Width
		if !r.es.writeStack(addr.Val, v) {
			return overflow("stack", len(r.es.stack))
		}
	}
	return nil
}

// setRegWidth writes the low bits of a register. 32-bit writes clear the
// upper half, 8 and 16-bit writes merge with the old value.
func (es *EmuState) setRegWidth(reg Reg, t ValType, v EmuValue) {
	s := v.State
	switch t {
	case VT64:
		es.SetReg(reg, v.Val, s)
		return
	case VT32:
		if s == StackRelative {
			s = Dynamic
		}
		es.SetReg(reg, v.Val&VT32.Mask(), s)
		return
	}

	old, os := es.reg[reg], es.regState[reg]
	switch {
	case os == Dead && s != StackRelative:
	case IsStatic(os) && IsStatic(s):
		s = Combine(os, s, false)
	default:
		s = Dynamic
	}
	m := t.Mask()
	es.SetReg(reg, old&^m|v.Val&m, s)
}

// stackPointer returns the emulated stack pointer, which must be stack relative.
func (r *Rewriter) stackPointer(instr *Instr) (uint64, error) {
	if r.es.regState[RegSP] != StackRelative {
		return 0, r.emuError(ErrorKindUnsupportedOperands, instr, "stack pointer is not stack relative")
	}
	return r.es.reg[RegSP], nil
}

// push writes a 64-bit value below the stack pointer.
func (r *Rewriter) push(instr *Instr, v EmuValue) error {
	sp, err := r.stackPointer(instr)
	if err != nil {
		return err
	}
	sp -= 8
	v.Type = VT64
	if !r.es.writeStack(sp, v) {
		return overflow("stack", len(r.es.stack))
	}
	r.es.reg[RegSP] = sp
	return nil
}

// pop reads the 64-bit value at the stack pointer and releases it.
func (r *Rewriter) pop(instr *Instr) (EmuValue, error) {
	sp, err := r.stackPointer(instr)
	if err != nil {
		return EmuValue{}, err
	}
	v := r.es.readStack(sp, VT64)
	r.es.reg[RegSP] = sp + 8
	return v, nil
}

// Flags.

func parity(v uint64) bool { return bits.OnesCount8(uint8(v))%2 == 0 }

func signBit(v uint64, t ValType) bool { return v>>uint(t.Bits()-1)&1 != 0 }

// setFlags sets all tracked flags from a result of width t.
func (r *Rewriter) setFlags(t ValType, res uint64, cf, of bool, s CaptureState) {
	res &= t.Mask()
	es := r.es
	es.SetFlag(FlagCF, cf, s)
	es.SetFlag(FlagOF, of, s)
	es.SetFlag(FlagZF, res == 0, s)
	es.SetFlag(FlagSF, signBit(res, t), s)
	es.SetFlag(FlagPF, parity(res), s)
}

// setFlagsState changes the state of all flags, keeping their values.
func (r *Rewriter) setFlagsState(s CaptureState) {
	for f := Flag(0); f < flagMax; f++ {
		r.es.SetFlag(f, r.es.flag[f], s)
	}
}

// cond evaluates a condition code on the emulated flags.
func (r *Rewriter) cond(cc Cond) (bool, CaptureState) {
	es := r.es
	var v bool
	var s CaptureState
	switch cc &^ 1 {
	case CondO:
		v, s = es.Flag(FlagOF)
	case CondB:
		v, s = es.Flag(FlagCF)
	case CondE:
		v, s = es.Flag(FlagZF)
	case CondBE:
		cf, cs := es.Flag(FlagCF)
		zf, zs := es.Flag(FlagZF)
		v, s = cf || zf, CombineForFlags(cs, zs)
	case CondS:
		v, s = es.Flag(FlagSF)
	case CondP:
		v, s = es.Flag(FlagPF)
	case CondL:
		sf, ss := es.Flag(FlagSF)
		of, os := es.Flag(FlagOF)
		v, s = sf != of, CombineForFlags(ss, os)
	case CondLE:
		sf, ss := es.Flag(FlagSF)
		of, os := es.Flag(FlagOF)
		zf, zs := es.Flag(FlagZF)
		v, s = zf || sf != of, CombineForFlags(CombineForFlags(ss, os), zs)
	}
	if cc&1 != 0 {
		v = !v
	}
	return v, s
}

// Arithmetic.

// arith computes a two operand ALU operation of width t.
func arith(it InstrType, t ValType, a, b uint64, carry bool) (res uint64, cf, of bool) {
	m := t.Mask()
	a, b = a&m, b&m
	sign := uint64(1) << uint(t.Bits()-1)
	var c uint64
	if carry {
		c = 1
	}

	switch it {
	case ITAdd, ITAdc, ITInc:
		if t == VT64 {
			var co uint64
			res, co = bits.Add64(a, b, c)
			cf = co != 0
		} else {
			sum := a + b + c
			res, cf = sum&m, sum > m
		}
		of = (a^res)&(b^res)&sign != 0
	case ITSub, ITSbb, ITCmp, ITDec, ITNeg:
		if t == VT64 {
			var bo uint64
			res, bo = bits.Sub64(a, b, c)
			cf = bo != 0
		} else {
			res, cf = (a-b-c)&m, a < b+c
		}
		of = (a^b)&(a^res)&sign != 0
	case ITAnd, ITTest:
		res = a & b
	case ITOr:
		res = a | b
	case ITXor:
		res = a ^ b
	}
	return res, cf, of
}

// shift computes a shift of width t by a non-zero count.
func shift(it InstrType, t ValType, a uint64, n uint) (res uint64, cf, of bool) {
	m, w := t.Mask(), uint(t.Bits())
	a &= m
	switch it {
	case ITShl:
		res = (a << n) & m
		cf = n <= w && (a>>(w-n))&1 != 0
		of = signBit(res, t) != cf
	case ITShr:
		res = a >> n
		cf = n <= w && (a>>(n-1))&1 != 0
		of = signBit(a, t)
	case ITSar:
		sa := int64(signExtend(a, t))
		res = uint64(sa>>n) & m
		cf = (sa>>(n-1))&1 != 0
	}
	return res, cf, of
}

// multiply computes the double width product of a and b.
func multiply(signed bool, t ValType, a, b uint64) (lo, hi uint64, overflow bool) {
	m, w := t.Mask(), uint(t.Bits())
	a, b = a&m, b&m
	if t == VT64 {
		hi, lo = bits.Mul64(a, b)
		if !signed {
			return lo, hi, hi != 0
		}
		if int64(a) < 0 {
			hi -= b
		}
		if int64(b) < 0 {
			hi -= a
		}
		return lo, hi, hi != uint64(int64(lo)>>63)
	}
	if signed {
		p := int64(signExtend(a, t)) * int64(signExtend(b, t))
		lo, hi = uint64(p)&m, uint64(p>>w)&m
		return lo, hi, int64(signExtend(lo, t)) != p
	}
	p := a * b
	lo, hi = p&m, (p>>w)&m
	return lo, hi, hi != 0
}

// errDivide is returned for division by zero and quotient overflow.
var errDivide = fmt.Errorf("divide error")

// divide divides hi:lo by d with operand width t.
func divide(signed bool, t ValType, lo, hi, d uint64) (q, rem uint64, err error) {
	m, w := t.Mask(), uint(t.Bits())
	lo, hi, d = lo&m, hi&m, d&m
	if d == 0 {
		return 0, 0, errDivide
	}

	if t == VT64 {
		if !signed {
			if hi >= d {
				return 0, 0, errDivide
			}
			q, rem = bits.Div64(hi, lo, d)
			return q, rem, nil
		}
		n := new(big.Int).Lsh(big.NewInt(int64(hi)), 64)
		n.Or(n, new(big.Int).SetUint64(lo))
		bq, br := new(big.Int).QuoRem(n, big.NewInt(int64(d)), new(big.Int))
		if !bq.IsInt64() {
			return 0, 0, errDivide
		}
		return uint64(bq.Int64()), uint64(br.Int64()), nil
	}

	n := hi<<w | lo
	if !signed {
		q, rem = n/d, n%d
		if q > m {
			return 0, 0, errDivide
		}
		return q, rem, nil
	}
	sn := int64(signExtend(n, vtForBits(int(2*w))))
	sd := int64(signExtend(d, t))
	sq, sr := sn/sd, sn%sd
	if sq < -(int64(1)<<(w-1)) || sq >= int64(1)<<(w-1) {
		return 0, 0, errDivide
	}
	return uint64(sq) & m, uint64(sr) & m, nil
}

// imul64 reports whether a signed 64-bit product overflows.
func imul64(a, b int64) (int64, bool) {
	p := a * b
	if a == 0 || b == 0 {
		return p, false
	}
	return p, p/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64)
}

// emulateInstr emulates one instruction and captures its residual code.
// It returns the address to continue at, or 0 for the next instruction.
func (r *Rewriter) emulateInstr(instr *Instr) (uint64, error) {
	if instr.IsPassThrough() {
		return 0, r.emulatePassThrough(instr)
	}

	switch t := instr.Type; {
	case t.IsJcc():
		return r.emulateJcc(instr)
	case t.IsCmov():
		return 0, r.emulateCmov(instr)
	case t.IsSetcc():
		return 0, r.emulateSetcc(instr)
	}

	switch instr.Type {
	case ITNop:
		return 0, nil
	case ITMov, ITMovsx, ITMovzx:
		return 0, r.emulateMov(instr)
	case ITLea:
		return 0, r.emulateLea(instr)
	case ITAdd, ITAdc, ITSub, ITSbb, ITAnd, ITOr, ITXor:
		return 0, r.emulateBinary(instr)
	case ITCmp, ITTest:
		return 0, r.emulateCompare(instr)
	case ITShl, ITShr, ITSar:
		return 0, r.emulateShift(instr)
	case ITInc, ITDec, ITNeg, ITNot:
		return 0, r.emulateUnary(instr)
	case ITImul:
		return 0, r.emulateImul(instr)
	case ITMul, ITImul1:
		return 0, r.emulateMul(instr)
	case ITDiv, ITIdiv:
		return 0, r.emulateDiv(instr)
	case ITCltq, ITCqto:
		return 0, r.emulateSignExtend(instr)
	case ITBsf:
		return 0, r.emulateBsf(instr)
	case ITClc, ITStc:
		r.es.SetFlag(FlagCF, instr.Type == ITStc, Static)
		return 0, nil
	case ITPush:
		return 0, r.emulatePush(instr)
	case ITPop:
		return 0, r.emulatePop(instr)
	case ITLeave:
		return 0, r.emulateLeave(instr)
	case ITCall:
		return r.emulateCall(instr)
	case ITRet:
		return r.emulateRet(instr)
	case ITJmp:
		return instr.Dst.Val, nil
	case ITJmpi:
		return r.emulateJmpi(instr)
	case ITInvalid:
		return 0, r.emuError(ErrorKindUnsupportedInstr, instr, "invalid instruction")
	}
	return 0, r.emuError(ErrorKindUnsupportedInstr, instr, "no emulation for %s", instr.Type)
}

func (r *Rewriter) emulateMov(instr *Instr) error {
	v, err := r.getOpValue(instr, instr.Src)
	if err != nil {
		return err
	}
	switch instr.Type {
	case ITMovsx:
		v.Val = signExtend(v.Val, instr.Src.Width) & instr.Dst.Width.Mask()
	case ITMovzx:
	default:
		if instr.Src.IsImm() {
			v.Val &= instr.Dst.Width.Mask()
		}
	}
	if v.State == StackRelative && (instr.Type != ITMov || instr.Dst.Width != VT64) {
		v.State = Dynamic
	}
	v.Type = instr.Dst.Width

	if err := r.captureMov(instr, v); err != nil {
		return err
	}
	return r.setOpValue(instr, instr.Dst, v)
}

func (r *Rewriter) emulateLea(instr *Instr) error {
	v := r.opAddr(instr.Src)
	v.Type = instr.Dst.Width
	if v.Type != VT64 {
		v.Val &= v.Type.Mask()
		if v.State == StackRelative {
			v.State = Dynamic
		}
	}
	if err := r.captureLea(instr, &v); err != nil {
		return err
	}
	return r.setOpValue(instr, instr.Dst, v)
}

// binaryOperands returns the destination and source values of a two
// operand instruction. A register combined with itself by xor or sub is
// a static zero.
func (r *Rewriter) binaryOperands(instr *Instr) (a, b EmuValue, err error) {
	if a, err = r.getOpValue(instr, instr.Dst); err != nil {
		return a, b, err
	}
	if b, err = r.getOpValue(instr, instr.Src); err != nil {
		return a, b, err
	}
	b.Val &= instr.Dst.Width.Mask()
	b.Type = instr.Dst.Width

	if (instr.Type == ITXor || instr.Type == ITSub) &&
		instr.Dst.IsReg() && instr.Src.IsReg() && instr.Dst.Reg == instr.Src.Reg {
		a = EmuValue{Type: a.Type, State: Static}
		b = a
	}
	return a, b, nil
}

// arithState returns the state of an ALU result and of the flags it sets.
func arithState(it InstrType, a, b CaptureState) (res, flags CaptureState) {
	switch {
	case a == StackRelative && b == StackRelative && (it == ITSub || it == ITCmp):
		// The distance between two stack addresses is known.
		return Static, Static
	case b == StackRelative && (it == ITSub || it == ITCmp):
		res = Dynamic
	default:
		res = Combine(a, b, false)
	}
	if res == StackRelative && it != ITAdd && it != ITSub && it != ITCmp {
		res = Dynamic
	}
	return res, flagState(res)
}

func (r *Rewriter) emulateBinary(instr *Instr) error {
	a, b, err := r.binaryOperands(instr)
	if err != nil {
		return err
	}
	t := instr.Dst.Width

	var carry bool
	cs := Static
	if instr.Type == ITAdc || instr.Type == ITSbb {
		carry, cs = r.es.Flag(FlagCF)
	}
	res, cf, of := arith(instr.Type, t, a.Val, b.Val, carry)
	s, fs := arithState(instr.Type, a.State, b.State)
	if cs != Static {
		s, fs = Combine(s, cs, false), CombineForFlags(fs, cs)
	}
	v := EmuValue{Val: res, Type: t, State: s}

	if err := r.captureBinaryOp(instr, a, b, &v); err != nil {
		return err
	}
	r.setFlags(t, res, cf, of, fs)
	return r.setOpValue(instr, instr.Dst, v)
}

func (r *Rewriter) emulateCompare(instr *Instr) error {
	a, b, err := r.binaryOperands(instr)
	if err != nil {
		return err
	}
	t := instr.Dst.Width
	res, cf, of := arith(instr.Type, t, a.Val, b.Val, false)
	_, fs := arithState(instr.Type, a.State, b.State)
	if err := r.captureCompare(instr, a, b, fs); err != nil {
		return err
	}
	r.setFlags(t, res, cf, of, fs)
	return nil
}

func (r *Rewriter) emulateShift(instr *Instr) error {
	a, err := r.getOpValue(instr, instr.Dst)
	if err != nil {
		return err
	}
	c, err := r.getOpValue(instr, instr.Src)
	if err != nil {
		return err
	}
	t := instr.Dst.Width
	n := uint(c.Val & 31)
	if t == VT64 {
		n = uint(c.Val & 63)
	}
	if n == 0 && IsStatic(c.State) {
		// A shift by zero changes neither the value nor the flags.
		return nil
	}

	var res uint64
	var cf, of bool
	if n != 0 {
		res, cf, of = shift(instr.Type, t, a.Val, n)
	} else {
		res = a.Val
	}
	s := Combine(a.State, c.State, false)
	if s == StackRelative {
		s = Dynamic
	}
	v := EmuValue{Val: res, Type: t, State: s}
	count := EmuValue{Val: uint64(n), Type: VT8, State: c.State}
	if err := r.captureBinaryOp(instr, a, count, &v); err != nil {
		return err
	}
	r.setFlags(t, res, cf, of, flagState(v.State))
	return r.setOpValue(instr, instr.Dst, v)
}

func (r *Rewriter) emulateUnary(instr *Instr) error {
	a, err := r.getOpValue(instr, instr.Dst)
	if err != nil {
		return err
	}
	t := instr.Dst.Width
	s := a.State
	if s == StackRelative && instr.Type != ITInc && instr.Type != ITDec {
		s = Dynamic
	}
	if s == StackRelative && t != VT64 {
		s = Dynamic
	}
	v := EmuValue{Type: t, State: s}

	var cf, of bool
	switch instr.Type {
	case ITInc:
		v.Val, _, of = arith(ITAdd, t, a.Val, 1, false)
		cf, _ = r.es.Flag(FlagCF)
	case ITDec:
		v.Val, _, of = arith(ITSub, t, a.Val, 1, false)
		cf, _ = r.es.Flag(FlagCF)
	case ITNeg:
		v.Val, _, of = arith(ITSub, t, 0, a.Val, false)
		cf = a.Val&t.Mask() != 0
	case ITNot:
		v.Val = ^a.Val & t.Mask()
	}

	if err := r.captureUnaryOp(instr, &v); err != nil {
		return err
	}
	if instr.Type != ITNot {
		fs := flagState(v.State)
		_, cs := r.es.Flag(FlagCF)
		r.setFlags(t, v.Val, cf, of, fs)
		if instr.Type != ITNeg {
			// inc and dec leave CF alone.
			r.es.SetFlag(FlagCF, cf, cs)
		}
	}
	return r.setOpValue(instr, instr.Dst, v)
}

// emulateImul handles the two and three operand forms of imul.
func (r *Rewriter) emulateImul(instr *Instr) error {
	var a, b EmuValue
	var err error
	if instr.Form == Form3 {
		if a, err = r.getOpValue(instr, instr.Src); err != nil {
			return err
		}
		if b, err = r.getOpValue(instr, instr.Src2); err != nil {
			return err
		}
	} else if a, b, err = r.binaryOperands(instr); err != nil {
		return err
	}
	t := instr.Dst.Width

	var res uint64
	var of bool
	if t == VT64 {
		var p int64
		p, of = imul64(int64(a.Val), int64(b.Val))
		res = uint64(p)
	} else {
		res, _, of = multiply(true, t, a.Val, b.Val)
	}
	s := Combine(a.State, b.State, false)
	if s == StackRelative {
		s = Dynamic
	}
	v := EmuValue{Val: res, Type: t, State: s}

	if instr.Form == Form3 {
		err = r.captureImul3(instr, a, b, &v)
	} else {
		err = r.captureBinaryOp(instr, a, b, &v)
	}
	if err != nil {
		return err
	}
	r.setFlags(t, res, of, of, flagState(v.State))
	return r.setOpValue(instr, instr.Dst, v)
}

// emulateMul handles the one operand mul and imul writing RDX:RAX.
func (r *Rewriter) emulateMul(instr *Instr) error {
	src, err := r.getOpValue(instr, instr.Dst)
	if err != nil {
		return err
	}
	t := instr.Dst.Width
	ax := r.es.Reg(RegAX)
	lo, hi, of := multiply(instr.Type == ITImul1, t, ax.Val, src.Val)
	s := Combine(ax.State, src.State, false)
	if s == StackRelative {
		s = Dynamic
	}

	if !IsStatic(s) {
		if err := r.materializeReg(RegAX); err != nil {
			return err
		}
		if err := r.capture(*instr); err != nil {
			return err
		}
	}

	if t == VT8 {
		r.es.setRegWidth(RegAX, VT16, EmuValue{Val: hi<<8 | lo, State: s})
	} else {
		r.es.setRegWidth(RegAX, t, EmuValue{Val: lo, State: s})
		r.es.setRegWidth(RegDX, t, EmuValue{Val: hi, State: s})
	}
	r.setFlags(t, lo, of, of, flagState(s))
	return nil
}

// emulateDiv handles div and idiv. Results are only computed at rewrite
// time when dividend and divisor are known.
func (r *Rewriter) emulateDiv(instr *Instr) error {
	d, err := r.getOpValue(instr, instr.Dst)
	if err != nil {
		return err
	}
	t := instr.Dst.Width
	ax, dx := r.es.Reg(RegAX), r.es.Reg(RegDX)
	lo, hi := ax.Val, dx.Val
	s := Combine(ax.State, d.State, false)
	if t == VT8 {
		lo, hi = ax.Val&0xff, (ax.Val>>8)&0xff
	} else {
		s = Combine(s, dx.State, false)
	}
	if s == StackRelative {
		s = Dynamic
	}

	q, rem, err := divide(instr.Type == ITIdiv, t, lo, hi, d.Val)
	if err != nil && IsStatic(s) {
		return r.emuError(ErrorKindUnsupportedOperands, instr, "%v", err)
	}

	if !IsStatic(s) {
		if err := r.materializeReg(RegAX); err != nil {
			return err
		}
		if t != VT8 {
			if err := r.materializeReg(RegDX); err != nil {
				return err
			}
		}
		if err := r.capture(*instr); err != nil {
			return err
		}
		s = Dynamic
	}

	if t == VT8 {
		r.es.setRegWidth(RegAX, VT16, EmuValue{Val: rem<<8 | q, State: s})
	} else {
		r.es.setRegWidth(RegAX, t, EmuValue{Val: q, State: s})
		r.es.setRegWidth(RegDX, t, EmuValue{Val: rem, State: s})
	}
	r.setFlagsState(Dynamic)
	return nil
}

// emulateSignExtend handles cwtl/cltq and cltd/cqto.
func (r *Rewriter) emulateSignExtend(instr *Instr) error {
	ax := r.es.Reg(RegAX)
	s := ax.State
	if s == StackRelative {
		s = Dynamic
	}
	if !IsStatic(s) {
		if err := r.capture(*instr); err != nil {
			return err
		}
	}

	switch instr.Type {
	case ITCltq:
		if instr.VType == VT64 {
			r.es.SetReg(RegAX, signExtend(ax.Val, VT32), s)
		} else {
			r.es.SetReg(RegAX, signExtend(ax.Val, VT16)&VT32.Mask(), s)
		}
	case ITCqto:
		v := uint64(0)
		if signBit(ax.Val, instr.VType) {
			v = instr.VType.Mask()
		}
		r.es.SetReg(RegDX, v, s)
	}
	return nil
}

func (r *Rewriter) emulateBsf(instr *Instr) error {
	a, err := r.getOpValue(instr, instr.Src)
	if err != nil {
		return err
	}
	old, err := r.getOpValue(instr, instr.Dst)
	if err != nil {
		return err
	}
	t := instr.Dst.Width
	s := a.State
	if s == StackRelative {
		s = Dynamic
	}

	v := EmuValue{Val: old.Val, Type: t, State: s}
	zero := a.Val&t.Mask() == 0
	if zero {
		v.State = Combine(s, old.State, false)
	} else {
		v.Val = uint64(bits.TrailingZeros64(a.Val & t.Mask()))
	}

	if IsStatic(v.State) {
		if err := r.captureStatic(instr, v); err != nil {
			return err
		}
	} else if err := r.capture(*instr); err != nil {
		return err
	}

	r.setFlagsState(Dynamic)
	r.es.SetFlag(FlagZF, zero, flagState(s))
	return r.setOpValue(instr, instr.Dst, v)
}

func (r *Rewriter) emulateCmov(instr *Instr) error {
	cc, _ := instr.Type.Cond()
	taken, cs := r.cond(cc)
	v, err := r.getOpValue(instr, instr.Src)
	if err != nil {
		return err
	}
	dst := instr.Dst
	v.Type = dst.Width
	if v.State == StackRelative && dst.Width != VT64 {
		v.State = Dynamic
	}

	if IsStatic(cs) {
		if taken {
			mov := newInstr2(ITMov, dst.Width, dst, instr.Src)
			mov.Addr, mov.Len = instr.Addr, instr.Len
			if err := r.captureMov(&mov, v); err != nil {
				return err
			}
			return r.setOpValue(instr, dst, v)
		}
		if dst.Width != VT32 {
			return nil
		}
		// The upper half is cleared even if the move is not done.
		old, _ := r.getOpValue(instr, dst)
		if !old.IsStatic() && r.es.regState[dst.Reg] != Dead {
			if err := r.capture(newInstr2(ITMov, VT32, dst, dst)); err != nil {
				return err
			}
		}
		return r.setOpValue(instr, dst, old)
	}

	old, err := r.getOpValue(instr, dst)
	if err != nil {
		return err
	}
	if err := r.capture(*instr); err != nil {
		return err
	}
	res := old
	if taken {
		res = v
	}
	res.State = Dynamic
	return r.setOpValue(instr, dst, res)
}

func (r *Rewriter) emulateSetcc(instr *Instr) error {
	cc, _ := instr.Type.Cond()
	taken, cs := r.cond(cc)
	v := EmuValue{Val: boolVal(taken), Type: VT8, State: cs}
	if IsStatic(cs) {
		if err := r.captureStatic(instr, v); err != nil {
			return err
		}
	} else {
		if err := r.capture(*instr); err != nil {
			return err
		}
		v.State = Dynamic
	}
	return r.setOpValue(instr, instr.Dst, v)
}

func (r *Rewriter) emulatePush(instr *Instr) error {
	v, err := r.getOpValue(instr, instr.Dst)
	if err != nil {
		return err
	}
	if instr.Dst.IsImm() {
		v.Val = signExtend(v.Val, VT32)
	}
	if err := r.capturePush(instr, v); err != nil {
		return err
	}
	return r.push(instr, v)
}

func (r *Rewriter) emulatePop(instr *Instr) error {
	sp, err := r.stackPointer(instr)
	if err != nil {
		return err
	}
	if err := r.capturePop(instr, sp); err != nil {
		return err
	}
	v, err := r.pop(instr)
	if err != nil {
		return err
	}
	return r.setOpValue(instr, instr.Dst, v)
}

// emulateLeave moves the frame pointer into the stack pointer and pops the
// frame pointer.
func (r *Rewriter) emulateLeave(instr *Instr) error {
	bp := r.es.Reg(RegBP)
	if bp.State != StackRelative {
		return r.emuError(ErrorKindUnsupportedOperands, instr, "frame pointer is not stack relative")
	}
	if err := r.captureLeave(instr, bp.Val); err != nil {
		return err
	}
	r.es.SetReg(RegSP, bp.Val, StackRelative)
	v, err := r.pop(instr)
	if err != nil {
		return err
	}
	r.es.SetReg(RegBP, v.Val, v.State)
	return nil
}

// branchTarget resolves the target of an indirect call or jump. Values
// loaded from a static address are assumed constant, which follows
// resolved PLT entries.
func (r *Rewriter) branchTarget(instr *Instr) (uint64, error) {
	op := instr.Dst
	switch {
	case op.IsImm():
		return op.Val, nil
	case op.IsInd() && op.Seg == SegNone:
		if addr := r.opAddr(op); IsStatic(addr.State) {
			v, err := readUint(r.mem, addr.Val, VT64)
			if err != nil {
				return 0, r.emuError(ErrorKindMemoryFault, instr, "read target at %#x: %v", addr.Val, err)
			}
			return v, nil
		}
	}
	v, err := r.getOpValue(instr, op)
	if err != nil {
		return 0, err
	} else if !v.IsStatic() || v.Val == 0 {
		return 0, r.emuError(ErrorKindUnsupportedOperands, instr, "target is not static")
	}
	return v.Val, nil
}

func (r *Rewriter) emulateCall(instr *Instr) (uint64, error) {
	target, err := r.branchTarget(instr)
	if err != nil {
		return 0, err
	}

	h := r.handlers[target]
	switch h {
	case MarkDynamic:
		if err := r.materializeReg(RegDI); err != nil {
			return 0, err
		}
		if r.es.regState[RegDI] != Dead {
			r.es.regState[RegDI] = Dynamic
		}
	case MarkStatic:
		r.es.regState[RegDI] = Static2
	}

	if h == KeepCall || r.es.depth >= r.config.MaxCallDepth {
		return 0, r.captureCall(instr, target)
	}

	ret := instr.End()
	if err := r.capture(leaRSP(-8)); err != nil {
		return 0, err
	}
	if err := r.push(instr, EmuValue{Val: ret, State: Dynamic}); err != nil {
		return 0, err
	}
	r.es.retStack = append(r.es.retStack, ret)
	r.es.depth++
	return target, nil
}

func (r *Rewriter) emulateRet(instr *Instr) (uint64, error) {
	es := r.es
	if es.depth == 0 {
		r.result = es.reg[RegAX]
		if err := r.captureRet(instr); err != nil {
			return 0, err
		}
		r.endBlock()
		return 0, nil
	}

	v, err := r.pop(instr)
	if err != nil {
		return 0, err
	}
	exp := es.retStack[len(es.retStack)-1]
	if v.Val != exp {
		return 0, r.emuError(ErrorKindBadReturn, instr, "return to %#x, expected %#x", v.Val, exp)
	}
	es.retStack = es.retStack[:len(es.retStack)-1]
	es.depth--
	if err := r.capture(leaRSP(8)); err != nil {
		return 0, err
	}
	return exp, nil
}

func (r *Rewriter) emulateJmpi(instr *Instr) (uint64, error) {
	return r.branchTarget(instr)
}

func (r *Rewriter) emulateJcc(instr *Instr) (uint64, error) {
	cc, _ := instr.Type.Cond()
	taken, s := r.cond(cc)
	target := instr.Dst.Val
	if IsStatic(s) || r.branchesKnown || r.emulating {
		if taken {
			return target, nil
		}
		return instr.End(), nil
	}
	return 0, r.splitBlock(cc, target, instr.End(), taken)
}

// emulatePassThrough captures an SSE instruction. Vector registers are not
// tracked; general purpose and stack destinations become dynamic.
func (r *Rewriter) emulatePassThrough(instr *Instr) error {
	if err := r.capture(*instr); err != nil {
		return err
	}
	if instr.PT.SetsFlags {
		r.setFlagsState(Dynamic)
	}
	if instr.PT.Change != StateChangeDstDynamic {
		return nil
	}

	dst := instr.Dst
	switch {
	case dst.IsGPReg():
		r.es.setRegWidth(dst.Reg, dst.Width, EmuValue{Val: r.es.reg[dst.Reg], State: Dynamic})
	case dst.IsInd() && dst.Seg == SegNone:
		if addr := r.opAddr(dst); addr.State == StackRelative {
			r.es.markStack(addr.Val, dst.Width.Bytes(), Dynamic)
		}
	}
	return nil
}
