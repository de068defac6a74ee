package dbrew

// Reg identifies a machine register. General purpose registers are ordered
// as in the x86 encoding so that (r - RegAX) is the encoding index.
type Reg int

const (
	RegNone Reg = iota

	RegAX
	RegCX
	RegDX
	RegBX
	RegSP
	RegBP
	RegSI
	RegDI
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15

	RegIP

	RegX0
	RegX1
	RegX2
	RegX3
	RegX4
	RegX5
	RegX6
	RegX7
	RegX8
	RegX9
	RegX10
	RegX11
	RegX12
	RegX13
	RegX14
	RegX15

	regMax
)

// gpReg returns the general purpose register with encoding index i.
func gpReg(i int) Reg { return RegAX + Reg(i) }

// vecReg returns the vector register with encoding index i.
func vecReg(i int) Reg { return RegX0 + Reg(i) }

// IsGP returns true for RAX..R15.
func (r Reg) IsGP() bool { return r >= RegAX && r <= RegR15 }

// IsVector returns true for XMM/YMM registers.
func (r Reg) IsVector() bool { return r >= RegX0 && r <= RegX15 }

// Index returns the 4-bit encoding index of a GP or vector register.
func (r Reg) Index() int {
	switch {
	case r.IsGP():
		return int(r - RegAX)
	case r.IsVector():
		return int(r - RegX0)
	}
	return -1
}

// ValType is the width of a value or operand.
type ValType int

const (
	VTNone ValType = iota
	VTImplicit
	VT8
	VT16
	VT32
	VT64
	VT128
	VT256
)

// Bits returns the width in bits, or 0 for VTNone/VTImplicit.
func (t ValType) Bits() int {
	switch t {
	case VT8:
		return Width8
	case VT16:
		return Width16
	case VT32:
		return Width32
	case VT64:
		return Width64
	case VT128:
		return Width128
	case VT256:
		return Width256
	}
	return 0
}

// Bytes returns the width in bytes.
func (t ValType) Bytes() int { return t.Bits() / 8 }

// Mask returns the mask of value bits for integer widths up to 64.
func (t ValType) Mask() uint64 {
	if b := t.Bits(); b > 0 && b < 64 {
		return (uint64(1) << uint(b)) - 1
	}
	return ^uint64(0)
}

// vtForBits returns the value type with the given bit width.
func vtForBits(bits int) ValType {
	switch bits {
	case 8:
		return VT8
	case 16:
		return VT16
	case 32:
		return VT32
	case 64:
		return VT64
	case 128:
		return VT128
	case 256:
		return VT256
	}
	return VTNone
}

// signExtend sign-extends the low bits of v with width t to 64 bits.
func signExtend(v uint64, t ValType) uint64 {
	switch t {
	case VT8:
		return uint64(int64(int8(v)))
	case VT16:
		return uint64(int64(int16(v)))
	case VT32:
		return uint64(int64(int32(v)))
	}
	return v
}

// OpType is the kind of an operand.
type OpType int

const (
	OpNone OpType = iota
	OpImm
	OpReg
	OpInd
)

// Segment is a segment override of a memory operand.
type Segment int

const (
	SegNone Segment = iota
	SegFS
	SegGS
)

// Operand is an immediate, a register or a memory reference.
//
// For memory references Reg is the base register and Val the displacement.
// A RIP-relative reference has Reg == RegIP and Val holding the absolute
// target address.
type Operand struct {
	Type  OpType
	Width ValType
	Val   uint64
	Reg   Reg
	Index Reg
	Scale int
	Seg   Segment
}

// ImmOp returns an immediate operand.
func ImmOp(w ValType, v uint64) Operand {
	return Operand{Type: OpImm, Width: w, Val: v & w.Mask()}
}

// RegOp returns a register operand.
func RegOp(w ValType, r Reg) Operand {
	return Operand{Type: OpReg, Width: w, Reg: r}
}

// MemOp returns a memory operand with a base register and displacement.
func MemOp(w ValType, base Reg, disp int64) Operand {
	return Operand{Type: OpInd, Width: w, Reg: base, Val: uint64(disp)}
}

// IsImm returns true if o is an immediate.
func (o Operand) IsImm() bool { return o.Type == OpImm }

// IsReg returns true if o is a register.
func (o Operand) IsReg() bool { return o.Type == OpReg }

// IsGPReg returns true if o is a general purpose register.
func (o Operand) IsGPReg() bool { return o.Type == OpReg && o.Reg.IsGP() }

// IsVecReg returns true if o is a vector register.
func (o Operand) IsVecReg() bool { return o.Type == OpReg && o.Reg.IsVector() }

// IsInd returns true if o references memory.
func (o Operand) IsInd() bool { return o.Type == OpInd }

// HasIndex returns true if a memory operand uses a scaled index register.
func (o Operand) HasIndex() bool { return o.Scale > 0 && o.Index != RegNone }

// withWidth returns a copy of o with a different width.
func (o Operand) withWidth(w ValType) Operand {
	o.Width = w
	if o.Type == OpImm {
		o.Val &= w.Mask()
	}
	return o
}

// Cond is an x86 condition code as encoded in the low nibble of Jcc/SETcc/CMOVcc.
type Cond int

const (
	CondO Cond = iota
	CondNO
	CondB
	CondAE
	CondE
	CondNE
	CondBE
	CondA
	CondS
	CondNS
	CondP
	CondNP
	CondL
	CondGE
	CondLE
	CondG
)

// InstrType is the mnemonic-level tag of an instruction.
type InstrType int

const (
	ITNone InstrType = iota
	ITInvalid

	ITNop
	ITCltq
	ITCqto
	ITPush
	ITPop
	ITLeave
	ITMov
	ITMovsx
	ITMovzx
	ITLea

	ITCmovO // 16 conditional moves in condition code order
	ITCmovNO
	ITCmovB
	ITCmovAE
	ITCmovE
	ITCmovNE
	ITCmovBE
	ITCmovA
	ITCmovS
	ITCmovNS
	ITCmovP
	ITCmovNP
	ITCmovL
	ITCmovGE
	ITCmovLE
	ITCmovG

	ITNeg
	ITNot
	ITInc
	ITDec
	ITAdd
	ITAdc
	ITSub
	ITSbb
	ITImul
	ITMul
	ITImul1
	ITIdiv
	ITDiv
	ITXor
	ITAnd
	ITOr
	ITShl
	ITShr
	ITSar
	ITClc
	ITStc

	ITCall
	ITRet
	ITJmp
	ITJmpi

	ITJo // 16 conditional jumps in condition code order
	ITJno
	ITJb
	ITJae
	ITJe
	ITJne
	ITJbe
	ITJa
	ITJs
	ITJns
	ITJp
	ITJnp
	ITJl
	ITJge
	ITJle
	ITJg

	ITSetO // 16 SETcc in condition code order
	ITSetNO
	ITSetB
	ITSetAE
	ITSetE
	ITSetNE
	ITSetBE
	ITSetA
	ITSetS
	ITSetNS
	ITSetP
	ITSetNP
	ITSetL
	ITSetGE
	ITSetLE
	ITSetG

	ITCmp
	ITTest
	ITBsf

	// SSE
	ITPxor
	ITMovss
	ITMovsd
	ITMovups
	ITMovupd
	ITMovaps
	ITMovapd
	ITMovdqu
	ITMovdqa
	ITMovq
	ITMovd
	ITMovlps
	ITMovlpd
	ITMovhps
	ITMovhpd
	ITUnpcklps
	ITUnpcklpd
	ITUnpckhps
	ITUnpckhpd
	ITAddss
	ITAddsd
	ITAddps
	ITAddpd
	ITSubss
	ITSubsd
	ITSubps
	ITSubpd
	ITMulss
	ITMulsd
	ITMulps
	ITMulpd
	ITDivss
	ITDivsd
	ITDivps
	ITDivpd
	ITSqrtsd
	ITXorps
	ITXorpd
	ITAndps
	ITAndpd
	ITUcomiss
	ITUcomisd
	ITPcmpeqb
	ITPminub
	ITPmovmskb
	ITPaddq
	ITCvtsi2ss
	ITCvtsi2sd
	ITCvttss2si
	ITCvttsd2si
	ITCvtss2sd
	ITCvtsd2ss

	itMax
)

// IsJcc returns true for conditional jumps.
func (it InstrType) IsJcc() bool { return it >= ITJo && it <= ITJg }

// IsCmov returns true for conditional moves.
func (it InstrType) IsCmov() bool { return it >= ITCmovO && it <= ITCmovG }

// IsSetcc returns true for SETcc.
func (it InstrType) IsSetcc() bool { return it >= ITSetO && it <= ITSetG }

// Cond returns the condition code of a Jcc, SETcc or CMOVcc instruction.
func (it InstrType) Cond() (Cond, bool) {
	switch {
	case it.IsJcc():
		return Cond(it - ITJo), true
	case it.IsCmov():
		return Cond(it - ITCmovO), true
	case it.IsSetcc():
		return Cond(it - ITSetO), true
	}
	return 0, false
}

// Form is the number of explicit operands of an instruction.
type Form int

const (
	FormNone Form = iota
	Form0         // no operand or implicit
	Form1         // dst
	Form2         // dst = dst op src
	Form3         // dst = src op src2
)

// PrefixSet is a set of legacy/REX prefixes recorded for pass-through instructions.
type PrefixSet int

const (
	PrefixREX PrefixSet = 1 << iota
	PrefixREXW
	Prefix66
	PrefixF2
	PrefixF3
	Prefix2E
)

// OperandEncoding is the ModRM operand order of a pass-through instruction.
type OperandEncoding int

const (
	EncInvalid OperandEncoding = iota
	EncNone
	EncRM
	EncMR
	EncRMI
)

// StateChange describes the capture state effect of a pass-through instruction.
type StateChange int

const (
	StateChangeNone StateChange = iota
	StateChangeDstDynamic
)

// PassThrough annotates an instruction the generator re-emits from its
// recorded opcode bytes, regenerating only the ModRM addressing bytes.
type PassThrough struct {
	Prefixes  PrefixSet
	Opcode    [4]byte
	Len       int
	Enc       OperandEncoding
	Change    StateChange
	SetsFlags bool
}

// Instr is one decoded or captured instruction.
type Instr struct {
	Addr uint64
	Len  int
	Type InstrType

	// Width when implicit or common to all operands.
	VType ValType

	Form Form
	Dst  Operand
	Src  Operand
	Src2 Operand

	// Pass-through annotation, unused when PT.Len == 0.
	PT PassThrough
}

// IsPassThrough returns true if the instruction carries pass-through opcode bytes.
func (i *Instr) IsPassThrough() bool { return i.PT.Len > 0 }

// End returns the address following the instruction.
func (i *Instr) End() uint64 { return i.Addr + uint64(i.Len) }

// IsExit returns true if the instruction ends a decoded block.
func (i *Instr) IsExit() bool {
	switch i.Type {
	case ITCall, ITRet, ITJmp, ITJmpi, ITInvalid:
		return true
	}
	return i.Type.IsJcc()
}

func newInstr0(it InstrType) Instr {
	return Instr{Type: it, Form: Form0}
}

func newInstr1(it InstrType, vt ValType, dst Operand) Instr {
	return Instr{Type: it, VType: vt, Form: Form1, Dst: dst}
}

func newInstr2(it InstrType, vt ValType, dst, src Operand) Instr {
	return Instr{Type: it, VType: vt, Form: Form2, Dst: dst, Src: src}
}

func newInstr3(it InstrType, vt ValType, dst, src, src2 Operand) Instr {
	return Instr{Type: it, VType: vt, Form: Form3, Dst: dst, Src: src, Src2: src2}
}
