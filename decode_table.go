package dbrew

// opEnc describes where the operands of an opcode come from.
type opEnc int

const (
	encNone  opEnc = iota // unknown opcode
	encZ                  // no explicit operand
	encRM                 // reg, r/m
	encMR                 // r/m, reg
	encMI                 // r/m, imm
	encRMI                // reg, r/m, imm
	encOI                 // register in opcode, imm
	encO                  // register in opcode
	encI                  // accumulator, imm
	encImm                // imm only
	encM                  // r/m only
	encM1                 // r/m, 1
	encMC                 // r/m, %cl
	encD                  // relative branch target
	encGroup              // ModRM reg field selects from group
)

// widthRule gives the operand width of an opcode.
type widthRule int

const (
	widthV     widthRule = iota // 32, 64 with REX.W, 16 with 66
	widthB                      // 8
	widthQ                      // 64, 16 with 66
	widthFixed                  // opcode.fixed
)

// immRule gives the immediate size of an opcode.
type immRule int

const (
	immNone immRule = iota
	imm8
	immZ // 16 or 32 bits, sign-extended to the operand width
	immV // full operand width
	imm32
)

// regClass is the register file a ModRM register field refers to.
type regClass int

const (
	classGP regClass = iota
	classXMM
)

// opcode is one entry of a decoding table.
type opcode struct {
	typ   InstrType
	enc   opEnc
	width widthRule
	fixed ValType // width of SSE memory operands and widthFixed
	imm   immRule
	src   ValType // width of the r/m operand for movzx/movsx

	reg, rm regClass
	memOnly bool

	// SSE instructions are re-emitted from their opcode bytes.
	pass  bool
	flags bool // sets flags, no destination write

	group *[8]opcode
}

// Mandatory prefix index for the 0F table.
const (
	ppNone = iota
	pp66
	ppF3
	ppF2
)

var (
	opcodes1 [256]opcode
	opcodes2 [4][256]opcode
)

func init() {
	initOneByteOpcodes()
	initTwoByteOpcodes()
	initSSEOpcodes()
}

func initOneByteOpcodes() {
	alu := [8]InstrType{ITAdd, ITOr, ITAdc, ITSbb, ITAnd, ITSub, ITXor, ITCmp}
	var grp80, grp81, grp83 [8]opcode
	for i, typ := range alu {
		b := i << 3
		opcodes1[b+0] = opcode{typ: typ, enc: encMR, width: widthB}
		opcodes1[b+1] = opcode{typ: typ, enc: encMR}
		opcodes1[b+2] = opcode{typ: typ, enc: encRM, width: widthB}
		opcodes1[b+3] = opcode{typ: typ, enc: encRM}
		opcodes1[b+4] = opcode{typ: typ, enc: encI, width: widthB, imm: imm8}
		opcodes1[b+5] = opcode{typ: typ, enc: encI, imm: immZ}

		grp80[i] = opcode{typ: typ, enc: encMI, width: widthB, imm: imm8}
		grp81[i] = opcode{typ: typ, enc: encMI, imm: immZ}
		grp83[i] = opcode{typ: typ, enc: encMI, imm: imm8}
	}
	opcodes1[0x80] = opcode{enc: encGroup, group: &grp80}
	opcodes1[0x81] = opcode{enc: encGroup, group: &grp81}
	opcodes1[0x83] = opcode{enc: encGroup, group: &grp83}

	for i := 0; i < 8; i++ {
		opcodes1[0x50+i] = opcode{typ: ITPush, enc: encO, width: widthQ}
		opcodes1[0x58+i] = opcode{typ: ITPop, enc: encO, width: widthQ}
		opcodes1[0xB0+i] = opcode{typ: ITMov, enc: encOI, width: widthB, imm: imm8}
		opcodes1[0xB8+i] = opcode{typ: ITMov, enc: encOI, imm: immV}
	}
	for cc := 0; cc < 16; cc++ {
		opcodes1[0x70+cc] = opcode{typ: ITJo + InstrType(cc), enc: encD, imm: imm8}
	}

	opcodes1[0x63] = opcode{typ: ITMovsx, enc: encRM, src: VT32}
	opcodes1[0x68] = opcode{typ: ITPush, enc: encImm, width: widthQ, imm: imm32}
	opcodes1[0x69] = opcode{typ: ITImul, enc: encRMI, imm: immZ}
	opcodes1[0x6A] = opcode{typ: ITPush, enc: encImm, width: widthQ, imm: imm8}
	opcodes1[0x6B] = opcode{typ: ITImul, enc: encRMI, imm: imm8}
	opcodes1[0x84] = opcode{typ: ITTest, enc: encMR, width: widthB}
	opcodes1[0x85] = opcode{typ: ITTest, enc: encMR}
	opcodes1[0x88] = opcode{typ: ITMov, enc: encMR, width: widthB}
	opcodes1[0x89] = opcode{typ: ITMov, enc: encMR}
	opcodes1[0x8A] = opcode{typ: ITMov, enc: encRM, width: widthB}
	opcodes1[0x8B] = opcode{typ: ITMov, enc: encRM}
	opcodes1[0x8D] = opcode{typ: ITLea, enc: encRM, memOnly: true}
	opcodes1[0x8F] = opcode{enc: encGroup, group: &[8]opcode{
		0: {typ: ITPop, enc: encM, width: widthQ},
	}}
	opcodes1[0x90] = opcode{typ: ITNop, enc: encZ}
	opcodes1[0x98] = opcode{typ: ITCltq, enc: encZ}
	opcodes1[0x99] = opcode{typ: ITCqto, enc: encZ}
	opcodes1[0xA8] = opcode{typ: ITTest, enc: encI, width: widthB, imm: imm8}
	opcodes1[0xA9] = opcode{typ: ITTest, enc: encI, imm: immZ}
	opcodes1[0xC3] = opcode{typ: ITRet, enc: encZ}
	opcodes1[0xC6] = opcode{enc: encGroup, group: &[8]opcode{
		0: {typ: ITMov, enc: encMI, width: widthB, imm: imm8},
	}}
	opcodes1[0xC7] = opcode{enc: encGroup, group: &[8]opcode{
		0: {typ: ITMov, enc: encMI, imm: immZ},
	}}
	opcodes1[0xC9] = opcode{typ: ITLeave, enc: encZ}
	opcodes1[0xE8] = opcode{typ: ITCall, enc: encD, imm: imm32}
	opcodes1[0xE9] = opcode{typ: ITJmp, enc: encD, imm: imm32}
	opcodes1[0xEB] = opcode{typ: ITJmp, enc: encD, imm: imm8}

	// Shifts. /6 is an alias of shl.
	var grpC0, grpC1, grpD0, grpD1, grpD2, grpD3 [8]opcode
	for digit, typ := range map[int]InstrType{4: ITShl, 5: ITShr, 6: ITShl, 7: ITSar} {
		grpC0[digit] = opcode{typ: typ, enc: encMI, width: widthB, imm: imm8}
		grpC1[digit] = opcode{typ: typ, enc: encMI, imm: imm8}
		grpD0[digit] = opcode{typ: typ, enc: encM1, width: widthB}
		grpD1[digit] = opcode{typ: typ, enc: encM1}
		grpD2[digit] = opcode{typ: typ, enc: encMC, width: widthB}
		grpD3[digit] = opcode{typ: typ, enc: encMC}
	}
	opcodes1[0xC0] = opcode{enc: encGroup, group: &grpC0}
	opcodes1[0xC1] = opcode{enc: encGroup, group: &grpC1}
	opcodes1[0xD0] = opcode{enc: encGroup, group: &grpD0}
	opcodes1[0xD1] = opcode{enc: encGroup, group: &grpD1}
	opcodes1[0xD2] = opcode{enc: encGroup, group: &grpD2}
	opcodes1[0xD3] = opcode{enc: encGroup, group: &grpD3}

	opcodes1[0xF6] = opcode{enc: encGroup, group: &[8]opcode{
		0: {typ: ITTest, enc: encMI, width: widthB, imm: imm8},
		2: {typ: ITNot, enc: encM, width: widthB},
		3: {typ: ITNeg, enc: encM, width: widthB},
		4: {typ: ITMul, enc: encM, width: widthB},
		5: {typ: ITImul1, enc: encM, width: widthB},
		6: {typ: ITDiv, enc: encM, width: widthB},
		7: {typ: ITIdiv, enc: encM, width: widthB},
	}}
	opcodes1[0xF7] = opcode{enc: encGroup, group: &[8]opcode{
		0: {typ: ITTest, enc: encMI, imm: immZ},
		2: {typ: ITNot, enc: encM},
		3: {typ: ITNeg, enc: encM},
		4: {typ: ITMul, enc: encM},
		5: {typ: ITImul1, enc: encM},
		6: {typ: ITDiv, enc: encM},
		7: {typ: ITIdiv, enc: encM},
	}}
	opcodes1[0xFE] = opcode{enc: encGroup, group: &[8]opcode{
		0: {typ: ITInc, enc: encM, width: widthB},
		1: {typ: ITDec, enc: encM, width: widthB},
	}}
	opcodes1[0xFF] = opcode{enc: encGroup, group: &[8]opcode{
		0: {typ: ITInc, enc: encM},
		1: {typ: ITDec, enc: encM},
		2: {typ: ITCall, enc: encM, width: widthQ},
		4: {typ: ITJmpi, enc: encM, width: widthQ},
		6: {typ: ITPush, enc: encM, width: widthQ},
	}}
}

func initTwoByteOpcodes() {
	t := &opcodes2[ppNone]
	for cc := 0; cc < 16; cc++ {
		t[0x40+cc] = opcode{typ: ITCmovO + InstrType(cc), enc: encRM}
		t[0x80+cc] = opcode{typ: ITJo + InstrType(cc), enc: encD, imm: imm32}
		t[0x90+cc] = opcode{typ: ITSetO + InstrType(cc), enc: encM, width: widthB}
	}
	t[0x1F] = opcode{typ: ITNop, enc: encM}
	t[0xAF] = opcode{typ: ITImul, enc: encRM}
	t[0xB6] = opcode{typ: ITMovzx, enc: encRM, src: VT8}
	t[0xB7] = opcode{typ: ITMovzx, enc: encRM, src: VT16}
	t[0xBC] = opcode{typ: ITBsf, enc: encRM}
	t[0xBE] = opcode{typ: ITMovsx, enc: encRM, src: VT8}
	t[0xBF] = opcode{typ: ITMovsx, enc: encRM, src: VT16}
}

// sse returns a pass-through table entry with XMM operands.
func sse(typ InstrType, enc opEnc, fixed ValType) opcode {
	return opcode{typ: typ, enc: enc, width: widthFixed, fixed: fixed, reg: classXMM, rm: classXMM, pass: true}
}

func initSSEOpcodes() {
	none, p66, f3, f2 := &opcodes2[ppNone], &opcodes2[pp66], &opcodes2[ppF3], &opcodes2[ppF2]

	none[0x10] = sse(ITMovups, encRM, VT128)
	p66[0x10] = sse(ITMovupd, encRM, VT128)
	f3[0x10] = sse(ITMovss, encRM, VT32)
	f2[0x10] = sse(ITMovsd, encRM, VT64)
	none[0x11] = sse(ITMovups, encMR, VT128)
	p66[0x11] = sse(ITMovupd, encMR, VT128)
	f3[0x11] = sse(ITMovss, encMR, VT32)
	f2[0x11] = sse(ITMovsd, encMR, VT64)

	none[0x12] = sse(ITMovlps, encRM, VT64)
	p66[0x12] = sse(ITMovlpd, encRM, VT64)
	none[0x13] = sse(ITMovlps, encMR, VT64)
	p66[0x13] = sse(ITMovlpd, encMR, VT64)
	none[0x14] = sse(ITUnpcklps, encRM, VT128)
	p66[0x14] = sse(ITUnpcklpd, encRM, VT128)
	none[0x15] = sse(ITUnpckhps, encRM, VT128)
	p66[0x15] = sse(ITUnpckhpd, encRM, VT128)
	none[0x16] = sse(ITMovhps, encRM, VT64)
	p66[0x16] = sse(ITMovhpd, encRM, VT64)
	none[0x17] = sse(ITMovhps, encMR, VT64)
	p66[0x17] = sse(ITMovhpd, encMR, VT64)

	none[0x28] = sse(ITMovaps, encRM, VT128)
	p66[0x28] = sse(ITMovapd, encRM, VT128)
	none[0x29] = sse(ITMovaps, encMR, VT128)
	p66[0x29] = sse(ITMovapd, encMR, VT128)

	f3[0x2A] = opcode{typ: ITCvtsi2ss, enc: encRM, reg: classXMM, rm: classGP, pass: true}
	f2[0x2A] = opcode{typ: ITCvtsi2sd, enc: encRM, reg: classXMM, rm: classGP, pass: true}
	f3[0x2C] = opcode{typ: ITCvttss2si, enc: encRM, fixed: VT32, reg: classGP, rm: classXMM, pass: true}
	f2[0x2C] = opcode{typ: ITCvttsd2si, enc: encRM, fixed: VT64, reg: classGP, rm: classXMM, pass: true}

	none[0x2E] = sse(ITUcomiss, encRM, VT32)
	none[0x2E].flags = true
	p66[0x2E] = sse(ITUcomisd, encRM, VT64)
	p66[0x2E].flags = true

	f2[0x51] = sse(ITSqrtsd, encRM, VT64)
	none[0x54] = sse(ITAndps, encRM, VT128)
	p66[0x54] = sse(ITAndpd, encRM, VT128)
	none[0x57] = sse(ITXorps, encRM, VT128)
	p66[0x57] = sse(ITXorpd, encRM, VT128)

	arith := []struct {
		b              byte
		ps, pd, ss, sd InstrType
	}{
		{0x58, ITAddps, ITAddpd, ITAddss, ITAddsd},
		{0x59, ITMulps, ITMulpd, ITMulss, ITMulsd},
		{0x5C, ITSubps, ITSubpd, ITSubss, ITSubsd},
		{0x5E, ITDivps, ITDivpd, ITDivss, ITDivsd},
	}
	for _, a := range arith {
		none[a.b] = sse(a.ps, encRM, VT128)
		p66[a.b] = sse(a.pd, encRM, VT128)
		f3[a.b] = sse(a.ss, encRM, VT32)
		f2[a.b] = sse(a.sd, encRM, VT64)
	}
	f3[0x5A] = sse(ITCvtss2sd, encRM, VT32)
	f2[0x5A] = sse(ITCvtsd2ss, encRM, VT64)

	p66[0x6E] = opcode{typ: ITMovd, enc: encRM, reg: classXMM, rm: classGP, pass: true}
	p66[0x6F] = sse(ITMovdqa, encRM, VT128)
	f3[0x6F] = sse(ITMovdqu, encRM, VT128)
	p66[0x74] = sse(ITPcmpeqb, encRM, VT128)
	p66[0x7E] = opcode{typ: ITMovd, enc: encMR, reg: classXMM, rm: classGP, pass: true}
	f3[0x7E] = sse(ITMovq, encRM, VT64)
	p66[0x7F] = sse(ITMovdqa, encMR, VT128)
	f3[0x7F] = sse(ITMovdqu, encMR, VT128)
	p66[0xD4] = sse(ITPaddq, encRM, VT128)
	p66[0xD6] = sse(ITMovq, encMR, VT64)
	p66[0xD7] = opcode{typ: ITPmovmskb, enc: encRM, reg: classGP, rm: classXMM, pass: true}
	p66[0xDA] = sse(ITPminub, encRM, VT128)
	p66[0xEF] = sse(ITPxor, encRM, VT128)
}
