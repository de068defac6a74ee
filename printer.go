package dbrew

import (
	"fmt"
	"strings"
)

var regNames64 = [...]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi", "r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}
var regNames32 = [...]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi", "r8d", "r9d", "r10d", "r11d", "r12d", "r13d", "r14d", "r15d"}
var regNames16 = [...]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di", "r8w", "r9w", "r10w", "r11w", "r12w", "r13w", "r14w", "r15w"}
var regNames8 = [...]string{"al", "cl", "dl", "bl", "spl", "bpl", "sil", "dil", "r8b", "r9b", "r10b", "r11b", "r12b", "r13b", "r14b", "r15b"}

var condNames = [16]string{"o", "no", "b", "ae", "e", "ne", "be", "a", "s", "ns", "p", "np", "l", "ge", "le", "g"}

var instrNames = map[InstrType]string{
	ITInvalid: "(invalid)",
	ITNop:     "nop",
	ITPush:    "push",
	ITPop:     "pop",
	ITLeave:   "leave",
	ITMov:     "mov",
	ITLea:     "lea",
	ITNeg:     "neg",
	ITNot:     "not",
	ITInc:     "inc",
	ITDec:     "dec",
	ITAdd:     "add",
	ITAdc:     "adc",
	ITSub:     "sub",
	ITSbb:     "sbb",
	ITImul:    "imul",
	ITImul1:   "imul",
	ITMul:     "mul",
	ITIdiv:    "idiv",
	ITDiv:     "div",
	ITXor:     "xor",
	ITAnd:     "and",
	ITOr:      "or",
	ITShl:     "shl",
	ITShr:     "shr",
	ITSar:     "sar",
	ITClc:     "clc",
	ITStc:     "stc",
	ITCall:    "call",
	ITRet:     "ret",
	ITJmp:     "jmp",
	ITJmpi:    "jmp",
	ITCmp:     "cmp",
	ITTest:    "test",
	ITBsf:     "bsf",

	ITPxor:      "pxor",
	ITMovss:     "movss",
	ITMovsd:     "movsd",
	ITMovups:    "movups",
	ITMovupd:    "movupd",
	ITMovaps:    "movaps",
	ITMovapd:    "movapd",
	ITMovdqu:    "movdqu",
	ITMovdqa:    "movdqa",
	ITMovq:      "movq",
	ITMovd:      "movd",
	ITMovlps:    "movlps",
	ITMovlpd:    "movlpd",
	ITMovhps:    "movhps",
	ITMovhpd:    "movhpd",
	ITUnpcklps:  "unpcklps",
	ITUnpcklpd:  "unpcklpd",
	ITUnpckhps:  "unpckhps",
	ITUnpckhpd:  "unpckhpd",
	ITAddss:     "addss",
	ITAddsd:     "addsd",
	ITAddps:     "addps",
	ITAddpd:     "addpd",
	ITSubss:     "subss",
	ITSubsd:     "subsd",
	ITSubps:     "subps",
	ITSubpd:     "subpd",
	ITMulss:     "mulss",
	ITMulsd:     "mulsd",
	ITMulps:     "mulps",
	ITMulpd:     "mulpd",
	ITDivss:     "divss",
	ITDivsd:     "divsd",
	ITDivps:     "divps",
	ITDivpd:     "divpd",
	ITSqrtsd:    "sqrtsd",
	ITXorps:     "xorps",
	ITXorpd:     "xorpd",
	ITAndps:     "andps",
	ITAndpd:     "andpd",
	ITUcomiss:   "ucomiss",
	ITUcomisd:   "ucomisd",
	ITPcmpeqb:   "pcmpeqb",
	ITPminub:    "pminub",
	ITPmovmskb:  "pmovmskb",
	ITPaddq:     "paddq",
	ITCvtsi2ss:  "cvtsi2ss",
	ITCvtsi2sd:  "cvtsi2sd",
	ITCvttss2si: "cvttss2si",
	ITCvttsd2si: "cvttsd2si",
	ITCvtss2sd:  "cvtss2sd",
	ITCvtsd2ss:  "cvtsd2ss",
}

// String returns the mnemonic of the instruction type.
func (it InstrType) String() string {
	if cc, ok := it.Cond(); ok {
		switch {
		case it.IsJcc():
			return "j" + condNames[cc]
		case it.IsCmov():
			return "cmov" + condNames[cc]
		default:
			return "set" + condNames[cc]
		}
	}
	if s, ok := instrNames[it]; ok {
		return s
	}
	return fmt.Sprintf("InstrType<%d>", int(it))
}

// suffix returns the AT&T width suffix.
func suffix(t ValType) string {
	switch t {
	case VT8:
		return "b"
	case VT16:
		return "w"
	case VT32:
		return "l"
	case VT64:
		return "q"
	}
	return ""
}

// regName returns the AT&T name of a register accessed with width t.
func regName(r Reg, t ValType) string {
	switch {
	case r == RegIP:
		return "%rip"
	case r.IsVector():
		if t == VT256 {
			return fmt.Sprintf("%%ymm%d", r.Index())
		}
		return fmt.Sprintf("%%xmm%d", r.Index())
	case r.IsGP():
		switch t {
		case VT8:
			return "%" + regNames8[r.Index()]
		case VT16:
			return "%" + regNames16[r.Index()]
		case VT32:
			return "%" + regNames32[r.Index()]
		}
		return "%" + regNames64[r.Index()]
	}
	return "%?"
}

// String returns the operand in AT&T syntax.
func (o Operand) String() string {
	switch o.Type {
	case OpImm:
		return fmt.Sprintf("$0x%x", o.Val)
	case OpReg:
		return regName(o.Reg, o.Width)
	case OpInd:
		var b strings.Builder
		switch o.Seg {
		case SegFS:
			b.WriteString("%fs:")
		case SegGS:
			b.WriteString("%gs:")
		}
		if o.Reg == RegIP {
			// Val holds the absolute target.
			fmt.Fprintf(&b, "0x%x", o.Val)
			return b.String()
		}
		if disp := int64(o.Val); disp < 0 {
			fmt.Fprintf(&b, "-0x%x", -disp)
		} else if disp > 0 || (o.Reg == RegNone && !o.HasIndex()) {
			fmt.Fprintf(&b, "0x%x", disp)
		}
		if o.Reg == RegNone && !o.HasIndex() {
			return b.String()
		}
		b.WriteByte('(')
		if o.Reg != RegNone {
			b.WriteString(regName(o.Reg, VT64))
		}
		if o.HasIndex() {
			fmt.Fprintf(&b, ",%s,%d", regName(o.Index, VT64), o.Scale)
		}
		b.WriteByte(')')
		return b.String()
	}
	return ""
}

// String returns the instruction in AT&T syntax.
func (i *Instr) String() string { return i.format(nil) }

// format prints the instruction. Branch targets are printed symbolically
// when sym returns a non-empty name.
func (i *Instr) format(sym func(uint64) string) string {
	name := i.Type.String()
	switch i.Type {
	case ITCltq:
		name = "cwtl"
		if i.VType == VT64 {
			name = "cltq"
		}
	case ITCqto:
		name = "cltd"
		if i.VType == VT64 {
			name = "cqto"
		}
	case ITMovsx, ITMovzx:
		name = "movs"
		if i.Type == ITMovzx {
			name = "movz"
		}
		name += suffix(i.Src.Width) + suffix(i.Dst.Width)
	default:
		if i.needsSuffix() {
			name += suffix(i.VType)
		}
	}
	if i.Form == Form0 || i.Form == FormNone {
		return name
	}

	var ops []string
	switch i.Form {
	case Form1:
		ops = []string{i.target(i.Dst, sym)}
	case Form2:
		ops = []string{i.Src.String(), i.Dst.String()}
	case Form3:
		ops = []string{i.Src2.String(), i.Src.String(), i.Dst.String()}
	}
	return fmt.Sprintf("%-7s %s", name, strings.Join(ops, ","))
}

// target formats a single operand, printing branch targets as addresses.
func (i *Instr) target(op Operand, sym func(uint64) string) string {
	if i.Type != ITCall && i.Type != ITJmp && i.Type != ITJmpi && !i.Type.IsJcc() {
		return op.String()
	}
	if op.IsImm() {
		if sym != nil {
			if s := sym(op.Val); s != "" {
				return s
			}
		}
		return fmt.Sprintf("0x%x", op.Val)
	}
	return "*" + op.String()
}

// needsSuffix returns true when no register operand determines the width.
func (i *Instr) needsSuffix() bool {
	if i.IsPassThrough() || i.Type.IsJcc() || i.Type == ITCall || i.Type == ITJmp || i.Type == ITJmpi || i.Type == ITLea {
		return false
	}
	switch i.Form {
	case Form1:
		return !i.Dst.IsReg()
	case Form2, Form3:
		return !i.Dst.IsReg() && !i.Src.IsReg()
	}
	return false
}

// formatBytes formats machine code as space separated hex.
func formatBytes(b []byte) string {
	var sb strings.Builder
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", c)
	}
	return sb.String()
}
