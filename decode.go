package dbrew

import (
	"encoding/binary"
	"fmt"

	"github.com/benbjohnson/immutable"
)

// maxInstrLen is the architectural limit of an x86 instruction.
const maxInstrLen = 15

// DecodedBlock is a straight-line run of instructions ending with the first
// control flow instruction or an invalid instruction.
type DecodedBlock struct {
	Addr   uint64
	Size   int
	Instrs []Instr
}

// Last returns the final instruction of the block.
func (bb *DecodedBlock) Last() *Instr {
	if len(bb.Instrs) == 0 {
		return nil
	}
	return &bb.Instrs[len(bb.Instrs)-1]
}

// Decoder decodes machine code into blocks and caches them by address.
type Decoder struct {
	mem    Memory
	blocks *immutable.SortedMap // start address to *DecodedBlock

	nblocks int // decoded blocks
	ninstrs int // decoded instructions

	// Capacities. Exceeding either returns a RewriterError.
	MaxBlocks int
	MaxInstrs int

	logf func(format string, args ...interface{})
}

// NewDecoder returns a decoder reading code from mem.
func NewDecoder(mem Memory) *Decoder {
	return &Decoder{
		mem:       mem,
		blocks:    immutable.NewSortedMap(&uint64Comparer{}),
		MaxBlocks: DefaultDecodeBlockCapacity,
		MaxInstrs: DefaultDecodeInstrCapacity,
	}
}

// Reset drops all cached blocks.
func (d *Decoder) Reset() {
	d.blocks = immutable.NewSortedMap(&uint64Comparer{})
	d.nblocks, d.ninstrs = 0, 0
}

// Block returns a cached block starting at addr.
func (d *Decoder) Block(addr uint64) *DecodedBlock {
	if v, ok := d.blocks.Get(addr); ok {
		return v.(*DecodedBlock)
	}
	return nil
}

// Blocks returns all cached blocks ordered by address.
func (d *Decoder) Blocks() []*DecodedBlock {
	a := make([]*DecodedBlock, 0, d.nblocks)
	itr := d.blocks.Iterator()
	for !itr.Done() {
		_, v := itr.Next()
		a = append(a, v.(*DecodedBlock))
	}
	return a
}

// Decode returns the block starting at addr, decoding it on first use.
func (d *Decoder) Decode(addr uint64) (*DecodedBlock, error) {
	if bb := d.Block(addr); bb != nil {
		return bb, nil
	}
	if d.nblocks >= d.MaxBlocks {
		return nil, overflow("decoded blocks", d.MaxBlocks)
	}

	bb := &DecodedBlock{Addr: addr}
	pc := addr
	for {
		if d.ninstrs >= d.MaxInstrs {
			return nil, overflow("decoded instructions", d.MaxInstrs)
		}
		instr, err := d.decodeInstr(pc)
		if err != nil {
			if e, ok := err.(*DecodeError); ok {
				e.Block, e.Offset = addr, int(pc-addr)
			}
			return nil, err
		}
		d.ninstrs++
		bb.Instrs = append(bb.Instrs, instr)
		pc += uint64(instr.Len)
		if instr.IsExit() {
			break
		}
	}
	bb.Size = int(pc - addr)

	d.blocks = d.blocks.Set(addr, bb)
	d.nblocks++

	if d.logf != nil {
		d.logf("[decode] block %#x: %d instructions, %d bytes", addr, len(bb.Instrs), bb.Size)
		for i := range bb.Instrs {
			d.logf("[decode]   %#x: %s", bb.Instrs[i].Addr, &bb.Instrs[i])
		}
	}
	return bb, nil
}

// fetch reads up to maxInstrLen bytes at addr. Reads that cross into
// unreadable memory are retried byte by byte.
func (d *Decoder) fetch(addr uint64, buf []byte) []byte {
	n, err := d.mem.ReadAt(buf[:maxInstrLen], int64(addr))
	if err == nil || n > 0 {
		return buf[:n]
	}
	for n = 0; n < maxInstrLen; n++ {
		if _, err := d.mem.ReadAt(buf[n:n+1], int64(addr)+int64(n)); err != nil {
			break
		}
	}
	return buf[:n]
}

// decodeInstr decodes the single instruction at addr.
func (d *Decoder) decodeInstr(addr uint64) (Instr, error) {
	var buf [maxInstrLen]byte
	code := d.fetch(addr, buf[:])
	if len(code) == 0 {
		return Instr{}, &DecodeError{Kind: ErrorKindMemoryFault, Msg: fmt.Sprintf("cannot read code at %#x", addr)}
	}

	x := instrDecoder{addr: addr, buf: code}
	instr, err := x.decode()
	if err != nil {
		return Instr{}, err
	} else if x.trunc {
		return Instr{}, &DecodeError{Kind: ErrorKindBadOperands, Msg: "truncated instruction"}
	}
	return instr, nil
}

// instrDecoder holds the state of decoding one instruction.
type instrDecoder struct {
	addr uint64
	buf  []byte
	pos  int

	rex   byte
	p66   bool
	pF2   bool
	pF3   bool
	p2E   bool
	seg   Segment
	pp    PrefixSet // mandatory SSE prefix
	trunc bool
}

func (x *instrDecoder) u8() byte {
	if x.pos >= len(x.buf) {
		x.trunc = true
		return 0
	}
	b := x.buf[x.pos]
	x.pos++
	return b
}

func (x *instrDecoder) bytes(n int) []byte {
	if x.pos+n > len(x.buf) {
		x.trunc = true
		x.pos = len(x.buf)
		return make([]byte, n)
	}
	b := x.buf[x.pos : x.pos+n]
	x.pos += n
	return b
}

func (x *instrDecoder) u16() uint64 { return uint64(binary.LittleEndian.Uint16(x.bytes(2))) }
func (x *instrDecoder) u32() uint64 { return uint64(binary.LittleEndian.Uint32(x.bytes(4))) }
func (x *instrDecoder) u64() uint64 { return binary.LittleEndian.Uint64(x.bytes(8)) }

func (x *instrDecoder) rexW() bool { return x.rex&8 != 0 }

// invalid returns an invalid instruction covering the bytes consumed so far.
func (x *instrDecoder) invalid() Instr {
	n := x.pos
	if n == 0 {
		n = 1
	}
	return Instr{Addr: x.addr, Len: n, Type: ITInvalid, Form: Form0}
}

func (x *instrDecoder) decode() (Instr, error) {
	// Legacy prefixes followed by an optional REX prefix.
prefixes:
	for {
		if x.pos >= len(x.buf) {
			x.trunc = true
			return x.invalid(), nil
		}
		b := x.buf[x.pos]
		switch b {
		case 0x66:
			x.p66 = true
		case 0xF2:
			x.pF2 = true
		case 0xF3:
			x.pF3 = true
		case 0x2E:
			x.p2E = true
		case 0x3E:
		case 0x64:
			x.seg = SegFS
		case 0x65:
			x.seg = SegGS
		default:
			break prefixes
		}
		x.pos++
	}

	if b := x.buf[x.pos]; b >= 0x40 && b <= 0x4F {
		x.rex = b
		x.pos++
		if x.pos < len(x.buf) {
			switch x.buf[x.pos] {
			case 0x66, 0xF2, 0xF3, 0x2E, 0x3E, 0x64, 0x65:
				return Instr{}, &DecodeError{Kind: ErrorKindBadPrefix, Msg: "legacy prefix after REX"}
			}
		}
	}

	b := x.u8()
	var e opcode
	var opc []byte
	if b != 0x0F {
		e, opc = opcodes1[b], []byte{b}
	} else {
		b2 := x.u8()
		e, opc = x.lookup0F(b2), []byte{0x0F, b2}
	}

	if e.enc == encGroup {
		if x.pos >= len(x.buf) {
			x.trunc = true
			return x.invalid(), nil
		}
		e = e.group[(x.buf[x.pos]>>3)&7]
	}
	if e.enc == encNone {
		return x.invalid(), nil
	}

	instr, ok := x.operands(&e, opc)
	if !ok {
		return x.invalid(), nil
	}
	instr.Addr = x.addr
	instr.Len = x.pos

	// Targets relative to the end of the instruction become absolute.
	end := x.addr + uint64(x.pos)
	if e.enc == encD {
		instr.Dst.Val += end
	}
	for _, op := range []*Operand{&instr.Dst, &instr.Src, &instr.Src2} {
		if op.Type == OpInd && op.Reg == RegIP {
			op.Val += end
		}
	}

	if e.pass {
		instr.PT = x.passThrough(&e, opc)
	}
	return instr, nil
}

// lookup0F selects the 0F table entry for the mandatory prefix in effect.
func (x *instrDecoder) lookup0F(b byte) opcode {
	pp, flag := ppNone, PrefixSet(0)
	switch {
	case x.pF2:
		pp, flag = ppF2, PrefixF2
	case x.pF3:
		pp, flag = ppF3, PrefixF3
	case x.p66:
		pp, flag = pp66, Prefix66
	}
	if pp != ppNone {
		if e := opcodes2[pp][b]; e.enc != encNone {
			x.pp = flag
			switch pp {
			case ppF2:
				x.pF2 = false
			case ppF3:
				x.pF3 = false
			case pp66:
				x.p66 = false
			}
			return e
		} else if pp != pp66 {
			return opcode{}
		}
	}
	if e := opcodes2[ppNone][b]; !e.pass || pp == ppNone {
		return e
	}
	return opcode{}
}

// width returns the operand width selected by the entry and prefixes.
func (x *instrDecoder) width(e *opcode) ValType {
	switch e.width {
	case widthB:
		return VT8
	case widthQ:
		if x.p66 {
			return VT16
		}
		return VT64
	case widthFixed:
		return e.fixed
	}
	if x.rexW() {
		return VT64
	} else if x.p66 {
		return VT16
	}
	return VT32
}

// gp returns a general purpose register operand. The legacy high byte
// registers AH..BH are not supported.
func (x *instrDecoder) gp(idx int, w ValType) (Operand, bool) {
	if w == VT8 && x.rex == 0 && idx >= 4 && idx <= 7 {
		return Operand{}, false
	}
	return RegOp(w, gpReg(idx)), true
}

// register returns a register operand of the given class.
func (x *instrDecoder) register(class regClass, idx int, w ValType) (Operand, bool) {
	if class == classXMM {
		return RegOp(VT128, vecReg(idx)), true
	}
	return x.gp(idx, w)
}

// modrm is a parsed ModRM byte with its addressing operand.
type modrm struct {
	mod int
	reg int // extended by REX.R
	rm  int // extended by REX.B, valid when mod == 3
	mem Operand
}

func (x *instrDecoder) modRM() modrm {
	b := x.u8()
	m := modrm{
		mod: int(b >> 6),
		reg: int(b>>3&7) | int(x.rex&4)<<1,
		rm:  int(b&7) | int(x.rex&1)<<3,
	}
	if m.mod == 3 {
		return m
	}

	op := Operand{Type: OpInd, Seg: x.seg}
	switch rm := b & 7; {
	case rm == 4:
		sib := x.u8()
		if index := int(sib>>3&7) | int(x.rex&2)<<2; index != 4 {
			op.Index, op.Scale = gpReg(index), 1<<(sib>>6)
		}
		if base := int(sib & 7); base == 5 && m.mod == 0 {
			op.Val = signExtend(x.u32(), VT32)
		} else {
			op.Reg = gpReg(base | int(x.rex&1)<<3)
		}
	case rm == 5 && m.mod == 0:
		op.Reg = RegIP
		op.Val = signExtend(x.u32(), VT32)
	default:
		op.Reg = gpReg(m.rm)
	}

	switch m.mod {
	case 1:
		op.Val += signExtend(uint64(x.u8()), VT8)
	case 2:
		op.Val += signExtend(x.u32(), VT32)
	}
	m.mem = op
	return m
}

// rmOperand returns the r/m operand of a parsed ModRM byte.
func (x *instrDecoder) rmOperand(e *opcode, m modrm, w ValType) (Operand, bool) {
	if m.mod == 3 {
		if e.memOnly {
			return Operand{}, false
		}
		return x.register(e.rm, m.rm, w)
	}
	op := m.mem
	op.Width = w
	if e.rm == classXMM {
		op.Width = e.fixed
	}
	return op, true
}

// immediate reads the immediate of e sign-extended to width w.
func (x *instrDecoder) immediate(e *opcode, w ValType) Operand {
	var v uint64
	switch e.imm {
	case imm8:
		v = signExtend(uint64(x.u8()), VT8)
	case imm32:
		v = signExtend(x.u32(), VT32)
	case immZ:
		if w == VT16 {
			v = signExtend(x.u16(), VT16)
		} else {
			v = signExtend(x.u32(), VT32)
		}
	case immV:
		switch w {
		case VT8:
			v = uint64(x.u8())
		case VT16:
			v = x.u16()
		case VT32:
			v = x.u32()
		default:
			v = x.u64()
		}
	}
	return ImmOp(w, v)
}

// operands decodes the operands of e. It returns false for operand
// combinations that are not supported.
func (x *instrDecoder) operands(e *opcode, opc []byte) (Instr, bool) {
	w := x.width(e)
	switch e.enc {
	case encZ:
		if e.typ == ITNop && x.rex&1 != 0 {
			return Instr{}, false // xchg %r8,%rax
		}
		instr := newInstr0(e.typ)
		switch e.typ {
		case ITCltq, ITCqto:
			if w == VT16 {
				return Instr{}, false
			}
			instr.VType = w
		case ITRet, ITLeave:
			instr.VType = VT64
		}
		return instr, true

	case encRM, encMR, encRMI:
		m := x.modRM()
		srcW := w
		if e.src != VTNone {
			srcW = e.src
		}
		regW := w
		if e.reg == classGP && e.rm == classXMM {
			regW = x.gpWidth()
		} else if e.reg == classXMM && e.rm == classGP {
			srcW = x.gpWidth()
		}
		reg, ok := x.register(e.reg, m.reg, regW)
		if !ok {
			return Instr{}, false
		}
		rm, ok := x.rmOperand(e, m, srcW)
		if !ok {
			return Instr{}, false
		}
		if e.typ == ITLea {
			rm.Width = w
		}

		typ := e.typ
		if typ == ITMovd && x.rexW() {
			typ = ITMovq
		}
		switch e.enc {
		case encRM:
			return newInstr2(typ, w, reg, rm), true
		case encMR:
			return newInstr2(typ, w, rm, reg), true
		}
		return newInstr3(typ, w, reg, rm, x.immediate(e, w)), true

	case encMI:
		m := x.modRM()
		rm, ok := x.rmOperand(e, m, w)
		if !ok {
			return Instr{}, false
		}
		if isShift(e.typ) {
			return newInstr2(e.typ, w, rm, x.immediate(e, VT8)), true
		}
		return newInstr2(e.typ, w, rm, x.immediate(e, w)), true

	case encOI:
		reg, ok := x.gp(int(opc[len(opc)-1]&7)|int(x.rex&1)<<3, w)
		if !ok {
			return Instr{}, false
		}
		return newInstr2(e.typ, w, reg, x.immediate(e, w)), true

	case encO:
		if w != VT64 {
			return Instr{}, false
		}
		reg, _ := x.gp(int(opc[len(opc)-1]&7)|int(x.rex&1)<<3, w)
		return newInstr1(e.typ, w, reg), true

	case encI:
		return newInstr2(e.typ, w, RegOp(w, RegAX), x.immediate(e, w)), true

	case encImm:
		if w != VT64 {
			return Instr{}, false
		}
		return newInstr1(e.typ, w, x.immediate(e, w)), true

	case encM:
		m := x.modRM()
		if e.typ == ITNop {
			return newInstr0(ITNop), true
		}
		if e.width == widthQ && w != VT64 {
			return Instr{}, false
		}
		rm, ok := x.rmOperand(e, m, w)
		if !ok {
			return Instr{}, false
		}
		return newInstr1(e.typ, w, rm), true

	case encM1, encMC:
		m := x.modRM()
		rm, ok := x.rmOperand(e, m, w)
		if !ok {
			return Instr{}, false
		}
		count := ImmOp(VT8, 1)
		if e.enc == encMC {
			count = RegOp(VT8, RegCX)
		}
		return newInstr2(e.typ, w, rm, count), true

	case encD:
		if x.p66 {
			return Instr{}, false
		}
		// The target is made absolute once the length is known.
		rel := x.immediate(e, VT64)
		return newInstr1(e.typ, VT64, rel), true
	}
	return Instr{}, false
}

// gpWidth is the width of a GP operand of an SSE instruction.
func (x *instrDecoder) gpWidth() ValType {
	if x.rexW() {
		return VT64
	}
	return VT32
}

// passThrough records the prefixes and opcode bytes of an SSE instruction.
func (x *instrDecoder) passThrough(e *opcode, opc []byte) PassThrough {
	pt := PassThrough{Prefixes: x.pp, Len: len(opc), Enc: EncRM, Change: StateChangeDstDynamic}
	copy(pt.Opcode[:], opc)
	if e.enc == encMR {
		pt.Enc = EncMR
	}
	if x.rexW() {
		pt.Prefixes |= PrefixREXW
	}
	if x.p2E {
		pt.Prefixes |= Prefix2E
	}
	if e.flags {
		pt.Change, pt.SetsFlags = StateChangeNone, true
	}
	return pt
}

func isShift(typ InstrType) bool {
	return typ == ITShl || typ == ITShr || typ == ITSar
}
