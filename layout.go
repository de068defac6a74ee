package dbrew

import (
	"encoding/binary"
	"fmt"
	"math"
)

// generationOrder returns the captured blocks reachable from the entry in
// depth-first order. Fall-through successors are placed directly after
// their predecessor where possible.
func (r *Rewriter) generationOrder() []*CapturedBlock {
	if len(r.cbbs) == 0 {
		return nil
	}
	var order []*CapturedBlock
	seen := make(map[*CapturedBlock]bool, len(r.cbbs))
	stack := []*CapturedBlock{r.cbbs[0]}
	for len(stack) > 0 {
		cbb := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cbb] {
			continue
		}
		seen[cbb] = true
		order = append(order, cbb)

		assert(cbb.EndType != EndNone, "block not emulated: %s", cbb)
		if cbb.EndType == EndJcc {
			stack = append(stack, cbb.Branch, cbb.FallThrough)
		}
	}
	return order
}

// assignTails decides the jumps ending each block given the layout order.
// A conditional branch whose fall-through does not follow is inverted if
// its branch target follows, and gets a trailing jmp otherwise.
func assignTails(order []*CapturedBlock) {
	for i, cbb := range order {
		cbb.jcc, cbb.jmp = nil, nil
		cbb.jccShort, cbb.jmpShort = true, true
		if cbb.EndType != EndJcc {
			continue
		}

		var next *CapturedBlock
		if i+1 < len(order) {
			next = order[i+1]
		}
		switch {
		case cbb.Branch == cbb.FallThrough:
			if next != cbb.FallThrough {
				cbb.jmp = cbb.FallThrough
			}
		case next == cbb.FallThrough:
			cbb.jcc, cbb.jccCond = cbb.Branch, cbb.Cond
		case next == cbb.Branch:
			cbb.jcc, cbb.jccCond = cbb.FallThrough, cbb.Cond^1
		default:
			cbb.jcc, cbb.jccCond = cbb.Branch, cbb.Cond
			cbb.jmp = cbb.FallThrough
		}
	}
}

// jccSize returns the size of the final conditional jump.
func (cbb *CapturedBlock) jccSize() int {
	switch {
	case cbb.jcc == nil:
		return 0
	case cbb.jccShort:
		return 2
	}
	return 6
}

// jmpSize returns the size of the trailing jump.
func (cbb *CapturedBlock) jmpSize() int {
	switch {
	case cbb.jmp == nil:
		return 0
	case cbb.jmpShort:
		return 2
	}
	return 5
}

// size returns the size of the block including its jumps.
func (cbb *CapturedBlock) size() int { return len(cbb.code) + cbb.jccSize() + cbb.jmpSize() }

func fitsInt8(d int64) bool { return d == int64(int8(d)) }

// relax assigns offsets relative to the start of the function, growing short
// jumps whose displacement does not fit until no size changes. It returns
// the total size.
func relax(order []*CapturedBlock) int {
	for {
		var off uint64
		for _, cbb := range order {
			cbb.genAddr = off
			off += uint64(cbb.size())
		}

		changed := false
		for _, cbb := range order {
			end := cbb.genAddr + uint64(len(cbb.code)+cbb.jccSize())
			if cbb.jcc != nil && cbb.jccShort && !fitsInt8(int64(cbb.jcc.genAddr-end)) {
				cbb.jccShort, changed = false, true
			}
			end += uint64(cbb.jmpSize())
			if cbb.jmp != nil && cbb.jmpShort && !fitsInt8(int64(cbb.jmp.genAddr-end)) {
				cbb.jmpShort, changed = false, true
			}
		}
		if !changed {
			return int(off)
		}
	}
}

// generate encodes and lays out the captured blocks into code storage.
// It returns the address of the function and its code.
func (r *Rewriter) generate() (uint64, []byte, error) {
	order := r.generationOrder()
	if len(order) == 0 {
		return 0, nil, ErrNoCode
	}
	for _, cbb := range order {
		if err := encodeBlock(cbb); err != nil {
			return 0, nil, err
		}
	}
	assignTails(order)
	size := relax(order)

	buf, base, err := r.code.Reserve(size)
	if err != nil {
		return 0, nil, err
	}
	for _, cbb := range order {
		cbb.genAddr += base
	}

	for _, cbb := range order {
		off := int(cbb.genAddr - base)
		copy(buf[off:], cbb.code)
		for _, rel := range cbb.relocs {
			d := int64(rel.target - (cbb.genAddr + uint64(rel.end)))
			if d < math.MinInt32 || d > math.MaxInt32 {
				return 0, nil, &GenerateError{
					Kind:  ErrorKindUnsupportedOperands,
					Block: cbb.Addr,
					Index: -1,
					Msg:   fmt.Sprintf("target %#x out of range of %#x", rel.target, cbb.genAddr),
				}
			}
			binary.LittleEndian.PutUint32(buf[off+rel.off:], uint32(d))
		}

		p := off + len(cbb.code)
		if cbb.jcc != nil {
			p += putJump(buf[p:], cbb.jcc.genAddr, cbb.genAddr+uint64(p-off), cbb.jccShort, byte(cbb.jccCond))
		}
		if cbb.jmp != nil {
			putJump(buf[p:], cbb.jmp.genAddr, cbb.genAddr+uint64(p-off), cbb.jmpShort, 0xFF)
		}
		r.logf(r.config.ShowGenerated, "[gen] %s at %#x: %d bytes", cbb, cbb.genAddr, cbb.size())
	}
	return base, buf, nil
}

// putJump writes a jump from addr to target. A condition of 0xFF writes an
// unconditional jmp. It returns the number of bytes written.
func putJump(buf []byte, target, addr uint64, short bool, cc byte) int {
	switch {
	case short && cc == 0xFF:
		buf[0], buf[1] = 0xEB, byte(target-(addr+2))
		return 2
	case short:
		buf[0], buf[1] = 0x70+cc, byte(target-(addr+2))
		return 2
	case cc == 0xFF:
		buf[0] = 0xE9
		binary.LittleEndian.PutUint32(buf[1:], uint32(target-(addr+5)))
		return 5
	}
	buf[0], buf[1] = 0x0F, 0x80+cc
	binary.LittleEndian.PutUint32(buf[2:], uint32(target-(addr+6)))
	return 6
}
