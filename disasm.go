package dbrew

import (
	"fmt"
	"io"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble writes the GNU syntax disassembly of code located at addr.
// Bytes that do not decode are printed as data.
func Disassemble(w io.Writer, code []byte, addr uint64) error {
	for off := 0; off < len(code); {
		pc := addr + uint64(off)
		inst, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			if _, err := fmt.Fprintf(w, "%12x:\t%-30s\t.byte 0x%02x\n", pc, formatBytes(code[off:off+1]), code[off]); err != nil {
				return err
			}
			off++
			continue
		}
		text := x86asm.GNUSyntax(inst, pc, nil)
		if _, err := fmt.Fprintf(w, "%12x:\t%-30s\t%s\n", pc, formatBytes(code[off:off+inst.Len]), text); err != nil {
			return err
		}
		off += inst.Len
	}
	return nil
}

// PrintGenerated writes the disassembly of the last generated function.
func (r *Rewriter) PrintGenerated(w io.Writer) error {
	if r.genCode == nil {
		return ErrNoCode
	}
	return Disassemble(w, r.genCode, r.genEntry)
}
