package dbrew

import (
	"bytes"
	"fmt"
)

// DefaultStackTop is the virtual address the emulated stack grows down from.
const DefaultStackTop = 0x7ff000000000

// Flag identifies a status flag tracked by the emulator.
type Flag int

const (
	FlagCF Flag = iota
	FlagZF
	FlagSF
	FlagOF
	FlagPF
	flagMax
)

// String returns the flag name.
func (f Flag) String() string {
	switch f {
	case FlagCF:
		return "CF"
	case FlagZF:
		return "ZF"
	case FlagSF:
		return "SF"
	case FlagOF:
		return "OF"
	case FlagPF:
		return "PF"
	}
	return "?F"
}

// EmuValue is a value with its width and capture state.
type EmuValue struct {
	Val   uint64
	Type  ValType
	State CaptureState
}

// IsStatic returns true if the value is known at rewrite time.
func (v EmuValue) IsStatic() bool { return IsStatic(v.State) }

// EmuState is the machine state seen by the emulator.
type EmuState struct {
	// General purpose registers and RIP.
	reg      [RegIP + 1]uint64
	regState [RegIP + 1]CaptureState

	flag      [flagMax]bool
	flagState [flagMax]CaptureState

	// Emulated stack covering [stackStart, stackTop).
	stackStart    uint64
	stackTop      uint64
	stackAccessed uint64 // lowest address written
	stack         []byte
	stackState    []CaptureState

	// Return addresses of inlined calls.
	retStack []uint64
	depth    int

	// Snapshot this state was restored from, -1 if none.
	parent int
}

// NewEmuState returns a reset state with a stack of the given size.
func NewEmuState(stackSize int) *EmuState {
	es := &EmuState{
		stackTop:   DefaultStackTop,
		stack:      make([]byte, stackSize),
		stackState: make([]CaptureState, stackSize),
	}
	es.stackStart = es.stackTop - uint64(stackSize)
	es.Reset()
	return es
}

// Reset makes every register, flag and stack byte dead.
func (es *EmuState) Reset() {
	for i := range es.reg {
		es.reg[i], es.regState[i] = 0, Dead
	}
	for i := range es.flag {
		es.flag[i], es.flagState[i] = false, Dead
	}
	for i := range es.stack {
		es.stack[i], es.stackState[i] = 0, Dead
	}
	es.stackAccessed = es.stackTop
	es.retStack = es.retStack[:0]
	es.depth = 0
	es.parent = -1
}

// Clone returns a deep copy of the state.
func (es *EmuState) Clone() *EmuState {
	other := &EmuState{
		stack:      make([]byte, len(es.stack)),
		stackState: make([]CaptureState, len(es.stackState)),
	}
	other.CopyFrom(es)
	return other
}

// CopyFrom overwrites es with the contents of src. Both must have
// stacks of the same size.
func (es *EmuState) CopyFrom(src *EmuState) {
	assert(len(es.stack) == len(src.stack), "stack size mismatch: %d != %d", len(es.stack), len(src.stack))
	es.reg, es.regState = src.reg, src.regState
	es.flag, es.flagState = src.flag, src.flagState
	es.stackStart, es.stackTop, es.stackAccessed = src.stackStart, src.stackTop, src.stackAccessed
	copy(es.stack, src.stack)
	copy(es.stackState, src.stackState)
	es.retStack = append(es.retStack[:0], src.retStack...)
	es.depth = src.depth
	es.parent = src.parent
}

// Reg returns the full 64-bit value of register r. A register that was
// never written reads as dynamic.
func (es *EmuState) Reg(r Reg) EmuValue {
	assert(r >= RegAX && r <= RegIP, "not a tracked register: %d", r)
	return EmuValue{Val: es.reg[r], Type: VT64, State: liveState(es.regState[r])}
}

// SetReg sets the full 64-bit value of register r.
func (es *EmuState) SetReg(r Reg, v uint64, s CaptureState) {
	assert(r >= RegAX && r <= RegIP, "not a tracked register: %d", r)
	es.reg[r], es.regState[r] = v, s
}

// Flag returns the value and state of a flag.
func (es *EmuState) Flag(f Flag) (bool, CaptureState) {
	return es.flag[f], liveState(es.flagState[f])
}

// SetFlag sets a flag. Stack relative and Static2 states are normalized.
func (es *EmuState) SetFlag(f Flag, v bool, s CaptureState) {
	es.flag[f], es.flagState[f] = v, flagState(s)
}

// Depth returns the current inlining depth.
func (es *EmuState) Depth() int { return es.depth }

// StackTop returns the initial stack pointer.
func (es *EmuState) StackTop() uint64 { return es.stackTop }

// stackOffset returns the offset of addr into the stack buffer and true if
// an access of n bytes is completely inside the stack.
func (es *EmuState) stackOffset(addr uint64, n int) (int, bool) {
	if addr < es.stackStart || addr >= es.stackTop || addr+uint64(n) > es.stackTop {
		return 0, false
	}
	return int(addr - es.stackStart), true
}

// inStack returns true if addr is within the stack range.
func (es *EmuState) inStack(addr uint64) bool {
	return addr >= es.stackStart && addr < es.stackTop
}

// readStack reads n bytes from the stack. Bytes below the lowest written
// address were never written and read as dynamic.
func (es *EmuState) readStack(addr uint64, t ValType) EmuValue {
	n := t.Bytes()
	off, ok := es.stackOffset(addr, n)
	if !ok || addr < es.stackAccessed {
		return EmuValue{Type: t, State: Dynamic}
	}

	var v uint64
	s := es.stackState[off]
	for i := 0; i < n; i++ {
		v |= uint64(es.stack[off+i]) << (8 * uint(i))
		s = Combine(s, es.stackState[off+i], true)
	}
	return EmuValue{Val: v, Type: t, State: liveState(s)}
}

// writeStack writes v to the stack. It returns false if the access is out of range.
func (es *EmuState) writeStack(addr uint64, v EmuValue) bool {
	n := v.Type.Bytes()
	off, ok := es.stackOffset(addr, n)
	if !ok {
		return false
	}
	for i := 0; i < n; i++ {
		es.stack[off+i] = byte(v.Val >> (8 * uint(i)))
		es.stackState[off+i] = v.State
	}
	if addr < es.stackAccessed {
		es.stackAccessed = addr
	}
	return true
}

// markStack sets the state of n stack bytes without changing their values,
// clipping the range to the stack.
func (es *EmuState) markStack(addr uint64, n int, s CaptureState) {
	for i := 0; i < n; i++ {
		a := addr + uint64(i)
		if !es.inStack(a) {
			continue
		}
		es.stackState[a-es.stackStart] = s
		if a < es.stackAccessed {
			es.stackAccessed = a
		}
	}
}

// Equal returns true if both states are interchangeable for generated code:
// equal capture states and equal values wherever the value is known. The
// parent snapshot is ignored since all states of one rewrite share a single
// stack anchor, so equal stack relative values are the same addresses.
func (es *EmuState) Equal(other *EmuState) bool {
	for r := RegAX; r <= RegR15; r++ {
		if !valueEqual(es.regState[r], es.reg[r], other.regState[r], other.reg[r]) {
			return false
		}
	}
	for f := Flag(0); f < flagMax; f++ {
		if !valueEqual(es.flagState[f], boolVal(es.flag[f]), other.flagState[f], boolVal(other.flag[f])) {
			return false
		}
	}
	if es.depth != other.depth || len(es.retStack) != len(other.retStack) {
		return false
	}
	for i, ret := range es.retStack {
		if ret != other.retStack[i] {
			return false
		}
	}

	// Stacks have the same extent, so the unshared tail is empty.
	n := len(es.stack)
	if len(other.stack) < n {
		n = len(other.stack)
	}
	for i := 0; i < n; i++ {
		if !valueEqual(es.stackState[i], uint64(es.stack[i]), other.stackState[i], uint64(other.stack[i])) {
			return false
		}
	}
	for _, a := range [][]CaptureState{es.stackState[n:], other.stackState[n:]} {
		for _, s := range a {
			if IsStatic(s) {
				return false
			}
		}
	}
	return true
}

// valueEqual compares two values with their capture states.
func valueEqual(s1 CaptureState, v1 uint64, s2 CaptureState, v2 uint64) bool {
	s1, s2 = normalizedState(s1), normalizedState(s2)
	if s1 != s2 {
		return false
	}
	switch s1 {
	case Static, StackRelative:
		// Stack relative values share one stack anchor per rewrite.
		return v1 == v2
	}
	return true
}

func boolVal(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// String returns a multi-line dump of the state.
func (es *EmuState) String() string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Emulation State:\n")
	fmt.Fprintf(&buf, "  Call stack (depth %d):", es.depth)
	for _, addr := range es.retStack {
		fmt.Fprintf(&buf, " %#x", addr)
	}
	if es.depth == 0 {
		buf.WriteString(" (empty)")
	}
	buf.WriteString("\n  Registers:\n")
	for i := 0; i < 8; i++ {
		r1, r2 := gpReg(i), gpReg(i+8)
		fmt.Fprintf(&buf, "    %-4s = 0x%016x %s    %-4s = 0x%016x %s\n",
			regName(r1, VT64), es.reg[r1], es.regState[r1],
			regName(r2, VT64), es.reg[r2], es.regState[r2])
	}
	fmt.Fprintf(&buf, "    %-4s = 0x%016x %s\n", "%rip", es.reg[RegIP], es.regState[RegIP])

	buf.WriteString("  Flags:")
	for f := Flag(0); f < flagMax; f++ {
		fmt.Fprintf(&buf, " %s %d %s", f, boolVal(es.flag[f]), es.flagState[f])
	}
	buf.WriteString("\n")

	if es.stackAccessed < es.stackTop {
		fmt.Fprintf(&buf, "  Stack:\n")
		start := es.stackAccessed &^ 7
		if start < es.stackStart {
			start = es.stackStart
		}
		for a := start; a < es.stackTop; a += 8 {
			off := int(a - es.stackStart)
			end := off + 8
			if end > len(es.stack) {
				end = len(es.stack)
			}
			fmt.Fprintf(&buf, "   %#x (rsp%+d):", a, int64(a-es.stackTop))
			for i := off; i < end; i++ {
				fmt.Fprintf(&buf, " %02x%s", es.stack[i], es.stackState[i])
			}
			buf.WriteString("\n")
		}
	}
	return buf.String()
}

// snapshotPool stores saved emulator states. Saving a state equal to an
// existing snapshot returns the existing index.
type snapshotPool struct {
	states   []*EmuState
	capacity int
}

// Save returns the index of a snapshot equal to es, cloning es if needed.
func (p *snapshotPool) Save(es *EmuState) (int, error) {
	for i, other := range p.states {
		if es.Equal(other) {
			return i, nil
		}
	}
	if len(p.states) >= p.capacity {
		return -1, overflow("snapshots", p.capacity)
	}
	p.states = append(p.states, es.Clone())
	return len(p.states) - 1, nil
}

// Restore copies snapshot id into es.
func (p *snapshotPool) Restore(id int, es *EmuState) {
	assert(id >= 0 && id < len(p.states), "invalid snapshot: %d", id)
	es.CopyFrom(p.states[id])
	es.parent = id
}

// Len returns the number of snapshots.
func (p *snapshotPool) Len() int { return len(p.states) }

// Reset removes all snapshots.
func (p *snapshotPool) Reset() { p.states = p.states[:0] }

// uint64Comparer compares two 64-bit unsigned integers. Implements immutable.Comparer.
type uint64Comparer struct{}

// Compare returns -1 if a is less than b, returns 1 if a is greater than b, and
// returns 0 if a is equal to b. Panic if a or b is not an uint64.
func (c *uint64Comparer) Compare(a, b interface{}) int {
	if i, j := a.(uint64), b.(uint64); i < j {
		return -1
	} else if i > j {
		return 1
	}
	return 0
}
