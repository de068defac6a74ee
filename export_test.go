package dbrew

// Encode returns the machine code of a single captured instruction.
// Call and RIP-relative displacements are left zero.
func Encode(instr Instr) ([]byte, error) {
	var e encoder
	if err := e.encode(&instr); err != nil {
		return nil, err
	}
	return e.code, nil
}

// SnapshotPool exposes the snapshot store of the engine.
type SnapshotPool = snapshotPool

func NewSnapshotPool(capacity int) *SnapshotPool { return &snapshotPool{capacity: capacity} }

// PushReturnAddr records an inlined call returning to addr.
func PushReturnAddr(es *EmuState, addr uint64) {
	es.retStack = append(es.retStack, addr)
	es.depth++
}
