package dbrew_test

import (
	"errors"
	"testing"

	"github.com/benbjohnson/dbrew"
)

// NewEmuState returns a state with parameter registers set as at function entry.
func NewEmuState() *dbrew.EmuState {
	es := dbrew.NewEmuState(64)
	es.SetReg(dbrew.RegDI, 3, dbrew.Static2)
	es.SetReg(dbrew.RegSI, 4, dbrew.Dynamic)
	es.SetReg(dbrew.RegSP, es.StackTop(), dbrew.StackRelative)
	es.SetReg(dbrew.RegIP, Base, dbrew.Static)
	return es
}

func TestSnapshotPool_Save(t *testing.T) {
	t.Run("Equal", func(t *testing.T) {
		p := dbrew.NewSnapshotPool(4)
		es := NewEmuState()
		if a, err := p.Save(es); err != nil {
			t.Fatal(err)
		} else if b, err := p.Save(NewEmuState()); err != nil {
			t.Fatal(err)
		} else if a != b {
			t.Fatalf("expected same snapshot: %d != %d", a, b)
		} else if got, exp := p.Len(), 1; got != exp {
			t.Fatalf("unexpected len: %d", got)
		}
	})

	t.Run("DynamicValue", func(t *testing.T) {
		p := dbrew.NewSnapshotPool(4)
		other := NewEmuState()
		other.SetReg(dbrew.RegSI, 100, dbrew.Dynamic)
		other.SetReg(dbrew.RegIP, Base+10, dbrew.Static)
		if a, err := p.Save(NewEmuState()); err != nil {
			t.Fatal(err)
		} else if b, err := p.Save(other); err != nil {
			t.Fatal(err)
		} else if a != b {
			t.Fatalf("expected same snapshot: %d != %d", a, b)
		}
	})

	t.Run("StaticValue", func(t *testing.T) {
		p := dbrew.NewSnapshotPool(4)
		other := NewEmuState()
		other.SetReg(dbrew.RegDI, 2, dbrew.Static2)
		if a, err := p.Save(NewEmuState()); err != nil {
			t.Fatal(err)
		} else if b, err := p.Save(other); err != nil {
			t.Fatal(err)
		} else if a == b {
			t.Fatalf("expected different snapshots: %d", a)
		}
	})

	t.Run("State", func(t *testing.T) {
		p := dbrew.NewSnapshotPool(4)
		other := NewEmuState()
		other.SetFlag(dbrew.FlagZF, true, dbrew.Static)
		if a, err := p.Save(NewEmuState()); err != nil {
			t.Fatal(err)
		} else if b, err := p.Save(other); err != nil {
			t.Fatal(err)
		} else if a == b {
			t.Fatalf("expected different snapshots: %d", a)
		}
	})

	// A register that was never written differs from one holding an
	// unknown value.
	t.Run("DeadRegister", func(t *testing.T) {
		p := dbrew.NewSnapshotPool(4)
		other := NewEmuState()
		other.SetReg(dbrew.RegAX, 0, dbrew.Dynamic)
		if a, err := p.Save(NewEmuState()); err != nil {
			t.Fatal(err)
		} else if b, err := p.Save(other); err != nil {
			t.Fatal(err)
		} else if a == b {
			t.Fatalf("expected different snapshots: %d", a)
		}
	})

	t.Run("ReturnStack", func(t *testing.T) {
		p := dbrew.NewSnapshotPool(4)
		es, other := NewEmuState(), NewEmuState()
		dbrew.PushReturnAddr(es, Base+9)
		dbrew.PushReturnAddr(other, Base+0x12)
		if a, err := p.Save(es); err != nil {
			t.Fatal(err)
		} else if b, err := p.Save(other); err != nil {
			t.Fatal(err)
		} else if a == b {
			t.Fatalf("expected different snapshots: %d", a)
		}

		same := NewEmuState()
		dbrew.PushReturnAddr(same, Base+9)
		if id, err := p.Save(same); err != nil {
			t.Fatal(err)
		} else if id != 0 {
			t.Fatalf("unexpected snapshot: %d", id)
		}
	})

	// Saved snapshots do not change with the live state.
	t.Run("Clone", func(t *testing.T) {
		p := dbrew.NewSnapshotPool(4)
		es := NewEmuState()
		id, err := p.Save(es)
		if err != nil {
			t.Fatal(err)
		}
		es.SetReg(dbrew.RegDI, 9, dbrew.Static)

		p.Restore(id, es)
		if got := es.Reg(dbrew.RegDI); got.Val != 3 || got.State != dbrew.Static2 {
			t.Fatalf("unexpected register: %#v", got)
		}
	})

	t.Run("ErrBufferOverflow", func(t *testing.T) {
		p := dbrew.NewSnapshotPool(1)
		other := NewEmuState()
		other.SetReg(dbrew.RegDI, 2, dbrew.Static2)
		if _, err := p.Save(NewEmuState()); err != nil {
			t.Fatal(err)
		} else if _, err := p.Save(other); !errors.Is(err, dbrew.ErrBufferOverflow) {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestEmuState_SetFlag(t *testing.T) {
	es := dbrew.NewEmuState(64)
	es.SetFlag(dbrew.FlagCF, true, dbrew.StackRelative)
	if v, s := es.Flag(dbrew.FlagCF); !v || s != dbrew.Dynamic {
		t.Fatalf("unexpected flag: %v %s", v, s)
	}
	es.SetFlag(dbrew.FlagCF, true, dbrew.Static2)
	if _, s := es.Flag(dbrew.FlagCF); s != dbrew.Static {
		t.Fatalf("unexpected state: %s", s)
	}
}

func TestEmuState_Reg(t *testing.T) {
	es := dbrew.NewEmuState(64)
	if got := es.Reg(dbrew.RegBX); got.State != dbrew.Dynamic {
		t.Fatalf("unexpected state: %s", got.State)
	} else if _, s := es.Flag(dbrew.FlagZF); s != dbrew.Dynamic {
		t.Fatalf("unexpected flag state: %s", s)
	}
}
