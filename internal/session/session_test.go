package session

import "testing"

func TestMaterializeEmptyStateIsZero(t *testing.T) {
	s := New()
	if err := s.Materialize(); err != nil {
		t.Fatal(err)
	}
	if s.TypeID() != 0 || len(s.Blob()) != 0 {
		t.Errorf("empty state should have zero type id and empty blob, got id=%d blob=%q", s.TypeID(), s.Blob())
	}
}

func TestMaterializeNonEmptyStateIsNonZero(t *testing.T) {
	s := New()
	s.Modaliases["default"] = "mymodule"
	if err := s.Materialize(); err != nil {
		t.Fatal(err)
	}
	if s.TypeID() == 0 || len(s.Blob()) == 0 {
		t.Error("non-empty state should have a non-zero type id and non-empty blob")
	}
}

func TestStateRoundTripViaWire(t *testing.T) {
	s := New()
	s.Modaliases["default"] = "mymodule"
	s.Globals["current_user_id"] = "42"
	if err := s.Materialize(); err != nil {
		t.Fatal(err)
	}

	restored, err := FromWire(s.TypeID(), s.Blob())
	if err != nil {
		t.Fatalf("FromWire: %v", err)
	}
	if err := restored.Materialize(); err != nil {
		t.Fatal(err)
	}

	if restored.TypeID() != s.TypeID() {
		t.Errorf("type id mismatch after round trip: %d != %d", restored.TypeID(), s.TypeID())
	}
	if restored.Modaliases["default"] != "mymodule" {
		t.Errorf("modalias lost in round trip")
	}
	if restored.Globals["current_user_id"] != "42" {
		t.Errorf("global lost in round trip")
	}
}

func TestFromWireRejectsTypeIDMismatch(t *testing.T) {
	s := New()
	s.Modaliases["default"] = "mymodule"
	if err := s.Materialize(); err != nil {
		t.Fatal(err)
	}

	_, err := FromWire(s.TypeID()+1, s.Blob())
	if err == nil {
		t.Fatal("expected a type id mismatch error")
	}
}

func TestTransactionStateMachine(t *testing.T) {
	s := New()
	if s.TxState != NotInTx {
		t.Fatalf("new session should start NotInTx")
	}

	if err := s.BeginTx(); err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if s.TxState != InTx {
		t.Errorf("expected InTx, got %v", s.TxState)
	}

	if err := s.BeginTx(); err == nil {
		t.Error("nested START TRANSACTION should fail")
	}

	s.Fail()
	if s.TxState != InFailedTx {
		t.Errorf("expected InFailedTx after Fail(), got %v", s.TxState)
	}

	if err := s.CheckExecutable(false); err == nil {
		t.Error("non-rollback commands should be rejected in InFailedTx")
	}
	if err := s.CheckExecutable(true); err != nil {
		t.Error("rollback should be allowed in InFailedTx")
	}

	s.EndTx()
	if s.TxState != NotInTx {
		t.Errorf("expected NotInTx after EndTx, got %v", s.TxState)
	}
}
