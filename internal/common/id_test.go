package common

import (
	"testing"
)

func TestNewULID_Sortable(t *testing.T) {
	a, err := NewULID()
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	b, err := NewULID()
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	if len(a) != 26 {
		t.Fatalf("unexpected ulid length %d", len(a))
	}
	if !(a < b) {
		t.Fatalf("expected monotonic ids, got %s then %s", a, b)
	}
}

func TestOptimisticID(t *testing.T) {
	id := NewOptimisticID()
	if !IsOptimisticID(id) {
		t.Fatalf("expected prefix on %q", id)
	}
	if IsOptimisticID("01HZX") {
		t.Fatalf("server id must not look optimistic")
	}
	if NewOptimisticID() == id {
		t.Fatalf("ids must be unique")
	}
}
