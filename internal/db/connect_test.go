package db

import (
	"testing"

	"github.com/suPer8Hu/mediation/internal/chat"
)

func TestOpen_SQLiteMigrates(t *testing.T) {
	gdb, err := Open("file:db_open_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, m := range chat.AllModels() {
		if !gdb.Migrator().HasTable(m) {
			t.Fatalf("missing table for %T", m)
		}
	}
}
