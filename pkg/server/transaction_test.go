package server

import (
	"errors"
	"testing"
	"time"
)

func TestTransactionTableAdmitAndRetire(t *testing.T) {
	table := NewTransactionTable()

	if err := table.Admit(&Transaction{ID: 7, SubmittedAt: time.Now()}); err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if got := table.InFlight(); got != 1 {
		t.Errorf("in flight %d, want 1", got)
	}

	if err := table.Admit(&Transaction{ID: 7}); !errors.Is(err, ErrDuplicateTransaction) {
		t.Errorf("duplicate admit: got %v, want %v", err, ErrDuplicateTransaction)
	}

	txn, err := table.Retire(7)
	if err != nil {
		t.Fatalf("retire failed: %v", err)
	}
	if txn.ID != 7 {
		t.Errorf("retired id %d, want 7", txn.ID)
	}

	// The id is free for reuse once retired.
	if err := table.Admit(&Transaction{ID: 7}); err != nil {
		t.Errorf("readmit after retire: %v", err)
	}
}

func TestTransactionTableDoubleRetireFailsLoudly(t *testing.T) {
	table := NewTransactionTable()

	if err := table.Admit(&Transaction{ID: 1}); err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if _, err := table.Retire(1); err != nil {
		t.Fatalf("retire failed: %v", err)
	}
	if _, err := table.Retire(1); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("second retire: got %v, want %v", err, ErrTransactionNotFound)
	}
}

func TestTransactionTableDrain(t *testing.T) {
	table := NewTransactionTable()

	for id := uint64(1); id <= 3; id++ {
		if err := table.Admit(&Transaction{ID: id}); err != nil {
			t.Fatalf("admit %d failed: %v", id, err)
		}
	}

	drained := table.Drain()
	if len(drained) != 3 {
		t.Fatalf("drained %d entries, want 3", len(drained))
	}
	if got := table.InFlight(); got != 0 {
		t.Errorf("in flight after drain %d, want 0", got)
	}

	if err := table.Admit(&Transaction{ID: 9}); !errors.Is(err, ErrTableDrained) {
		t.Errorf("admit after drain: got %v, want %v", err, ErrTableDrained)
	}
}
