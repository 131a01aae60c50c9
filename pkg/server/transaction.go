package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/virtforge/go-storvsp/pkg/protocol"
)

var (
	ErrDuplicateTransaction = errors.New("transaction id already in flight")
	ErrTransactionNotFound  = errors.New("transaction not in flight")
	ErrTableDrained         = errors.New("transaction table drained")
)

// Transaction is one in-flight request: the guest's correlation id, a
// snapshot of the request, and the cancellation hook for its dispatch.
type Transaction struct {
	ID          uint64
	Request     protocol.ScsiRequest
	SubmittedAt time.Time

	cancel context.CancelFunc
}

// Cancel aborts the transaction's outstanding dispatch, if any.
func (t *Transaction) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// TransactionTable correlates requests with their eventual completions.
// Transaction ids are guest-assigned and meaningful only within one
// session; uniqueness is only required among currently in-flight entries.
type TransactionTable struct {
	mu      sync.Mutex
	entries map[uint64]*Transaction
	drained bool
}

func NewTransactionTable() *TransactionTable {
	return &TransactionTable{
		entries: make(map[uint64]*Transaction),
	}
}

// Admit records a new in-flight transaction. A duplicate id is a protocol
// violation reported to the caller, never a fatal condition. After Drain,
// all admissions fail.
func (t *TransactionTable) Admit(txn *Transaction) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.drained {
		return ErrTableDrained
	}
	if _, ok := t.entries[txn.ID]; ok {
		return fmt.Errorf("%w: %#x", ErrDuplicateTransaction, txn.ID)
	}

	t.entries[txn.ID] = txn
	return nil
}

// Retire removes exactly one entry. Retiring an id that is not in flight
// is a host logic error (the single completion path retires each id once)
// and fails loudly.
func (t *TransactionTable) Retire(id uint64) (*Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	txn, ok := t.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrTransactionNotFound, id)
	}

	delete(t.entries, id)
	return txn, nil
}

// Drain empties the table for session teardown, returning every still
// in-flight entry so their dispatches can be cancelled. The table refuses
// further admissions afterwards.
func (t *TransactionTable) Drain() []*Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.drained = true

	drained := make([]*Transaction, 0, len(t.entries))
	for _, txn := range t.entries {
		drained = append(drained, txn)
	}
	t.entries = make(map[uint64]*Transaction)
	return drained
}

// InFlight is the current queue depth.
func (t *TransactionTable) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
