package invtx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_state_store_lifecycle(t *testing.T) {
	store := NewStateStore()

	tx := &Transaction{TXID: "t1", Workflow: WorkflowAtomicTransfers, Status: TXPending, StartedAt: time.Now()}
	assert.Nil(t, store.Create(tx))
	assert.Equal(t, true, errors.Is(store.Create(&Transaction{TXID: "t1"}), ErrDuplicateTransaction))

	assert.Nil(t, store.SetStatus("t1", TXLocking, ""))
	assert.Nil(t, store.SetStatus("t1", TXExecuting, ""))
	assert.Nil(t, store.SetStatus("t1", TXCommitted, ""))

	got, err := store.Get("t1")
	assert.Nil(t, err)
	assert.Equal(t, TXCommitted, got.Status)
	assert.Equal(t, false, got.EndedAt.IsZero())
}

func Test_state_store_invalid_transitions(t *testing.T) {
	store := NewStateStore()
	assert.Nil(t, store.Create(&Transaction{TXID: "t1", Status: TXPending, StartedAt: time.Now()}))

	// Pending cannot jump straight to committed.
	assert.NotNil(t, store.SetStatus("t1", TXCommitted, ""))

	assert.Nil(t, store.SetStatus("t1", TXAborted, "lock timeout"))
	// Terminal states admit nothing further.
	assert.NotNil(t, store.SetStatus("t1", TXExecuting, ""))

	got, _ := store.Get("t1")
	assert.Equal(t, TXAborted, got.Status)
	assert.Equal(t, "lock timeout", got.Reason)
}

func Test_state_store_terminal_requires_released_locks(t *testing.T) {
	store := NewStateStore()
	assert.Nil(t, store.Create(&Transaction{TXID: "t1", Status: TXExecuting, StartedAt: time.Now()}))
	assert.Nil(t, store.SetHeldLocks("t1", []string{"res_a"}))

	assert.NotNil(t, store.SetStatus("t1", TXCommitted, ""))

	assert.Nil(t, store.SetHeldLocks("t1", nil))
	assert.Nil(t, store.SetStatus("t1", TXCommitted, ""))
}

func Test_state_store_not_found(t *testing.T) {
	store := NewStateStore()
	_, err := store.Get("missing")
	assert.Equal(t, true, errors.Is(err, ErrTransactionNotFound))
	assert.Equal(t, true, errors.Is(store.SetStatus("missing", TXLocking, ""), ErrTransactionNotFound))
	assert.Equal(t, true, errors.Is(store.Remove("missing"), ErrTransactionNotFound))
}

func Test_state_store_snapshot_isolation(t *testing.T) {
	store := NewStateStore()
	assert.Nil(t, store.Create(&Transaction{TXID: "t1", Status: TXExecuting, StartedAt: time.Now()}))
	assert.Nil(t, store.AppendOperation("t1", "transfer", "a -> b", func(ctx context.Context) error { return nil }))

	snap, err := store.Get("t1")
	assert.Nil(t, err)
	snap.Status = TXCommitted
	snap.Operations[0].Kind = "mutated"

	got, _ := store.Get("t1")
	assert.Equal(t, TXExecuting, got.Status)
	assert.Equal(t, "transfer", got.Operations[0].Kind)
}

func Test_state_store_list_exceeding(t *testing.T) {
	store := NewStateStore()
	now := time.Now()
	assert.Nil(t, store.Create(&Transaction{TXID: "t_aged", Status: TXExecuting, StartedAt: now.Add(-time.Minute)}))
	assert.Nil(t, store.Create(&Transaction{TXID: "t_fresh", Status: TXExecuting, StartedAt: now}))
	assert.Nil(t, store.Create(&Transaction{TXID: "t_done", Status: TXCommitted, StartedAt: now.Add(-time.Minute)}))

	aged := store.ListExceeding(10 * time.Second)
	assert.Equal(t, 1, len(aged))
	assert.Equal(t, "t_aged", aged[0].TXID)
}

func Test_state_store_remove_only_terminal(t *testing.T) {
	store := NewStateStore()
	assert.Nil(t, store.Create(&Transaction{TXID: "t1", Status: TXExecuting, StartedAt: time.Now()}))
	assert.NotNil(t, store.Remove("t1"))

	assert.Nil(t, store.SetStatus("t1", TXRolledBack, "test"))
	assert.Nil(t, store.Remove("t1"))
	_, err := store.Get("t1")
	assert.Equal(t, true, errors.Is(err, ErrTransactionNotFound))
}
