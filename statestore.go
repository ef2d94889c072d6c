package invtx

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// StateStore is the authoritative record of every in-flight and recently
// finished transaction. All mutation is funneled through its methods; Get
// returns defensive copies so callers never alias internal state.
type StateStore struct {
	mu  sync.RWMutex
	txs map[string]*Transaction
}

func NewStateStore() *StateStore {
	return &StateStore{
		txs: make(map[string]*Transaction),
	}
}

func (s *StateStore) Create(tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.TXID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, tx.TXID)
	}
	s.txs[tx.TXID] = tx
	return nil
}

// Get returns a snapshot of the transaction, or ErrTransactionNotFound.
func (s *StateStore) Get(txID string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	return tx.clone(), nil
}

// SetStatus applies a lifecycle transition, rejecting anything outside the
// transition table. Terminal transitions stamp EndedAt and require the held
// lock set to be empty already.
func (s *StateStore) SetStatus(txID string, status TxStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	if tx.Status == status {
		return nil
	}
	if !tx.Status.canTransitionTo(status) {
		return fmt.Errorf("invalid status transition %s -> %s for tx %s", tx.Status, status, txID)
	}
	if status.Terminal() && len(tx.HeldLocks) != 0 {
		return fmt.Errorf("tx %s still holds %d locks at terminal transition", txID, len(tx.HeldLocks))
	}

	tx.Status = status
	if reason != "" {
		tx.Reason = reason
	}
	if status.Terminal() {
		tx.EndedAt = time.Now()
	}
	return nil
}

// AppendOperation records a completed sub-step together with its
// compensating action.
func (s *StateStore) AppendOperation(txID, kind, detail string, compensate func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}

	tx.Operations = append(tx.Operations, &OperationRecord{
		Seq:         len(tx.Operations) + 1,
		Kind:        kind,
		Detail:      detail,
		CompletedAt: time.Now(),
		compensate:  compensate,
	})
	return nil
}

// TakeOperations returns the recorded sub-steps with their live compensation
// closures, newest last. Used by the rollback path only.
func (s *StateStore) TakeOperations(txID string) ([]*OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	return append([]*OperationRecord(nil), tx.Operations...), nil
}

// SetHeldLocks replaces the transaction's recorded lock set.
func (s *StateStore) SetHeldLocks(txID string, resources []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	tx.HeldLocks = append([]string(nil), resources...)
	return nil
}

// MarkIrreversible flags that the transaction has produced an external side
// effect that cannot be undone.
func (s *StateStore) MarkIrreversible(txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	tx.Irreversible = true
	return nil
}

// MarkManualIntervention flags a timed-out transaction the sweeper refuses to
// roll back automatically. The transaction is left untouched otherwise.
func (s *StateStore) MarkManualIntervention(txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	tx.NeedsManualIntervention = true
	return nil
}

// ListExceeding returns snapshots of non-terminal transactions older than the
// threshold, sorted by transaction id for deterministic sweeps.
func (s *StateStore) ListExceeding(threshold time.Duration) []*Transaction {
	cutoff := time.Now().Add(-threshold)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var aged []*Transaction
	for _, tx := range s.txs {
		if tx.Status.Terminal() {
			continue
		}
		if tx.StartedAt.Before(cutoff) {
			aged = append(aged, tx.clone())
		}
	}
	sortTransactions(aged)
	return aged
}

// ListTerminalBefore returns snapshots of terminal transactions that ended
// before the cutoff, the candidates for archival.
func (s *StateStore) ListTerminalBefore(cutoff time.Time) []*Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var done []*Transaction
	for _, tx := range s.txs {
		if !tx.Status.Terminal() {
			continue
		}
		if tx.EndedAt.Before(cutoff) {
			done = append(done, tx.clone())
		}
	}
	sortTransactions(done)
	return done
}

// Remove evicts a transaction from the active store. Only terminal
// transactions may be removed.
func (s *StateStore) Remove(txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	if !tx.Status.Terminal() {
		return fmt.Errorf("cannot remove non-terminal tx %s in status %s", txID, tx.Status)
	}
	delete(s.txs, txID)
	return nil
}

func sortTransactions(txs []*Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		return txs[i].TXID < txs[j].TXID
	})
}
