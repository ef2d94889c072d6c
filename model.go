package invtx

import (
	"context"
	"time"
)

// TxStatus is the lifecycle state of a coordinated transaction.
type TxStatus string

const (
	// TXPending: created, preconditions validated, no locks taken yet.
	TXPending TxStatus = "pending"
	// TXLocking: blocked in lock acquisition.
	TXLocking TxStatus = "locking"
	// TXExecuting: all locks held, delegating sub-steps to executors.
	TXExecuting TxStatus = "executing"
	// TXCommitted: all sub-steps applied, locks released.
	TXCommitted TxStatus = "committed"
	// TXRolledBack: completed sub-steps reversed, locks released.
	TXRolledBack TxStatus = "rolled_back"
	// TXAborted: terminated before execution (lock failure or deadlock victim).
	TXAborted TxStatus = "aborted"
)

func (s TxStatus) String() string {
	return string(s)
}

// Terminal reports whether the status admits no further transitions.
func (s TxStatus) Terminal() bool {
	return s == TXCommitted || s == TXRolledBack || s == TXAborted
}

// validTransitions is the exhaustive status transition table. Any transition
// not listed here is a coordinator bug and is rejected by the state store.
var validTransitions = map[TxStatus][]TxStatus{
	TXPending:   {TXLocking, TXAborted, TXRolledBack},
	TXLocking:   {TXExecuting, TXAborted, TXRolledBack},
	TXExecuting: {TXCommitted, TXRolledBack, TXAborted},
}

func (s TxStatus) canTransitionTo(next TxStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Priority is the caller's contention class. High-priority waiters are granted
// contended locks before normal-priority waiters regardless of arrival order.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func (p Priority) String() string {
	return string(p)
}

// OperationRecord is one completed sub-step of a transaction, kept so a
// mid-failure rollback can reverse completed work in reverse order.
type OperationRecord struct {
	Seq         int       `json:"seq"`
	Kind        string    `json:"kind"`
	Detail      string    `json:"detail"`
	CompletedAt time.Time `json:"completedAt"`

	// compensate undoes this sub-step. Only meaningful while the transaction
	// is in flight; never serialized.
	compensate func(ctx context.Context) error
}

// Transaction is the authoritative record of one coordinated unit of work.
// It is mutated only through the StateStore.
type Transaction struct {
	TXID       string             `json:"txID"`
	Workflow   string             `json:"workflow"`
	Caller     string             `json:"caller"`
	Status     TxStatus           `json:"status"`
	Priority   Priority           `json:"priority"`
	Operations []*OperationRecord `json:"operations"`
	HeldLocks  []string           `json:"heldLocks"`
	StartedAt  time.Time          `json:"startedAt"`
	EndedAt    time.Time          `json:"endedAt"`
	Reason     string             `json:"reason"`

	// Irreversible marks that an external side effect can no longer be undone
	// (phase-2 commit already broadcast). Such transactions are never
	// auto-rolled-back by the sweeper.
	Irreversible bool `json:"irreversible"`
	// NeedsManualIntervention is set by the sweeper when a timed-out
	// transaction cannot be rolled back automatically.
	NeedsManualIntervention bool `json:"needsManualIntervention"`
}

func (t *Transaction) clone() *Transaction {
	cp := *t
	cp.Operations = make([]*OperationRecord, len(t.Operations))
	for i, op := range t.Operations {
		opCp := *op
		cp.Operations[i] = &opCp
	}
	cp.HeldLocks = append([]string(nil), t.HeldLocks...)
	return &cp
}

// WaitForEdge is a derived "waiting transaction blocks on holding transaction"
// relation, recomputed on every detection pass from the lock registry.
type WaitForEdge struct {
	WaitingTXID string
	HoldingTXID string
	ResourceID  string
}

// RollbackReceipt is the observable result of a rollback request. A second
// rollback of the same transaction returns the prior receipt unchanged.
type RollbackReceipt struct {
	TransactionID      string   `json:"transactionID"`
	FinalStatus        TxStatus `json:"finalStatus"`
	StepsRolledBack    int      `json:"stepsRolledBack"`
	Reason             string   `json:"reason"`
	AlreadyFinal       bool     `json:"alreadyFinal"`
	CompensationErrors []string `json:"compensationErrors,omitempty"`
}

// DeadlockReport is the outcome of one detect-and-resolve run.
type DeadlockReport struct {
	DeadlocksDetected    int      `json:"deadlocksDetected"`
	DeadlocksResolved    int      `json:"deadlocksResolved"`
	AffectedTransactions []string `json:"affectedTransactions"`
	Strategy             string   `json:"strategy"`
}

// TimeoutReport is the outcome of one sweep over aged transactions.
type TimeoutReport struct {
	TimedOutTransactions       []string `json:"timedOutTransactions"`
	AutomaticallyRolledBack    []string `json:"automaticallyRolledBack"`
	ManualInterventionRequired []string `json:"manualInterventionRequired"`
}

// ParticipantResult is one participant's view of a two-phase commit round.
type ParticipantResult struct {
	NodeID    string `json:"nodeID"`
	Prepared  bool   `json:"prepared"`
	Committed bool   `json:"committed"`
	Err       string `json:"err,omitempty"`
}

// DistributedResult is the full outcome of a distributed transaction. Phase-2
// partial failures are surfaced here, never as a returned error.
type DistributedResult struct {
	TransactionID  string               `json:"transactionID"`
	Phase1Results  []*ParticipantResult `json:"phase1Results"`
	Phase2Results  []*ParticipantResult `json:"phase2Results"`
	OverallResult  string               `json:"overallResult"` // "committed" | "aborted"
	PartialFailure bool                 `json:"partialFailure"`
}

const (
	OverallCommitted = "committed"
	OverallAborted   = "aborted"
)
