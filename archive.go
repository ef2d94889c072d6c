package invtx

import (
	"context"
	"time"
)

// OperationSummary is the serializable view of a completed sub-step.
type OperationSummary struct {
	Seq         int       `json:"seq"`
	Kind        string    `json:"kind"`
	Detail      string    `json:"detail"`
	CompletedAt time.Time `json:"completedAt"`
}

// TransactionRecord is the durable form of a terminal transaction, handed to
// the ArchiveSink before the transaction is evicted from the active store.
type TransactionRecord struct {
	TXID       string              `json:"txID"`
	Workflow   string              `json:"workflow"`
	Caller     string              `json:"caller"`
	Status     string              `json:"status"`
	Priority   string              `json:"priority"`
	Reason     string              `json:"reason"`
	Operations []*OperationSummary `json:"operations"`
	StartedAt  time.Time           `json:"startedAt"`
	EndedAt    time.Time           `json:"endedAt"`
}

type ArchiveReceipt struct {
	TXID     string `json:"txID"`
	Location string `json:"location"`
}

// ArchiveSink persists transaction records. Implemented elsewhere and
// injected; the storage package provides a gorm/MySQL-backed sink.
type ArchiveSink interface {
	Archive(ctx context.Context, record *TransactionRecord) (*ArchiveReceipt, error)
}

type noopArchiveSink struct{}

func (noopArchiveSink) Archive(ctx context.Context, record *TransactionRecord) (*ArchiveReceipt, error) {
	return &ArchiveReceipt{TXID: record.TXID, Location: "discard"}, nil
}

// SweepLocker serializes the background sweep across coordinator instances
// that share one archive store. Expected to be a distributed lock.
type SweepLocker interface {
	Lock(ctx context.Context, expireDuration time.Duration) error
	Unlock(ctx context.Context) error
}

// ArchiveReport summarizes one archival pass.
type ArchiveReport struct {
	Archived []string `json:"archived"`
	Failed   []string `json:"failed,omitempty"`
}

func recordOf(tx *Transaction) *TransactionRecord {
	ops := make([]*OperationSummary, 0, len(tx.Operations))
	for _, op := range tx.Operations {
		ops = append(ops, &OperationSummary{
			Seq:         op.Seq,
			Kind:        op.Kind,
			Detail:      op.Detail,
			CompletedAt: op.CompletedAt,
		})
	}

	return &TransactionRecord{
		TXID:       tx.TXID,
		Workflow:   tx.Workflow,
		Caller:     tx.Caller,
		Status:     tx.Status.String(),
		Priority:   tx.Priority.String(),
		Reason:     tx.Reason,
		Operations: ops,
		StartedAt:  tx.StartedAt,
		EndedAt:    tx.EndedAt,
	}
}
