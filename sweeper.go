package invtx

import (
	"context"
	"time"

	"github.com/itemforge/invtx/log"
)

// HandleTransactionTimeouts sweeps non-terminal transactions older than the
// threshold. Rollback-safe ones are rolled back automatically; transactions
// past an irreversible side effect are flagged for manual intervention and
// left untouched, never dropped. A non-positive threshold falls back to the
// configured transaction timeout.
func (c *Coordinator) HandleTransactionTimeouts(ctx context.Context, threshold time.Duration) *TimeoutReport {
	if threshold <= 0 {
		threshold = c.opts.TransactionTimeout
	}

	report := &TimeoutReport{}
	for _, tx := range c.store.ListExceeding(threshold) {
		report.TimedOutTransactions = append(report.TimedOutTransactions, tx.TXID)

		if tx.Irreversible {
			if err := c.store.MarkManualIntervention(tx.TXID); err != nil {
				log.Warnf("tx %s manual-intervention flag failed: %v", tx.TXID, err)
			}
			report.ManualInterventionRequired = append(report.ManualInterventionRequired, tx.TXID)
			c.event("timeout_manual_intervention", tx.TXID, map[string]any{"age": time.Since(tx.StartedAt).String()})
			continue
		}

		receipt, err := c.rollback(ctx, tx.TXID, "transaction timeout")
		if err != nil {
			log.ErrorContextf(ctx, "tx %s timeout rollback failed: %v", tx.TXID, err)
			if markErr := c.store.MarkManualIntervention(tx.TXID); markErr != nil {
				log.Warnf("tx %s manual-intervention flag failed: %v", tx.TXID, markErr)
			}
			report.ManualInterventionRequired = append(report.ManualInterventionRequired, tx.TXID)
			continue
		}
		if receipt.AlreadyFinal {
			// Finished on its own between the snapshot and the rollback.
			continue
		}
		report.AutomaticallyRolledBack = append(report.AutomaticallyRolledBack, tx.TXID)
	}

	if len(report.TimedOutTransactions) > 0 {
		c.event("timeout_sweep", "", map[string]any{
			"timedOut":    len(report.TimedOutTransactions),
			"rolledBack":  len(report.AutomaticallyRolledBack),
			"needsManual": len(report.ManualInterventionRequired),
		})
	}
	return report
}

// ArchiveTransactionLogs pushes terminal transactions older than the archive
// retention to the ArchiveSink and evicts them from the active store. A sink
// failure keeps the transaction in the store for the next pass.
func (c *Coordinator) ArchiveTransactionLogs(ctx context.Context) (*ArchiveReport, error) {
	cutoff := time.Now().Add(-c.opts.ArchiveRetention)

	report := &ArchiveReport{}
	var firstErr error
	for _, tx := range c.store.ListTerminalBefore(cutoff) {
		if _, err := c.opts.Archive.Archive(ctx, recordOf(tx)); err != nil {
			report.Failed = append(report.Failed, tx.TXID)
			if firstErr == nil {
				firstErr = err
			}
			log.ErrorContextf(ctx, "tx %s archive failed: %v", tx.TXID, err)
			continue
		}
		if err := c.store.Remove(tx.TXID); err != nil {
			log.Warnf("tx %s eviction after archive failed: %v", tx.TXID, err)
			continue
		}
		report.Archived = append(report.Archived, tx.TXID)
	}

	if len(report.Archived) > 0 {
		c.event("archive_pass", "", map[string]any{"archived": len(report.Archived), "failed": len(report.Failed)})
	}
	return report, firstErr
}

func (c *Coordinator) backOffTick(tick time.Duration) time.Duration {
	tick <<= 1
	if threshold := c.opts.SweepInterval << 3; tick > threshold {
		return threshold
	}
	return tick
}

// runSweeper drives the periodic timeout sweep and archival pass. Failures
// back the tick off exponentially; when a sweep locker is configured, losing
// the lock (another instance is sweeping) skips the pass without back-off.
func (c *Coordinator) runSweeper() {
	var tick time.Duration
	var err error
	for {
		if err == nil {
			tick = c.opts.SweepInterval
		} else {
			tick = c.backOffTick(tick)
		}
		select {
		case <-c.ctx.Done():
			return

		case <-time.After(tick):
			if c.opts.SweepLocker != nil {
				if err = c.opts.SweepLocker.Lock(c.ctx, c.opts.SweepInterval); err != nil {
					err = nil
					continue
				}
			}

			c.HandleTransactionTimeouts(c.ctx, c.opts.TransactionTimeout)
			_, err = c.ArchiveTransactionLogs(c.ctx)

			if c.opts.SweepLocker != nil {
				_ = c.opts.SweepLocker.Unlock(c.ctx)
			}
		}
	}
}
