package invtx

import (
	"time"

	"github.com/itemforge/invtx/log"
)

// StrategyAbortYoungest names the victim-selection policy: the youngest
// transaction in each cycle (latest StartedAt, ties broken by greater
// transaction id) is aborted first.
const StrategyAbortYoungest = "abort_youngest"

// DeadlockResolver breaks detected wait-for cycles by aborting victims. After
// aborting one victim per cycle it re-runs detection: cycles sharing a
// transaction can survive the first pass, so resolution only concludes once a
// pass finds no cycles.
type DeadlockResolver struct {
	registry *LockRegistry
	store    *StateStore
	analyzer *WaitForGraphAnalyzer
	observer Observer
}

func NewDeadlockResolver(registry *LockRegistry, store *StateStore, analyzer *WaitForGraphAnalyzer, observer Observer) *DeadlockResolver {
	return &DeadlockResolver{
		registry: registry,
		store:    store,
		analyzer: analyzer,
		observer: observer,
	}
}

// Resolve detects and breaks every current deadlock. It is best-effort and
// never returns an error: a transaction that disappears mid-pass simply stops
// being a candidate.
func (d *DeadlockResolver) Resolve() *DeadlockReport {
	report := &DeadlockReport{Strategy: StrategyAbortYoungest}
	counted := make(map[string]struct{})

	for {
		cycles := d.analyzer.FindCycles(d.analyzer.Snapshot())
		if len(cycles) == 0 {
			return report
		}

		progressed := false
		for _, cycle := range cycles {
			if _, ok := counted[cycleKey(cycle)]; !ok {
				counted[cycleKey(cycle)] = struct{}{}
				report.DeadlocksDetected++
			}

			victim := d.chooseVictim(cycle)
			if victim == "" {
				continue
			}
			d.abortVictim(victim, cycle)
			report.DeadlocksResolved++
			report.AffectedTransactions = append(report.AffectedTransactions, victim)
			progressed = true
		}

		if !progressed {
			// Every remaining cycle lost its candidates to a concurrent
			// terminal transition; the next detection interval retries.
			return report
		}
	}
}

// chooseVictim picks the youngest live transaction in the cycle. Transactions
// missing from the store or already terminal are skipped.
func (d *DeadlockResolver) chooseVictim(cycle []string) string {
	victim := ""
	var victimStart time.Time
	for _, txID := range cycle {
		tx, err := d.store.Get(txID)
		if err != nil || tx.Status.Terminal() {
			continue
		}
		if victim == "" ||
			tx.StartedAt.After(victimStart) ||
			(tx.StartedAt.Equal(victimStart) && txID > victim) {
			victim = txID
			victimStart = tx.StartedAt
		}
	}
	return victim
}

func (d *DeadlockResolver) abortVictim(victim string, cycle []string) {
	// Release first so every waiter blocked on the victim re-evaluates its
	// request; the victim's own pending waits fail with ErrLockAborted.
	released := d.registry.Abort(victim)
	_ = d.store.SetHeldLocks(victim, nil)
	if err := d.store.SetStatus(victim, TXAborted, "deadlock victim"); err != nil {
		log.Warnf("deadlock victim %s status transition failed: %v", victim, err)
	}

	d.observer.Record(&Event{
		Name: "deadlock_resolved",
		TXID: victim,
		At:   time.Now(),
		Fields: map[string]any{
			"cycle":    cycle,
			"released": released,
			"strategy": StrategyAbortYoungest,
		},
	})
}
