package invtx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itemforge/invtx/log"

	"github.com/google/uuid"
)

const (
	WorkflowAtomicTransfers   = "atomic_transfers"
	WorkflowCrafting          = "crafting"
	WorkflowTrade             = "trade"
	WorkflowBulkDistribution  = "bulk_distribution"
	WorkflowInventoryMerge    = "inventory_merge"
	WorkflowAutoRefill        = "auto_refill"
	WorkflowDistributedCommit = "distributed_commit"
)

// Coordinator orchestrates multi-step inventory operations as units that
// either fully commit or are fully rolled back. It owns the lock registry and
// the state store; nothing else mutates them. A background loop drives
// periodic deadlock detection, timeout sweeps and archival.
type Coordinator struct {
	ctx  context.Context
	stop context.CancelFunc
	opts *Options
	exec *Executors

	store        *StateStore
	registry     *LockRegistry
	arbiter      *PriorityArbiter
	analyzer     *WaitForGraphAnalyzer
	resolver     *DeadlockResolver
	participants *participantRegistry
	twopc        *twoPhaseCoordinator

	// Serializes rollback so concurrent requests for the same transaction
	// observe one reverse pass and one terminal transition.
	rollbackMux sync.Mutex
}

func NewCoordinator(exec *Executors, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		ctx:          ctx,
		stop:         cancel,
		opts:         &Options{},
		exec:         exec,
		store:        NewStateStore(),
		registry:     NewLockRegistry(),
		participants: newParticipantRegistry(),
	}
	if c.exec == nil {
		c.exec = &Executors{}
	}

	for _, opt := range opts {
		opt(c.opts)
	}

	repair(c.opts)

	c.arbiter = NewPriorityArbiter(c.opts.HighPriorityCallers, c.opts.LockWaitTimeout, c.opts.HighPriorityLockWaitTimeout)
	c.analyzer = NewWaitForGraphAnalyzer(c.registry)
	c.resolver = NewDeadlockResolver(c.registry, c.store, c.analyzer, c.opts.Observer)
	c.twopc = &twoPhaseCoordinator{
		participantTimeout: c.opts.ParticipantTimeout,
		observer:           c.opts.Observer,
	}

	go c.runDetector()
	go c.runSweeper()
	return c
}

// Stop shuts down the background loops. In-flight operations finish on their
// own callers' goroutines.
func (c *Coordinator) Stop() {
	c.stop()
	if o, ok := c.opts.Observer.(*bufferedObserver); ok {
		o.Close()
	}
}

// RegisterParticipant adds a node to the fixed participant set available to
// distributed transactions.
func (c *Coordinator) RegisterParticipant(node ParticipantNode) error {
	return c.participants.register(node)
}

// AtomicTransfersRequest executes a batch of slot-to-slot transfers as one
// unit: either every transfer applies or none remain applied.
type AtomicTransfersRequest struct {
	TXID      string             `json:"txID"`
	Caller    string             `json:"caller"`
	Transfers []*TransferRequest `json:"transfers"`
}

type AtomicTransfersResult struct {
	TransactionID      string `json:"transactionID"`
	CompletedTransfers int    `json:"completedTransfers"`
	TotalTransfers     int    `json:"totalTransfers"`
}

func (c *Coordinator) ExecuteAtomicTransfers(ctx context.Context, req *AtomicTransfersRequest) (*AtomicTransfersResult, error) {
	if req == nil || len(req.Transfers) == 0 {
		return nil, ErrEmptyRequest
	}
	if c.exec.Transfer == nil {
		return nil, &ValidationError{Workflow: WorkflowAtomicTransfers, Reason: "no transfer executor configured"}
	}

	var reqs []*LockRequest
	for _, transfer := range req.Transfers {
		reqs = append(reqs,
			&LockRequest{ResourceID: SlotResource(transfer.SourceInventory, transfer.SourceSlot), Mode: WriteLock},
			&LockRequest{ResourceID: SlotResource(transfer.TargetInventory, transfer.TargetSlot), Mode: WriteLock},
		)
	}

	txID, err := c.begin(ctx, req.TXID, WorkflowAtomicTransfers, req.Caller, req.Transfers, reqs)
	if err != nil {
		return nil, err
	}

	for i, transfer := range req.Transfers {
		if _, err := c.exec.Transfer.Transfer(ctx, transfer); err != nil {
			return nil, c.failAndRollback(ctx, txID, fmt.Errorf("transfer %d/%d: %w", i+1, len(req.Transfers), err))
		}

		reversed := transfer.Reversed()
		detail := fmt.Sprintf("%s -> %s x%d", SlotResource(transfer.SourceInventory, transfer.SourceSlot), SlotResource(transfer.TargetInventory, transfer.TargetSlot), transfer.Quantity)
		c.recordStep(txID, "transfer", detail, func(ctx context.Context) error {
			_, err := c.exec.Transfer.Transfer(ctx, reversed)
			return err
		})
	}

	if err := c.commit(txID); err != nil {
		return nil, err
	}
	return &AtomicTransfersResult{
		TransactionID:      txID,
		CompletedTransfers: len(req.Transfers),
		TotalTransfers:     len(req.Transfers),
	}, nil
}

type CraftingTransactionRequest struct {
	TXID   string           `json:"txID"`
	Caller string           `json:"caller"`
	Craft  *CraftingRequest `json:"craft"`
}

type CraftingTransactionResult struct {
	TransactionID string           `json:"transactionID"`
	Outcome       *CraftingOutcome `json:"outcome"`
}

func (c *Coordinator) ExecuteCraftingTransaction(ctx context.Context, req *CraftingTransactionRequest) (*CraftingTransactionResult, error) {
	if req == nil || req.Craft == nil {
		return nil, ErrEmptyRequest
	}
	if c.exec.Crafting == nil {
		return nil, &ValidationError{Workflow: WorkflowCrafting, Reason: "no crafting executor configured"}
	}

	craft := req.Craft
	var reqs []*LockRequest
	for _, slot := range craft.IngredientSlots {
		reqs = append(reqs, &LockRequest{ResourceID: SlotResource(craft.Inventory, slot), Mode: WriteLock})
	}
	reqs = append(reqs, &LockRequest{ResourceID: SlotResource(craft.Inventory, craft.OutputSlot), Mode: WriteLock})

	txID, err := c.begin(ctx, req.TXID, WorkflowCrafting, req.Caller, craft, reqs)
	if err != nil {
		return nil, err
	}

	outcome, err := c.exec.Crafting.Craft(ctx, craft)
	if err != nil {
		return nil, c.failAndRollback(ctx, txID, fmt.Errorf("craft recipe %s: %w", craft.RecipeID, err))
	}
	c.recordStep(txID, "craft", fmt.Sprintf("recipe %s x%d", craft.RecipeID, craft.Quantity), func(ctx context.Context) error {
		return c.exec.Crafting.UndoCraft(ctx, craft, outcome)
	})

	if err := c.commit(txID); err != nil {
		return nil, err
	}
	return &CraftingTransactionResult{TransactionID: txID, Outcome: outcome}, nil
}

type TradeTransactionRequest struct {
	TXID   string        `json:"txID"`
	Caller string        `json:"caller"`
	Trade  *TradeRequest `json:"trade"`
}

type TradeTransactionResult struct {
	TransactionID string `json:"transactionID"`
	MovedStacks   int    `json:"movedStacks"`
}

// ExecuteTradeTransaction swaps the two trade legs atomically. Both party
// inventories are locked at inventory granularity for the whole exchange.
func (c *Coordinator) ExecuteTradeTransaction(ctx context.Context, req *TradeTransactionRequest) (*TradeTransactionResult, error) {
	if req == nil || req.Trade == nil || req.Trade.InitiatorLeg == nil || req.Trade.CounterpartyLeg == nil {
		return nil, ErrEmptyRequest
	}
	if c.exec.Trade == nil {
		return nil, &ValidationError{Workflow: WorkflowTrade, Reason: "no trade executor configured"}
	}

	trade := req.Trade
	reqs := []*LockRequest{
		{ResourceID: InventoryResource(trade.InitiatorLeg.FromInventory), Mode: WriteLock},
		{ResourceID: InventoryResource(trade.CounterpartyLeg.FromInventory), Mode: WriteLock},
	}

	txID, err := c.begin(ctx, req.TXID, WorkflowTrade, req.Caller, trade, reqs)
	if err != nil {
		return nil, err
	}

	moved := 0
	for _, leg := range []*TradeLeg{trade.InitiatorLeg, trade.CounterpartyLeg} {
		// shadow
		leg := leg
		outcome, err := c.exec.Trade.ExecuteLeg(ctx, leg)
		if err != nil {
			return nil, c.failAndRollback(ctx, txID, fmt.Errorf("trade leg %s -> %s: %w", leg.FromInventory, leg.ToInventory, err))
		}
		moved += outcome.MovedStacks
		c.recordStep(txID, "trade_leg", fmt.Sprintf("%s -> %s", leg.FromInventory, leg.ToInventory), func(ctx context.Context) error {
			return c.exec.Trade.ReverseLeg(ctx, leg)
		})
	}

	if err := c.commit(txID); err != nil {
		return nil, err
	}
	return &TradeTransactionResult{TransactionID: txID, MovedStacks: moved}, nil
}

type BulkDistributionRequest struct {
	TXID         string               `json:"txID"`
	Caller       string               `json:"caller"`
	Distribution *DistributionRequest `json:"distribution"`
}

type BulkDistributionResult struct {
	TransactionID    string `json:"transactionID"`
	TargetsDelivered int    `json:"targetsDelivered"`
	TotalTargets     int    `json:"totalTargets"`
}

func (c *Coordinator) ExecuteBulkDistribution(ctx context.Context, req *BulkDistributionRequest) (*BulkDistributionResult, error) {
	if req == nil || req.Distribution == nil || len(req.Distribution.TargetInventories) == 0 {
		return nil, ErrEmptyRequest
	}
	if c.exec.Distribution == nil {
		return nil, &ValidationError{Workflow: WorkflowBulkDistribution, Reason: "no distribution executor configured"}
	}

	dist := req.Distribution
	reqs := []*LockRequest{{ResourceID: InventoryResource(dist.SourceInventory), Mode: WriteLock}}
	for _, target := range dist.TargetInventories {
		reqs = append(reqs, &LockRequest{ResourceID: InventoryResource(target), Mode: WriteLock})
	}

	txID, err := c.begin(ctx, req.TXID, WorkflowBulkDistribution, req.Caller, dist, reqs)
	if err != nil {
		return nil, err
	}

	for i, target := range dist.TargetInventories {
		// shadow
		target := target
		if _, err := c.exec.Distribution.Distribute(ctx, dist.SourceInventory, target, dist.ItemID, dist.QuantityPerTarget); err != nil {
			return nil, c.failAndRollback(ctx, txID, fmt.Errorf("distribute to target %d/%d (%s): %w", i+1, len(dist.TargetInventories), target, err))
		}
		c.recordStep(txID, "distribute", fmt.Sprintf("%s -> %s: %s x%d", dist.SourceInventory, target, dist.ItemID, dist.QuantityPerTarget), func(ctx context.Context) error {
			return c.exec.Distribution.UndoDistribute(ctx, dist.SourceInventory, target, dist.ItemID, dist.QuantityPerTarget)
		})
	}

	if err := c.commit(txID); err != nil {
		return nil, err
	}
	return &BulkDistributionResult{
		TransactionID:    txID,
		TargetsDelivered: len(dist.TargetInventories),
		TotalTargets:     len(dist.TargetInventories),
	}, nil
}

type InventoryMergeRequest struct {
	TXID   string        `json:"txID"`
	Caller string        `json:"caller"`
	Merge  *MergeRequest `json:"merge"`
}

type InventoryMergeResult struct {
	TransactionID string        `json:"transactionID"`
	Outcome       *MergeOutcome `json:"outcome"`
}

func (c *Coordinator) ExecuteInventoryMerge(ctx context.Context, req *InventoryMergeRequest) (*InventoryMergeResult, error) {
	if req == nil || req.Merge == nil {
		return nil, ErrEmptyRequest
	}
	if c.exec.Merge == nil {
		return nil, &ValidationError{Workflow: WorkflowInventoryMerge, Reason: "no merge executor configured"}
	}

	merge := req.Merge
	reqs := []*LockRequest{
		{ResourceID: InventoryResource(merge.SourceInventory), Mode: WriteLock},
		{ResourceID: InventoryResource(merge.TargetInventory), Mode: WriteLock},
	}

	txID, err := c.begin(ctx, req.TXID, WorkflowInventoryMerge, req.Caller, merge, reqs)
	if err != nil {
		return nil, err
	}

	outcome, err := c.exec.Merge.Merge(ctx, merge)
	if err != nil {
		return nil, c.failAndRollback(ctx, txID, fmt.Errorf("merge %s into %s: %w", merge.SourceInventory, merge.TargetInventory, err))
	}
	c.recordStep(txID, "merge", fmt.Sprintf("%s -> %s", merge.SourceInventory, merge.TargetInventory), func(ctx context.Context) error {
		return c.exec.Merge.UndoMerge(ctx, merge, outcome)
	})

	if err := c.commit(txID); err != nil {
		return nil, err
	}
	return &InventoryMergeResult{TransactionID: txID, Outcome: outcome}, nil
}

type AutoRefillRequest struct {
	TXID   string         `json:"txID"`
	Caller string         `json:"caller"`
	Refill *RefillRequest `json:"refill"`
}

type AutoRefillResult struct {
	TransactionID string         `json:"transactionID"`
	Outcome       *RefillOutcome `json:"outcome"`
}

func (c *Coordinator) ExecuteAutoRefill(ctx context.Context, req *AutoRefillRequest) (*AutoRefillResult, error) {
	if req == nil || req.Refill == nil {
		return nil, ErrEmptyRequest
	}
	if c.exec.Refill == nil {
		return nil, &ValidationError{Workflow: WorkflowAutoRefill, Reason: "no refill executor configured"}
	}

	refill := req.Refill
	reqs := []*LockRequest{
		{ResourceID: SlotResource(refill.Inventory, refill.Slot), Mode: WriteLock},
		{ResourceID: InventoryResource(refill.SourceInventory), Mode: WriteLock},
	}

	txID, err := c.begin(ctx, req.TXID, WorkflowAutoRefill, req.Caller, refill, reqs)
	if err != nil {
		return nil, err
	}

	outcome, err := c.exec.Refill.Refill(ctx, refill)
	if err != nil {
		return nil, c.failAndRollback(ctx, txID, fmt.Errorf("refill %s: %w", SlotResource(refill.Inventory, refill.Slot), err))
	}
	c.recordStep(txID, "refill", fmt.Sprintf("%s: %s -> x%d", refill.SourceInventory, SlotResource(refill.Inventory, refill.Slot), refill.TargetQuantity), func(ctx context.Context) error {
		return c.exec.Refill.UndoRefill(ctx, refill, outcome)
	})

	if err := c.commit(txID); err != nil {
		return nil, err
	}
	return &AutoRefillResult{TransactionID: txID, Outcome: outcome}, nil
}

// DistributedTransactionRequest drives a coordinator-initiated two-phase
// commit over a fixed, pre-registered participant set.
type DistributedTransactionRequest struct {
	TXID             string         `json:"txID"`
	Caller           string         `json:"caller"`
	CoordinatorNode  string         `json:"coordinatorNode"`
	ParticipantNodes []string       `json:"participantNodes"`
	Payload          map[string]any `json:"payload"`
}

// ExecuteDistributedTransaction runs both phases and reports the outcome.
// A global abort is a normal result, not an error; phase-2 partial failures
// are flagged on the result for manual reconciliation.
func (c *Coordinator) ExecuteDistributedTransaction(ctx context.Context, req *DistributedTransactionRequest) (*DistributedResult, error) {
	if req == nil || len(req.ParticipantNodes) == 0 {
		return nil, ErrEmptyRequest
	}

	nodes, err := c.participants.getNodes(req.ParticipantNodes...)
	if err != nil {
		return nil, err
	}

	txID, err := c.begin(ctx, req.TXID, WorkflowDistributedCommit, req.Caller, req.Payload, nil)
	if err != nil {
		return nil, err
	}

	result := c.twopc.run(ctx, txID, req.CoordinatorNode, nodes, req.Payload, func() {
		// Once the commit broadcast starts the transaction can no longer be
		// rolled back automatically.
		_ = c.store.MarkIrreversible(txID)
	})

	if result.OverallResult == OverallCommitted {
		reason := ""
		if result.PartialFailure {
			reason = "phase-2 partial failure: manual reconciliation required"
			_ = c.store.MarkManualIntervention(txID)
		}
		if err := c.store.SetStatus(txID, TXCommitted, reason); err != nil {
			log.ErrorContextf(ctx, "distributed tx %s commit transition failed: %v", txID, err)
		}
	} else {
		if err := c.store.SetStatus(txID, TXAborted, "participant prepare failed"); err != nil {
			log.ErrorContextf(ctx, "distributed tx %s abort transition failed: %v", txID, err)
		}
	}

	return result, nil
}

// RollbackTransaction reverses a transaction's completed sub-steps in reverse
// order. Calling it on a transaction already in a terminal state is an
// idempotent no-op returning the prior outcome.
func (c *Coordinator) RollbackTransaction(ctx context.Context, txID, reason string) (*RollbackReceipt, error) {
	return c.rollback(ctx, txID, reason)
}

// GetTransactionStatus returns a snapshot of the transaction, or
// ErrTransactionNotFound for an unknown id.
func (c *Coordinator) GetTransactionStatus(txID string) (*Transaction, error) {
	return c.store.Get(txID)
}

// DetectAndResolveDeadlocks runs one full detection/resolution round on
// demand, independent of the background interval.
func (c *Coordinator) DetectAndResolveDeadlocks() *DeadlockReport {
	return c.resolver.Resolve()
}

func (c *Coordinator) begin(ctx context.Context, txID, workflow, caller string, payload any, reqs []*LockRequest) (string, error) {
	if txID == "" {
		txID = uuid.NewString()
	}
	reqs = SortLockRequests(reqs)

	resources := make([]string, 0, len(reqs))
	for _, req := range reqs {
		resources = append(resources, req.ResourceID)
	}

	// Precondition check happens before any lock or record exists, so a
	// validation failure has nothing to undo.
	if err := c.opts.Validator.Validate(ctx, &Preconditions{
		TXID:      txID,
		Workflow:  workflow,
		Caller:    caller,
		Resources: resources,
		Payload:   payload,
	}); err != nil {
		return "", err
	}

	priority := c.arbiter.PriorityFor(caller)
	tx := &Transaction{
		TXID:      txID,
		Workflow:  workflow,
		Caller:    caller,
		Status:    TXPending,
		Priority:  priority,
		StartedAt: time.Now(),
	}
	if err := c.store.Create(tx); err != nil {
		return "", err
	}
	c.event("transaction_created", txID, map[string]any{"workflow": workflow, "caller": caller, "priority": priority.String()})

	_ = c.store.SetStatus(txID, TXLocking, "")
	if err := c.registry.Acquire(ctx, txID, reqs, priority, c.arbiter.WaitTimeout(priority)); err != nil {
		c.abortOnLockFailure(txID, err)
		return "", err
	}
	_ = c.store.SetHeldLocks(txID, c.registry.HeldBy(txID))

	if err := c.store.SetStatus(txID, TXExecuting, ""); err != nil {
		// Raced a sweep or manual rollback to a terminal state: give the
		// locks back and report the transaction's fate.
		c.registry.ReleaseAll(txID)
		_ = c.store.SetHeldLocks(txID, nil)
		return "", fmt.Errorf("tx %s no longer executable: %w", txID, err)
	}
	c.event("locks_acquired", txID, map[string]any{"resources": resources})
	return txID, nil
}

func (c *Coordinator) abortOnLockFailure(txID string, cause error) {
	tx, err := c.store.Get(txID)
	if err != nil {
		return
	}
	if !tx.Status.Terminal() {
		// Partial grants were already released by Acquire; only the record
		// needs its terminal transition.
		_ = c.store.SetHeldLocks(txID, nil)
		if err := c.store.SetStatus(txID, TXAborted, cause.Error()); err != nil {
			log.Warnf("tx %s abort transition failed: %v", txID, err)
		}
	}
	c.event("transaction_aborted", txID, map[string]any{"reason": cause.Error()})
}

func (c *Coordinator) recordStep(txID, kind, detail string, compensate func(ctx context.Context) error) {
	if err := c.store.AppendOperation(txID, kind, detail, compensate); err != nil {
		log.Warnf("tx %s record step %s failed: %v", txID, kind, err)
	}
	c.event("step_completed", txID, map[string]any{"kind": kind, "detail": detail})
}

func (c *Coordinator) commit(txID string) error {
	released := c.registry.ReleaseAll(txID)
	_ = c.store.SetHeldLocks(txID, nil)
	if err := c.store.SetStatus(txID, TXCommitted, ""); err != nil {
		return fmt.Errorf("tx %s commit transition failed: %w", txID, err)
	}
	c.event("transaction_committed", txID, map[string]any{"releasedLocks": len(released)})
	return nil
}

func (c *Coordinator) failAndRollback(ctx context.Context, txID string, cause error) error {
	if _, err := c.rollback(ctx, txID, cause.Error()); err != nil {
		log.ErrorContextf(ctx, "tx %s rollback after failure errored: %v", txID, err)
	}
	return cause
}

func (c *Coordinator) rollback(ctx context.Context, txID, reason string) (*RollbackReceipt, error) {
	c.rollbackMux.Lock()
	defer c.rollbackMux.Unlock()

	tx, err := c.store.Get(txID)
	if err != nil {
		return nil, err
	}
	if tx.Status.Terminal() {
		return &RollbackReceipt{
			TransactionID: txID,
			FinalStatus:   tx.Status,
			Reason:        tx.Reason,
			AlreadyFinal:  true,
		}, nil
	}

	ops, err := c.store.TakeOperations(txID)
	if err != nil {
		return nil, err
	}

	receipt := &RollbackReceipt{TransactionID: txID, Reason: reason}
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if op.compensate == nil {
			continue
		}
		if err := op.compensate(ctx); err != nil {
			receipt.CompensationErrors = append(receipt.CompensationErrors, fmt.Sprintf("step %d (%s): %v", op.Seq, op.Kind, err))
			log.ErrorContextf(ctx, "tx %s compensation for step %d failed: %v", txID, op.Seq, err)
			continue
		}
		receipt.StepsRolledBack++
	}

	// Abort rather than plain release: pending lock waits of this
	// transaction (a concurrent begin) must be cancelled too.
	c.registry.Abort(txID)
	_ = c.store.SetHeldLocks(txID, nil)
	if err := c.store.SetStatus(txID, TXRolledBack, reason); err != nil {
		return nil, fmt.Errorf("tx %s rollback transition failed: %w", txID, err)
	}
	receipt.FinalStatus = TXRolledBack

	c.event("transaction_rolled_back", txID, map[string]any{
		"reason":        reason,
		"reversedSteps": receipt.StepsRolledBack,
	})
	return receipt, nil
}

func (c *Coordinator) runDetector() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.opts.DeadlockDetectInterval):
			report := c.resolver.Resolve()
			if report.DeadlocksResolved > 0 {
				log.Infof("deadlock pass resolved %d cycle(s), victims: %v", report.DeadlocksResolved, report.AffectedTransactions)
			}
		}
	}
}

func (c *Coordinator) event(name, txID string, fields map[string]any) {
	c.opts.Observer.Record(&Event{Name: name, TXID: txID, At: time.Now(), Fields: fields})
}
