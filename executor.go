package invtx

import "context"

// The executors below carry the item/recipe domain logic. The coordinator
// treats them as opaque collaborators: each workflow sub-step is a forward
// call paired with a compensating call used during rollback.

// TransferRequest moves a quantity of items between two inventory slots.
type TransferRequest struct {
	SourceInventory string `json:"sourceInventory"`
	TargetInventory string `json:"targetInventory"`
	SourceSlot      int    `json:"sourceSlot"`
	TargetSlot      int    `json:"targetSlot"`
	Quantity        int    `json:"quantity"`
}

// Reversed returns the compensating transfer that undoes the request.
func (t *TransferRequest) Reversed() *TransferRequest {
	return &TransferRequest{
		SourceInventory: t.TargetInventory,
		TargetInventory: t.SourceInventory,
		SourceSlot:      t.TargetSlot,
		TargetSlot:      t.SourceSlot,
		Quantity:        t.Quantity,
	}
}

type TransferOutcome struct {
	MovedQuantity int `json:"movedQuantity"`
}

type TransferExecutor interface {
	// Transfer applies one slot-to-slot move. Rollback re-invokes Transfer
	// with the reversed request.
	Transfer(ctx context.Context, req *TransferRequest) (*TransferOutcome, error)
}

// CraftingRequest consumes ingredient slots and produces into the output slot.
type CraftingRequest struct {
	Inventory       string `json:"inventory"`
	RecipeID        string `json:"recipeID"`
	IngredientSlots []int  `json:"ingredientSlots"`
	OutputSlot      int    `json:"outputSlot"`
	Quantity        int    `json:"quantity"`
}

type CraftingOutcome struct {
	ProducedItemID   string `json:"producedItemID"`
	ProducedQuantity int    `json:"producedQuantity"`
}

type CraftingExecutor interface {
	Craft(ctx context.Context, req *CraftingRequest) (*CraftingOutcome, error)
	// UndoCraft restores consumed ingredients and removes the produced items.
	UndoCraft(ctx context.Context, req *CraftingRequest, outcome *CraftingOutcome) error
}

// TradeLeg is one direction of a trade: items leaving one party's inventory
// for the other's. A full trade is two legs executed under one transaction.
type TradeLeg struct {
	FromInventory string `json:"fromInventory"`
	ToInventory   string `json:"toInventory"`
	Slots         []int  `json:"slots"`
}

type TradeRequest struct {
	InitiatorLeg    *TradeLeg `json:"initiatorLeg"`
	CounterpartyLeg *TradeLeg `json:"counterpartyLeg"`
}

type TradeOutcome struct {
	MovedStacks int `json:"movedStacks"`
}

type TradeExecutor interface {
	ExecuteLeg(ctx context.Context, leg *TradeLeg) (*TradeOutcome, error)
	ReverseLeg(ctx context.Context, leg *TradeLeg) error
}

// DistributionRequest spreads a quantity of one item from a source inventory
// across a set of target inventories, all-or-nothing.
type DistributionRequest struct {
	SourceInventory   string   `json:"sourceInventory"`
	TargetInventories []string `json:"targetInventories"`
	ItemID            string   `json:"itemID"`
	QuantityPerTarget int      `json:"quantityPerTarget"`
}

type DistributionOutcome struct {
	DeliveredQuantity int `json:"deliveredQuantity"`
}

type DistributionExecutor interface {
	Distribute(ctx context.Context, source, target, itemID string, quantity int) (*DistributionOutcome, error)
	UndoDistribute(ctx context.Context, source, target, itemID string, quantity int) error
}

// MergeRequest folds the whole source inventory into the target inventory.
type MergeRequest struct {
	SourceInventory string `json:"sourceInventory"`
	TargetInventory string `json:"targetInventory"`
}

type MergeOutcome struct {
	MovedStacks  int `json:"movedStacks"`
	MergedStacks int `json:"mergedStacks"`
}

type MergeExecutor interface {
	Merge(ctx context.Context, req *MergeRequest) (*MergeOutcome, error)
	UndoMerge(ctx context.Context, req *MergeRequest, outcome *MergeOutcome) error
}

// RefillRequest tops a slot back up to its target quantity from a source
// inventory.
type RefillRequest struct {
	Inventory       string `json:"inventory"`
	Slot            int    `json:"slot"`
	ItemID          string `json:"itemID"`
	TargetQuantity  int    `json:"targetQuantity"`
	SourceInventory string `json:"sourceInventory"`
}

type RefillOutcome struct {
	RefilledQuantity int `json:"refilledQuantity"`
}

type RefillExecutor interface {
	Refill(ctx context.Context, req *RefillRequest) (*RefillOutcome, error)
	UndoRefill(ctx context.Context, req *RefillRequest, outcome *RefillOutcome) error
}

// Executors bundles the injected domain collaborators. Only the executors a
// deployment actually drives need to be non-nil; invoking a workflow whose
// executor is missing fails validation.
type Executors struct {
	Transfer     TransferExecutor
	Crafting     CraftingExecutor
	Trade        TradeExecutor
	Distribution DistributionExecutor
	Merge        MergeExecutor
	Refill       RefillExecutor
}

// Preconditions is the payload handed to the ValidationService before any
// lock is taken.
type Preconditions struct {
	TXID      string   `json:"txID"`
	Workflow  string   `json:"workflow"`
	Caller    string   `json:"caller"`
	Resources []string `json:"resources"`
	Payload   any      `json:"payload"`
}

// ValidationService checks operation preconditions. A failure is returned to
// the caller as-is: nothing has been locked or executed yet.
type ValidationService interface {
	Validate(ctx context.Context, pre *Preconditions) error
}

type noopValidator struct{}

func (noopValidator) Validate(ctx context.Context, pre *Preconditions) error {
	return nil
}
