package invtx

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// LockMode is the sharing class of a lock. Multiple Read holders may coexist;
// a Write holder excludes every other holder.
type LockMode string

const (
	ReadLock  LockMode = "read"
	WriteLock LockMode = "write"
)

func (m LockMode) conflictsWith(other LockMode) bool {
	return m == WriteLock || other == WriteLock
}

// LockRequest asks for one resource in one mode. A multi-resource acquisition
// is a slice of requests strictly sorted by resource id.
type LockRequest struct {
	ResourceID string
	Mode       LockMode
}

type lockGrant struct {
	txID       string
	mode       LockMode
	acquiredAt time.Time
}

type lockWaiter struct {
	txID       string
	resourceID string
	mode       LockMode
	priority   Priority
	enqueuedAt time.Time
	// ready receives exactly one value: nil on grant, ErrLockAborted when the
	// waiter's transaction is chosen as a deadlock victim. Buffered so the
	// granter never blocks.
	ready chan error
}

// LockRegistry maps resource ids to current holders and pending waiters.
// Acquire is the only suspension point of the coordination core. Waiters on a
// contended resource queue by priority class (high before normal), FIFO
// within a class.
type LockRegistry struct {
	mu      sync.Mutex
	grants  map[string][]*lockGrant
	waiters map[string][]*lockWaiter
	held    map[string]map[string]LockMode
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{
		grants:  make(map[string][]*lockGrant),
		waiters: make(map[string][]*lockWaiter),
		held:    make(map[string]map[string]LockMode),
	}
}

// SortLockRequests puts requests into the canonical acquisition order and
// collapses duplicates, keeping the strongest mode per resource. Every call
// site must acquire through this ordering.
func SortLockRequests(reqs []*LockRequest) []*LockRequest {
	byResource := make(map[string]LockMode, len(reqs))
	for _, req := range reqs {
		if mode, ok := byResource[req.ResourceID]; !ok || (mode == ReadLock && req.Mode == WriteLock) {
			byResource[req.ResourceID] = req.Mode
		}
	}

	sorted := make([]*LockRequest, 0, len(byResource))
	for resourceID, mode := range byResource {
		sorted = append(sorted, &LockRequest{ResourceID: resourceID, Mode: mode})
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ResourceID < sorted[j].ResourceID
	})
	return sorted
}

// Acquire takes every requested lock for txID, in order, suspending on
// contended resources. Requests must be strictly sorted by resource id.
// On timeout, context cancellation or victim abort, every lock granted by
// this call is released before the error is returned: no partial leaks.
func (r *LockRegistry) Acquire(ctx context.Context, txID string, reqs []*LockRequest, priority Priority, timeout time.Duration) error {
	for i := 1; i < len(reqs); i++ {
		if reqs[i-1].ResourceID >= reqs[i].ResourceID {
			return fmt.Errorf("%w: %q before %q", ErrUnorderedResources, reqs[i-1].ResourceID, reqs[i].ResourceID)
		}
	}

	deadline := time.Now().Add(timeout)
	granted := make([]string, 0, len(reqs))
	for _, req := range reqs {
		newlyGranted, err := r.acquireOne(ctx, txID, req, priority, deadline)
		if err != nil {
			r.Release(txID, granted...)
			return fmt.Errorf("acquire %q for tx %s: %w", req.ResourceID, txID, err)
		}
		if newlyGranted {
			granted = append(granted, req.ResourceID)
		}
	}
	return nil
}

func (r *LockRegistry) acquireOne(ctx context.Context, txID string, req *LockRequest, priority Priority, deadline time.Time) (bool, error) {
	r.mu.Lock()

	// Re-entrant: already holding the same or a stronger mode.
	if mode, ok := r.held[txID][req.ResourceID]; ok {
		if mode == WriteLock || req.Mode == ReadLock {
			r.mu.Unlock()
			return false, nil
		}
		// Read-to-write upgrade, immediate only when sole holder.
		if r.soleHolderLocked(req.ResourceID, txID) {
			r.grantLocked(req.ResourceID, txID, WriteLock)
			r.mu.Unlock()
			return false, nil
		}
	}

	if r.grantableLocked(req.ResourceID, txID, req.Mode) && !r.mustQueueLocked(req.ResourceID, priority) {
		r.grantLocked(req.ResourceID, txID, req.Mode)
		r.mu.Unlock()
		return true, nil
	}

	w := &lockWaiter{
		txID:       txID,
		resourceID: req.ResourceID,
		mode:       req.Mode,
		priority:   priority,
		enqueuedAt: time.Now(),
		ready:      make(chan error, 1),
	}
	r.enqueueLocked(w)
	r.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	var cancelled error
	select {
	case err := <-w.ready:
		return err == nil, err
	case <-timer.C:
		cancelled = ErrLockTimeout
	case <-ctx.Done():
		cancelled = fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
	}

	r.mu.Lock()
	removed := r.removeWaiterLocked(w)
	r.mu.Unlock()
	if removed {
		return false, cancelled
	}

	// Lost the race: the waiter was signalled before it could be withdrawn.
	// The outcome is already buffered in the channel; honor it.
	err := <-w.ready
	return err == nil, err
}

// Release drops txID's grants on the given resources and wakes eligible
// waiters. Releasing a resource the transaction does not hold is a no-op.
func (r *LockRegistry) Release(txID string, resources ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, resourceID := range resources {
		if r.dropGrantLocked(resourceID, txID) {
			r.promoteLocked(resourceID)
		}
	}
}

// ReleaseAll drops every grant held by txID and returns the released
// resource ids.
func (r *LockRegistry) ReleaseAll(txID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseAllLocked(txID)
}

func (r *LockRegistry) releaseAllLocked(txID string) []string {
	resources := make([]string, 0, len(r.held[txID]))
	for resourceID := range r.held[txID] {
		resources = append(resources, resourceID)
	}
	sort.Strings(resources)

	for _, resourceID := range resources {
		if r.dropGrantLocked(resourceID, txID) {
			r.promoteLocked(resourceID)
		}
	}
	return resources
}

// Abort cancels txID's pending waits with ErrLockAborted and releases all of
// its grants, waking blocked waiters. Used by the deadlock resolver.
func (r *LockRegistry) Abort(txID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	for resourceID, queue := range r.waiters {
		remaining := queue[:0]
		for _, w := range queue {
			if w.txID == txID {
				w.ready <- ErrLockAborted
				continue
			}
			remaining = append(remaining, w)
		}
		if len(remaining) == 0 {
			delete(r.waiters, resourceID)
		} else {
			r.waiters[resourceID] = remaining
		}
	}

	return r.releaseAllLocked(txID)
}

// HeldBy returns the resources currently granted to txID, sorted.
func (r *LockRegistry) HeldBy(txID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	resources := make([]string, 0, len(r.held[txID]))
	for resourceID := range r.held[txID] {
		resources = append(resources, resourceID)
	}
	sort.Strings(resources)
	return resources
}

// Holders returns the transactions holding resourceID and their modes.
func (r *LockRegistry) Holders(resourceID string) map[string]LockMode {
	r.mu.Lock()
	defer r.mu.Unlock()

	holders := make(map[string]LockMode, len(r.grants[resourceID]))
	for _, g := range r.grants[resourceID] {
		holders[g.txID] = g.mode
	}
	return holders
}

// WaitEdges snapshots the waiter-to-holder conflict relation for deadlock
// detection. An edge exists iff a queued request conflicts with a current
// grant held by another transaction.
func (r *LockRegistry) WaitEdges() []*WaitForEdge {
	r.mu.Lock()
	defer r.mu.Unlock()

	var edges []*WaitForEdge
	for resourceID, queue := range r.waiters {
		for _, w := range queue {
			for _, g := range r.grants[resourceID] {
				if g.txID == w.txID || !w.mode.conflictsWith(g.mode) {
					continue
				}
				edges = append(edges, &WaitForEdge{
					WaitingTXID: w.txID,
					HoldingTXID: g.txID,
					ResourceID:  resourceID,
				})
			}
		}
	}
	return edges
}

func (r *LockRegistry) grantableLocked(resourceID, txID string, mode LockMode) bool {
	for _, g := range r.grants[resourceID] {
		if g.txID == txID {
			continue
		}
		if mode.conflictsWith(g.mode) {
			return false
		}
	}
	return true
}

// mustQueueLocked prevents newcomers from barging past already-queued waiters
// of the same or higher priority class.
func (r *LockRegistry) mustQueueLocked(resourceID string, priority Priority) bool {
	for _, w := range r.waiters[resourceID] {
		if priorityRank(w.priority) >= priorityRank(priority) {
			return true
		}
	}
	return false
}

func (r *LockRegistry) soleHolderLocked(resourceID, txID string) bool {
	for _, g := range r.grants[resourceID] {
		if g.txID != txID {
			return false
		}
	}
	return true
}

func (r *LockRegistry) grantLocked(resourceID, txID string, mode LockMode) {
	for _, g := range r.grants[resourceID] {
		if g.txID == txID {
			// Upgrade in place.
			g.mode = mode
			r.held[txID][resourceID] = mode
			return
		}
	}

	r.grants[resourceID] = append(r.grants[resourceID], &lockGrant{
		txID:       txID,
		mode:       mode,
		acquiredAt: time.Now(),
	})
	if r.held[txID] == nil {
		r.held[txID] = make(map[string]LockMode)
	}
	r.held[txID][resourceID] = mode
}

func (r *LockRegistry) dropGrantLocked(resourceID, txID string) bool {
	grants, ok := r.grants[resourceID]
	if !ok {
		return false
	}

	dropped := false
	remaining := grants[:0]
	for _, g := range grants {
		if g.txID == txID {
			dropped = true
			continue
		}
		remaining = append(remaining, g)
	}
	if len(remaining) == 0 {
		delete(r.grants, resourceID)
	} else {
		r.grants[resourceID] = remaining
	}

	if dropped {
		delete(r.held[txID], resourceID)
		if len(r.held[txID]) == 0 {
			delete(r.held, txID)
		}
	}
	return dropped
}

// enqueueLocked inserts the waiter behind every waiter of the same or higher
// priority class, so high-priority waiters sit ahead of normal ones while
// arrival order is kept within a class.
func (r *LockRegistry) enqueueLocked(w *lockWaiter) {
	queue := r.waiters[w.resourceID]
	insert := len(queue)
	for i, existing := range queue {
		if priorityRank(existing.priority) < priorityRank(w.priority) {
			insert = i
			break
		}
	}

	queue = append(queue, nil)
	copy(queue[insert+1:], queue[insert:])
	queue[insert] = w
	r.waiters[w.resourceID] = queue
}

func (r *LockRegistry) removeWaiterLocked(target *lockWaiter) bool {
	queue := r.waiters[target.resourceID]
	for i, w := range queue {
		if w != target {
			continue
		}
		queue = append(queue[:i], queue[i+1:]...)
		if len(queue) == 0 {
			delete(r.waiters, target.resourceID)
		} else {
			r.waiters[target.resourceID] = queue
		}
		return true
	}
	return false
}

// promoteLocked grants queued waiters in order until the head of the queue is
// blocked. Stopping at the first blocked waiter keeps the queue fair: later
// compatible waiters never overtake an earlier blocked one.
func (r *LockRegistry) promoteLocked(resourceID string) {
	queue := r.waiters[resourceID]
	granted := 0
	for _, w := range queue {
		if !r.grantableLocked(resourceID, w.txID, w.mode) {
			break
		}
		r.grantLocked(resourceID, w.txID, w.mode)
		w.ready <- nil
		granted++
	}

	if granted == 0 {
		return
	}
	queue = queue[granted:]
	if len(queue) == 0 {
		delete(r.waiters, resourceID)
	} else {
		r.waiters[resourceID] = queue
	}
}

func priorityRank(p Priority) int {
	if p == PriorityHigh {
		return 1
	}
	return 0
}

// SlotResource builds the canonical resource id for an inventory slot.
// Workflows that lock whole inventories use InventoryResource instead; the
// two granularities must not be mixed for the same inventory.
func SlotResource(inventory string, slot int) string {
	return fmt.Sprintf("%s#%d", inventory, slot)
}

// InventoryResource builds the canonical resource id for a whole inventory.
func InventoryResource(inventory string) string {
	return inventory
}
