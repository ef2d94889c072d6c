package invtx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/itemforge/invtx/log"
)

// PrepareRequest is the phase-1 payload broadcast to every participant.
type PrepareRequest struct {
	TXID            string         `json:"txID"`
	CoordinatorNode string         `json:"coordinatorNode"`
	Payload         map[string]any `json:"payload"`
}

// PrepareResponse is a participant's phase-1 vote. Prepared=false is a veto:
// the global decision becomes abort.
type PrepareResponse struct {
	NodeID   string `json:"nodeID"`
	Prepared bool   `json:"prepared"`
}

// ParticipantNode is one member of the fixed, pre-known participant set of a
// distributed transaction.
type ParticipantNode interface {
	// ID returns the node's unique id.
	ID() string
	// Prepare votes on whether the node can commit the transaction.
	Prepare(ctx context.Context, req *PrepareRequest) (*PrepareResponse, error)
	// Commit applies the globally committed transaction.
	Commit(ctx context.Context, txID string) error
	// Abort discards the node's prepared work.
	Abort(ctx context.Context, txID string) error
}

type participantRegistry struct {
	mux   sync.RWMutex
	nodes map[string]ParticipantNode
}

func newParticipantRegistry() *participantRegistry {
	return &participantRegistry{
		nodes: make(map[string]ParticipantNode),
	}
}

func (r *participantRegistry) register(node ParticipantNode) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.nodes[node.ID()]; ok {
		return errors.New("repeat participant node id")
	}
	r.nodes[node.ID()] = node
	return nil
}

func (r *participantRegistry) getNodes(nodeIDs ...string) ([]ParticipantNode, error) {
	nodes := make([]ParticipantNode, 0, len(nodeIDs))

	r.mux.RLock()
	defer r.mux.RUnlock()

	for _, nodeID := range nodeIDs {
		node, ok := r.nodes[nodeID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, nodeID)
		}
		nodes = append(nodes, node)
	}

	return nodes, nil
}

// twoPhaseCoordinator drives prepare/commit or prepare/abort across a fixed
// participant set. Phase-1 runs concurrently with a per-participant bound;
// any veto, error or timeout forces a global abort. Phase-2 failures never
// change the decision: they are surfaced as a partial failure for manual
// reconciliation, since re-issuing phase 2 without participant idempotency
// guarantees is unsafe.
type twoPhaseCoordinator struct {
	participantTimeout time.Duration
	observer           Observer
}

func (c *twoPhaseCoordinator) run(ctx context.Context, txID, coordinatorNode string, nodes []ParticipantNode, payload map[string]any, beforeCommit func()) *DistributedResult {
	result := &DistributedResult{TransactionID: txID}
	c.event("2pc_preparing", txID, map[string]any{"coordinator": coordinatorNode, "participants": len(nodes)})

	result.Phase1Results = c.broadcastPrepare(ctx, txID, coordinatorNode, nodes, payload)

	decision := OverallCommitted
	for _, phase1 := range result.Phase1Results {
		if !phase1.Prepared {
			decision = OverallAborted
			break
		}
	}
	result.OverallResult = decision
	c.event("2pc_decision", txID, map[string]any{"decision": decision})

	if decision == OverallCommitted && beforeCommit != nil {
		// The commit broadcast is the irreversibility point.
		beforeCommit()
	}

	result.Phase2Results = c.broadcastDecision(ctx, txID, nodes, result.Phase1Results, decision)
	for _, phase2 := range result.Phase2Results {
		if phase2.Err != "" {
			result.PartialFailure = true
		}
	}

	c.event("2pc_finished", txID, map[string]any{"decision": decision, "partialFailure": result.PartialFailure})
	return result
}

func (c *twoPhaseCoordinator) broadcastPrepare(ctx context.Context, txID, coordinatorNode string, nodes []ParticipantNode, payload map[string]any) []*ParticipantResult {
	results := make([]*ParticipantResult, len(nodes))

	var wg sync.WaitGroup
	for i, node := range nodes {
		// shadow
		i, node := i, node
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, c.participantTimeout)
			defer cancel()

			result := &ParticipantResult{NodeID: node.ID()}
			resp, err := node.Prepare(pctx, &PrepareRequest{
				TXID:            txID,
				CoordinatorNode: coordinatorNode,
				Payload:         payload,
			})
			switch {
			case err != nil:
				result.Err = err.Error()
				log.ErrorContextf(pctx, "2pc prepare failed, tx id: %s, node id: %s, err: %v", txID, node.ID(), err)
			case resp == nil || !resp.Prepared:
				result.Err = "participant vetoed prepare"
			default:
				result.Prepared = true
			}
			results[i] = result
		}()
	}
	wg.Wait()

	return results
}

func (c *twoPhaseCoordinator) broadcastDecision(ctx context.Context, txID string, nodes []ParticipantNode, phase1 []*ParticipantResult, decision string) []*ParticipantResult {
	results := make([]*ParticipantResult, len(nodes))

	var wg sync.WaitGroup
	for i, node := range nodes {
		// shadow
		i, node := i, node
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, c.participantTimeout)
			defer cancel()

			result := &ParticipantResult{NodeID: node.ID(), Prepared: phase1[i].Prepared}
			var err error
			if decision == OverallCommitted {
				if err = node.Commit(pctx, txID); err == nil {
					result.Committed = true
				}
			} else {
				err = node.Abort(pctx, txID)
			}
			if err != nil {
				result.Err = err.Error()
				log.ErrorContextf(pctx, "2pc %s failed, tx id: %s, node id: %s, err: %v", decision, txID, node.ID(), err)
			}
			results[i] = result
		}()
	}
	wg.Wait()

	return results
}

func (c *twoPhaseCoordinator) event(name, txID string, fields map[string]any) {
	if c.observer == nil {
		return
	}
	c.observer.Record(&Event{Name: name, TXID: txID, At: time.Now(), Fields: fields})
}
