package invtx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type mockParticipant struct {
	id         string
	vote       bool
	prepareErr error
	commitErr  error
	abortErr   error

	mux       sync.Mutex
	prepared  int
	committed int
	aborted   int
}

func (m *mockParticipant) ID() string {
	return m.id
}

func (m *mockParticipant) Prepare(ctx context.Context, req *PrepareRequest) (*PrepareResponse, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.prepareErr != nil {
		return nil, m.prepareErr
	}
	m.prepared++
	return &PrepareResponse{NodeID: m.id, Prepared: m.vote}, nil
}

func (m *mockParticipant) Commit(ctx context.Context, txID string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	m.committed++
	return nil
}

func (m *mockParticipant) Abort(ctx context.Context, txID string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.abortErr != nil {
		return m.abortErr
	}
	m.aborted++
	return nil
}

func (m *mockParticipant) counts() (prepared, committed, aborted int) {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.prepared, m.committed, m.aborted
}

func newTestTwoPhase() *twoPhaseCoordinator {
	return &twoPhaseCoordinator{
		participantTimeout: time.Second,
		observer:           &recordingObserver{},
	}
}

func Test_two_phase_all_prepare_then_commit(t *testing.T) {
	nodes := []*mockParticipant{
		{id: "node_a", vote: true},
		{id: "node_b", vote: true},
		{id: "node_c", vote: true},
	}
	participants := make([]ParticipantNode, 0, len(nodes))
	for _, node := range nodes {
		participants = append(participants, node)
	}

	irreversible := false
	result := newTestTwoPhase().run(context.Background(), "t1", "coordinator", participants, nil, func() {
		irreversible = true
	})

	assert.Equal(t, OverallCommitted, result.OverallResult)
	assert.Equal(t, false, result.PartialFailure)
	assert.Equal(t, true, irreversible)
	for _, node := range nodes {
		prepared, committed, aborted := node.counts()
		assert.Equal(t, 1, prepared)
		assert.Equal(t, 1, committed)
		assert.Equal(t, 0, aborted)
	}
}

func Test_two_phase_single_veto_aborts_all(t *testing.T) {
	nodes := []*mockParticipant{
		{id: "node_a", vote: true},
		{id: "node_b", vote: false},
		{id: "node_c", vote: true},
	}
	participants := make([]ParticipantNode, 0, len(nodes))
	for _, node := range nodes {
		participants = append(participants, node)
	}

	irreversible := false
	result := newTestTwoPhase().run(context.Background(), "t1", "coordinator", participants, nil, func() {
		irreversible = true
	})

	assert.Equal(t, OverallAborted, result.OverallResult)
	assert.Equal(t, false, irreversible)
	// No participant commits; every participant receives the abort.
	for _, node := range nodes {
		_, committed, aborted := node.counts()
		assert.Equal(t, 0, committed)
		assert.Equal(t, 1, aborted)
	}
}

func Test_two_phase_prepare_error_counts_as_veto(t *testing.T) {
	nodes := []ParticipantNode{
		&mockParticipant{id: "node_a", vote: true},
		&mockParticipant{id: "node_b", prepareErr: errors.New("storage offline")},
	}

	result := newTestTwoPhase().run(context.Background(), "t1", "coordinator", nodes, nil, nil)
	assert.Equal(t, OverallAborted, result.OverallResult)
	assert.Equal(t, false, result.Phase1Results[1].Prepared)
	assert.Equal(t, "storage offline", result.Phase1Results[1].Err)
}

func Test_two_phase_prepare_timeout_aborts(t *testing.T) {
	slow := &slowParticipant{id: "node_slow", delay: 500 * time.Millisecond}
	nodes := []ParticipantNode{
		&mockParticipant{id: "node_a", vote: true},
		slow,
	}

	twopc := &twoPhaseCoordinator{participantTimeout: 50 * time.Millisecond, observer: &recordingObserver{}}
	result := twopc.run(context.Background(), "t1", "coordinator", nodes, nil, nil)
	assert.Equal(t, OverallAborted, result.OverallResult)
	assert.Equal(t, false, result.Phase1Results[1].Prepared)
}

type slowParticipant struct {
	id    string
	delay time.Duration
}

func (s *slowParticipant) ID() string { return s.id }

func (s *slowParticipant) Prepare(ctx context.Context, req *PrepareRequest) (*PrepareResponse, error) {
	select {
	case <-time.After(s.delay):
		return &PrepareResponse{NodeID: s.id, Prepared: true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *slowParticipant) Commit(ctx context.Context, txID string) error { return nil }

func (s *slowParticipant) Abort(ctx context.Context, txID string) error { return nil }

func Test_two_phase_commit_error_is_partial_failure(t *testing.T) {
	broken := &mockParticipant{id: "node_b", vote: true, commitErr: errors.New("commit io error")}
	nodes := []ParticipantNode{
		&mockParticipant{id: "node_a", vote: true},
		broken,
	}

	result := newTestTwoPhase().run(context.Background(), "t1", "coordinator", nodes, nil, nil)
	// The decision stands; the failed phase-2 call is surfaced, not retried.
	assert.Equal(t, OverallCommitted, result.OverallResult)
	assert.Equal(t, true, result.PartialFailure)
	assert.Equal(t, "commit io error", result.Phase2Results[1].Err)

	_, committed, _ := broken.counts()
	assert.Equal(t, 0, committed)
}

func Test_coordinator_distributed_commit(t *testing.T) {
	coordinator := NewCoordinator(&Executors{}, WithObserver(&recordingObserver{}))
	defer coordinator.Stop()

	nodes := []*mockParticipant{
		{id: "node_a", vote: true},
		{id: "node_b", vote: true},
	}
	for _, node := range nodes {
		assert.Nil(t, coordinator.RegisterParticipant(node))
	}

	result, err := coordinator.ExecuteDistributedTransaction(context.Background(), &DistributedTransactionRequest{
		TXID:             "t_dist",
		Caller:           "test",
		CoordinatorNode:  "node_a",
		ParticipantNodes: []string{"node_a", "node_b"},
	})
	assert.Nil(t, err)
	assert.Equal(t, OverallCommitted, result.OverallResult)

	tx, err := coordinator.GetTransactionStatus("t_dist")
	assert.Nil(t, err)
	assert.Equal(t, TXCommitted, tx.Status)
	assert.Equal(t, true, tx.Irreversible)
}

func Test_coordinator_distributed_abort(t *testing.T) {
	coordinator := NewCoordinator(&Executors{}, WithObserver(&recordingObserver{}))
	defer coordinator.Stop()

	assert.Nil(t, coordinator.RegisterParticipant(&mockParticipant{id: "node_a", vote: true}))
	assert.Nil(t, coordinator.RegisterParticipant(&mockParticipant{id: "node_b", vote: false}))

	result, err := coordinator.ExecuteDistributedTransaction(context.Background(), &DistributedTransactionRequest{
		TXID:             "t_dist",
		Caller:           "test",
		CoordinatorNode:  "node_a",
		ParticipantNodes: []string{"node_a", "node_b"},
	})
	assert.Nil(t, err)
	assert.Equal(t, OverallAborted, result.OverallResult)

	tx, err := coordinator.GetTransactionStatus("t_dist")
	assert.Nil(t, err)
	assert.Equal(t, TXAborted, tx.Status)
	assert.Equal(t, false, tx.Irreversible)
}

func Test_coordinator_distributed_partial_failure_flags_manual(t *testing.T) {
	coordinator := NewCoordinator(&Executors{}, WithObserver(&recordingObserver{}))
	defer coordinator.Stop()

	assert.Nil(t, coordinator.RegisterParticipant(&mockParticipant{id: "node_a", vote: true}))
	assert.Nil(t, coordinator.RegisterParticipant(&mockParticipant{id: "node_b", vote: true, commitErr: errors.New("io error")}))

	result, err := coordinator.ExecuteDistributedTransaction(context.Background(), &DistributedTransactionRequest{
		TXID:             "t_dist",
		Caller:           "test",
		CoordinatorNode:  "node_a",
		ParticipantNodes: []string{"node_a", "node_b"},
	})
	assert.Nil(t, err)
	assert.Equal(t, OverallCommitted, result.OverallResult)
	assert.Equal(t, true, result.PartialFailure)

	tx, err := coordinator.GetTransactionStatus("t_dist")
	assert.Nil(t, err)
	assert.Equal(t, TXCommitted, tx.Status)
	assert.Equal(t, true, tx.NeedsManualIntervention)
}

func Test_coordinator_unknown_participant(t *testing.T) {
	coordinator := NewCoordinator(&Executors{}, WithObserver(&recordingObserver{}))
	defer coordinator.Stop()

	_, err := coordinator.ExecuteDistributedTransaction(context.Background(), &DistributedTransactionRequest{
		Caller:           "test",
		ParticipantNodes: []string{"node_missing"},
	})
	assert.Equal(t, true, errors.Is(err, ErrUnknownParticipant))
}

func Test_participant_registry_rejects_duplicate(t *testing.T) {
	registry := newParticipantRegistry()
	assert.Nil(t, registry.register(&mockParticipant{id: "node_a"}))
	assert.NotNil(t, registry.register(&mockParticipant{id: "node_a"}))
}
