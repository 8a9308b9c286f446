package rotation

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/inventory"
	"github.com/coral-mesh/certrotor/internal/pki"
)

// Kind is the rotation operation type, in escalating order of impact.
type Kind string

const (
	KindRenewInPlace        Kind = "renew-in-place"
	KindRegenerateNodeCerts Kind = "regenerate-node-certs"
	KindRegenerateCA        Kind = "regenerate-ca"
)

// State of an operation.
type State string

const (
	StateIdle      State = "idle"
	StatePlanning  State = "planning"
	StateExecuting State = "executing"
	StateVerifying State = "verifying"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// ErrInvalidTransition reports a state change outside the transition table.
var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[State][]State{
	StateIdle:      {StatePlanning},
	StatePlanning:  {StateExecuting, StateFailed},
	StateExecuting: {StateVerifying, StateFailed},
	StateVerifying: {StateDone, StateFailed},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Outcome of a finished operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// NodeStatus is the per-node result of an operation.
type NodeStatus string

const (
	NodeCompleted NodeStatus = "completed"
	NodeCurrent   NodeStatus = "current"
	NodeFailed    NodeStatus = "failed"
	NodePending   NodeStatus = "pending"
)

// NodeResult records what happened to one node.
type NodeResult struct {
	Node    string               `json:"node"`
	Status  NodeStatus           `json:"status"`
	Serials map[pki.Class]string `json:"serials,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// Operation is one rotation run. It is persisted after every state change and
// every node.
type Operation struct {
	ID      string       `json:"id"`
	Kind    Kind         `json:"kind"`
	Scope   []string     `json:"scope"`
	Classes []pki.Class  `json:"classes"`
	State   State        `json:"state"`
	Outcome Outcome      `json:"outcome,omitempty"`
	Results []NodeResult `json:"results"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`

	// ForceBefore marks certificates issued earlier as due for replacement.
	ForceBefore time.Time `json:"force_before,omitzero"`

	ForcedRisk       string `json:"forced_risk,omitempty"`
	NewCAFingerprint string `json:"new_ca_fingerprint,omitempty"`
	ResumedFrom      string `json:"resumed_from,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Transition moves the operation to a new state.
func (op *Operation) Transition(to State) error {
	if !CanTransition(op.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, op.State, to)
	}
	op.State = to
	return nil
}

func (op *Operation) result(node string) *NodeResult {
	for i := range op.Results {
		if op.Results[i].Node == node {
			return &op.Results[i]
		}
	}
	op.Results = append(op.Results, NodeResult{Node: node, Status: NodePending})
	return &op.Results[len(op.Results)-1]
}

// computeOutcome derives the outcome from the node results.
func (op *Operation) computeOutcome() Outcome {
	done, total := 0, len(op.Results)
	for _, r := range op.Results {
		if r.Status == NodeCompleted || r.Status == NodeCurrent {
			done++
		}
	}
	switch {
	case total > 0 && done == total:
		return OutcomeSuccess
	case done > 0:
		return OutcomePartial
	default:
		return OutcomeFailed
	}
}

// Counts returns the number of nodes per status.
func (op *Operation) Counts() map[NodeStatus]int {
	counts := make(map[NodeStatus]int)
	for _, r := range op.Results {
		counts[r.Status]++
	}
	return counts
}

func (op *Operation) record() (*inventory.OperationRecord, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, err
	}
	return &inventory.OperationRecord{
		ID:         op.ID,
		Kind:       string(op.Kind),
		State:      string(op.State),
		Outcome:    string(op.Outcome),
		StartedAt:  op.StartedAt,
		FinishedAt: op.FinishedAt,
		Data:       data,
	}, nil
}

// DecodeOperation restores an operation from its inventory record.
func DecodeOperation(rec *inventory.OperationRecord) (*Operation, error) {
	var op Operation
	if err := json.Unmarshal(rec.Data, &op); err != nil {
		return nil, fmt.Errorf("operation %s has an invalid record: %w", rec.ID, err)
	}
	return &op, nil
}
