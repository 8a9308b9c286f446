package rotate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/rotation"
)

// Result is the operator-facing report of one operation.
type Result struct {
	Operation     string                `json:"operation" yaml:"operation"`
	Kind          rotation.Kind         `json:"kind" yaml:"kind"`
	Scope         []string              `json:"scope" yaml:"scope"`
	Outcome       rotation.Outcome      `json:"outcome" yaml:"outcome"`
	State         rotation.State        `json:"state" yaml:"state"`
	PerNodeStatus []rotation.NodeResult `json:"perNodeStatus" yaml:"perNodeStatus"`

	ForcedRisk       string `json:"forcedRisk,omitempty" yaml:"forcedRisk,omitempty"`
	NewCAFingerprint string `json:"newCAFingerprint,omitempty" yaml:"newCAFingerprint,omitempty"`
	ResumedFrom      string `json:"resumedFrom,omitempty" yaml:"resumedFrom,omitempty"`
	Error            string `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewResult converts an operation.
func NewResult(op *rotation.Operation) *Result {
	return &Result{
		Operation:        op.ID,
		Kind:             op.Kind,
		Scope:            op.Scope,
		Outcome:          op.Outcome,
		State:            op.State,
		PerNodeStatus:    op.Results,
		ForcedRisk:       op.ForcedRisk,
		NewCAFingerprint: op.NewCAFingerprint,
		ResumedFrom:      op.ResumedFrom,
		Error:            op.Error,
	}
}

func (r *Result) Header() []string {
	return []string{"NODE", "STATUS", "SERIALS", "ERROR"}
}

func (r *Result) Rows() [][]string {
	rows := make([][]string, 0, len(r.PerNodeStatus))
	for _, n := range r.PerNodeStatus {
		rows = append(rows, []string{n.Node, string(n.Status), serials(n.Serials), n.Error})
	}
	return rows
}

func (r *Result) Footer() []string {
	lines := []string{fmt.Sprintf("Operation %s (%s): %s", r.Operation, r.Kind, r.Outcome)}
	if r.ResumedFrom != "" {
		lines = append(lines, "Resumed from: "+r.ResumedFrom)
	}
	if r.NewCAFingerprint != "" {
		lines = append(lines, "New CA fingerprint: "+r.NewCAFingerprint)
	}
	if r.ForcedRisk != "" {
		lines = append(lines, "WARNING: quorum check overridden: "+r.ForcedRisk)
	}
	if r.Error != "" {
		lines = append(lines, "Error: "+r.Error)
	}
	if r.Outcome != rotation.OutcomeSuccess {
		lines = append(lines, fmt.Sprintf("Run 'certrotor resume %s' to continue.", r.Operation))
	}
	return lines
}

func serials(m map[pki.Class]string) string {
	parts := make([]string, 0, len(m))
	for class, serial := range m {
		parts = append(parts, fmt.Sprintf("%s=%s", class, short(serial)))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// History is a list of operations.
type History []*rotation.Operation

func (h History) Header() []string {
	return []string{"ID", "KIND", "STATE", "OUTCOME", "NODES", "STARTED", "FINISHED"}
}

func (h History) Rows() [][]string {
	rows := make([][]string, 0, len(h))
	for _, op := range h {
		finished := "-"
		if !op.FinishedAt.IsZero() {
			finished = op.FinishedAt.Local().Format("2006-01-02 15:04:05")
		}
		rows = append(rows, []string{
			op.ID,
			string(op.Kind),
			string(op.State),
			string(op.Outcome),
			fmt.Sprint(len(op.Scope)),
			op.StartedAt.Local().Format("2006-01-02 15:04:05"),
			finished,
		})
	}
	return rows
}

// outcomeError turns a non-successful outcome into a command error so the
// process exits non-zero.
func outcomeError(op *rotation.Operation) error {
	if op == nil || op.Outcome == rotation.OutcomeSuccess {
		return nil
	}
	return fmt.Errorf("operation %s finished %s", op.ID, op.Outcome)
}
