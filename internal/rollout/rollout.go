// Package rollout restarts cluster members one at a time without losing quorum.
//
// Before every restart the coordinator checks that the cluster can lose one
// more member; after it, the member must report healthy again before the next
// one is touched. The first failure stops the rollout and leaves the remaining
// members untouched.
package rollout

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/health"
	"github.com/coral-mesh/certrotor/internal/metrics"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/retry"
)

// Restarter restarts the dependent service of a member.
type Restarter interface {
	Restart(ctx context.Context, node pki.NodeIdentity) error
}

// Step is one member of a plan.
type Step struct {
	Node pki.NodeIdentity

	// Prepare runs immediately before the member is restarted, after the
	// cluster pre-check. A failing Prepare stops the rollout.
	Prepare func(ctx context.Context) error
}

// Plan is an ordered rollout.
type Plan struct {
	Steps []Step

	// Force skips the quorum checks. The risk is recorded in the report.
	Force bool
}

// Status of one member in a report.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPending   Status = "pending"
)

// NodeResult is the outcome for one member.
type NodeResult struct {
	Node   string `json:"node"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Report lists every member of the plan in order.
type Report struct {
	Results []NodeResult `json:"results"`

	// ForcedRisk describes the quorum risk acknowledged by a forced rollout.
	ForcedRisk string `json:"forced_risk,omitempty"`
}

func (r *Report) filter(s Status) []string {
	var out []string
	for _, res := range r.Results {
		if res.Status == s {
			out = append(out, res.Node)
		}
	}
	return out
}

// Completed lists members restarted and confirmed healthy.
func (r *Report) Completed() []string { return r.filter(StatusCompleted) }

// Failed lists the member that stopped the rollout.
func (r *Report) Failed() []string { return r.filter(StatusFailed) }

// Pending lists members that were not touched.
func (r *Report) Pending() []string { return r.filter(StatusPending) }

// Config bounds the post-restart health polling.
type Config struct {
	PollRetries int
	PollBackoff time.Duration
	Logger      zerolog.Logger
}

// Coordinator runs rollouts.
type Coordinator struct {
	restarter Restarter
	gate      health.Gate
	poll      retry.Config
	logger    zerolog.Logger
}

// New creates a Coordinator.
func New(restarter Restarter, gate health.Gate, cfg Config) *Coordinator {
	if cfg.PollRetries <= 0 {
		cfg.PollRetries = constants.DefaultHealthPollRetries
	}
	if cfg.PollBackoff <= 0 {
		cfg.PollBackoff = constants.DefaultHealthPollBackoff
	}
	return &Coordinator{
		restarter: restarter,
		gate:      gate,
		poll: retry.Config{
			MaxRetries:     cfg.PollRetries,
			InitialBackoff: cfg.PollBackoff,
			MaxBackoff:     cfg.PollBackoff,
		},
		logger: cfg.Logger.With().Str("component", "rollout").Logger(),
	}
}

// Order sorts data-plane members by name, followed by the remaining nodes by name.
func Order(nodes []pki.NodeIdentity) []pki.NodeIdentity {
	out := append([]pki.NodeIdentity(nil), nodes...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DataPlane != out[j].DataPlane {
			return out[i].DataPlane
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// RollingRestart restarts nodes in the given order.
func (c *Coordinator) RollingRestart(ctx context.Context, nodes []pki.NodeIdentity, force bool) (*Report, error) {
	plan := Plan{Force: force}
	for _, n := range nodes {
		plan.Steps = append(plan.Steps, Step{Node: n})
	}
	return c.Run(ctx, plan)
}

var errNotHealthy = errors.New("not healthy yet")

// Run executes plan. The returned report is complete even when err is not nil.
// Cancellation of ctx is honoured between members only: once a member is
// restarted, its health confirmation runs to completion.
func (c *Coordinator) Run(ctx context.Context, plan Plan) (*Report, error) {
	report := &Report{Results: make([]NodeResult, len(plan.Steps))}
	for i, s := range plan.Steps {
		report.Results[i] = NodeResult{Node: s.Node.Name, Status: StatusPending}
	}

	if err := c.precheck(ctx, plan, report); err != nil {
		return report, err
	}

	for i, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			c.logger.Warn().Err(err).Strs("pending", report.Pending()).Msg("Rollout canceled between nodes")
			return report, err
		}
		if err := c.runStep(ctx, step, plan.Force); err != nil {
			report.Results[i].Status = StatusFailed
			report.Results[i].Error = err.Error()
			metrics.Restarts.WithLabelValues("failed").Inc()
			c.logger.Error().Err(err).Str("node", step.Node.Name).Strs("pending", report.Pending()).Msg("Rollout stopped")
			return report, fmt.Errorf("rollout stopped at %s: %w", step.Node.Name, err)
		}
		report.Results[i].Status = StatusCompleted
		metrics.Restarts.WithLabelValues("success").Inc()
	}
	return report, nil
}

func (c *Coordinator) precheck(ctx context.Context, plan Plan, report *Report) error {
	risk, err := c.Precheck(ctx, plan.Force)
	if err != nil {
		return err
	}
	report.ForcedRisk = risk
	return nil
}

// Precheck verifies that the cluster has at least three members and can lose
// one. With force, a failed check is logged and returned as the acknowledged
// risk instead of an error.
func (c *Coordinator) Precheck(ctx context.Context, force bool) (string, error) {
	cs, err := c.gate.Cluster(ctx)
	if err != nil {
		return "", fmt.Errorf("cluster health check failed: %w", err)
	}

	var risk *errors.QuorumRiskError
	switch {
	case cs.Total < constants.MinQuorumClusterSize:
		risk = &errors.QuorumRiskError{Healthy: cs.Healthy, Total: cs.Total,
			Reason: fmt.Sprintf("a cluster of %d members cannot lose one and keep quorum", cs.Total)}
	case cs.Status != health.Healthy:
		risk = &errors.QuorumRiskError{Healthy: cs.Healthy, Total: cs.Total,
			Reason: fmt.Sprintf("unhealthy members %v", cs.Unhealthy)}
	}
	if risk == nil {
		return "", nil
	}
	if !force {
		metrics.QuorumBlocks.WithLabelValues("blocked").Inc()
		c.logger.Error().Int("healthy", cs.Healthy).Int("total", cs.Total).Msg("Rollout blocked by quorum pre-check")
		return "", risk
	}

	metrics.QuorumBlocks.WithLabelValues("forced").Inc()
	c.logger.Warn().Int("healthy", cs.Healthy).Int("total", cs.Total).Msg("Quorum risk acknowledged, proceeding with forced rollout")
	return risk.Error(), nil
}

func (c *Coordinator) runStep(ctx context.Context, step Step, force bool) error {
	node := step.Node
	logger := c.logger.With().Str("node", node.Name).Logger()

	if !force && node.DataPlane {
		if err := c.waitCluster(ctx); err != nil {
			return err
		}
	}

	if step.Prepare != nil {
		if err := step.Prepare(ctx); err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
	}

	// From here the member may be out of service; finish regardless of cancellation.
	rctx := context.WithoutCancel(ctx)

	start := time.Now()
	logger.Info().Msg("Restarting node")
	if err := c.restarter.Restart(rctx, node); err != nil {
		return fmt.Errorf("restart: %w", err)
	}

	if err := c.WaitHealthy(rctx, node); err != nil {
		return err
	}
	if !force && node.DataPlane {
		if err := c.waitCluster(rctx); err != nil {
			return err
		}
	}

	logger.Info().Dur("took", time.Since(start)).Msg("Node restarted and healthy")
	return nil
}

// WaitHealthy polls the member's health endpoint with bounded retries. Members
// outside the data plane without an endpoint are considered healthy.
func (c *Coordinator) WaitHealthy(ctx context.Context, node pki.NodeIdentity) error {
	if !node.DataPlane && node.HealthEndpoint == "" {
		return nil
	}
	err := retry.Do(ctx, c.poll, func() error {
		status, err := c.gate.Node(ctx, node)
		if err != nil {
			return err
		}
		if status != health.Healthy {
			return errNotHealthy
		}
		return nil
	}, func(err error) bool {
		return !errors.Is(err, context.Canceled)
	})
	if err != nil {
		return fmt.Errorf("%s did not become healthy: %w", node.Name, err)
	}
	return nil
}

// waitCluster polls until the cluster can lose one more member.
func (c *Coordinator) waitCluster(ctx context.Context) error {
	var last health.ClusterStatus
	err := retry.Do(ctx, c.poll, func() error {
		cs, err := c.gate.Cluster(ctx)
		if err != nil {
			return err
		}
		last = cs
		if cs.Status != health.Healthy {
			return errNotHealthy
		}
		return nil
	}, func(err error) bool {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &errors.QuorumRiskError{Healthy: last.Healthy, Total: last.Total,
			Reason: fmt.Sprintf("cluster did not recover: %v", err)}
	}
	return nil
}
