package rotation

import (
	"context"
	"fmt"

	"github.com/coral-mesh/certrotor/internal/ca"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/inventory"
	"github.com/coral-mesh/certrotor/internal/issuer"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/rollout"
)

func (c *Controller) validClasses(classes []pki.Class) ([]pki.Class, error) {
	if len(classes) == 0 {
		return c.classes, nil
	}
	for _, class := range classes {
		if !class.Valid() {
			return nil, errors.Configf("classes", "unknown certificate class %q", class)
		}
	}
	return classes, nil
}

// RenewInPlace renews every active certificate of the scope with the same
// serial and key, then reloads each node. An empty scope means every node.
func (c *Controller) RenewInPlace(ctx context.Context, scope []string, classes []pki.Class) (*Operation, error) {
	classes, err := c.validClasses(classes)
	if err != nil {
		return nil, err
	}
	r, err := c.begin(ctx, KindRenewInPlace, scope, classes)
	if err != nil {
		return nil, err
	}
	return r.renewInPlace(ctx, nil)
}

func (r *run) renewInPlace(ctx context.Context, skip map[string]bool) (*Operation, error) {
	if err := r.plan(ctx); err != nil {
		return r.finish(ctx, err)
	}
	if err := r.op.Transition(StateExecuting); err != nil {
		return r.finish(ctx, err)
	}
	if err := r.checkpoint(ctx); err != nil {
		return r.finish(ctx, err)
	}

	for i, node := range r.nodes {
		res := &r.op.Results[i]
		if skip[node.Name] {
			res.Status = NodeCurrent
			continue
		}
		if err := ctx.Err(); err != nil {
			return r.finish(ctx, err)
		}

		serials, err := r.renewNode(ctx, node)
		res.Serials = serials
		if err != nil {
			res.Status = NodeFailed
			res.Error = err.Error()
			_ = r.save(ctx)
			return r.finish(ctx, fmt.Errorf("renewal stopped at %s: %w", node.Name, err))
		}
		res.Status = NodeCompleted
		if err := r.checkpoint(ctx); err != nil {
			return r.finish(ctx, err)
		}
	}

	r.verify(ctx)
	return r.finish(ctx, nil)
}

func (r *run) renewNode(ctx context.Context, node pki.NodeIdentity) (map[pki.Class]string, error) {
	serials := make(map[pki.Class]string)
	if err := r.c.deps.Rollout.WaitHealthy(ctx, node); err != nil {
		return serials, fmt.Errorf("pre-renewal health check: %w", err)
	}
	for _, class := range r.op.Classes {
		existing, err := r.c.deps.Inventory.ActiveCertificate(ctx, node.Name, class)
		if err != nil {
			if errors.Is(err, inventory.ErrNotFound) {
				return serials, fmt.Errorf("no active %s certificate to renew", class)
			}
			return serials, err
		}
		renewed, err := r.c.deps.Issuer.Renew(ctx, node, existing)
		if err != nil {
			return serials, err
		}
		serials[class] = renewed.Serial
	}
	if err := r.c.deps.Reloader.Reload(ctx, node); err != nil {
		return serials, fmt.Errorf("reload: %w", err)
	}
	if err := r.c.deps.Rollout.WaitHealthy(ctx, node); err != nil {
		return serials, err
	}
	r.logger.Info().Str("node", node.Name).Msg("Certificates renewed in place")
	return serials, nil
}

// RegenerateNodeCerts issues certificates on fresh keys for every node of the
// scope, restarting one node at a time. An empty scope means every node.
func (c *Controller) RegenerateNodeCerts(ctx context.Context, scope []string) (*Operation, error) {
	r, err := c.begin(ctx, KindRegenerateNodeCerts, scope, c.classes)
	if err != nil {
		return nil, err
	}
	r.op.ForceBefore = r.op.StartedAt
	if err := r.plan(ctx); err != nil {
		return r.finish(ctx, err)
	}
	if err := r.op.Transition(StateExecuting); err != nil {
		return r.finish(ctx, err)
	}
	if err := r.checkpoint(ctx); err != nil {
		return r.finish(ctx, err)
	}
	return r.regenerateNodes(ctx, nil)
}

// regenerateNodes runs in Executing. A node is left alone only when done
// names it and its certificates were all issued at or after ForceBefore and
// verify against the active CA. Every other node is issued, restarted and
// health-gated again.
func (r *run) regenerateNodes(ctx context.Context, done map[string]bool) (*Operation, error) {
	plan := rollout.Plan{Force: r.c.force}
	for i, node := range r.nodes {
		current := false
		if done[node.Name] {
			var err error
			if current, err = r.current(ctx, node); err != nil {
				return r.finish(ctx, err)
			}
		}
		if current {
			r.op.Results[i].Status = NodeCurrent
			r.logger.Info().Str("node", node.Name).Msg("Node certificates already current, skipping")
			continue
		}
		plan.Steps = append(plan.Steps, rollout.Step{
			Node: node,
			Prepare: func(ctx context.Context) error {
				serials, err := r.issueNode(ctx, node)
				r.op.Results[i].Serials = serials
				if err != nil {
					return err
				}
				return r.checkpoint(ctx)
			},
		})
	}

	if len(plan.Steps) > 0 {
		report, err := r.c.deps.Rollout.Run(ctx, plan)
		if report != nil {
			if report.ForcedRisk != "" {
				r.op.ForcedRisk = report.ForcedRisk
			}
			for _, res := range report.Results {
				nr := r.op.result(res.Node)
				switch res.Status {
				case rollout.StatusCompleted:
					nr.Status = NodeCompleted
				case rollout.StatusFailed:
					nr.Status = NodeFailed
					nr.Error = res.Error
				default:
					nr.Status = NodePending
				}
			}
		}
		if err != nil {
			return r.finish(ctx, err)
		}
		if err := r.checkpoint(ctx); err != nil {
			return r.finish(ctx, err)
		}
	}

	r.verify(ctx)
	return r.finish(ctx, nil)
}

func (r *run) current(ctx context.Context, node pki.NodeIdentity) (bool, error) {
	for _, class := range r.op.Classes {
		leaf, err := r.c.deps.Inventory.ActiveCertificate(ctx, node.Name, class)
		if err != nil {
			if errors.Is(err, inventory.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if leaf.IssuedAt.Before(r.op.ForceBefore) {
			return false, nil
		}
		if err := r.c.deps.Issuer.Verify(leaf); err != nil {
			return false, nil
		}
	}
	return true, nil
}

func (r *run) issueNode(ctx context.Context, node pki.NodeIdentity) (map[pki.Class]string, error) {
	serials := make(map[pki.Class]string)
	for _, class := range r.op.Classes {
		leaf, _, err := r.c.deps.Issuer.Issue(ctx, issuer.IssueRequest{
			Node:        node,
			Class:       class,
			Force:       true,
			ForceBefore: r.op.ForceBefore,
		})
		if err != nil {
			return serials, fmt.Errorf("issue %s: %w", class, err)
		}
		serials[class] = leaf.Serial
	}
	return serials, nil
}

// RegenerateCA replaces the CA hierarchy, replicates it to every backup
// holder and then regenerates every node's certificates. Replication
// failures stop the operation before any node is touched.
func (c *Controller) RegenerateCA(ctx context.Context, pw ca.PasswordConfig) (*Operation, error) {
	if err := pw.Validate(); err != nil {
		return nil, err
	}
	r, err := c.begin(ctx, KindRegenerateCA, nil, c.classes)
	if err != nil {
		return nil, err
	}
	return r.regenerateCA(ctx, pw, nil)
}

func (r *run) regenerateCA(ctx context.Context, pw ca.PasswordConfig, done map[string]bool) (*Operation, error) {
	if err := r.plan(ctx); err != nil {
		return r.finish(ctx, err)
	}
	// The old certificates stop verifying once the CA rotates, so the
	// rollout must be possible before anything changes.
	risk, err := r.c.deps.Rollout.Precheck(ctx, r.c.force)
	if err != nil {
		return r.finish(ctx, err)
	}
	r.op.ForcedRisk = risk
	if err := r.op.Transition(StateExecuting); err != nil {
		return r.finish(ctx, err)
	}
	if err := r.checkpoint(ctx); err != nil {
		return r.finish(ctx, err)
	}

	h, err := r.c.deps.CA.GetActive()
	if err != nil {
		return r.finish(ctx, err)
	}
	if pki.EqualFingerprint(r.op.NewCAFingerprint, h.Fingerprint()) {
		r.logger.Info().Str("fingerprint", h.Fingerprint()).Msg("CA already rotated, skipping")
	} else {
		fp, err := r.c.deps.CA.Rotate(ctx, pw)
		if err != nil {
			return r.finish(ctx, fmt.Errorf("CA rotation failed: %w", err))
		}
		r.op.NewCAFingerprint = fp
		r.op.ForceBefore = r.c.now()
		if err := r.checkpoint(ctx); err != nil {
			return r.finish(ctx, err)
		}
	}

	for _, node := range r.nodes {
		if node.CARole != pki.CARoleBackup {
			continue
		}
		if err := r.c.deps.CA.Replicate(ctx, node); err != nil {
			return r.finish(ctx, fmt.Errorf("CA replication to %s failed, no node certificates were changed: %w", node.Name, err))
		}
	}

	return r.regenerateNodes(ctx, done)
}

// verify checks the active certificates of every finished node.
func (r *run) verify(ctx context.Context) {
	if err := r.op.Transition(StateVerifying); err != nil {
		r.logger.Error().Err(err).Msg("Cannot enter verification")
		return
	}
	for i := range r.op.Results {
		res := &r.op.Results[i]
		if res.Status != NodeCompleted && res.Status != NodeCurrent {
			continue
		}
		for _, class := range r.op.Classes {
			leaf, err := r.c.deps.Inventory.ActiveCertificate(ctx, res.Node, class)
			if err == nil {
				err = r.c.deps.Issuer.Verify(leaf)
			}
			if err != nil {
				res.Status = NodeFailed
				res.Error = fmt.Sprintf("verify %s: %v", class, err)
				break
			}
		}
	}
}

// Resume re-runs a failed or interrupted operation. Work finished by the
// earlier run is detected and skipped. pw is only needed when a RegenerateCA
// had not rotated the CA yet.
func (c *Controller) Resume(ctx context.Context, id string, pw *ca.PasswordConfig) (*Operation, error) {
	prev, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if prev.State == StateDone && prev.Outcome == OutcomeSuccess {
		return nil, errors.Configf("operation", "%s already succeeded", id)
	}

	var password ca.PasswordConfig
	if prev.Kind == KindRegenerateCA {
		h, err := c.deps.CA.GetActive()
		if err != nil {
			return nil, err
		}
		if !pki.EqualFingerprint(prev.NewCAFingerprint, h.Fingerprint()) {
			if pw == nil {
				return nil, errors.Configf("ca.root_password", "the CA of %s was not rotated yet; passwords are required", id)
			}
			if err := pw.Validate(); err != nil {
				return nil, err
			}
			password = *pw
		}
	}

	r, err := c.begin(ctx, prev.Kind, prev.Scope, prev.Classes)
	if err != nil {
		return nil, err
	}
	r.op.ResumedFrom = prev.ID
	r.op.ForceBefore = prev.ForceBefore
	r.op.NewCAFingerprint = prev.NewCAFingerprint
	if len(r.op.Classes) == 0 {
		r.op.Classes = c.classes
	}
	r.logger.Info().Str("resumed_from", prev.ID).Msg("Resuming operation")

	// Only nodes confirmed healthy after their change may be skipped.
	done := make(map[string]bool)
	for _, res := range prev.Results {
		if res.Status == NodeCompleted || res.Status == NodeCurrent {
			done[res.Node] = true
		}
	}

	switch prev.Kind {
	case KindRenewInPlace:
		return r.renewInPlace(ctx, done)

	case KindRegenerateNodeCerts:
		if r.op.ForceBefore.IsZero() {
			r.op.ForceBefore = prev.StartedAt
		}
		if err := r.plan(ctx); err != nil {
			return r.finish(ctx, err)
		}
		if err := r.op.Transition(StateExecuting); err != nil {
			return r.finish(ctx, err)
		}
		if err := r.checkpoint(ctx); err != nil {
			return r.finish(ctx, err)
		}
		return r.regenerateNodes(ctx, done)

	case KindRegenerateCA:
		return r.regenerateCA(ctx, password, done)
	}
	return r.finish(ctx, fmt.Errorf("unknown operation kind %q", prev.Kind))
}
