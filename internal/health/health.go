// Package health implements the health gate consulted before and after every
// mutating step of a rollout.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/pki"
)

// Status is the outcome of a health check.
type Status string

const (
	Healthy   Status = "healthy"
	Unhealthy Status = "unhealthy"
)

// Probe checks a set of endpoints. The set is healthy only if every endpoint is.
type Probe interface {
	Health(ctx context.Context, endpoints []string) (Status, error)
}

// ClusterStatus summarizes the data-plane members.
type ClusterStatus struct {
	Status    Status   `json:"status"`
	Healthy   int      `json:"healthy"`
	Total     int      `json:"total"`
	Unhealthy []string `json:"unhealthy,omitempty"`
}

// Gate answers the two questions a rollout asks.
type Gate interface {
	// Node reports whether one member serves traffic.
	Node(ctx context.Context, node pki.NodeIdentity) (Status, error)
	// Cluster reports whether the cluster can lose one more member and keep quorum.
	Cluster(ctx context.Context) (ClusterStatus, error)
}

// Quorum is the majority of total.
func Quorum(total int) int {
	return total/2 + 1
}

// CanLoseOne reports whether healthy members minus one still form a majority.
func CanLoseOne(healthy, total int) bool {
	return total > 0 && healthy-1 >= Quorum(total)
}

// HTTPProbe checks etcd-style /health endpoints returning {"health":"true"}.
type HTTPProbe struct {
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPProbe creates a probe with its own client.
func NewHTTPProbe(timeout time.Duration) *HTTPProbe {
	if timeout == 0 {
		timeout = constants.DefaultProbeTimeout
	}
	return &HTTPProbe{Client: &http.Client{Timeout: timeout}, Timeout: timeout}
}

type healthResponse struct {
	Health string `json:"health"`
	Reason string `json:"reason"`
}

func (p *HTTPProbe) Health(ctx context.Context, endpoints []string) (Status, error) {
	if len(endpoints) == 0 {
		return Unhealthy, errors.Configf("health_endpoint", "no endpoints to probe")
	}
	for _, ep := range endpoints {
		status, err := p.check(ctx, ep)
		if err != nil || status != Healthy {
			return Unhealthy, err
		}
	}
	return Healthy, nil
}

func (p *HTTPProbe) check(ctx context.Context, endpoint string) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Unhealthy, errors.Configf("health_endpoint", "invalid endpoint %q: %v", endpoint, err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return Unhealthy, errors.Transient("probe "+endpoint, fmt.Errorf("%w: %v", errors.ErrHealthUnreachable, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Unhealthy, nil
	}
	var body healthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return Unhealthy, nil
	}
	if strings.EqualFold(body.Health, "true") {
		return Healthy, nil
	}
	return Unhealthy, nil
}

// QuorumGate fans a Probe out over the data-plane members.
type QuorumGate struct {
	probe   Probe
	members []pki.NodeIdentity
	logger  zerolog.Logger
}

// NewQuorumGate creates a gate over the given nodes. Only data-plane nodes
// count towards quorum.
func NewQuorumGate(probe Probe, nodes []pki.NodeIdentity, logger zerolog.Logger) *QuorumGate {
	members := make([]pki.NodeIdentity, 0, len(nodes))
	for _, n := range nodes {
		if n.DataPlane {
			members = append(members, n)
		}
	}
	return &QuorumGate{
		probe:   probe,
		members: members,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Members returns the data-plane members the gate counts.
func (g *QuorumGate) Members() []pki.NodeIdentity {
	return g.members
}

func (g *QuorumGate) Node(ctx context.Context, node pki.NodeIdentity) (Status, error) {
	if node.HealthEndpoint == "" {
		return Unhealthy, errors.Configf("nodes."+node.Name+".health_endpoint", "not configured")
	}
	return g.probe.Health(ctx, []string{node.HealthEndpoint})
}

func (g *QuorumGate) Cluster(ctx context.Context) (ClusterStatus, error) {
	statuses := make([]Status, len(g.members))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, m := range g.members {
		eg.Go(func() error {
			status, err := g.Node(egCtx, m)
			if err != nil {
				g.logger.Debug().Err(err).Str("node", m.Name).Msg("Member probe failed")
			}
			statuses[i] = status
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return ClusterStatus{}, err
	}

	cs := ClusterStatus{Total: len(g.members)}
	for i, s := range statuses {
		if s == Healthy {
			cs.Healthy++
		} else {
			cs.Unhealthy = append(cs.Unhealthy, g.members[i].Name)
		}
	}
	sort.Strings(cs.Unhealthy)

	cs.Status = Unhealthy
	if CanLoseOne(cs.Healthy, cs.Total) {
		cs.Status = Healthy
	}
	return cs, nil
}
