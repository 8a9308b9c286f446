// Package status gathers the cluster overview shown by 'certrotor status'.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/certrotor/internal/ca"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/health"
	"github.com/coral-mesh/certrotor/internal/inventory"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/rotation"
)

// CAInfo describes the active CA generation.
type CAInfo struct {
	Initialized             bool      `json:"initialized" yaml:"initialized"`
	Generation              int       `json:"generation,omitempty" yaml:"generation,omitempty"`
	RootFingerprint         string    `json:"root_fingerprint,omitempty" yaml:"root_fingerprint,omitempty"`
	IntermediateFingerprint string    `json:"intermediate_fingerprint,omitempty" yaml:"intermediate_fingerprint,omitempty"`
	RootNotAfter            time.Time `json:"root_not_after,omitempty" yaml:"root_not_after,omitempty"`
	IntermediateNotAfter    time.Time `json:"intermediate_not_after,omitempty" yaml:"intermediate_not_after,omitempty"`
	Retired                 int       `json:"retired" yaml:"retired"`
}

// NodeInfo is one node with its probed health.
type NodeInfo struct {
	Name      string        `json:"name" yaml:"name"`
	DataPlane bool          `json:"data_plane" yaml:"data_plane"`
	CARole    pki.CARole    `json:"ca_role" yaml:"ca_role"`
	Health    health.Status `json:"health" yaml:"health"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// CertInfo is one active certificate.
type CertInfo struct {
	Node      string    `json:"node" yaml:"node"`
	Class     pki.Class `json:"class" yaml:"class"`
	Serial    string    `json:"serial" yaml:"serial"`
	NotAfter  time.Time `json:"not_after" yaml:"not_after"`
	Remaining string    `json:"remaining" yaml:"remaining"`
	Expired   bool      `json:"expired" yaml:"expired"`
	Stale     bool      `json:"stale" yaml:"stale"`
}

// Report is the complete status output.
type Report struct {
	Cluster      string                `json:"cluster" yaml:"cluster"`
	CA           CAInfo                `json:"ca" yaml:"ca"`
	Quorum       health.ClusterStatus  `json:"quorum" yaml:"quorum"`
	Nodes        []NodeInfo            `json:"nodes" yaml:"nodes"`
	Certificates []CertInfo            `json:"certificates" yaml:"certificates"`
	Operations   []*rotation.Operation `json:"operations" yaml:"operations"`
	Version      string                `json:"version" yaml:"version"`
}

// Provider collects a Report.
type Provider struct {
	Cluster   string
	CA        *ca.Store
	Inventory inventory.Store
	Probe     health.Probe
	Timeout   time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Collect builds the report. Node probes run in parallel, each bounded by
// the provider timeout; an unreachable node is reported, not returned.
func (p *Provider) Collect(ctx context.Context, opLimit int) (*Report, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	r := &Report{Cluster: p.Cluster}

	active := ""
	if p.CA.Initialized() {
		meta, err := p.CA.Metadata()
		if errors.Is(err, ca.ErrNotLoaded) {
			if err := p.CA.Load(nil); err != nil {
				return nil, err
			}
			meta, err = p.CA.Metadata()
		}
		if err != nil {
			return nil, err
		}
		retired, err := p.CA.Retired()
		if err != nil {
			return nil, err
		}
		r.CA = CAInfo{
			Initialized:             true,
			Generation:              meta.Generation,
			RootFingerprint:         meta.RootFingerprint,
			IntermediateFingerprint: meta.IntermediateFingerprint,
			RootNotAfter:            meta.RootNotAfter,
			IntermediateNotAfter:    meta.IntermediateNotAfter,
			Retired:                 len(retired),
		}
		active = meta.IntermediateFingerprint
	}

	nodes, err := p.Inventory.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	r.Nodes = p.queryNodesInParallel(ctx, nodes)
	r.Quorum = quorum(r.Nodes)

	certs, err := p.Inventory.ActiveCertificates(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range certs {
		r.Certificates = append(r.Certificates, CertInfo{
			Node:      c.Node,
			Class:     c.Class,
			Serial:    c.Serial,
			NotAfter:  c.NotAfter,
			Remaining: remaining(c.Remaining(now())),
			Expired:   c.Expired(now()),
			Stale:     active != "" && c.Stale(active),
		})
	}

	recs, err := p.Inventory.ListOperations(ctx, opLimit)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		op, err := rotation.DecodeOperation(rec)
		if err != nil {
			p.Logger.Warn().Err(err).Str("operation", rec.ID).Msg("Skipping unreadable operation record")
			continue
		}
		r.Operations = append(r.Operations, op)
	}
	return r, nil
}

func (p *Provider) queryNodesInParallel(ctx context.Context, nodes []pki.NodeIdentity) []NodeInfo {
	var wg sync.WaitGroup
	results := make([]NodeInfo, len(nodes))

	for i, n := range nodes {
		wg.Add(1)
		go func(index int, node pki.NodeIdentity) {
			defer wg.Done()
			results[index] = p.queryNode(ctx, node)
		}(i, n)
	}

	wg.Wait()
	return results
}

func (p *Provider) queryNode(ctx context.Context, node pki.NodeIdentity) NodeInfo {
	info := NodeInfo{
		Name:      node.Name,
		DataPlane: node.DataPlane,
		CARole:    node.CARole,
		Health:    health.Unhealthy,
	}
	if node.HealthEndpoint == "" {
		info.Error = "no health endpoint"
		return info
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, err := p.Probe.Health(ctx, []string{node.HealthEndpoint})
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.Health = status
	return info
}

func quorum(nodes []NodeInfo) health.ClusterStatus {
	var cs health.ClusterStatus
	for _, n := range nodes {
		if !n.DataPlane {
			continue
		}
		cs.Total++
		if n.Health == health.Healthy {
			cs.Healthy++
		} else {
			cs.Unhealthy = append(cs.Unhealthy, n.Name)
		}
	}
	cs.Status = health.Unhealthy
	if health.CanLoseOne(cs.Healthy, cs.Total) {
		cs.Status = health.Healthy
	}
	return cs
}

func remaining(d time.Duration) string {
	if d <= 0 {
		return "expired"
	}
	return formatRemaining(d)
}
