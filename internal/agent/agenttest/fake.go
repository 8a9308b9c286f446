// Package agenttest provides an in-memory cluster that implements both
// agent.NodeAgent and health.Gate for tests.
package agenttest

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"sort"
	"sync"

	"github.com/coral-mesh/certrotor/internal/agent"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/health"
	"github.com/coral-mesh/certrotor/internal/pki"
)

var (
	_ agent.NodeAgent = (*Cluster)(nil)
	_ health.Gate     = (*Cluster)(nil)
)

// Node is the simulated state of one member.
type Node struct {
	Identity pki.NodeIdentity

	keys    map[pki.Class]*ecdsa.PrivateKey
	pending map[pki.Class]*ecdsa.PrivateKey
	certs   map[pki.Class][]byte
	root    []byte
	replica *pki.CABundle

	down       bool
	pollsLeft  int
	neverHeals bool
	failing    bool

	Reloads  int
	Restarts int
}

// Cluster simulates members, their agents and their health endpoints.
type Cluster struct {
	mu    sync.Mutex
	nodes map[string]*Node

	// RecoveryPolls is how many Node polls a restarted member reports
	// unhealthy before it comes back.
	RecoveryPolls int

	// SnapshotData is returned by Snapshot.
	SnapshotData []byte

	// Hooks called before the matching operation. A non-nil error fails it.
	OnRestart func(node string) error
	OnInstall func(node string, class pki.Class) error
	OnReplica func(node string) error

	// CorruptReplica makes CAFingerprint report a foreign root.
	CorruptReplica bool

	order     []string
	maxDown   int
	mutations int
}

// NewCluster creates members from identities. Every member starts healthy.
func NewCluster(identities ...pki.NodeIdentity) *Cluster {
	c := &Cluster{nodes: make(map[string]*Node), RecoveryPolls: 1}
	for _, id := range identities {
		c.nodes[id.Name] = &Node{
			Identity: id,
			keys:     make(map[pki.Class]*ecdsa.PrivateKey),
			pending:  make(map[pki.Class]*ecdsa.PrivateKey),
			certs:    make(map[pki.Class][]byte),
		}
	}
	return c
}

// DataPlaneNodes creates identities n1..nN that all count towards quorum.
func DataPlaneNodes(n int) []pki.NodeIdentity {
	ids := make([]pki.NodeIdentity, 0, n)
	for i := 1; i <= n; i++ {
		name := fmt.Sprintf("n%d", i)
		ids = append(ids, pki.NodeIdentity{
			Name:           name,
			Addresses:      []string{name + ".test"},
			HealthEndpoint: "http://" + name + ".test:2379/health",
			DataPlane:      true,
			CARole:         pki.CARoleNone,
		})
	}
	return ids
}

func (c *Cluster) node(name string) (*Node, error) {
	n, ok := c.nodes[name]
	if !ok {
		return nil, fmt.Errorf("unknown node %q", name)
	}
	return n, nil
}

// SetDown marks a member unhealthy until it is restarted.
func (c *Cluster) SetDown(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.nodes[name]
	n.down = true
	n.neverHeals = true
}

// NeverRecovers keeps a member unhealthy after its next restart.
func (c *Cluster) NeverRecovers(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[name].failing = true
}

// Recover clears NeverRecovers and SetDown and brings the member back.
func (c *Cluster) Recover(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.nodes[name]
	n.failing = false
	n.neverHeals = false
	n.down = false
}

// RestartOrder lists restarted members in call order.
func (c *Cluster) RestartOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// MaxConcurrentDown is the largest number of members observed out of service at once.
func (c *Cluster) MaxConcurrentDown() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxDown
}

// Mutations counts every state-changing call.
func (c *Cluster) Mutations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mutations
}

// Reloads returns the reload count of a member.
func (c *Cluster) Reloads(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[name].Reloads
}

// Certificate returns the installed certificate of a member.
func (c *Cluster) Certificate(name string, class pki.Class) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[name].certs[class]
}

// Replica returns the CA bundle held by a member.
func (c *Cluster) Replica(name string) *pki.CABundle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[name].replica
}

func (c *Cluster) GenerateCSR(ctx context.Context, node pki.NodeIdentity, class pki.Class) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.node(node.Name)
	if err != nil {
		return nil, err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	n.pending[class] = key
	c.mutations++
	return x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: node.Name, OrganizationalUnit: []string{string(class)}},
		DNSNames: append([]string{node.Name}, node.Addresses...),
	}, key)
}

func (c *Cluster) InstallCertificate(ctx context.Context, node pki.NodeIdentity, class pki.Class, certPEM, rootPEM []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.node(node.Name)
	if err != nil {
		return err
	}
	if c.OnInstall != nil {
		if err := c.OnInstall(node.Name, class); err != nil {
			return err
		}
	}
	cert, err := pki.ParseCertificatePEM(certPEM)
	if err != nil {
		return err
	}
	switch {
	case n.pending[class] != nil && keyMatches(n.pending[class], cert.PublicKey):
		n.keys[class] = n.pending[class]
		delete(n.pending, class)
	case n.keys[class] != nil && keyMatches(n.keys[class], cert.PublicKey):
	default:
		return fmt.Errorf("%s/%s: %w", node.Name, class, agent.ErrKeyMismatch)
	}
	n.certs[class] = certPEM
	n.root = rootPEM
	c.mutations++
	return nil
}

func (c *Cluster) Reload(ctx context.Context, node pki.NodeIdentity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.node(node.Name)
	if err != nil {
		return err
	}
	n.Reloads++
	c.mutations++
	return nil
}

func (c *Cluster) Restart(ctx context.Context, node pki.NodeIdentity) error {
	if c.OnRestart != nil {
		if err := c.OnRestart(node.Name); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.node(node.Name)
	if err != nil {
		return err
	}
	n.Restarts++
	n.down = true
	n.neverHeals = n.failing
	n.pollsLeft = c.RecoveryPolls
	c.order = append(c.order, node.Name)
	c.mutations++

	down := 0
	for _, m := range c.nodes {
		if m.down {
			down++
		}
	}
	c.maxDown = max(c.maxDown, down)
	return nil
}

func (c *Cluster) Snapshot(ctx context.Context, node pki.NodeIdentity) ([]byte, error) {
	if len(c.SnapshotData) == 0 {
		return nil, errors.Configf("agent.snapshot_command", "not configured")
	}
	return append([]byte(nil), c.SnapshotData...), nil
}

func (c *Cluster) ReplicateCA(ctx context.Context, node pki.NodeIdentity, bundle *pki.CABundle) error {
	if c.OnReplica != nil {
		if err := c.OnReplica(node.Name); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.node(node.Name)
	if err != nil {
		return err
	}
	files := make(map[string][]byte, len(bundle.Files))
	for k, v := range bundle.Files {
		files[k] = append([]byte(nil), v...)
	}
	n.replica = &pki.CABundle{Cluster: bundle.Cluster, Generation: bundle.Generation, Files: files}
	c.mutations++
	return nil
}

func (c *Cluster) CAFingerprint(ctx context.Context, node pki.NodeIdentity) (pki.CAFingerprints, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.node(node.Name)
	if err != nil {
		return pki.CAFingerprints{}, err
	}
	if n.replica == nil {
		return pki.CAFingerprints{}, nil
	}
	if c.CorruptReplica {
		return pki.CAFingerprints{Root: "00ff", Intermediate: "00ff"}, nil
	}
	return n.replica.Fingerprints()
}

// Node reports a restarted member unhealthy for RecoveryPolls polls.
func (c *Cluster) Node(ctx context.Context, node pki.NodeIdentity) (health.Status, error) {
	if err := ctx.Err(); err != nil {
		return health.Unhealthy, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.node(node.Name)
	if err != nil {
		return health.Unhealthy, err
	}
	if !n.down {
		return health.Healthy, nil
	}
	if n.neverHeals {
		return health.Unhealthy, nil
	}
	if n.pollsLeft > 0 {
		n.pollsLeft--
		return health.Unhealthy, nil
	}
	n.down = false
	return health.Healthy, nil
}

func (c *Cluster) Cluster(ctx context.Context) (health.ClusterStatus, error) {
	if err := ctx.Err(); err != nil {
		return health.ClusterStatus{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var cs health.ClusterStatus
	for name, n := range c.nodes {
		if !n.Identity.DataPlane {
			continue
		}
		cs.Total++
		if n.down {
			cs.Unhealthy = append(cs.Unhealthy, name)
		} else {
			cs.Healthy++
		}
	}
	sort.Strings(cs.Unhealthy)
	cs.Status = health.Unhealthy
	if health.CanLoseOne(cs.Healthy, cs.Total) {
		cs.Status = health.Healthy
	}
	return cs, nil
}

func keyMatches(key *ecdsa.PrivateKey, pub crypto.PublicKey) bool {
	return key.PublicKey.Equal(pub)
}
