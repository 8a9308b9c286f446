package inventory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coral-mesh/certrotor/internal/pki"
)

type memoryCert struct {
	seq  int
	leaf pki.LeafCertificate
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	nodes map[string]pki.NodeIdentity
	certs []memoryCert
	ops   map[string]OperationRecord
	seq   int
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		nodes: make(map[string]pki.NodeIdentity),
		ops:   make(map[string]OperationRecord),
	}
}

func (m *Memory) UpsertNode(ctx context.Context, node pki.NodeIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node.Addresses = append([]string(nil), node.Addresses...)
	if prev, ok := m.nodes[node.Name]; ok {
		node.JoinedAt = prev.JoinedAt
	} else if node.JoinedAt.IsZero() {
		node.JoinedAt = time.Now()
	}
	m.nodes[node.Name] = node
	return nil
}

func (m *Memory) RemoveNode(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[name]; !ok {
		return ErrNotFound
	}
	delete(m.nodes, name)
	return nil
}

func (m *Memory) GetNode(ctx context.Context, name string) (*pki.NodeIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &n, nil
}

func (m *Memory) ListNodes(ctx context.Context) ([]pki.NodeIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]pki.NodeIdentity, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes, nil
}

func (m *Memory) RecordIssued(ctx context.Context, leaf *pki.LeafCertificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.certs {
		c := &m.certs[i].leaf
		if c.Node == leaf.Node && c.Class == leaf.Class && c.Status == pki.StatusActive {
			c.Status = pki.StatusSuperseded
		}
	}
	stored := *leaf
	stored.Status = pki.StatusActive
	m.seq++
	m.certs = append(m.certs, memoryCert{seq: m.seq, leaf: stored})
	return nil
}

func (m *Memory) ActiveCertificate(ctx context.Context, node string, class pki.Class) (*pki.LeafCertificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.certs {
		if c.leaf.Node == node && c.leaf.Class == class && c.leaf.Status == pki.StatusActive {
			leaf := c.leaf
			return &leaf, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ActiveCertificates(ctx context.Context) ([]*pki.LeafCertificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*pki.LeafCertificate
	for _, c := range m.certs {
		if c.leaf.Status == pki.StatusActive {
			leaf := c.leaf
			out = append(out, &leaf)
		}
	}
	sortCertificates(out)
	return out, nil
}

func (m *Memory) History(ctx context.Context, node string) ([]*pki.LeafCertificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*pki.LeafCertificate
	for i := len(m.certs) - 1; i >= 0; i-- {
		if m.certs[i].leaf.Node == node {
			leaf := m.certs[i].leaf
			out = append(out, &leaf)
		}
	}
	return out, nil
}

func (m *Memory) SaveOperation(ctx context.Context, op *OperationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := *op
	rec.Data = append([]byte(nil), op.Data...)
	m.ops[op.ID] = rec
	return nil
}

func (m *Memory) GetOperation(ctx context.Context, id string) (*OperationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *Memory) ListOperations(ctx context.Context, limit int) ([]*OperationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*OperationRecord, 0, len(m.ops))
	for _, rec := range m.ops {
		r := rec
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
