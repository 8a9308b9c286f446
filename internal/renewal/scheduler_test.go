package renewal

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/inventory"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/rotation"
	"github.com/coral-mesh/certrotor/internal/testutil"
)

var start = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

type fakeRenewer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRenewer) RenewInPlace(ctx context.Context, scope []string, classes []pki.Class) (*rotation.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("%s/%s", scope[0], classes[0]))
	if f.err != nil {
		return nil, f.err
	}
	return &rotation.Operation{ID: fmt.Sprintf("op-%d", len(f.calls))}, nil
}

func (f *fakeRenewer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func leaf(node string, class pki.Class, notBefore time.Time, lifetime time.Duration) *pki.LeafCertificate {
	return &pki.LeafCertificate{
		Node:      node,
		Class:     class,
		Serial:    node + "-" + string(class),
		NotBefore: notBefore,
		NotAfter:  notBefore.Add(lifetime),
		IssuedAt:  notBefore,
	}
}

type harness struct {
	sched   *Scheduler
	renewer *fakeRenewer
	inv     *inventory.Memory
	clock   *testutil.Clock
	delays  []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		renewer: &fakeRenewer{},
		inv:     inventory.NewMemory(),
		clock:   testutil.NewClock(start),
	}
	h.sched = New(h.renewer, h.inv, Config{
		Threshold: 1.0 / 3.0,
		TimeOfDay: 3 * time.Hour,
		Jitter:    30 * time.Minute,
		Resync:    10 * time.Minute,
		Logger:    testutil.NewTestLogger(t),
		Now:       h.clock.Now,
	})
	h.sched.jitter = func(time.Duration) time.Duration { return 0 }
	h.sched.afterFunc = func(d time.Duration, f func()) *time.Timer {
		h.delays = append(h.delays, d)
		return time.AfterFunc(24*time.Hour, func() {})
	}
	t.Cleanup(func() { _ = h.sched.Stop() })
	return h
}

func (h *harness) add(t *testing.T, l *pki.LeafCertificate) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.inv.UpsertNode(ctx, pki.NodeIdentity{Name: l.Node, DataPlane: true}))
	require.NoError(t, h.inv.RecordIssued(ctx, l))
}

func TestDue(t *testing.T) {
	lifetime := 90 * 24 * time.Hour
	l := leaf("n1", pki.ClassPeer, start, lifetime)
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"fresh", start, false},
		{"just above threshold", l.NotAfter.Add(-31 * 24 * time.Hour), false},
		{"below threshold", l.NotAfter.Add(-29 * 24 * time.Hour), true},
		{"expired", l.NotAfter.Add(time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Due(l, tt.at, 1.0/3.0))
		})
	}
}

func TestNextFire(t *testing.T) {
	tests := []struct {
		name      string
		now       time.Time
		offset    time.Duration
		want      time.Time
		wantCycle string
	}{
		{"later today", time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC), 0, time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC), "2026-03-10"},
		{"tomorrow", start, 0, time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC), "2026-03-11"},
		{"negative offset already passed", time.Date(2026, 3, 10, 2, 45, 0, 0, time.UTC), -30 * time.Minute, time.Date(2026, 3, 11, 2, 30, 0, 0, time.UTC), "2026-03-11"},
		{"positive offset", time.Date(2026, 3, 10, 3, 10, 0, 0, time.UTC), 20 * time.Minute, time.Date(2026, 3, 10, 3, 20, 0, 0, time.UTC), "2026-03-10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, cycle := NextFire(tt.now, 3*time.Hour, tt.offset)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantCycle, cycle)
		})
	}
}

func TestUniformJitterBounds(t *testing.T) {
	for range 200 {
		j := uniformJitter(time.Minute)
		assert.GreaterOrEqual(t, j, -time.Minute)
		assert.LessOrEqual(t, j, time.Minute)
	}
	assert.Zero(t, uniformJitter(0))
}

func TestPollOnceTracksInventory(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	h := newHarness(t)
	h.add(t, leaf("n1", pki.ClassPeer, start, 90*24*time.Hour))
	h.add(t, leaf("n2", pki.ClassPeer, start, 90*24*time.Hour))

	require.NoError(t, h.sched.PollOnce(ctx))
	entries := h.sched.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "n1", entries[0].Node)
	assert.Equal(t, time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC), entries[0].NextFire)
	assert.Equal(t, []time.Duration{17 * time.Hour, 17 * time.Hour}, h.delays)

	// A second sync keeps existing timers.
	require.NoError(t, h.sched.PollOnce(ctx))
	assert.Len(t, h.delays, 2)

	require.NoError(t, h.inv.RemoveNode(ctx, "n2"))
	require.NoError(t, h.sched.PollOnce(ctx))
	entries = h.sched.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "n1", entries[0].Node)
}

func TestFireRenewsOncePerCycle(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	h := newHarness(t)
	// 20 of 90 days left.
	h.add(t, leaf("n1", pki.ClassServer, start.Add(-70*24*time.Hour), 90*24*time.Hour))
	require.NoError(t, h.sched.PollOnce(ctx))

	h.clock.Advance(17 * time.Hour)
	assert.Equal(t, ResultRenewed, h.sched.fire(ctx, "n1/server"))
	assert.Equal(t, []string{"n1/server"}, h.renewer.Calls())

	e := h.sched.Entries()[0]
	assert.Equal(t, "2026-03-11", e.LastCycle)
	assert.Equal(t, time.Date(2026, 3, 12, 3, 0, 0, 0, time.UTC), e.NextFire)

	// A late duplicate fire in the same cycle does nothing.
	h.sched.mu.Lock()
	h.sched.entries["n1/server"].Cycle = "2026-03-11"
	h.sched.mu.Unlock()
	assert.Equal(t, ResultSkipped, h.sched.fire(ctx, "n1/server"))
	assert.Len(t, h.renewer.Calls(), 1)
}

func TestFireNotDue(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	h := newHarness(t)
	h.add(t, leaf("n1", pki.ClassPeer, start, 90*24*time.Hour))
	require.NoError(t, h.sched.PollOnce(ctx))

	h.clock.Advance(17 * time.Hour)
	assert.Equal(t, ResultNotDue, h.sched.fire(ctx, "n1/peer"))
	assert.Empty(t, h.renewer.Calls())
	assert.Equal(t, "2026-03-11", h.sched.Entries()[0].LastCycle)
}

func TestFireDeferredWhileLeaseHeld(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	h := newHarness(t)
	h.add(t, leaf("n1", pki.ClassPeer, start.Add(-80*24*time.Hour), 90*24*time.Hour))
	require.NoError(t, h.sched.PollOnce(ctx))
	h.renewer.err = fmt.Errorf("begin: %w", errors.ErrLeaseHeld)

	h.clock.Advance(17 * time.Hour)
	assert.Equal(t, ResultDeferred, h.sched.fire(ctx, "n1/peer"))
	assert.Equal(t, 10*time.Minute, h.delays[len(h.delays)-1])
	assert.Empty(t, h.sched.Entries()[0].LastCycle)

	h.renewer.err = nil
	h.clock.Advance(10 * time.Minute)
	assert.Equal(t, ResultRenewed, h.sched.fire(ctx, "n1/peer"))
	assert.Len(t, h.renewer.Calls(), 2)
	assert.Equal(t, "2026-03-11", h.sched.Entries()[0].LastCycle)
}

func TestFireFailureStillClosesCycle(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	h := newHarness(t)
	h.add(t, leaf("n1", pki.ClassPeer, start.Add(-80*24*time.Hour), 90*24*time.Hour))
	require.NoError(t, h.sched.PollOnce(ctx))
	h.renewer.err = errors.New("agent unreachable")

	h.clock.Advance(17 * time.Hour)
	assert.Equal(t, ResultFailed, h.sched.fire(ctx, "n1/peer"))
	assert.Equal(t, time.Date(2026, 3, 12, 3, 0, 0, 0, time.UTC), h.sched.Entries()[0].NextFire)
}

func TestDueCertificates(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	inv := inventory.NewMemory()
	require.NoError(t, inv.RecordIssued(ctx, leaf("n1", pki.ClassPeer, start, 90*24*time.Hour)))
	require.NoError(t, inv.RecordIssued(ctx, leaf("n2", pki.ClassPeer, start.Add(-70*24*time.Hour), 90*24*time.Hour)))

	due, err := DueCertificates(ctx, inv, start, 1.0/3.0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "n2", due[0].Node)
}

func TestStartStop(t *testing.T) {
	ctx := testutil.NewTestContext(t)
	h := newHarness(t)
	h.add(t, leaf("n1", pki.ClassPeer, start, 90*24*time.Hour))

	require.NoError(t, h.sched.Start(ctx))
	assert.Eventually(t, func() bool { return len(h.sched.Entries()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.sched.Stop())
}
