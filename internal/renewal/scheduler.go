// Package renewal schedules in-place renewal of certificates approaching expiry.
//
// Every active certificate gets its own timer aimed at the configured time of
// day, shifted by a random offset so a fleet does not renew in lockstep. When
// the timer fires the certificate is renewed through the rotation controller
// if less than the threshold share of its lifetime remains. A certificate is
// checked at most once per cycle, the calendar day its timer was aimed at.
package renewal

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/inventory"
	"github.com/coral-mesh/certrotor/internal/metrics"
	"github.com/coral-mesh/certrotor/internal/pki"
	"github.com/coral-mesh/certrotor/internal/poller"
	"github.com/coral-mesh/certrotor/internal/rotation"
)

// Check results, also used as the renewal_checks_total label.
const (
	ResultRenewed  = "renewed"
	ResultNotDue   = "not_due"
	ResultSkipped  = "skipped"
	ResultDeferred = "deferred"
	ResultFailed   = "failed"
	ResultMissing  = "missing"
)

// Renewer renews certificates in place. rotation.Controller implements it.
type Renewer interface {
	RenewInPlace(ctx context.Context, scope []string, classes []pki.Class) (*rotation.Operation, error)
}

// Config configures a Scheduler.
type Config struct {
	// Threshold is the share of the original lifetime below which a
	// certificate is due.
	Threshold float64

	// TimeOfDay is the offset from local midnight timers aim for.
	TimeOfDay time.Duration

	// Jitter bounds the uniform random offset applied to every fire time.
	Jitter time.Duration

	// Resync is how often the inventory is reloaded. A fire deferred by a
	// held lease is retried after the same delay.
	Resync time.Duration

	Logger zerolog.Logger
	Now    func() time.Time
}

// Due reports whether less than threshold of leaf's lifetime remains at now.
func Due(leaf *pki.LeafCertificate, now time.Time, threshold float64) bool {
	lifetime := leaf.Lifetime()
	if lifetime <= 0 {
		return true
	}
	return float64(leaf.Remaining(now)) < threshold*float64(lifetime)
}

// DueCertificates returns the active certificates that are due at now.
func DueCertificates(ctx context.Context, inv inventory.Store, now time.Time, threshold float64) ([]*pki.LeafCertificate, error) {
	certs, err := inv.ActiveCertificates(ctx)
	if err != nil {
		return nil, err
	}
	var due []*pki.LeafCertificate
	for _, c := range certs {
		if Due(c, now, threshold) {
			due = append(due, c)
		}
	}
	return due, nil
}

// NextFire returns the first time strictly after now that falls at timeOfDay
// plus offset on some calendar day, and that day formatted as the cycle.
func NextFire(now time.Time, timeOfDay, offset time.Duration) (time.Time, string) {
	return nextFire(now, timeOfDay, offset, "")
}

func nextFire(now time.Time, timeOfDay, offset time.Duration, skipCycle string) (time.Time, string) {
	y, m, d := now.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	for {
		fire := day.Add(timeOfDay + offset)
		cycle := day.Format(time.DateOnly)
		if fire.After(now) && cycle != skipCycle {
			return fire, cycle
		}
		day = day.AddDate(0, 0, 1)
	}
}

// Entry is the schedule of one certificate.
type Entry struct {
	Node      string    `json:"node"`
	Class     pki.Class `json:"class"`
	NotAfter  time.Time `json:"not_after"`
	NextFire  time.Time `json:"next_fire"`
	Cycle     string    `json:"cycle"`
	LastCycle string    `json:"last_cycle,omitempty"`
}

type entry struct {
	Entry
	timer *time.Timer
}

func key(node string, class pki.Class) string {
	return node + "/" + string(class)
}

// Scheduler keeps one renewal timer per active certificate.
type Scheduler struct {
	renewer Renewer
	inv     inventory.Store
	cfg     Config
	logger  zerolog.Logger

	// jitter returns a random offset in [-bound, bound].
	jitter    func(bound time.Duration) time.Duration
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]*entry
	poller  *poller.BasePoller
}

// New creates a Scheduler. Zero config values take the defaults.
func New(renewer Renewer, inv inventory.Store, cfg Config) *Scheduler {
	if cfg.Threshold <= 0 {
		cfg.Threshold = constants.DefaultRenewalThreshold
	}
	if cfg.Resync <= 0 {
		cfg.Resync = constants.DefaultRenewalResync
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		renewer:   renewer,
		inv:       inv,
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "renewal").Logger(),
		jitter:    uniformJitter,
		afterFunc: time.AfterFunc,
		ctx:       context.Background(),
		entries:   make(map[string]*entry),
	}
}

func uniformJitter(bound time.Duration) time.Duration {
	if bound <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(2*bound)+1)) - bound
}

// Start loads the inventory and keeps it in sync until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.poller = poller.NewBasePoller(ctx, poller.Config{
		Name:     "renewal_resync",
		Interval: s.cfg.Resync,
		Logger:   s.logger,
	})
	p := s.poller
	s.mu.Unlock()
	return p.Start(s)
}

// Stop halts the resync loop and every pending timer.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	p := s.poller
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Stop()
}

// PollOnce reconciles the timers with the active certificates of current nodes.
func (s *Scheduler) PollOnce(ctx context.Context) error {
	nodes, err := s.inv.ListNodes(ctx)
	if err != nil {
		return err
	}
	certs, err := s.inv.ActiveCertificates(ctx)
	if err != nil {
		return err
	}
	members := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		members[n.Name] = true
	}

	now := s.cfg.Now()
	seen := make(map[string]bool, len(certs))

	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, c := range certs {
		if !members[c.Node] {
			continue
		}
		k := key(c.Node, c.Class)
		seen[k] = true
		metrics.ObserveExpiry(c.Node, string(c.Class), c.NotAfter)
		if e, ok := s.entries[k]; ok {
			e.NotAfter = c.NotAfter
			continue
		}
		e := &entry{Entry: Entry{Node: c.Node, Class: c.Class, NotAfter: c.NotAfter}}
		s.entries[k] = e
		s.scheduleLocked(k, e, now)
		added++
	}

	removed := make(map[string]bool)
	for k, e := range s.entries {
		if seen[k] {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, k)
		removed[e.Node] = true
	}
	for node := range removed {
		if !members[node] {
			metrics.ForgetNode(node)
		}
	}

	if added > 0 || len(removed) > 0 {
		s.logger.Debug().Int("added", added).Int("removed_nodes", len(removed)).Int("tracked", len(s.entries)).Msg("Renewal schedule synced")
	}
	return nil
}

// scheduleLocked arms the timer for the next cycle that was not checked yet.
func (s *Scheduler) scheduleLocked(k string, e *entry, now time.Time) {
	e.NextFire, e.Cycle = nextFire(now, s.cfg.TimeOfDay, s.jitter(s.cfg.Jitter), e.LastCycle)
	s.armLocked(k, e, e.NextFire.Sub(now))
}

func (s *Scheduler) armLocked(k string, e *entry, d time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = s.afterFunc(d, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, k)
	})
}

// Entries returns the schedule ordered by node and class.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Node != out[j].Node {
			return out[i].Node < out[j].Node
		}
		return out[i].Class < out[j].Class
	})
	return out
}

// fire runs the check of one certificate for its current cycle and re-arms the timer.
func (s *Scheduler) fire(ctx context.Context, k string) string {
	s.mu.Lock()
	e, ok := s.entries[k]
	if !ok {
		s.mu.Unlock()
		return ResultMissing
	}
	node, class, cycle := e.Node, e.Class, e.Cycle
	if e.LastCycle == cycle {
		s.scheduleLocked(k, e, s.cfg.Now())
		s.mu.Unlock()
		metrics.RenewalChecks.WithLabelValues(ResultSkipped).Inc()
		return ResultSkipped
	}
	s.mu.Unlock()

	result := s.check(ctx, node, class)
	metrics.RenewalChecks.WithLabelValues(result).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[k]; !ok || cur != e {
		return result
	}
	if result == ResultDeferred {
		e.NextFire = s.cfg.Now().Add(s.cfg.Resync)
		s.armLocked(k, e, s.cfg.Resync)
		return result
	}
	e.LastCycle = cycle
	s.scheduleLocked(k, e, s.cfg.Now())
	return result
}

func (s *Scheduler) check(ctx context.Context, node string, class pki.Class) string {
	logger := s.logger.With().Str("node", node).Str("class", string(class)).Logger()

	leaf, err := s.inv.ActiveCertificate(ctx, node, class)
	if err != nil {
		if errors.Is(err, inventory.ErrNotFound) {
			return ResultMissing
		}
		logger.Error().Err(err).Msg("Failed to load certificate for renewal check")
		return ResultFailed
	}
	now := s.cfg.Now()
	if !Due(leaf, now, s.cfg.Threshold) {
		logger.Debug().Time("not_after", leaf.NotAfter).Msg("Certificate not due for renewal")
		return ResultNotDue
	}

	logger.Info().
		Str("serial", leaf.Serial).
		Dur("remaining", leaf.Remaining(now)).
		Msg("Certificate due, renewing in place")
	op, err := s.renewer.RenewInPlace(ctx, []string{node}, []pki.Class{class})
	switch {
	case errors.Is(err, errors.ErrLeaseHeld):
		logger.Info().Err(err).Msg("Another operation is running, renewal deferred")
		return ResultDeferred
	case err != nil:
		ev := logger.Error().Err(err)
		if op != nil {
			ev = ev.Str("operation", op.ID)
		}
		ev.Msg("Renewal failed")
		return ResultFailed
	}
	logger.Info().Str("operation", op.ID).Msg("Certificate renewed")
	return ResultRenewed
}
