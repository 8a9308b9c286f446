package backup

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/certrotor/internal/constants"
	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/poller"
)

// CATask backs up the CA material whenever it changes.
type CATask struct {
	pipeline *Pipeline
}

// NewCATask creates the change-triggered CA backup task.
func NewCATask(p *Pipeline) *CATask {
	return &CATask{pipeline: p}
}

// PollOnce takes a CA backup if the secrets changed since the latest one.
func (t *CATask) PollOnce(ctx context.Context) error {
	_, err := t.pipeline.Backup(ctx, constants.KindCASecrets, false)
	if errors.Is(err, ErrUnchanged) {
		return nil
	}
	return err
}

// RunCleanup prunes expired CA backups.
func (t *CATask) RunCleanup(ctx context.Context) error {
	_, err := t.pipeline.Prune(ctx, constants.KindCASecrets)
	return err
}

// SnapshotTask takes a data snapshot once per interval.
type SnapshotTask struct {
	pipeline *Pipeline
	interval time.Duration
}

// NewSnapshotTask creates the interval snapshot task.
func NewSnapshotTask(p *Pipeline, interval time.Duration) *SnapshotTask {
	return &SnapshotTask{pipeline: p, interval: interval}
}

// PollOnce takes a snapshot unless one newer than the interval already exists,
// so restarting the daemon does not produce a burst of snapshots.
func (t *SnapshotTask) PollOnce(ctx context.Context) error {
	latest, err := t.pipeline.Latest(ctx, constants.KindDataSnapshot)
	switch {
	case err == nil && t.pipeline.now().Sub(latest.CreatedAt) < t.interval:
		return nil
	case err != nil && !errors.Is(err, ErrNoBackup):
		return err
	}
	_, err = t.pipeline.Backup(ctx, constants.KindDataSnapshot, false)
	return err
}

// RunCleanup prunes expired snapshots.
func (t *SnapshotTask) RunCleanup(ctx context.Context) error {
	_, err := t.pipeline.Prune(ctx, constants.KindDataSnapshot)
	return err
}

// Schedule runs both backup tasks in the background.
type Schedule struct {
	pollers []*poller.BasePoller
	tasks   []poller.Task
}

// NewSchedule wires the CA and snapshot tasks to pollers. A zero interval
// disables the corresponding task.
func NewSchedule(ctx context.Context, p *Pipeline, caInterval, snapshotInterval time.Duration, logger zerolog.Logger) *Schedule {
	s := &Schedule{}
	if caInterval > 0 {
		s.add(poller.NewBasePoller(ctx, poller.Config{
			Name:     "ca_backup",
			Interval: caInterval,
			Logger:   logger,
		}), NewCATask(p))
	}
	if snapshotInterval > 0 && p.sources[constants.KindDataSnapshot] != nil {
		// Checked more often than the interval so a missed snapshot is caught up promptly.
		check := min(snapshotInterval, time.Hour)
		s.add(poller.NewBasePoller(ctx, poller.Config{
			Name:     "data_snapshot",
			Interval: check,
			Logger:   logger,
		}), NewSnapshotTask(p, snapshotInterval))
	}
	return s
}

func (s *Schedule) add(b *poller.BasePoller, t poller.Task) {
	s.pollers = append(s.pollers, b)
	s.tasks = append(s.tasks, t)
}

// Start launches every poller.
func (s *Schedule) Start() error {
	for i, b := range s.pollers {
		if err := b.Start(s.tasks[i]); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every poller and waits for in-flight backups.
func (s *Schedule) Stop() error {
	var errs []error
	for _, b := range s.pollers {
		errs = append(errs, b.Stop())
	}
	return errors.Join(errs...)
}
