// Package maintenance runs the periodic background jobs of the signaling service.
package maintenance

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mossy-p/campus-signaling/config"
	"github.com/mossy-p/campus-signaling/pkg/logger"
)

const (
	defaultPreferencesSpec = "@every 1m"
	defaultPresenceSpec    = "@every 10m"
)

// PreferencesLoader refreshes the notification preferences snapshot.
type PreferencesLoader interface {
	Load(ctx context.Context) error
}

// PresenceSweeper drops presence state of deleted chats.
type PresenceSweeper interface {
	SweepPresence(ctx context.Context) (int, error)
}

// Scheduler reloads preferences so instances converge and sweeps stale presence sets.
// A nil dependency skips its job.
type Scheduler struct {
	prefs    PreferencesLoader
	presence PresenceSweeper
	cron     *cron.Cron
	log      *zap.Logger

	preferencesSpec string
	presenceSpec    string
}

// Option customises the Scheduler.
type Option func(*Scheduler)

// WithCron injects a preconfigured cron instance.
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.cron = c
		}
	}
}

func NewScheduler(cfg config.MaintenanceConfig, prefs PreferencesLoader, presence PresenceSweeper, opts ...Option) *Scheduler {
	s := &Scheduler{
		prefs:           prefs,
		presence:        presence,
		log:             logger.WithModule("maintenance"),
		preferencesSpec: defaultPreferencesSpec,
		presenceSpec:    defaultPresenceSpec,
	}
	if cfg.PreferencesRefresh != "" {
		s.preferencesSpec = cfg.PreferencesRefresh
	}
	if cfg.PresenceSweep != "" {
		s.presenceSpec = cfg.PresenceSweep
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return s
}

// Start registers the jobs and launches the scheduler.
func (s *Scheduler) Start() error {
	if s.prefs != nil {
		if _, err := s.cron.AddFunc(s.preferencesSpec, func() {
			if err := s.prefs.Load(context.Background()); err != nil {
				s.log.Warn("preferences reload failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if s.presence != nil {
		if _, err := s.cron.AddFunc(s.presenceSpec, func() {
			removed, err := s.presence.SweepPresence(context.Background())
			if err != nil {
				s.log.Warn("presence sweep failed", zap.Error(err))
				return
			}
			if removed > 0 {
				s.log.Info("stale presence removed", zap.Int("chats", removed))
			}
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the scheduler; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce executes every configured job sequentially.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	if s.prefs != nil {
		errs = multierr.Append(errs, s.prefs.Load(ctx))
	}
	if s.presence != nil {
		_, err := s.presence.SweepPresence(ctx)
		errs = multierr.Append(errs, err)
	}
	return errs
}
