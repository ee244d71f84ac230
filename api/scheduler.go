/*
scheduler.go - Background maintenance jobs

PURPOSE:
  Runs the periodic work the ledger needs outside of request handling:
  delivering outbox events, checking cached balances against the log, and
  forgetting idle rate limiters.

JOBS:
  outbox   Drain the notification outbox (default @every 5s)
  verify   VerifyBalances; drift is logged and counted (default @hourly)
  sweep    Drop idle rate limiters (@every 10m)

  A job that is still running when its next tick arrives is skipped.

USAGE:
  s, err := NewScheduler(SchedulerConfig{...})
  s.Start()
  // ... later
  <-s.Stop().Done()

SEE ALSO:
  - notify/relay.go: Outbox delivery
  - ledger/maintenance.go: VerifyBalances
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/lcfs/compliance-ledger/ledger"
	"github.com/lcfs/compliance-ledger/notify"
)

type SchedulerConfig struct {
	Ledger      *ledger.Service
	Relay       *notify.Relay // optional
	RateLimiter *RateLimiter  // optional
	Logger      logrus.FieldLogger

	OutboxSpec string
	VerifySpec string
	// JobTimeout bounds a single run of any job.
	JobTimeout time.Duration
}

// Scheduler owns a cron runner and the jobs registered on it.
type Scheduler struct {
	cfg  SchedulerConfig
	cron *cron.Cron
	log  logrus.FieldLogger
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("scheduler: ledger is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = cfg.Ledger.Logger()
	}
	if cfg.OutboxSpec == "" {
		cfg.OutboxSpec = "@every 5s"
	}
	if cfg.VerifySpec == "" {
		cfg.VerifySpec = "@hourly"
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}

	log := cfg.Logger.WithField("component", "scheduler")
	cl := cronLogger{log}
	s := &Scheduler{
		cfg: cfg,
		log: log,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	if cfg.Relay != nil {
		if _, err := s.cron.AddFunc(cfg.OutboxSpec, s.job("outbox", s.DrainOutbox)); err != nil {
			return nil, fmt.Errorf("scheduler: outbox spec %q: %w", cfg.OutboxSpec, err)
		}
	}
	if _, err := s.cron.AddFunc(cfg.VerifySpec, s.job("verify", s.Verify)); err != nil {
		return nil, fmt.Errorf("scheduler: verify spec %q: %w", cfg.VerifySpec, err)
	}
	if cfg.RateLimiter != nil {
		if _, err := s.cron.AddFunc("@every 10m", s.job("sweep", s.Sweep)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.WithField("jobs", len(s.cron.Entries())).Info("scheduler started")
}

// Stop stops scheduling; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.log.Info("scheduler stopped")
	return ctx
}

func (s *Scheduler) job(name string, fn func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.JobTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.log.WithError(err).WithField("job", name).Warn("job failed")
		}
	}
}

// =============================================================================
// JOBS
// =============================================================================

// DrainOutbox delivers every pending notification.
func (s *Scheduler) DrainOutbox(ctx context.Context) error {
	n, err := s.cfg.Relay.Drain(ctx)
	if n > 0 {
		s.log.WithField("published", n).Debug("outbox drained")
	}
	return err
}

// Verify reports cached balances that disagree with the log. It never
// repairs them; rebuilding is an explicit admin action.
func (s *Scheduler) Verify(ctx context.Context) error {
	drifts, err := s.cfg.Ledger.VerifyBalances(ctx)
	if err != nil {
		return err
	}
	for _, d := range drifts {
		s.log.WithFields(logrus.Fields{
			"organization_id":    d.OrganizationID,
			"stored_total":       d.Stored.Total,
			"stored_reserved":    d.Stored.Reserved,
			"projected_total":    d.Projected.Total,
			"projected_reserved": d.Projected.Reserved,
		}).Error("balance drift detected")
	}
	return nil
}

func (s *Scheduler) Sweep(context.Context) error {
	if n := s.cfg.RateLimiter.Sweep(time.Now()); n > 0 {
		s.log.WithField("dropped", n).Debug("idle rate limiters dropped")
	}
	return nil
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(fields(keysAndValues)).Error(msg)
}

func fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}
