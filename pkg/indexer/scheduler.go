package indexer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/config"
	"github.com/flare-foundation/rollup-archive-indexer/pkg/database"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// Syncer syncs a single account.
type Syncer interface {
	Sync(ctx context.Context, account *database.TrackedAccount) (*SyncResult, error)
}

type SweepReport struct {
	Skipped    bool            `json:"skipped"`
	Synced     int             `json:"synced"`
	Failed     int             `json:"failed"`
	Accounts   []AccountStatus `json:"accounts"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
}

// Scheduler runs sweeps over all enabled accounts. At most one sweep runs at
// a time; a trigger that arrives during a sweep is dropped.
type Scheduler struct {
	syncer   Syncer
	store    Store
	status   *StatusRegistry
	schedule string
	timeout  time.Duration

	running atomic.Bool
	cron    *cron.Cron
	initial sync.WaitGroup
	now     func() time.Time
}

func NewScheduler(cfg *config.Indexer, syncer Syncer, store Store, status *StatusRegistry) (*Scheduler, error) {
	s := &Scheduler{
		syncer:   syncer,
		store:    store,
		status:   status,
		schedule: cfg.SweepSchedule,
		timeout:  time.Duration(cfg.SweepTimeoutSeconds) * time.Second,
		now:      time.Now,
	}

	if _, err := cron.NewParser(cronParseOptions).Parse(s.schedule); err != nil {
		return nil, errors.Wrapf(err, "invalid sweep schedule %q", s.schedule)
	}

	return s, nil
}

// seconds field optional, descriptors such as "@every 30s" allowed
const cronParseOptions = cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor

// Start schedules the recurring sweep and runs the first one right away.
func (s *Scheduler) Start(ctx context.Context) error {
	cl := cronLogger{}
	s.cron = cron.New(
		cron.WithParser(cron.NewParser(cronParseOptions)),
		cron.WithChain(cron.Recover(cl)),
		cron.WithLogger(cl),
	)

	_, err := s.cron.AddFunc(s.schedule, func() { s.runScheduled(ctx) })
	if err != nil {
		return errors.Wrapf(err, "schedule sweep %q", s.schedule)
	}

	s.cron.Start()
	logger.Infof("scheduler started with schedule %q", s.schedule)

	s.initial.Add(1)
	go func() {
		defer s.initial.Done()
		s.runScheduled(ctx)
	}()

	return nil
}

// Stop waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.initial.Wait()
}

func (s *Scheduler) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if _, err := s.Sweep(ctx); err != nil {
		logger.Errorf("sweep failed: %v", err)
	}
}

// Running reports whether a sweep is in progress.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Sweep syncs every enabled account once, stalest first. Per-account failures
// are recorded and do not stop the sweep.
func (s *Scheduler) Sweep(ctx context.Context) (*SweepReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		logger.Debug("sweep already running, trigger skipped")
		sweepTotal.WithLabelValues("skipped").Inc()
		return &SweepReport{Skipped: true, Accounts: []AccountStatus{}}, nil
	}
	defer s.running.Store(false)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	report := &SweepReport{Accounts: []AccountStatus{}, StartedAt: s.now()}

	accounts, err := s.store.ListEnabledAccounts(ctx)
	if err != nil {
		sweepTotal.WithLabelValues(syncStatusError).Inc()
		return nil, err
	}

	for i := range accounts {
		if ctx.Err() != nil {
			logger.Warnf("sweep interrupted after %d of %d accounts: %v", i, len(accounts), ctx.Err())
			break
		}

		status := s.syncAccount(ctx, &accounts[i])
		if status.Error != "" {
			report.Failed++
		} else {
			report.Synced++
		}
		report.Accounts = append(report.Accounts, status)
	}

	report.FinishedAt = s.now()
	sweepTotal.WithLabelValues(syncStatusOK).Inc()
	sweepDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())

	logger.Infof("sweep finished: %d synced, %d failed", report.Synced, report.Failed)

	return report, nil
}

// SyncOne syncs a single account outside of a sweep and records the outcome.
// It may run alongside a sweep.
func (s *Scheduler) SyncOne(ctx context.Context, account *database.TrackedAccount) (*SyncResult, error) {
	result, err := s.safeSync(ctx, account)
	s.status.Record(account.Identity(), result, err, s.now())

	return result, err
}

// Status lists the last outcome of every account synced since start-up.
func (s *Scheduler) Status() []AccountStatus {
	return s.status.Snapshot()
}

func (s *Scheduler) syncAccount(ctx context.Context, account *database.TrackedAccount) AccountStatus {
	id := account.Identity()

	result, err := s.safeSync(ctx, account)
	if err != nil {
		logger.Errorf("sync of %s failed: %v", id, err)
	}

	return s.status.Record(id, result, err, s.now())
}

func (s *Scheduler) safeSync(ctx context.Context, account *database.TrackedAccount) (result *SyncResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = errors.Errorf("sync panicked: %v", r)
		}
	}()

	return s.syncer.Sync(ctx, account)
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debugf("cron: %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Errorf("cron: %s: %v %v", msg, err, keysAndValues)
}
