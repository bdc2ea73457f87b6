package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/coursepay/internal/clock"
	obsmetrics "github.com/smallbiznis/coursepay/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/coursepay/internal/payment/domain"
	"github.com/smallbiznis/coursepay/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const JobExpirePendingPayments = "expire_pending_payments"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type paymentExpirer interface {
	ExpireStale(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

type jobLocker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, name, token string) error
}

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Payments paymentdomain.Service
	Locker   *ratelimit.Locker `optional:"true"`
	Config   Config            `optional:"true"`
}

type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	payments paymentExpirer
	locker   jobLocker
	metrics  *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Payments == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		payments: p.Payments,
		metrics:  obsmetrics.Scheduler(),
	}
	// Without redis every replica sweeps; the ledger's compare-and-set keeps that safe.
	if p.Locker != nil {
		s.locker = p.Locker
	}
	return s, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(parent, name, s.cfg.LockTTL)
		if err != nil {
			s.metrics.IncJobError(name, fmt.Errorf("%w: %v", obsmetrics.ErrLockUnavailable, err))
			s.log.Warn("scheduler lock unavailable", zap.String("job", name), zap.Error(err))
			return nil
		}
		if !ok {
			s.metrics.IncJobSkipped(name, obsmetrics.SchedulerSkipReasonLockHeld)
			s.log.Debug("scheduler job skipped; lock held elsewhere", zap.String("job", name))
			return nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(parent), name, token); err != nil {
				s.log.Warn("scheduler lock release failed", zap.String("job", name), zap.Error(err))
			}
		}()
	}

	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.beginRun(ctx, name, batchSize)
	s.logRunStart(ctx, run)
	log := s.logger(ctx).With(zap.String("job", name))
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	s.logRunFinish(ctx, run, err)
	if err == nil {
		return nil
	}

	// A timed out sweep resumes on the next tick.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out", zap.Duration("timeout", timeout), zap.Error(err))
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	if !s.isJobEnabled(JobExpirePendingPayments) {
		return nil
	}
	return s.runJob(parent, JobExpirePendingPayments, s.cfg.BatchSize, s.cfg.JobTimeout, s.ExpirePendingPaymentsJob)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		if lag := s.clock.Now().Sub(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ExpirePendingPaymentsJob cancels checkouts left PENDING past the TTL. It
// keeps draining while batches come back full.
func (s *Scheduler) ExpirePendingPaymentsJob(ctx context.Context) error {
	run := runFromContext(ctx)
	cutoff := s.clock.Now().Add(-s.cfg.PendingTTL)
	run.setCutoff(cutoff)

	for i := 0; i < s.cfg.MaxBatchesPerRun; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		expired, err := s.payments.ExpireStale(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		run.recordBatch(expired)
		s.metrics.AddBatchProcessed(JobExpirePendingPayments, "payments", expired)
		if expired < s.cfg.BatchSize {
			return nil
		}
	}
	return nil
}
