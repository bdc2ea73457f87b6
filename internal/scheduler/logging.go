package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/coursepay/internal/observability/context"
	obslogger "github.com/smallbiznis/coursepay/internal/observability/logger"
	"go.uber.org/zap"
)

// sweepRun accumulates what one job execution did. The run id doubles as the
// request id so repository and settlement logs of the same sweep correlate.
type sweepRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time
	cutoff    time.Time
	batches   int
	expired   int
}

type sweepRunKey struct{}

func (r *sweepRun) recordBatch(expired int) {
	if r == nil {
		return
	}
	r.batches++
	if expired > 0 {
		r.expired += expired
	}
}

func (r *sweepRun) setCutoff(cutoff time.Time) {
	if r != nil {
		r.cutoff = cutoff
	}
}

func (s *Scheduler) beginRun(ctx context.Context, job string, batchSize int) (context.Context, *sweepRun) {
	run := &sweepRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, sweepRunKey{}, run)
	return obscontext.WithRequestID(ctx, run.runID), run
}

func runFromContext(ctx context.Context) *sweepRun {
	run, _ := ctx.Value(sweepRunKey{}).(*sweepRun)
	return run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logRunStart(ctx context.Context, run *sweepRun) {
	s.logger(ctx).Debug("sweep started",
		zap.String("job", run.job),
		zap.Int("batch_size", run.batchSize),
	)
}

// Empty sweeps log at debug.
func (s *Scheduler) logRunFinish(ctx context.Context, run *sweepRun, err error) {
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.Duration("elapsed", s.clock.Now().Sub(run.startedAt)),
		zap.Int("batches", run.batches),
		zap.Int("expired_payments", run.expired),
	}
	if !run.cutoff.IsZero() {
		fields = append(fields, zap.Time("cutoff", run.cutoff))
	}

	log := s.logger(ctx)
	switch {
	case err != nil:
		log.Warn("sweep finished with errors", append(fields, zap.Error(err))...)
	case run.expired == 0:
		log.Debug("sweep finished", fields...)
	default:
		log.Info("sweep finished", fields...)
	}
}
