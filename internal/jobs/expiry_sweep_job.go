package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/technician-dispatch/internal/observability"
)

// Sweeper is the part of the matching coordinator the jobs drive.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
	Redrive(ctx context.Context) (int, error)
}

// ExpirySweepJob expires overdue match requests on a fixed interval.
type ExpirySweepJob struct {
	sweeper  Sweeper
	interval time.Duration
	timeout  time.Duration
	cron     *cron.Cron
	logger   *slog.Logger
}

func NewExpirySweepJob(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *ExpirySweepJob {
	return &ExpirySweepJob{
		sweeper:  sweeper,
		interval: interval,
		timeout:  timeoutFor(interval),
		cron:     newCron(),
		logger:   logger.With("component", "expiry_sweep_job"),
	}
}

func (j *ExpirySweepJob) Start() error {
	if _, err := j.cron.AddFunc(every(j.interval), func() { j.Run(context.Background()) }); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("Expiry sweep job started", "interval", j.interval.String())
	return nil
}

// Run performs one sweep.
func (j *ExpirySweepJob) Run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	start := time.Now()
	n, err := j.sweeper.SweepExpired(ctx)
	observability.SweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.SweepErrors.Inc()
		j.logger.ErrorContext(ctx, "Expiry sweep failed", "error", err, "expired", n)
		return
	}
	if n > 0 {
		j.logger.DebugContext(ctx, "Expired match requests", "count", n)
	}
}

// Stop waits for a running sweep to finish.
func (j *ExpirySweepJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("Expiry sweep job stopped")
}

func newCron() *cron.Cron {
	return cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

// a tick may run up to ten intervals before it is abandoned
func timeoutFor(interval time.Duration) time.Duration {
	if t := 10 * interval; t > 5*time.Second {
		return t
	}
	return 5 * time.Second
}
