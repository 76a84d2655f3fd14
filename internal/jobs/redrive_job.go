package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/technician-dispatch/internal/observability"
)

// RedriveJob restarts search for matchings that stalled.
type RedriveJob struct {
	sweeper  Sweeper
	interval time.Duration
	cron     *cron.Cron
	logger   *slog.Logger
}

func NewRedriveJob(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *RedriveJob {
	return &RedriveJob{
		sweeper:  sweeper,
		interval: interval,
		cron:     newCron(),
		logger:   logger.With("component", "redrive_job"),
	}
}

func (j *RedriveJob) Start() error {
	if _, err := j.cron.AddFunc(every(j.interval), func() { j.Run(context.Background()) }); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("Redrive job started", "interval", j.interval.String())
	return nil
}

func (j *RedriveJob) Run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, timeoutFor(j.interval))
	defer cancel()

	n, err := j.sweeper.Redrive(ctx)
	if err != nil {
		observability.SweepErrors.Inc()
		j.logger.WarnContext(ctx, "Redrive failed", "error", err, "matchings", n)
		return
	}
	if n > 0 {
		j.logger.InfoContext(ctx, "Redrove stalled matchings", "count", n)
	}
}

func (j *RedriveJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("Redrive job stopped")
}
