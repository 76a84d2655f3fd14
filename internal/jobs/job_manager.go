package jobs

import (
	"fmt"
	"log/slog"
	"time"
)

// JobManager starts and stops every scheduled job together.
type JobManager struct {
	expirySweepJob *ExpirySweepJob
	redriveJob     *RedriveJob
}

// NewJobManager schedules the expiry sweep at interval and the redrive at
// five times that.
func NewJobManager(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *JobManager {
	return &JobManager{
		expirySweepJob: NewExpirySweepJob(sweeper, interval, logger),
		redriveJob:     NewRedriveJob(sweeper, 5*interval, logger),
	}
}

func (jm *JobManager) StartAll() error {
	if err := jm.expirySweepJob.Start(); err != nil {
		return fmt.Errorf("failed to start expiry sweep job: %w", err)
	}
	if err := jm.redriveJob.Start(); err != nil {
		jm.expirySweepJob.Stop()
		return fmt.Errorf("failed to start redrive job: %w", err)
	}
	return nil
}

func (jm *JobManager) StopAll() {
	jm.redriveJob.Stop()
	jm.expirySweepJob.Stop()
}
