// Package jobs runs the scheduled background work of the dispatch service.
//
// Jobs are scheduled with github.com/robfig/cron/v3 and share one
// JobManager:
//
//	jobManager := jobs.NewJobManager(coordinator, cfg.SweepInterval, logger)
//	if err := jobManager.StartAll(); err != nil {
//		return err
//	}
//	defer jobManager.StopAll()
//
// # Available Jobs
//
// ExpirySweepJob expires overdue match requests and advances their matchings.
// RedriveJob restarts matchings that stopped making progress, for example
// after the technician directory was unreachable.
//
// Ticks never overlap: a tick that is still running when the next one is due
// causes that next one to be skipped. Failures are logged and picked up again
// on the following tick.
package jobs
