package main

import (
	"context"
	"time"

	"tileflow/internal/jobs"
	"tileflow/pkg/logger"
	redisstore "tileflow/pkg/store/redis"
)

func (app *Application) initJobs() error {
	manager := jobs.NewManager(app.ctx)

	retention := time.Duration(app.config.Export.TableRetentionHours) * time.Hour
	janitor := jobs.NewTableJanitor(app.datastore, app.stepRepo, app.config.Postgres.Schema, retention)

	// Only one replica runs table cleanup at a time. Without Redis the
	// lock degrades to single-instance mode.
	janitorLock := redisstore.NewRedisLock(app.redisClient.GetClient(), "cleanup:task-table-lock")
	manager.Register(newLockedJob(janitor, janitorLock))

	app.jobsManager = manager
	return nil
}

// lockedJob wraps a job with a distributed lock so overlapping replicas
// skip the cycle instead of doing duplicate work.
type lockedJob struct {
	jobs.Job
	lock redisstore.DistributedLock
}

func newLockedJob(job jobs.Job, lock redisstore.DistributedLock) jobs.Job {
	return &lockedJob{Job: job, lock: lock}
}

func (j *lockedJob) Run(ctx context.Context) error {
	if j.lock != nil {
		acquired, err := j.lock.TryLock(ctx)
		if err != nil || !acquired {
			logger.DebugCtx(ctx, "another instance is running %s, skipping this cycle", j.Name())
			return nil
		}
		defer j.lock.Unlock(ctx)
	}
	return j.Job.Run(ctx)
}
