package services

import (
	"log"
	"time"

	"github.com/Shyp/nimitz/backoff"
	"github.com/Shyp/nimitz/models"
	"github.com/Shyp/nimitz/models/failure_log"
	"github.com/Shyp/nimitz/models/jobs"
)

// FailStuckJobs fails any job that has sat in "processing" since before
// olderThan ago: the process that claimed it died before the attempt
// resolved. Each one gets a failure-log row with response status 0, a
// retry_count increment, and either a backoff reschedule or too_many.
func FailStuckJobs(olderThan time.Duration) error {
	var olderThanTime time.Time
	if olderThan >= 0 {
		olderThanTime = time.Now().Add(-1 * olderThan)
	} else {
		olderThanTime = time.Now().Add(olderThan)
	}
	stuck, err := jobs.GetOldProcessing(olderThanTime)
	if err != nil {
		return err
	}
	for _, j := range stuck {
		err := failStuckJob(j)
		if err == nil {
			log.Printf("Found stuck job %s and marked it as failed", j.ID.String())
		} else {
			// There may easily be race/idempotence errors with a stuck job
			// watcher. If it errors we'll grab it on the next tick.
			log.Printf("Found stuck job %s but could not process it: %s", j.ID.String(), err.Error())
		}
	}
	return nil
}

func failStuckJob(j *models.Job) error {
	const content = "job stuck in processing, claiming process presumed dead"
	attempt := j.RetryCount + 1
	if _, err := failure_log.Create(j.ID, attempt, 0, content); err != nil {
		return err
	}
	if attempt > j.RetryLimit {
		_, err := jobs.Finish(j.ID, models.StatusTooMany, true, nil, 0, content, nil)
		return err
	}
	runAt := time.Now().UTC().Add(backoff.Delay(j.RetryCount))
	_, err := jobs.Finish(j.ID, models.StatusFailed, true, &runAt, 0, content, nil)
	return err
}

// WatchStuckJobs polls for stuck processing jobs every interval and fails
// them.
func WatchStuckJobs(interval time.Duration, olderThan time.Duration) {
	for range time.Tick(interval) {
		go func() {
			if err := FailStuckJobs(olderThan); err != nil {
				log.Printf("Error failing stuck jobs: %s\n", err.Error())
			}
		}()
	}
}
