package scheduler

import (
	"database/sql"
	"log"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/Shyp/nimitz/models/dispatches"
	"github.com/Shyp/nimitz/models/jobs"
)

// Resolve drains resolved async responses through the classifier. It runs
// more often than Sweep so responses don't sit unclassified for a whole
// scheduling tick. Returns the number of dispatches resolved.
func (s *Scheduler) Resolve() (int, error) {
	pending, err := dispatches.GetAll(s.resolveLimit())
	if err != nil {
		go metrics.Increment("resolve.list.error")
		return 0, err
	}
	resolved := 0
	for _, pd := range pending {
		res, ok := s.HTTP.Collect(pd.Handle)
		if !ok {
			if time.Since(pd.CreatedAt) > AbandonedDispatchAge {
				// The process that issued this request is gone; drop the row
				// and let the stuck-job watcher fail the job.
				log.Printf("resolve: abandoning dispatch %d for job %s", pd.Handle, pd.JobID.String())
				go metrics.Increment("resolve.abandoned")
				if err := dispatches.Delete(pd.Handle); err != nil && err != dispatches.ErrNotFound {
					log.Printf("resolve: could not delete dispatch %d: %s", pd.Handle, err)
				}
			}
			continue
		}

		job, err := jobs.Get(pd.JobID)
		if err != nil {
			log.Printf("resolve: dispatch %d references missing job %s: %s", pd.Handle, pd.JobID.String(), err)
		} else {
			out := s.Classifier.Classify(job, res)
			if err := s.apply(job, out); err != nil {
				if err == sql.ErrNoRows {
					// The job left "processing" underneath us, most likely
					// the stuck-job watcher got there first. Nothing to
					// apply.
					go metrics.Increment("resolve.already_finished")
				} else {
					log.Printf("resolve: could not apply outcome for job %s: %s", pd.JobID.String(), err)
					go metrics.Increment("resolve.apply.error")
					continue
				}
			}
		}
		if err := dispatches.Delete(pd.Handle); err != nil && err != dispatches.ErrNotFound {
			log.Printf("resolve: could not delete dispatch %d: %s", pd.Handle, err)
		}
		resolved++
	}
	if resolved > 0 {
		go metrics.Measure("resolve.resolved", int64(resolved))
	}
	return resolved, nil
}

// Run sweeps on every tick of sweepInterval and resolves on every tick of
// resolveInterval, forever. Time-driven transitions all depend on these
// external ticks; nothing in the store runs its own timers.
func (s *Scheduler) Run(sweepInterval, resolveInterval time.Duration) {
	go func() {
		for range time.Tick(resolveInterval) {
			if _, err := s.Resolve(); err != nil {
				log.Printf("Error resolving dispatches: %s\n", err.Error())
			}
		}
	}()
	for range time.Tick(sweepInterval) {
		if _, err := s.Sweep(); err != nil {
			log.Printf("Error sweeping jobs: %s\n", err.Error())
		}
	}
}
