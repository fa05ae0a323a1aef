// The scheduler claims eligible jobs and dispatches them by type.
//
// Correctness under concurrency lives in the job store's skip-locked claim;
// the scheduler itself keeps no cross-sweep state, so any number of
// overlapping sweeps may run against the same database.
package scheduler

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/Shyp/nimitz/asynchttp"
	"github.com/Shyp/nimitz/audit"
	"github.com/Shyp/nimitz/funcs"
	"github.com/Shyp/nimitz/models"
	"github.com/Shyp/nimitz/models/dispatches"
	"github.com/Shyp/nimitz/models/failure_log"
	"github.com/Shyp/nimitz/models/jobs"
	"github.com/Shyp/nimitz/services"
	"github.com/Shyp/nimitz/signer"
)

// DefaultClaimLimit caps how many jobs one sweep claims.
var DefaultClaimLimit = 100

// DefaultResolveLimit caps how many pending dispatches one resolution pass
// examines.
var DefaultResolveLimit = 500

// AbandonedDispatchAge is how old a pending dispatch row may get before the
// resolution sweep gives up on it. The handle belongs to a process that is
// gone; the stuck-job watcher will fail the job itself.
var AbandonedDispatchAge = 15 * time.Minute

// pollTimeoutStatus is the synthetic response status recorded when a POLL
// lease expires without acknowledgment.
const pollTimeoutStatus = 408

// A TokenSource resolves a session JWT for jobs configured with the
// "from session" auth marker. The resolution logic itself lives outside this
// system.
type TokenSource interface {
	SessionToken(owner string) (string, error)
}

// A Scheduler runs claim/dispatch sweeps and resolution sweeps. All fields
// must be set before the first sweep; the zero value is not usable.
type Scheduler struct {
	HTTP       asynchttp.Submitter
	Funcs      *funcs.Registry
	Signer     *signer.Signer
	Sessions   TokenSource
	Audit      audit.Sink
	Classifier Classifier

	ClaimLimit   int
	ResolveLimit int
}

// New returns a Scheduler with default limits, the default function
// registry, and the default audit sink.
func New(submitter asynchttp.Submitter, sig *signer.Signer) *Scheduler {
	return &Scheduler{
		HTTP:         submitter,
		Funcs:        funcs.DefaultRegistry,
		Signer:       sig,
		Audit:        audit.Default,
		ClaimLimit:   DefaultClaimLimit,
		ResolveLimit: DefaultResolveLimit,
	}
}

// Sweep claims a batch of eligible jobs and dispatches each one. An error
// while processing one job never aborts the rest of the batch; it only
// affects that job's own retry decision. Returns the number of jobs claimed.
func (s *Scheduler) Sweep() (int, error) {
	start := time.Now()
	claimed, err := jobs.ClaimEligible(s.claimLimit())
	go metrics.Time("sweep.claim.latency", time.Since(start))
	if err != nil {
		go metrics.Increment("sweep.claim.error")
		return 0, err
	}
	for _, c := range claimed {
		s.processSafely(c)
	}
	if len(claimed) > 0 {
		log.Printf("sweep claimed %d jobs", len(claimed))
	}
	go metrics.Measure("sweep.claimed", int64(len(claimed)))
	return len(claimed), nil
}

func (s *Scheduler) claimLimit() int {
	if s.ClaimLimit <= 0 {
		return DefaultClaimLimit
	}
	return s.ClaimLimit
}

func (s *Scheduler) resolveLimit() int {
	if s.ResolveLimit <= 0 {
		return DefaultResolveLimit
	}
	return s.ResolveLimit
}

// processSafely isolates one claimed job: a panic while dispatching becomes
// that job's own failed attempt instead of taking the batch down.
func (s *Scheduler) processSafely(c *jobs.Claimed) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduler: panic processing job %s: %v", c.ID.String(), r)
			go metrics.Increment("sweep.process.panic")
			s.failAttempt(&c.Job, 0, fmt.Sprintf("internal error: %v", r))
		}
	}()
	if err := s.process(c); err != nil {
		log.Printf("scheduler: error processing job %s: %s", c.ID.String(), err)
		go metrics.Increment("sweep.process.error")
	}
}

func (s *Scheduler) process(c *jobs.Claimed) error {
	if c.Prior == models.StatusPolled {
		return s.expireLease(&c.Job)
	}
	switch {
	case c.Type == models.TypeFunc:
		return s.invokeFunc(&c.Job)
	case c.Type.HTTP():
		return s.submitHTTP(&c.Job)
	default:
		// A POLL job in "new" never gets here; the claim query excludes
		// them. Release anything unexpected without counting an attempt.
		go metrics.Increment("sweep.process.unexpected_type")
		return jobs.Release(c.ID)
	}
}

// expireLease handles a POLL job whose consumer never acknowledged: one
// failed attempt with a synthetic 408, then back to "new" so another
// consumer can lease it. The timeout deliberately skips the 4xx/5xx
// classification rules.
func (s *Scheduler) expireLease(j *models.Job) error {
	content := fmt.Sprintf("poll lease expired without acknowledgment (owner %s)", j.Owner)
	attempt := j.RetryCount + 1
	if _, err := failure_log.Create(j.ID, attempt, pollTimeoutStatus, content); err != nil {
		log.Printf("scheduler: could not record lease expiry for %s: %s", j.ID.String(), err)
	}
	status := models.StatusNew
	if attempt > j.RetryLimit {
		status = models.StatusTooMany
	}
	now := time.Now().UTC()
	_, err := jobs.Finish(j.ID, status, true, &now, pollTimeoutStatus, content, nil)
	if err != nil {
		return err
	}
	go metrics.Increment("poll.lease.expired")
	return nil
}

// invokeFunc runs an internal function synchronously inside the claim. The
// payload's top-level keys become named arguments; the textual result is
// recorded with a synthetic 200 (no HTTP occurred).
func (s *Scheduler) invokeFunc(j *models.Job) error {
	schema, name := funcs.SplitTarget(j.Target)
	var args map[string]interface{}
	if len(j.Payload) > 0 {
		if err := json.Unmarshal(j.Payload, &args); err != nil {
			return s.failAttempt(j, 0, fmt.Sprintf("payload is not an object: %s", err))
		}
	}
	start := time.Now()
	result, err := s.Funcs.Invoke(schema, name, args)
	go metrics.Time("dispatch.func.latency", time.Since(start))
	if err != nil {
		go metrics.Increment("dispatch.func.error")
		return s.failAttempt(j, 0, err.Error())
	}
	go metrics.Increment("dispatch.func.success")
	_, err = jobs.Finish(j.ID, models.StatusCompleted, false, nil, 200, result, nil)
	return err
}

// submitHTTP hands the request to the async facility and records the
// (handle, job) pair for the resolution sweep. The claim does not wait for
// the response.
func (s *Scheduler) submitHTTP(j *models.Job) error {
	headers := make(map[string]string, len(j.Headers)+1)
	for k, v := range j.Headers {
		headers[k] = v
	}
	if auth, err := s.authorization(j); err != nil {
		return s.failAttempt(j, 0, err.Error())
	} else if auth != "" {
		headers["Authorization"] = auth
	}

	var body []byte
	if j.Type == models.TypePost && len(j.Payload) > 0 {
		body = []byte(j.Payload)
	}
	handle, err := s.HTTP.Submit(string(j.Type), j.Target, headers, body)
	if err != nil {
		go metrics.Increment("dispatch.http.submit.error")
		return s.failAttempt(j, 0, err.Error())
	}
	if _, err := dispatches.Create(handle, j.ID); err != nil {
		go metrics.Increment("dispatch.http.record.error")
		return s.failAttempt(j, 0, err.Error())
	}
	go metrics.Increment("dispatch.http.submitted")
	return nil
}

// authorization resolves the Authorization header value for an outbound
// request, or "" when the job has no auth configured.
func (s *Scheduler) authorization(j *models.Job) (string, error) {
	if j.Auth.JWT != "" {
		return "Bearer " + j.Auth.JWT, nil
	}
	if j.Auth.FromSession {
		if s.Sessions == nil {
			return "", fmt.Errorf("job wants a session token but no token source is configured")
		}
		token, err := s.Sessions.SessionToken(j.Owner)
		if err != nil {
			return "", err
		}
		return "Bearer " + token, nil
	}
	return "", nil
}

// failAttempt applies the transient-failure path for an attempt that never
// produced an HTTP status: failure log row, retry_count increment, and
// either a backoff reschedule or too_many.
func (s *Scheduler) failAttempt(j *models.Job, respStatus int, content string) error {
	out := s.Classifier.failure(j, respStatus, content, nil)
	return s.apply(j, out)
}

// apply writes an outcome to the store, appends the failure-log row when the
// outcome calls for one, and spawns the derived job on redirects.
func (s *Scheduler) apply(j *models.Job, out Outcome) error {
	if out.LogFailure {
		attempt := j.RetryCount + 1
		if _, err := failure_log.Create(j.ID, attempt, out.ResponseStatus, out.ResponseContent); err != nil {
			log.Printf("scheduler: could not record failure for %s: %s", j.ID.String(), err)
		}
	}
	_, err := jobs.Finish(j.ID, out.Status, out.CountAttempt, out.RunAt,
		out.ResponseStatus, out.ResponseContent, out.ResponseHeaders)
	if err != nil {
		return err
	}
	go metrics.Increment(fmt.Sprintf("classify.%s", out.Status))
	if out.Spawn {
		child, err := services.SpawnFromResponse(j, out.ResponseContent, s.Signer)
		if err != nil {
			log.Printf("scheduler: job %s redirected but spawn failed: %s", j.ID.String(), err)
			go metrics.Increment("spawn.error")
			return nil
		}
		if s.Audit != nil {
			s.Audit.RecordSpawn(j.ID, child.ID, "redirect")
		}
		go metrics.Increment("spawn.success")
	}
	return nil
}
