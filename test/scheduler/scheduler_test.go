package test_scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/Shyp/nimitz/asynchttp"
	"github.com/Shyp/nimitz/funcs"
	"github.com/Shyp/nimitz/models"
	"github.com/Shyp/nimitz/models/dispatches"
	"github.com/Shyp/nimitz/models/failure_log"
	"github.com/Shyp/nimitz/models/jobs"
	"github.com/Shyp/nimitz/scheduler"
	"github.com/Shyp/nimitz/test"
	"github.com/Shyp/nimitz/test/factory"
)

// A fakeSubmitter records submissions and resolves them with canned
// responses.
type fakeSubmitter struct {
	mu        sync.Mutex
	next      int64
	submitted map[int64]submission
	results   map[int64]*asynchttp.Response
}

type submission struct {
	method  string
	url     string
	headers map[string]string
	body    []byte
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{
		submitted: make(map[int64]submission),
		results:   make(map[int64]*asynchttp.Response),
	}
}

func (f *fakeSubmitter) Submit(method, url string, headers map[string]string, body []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.submitted[f.next] = submission{method, url, headers, body}
	return f.next, nil
}

func (f *fakeSubmitter) Collect(handle int64) (*asynchttp.Response, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.results[handle]
	if ok {
		delete(f.results, handle)
	}
	return res, ok
}

func (f *fakeSubmitter) resolveAll(res *asynchttp.Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for handle := range f.submitted {
		f.results[handle] = res
	}
}

func newScheduler(f *fakeSubmitter) *scheduler.Scheduler {
	return scheduler.New(f, factory.Signer)
}

func TestSweepSubmitsHTTPJob(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.CreateJob(t, factory.SampleJob)
	f := newFakeSubmitter()
	s := newScheduler(f)

	n, err := s.Sweep()
	test.AssertNotError(t, err, "sweeping")
	test.AssertEquals(t, n, 1)
	test.AssertEquals(t, len(f.submitted), 1)
	sub := f.submitted[1]
	test.AssertEquals(t, sub.method, "POST")
	test.AssertEquals(t, sub.url, j.Target)

	// The job stays claimed until the dispatch resolves.
	mid, err := jobs.Get(j.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, mid.Status, models.StatusProcessing)

	pending, err := dispatches.GetAll(10)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, len(pending), 1)
	test.AssertEquals(t, pending[0].JobID.String(), j.ID.String())
}

func TestResolveCompletesJob(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.CreateJob(t, factory.SampleJob)
	f := newFakeSubmitter()
	s := newScheduler(f)

	_, err := s.Sweep()
	test.AssertNotError(t, err, "sweeping")
	f.resolveAll(&asynchttp.Response{StatusCode: 200, Body: "ok"})

	n, err := s.Resolve()
	test.AssertNotError(t, err, "resolving")
	test.AssertEquals(t, n, 1)

	done, err := jobs.Get(j.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, done.Status, models.StatusCompleted)
	test.AssertEquals(t, done.ResponseStatus, 200)
	test.AssertEquals(t, done.ResponseContent, "ok")

	pending, err := dispatches.GetAll(10)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, len(pending), 0)
}

func TestResolveFailureSchedulesRetry(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.CreateJob(t, factory.SampleJob)
	f := newFakeSubmitter()
	s := newScheduler(f)

	_, err := s.Sweep()
	test.AssertNotError(t, err, "sweeping")
	f.resolveAll(&asynchttp.Response{StatusCode: 404, Body: "Not Found"})
	_, err = s.Resolve()
	test.AssertNotError(t, err, "resolving")

	failed, err := jobs.Get(j.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, failed.Status, models.StatusFailed)
	test.AssertEquals(t, failed.RetryCount, 1)
	test.Assert(t, failed.RunAt.After(time.Now().UTC()), "run_at should move into the future")

	entries, err := failure_log.GetByJob(j.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, len(entries), 1)
	test.AssertEquals(t, entries[0].Attempt, 1)
	test.AssertEquals(t, entries[0].ResponseStatus, 404)
}

func TestResolve5xxIsTerminal(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.CreateJob(t, factory.SampleJob)
	f := newFakeSubmitter()
	s := newScheduler(f)

	_, err := s.Sweep()
	test.AssertNotError(t, err, "sweeping")
	f.resolveAll(&asynchttp.Response{StatusCode: 503, Body: "Service Unavailable"})
	_, err = s.Resolve()
	test.AssertNotError(t, err, "resolving")

	done, err := jobs.Get(j.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, done.Status, models.StatusServerError)

	// Terminal jobs are never claimed again.
	n, err := s.Sweep()
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, n, 0)

	// server_error attempts are not failure-log failures.
	entries, err := failure_log.GetByJob(j.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, len(entries), 0)
}

func TestResolveSpawnsDerivedJob(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.CreateJob(t, factory.SampleJob)
	f := newFakeSubmitter()
	s := newScheduler(f)

	_, err := s.Sweep()
	test.AssertNotError(t, err, "sweeping")
	f.resolveAll(&asynchttp.Response{
		StatusCode: 210,
		Body:       `{"job_type": "GET", "target": "https://example.com/followup"}`,
	})
	_, err = s.Resolve()
	test.AssertNotError(t, err, "resolving")

	done, err := jobs.Get(j.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, done.Status, models.StatusRedirected)

	m, err := jobs.GetCountsByStatus()
	test.AssertNotError(t, err, "")
	// The derived job is waiting in "new", owned by the parent's owner.
	test.AssertEquals(t, m[models.StatusNew], int64(1))

	claimed, err := jobs.ClaimEligible(10)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, len(claimed), 1)
	test.AssertEquals(t, claimed[0].Owner, j.Owner)
	test.AssertEquals(t, claimed[0].Type, models.TypeGet)
	test.AssertEquals(t, claimed[0].Target, "https://example.com/followup")
}

func TestSweepInvokesFunc(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	reg := funcs.NewRegistry()
	reg.Register("public", "add_totals", func(args map[string]interface{}) (string, error) {
		return "42", nil
	})
	j := factory.CreateJob(t, models.Job{
		Owner:   "reports",
		Type:    models.TypeFunc,
		Target:  "add_totals",
		Payload: factory.EmptyPayload,
	})
	f := newFakeSubmitter()
	s := newScheduler(f)
	s.Funcs = reg

	_, err := s.Sweep()
	test.AssertNotError(t, err, "sweeping")

	done, err := jobs.Get(j.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, done.Status, models.StatusCompleted)
	test.AssertEquals(t, done.ResponseStatus, 200)
	test.AssertEquals(t, done.ResponseContent, "42")
	// No HTTP was submitted for a FUNC job.
	test.AssertEquals(t, len(f.submitted), 0)
}

func TestSweepReclaimsExpiredLease(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.CreatePollJob(t)
	_, err := jobs.ClaimOldestPoll(j.Owner)
	test.AssertNotError(t, err, "claiming poll job")
	expired := time.Now().UTC().Add(-1 * time.Second)
	_, err = jobs.MarkPolled(j.ID, expired)
	test.AssertNotError(t, err, "marking polled")

	f := newFakeSubmitter()
	s := newScheduler(f)
	n, err := s.Sweep()
	test.AssertNotError(t, err, "sweeping")
	test.AssertEquals(t, n, 1)

	back, err := jobs.Get(j.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, back.Status, models.StatusNew)
	test.AssertEquals(t, back.RetryCount, 1)

	entries, err := failure_log.GetByJob(j.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, len(entries), 1)
	test.AssertEquals(t, entries[0].ResponseStatus, 408)
	// No HTTP dispatch happens for an expired lease.
	test.AssertEquals(t, len(f.submitted), 0)
}

func TestResolveAbandonsOldDispatches(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.CreateJob(t, factory.SampleJob)
	f := newFakeSubmitter()
	s := newScheduler(f)

	_, err := s.Sweep()
	test.AssertNotError(t, err, "sweeping")

	// The response never arrives. With a zero abandonment age the resolver
	// drops the dispatch row immediately.
	old := scheduler.AbandonedDispatchAge
	scheduler.AbandonedDispatchAge = 0
	defer func() { scheduler.AbandonedDispatchAge = old }()

	n, err := s.Resolve()
	test.AssertNotError(t, err, "resolving")
	test.AssertEquals(t, n, 0)

	pending, err := dispatches.GetAll(10)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, len(pending), 0)

	// The job itself stays claimed for the stuck-job watcher.
	mid, err := jobs.Get(j.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, mid.Status, models.StatusProcessing)
}

func TestSweepAddsAuthorizationHeader(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.SampleJob
	j.Auth = models.AuthConfig{JWT: "tok-123"}
	factory.CreateJob(t, j)
	f := newFakeSubmitter()
	s := newScheduler(f)

	_, err := s.Sweep()
	test.AssertNotError(t, err, "sweeping")
	test.AssertEquals(t, len(f.submitted), 1)
	test.AssertEquals(t, f.submitted[1].headers["Authorization"], "Bearer tok-123")
}
