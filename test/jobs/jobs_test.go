package test_jobs

import (
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Shyp/go-dberror"
	"github.com/Shyp/go-types"
	"github.com/Shyp/nimitz/models"
	"github.com/Shyp/nimitz/models/jobs"
	"github.com/Shyp/nimitz/test"
	"github.com/Shyp/nimitz/test/factory"
)

var empty = json.RawMessage([]byte("{}"))

func TestInsert(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.CreateJob(t, factory.SampleJob)
	test.AssertEquals(t, j.ID.Prefix, "job_")
	test.AssertEquals(t, j.Owner, "shipments")
	test.AssertEquals(t, j.Type, models.TypePost)
	test.AssertEquals(t, j.Status, models.StatusNew)
	test.AssertEquals(t, j.Target, "https://example.com/webhooks/shipments")
	test.AssertEquals(t, j.RetryCount, 0)
	test.AssertEquals(t, j.RetryLimit, 7)
	test.AssertEquals(t, string(j.Payload), "{}")

	diff := time.Since(j.RunAt)
	test.Assert(t, diff < 100*time.Millisecond, "run_at should default to now")
	diff = time.Since(j.CreatedAt)
	test.Assert(t, diff < 100*time.Millisecond, "created_at should be set")
	test.AssertEquals(t, j.LastAt.Valid, false)
}

func TestGetNonexistentReturnsErrNotFound(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	_, err := jobs.Get(factory.RandomId("job_"))
	test.AssertEquals(t, err, jobs.ErrNotFound)
}

func TestInsertInvalidTypeReturnsDBError(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.SampleJob
	j.Type = models.JobType("PATCH")
	j.ID = types.GenerateUUID("job_")
	j.Payload = empty
	_, err := jobs.Insert(&j)
	test.AssertError(t, err, "insert with bad job type")
	switch terr := err.(type) {
	case *dberror.Error:
		test.AssertEquals(t, terr.Message, "Job type must be one of GET, POST, DELETE, FUNC, POLL")
	default:
		t.Fatalf("Expected a dberror, got %#v", terr)
	}
}

func TestClaimEligible(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.CreateJob(t, factory.SampleJob)
	claimed, err := jobs.ClaimEligible(10)
	test.AssertNotError(t, err, "claiming")
	test.AssertEquals(t, len(claimed), 1)
	test.AssertEquals(t, claimed[0].ID.String(), j.ID.String())
	test.AssertEquals(t, claimed[0].Status, models.StatusProcessing)
	test.AssertEquals(t, claimed[0].Prior, models.StatusNew)
	test.AssertEquals(t, claimed[0].LastAt.Valid, true)

	// The claim is exclusive; a second sweep finds nothing.
	claimed, err = jobs.ClaimEligible(10)
	test.AssertNotError(t, err, "claiming again")
	test.AssertEquals(t, len(claimed), 0)
}

func TestClaimSkipsNewPollJobs(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	factory.CreatePollJob(t)
	claimed, err := jobs.ClaimEligible(10)
	test.AssertNotError(t, err, "claiming")
	test.AssertEquals(t, len(claimed), 0)
}

func TestClaimSkipsFutureRunAt(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.SampleJob
	j.RunAt = time.Now().UTC().Add(1 * time.Hour)
	factory.CreateJob(t, j)
	claimed, err := jobs.ClaimEligible(10)
	test.AssertNotError(t, err, "claiming")
	test.AssertEquals(t, len(claimed), 0)
}

func TestClaimFailedJobRespectsRetryLimit(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.SampleJob
	j.RetryLimit = 1
	created := factory.CreateJob(t, j)

	// Two failed attempts exhaust the limit; the final status is too_many,
	// which is terminal.
	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		claimed, err := jobs.ClaimEligible(10)
		test.AssertNotError(t, err, "claiming")
		test.AssertEquals(t, len(claimed), 1)
		status := models.StatusFailed
		if i == 1 {
			status = models.StatusTooMany
		}
		_, err = jobs.Finish(created.ID, status, true, &now, 500, "bad", nil)
		test.AssertNotError(t, err, "finishing")
	}

	claimed, err := jobs.ClaimEligible(10)
	test.AssertNotError(t, err, "claiming after too_many")
	test.AssertEquals(t, len(claimed), 0)

	final, err := jobs.Get(created.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, final.Status, models.StatusTooMany)
	test.AssertEquals(t, final.RetryCount, 2)
}

// Concurrent sweeps must partition the eligible set; no job may be claimed
// twice.
func TestConcurrentClaimsDoNotOverlap(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	for i := 0; i < 8; i++ {
		factory.CreateRandomJob(t)
	}
	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := jobs.ClaimEligible(3)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			for _, c := range claimed {
				seen[c.ID.String()]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	test.AssertEquals(t, len(seen), 8)
	for id, count := range seen {
		if count != 1 {
			t.Errorf("job %s claimed %d times", id, count)
		}
	}
}

func TestFinishRequiresClaim(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.CreateJob(t, factory.SampleJob)
	_, err := jobs.Finish(j.ID, models.StatusCompleted, false, nil, 200, "ok", nil)
	test.AssertEquals(t, err, sql.ErrNoRows)
}

func TestFinishRecordsResponseFields(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.CreateJob(t, factory.SampleJob)
	factory.ClaimJob(t, j.ID)
	headers := models.Headers{"Content-Type": "application/json"}
	finished, err := jobs.Finish(j.ID, models.StatusCompleted, false, nil, 200, `{"ok": true}`, headers)
	test.AssertNotError(t, err, "finishing")
	test.AssertEquals(t, finished.Status, models.StatusCompleted)
	test.AssertEquals(t, finished.ResponseStatus, 200)
	test.AssertEquals(t, finished.ResponseContent, `{"ok": true}`)
	test.AssertEquals(t, finished.ResponseHeaders["Content-Type"], "application/json")
	test.AssertEquals(t, finished.RetryCount, 0)
}

func TestFinishIllegalTransitionRejected(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.CreateJob(t, factory.SampleJob)
	factory.ClaimJob(t, j.ID)
	// processing -> processing is not in the transition table.
	_, err := jobs.Finish(j.ID, models.StatusProcessing, false, nil, 0, "", nil)
	test.AssertError(t, err, "finish to processing")
	test.AssertContains(t, err.Error(), "illegal transition")
}

func TestTerminalJobsAreImmutable(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.CreateJob(t, factory.SampleJob)
	factory.ClaimJob(t, j.ID)
	_, err := jobs.Finish(j.ID, models.StatusCompleted, false, nil, 200, "ok", nil)
	test.AssertNotError(t, err, "finishing")

	// Completed jobs never become eligible again.
	claimed, err := jobs.ClaimEligible(10)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, len(claimed), 0)
	_, err = jobs.Finish(j.ID, models.StatusFailed, true, nil, 500, "late", nil)
	test.AssertEquals(t, err, sql.ErrNoRows)
}

func TestPollLeaseLifecycle(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.CreatePollJob(t)

	claimed, err := jobs.ClaimOldestPoll("pickups")
	test.AssertNotError(t, err, "claiming poll job")
	test.AssertEquals(t, claimed.ID.String(), j.ID.String())
	test.AssertEquals(t, claimed.Status, models.StatusProcessing)

	expiry := time.Now().UTC().Add(60 * time.Second)
	polled, err := jobs.MarkPolled(j.ID, expiry)
	test.AssertNotError(t, err, "marking polled")
	test.AssertEquals(t, polled.Status, models.StatusPolled)
	test.Assert(t, polled.RunAt.After(time.Now().UTC().Add(50*time.Second)), "run_at should be the lease expiry")

	// A leased job is invisible to other poll consumers.
	_, err = jobs.ClaimOldestPoll("pickups")
	test.AssertEquals(t, err, sql.ErrNoRows)

	acked, err := jobs.Ack(j.ID, models.StatusPolled)
	test.AssertNotError(t, err, "acking")
	test.AssertEquals(t, acked.Status, models.StatusCompleted)
}

func TestClaimOldestPollWrongOwnerReturnsErrNoRows(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	factory.CreatePollJob(t)
	_, err := jobs.ClaimOldestPoll("someone-else")
	test.AssertEquals(t, err, sql.ErrNoRows)
}

func TestReleaseReturnsJobToNew(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.CreateJob(t, factory.SampleJob)
	factory.ClaimJob(t, j.ID)
	err := jobs.Release(j.ID)
	test.AssertNotError(t, err, "releasing")
	released, err := jobs.Get(j.ID)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, released.Status, models.StatusNew)
	test.AssertEquals(t, released.RetryCount, 0)
}

func TestGetOldProcessing(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	j := factory.CreateJob(t, factory.SampleJob)
	factory.ClaimJob(t, j.ID)
	stuck, err := jobs.GetOldProcessing(time.Now().UTC().Add(1 * time.Minute))
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, len(stuck), 1)
	stuck, err = jobs.GetOldProcessing(time.Now().UTC().Add(-1 * time.Minute))
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, len(stuck), 0)
}

func TestCountReadyAndAll(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	factory.CreateRandomJob(t)
	future := factory.SampleJob
	future.RunAt = time.Now().UTC().Add(1 * time.Hour)
	factory.CreateJob(t, future)

	all, ready, err := jobs.CountReadyAndAll()
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, all, 2)
	test.AssertEquals(t, ready, 1)

	m, err := jobs.GetCountsByStatus()
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, m[models.StatusNew], int64(2))
}
