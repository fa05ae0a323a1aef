package scheduler

import (
	"time"

	"github.com/Shyp/nimitz/asynchttp"
	"github.com/Shyp/nimitz/backoff"
	"github.com/Shyp/nimitz/models"
)

// FinishedHeader marks a 4xx response that should be treated as success
// anyway: the receiver is saying "this job is done, stop sending it".
const FinishedHeader = "x-job-finished"

// DefaultSpawnStatus is the response status that marks a "redirected"
// response carrying a derived job. Older deployments used 201; the boundary
// is configurable on the Classifier for that reason.
const DefaultSpawnStatus = 210

// An Outcome is the classifier's decision about one resolved attempt.
type Outcome struct {
	Status models.JobStatus

	// CountAttempt is true when the attempt increments retry_count.
	CountAttempt bool

	// RunAt is the next eligibility time, set on retryable failures only.
	RunAt *time.Time

	// LogFailure is true when the attempt gets a failure_log row.
	LogFailure bool

	// Spawn is true when one derived job should be created from the
	// response.
	Spawn bool

	ResponseStatus  int
	ResponseContent string
	ResponseHeaders models.Headers
}

// A Classifier maps a resolved attempt to a new job status and, on failure,
// a next run time.
type Classifier struct {
	// SpawnStatus is the exact status code treated as "redirected".
	SpawnStatus int
}

func (c *Classifier) spawnStatus() int {
	if c.SpawnStatus == 0 {
		return DefaultSpawnStatus
	}
	return c.SpawnStatus
}

// Classify decides the outcome of the attempt described by res for the given
// job. The job's retry_count must be the value from before this attempt; the
// backoff formula and the too-many-retries cutoff both read it pre-increment.
func (c *Classifier) Classify(j *models.Job, res *asynchttp.Response) Outcome {
	if res.Err != nil {
		// The request never produced a status code. Same retry treatment as
		// an ordinary failure, recorded with status 0 and the error text.
		return c.failure(j, 0, res.Err.Error(), nil)
	}

	headers := make(models.Headers)
	for k := range res.Header {
		headers[k] = res.Header.Get(k)
	}
	status := res.StatusCode

	switch {
	case status == c.spawnStatus():
		return Outcome{
			Status:          models.StatusRedirected,
			Spawn:           true,
			ResponseStatus:  status,
			ResponseContent: res.Body,
			ResponseHeaders: headers,
		}
	case status >= 200 && status < 300:
		return Outcome{
			Status:          models.StatusCompleted,
			ResponseStatus:  status,
			ResponseContent: res.Body,
			ResponseHeaders: headers,
		}
	case status == 429:
		out := c.failure(j, status, res.Body, headers)
		if out.Status == models.StatusFailed {
			// 429s bypass the backoff formula; the server tells us when to
			// come back.
			runAt := time.Now().UTC().Add(backoff.RetryAfter(res.Header.Get("Retry-After")))
			out.RunAt = &runAt
		}
		return out
	case status >= 400 && status < 500:
		if res.Header.Get(FinishedHeader) != "" {
			// Client error overridden by the explicit finished marker.
			return Outcome{
				Status:          models.StatusCompleted,
				ResponseStatus:  status,
				ResponseContent: res.Body,
				ResponseHeaders: headers,
			}
		}
		return c.failure(j, status, res.Body, headers)
	case status >= 500 && status < 600:
		return Outcome{
			Status:          models.StatusServerError,
			ResponseStatus:  status,
			ResponseContent: res.Body,
			ResponseHeaders: headers,
		}
	default:
		return Outcome{
			Status:          models.StatusOther,
			ResponseStatus:  status,
			ResponseContent: res.Body,
			ResponseHeaders: headers,
		}
	}
}

// failure builds a retryable failure outcome, overriding to too_many when
// this attempt exhausts the retry limit.
func (c *Classifier) failure(j *models.Job, respStatus int, content string, headers models.Headers) Outcome {
	out := Outcome{
		Status:          models.StatusFailed,
		CountAttempt:    true,
		LogFailure:      true,
		ResponseStatus:  respStatus,
		ResponseContent: content,
		ResponseHeaders: headers,
	}
	if j.RetryCount+1 > j.RetryLimit {
		out.Status = models.StatusTooMany
		return out
	}
	runAt := time.Now().UTC().Add(backoff.Delay(j.RetryCount))
	out.RunAt = &runAt
	return out
}
