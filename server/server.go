// Package server provides an HTTP interface for the job engine.
package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/http/pprof"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/Shyp/go-dberror"
	"github.com/Shyp/go-simple-metrics"
	"github.com/Shyp/go-types"
	"github.com/Shyp/nimitz/config"
	"github.com/Shyp/nimitz/models"
	"github.com/Shyp/nimitz/models/failure_log"
	"github.com/Shyp/nimitz/models/jobs"
	"github.com/Shyp/nimitz/poller"
	"github.com/Shyp/nimitz/services"
	"github.com/Shyp/nimitz/signer"
	"github.com/Shyp/rest"
)

// The maximum payload size that can be sent in the body of a HTTP request.
const MAX_PAYLOAD_SIZE = 100 * 1024

var disallowUnencryptedRequests = true

// GET/POST /v1/jobs
var jobsRoute = regexp.MustCompile("^/v1/jobs$")

// GET /v1/jobs/job_123
var getJobRoute = regexp.MustCompile(`^/v1/jobs/(?P<id>job_[^\s\/]+)$`)

// GET /v1/jobs/job_123/failures
var failuresRoute = regexp.MustCompile(`^/v1/jobs/(?P<id>job_[^\s\/]+)/failures$`)

// POST /v1/jobs/job_123/ack
var ackRoute = regexp.MustCompile(`^/v1/jobs/(?P<id>job_[^\s\/]+)/ack$`)

// POST /v1/poll
var pollRoute = regexp.MustCompile("^/v1/poll$")

// Get returns a http.Handler with all routes initialized using the given
// Authorizer and Signer.
func Get(a Authorizer, sig *signer.Signer) http.Handler {
	p := poller.New(sig)
	h := new(RegexpHandler)

	h.Handler(jobsRoute, []string{"POST"}, authHandler(createJob(sig), a))
	h.Handler(getJobRoute, []string{"GET"}, authHandler(getJob(), a))
	h.Handler(failuresRoute, []string{"GET"}, authHandler(getFailures(), a))
	h.Handler(ackRoute, []string{"POST"}, authHandler(ackJob(p), a))
	h.Handler(pollRoute, []string{"POST"}, authHandler(pollJob(p), a))

	h.Handler(regexp.MustCompile("^/debug/pprof$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Index), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/cmdline$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Cmdline), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/profile$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Profile), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/symbol$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Symbol), a))
	h.Handler(regexp.MustCompile("^/debug/pprof/trace$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Trace), a))

	h.Handler(regexp.MustCompile("^/$"), []string{"GET"}, authHandler(http.HandlerFunc(renderHomepage), a))

	return debugRequestBodyHandler(
		serverHeaderHandler(
			forbidNonTLSTrafficHandler(h),
		),
	)
}

func init() {
	disallowUnencryptedRequests = os.Getenv("ALLOW_UNENCRYPTED_PROXY_TRAFFIC") != "true"
}

func serverHeaderHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// hack, figure out how to put middleware on a subset of responses
		if strings.Contains(r.URL.Path, "/debug/pprof") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		} else if r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		} else {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}
		w.Header().Set("Server", fmt.Sprintf("nimitz/%s", config.Version))
		h.ServeHTTP(w, r)
	})
}

// forbidNonTLSTrafficHandler returns a 403 to traffic that is sent via a proxy
func forbidNonTLSTrafficHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if disallowUnencryptedRequests == true {
			if r.Header.Get("X-Forwarded-Proto") == "http" {
				// It should always be set, but if it's not, let the request
				// through.
				forbidden(w, insecure403(r))
				return
			}
		}
		// This header doesn't mean anything when served over HTTP, but
		// detecting HTTPS is a general way is hard, so let's just send it
		// every time.
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		h.ServeHTTP(w, r)
	})
}

func authHandler(h http.Handler, a Authorizer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userId, token, ok := r.BasicAuth()
		if !ok {
			authenticate(w, new401(r))
			return
		}
		err := a.Authorize(userId, token)
		if err != nil {
			metrics.Increment("auth.error")
			handleAuthorizeError(w, r, err)
			return
		}
		metrics.Increment("auth.success")
		h.ServeHTTP(w, r)
	})
}

// debugRequestBodyHandler prints all incoming and outgoing HTTP traffic if the
// DEBUG_HTTP_TRAFFIC environment variable is set to true. Note that the output
// will be jumbled if the server is handling multiple requests at the same
// time.
func debugRequestBodyHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if os.Getenv("DEBUG_HTTP_TRAFFIC") == "true" {
			// You need to write the entire thing in one Write, otherwise the
			// output will be jumbled with other requests.
			b := new(bytes.Buffer)
			bits, err := httputil.DumpRequest(r, true)
			if err != nil {
				_, _ = b.WriteString(err.Error())
			} else {
				_, _ = b.Write(bits)
			}
			res := httptest.NewRecorder()
			h.ServeHTTP(res, r)

			_, _ = b.WriteString(fmt.Sprintf("HTTP/1.1 %d\r\n", res.Code))
			_ = res.HeaderMap.Write(b)
			for k, v := range res.HeaderMap {
				w.Header()[k] = v
			}
			w.WriteHeader(res.Code)
			_, _ = b.WriteString("\r\n")
			writer := io.MultiWriter(w, b)
			_, _ = res.Body.WriteTo(writer)
			_, _ = b.WriteTo(os.Stderr)
		} else {
			h.ServeHTTP(w, r)
		}
	})
}

// A CreateJobRequest is sent in the body of a request to POST /v1/jobs.
type CreateJobRequest struct {
	Owner      string               `json:"owner"`
	Type       models.JobType       `json:"job_type"`
	Target     string               `json:"target"`
	Payload    json.RawMessage      `json:"payload"`
	Headers    models.Headers       `json:"headers"`
	Auth       models.AuthConfig    `json:"auth"`
	Signing    models.SigningConfig `json:"signing"`
	RetryLimit int                  `json:"retry_limit"`
	// The earliest time the job may run. Defaults to the current time.
	RunAt types.NullTime `json:"run_at"`
}

// POST /v1/jobs
//
// Create a job. The payload is signed before the insert, so a signing failure
// fails the whole request.
func createJob(sig *signer.Signer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil {
			badRequest(w, r, createEmptyErr("job_type", r.URL.Path))
			return
		}
		defer r.Body.Close()
		var jr CreateJobRequest
		err := json.NewDecoder(r.Body).Decode(&jr)
		if err != nil {
			badRequest(w, r, &rest.Error{
				ID:    "invalid_request",
				Title: "Invalid request: bad JSON. Double check the types of the fields you sent",
			})
			return
		}
		if jr.Type == models.JobType("") {
			badRequest(w, r, createEmptyErr("job_type", r.URL.Path))
			return
		}
		if !jr.Type.Valid() {
			badRequest(w, r, &rest.Error{
				Instance: r.URL.Path,
				ID:       "invalid_job_type",
				Title:    fmt.Sprintf("Invalid job type: %s", jr.Type),
			})
			return
		}
		if jr.Target == "" {
			badRequest(w, r, createEmptyErr("target", r.URL.Path))
			return
		}
		if jr.Type == models.TypePoll && jr.Owner == "" {
			badRequest(w, r, createEmptyErr("owner", r.URL.Path))
			return
		}
		if jr.RetryLimit < 0 {
			badRequest(w, r, createPositiveIntErr("retry_limit", r.URL.Path))
			return
		}
		if len(jr.Payload) > MAX_PAYLOAD_SIZE {
			err := &rest.Error{
				ID:    "entity_too_large",
				Title: "Payload parameter is too large (100KB max)",
			}
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			json.NewEncoder(w).Encode(err)
			return
		}

		j := &models.Job{
			Owner:      jr.Owner,
			Type:       jr.Type,
			Target:     jr.Target,
			Payload:    jr.Payload,
			Headers:    jr.Headers,
			Auth:       jr.Auth,
			Signing:    jr.Signing,
			RetryLimit: jr.RetryLimit,
		}
		if jr.RunAt.Valid {
			j.RunAt = jr.RunAt.Time
		}
		start := time.Now()
		created, err := services.Create(j, sig)
		go metrics.Time("job.create.latency", time.Since(start))
		if err != nil {
			switch terr := err.(type) {
			case *dberror.Error:
				apierr := &rest.Error{
					Title:    terr.Message,
					ID:       "invalid_parameter",
					Instance: r.URL.Path,
				}
				badRequest(w, r, apierr)
				return
			default:
				if strings.HasPrefix(err.Error(), "services: ") {
					badRequest(w, r, &rest.Error{
						Title:    strings.TrimPrefix(err.Error(), "services: "),
						ID:       "invalid_parameter",
						Instance: r.URL.Path,
					})
					return
				}
				writeServerError(w, r, err)
				return
			}
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(created)
	})
}

// GET /v1/jobs/:id
//
// Return the job with its status and last-attempt response fields. Returns a
// models.Job or a 404 Not Found error.
func getJob() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idStr := getJobRoute.FindStringSubmatch(r.URL.Path)[1]
		id, wroteResponse := getId(w, r, idStr)
		if wroteResponse == true {
			return
		}
		j, err := jobs.GetRetry(id, 3)
		if err != nil {
			if err == jobs.ErrNotFound {
				notFound(w, new404(r))
				go metrics.Increment("job.get.not_found")
				return
			}
			writeServerError(w, r, err)
			go metrics.Increment("job.get.error")
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(j)
		go metrics.Increment("job.get.success")
	})
}

// GET /v1/jobs/:id/failures
//
// Return every recorded failed attempt for the job, oldest first.
func getFailures() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idStr := failuresRoute.FindStringSubmatch(r.URL.Path)[1]
		id, wroteResponse := getId(w, r, idStr)
		if wroteResponse == true {
			return
		}
		if _, err := jobs.GetRetry(id, 3); err != nil {
			if err == jobs.ErrNotFound {
				notFound(w, new404(r))
				return
			}
			writeServerError(w, r, err)
			return
		}
		entries, err := failure_log.GetByJob(id)
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		if entries == nil {
			entries = []*models.FailureLogEntry{}
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(entries)
	})
}

// A PollRequestBody is sent in the body of a request to POST /v1/poll.
type PollRequestBody struct {
	Owner string `json:"owner"`
	// Unix seconds. Must be within the replay window of the server's clock.
	Timestamp int64  `json:"timestamp"`
	HMAC      string `json:"hmac"`
	AsUser    string `json:"as_user,omitempty"`
	AutoAck   bool   `json:"auto_ack,omitempty"`
}

// POST /v1/poll
//
// Lease the oldest eligible POLL job for the owner. Responds 200 with the
// job, 204 when nothing is eligible, or 403 on an authentication failure.
func pollJob(p *poller.Poller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil {
			badRequest(w, r, createEmptyErr("owner", r.URL.Path))
			return
		}
		defer r.Body.Close()
		var pr PollRequestBody
		if err := json.NewDecoder(r.Body).Decode(&pr); err != nil {
			badRequest(w, r, &rest.Error{
				ID:    "invalid_request",
				Title: "Invalid request: bad JSON. Double check the types of the fields you sent",
			})
			return
		}
		if pr.Owner == "" {
			badRequest(w, r, createEmptyErr("owner", r.URL.Path))
			return
		}
		res, err := p.Poll(&poller.PollRequest{
			Owner:     pr.Owner,
			Timestamp: time.Unix(pr.Timestamp, 0),
			HMAC:      pr.HMAC,
			AsUser:    pr.AsUser,
			AutoAck:   pr.AutoAck,
		})
		if err != nil {
			if aerr, ok := err.(*poller.AuthError); ok {
				forbidden(w, &rest.Error{
					Title:    aerr.Reason,
					ID:       "forbidden",
					Instance: r.URL.Path,
				})
				return
			}
			writeServerError(w, r, err)
			return
		}
		if res == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(res)
	})
}

// An AckRequestBody is sent in the body of a request to
// POST /v1/jobs/:id/ack.
type AckRequestBody struct {
	HMAC string `json:"hmac"`
}

type ackResponse struct {
	Acked bool `json:"acked"`
}

// POST /v1/jobs/:id/ack
//
// Complete a leased job. Responds with {"acked": true} on success,
// {"acked": false} when the job is not currently leased, or 403 on an
// authentication failure.
func ackJob(p *poller.Poller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idStr := ackRoute.FindStringSubmatch(r.URL.Path)[1]
		id, wroteResponse := getId(w, r, idStr)
		if wroteResponse == true {
			return
		}
		if r.Body == nil {
			badRequest(w, r, createEmptyErr("hmac", r.URL.Path))
			return
		}
		defer r.Body.Close()
		var ar AckRequestBody
		if err := json.NewDecoder(r.Body).Decode(&ar); err != nil {
			badRequest(w, r, &rest.Error{
				ID:    "invalid_request",
				Title: "Invalid request: bad JSON. Double check the types of the fields you sent",
			})
			return
		}
		acked, err := p.Ack(id, ar.HMAC)
		if err != nil {
			if aerr, ok := err.(*poller.AuthError); ok {
				forbidden(w, &rest.Error{
					Title:    aerr.Reason,
					ID:       "forbidden",
					Instance: r.URL.Path,
				})
				return
			}
			if err == jobs.ErrNotFound {
				notFound(w, new404(r))
				return
			}
			writeServerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(ackResponse{Acked: acked})
	})
}
