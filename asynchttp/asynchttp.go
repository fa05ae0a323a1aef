// Package asynchttp is the submit-now, collect-later HTTP facility.
//
// Submit returns a correlation handle immediately and performs the request
// on a goroutine, keeping slow network I/O out of the sweep's row-locking
// critical section. A separate, more frequent resolution sweep calls Collect
// until the handle resolves, then feeds the result to the classifier.
package asynchttp

import (
	"context"
	"net/http"
	"sync"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/Shyp/nimitz/rest"
	"golang.org/x/time/rate"
)

// A Response is the resolved outcome of a submitted request. If the request
// could not be executed at all (connect error, timeout), Err is set and
// StatusCode is 0.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       string
	Err        error
}

// A Submitter issues requests asynchronously and resolves them later by
// handle.
type Submitter interface {
	// Submit issues the request and returns a correlation handle without
	// waiting for the response.
	Submit(method, url string, headers map[string]string, body []byte) (int64, error)

	// Collect returns the response for a handle if it has resolved. The
	// second return is false while the request is still in flight. A
	// resolved handle is forgotten once collected.
	Collect(handle int64) (*Response, bool)
}

// Client is the production Submitter. Requests run on goroutines through the
// rest client; an optional rate limiter keeps sweep bursts from hammering
// downstream hosts.
type Client struct {
	HTTP    *rest.Client
	Limiter *rate.Limiter

	mu       sync.Mutex
	next     int64
	results  map[int64]*Response
	inFlight map[int64]bool
}

// NewClient creates a Client. ratePerSec <= 0 disables rate limiting.
func NewClient(ratePerSec int) *Client {
	c := &Client{
		HTTP:     rest.NewClient(),
		results:  make(map[int64]*Response),
		inFlight: make(map[int64]bool),
		// Handles are recorded in the pending_dispatches table, which may
		// still hold rows from a previous process; seed the counter so
		// handles never repeat across restarts.
		next: time.Now().UnixNano(),
	}
	if ratePerSec > 0 {
		c.Limiter = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	return c
}

// Submit implements Submitter.
func (c *Client) Submit(method, url string, headers map[string]string, body []byte) (int64, error) {
	c.mu.Lock()
	c.next++
	handle := c.next
	c.inFlight[handle] = true
	c.mu.Unlock()

	go c.run(handle, method, url, headers, body)
	return handle, nil
}

func (c *Client) run(handle int64, method, url string, headers map[string]string, body []byte) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(context.Background()); err != nil {
			c.resolve(handle, &Response{Err: err})
			return
		}
	}
	start := time.Now()
	req, err := c.HTTP.NewRequest(method, url, headers, body)
	if err != nil {
		c.resolve(handle, &Response{Err: err})
		return
	}
	res, err := c.HTTP.Do(req)
	go metrics.Time("asynchttp.request.latency", time.Since(start))
	if err != nil {
		go metrics.Increment("asynchttp.request.error")
		c.resolve(handle, &Response{Err: err})
		return
	}
	go metrics.Increment("asynchttp.request.resolved")
	c.resolve(handle, &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       res.Body,
	})
}

func (c *Client) resolve(handle int64, res *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, handle)
	c.results[handle] = res
}

// Collect implements Submitter.
func (c *Client) Collect(handle int64) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.results[handle]
	if !ok {
		return nil, false
	}
	delete(c.results, handle)
	return res, true
}

// Pending returns how many submitted requests have not been collected yet.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight) + len(c.results)
}
