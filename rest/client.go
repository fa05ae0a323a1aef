// Package rest executes outbound HTTP requests for the dispatcher.
package rest

import (
	"bytes"
	"io/ioutil"
	"net/http"
	"net/http/httputil"
	"os"
	"time"

	"github.com/Shyp/nimitz/config"
)

var defaultTimeout = 6500 * time.Millisecond
var defaultHttpClient = &http.Client{Timeout: defaultTimeout}

// Client executes outbound requests on behalf of dispatched jobs. Unlike an
// API client it hits arbitrary per-job URLs, so responses come back raw; the
// classifier decides what a status code means.
type Client struct {
	Client *http.Client
}

// NewClient returns a Client with the default 6.5 second timeout.
func NewClient() *Client {
	return &Client{Client: defaultHttpClient}
}

// A Response is the raw result of an outbound request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       string
}

// NewRequest creates a request with the given headers. A User-Agent is set
// unless the job's headers override it.
func (c *Client) NewRequest(method, url string, headers map[string]string, body []byte) (*http.Request, error) {
	var rd *bytes.Reader
	if body == nil {
		rd = bytes.NewReader([]byte{})
	} else {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "nimitz/"+config.Version)
	if method == "POST" {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Do performs the request and reads the whole body. Set
// DEBUG_HTTP_TRAFFIC=true to dump requests and responses to stderr.
func (c *Client) Do(r *http.Request) (*Response, error) {
	b := new(bytes.Buffer)
	debug := os.Getenv("DEBUG_HTTP_TRAFFIC") == "true"
	if debug {
		bits, err := httputil.DumpRequestOut(r, true)
		if err == nil {
			b.Write(bits)
		}
	}
	res, err := c.Client.Do(r)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if debug {
		bits, err := httputil.DumpResponse(res, true)
		if err == nil {
			b.Write(bits)
		}
		// Write the whole dump at once so concurrent requests don't jumble
		// the output.
		_, _ = b.WriteTo(os.Stderr)
	}
	body, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       string(body),
	}, nil
}
