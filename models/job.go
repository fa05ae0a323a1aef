package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	types "github.com/Shyp/go-types"
)

// A JobType determines how the scheduler dispatches a claimed job.
type JobType string

const (
	TypeGet    = JobType("GET")
	TypePost   = JobType("POST")
	TypeDelete = JobType("DELETE")
	TypeFunc   = JobType("FUNC")
	TypePoll   = JobType("POLL")
)

// Valid reports whether jt is one of the known job types.
func (jt JobType) Valid() bool {
	switch jt {
	case TypeGet, TypePost, TypeDelete, TypeFunc, TypePoll:
		return true
	}
	return false
}

// HTTP reports whether the job is dispatched as an outbound HTTP request.
func (jt JobType) HTTP() bool {
	return jt == TypeGet || jt == TypePost || jt == TypeDelete
}

// Scan implements the Scanner interface.
func (jt *JobType) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*jt = JobType(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*jt = JobType(string(txt))
		return nil
	}
	return fmt.Errorf("Unsupported JobType: %#v", src)
}

func (jt JobType) Value() (driver.Value, error) {
	return string(jt), nil
}

type JobStatus string

// StatusNew indicates a job that has never been attempted, or a POLL job
// waiting for a pull consumer.
const StatusNew = JobStatus("new")

// StatusProcessing indicates a sweep currently holds the claim on the job.
const StatusProcessing = JobStatus("processing")

const StatusCompleted = JobStatus("completed")

// StatusRedirected is a success status that additionally spawned one derived
// job from the response.
const StatusRedirected = JobStatus("redirected")

// StatusFailed indicates the last attempt failed; the job is eligible for
// another sweep once run_at passes, until the retry limit is hit.
const StatusFailed = JobStatus("failed")

const StatusServerError = JobStatus("server_error")
const StatusTooMany = JobStatus("too_many")
const StatusOther = JobStatus("other")

// StatusPolled indicates a pull consumer holds a lease on the job.
const StatusPolled = JobStatus("polled")

// Terminal reports whether no transition may ever leave this status. The
// scheduler never reclaims a terminal job.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRedirected, StatusServerError, StatusTooMany, StatusOther:
		return true
	}
	return false
}

var transitions = map[JobStatus][]JobStatus{
	StatusNew:    {StatusProcessing},
	StatusFailed: {StatusProcessing},
	StatusProcessing: {
		StatusCompleted, StatusRedirected, StatusFailed, StatusServerError,
		StatusTooMany, StatusOther, StatusPolled, StatusNew,
	},
	// "completed" via ack, "processing" when the sweep reclaims an expired
	// lease.
	StatusPolled: {StatusCompleted, StatusProcessing},
}

// CanTransition reports whether from -> to appears in the transition table.
func CanTransition(from, to JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Scan implements the Scanner interface.
func (s *JobStatus) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*s = JobStatus(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*s = JobStatus(string(txt))
		return nil
	}
	return fmt.Errorf("Unsupported JobStatus: %#v", src)
}

func (s JobStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Headers is a header-name-to-value map stored as a JSON column. The signer
// writes the computed signature into it before the row is inserted.
type Headers map[string]string

// Scan implements the Scanner interface.
func (h *Headers) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	bits, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("Unsupported Headers: %#v", src)
	}
	return json.Unmarshal(bits, h)
}

func (h Headers) Value() (driver.Value, error) {
	if h == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(h)
}

// AuthConfig describes how the Authorization header for an outbound request
// gets resolved. If JWT is set it is used directly; if FromSession is set the
// dispatcher asks its session token source for one; otherwise no
// Authorization header is added.
type AuthConfig struct {
	JWT         string `json:"jwt,omitempty"`
	FromSession bool   `json:"from_session,omitempty"`
}

// Scan implements the Scanner interface.
func (a *AuthConfig) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	bits, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("Unsupported AuthConfig: %#v", src)
	}
	return json.Unmarshal(bits, a)
}

func (a AuthConfig) Value() (driver.Value, error) {
	return json.Marshal(a)
}

type SigningStyle string

const StylePlain = SigningStyle("PLAIN")

// StylePrefixed prefixes the encoded signature with "<algorithm>=".
const StylePrefixed = SigningStyle("PREFIXED")

const DefaultSignatureHeader = "X-HMAC-Signature"

// SigningConfig configures the HMAC computed over the payload at creation
// time. Either Secret holds the key bytes directly, or SecretName names a
// key held by the vault. If neither is set the job is not signed.
type SigningConfig struct {
	Secret     []byte       `json:"secret,omitempty"`
	SecretName string       `json:"secret_name,omitempty"`
	Header     string       `json:"header,omitempty"`
	Style      SigningStyle `json:"style,omitempty"`
	Algorithm  string       `json:"algorithm,omitempty"`
	Encoding   string       `json:"encoding,omitempty"`
}

// Enabled reports whether a secret is configured, directly or by name.
func (sc SigningConfig) Enabled() bool {
	return len(sc.Secret) > 0 || sc.SecretName != ""
}

// Scan implements the Scanner interface.
func (sc *SigningConfig) Scan(src interface{}) error {
	if src == nil {
		return nil
	}
	bits, ok := src.([]byte)
	if !ok {
		return fmt.Errorf("Unsupported SigningConfig: %#v", src)
	}
	return json.Unmarshal(bits, sc)
}

func (sc SigningConfig) Value() (driver.Value, error) {
	return json.Marshal(sc)
}

// A Job is one row of schedulable work with an independent lifecycle.
//
// The response_* fields only retain the most recent attempt; every failed
// attempt additionally gets an append-only FailureLogEntry.
type Job struct {
	ID              types.PrefixUUID `json:"id"`
	Owner           string           `json:"owner"`
	Type            JobType          `json:"job_type"`
	Status          JobStatus        `json:"status"`
	Target          string           `json:"target"`
	Payload         json.RawMessage  `json:"payload"`
	Headers         Headers          `json:"headers"`
	Auth            AuthConfig       `json:"auth"`
	Signing         SigningConfig    `json:"signing"`
	RetryCount      int              `json:"retry_count"`
	RetryLimit      int              `json:"retry_limit"`
	RunAt           time.Time        `json:"run_at"`
	LastAt          types.NullTime   `json:"last_at"`
	ResponseStatus  int              `json:"response_status"`
	ResponseContent string           `json:"response_content"`
	ResponseHeaders Headers          `json:"response_headers"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}
