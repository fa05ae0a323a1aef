// Package poller implements the lease protocol for pull consumers of POLL
// jobs.
//
// A consumer polls for work, holds a 60 second lease while it runs the job,
// and acknowledges when done. Leases are not actively monitored here; an
// expired lease is reclaimed by the next scheduler sweep, which finds the
// job still "polled" past its run_at.
package poller

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	types "github.com/Shyp/go-types"
	"github.com/Shyp/nimitz/models"
	"github.com/Shyp/nimitz/models/jobs"
	"github.com/Shyp/nimitz/signer"
)

// ReplayWindow is how stale a poll timestamp may be before the request is
// rejected outright.
const ReplayWindow = 2 * time.Second

// LeaseWindow is how long a consumer holds a polled job before the sweep
// may reclaim it.
const LeaseWindow = 60 * time.Second

// An AuthError is an authentication failure: stale timestamp or HMAC
// mismatch. The request is rejected synchronously with no job state change;
// the caller retries with a fresh request.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "poller: " + e.Reason
}

// A PollRequest asks for the oldest eligible POLL job for Owner.
type PollRequest struct {
	Owner string

	// Timestamp is when the caller built the request; it must be within
	// ReplayWindow of now.
	Timestamp time.Time

	// HMAC authenticates the request: the job's secret over
	// owner || timestamp || [as-user identity] || "POLL", with the
	// timestamp as unix seconds.
	HMAC string

	// AsUser is the caller identity included in the canonical string when
	// the consumer polls on behalf of a user.
	AsUser string

	// AutoAck completes the job immediately instead of leasing it.
	AutoAck bool
}

// A PollResponse hands the consumer everything it needs to run the job.
type PollResponse struct {
	ID      types.PrefixUUID `json:"id"`
	Payload json.RawMessage  `json:"payload"`
	Headers models.Headers   `json:"headers"`
}

// A Poller serves poll and ack calls. It shares the row-claim discipline
// with the scheduler sweep, so a poll can never race a sweep's reclaim of
// the same row.
type Poller struct {
	Signer *signer.Signer
}

func New(sig *signer.Signer) *Poller {
	return &Poller{Signer: sig}
}

// pollCanonical is the string the poll HMAC is computed over.
func pollCanonical(owner string, timestamp time.Time, asUser string) []byte {
	s := owner + strconv.FormatInt(timestamp.Unix(), 10)
	if asUser != "" {
		s += asUser
	}
	return []byte(s + "POLL")
}

// ackCanonical is the string the ack HMAC is computed over.
func ackCanonical(id types.PrefixUUID) []byte {
	return []byte(id.String() + "ACK")
}

// protoConfig strips the style prefix from a job's signing config; the
// protocol HMAC is always a bare encoded digest.
func protoConfig(cfg models.SigningConfig) models.SigningConfig {
	cfg.Style = models.StylePlain
	return cfg
}

// PollHMAC computes the value a consumer sends in PollRequest.HMAC.
func PollHMAC(secret []byte, owner string, timestamp time.Time, asUser string, cfg models.SigningConfig) (string, error) {
	return signer.Compute(secret, pollCanonical(owner, timestamp, asUser), protoConfig(cfg))
}

// AckHMAC computes the value a consumer sends when acknowledging a job.
func AckHMAC(secret []byte, id types.PrefixUUID, cfg models.SigningConfig) (string, error) {
	return signer.Compute(secret, ackCanonical(id), protoConfig(cfg))
}

// Poll claims the oldest eligible POLL job for the request's owner. Returns
// (nil, nil) when no job is eligible, an *AuthError when the timestamp is
// stale or the HMAC doesn't match, and the job otherwise. On auth failure
// after the claim, the claim is released without counting an attempt.
func (p *Poller) Poll(req *PollRequest) (*PollResponse, error) {
	if time.Since(req.Timestamp) > ReplayWindow {
		go metrics.Increment("poll.stale_timestamp")
		return nil, &AuthError{Reason: "timestamp is outside the replay window"}
	}

	j, err := jobs.ClaimOldestPoll(req.Owner)
	if err == sql.ErrNoRows {
		go metrics.Increment("poll.empty")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := p.verify(j, pollCanonical(req.Owner, req.Timestamp, req.AsUser), req.HMAC); err != nil {
		if rerr := jobs.Release(j.ID); rerr != nil && rerr != sql.ErrNoRows {
			return nil, rerr
		}
		go metrics.Increment("poll.auth.error")
		return nil, err
	}

	if req.AutoAck {
		if _, err := jobs.Ack(j.ID, models.StatusProcessing); err != nil {
			return nil, err
		}
		go metrics.Increment("poll.auto_ack")
	} else {
		expiry := time.Now().UTC().Add(LeaseWindow)
		if _, err := jobs.MarkPolled(j.ID, expiry); err != nil {
			return nil, err
		}
		go metrics.Increment("poll.leased")
	}
	return &PollResponse{ID: j.ID, Payload: j.Payload, Headers: j.Headers}, nil
}

// Ack completes a leased job. Returns true if the job moved to "completed";
// false with an *AuthError on HMAC mismatch, and false with a nil error when
// the job is not currently leased (no state change either way).
func (p *Poller) Ack(id types.PrefixUUID, mac string) (bool, error) {
	j, err := jobs.Get(id)
	if err != nil {
		return false, err
	}
	if j.Status != models.StatusPolled {
		go metrics.Increment("ack.not_polled")
		return false, nil
	}
	if err := p.verify(j, ackCanonical(j.ID), mac); err != nil {
		go metrics.Increment("ack.auth.error")
		return false, err
	}
	if _, err := jobs.Ack(j.ID, models.StatusPolled); err != nil {
		if err == sql.ErrNoRows {
			// Lost the race with a sweep reclaim.
			return false, nil
		}
		return false, err
	}
	go metrics.Increment("ack.success")
	return true, nil
}

// verify recomputes the expected HMAC with the job's configured secret and
// compares it to the caller's in constant time.
func (p *Poller) verify(j *models.Job, canonical []byte, mac string) error {
	if !j.Signing.Enabled() {
		return &AuthError{Reason: fmt.Sprintf("job %s has no signing secret", j.ID.String())}
	}
	secret, err := p.Signer.Secret(j.Signing)
	if err != nil {
		return err
	}
	if !signer.Verify(secret, canonical, mac, protoConfig(j.Signing)) {
		return &AuthError{Reason: "hmac does not match"}
	}
	return nil
}
