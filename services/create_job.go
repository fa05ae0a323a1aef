// Mediation layer between the server and database queries.
//
// Logic that's not related to validating request input/turning errors into
// HTTP responses should go here.
package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	types "github.com/Shyp/go-types"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/Shyp/nimitz/models"
	"github.com/Shyp/nimitz/models/jobs"
	"github.com/Shyp/nimitz/signer"
)

// DefaultRetryLimit is applied when a job is created without one.
const DefaultRetryLimit = 10

// Create validates j, runs the signer over its payload, and inserts it.
// Signing happens here and only here; later mutations of the payload never
// re-run the signer.
func Create(j *models.Job, sig *signer.Signer) (*models.Job, error) {
	if !j.Type.Valid() {
		return nil, fmt.Errorf("services: invalid job type %q", string(j.Type))
	}
	if j.Target == "" {
		return nil, errors.New("services: job target is required")
	}
	if j.Type == models.TypePoll && j.Owner == "" {
		return nil, errors.New("services: POLL jobs require an owner")
	}
	if j.RetryLimit < 0 {
		return nil, errors.New("services: retry limit must be zero or positive")
	}
	if j.RetryLimit == 0 {
		j.RetryLimit = DefaultRetryLimit
	}
	if j.ID.UUID == uuid.Nil {
		j.ID = types.GenerateUUID(jobs.Prefix)
	}
	if len(j.Payload) == 0 {
		j.Payload = json.RawMessage("{}")
	}
	if j.RunAt.IsZero() {
		j.RunAt = time.Now().UTC()
	}

	start := time.Now()
	if err := sig.Sign(j); err != nil {
		go metrics.Increment("job.create.sign.error")
		return nil, err
	}
	go metrics.Time("job.create.sign.latency", time.Since(start))

	created, err := jobs.Insert(j)
	if err != nil {
		go metrics.Increment("job.create.error")
		return nil, err
	}
	go metrics.Increment(fmt.Sprintf("job.create.%s.success", created.Type))
	go metrics.Increment("job.create.success")
	return created, nil
}
